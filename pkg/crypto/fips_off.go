//go:build !fips
// +build !fips

package crypto

const fipsBuild = false
