//go:build !fips
// +build !fips

package protocol

import "github.com/pzverkov/quantum-kemtls/internal/constants"

var offeredSuites = []constants.CipherSuite{
	constants.CipherSuiteAsconAES256GCM,
	constants.CipherSuiteAsconChaCha20Poly1305,
	constants.CipherSuiteShake256AES256GCM,
	constants.CipherSuiteShake256ChaCha20Poly1305,
}
