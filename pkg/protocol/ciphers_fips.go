//go:build fips
// +build fips

package protocol

import "github.com/pzverkov/quantum-kemtls/internal/constants"

// FIPS builds offer only the suite built from approved primitives.
var offeredSuites = []constants.CipherSuite{
	constants.CipherSuiteShake256AES256GCM,
}
