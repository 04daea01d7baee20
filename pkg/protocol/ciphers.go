package protocol

import "github.com/pzverkov/quantum-kemtls/internal/constants"

// SupportedCipherSuites returns the suites this build offers, most preferred
// first. The caller owns the returned slice.
func SupportedCipherSuites() []constants.CipherSuite {
	return append([]constants.CipherSuite(nil), offeredSuites...)
}

// PreferredCipherSuite is the first of SupportedCipherSuites.
func PreferredCipherSuite() constants.CipherSuite {
	return offeredSuites[0]
}

// IsSupportedCipherSuite reports whether this build offers s.
func IsSupportedCipherSuite(s constants.CipherSuite) bool {
	for _, o := range offeredSuites {
		if o == s {
			return true
		}
	}
	return false
}
