package crypto

// FIPSMode reports whether the binary was built with the fips tag. FIPS
// builds offer only SHAKE256 with AES-256-GCM, enable the conditional self
// tests and panic when a self test fails.
func FIPSMode() bool { return fipsBuild }
