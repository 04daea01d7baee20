package protocol

import (
	"fmt"

	"github.com/pzverkov/quantum-kemtls/internal/constants"
)

// Version is the two-byte version carried in both hello messages.
type Version struct {
	Major uint8
	Minor uint8
}

// Current is the only version spoken. A peer offering anything else is
// refused rather than downgraded.
var Current = VersionFromUint16(constants.ProtocolVersion)

// VersionFromUint16 splits a wire codepoint.
func VersionFromUint16(v uint16) Version {
	return Version{Major: uint8(v >> 8), Minor: uint8(v)}
}

// ParseVersion reads the first two bytes of data, or returns the zero
// Version when data is shorter.
func ParseVersion(data []byte) Version {
	if len(data) < 2 {
		return Version{}
	}
	return Version{Major: data[0], Minor: data[1]}
}

// Uint16 is the wire codepoint.
func (v Version) Uint16() uint16 {
	return uint16(v.Major)<<8 | uint16(v.Minor)
}

// IsCompatible reports whether a session at v can accept a peer at other.
func (v Version) IsCompatible(other Version) bool {
	return v == other
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}
