// Package version reports the release and wire protocol of this build.
package version

import (
	"fmt"
	"runtime"

	"github.com/pzverkov/quantum-kemtls/internal/constants"
)

// Release is the module release. Builds may override it with
// -ldflags "-X github.com/pzverkov/quantum-kemtls/pkg/version.Release=v1.2.3".
var Release = "v0.1.0"

// ProtocolVersion is the hello version in major.minor form.
var ProtocolVersion = fmt.Sprintf("%d.%d", constants.ProtocolVersion>>8, constants.ProtocolVersion&0xff)

// String returns Release.
func String() string {
	return Release
}

// Full names the release, the protocol and the Go toolchain.
func Full() string {
	return fmt.Sprintf("kemtls %s (%s, protocol %s, %s)",
		Release, constants.ProtocolName, ProtocolVersion, runtime.Version())
}
