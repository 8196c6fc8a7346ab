// Package version holds build-time version info injected via ldflags.
//
// Build with:
//
//	go build -ldflags "-X github.com/orpcrt/orpc/internal/version.version=v0.2.0"
package version

import (
	"fmt"

	"github.com/orpcrt/orpc/internal/iface"
)

// version is set at build time via -ldflags.
var version = "dev"

// Version returns the build version string.
func Version() string {
	return version
}

// ProtocolSummary reports the build version together with the
// InstanceID width this binary was compiled with — two processes can
// only share a channel when the latter matches, so it is worth
// surfacing alongside the version string in startup logs and orpcctl
// doctor output.
func ProtocolSummary() string {
	return fmt.Sprintf("%s (instance-id width: %d bytes)", version, iface.InstanceWidth)
}
