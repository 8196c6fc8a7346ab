package config

import (
	"runtime"

	"github.com/orpcrt/orpc/internal/iface"
)

// Platform describes the detected host in terms relevant to wire
// compatibility: a process can only accept connections from peers
// built with the same InstanceID width, so orpcctl's doctor output and
// orpcd's startup log both report it.
type Platform struct {
	OS   string // runtime.GOOS
	Arch string // runtime.GOARCH

	// InstanceWidth is the build-tag-selected InstanceID width in bytes
	// (4, 8, or 16) this binary was compiled with.
	InstanceWidth int
}

// DetectPlatform reports the running host and the InstanceID width this
// binary was built with.
func DetectPlatform() *Platform {
	return &Platform{
		OS:            runtime.GOOS,
		Arch:          runtime.GOARCH,
		InstanceWidth: iface.InstanceWidth,
	}
}
