package config

import (
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

// Config holds orpcd runtime configuration.
type Config struct {
	// DataDir is the base directory for runtime state.
	DataDir string

	// BinDir is the directory containing orpc binaries (orpcd, the
	// generic child entrypoint, orpcctl).
	BinDir string

	// SocketPath is the unix socket the Communicator server listens on
	// for incoming AQUIRE/OFFER/REQUEST/REVOKE announces.
	SocketPath string

	// ChildBinary is the path to the generic child-process entrypoint
	// launched by internal/supervisor for RouteChildProcess classes.
	ChildBinary string

	// ChildLogDir is the directory child-process stdout/stderr logs are
	// written to, one file per launched exchange.
	ChildLogDir string

	// LibraryDir is the flat directory internal/libloader scans for
	// already-installed proxy-stub bundles and unpacks freshly fetched
	// ones into.
	LibraryDir string

	// CacheDir is the root of internal/libloader's content-addressed
	// fetch cache.
	CacheDir string

	// JournalPath is the path to the internal/diagnostics SQLite
	// connection/lifecycle event journal.
	JournalPath string

	// RemotePort is the TCP (or vsock) port a distributed node's
	// Communicator server listens on for incoming remote links.
	RemotePort int

	// ChildOfferTimeout is the default wait for a RouteChildProcess child
	// to OFFER its instance back. communicator.Server does not read it: the
	// server applies its own built-in 15-second wait, equal to this default.
	ChildOfferTimeout time.Duration
}

// DefaultConfig returns the default configuration, rooted at ~/.orpc.
// Individual fields may be overridden by the caller (cmd/orpcd,
// cmd/orpcctl) from flags or environment variables before use.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	orpcDir := filepath.Join(homeDir, ".orpc")
	execDir := executableDir()

	return &Config{
		DataDir:           filepath.Join(orpcDir, "data"),
		BinDir:            execDir,
		SocketPath:        filepath.Join(orpcDir, "orpcd.sock"),
		ChildBinary:       FindBinary("orpc-childproc", execDir),
		ChildLogDir:       filepath.Join(orpcDir, "data", "children"),
		LibraryDir:        filepath.Join(orpcDir, "data", "lib"),
		CacheDir:          filepath.Join(orpcDir, "data", "cache"),
		JournalPath:       filepath.Join(orpcDir, "data", "journal.db"),
		RemotePort:        7760,
		ChildOfferTimeout: 15 * time.Second,
	}
}

// EnsureDirs creates all directories the configuration references.
func (c *Config) EnsureDirs() error {
	for _, d := range []string{c.DataDir, c.ChildLogDir, c.LibraryDir, c.CacheDir, filepath.Dir(c.SocketPath)} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}

// FindBinary locates a binary by name. Search order:
//  1. PATH (exec.LookPath)
//  2. Sibling directory of the running executable (binDir)
//
// Returns the absolute path, or "" if not found.
func FindBinary(name string, binDir string) string {
	if p, err := exec.LookPath(name); err == nil {
		return p
	}
	if binDir != "" {
		p := filepath.Join(binDir, name)
		if _, err := os.Stat(p); err == nil {
			abs, _ := filepath.Abs(p)
			return abs
		}
	}
	return ""
}

// executableDir returns the directory containing the current executable.
func executableDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "."
	}
	return filepath.Dir(exe)
}
