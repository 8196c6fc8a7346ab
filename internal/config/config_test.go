package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfigRootsUnderHome(t *testing.T) {
	c := DefaultConfig()
	if filepath.Base(filepath.Dir(c.SocketPath)) != ".orpc" {
		t.Fatalf("expected socket to live under ~/.orpc, got %s", c.SocketPath)
	}
	if c.ChildOfferTimeout <= 0 {
		t.Fatal("expected a positive child offer timeout")
	}
}

func TestEnsureDirsCreatesTree(t *testing.T) {
	c := DefaultConfig()
	root := t.TempDir()
	c.DataDir = filepath.Join(root, "data")
	c.ChildLogDir = filepath.Join(root, "data", "children")
	c.LibraryDir = filepath.Join(root, "data", "lib")
	c.CacheDir = filepath.Join(root, "data", "cache")
	c.SocketPath = filepath.Join(root, "orpcd.sock")

	if err := c.EnsureDirs(); err != nil {
		t.Fatalf("EnsureDirs: %v", err)
	}
	for _, d := range []string{c.DataDir, c.ChildLogDir, c.LibraryDir, c.CacheDir} {
		info, err := os.Stat(d)
		if err != nil || !info.IsDir() {
			t.Fatalf("expected directory %s to exist", d)
		}
	}
}
