// Package libloader fetches and caches proxy-stub library bundles: the
// shared libraries a process loads at startup (or on the client-side
// dynamic-loading path described by Setup.ProxyStubPath, spec §6) so
// that additional interfaces become available to the Administrator
// without a recompile.
package libloader

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"regexp"

	"github.com/pkg/errors"
)

// validCacheKey matches keys produced by Cache.Put: 64 hex chars plus a
// known extension, guarding Get against path traversal via a
// caller-supplied key.
var validCacheKey = regexp.MustCompile(`^[a-f0-9]{64}\.(tar|so)$`)

// Cache is a content-addressed store for fetched proxy-stub bundles,
// rooted at {root}/libcache/{sha256}.{ext}.
type Cache struct {
	root string
}

// NewCache returns a Cache rooted at root.
func NewCache(root string) *Cache {
	return &Cache{root: filepath.Join(root, "libcache")}
}

// Put writes data under its content hash and returns the cache key. If an
// entry with the same hash already exists, the write is skipped.
func (c *Cache) Put(data []byte, ext string) (string, error) {
	hash := sha256.Sum256(data)
	key := hex.EncodeToString(hash[:]) + "." + ext
	final := filepath.Join(c.root, key)

	if _, err := os.Stat(final); err == nil {
		return key, nil
	}
	if err := os.MkdirAll(c.root, 0755); err != nil {
		return "", errors.Wrap(err, "libloader: create cache dir")
	}

	tmp, err := os.CreateTemp(c.root, ".tmp-*")
	if err != nil {
		return "", errors.Wrap(err, "libloader: create temp file")
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", errors.Wrap(err, "libloader: write temp file")
	}
	tmp.Close()
	if err := os.Rename(tmp.Name(), final); err != nil {
		os.Remove(tmp.Name())
		return "", errors.Wrap(err, "libloader: rename into place")
	}
	return key, nil
}

// Path returns the on-disk path for key, validating it first.
func (c *Cache) Path(key string) (string, error) {
	if !validCacheKey.MatchString(key) {
		return "", errors.Errorf("libloader: invalid cache key %q", key)
	}
	return filepath.Join(c.root, key), nil
}

// Get reads a cached bundle by key.
func (c *Cache) Get(key string) ([]byte, error) {
	path, err := c.Path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "libloader: read cached bundle")
	}
	return data, nil
}
