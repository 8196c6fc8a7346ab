package libloader

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// Bundle is one proxy-stub library discovered on disk.
type Bundle struct {
	ClassName string // file name without extension
	Path      string
}

// ScanDir walks dir for proxy-stub shared libraries (".so" on the
// platforms this runtime targets) and returns one Bundle per file
// found directly inside it. It does not recurse into subdirectories —
// a library directory is expected to be flat, one file per class,
// mirroring how the teacher's daemon extracts bundled dylibs into a
// single flat lib directory rather than a tree.
func ScanDir(dir string) ([]Bundle, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "libloader: scan %s", dir)
	}

	var bundles []Bundle
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".so") {
			continue
		}
		bundles = append(bundles, Bundle{
			ClassName: strings.TrimSuffix(e.Name(), ".so"),
			Path:      filepath.Join(dir, e.Name()),
		})
	}
	return bundles, nil
}
