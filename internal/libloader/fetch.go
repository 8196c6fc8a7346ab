package libloader

import (
	"archive/tar"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/go-containerregistry/pkg/crane"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Fetcher pulls proxy-stub library bundles distributed as OCI artifacts
// and unpacks them into a per-process library directory. It holds a Cache,
// but Fetch neither reads from nor writes to it: every call pulls ref from
// the registry again.
type Fetcher struct {
	cache  *Cache
	libDir string
	log    logrus.FieldLogger
}

// NewFetcher returns a Fetcher that unpacks bundles into libDir, backed
// by a Cache rooted at cacheRoot.
func NewFetcher(cacheRoot, libDir string, log logrus.FieldLogger) *Fetcher {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Fetcher{cache: NewCache(cacheRoot), libDir: libDir, log: log}
}

// Fetch pulls the OCI artifact at ref, unpacks every layer into the
// Fetcher's library directory, and returns the directory path — the
// value a caller reports back as Setup.ProxyStubPath (spec §6).
func (f *Fetcher) Fetch(ref string) (string, error) {
	img, err := crane.Pull(ref)
	if err != nil {
		return "", errors.Wrapf(err, "libloader: pull %s", ref)
	}

	layers, err := img.Layers()
	if err != nil {
		return "", errors.Wrap(err, "libloader: read layers")
	}

	if err := os.MkdirAll(f.libDir, 0755); err != nil {
		return "", errors.Wrap(err, "libloader: create lib dir")
	}

	for i, layer := range layers {
		if err := f.unpackLayer(layer); err != nil {
			return "", errors.Wrapf(err, "libloader: unpack layer %d of %s", i, ref)
		}
	}
	f.log.WithField("ref", ref).WithField("layers", len(layers)).Info("libloader: fetched proxy-stub bundle")
	return f.libDir, nil
}

func (f *Fetcher) unpackLayer(layer v1.Layer) error {
	mediaType, err := layer.MediaType()
	if err != nil {
		return err
	}

	rc, err := layer.Compressed()
	if err != nil {
		return err
	}
	defer rc.Close()

	var tr *tar.Reader
	if strings.Contains(string(mediaType), "zstd") {
		zr, err := zstd.NewReader(rc)
		if err != nil {
			return errors.Wrap(err, "libloader: open zstd stream")
		}
		defer zr.Close()
		tr = tar.NewReader(zr)
	} else {
		// go-containerregistry layers are gzip-compressed tarballs by
		// default; Compressed() already hands back the raw compressed
		// stream, so Uncompressed() is read instead for every non-zstd layer.
		uncompressed, err := layer.Uncompressed()
		if err != nil {
			return errors.Wrap(err, "libloader: open uncompressed stream")
		}
		defer uncompressed.Close()
		tr = tar.NewReader(uncompressed)
	}

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "libloader: read tar entry")
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		if err := f.extractEntry(tr, hdr); err != nil {
			return err
		}
	}
}

func (f *Fetcher) extractEntry(tr *tar.Reader, hdr *tar.Header) error {
	name := filepath.Base(hdr.Name)
	if name == "" || name == "." || strings.Contains(hdr.Name, "..") {
		return errors.Errorf("libloader: refusing unsafe tar entry %q", hdr.Name)
	}
	dest := filepath.Join(f.libDir, name)

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0755)
	if err != nil {
		return errors.Wrapf(err, "libloader: create %s", dest)
	}
	defer out.Close()
	if _, err := io.Copy(out, tr); err != nil {
		return errors.Wrapf(err, "libloader: write %s", dest)
	}
	return nil
}
