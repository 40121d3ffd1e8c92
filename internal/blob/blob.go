// Package blob stores fetched page content as compressed files under a root
// directory. The compressor is selected by the path's final extension, so a
// stored path is self-describing and readers never see compressed bytes.
package blob

import (
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/rotisserie/eris"
)

// Dir is a blob directory rooted at a data path. All relative paths passed
// to its methods are resolved against the root.
type Dir struct {
	root string
}

// NewDir returns a Dir rooted at root. The directory is created on first
// write, not here.
func NewDir(root string) *Dir {
	return &Dir{root: root}
}

// Root returns the root directory.
func (d *Dir) Root() string { return d.root }

// Abs resolves a stored relative path against the root.
func (d *Dir) Abs(rel string) string {
	return filepath.Join(d.root, filepath.FromSlash(rel))
}

// Exists reports whether the blob file is present on disk.
func (d *Dir) Exists(rel string) bool {
	info, err := os.Stat(d.Abs(rel))
	return err == nil && info.Mode().IsRegular()
}

// Write compresses data according to the extension of rel and writes it
// beneath the root, creating parent directories as needed.
func (d *Dir) Write(rel string, data []byte) error {
	abs := d.Abs(rel)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return eris.Wrapf(err, "blob: mkdir for %s", rel)
	}

	f, err := os.Create(abs)
	if err != nil {
		return eris.Wrapf(err, "blob: create %s", rel)
	}

	w, err := compressor(f, rel)
	if err != nil {
		_ = f.Close()
		return err
	}
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		_ = f.Close()
		return eris.Wrapf(err, "blob: write %s", rel)
	}
	if err := w.Close(); err != nil {
		_ = f.Close()
		return eris.Wrapf(err, "blob: flush %s", rel)
	}
	if err := f.Close(); err != nil {
		return eris.Wrapf(err, "blob: close %s", rel)
	}
	return nil
}

// Read opens the blob at rel and returns its decompressed content.
func (d *Dir) Read(rel string) ([]byte, error) {
	f, err := os.Open(d.Abs(rel))
	if err != nil {
		return nil, eris.Wrapf(err, "blob: open %s", rel)
	}
	defer func() { _ = f.Close() }()

	r, closeFn, err := decompressor(f, rel)
	if err != nil {
		return nil, err
	}
	defer closeFn()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, eris.Wrapf(err, "blob: read %s", rel)
	}
	return data, nil
}

func compressor(f *os.File, rel string) (io.WriteCloser, error) {
	switch strings.ToLower(filepath.Ext(rel)) {
	case ".zst":
		w, err := zstd.NewWriter(f)
		if err != nil {
			return nil, eris.Wrapf(err, "blob: zstd writer %s", rel)
		}
		return w, nil
	case ".gz":
		return gzip.NewWriter(f), nil
	default:
		return nopWriteCloser{f}, nil
	}
}

func decompressor(f *os.File, rel string) (io.Reader, func(), error) {
	switch strings.ToLower(filepath.Ext(rel)) {
	case ".zst":
		r, err := zstd.NewReader(f)
		if err != nil {
			return nil, nil, eris.Wrapf(err, "blob: zstd reader %s", rel)
		}
		return r, r.Close, nil
	case ".gz":
		r, err := gzip.NewReader(f)
		if err != nil {
			return nil, nil, eris.Wrapf(err, "blob: gzip reader %s", rel)
		}
		return r, func() { _ = r.Close() }, nil
	default:
		return f, func() {}, nil
	}
}

// nopWriteCloser wraps the file so the caller's Close does not double-close it.
type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }
