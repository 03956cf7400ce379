package assets

import (
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/pkg/errors"
)

// DirSource serves assets from a directory on disk.
type DirSource struct {
	root   string
	closed atomic.Bool
}

// NewDirSource creates a source rooted at dir.
func NewDirSource(dir string) *DirSource {
	return &DirSource{root: dir}
}

// Open memory-maps the named file below the source root.
func (s *DirSource) Open(name string) (*Asset, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	path, err := s.resolve(name)
	if err != nil {
		return nil, err
	}

	data, release, err := mapFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, notFound(name)
		}
		return nil, err
	}
	return newAsset(name, data, release), nil
}

// Close marks the source closed. Assets that are already open stay valid.
func (s *DirSource) Close() error {
	s.closed.Store(true)
	return nil
}

// resolve joins name onto the root, refusing names that climb out of it.
func (s *DirSource) resolve(name string) (string, error) {
	if filepath.IsAbs(name) {
		return name, nil
	}
	clean := filepath.Clean(filepath.FromSlash(name))
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", errors.Errorf("asset name %q escapes the asset root", name)
	}
	return filepath.Join(s.root, clean), nil
}

// mapFile maps the file at path and returns the mapping and its release func.
func mapFile(path string) ([]byte, func() error, error) {
	//nolint:gosec // G304: asset paths come from configuration.
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, nil, errors.Wrapf(err, "stat %s", path)
	}
	if info.IsDir() {
		return nil, nil, errors.Errorf("%s is a directory", path)
	}
	if info.Size() == 0 {
		return []byte{}, nil, nil
	}

	data, err := mmapFile(f, info.Size())
	if err != nil {
		return nil, nil, errors.Wrapf(err, "mmap %s", path)
	}
	return data, func() error { return munmapFile(data) }, nil
}
