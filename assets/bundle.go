package assets

import (
	"archive/zip"
	"bytes"
	"io"
	"path"
	"sync"

	"github.com/pkg/errors"
)

// BundleSource serves assets out of a zip bundle, the way an installed application package
// exposes its assets.
//
// The whole bundle is mapped once. Entries that must stay uncompressed are returned as
// slices of that mapping, so they share its lifetime: keep the bundle open while any of
// its model assets are in use.
type BundleSource struct {
	mu      sync.RWMutex
	data    []byte
	release func() error
	reader  *zip.Reader
	entries map[string]*zip.File
	closed  bool
}

// OpenBundle maps the zip bundle at bundlePath.
func OpenBundle(bundlePath string) (*BundleSource, error) {
	data, release, err := mapFile(bundlePath)
	if err != nil {
		return nil, errors.Wrapf(err, "open bundle %s", bundlePath)
	}

	reader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		if release != nil {
			_ = release()
		}
		return nil, errors.Wrapf(err, "read bundle %s", bundlePath)
	}

	entries := make(map[string]*zip.File, len(reader.File))
	for _, f := range reader.File {
		entries[path.Clean(f.Name)] = f
	}

	return &BundleSource{
		data:    data,
		release: release,
		reader:  reader,
		entries: entries,
	}, nil
}

// Open returns the named bundle entry.
//
// Entries with a no-compress extension are returned without copying and must have been
// stored with zip.Store; any other entry is inflated into a private copy.
func (s *BundleSource) Open(name string) (*Asset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	f, ok := s.entries[path.Clean(name)]
	if !ok {
		return nil, notFound(name)
	}

	if RequiresNoCompress(name) {
		if f.Method != zip.Store {
			return nil, errors.Wrapf(ErrCompressedAsset, "%s uses zip method %d", name, f.Method)
		}
		offset, err := f.DataOffset()
		if err != nil {
			return nil, errors.Wrapf(err, "locate %s", name)
		}
		end := offset + int64(f.UncompressedSize64)
		if offset < 0 || end > int64(len(s.data)) {
			return nil, errors.Errorf("%s extends beyond the bundle", name)
		}
		return newAsset(name, s.data[offset:end:end], nil), nil
	}

	rc, err := f.Open()
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", name)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", name)
	}
	return newAsset(name, data, nil), nil
}

// Names lists the bundle entries.
func (s *BundleSource) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.reader.File))
	for _, f := range s.reader.File {
		names = append(names, f.Name)
	}
	return names
}

// Close unmaps the bundle.
func (s *BundleSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	if s.release != nil {
		return s.release()
	}
	return nil
}
