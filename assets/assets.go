// Package assets - Read-only access to bundled model assets.
//
// Model files are consumed in place: a directory source memory-maps them and a bundle
// source slices them straight out of the mapped archive. For that to work the archive
// entries must be stored uncompressed, which is the Go side of the Android
// "noCompress" packaging rule.
package assets

import (
	"crypto/sha256"
	"errors"
	"io/fs"
	"path/filepath"
	"strings"
	"sync"
)

var (
	// ErrNotFound is returned when the source has no asset with the requested name.
	ErrNotFound = errors.New("asset not found")
	// ErrCompressedAsset is returned when a memory-mapped asset type is stored compressed.
	ErrCompressedAsset = errors.New("asset must be stored uncompressed")
	// ErrClosed is returned when opening an asset from a closed source.
	ErrClosed = errors.New("asset source is closed")
)

// NoCompressExtensions lists the extensions that must be packaged uncompressed.
var NoCompressExtensions = []string{".tflite", ".lite", ".onnx", ".ort"}

// Asset is an opened, read-only asset.
type Asset struct {
	// Name is the name the asset was opened with.
	Name string
	// Data is the asset content. It must not be modified and is only valid until Close.
	Data []byte
	// Checksum is the SHA-256 of Data.
	Checksum [32]byte

	release func() error
	once    sync.Once
}

func newAsset(name string, data []byte, release func() error) *Asset {
	return &Asset{
		Name:     name,
		Data:     data,
		Checksum: sha256.Sum256(data),
		release:  release,
	}
}

// Close releases the asset's backing memory. It is safe to call more than once.
func (a *Asset) Close() error {
	var err error
	a.once.Do(func() {
		if a.release != nil {
			err = a.release()
		}
		a.Data = nil
	})
	return err
}

// Source opens assets by name.
type Source interface {
	// Open returns the named asset. Missing assets yield an error matching ErrNotFound.
	Open(name string) (*Asset, error)
	// Close releases the source.
	Close() error
}

// RequiresNoCompress reports whether the asset name has an extension that must be stored
// uncompressed.
func RequiresNoCompress(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, candidate := range NoCompressExtensions {
		if ext == candidate {
			return true
		}
	}
	return false
}

// notFound builds an error matching both ErrNotFound and fs.ErrNotExist.
func notFound(name string) error {
	return &notFoundError{name: name}
}

type notFoundError struct {
	name string
}

func (e *notFoundError) Error() string {
	return "asset not found: " + e.name
}

func (e *notFoundError) Is(target error) bool {
	return target == ErrNotFound || target == fs.ErrNotExist
}
