package store

import (
	"errors"
	"fmt"
)

var (
	// ErrLoad matches every *LoadError.
	ErrLoad = errors.New("model load failed")
	// ErrUseAfterUnload is returned by operations on a handle that has been unloaded.
	ErrUseAfterUnload = errors.New("model handle used after unload")
	// ErrClosed is returned when loading from a closed store.
	ErrClosed = errors.New("model store is closed")
)

// Reason classifies a load failure.
type Reason string

const (
	// ReasonMissing means the asset does not exist in the source.
	ReasonMissing Reason = "missing"
	// ReasonCorrupt means the asset or its metadata could not be decoded or verified.
	ReasonCorrupt Reason = "corrupt"
	// ReasonShapeMismatch means the graph tensors do not match the expected shapes or labels.
	ReasonShapeMismatch Reason = "shape_mismatch"
	// ReasonUnsupported means the graph uses tensor types the backend cannot exchange.
	ReasonUnsupported Reason = "unsupported"
	// ReasonAccelerator means the accelerator was required but unavailable.
	ReasonAccelerator Reason = "accelerator"
	// ReasonRuntime means the native runtime refused to create a session.
	ReasonRuntime Reason = "runtime"
)

// LoadError reports why a model asset could not be loaded.
type LoadError struct {
	Path   string
	Reason Reason
	Err    error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load %s: %s: %v", e.Path, e.Reason, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// Is matches ErrLoad.
func (e *LoadError) Is(target error) bool {
	return target == ErrLoad
}

func loadError(path string, reason Reason, err error) *LoadError {
	return &LoadError{Path: path, Reason: reason, Err: err}
}
