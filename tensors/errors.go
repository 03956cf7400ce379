package tensors

import (
	"errors"
	"fmt"
)

var (
	// ErrPoolExhausted matches every *PoolExhaustedError.
	ErrPoolExhausted = errors.New("tensor pool exhausted")
	// ErrPoolClosed is returned by Acquire once the pool is closed.
	ErrPoolClosed = errors.New("tensor pool is closed")
	// ErrUnknownShape is returned when the pool holds no buffers of the requested shape.
	ErrUnknownShape = errors.New("tensor pool has no buffers of this shape")
	// ErrNotBorrowed is returned when releasing a buffer that is already free.
	ErrNotBorrowed = errors.New("buffer is not borrowed")
	// ErrForeignBuffer is returned when releasing a buffer owned by another pool.
	ErrForeignBuffer = errors.New("buffer does not belong to this pool")
)

// PoolExhaustedError reports that every buffer of a shape is borrowed. It is transient:
// retry after the in-flight work releases its buffers.
type PoolExhaustedError struct {
	Shape    Shape
	Capacity int
}

func (e *PoolExhaustedError) Error() string {
	return fmt.Sprintf("tensor pool exhausted: all %d buffers of shape %s are borrowed", e.Capacity, e.Shape)
}

// Is makes errors.Is(err, ErrPoolExhausted) hold.
func (e *PoolExhaustedError) Is(target error) bool {
	return target == ErrPoolExhausted
}
