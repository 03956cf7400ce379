package tensors

import (
	"fmt"
	"sync"

	"gorgonia.org/tensor"
)

// Buffer is a fixed-size float32 tensor owned by a Pool.
//
// A buffer is borrowed by Acquire and handed back with Release. Between the two calls the
// borrower has exclusive use of Data; after Release it must not touch it again.
type Buffer struct {
	id    int
	shape Shape
	dense *tensor.Dense
	data  []float32
	pool  *Pool

	// guarded by pool.mu
	borrowed bool
}

// ID identifies the buffer inside its pool.
func (b *Buffer) ID() int {
	return b.id
}

// Shape returns the buffer shape.
func (b *Buffer) Shape() Shape {
	return b.shape.Clone()
}

// Data returns the backing slice.
func (b *Buffer) Data() []float32 {
	return b.data
}

// Dense exposes the buffer as a gorgonia tensor sharing the same memory.
func (b *Buffer) Dense() *tensor.Dense {
	return b.dense
}

// Spec declares a class of identical buffers.
type Spec struct {
	Shape Shape
	Count int
}

type class struct {
	shape   Shape
	buffers []*Buffer
	free    []*Buffer
}

// Pool hands out preallocated buffers. All buffers are allocated by NewPool; Acquire and
// Release never allocate.
type Pool struct {
	mu      sync.Mutex
	classes []*class
	closed  bool
}

// NewPool allocates the buffers for every spec. Specs with equal shapes share one class.
//
// Arguments:
//   - specs: The buffer classes to allocate.
//
// Returns:
//   - *Pool: The pool.
//   - error: An error if a spec has no dimensions or a non-positive count.
func NewPool(specs ...Spec) (*Pool, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("tensor pool needs at least one buffer spec")
	}

	p := &Pool{}
	nextID := 0
	for _, spec := range specs {
		if len(spec.Shape) == 0 {
			return nil, fmt.Errorf("buffer spec has an empty shape")
		}
		if spec.Count < 1 {
			return nil, fmt.Errorf("buffer spec %s must have a positive count, got %d", spec.Shape, spec.Count)
		}

		shape := spec.Shape.Resolve()
		c := p.class(shape)
		if c == nil {
			c = &class{shape: shape}
			p.classes = append(p.classes, c)
		}
		for i := 0; i < spec.Count; i++ {
			dense := tensor.New(tensor.WithShape(shape.Ints()...), tensor.Of(tensor.Float32))
			b := &Buffer{
				id:    nextID,
				shape: shape,
				dense: dense,
				data:  dense.Data().([]float32),
				pool:  p,
			}
			nextID++
			c.buffers = append(c.buffers, b)
			c.free = append(c.free, b)
		}
	}
	return p, nil
}

// NewModelPool sizes a pool for a model's input and output shapes.
func NewModelPool(input, output Shape, inputs, outputs int) (*Pool, error) {
	return NewPool(Spec{Shape: input, Count: inputs}, Spec{Shape: output, Count: outputs})
}

// class finds the class for a resolved shape. Callers hold p.mu or own p exclusively.
func (p *Pool) class(shape Shape) *class {
	for _, c := range p.classes {
		if c.shape.Equal(shape) {
			return c
		}
	}
	return nil
}

// Acquire borrows a free buffer of the given shape.
//
// Returns:
//   - *Buffer: The borrowed buffer. Its contents are whatever the previous borrower left.
//   - error: *PoolExhaustedError when every buffer of the shape is borrowed, ErrUnknownShape
//     when the pool holds no such shape, ErrPoolClosed after Close.
func (p *Pool) Acquire(shape Shape) (*Buffer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrPoolClosed
	}
	c := p.class(shape.Resolve())
	if c == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownShape, shape)
	}
	n := len(c.free)
	if n == 0 {
		return nil, &PoolExhaustedError{Shape: c.shape.Clone(), Capacity: len(c.buffers)}
	}
	b := c.free[n-1]
	c.free = c.free[:n-1]
	b.borrowed = true
	return b, nil
}

// Release returns a borrowed buffer to the pool. Releasing after Close is allowed so
// in-flight work can finish cleanly.
func (p *Pool) Release(b *Buffer) error {
	if b == nil {
		return fmt.Errorf("cannot release a nil buffer")
	}
	if b.pool != p {
		return ErrForeignBuffer
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if !b.borrowed {
		return fmt.Errorf("%w: buffer %d", ErrNotBorrowed, b.id)
	}
	b.borrowed = false
	c := p.class(b.shape)
	c.free = append(c.free, b)
	return nil
}

// Stats reports how many buffers of a shape are borrowed and how many exist.
func (p *Pool) Stats(shape Shape) (borrowed, capacity int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	c := p.class(shape.Resolve())
	if c == nil {
		return 0, 0
	}
	return len(c.buffers) - len(c.free), len(c.buffers)
}

// Borrowed returns the total number of borrowed buffers across all shapes.
func (p *Pool) Borrowed() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for _, c := range p.classes {
		n += len(c.buffers) - len(c.free)
	}
	return n
}

// Close stops the pool from handing out buffers.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}
