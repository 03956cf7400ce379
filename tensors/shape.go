// Package tensors - Fixed-shape tensor buffers and the pool that owns them.
package tensors

import (
	"fmt"
	"strings"
)

// Shape is a tensor shape. A dimension of -1 marks a dynamic dimension declared by the
// model; buffers always bind it to 1.
type Shape []int64

// Equal reports whether two shapes have identical dimensions.
func (s Shape) Equal(o Shape) bool {
	if len(s) != len(o) {
		return false
	}
	for i, v := range s {
		if v != o[i] {
			return false
		}
	}
	return true
}

// Matches reports whether a concrete shape satisfies s, where -1 in s matches any size.
func (s Shape) Matches(concrete Shape) bool {
	if len(s) != len(concrete) {
		return false
	}
	for i, v := range s {
		if v != -1 && v != concrete[i] {
			return false
		}
	}
	return true
}

// Compatible reports whether two shapes can describe the same tensor: equal rank and equal
// sizes wherever neither side is dynamic.
func (s Shape) Compatible(o Shape) bool {
	if len(s) != len(o) {
		return false
	}
	for i, v := range s {
		if v != -1 && o[i] != -1 && v != o[i] {
			return false
		}
	}
	return true
}

// Merge returns a copy of s with its dynamic dimensions taken from o where o is concrete.
// The shapes must be Compatible.
func (s Shape) Merge(o Shape) Shape {
	out := s.Clone()
	for i, v := range out {
		if v == -1 && i < len(o) && o[i] != -1 {
			out[i] = o[i]
		}
	}
	return out
}

// Resolve returns a copy of the shape with dynamic dimensions bound to 1.
func (s Shape) Resolve() Shape {
	out := make(Shape, len(s))
	for i, v := range s {
		if v < 1 {
			v = 1
		}
		out[i] = v
	}
	return out
}

// Size returns the number of elements of the resolved shape.
func (s Shape) Size() int {
	if len(s) == 0 {
		return 0
	}
	n := 1
	for _, v := range s.Resolve() {
		n *= int(v)
	}
	return n
}

// Clone returns a copy of the shape.
func (s Shape) Clone() Shape {
	out := make(Shape, len(s))
	copy(out, s)
	return out
}

// Ints returns the resolved shape as ints.
func (s Shape) Ints() []int {
	r := s.Resolve()
	out := make([]int, len(r))
	for i, v := range r {
		out[i] = int(v)
	}
	return out
}

func (s Shape) String() string {
	parts := make([]string, len(s))
	for i, v := range s {
		parts[i] = fmt.Sprintf("%d", v)
	}
	return "[" + strings.Join(parts, " ") + "]"
}
