package backend

import (
	"fmt"

	"github.com/nvr-ai/go-signs/models"
)

type integer interface {
	~uint8 | ~int8
}

// quantizeInto writes real values into a fixed point tensor.
func quantizeInto[T integer](dst []T, src []float32, q models.Quantization, t ElementType) error {
	if len(dst) != len(src) {
		return fmt.Errorf("input length %d does not match tensor length %d", len(src), len(dst))
	}
	lo, hi := t.Range()
	for i, v := range src {
		dst[i] = T(q.Quantize(v, lo, hi))
	}
	return nil
}

// widenInto copies fixed point values into float32 without dequantizing them.
func widenInto[T integer](dst []float32, src []T) error {
	if len(dst) != len(src) {
		return fmt.Errorf("output length %d does not match tensor length %d", len(dst), len(src))
	}
	for i, v := range src {
		dst[i] = float32(v)
	}
	return nil
}

func copyExact(dst, src []float32) error {
	if len(dst) != len(src) {
		return fmt.Errorf("buffer length %d does not match tensor length %d", len(dst), len(src))
	}
	copy(dst, src)
	return nil
}
