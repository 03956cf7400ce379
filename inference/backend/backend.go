// Package backend - Native runtime abstraction the model store loads graphs through.
package backend

import (
	"fmt"

	"github.com/nvr-ai/go-signs/inference/providers"
	"github.com/nvr-ai/go-signs/models"
	"github.com/nvr-ai/go-signs/tensors"
)

// ElementType is the element type of a graph tensor.
type ElementType string

const (
	// Float32 tensors are exchanged as-is.
	Float32 ElementType = "float32"
	// Uint8 tensors are quantized on the way in and widened on the way out.
	Uint8 ElementType = "uint8"
	// Int8 tensors are quantized on the way in and widened on the way out.
	Int8 ElementType = "int8"
	// Unsupported marks any element type the backend cannot exchange.
	Unsupported ElementType = "unsupported"
)

// Quantized reports whether values of this type carry affine quantization.
func (t ElementType) Quantized() bool {
	return t == Uint8 || t == Int8
}

// Range returns the representable range of a quantized element type.
func (t ElementType) Range() (lo, hi float32) {
	switch t {
	case Uint8:
		return 0, 255
	case Int8:
		return -128, 127
	default:
		return 0, 0
	}
}

// TensorInfo describes one graph input or output.
type TensorInfo struct {
	Name  string
	Shape tensors.Shape
	Type  ElementType
}

func (i TensorInfo) String() string {
	return fmt.Sprintf("%s%s:%s", i.Name, i.Shape, i.Type)
}

// IOSpec binds a session to one input and one output tensor.
type IOSpec struct {
	Input  TensorInfo
	Output TensorInfo
	// InputQuantization is required when Input.Type is quantized.
	InputQuantization *models.Quantization
}

// Runtime creates sessions from serialized graphs.
type Runtime interface {
	// Inspect lists the declared inputs and outputs of a graph.
	Inspect(data []byte) (inputs, outputs []TensorInfo, err error)
	// NewSession creates a session bound to the given tensors and provider.
	NewSession(data []byte, io IOSpec, provider providers.ExecutionProvider) (Session, error)
	// Close releases the runtime. Sessions must be destroyed first.
	Close() error
}

// Session runs a forward pass over preallocated native tensors.
type Session interface {
	// Run copies in into the native input tensor, runs the graph and copies the native
	// output tensor into out. Quantized outputs are widened without dequantization.
	Run(in, out []float32) error
	// Destroy releases the native resources of the session.
	Destroy() error
}

// Select picks the tensor named name, or the first one when name is empty.
func Select(infos []TensorInfo, name string) (TensorInfo, error) {
	if len(infos) == 0 {
		return TensorInfo{}, fmt.Errorf("graph declares no tensors")
	}
	if name == "" {
		return infos[0], nil
	}
	for _, info := range infos {
		if info.Name == name {
			return info, nil
		}
	}
	return TensorInfo{}, fmt.Errorf("graph declares no tensor named %q", name)
}
