package store

import (
	"sync"

	"github.com/nvr-ai/go-signs/inference/backend"
	"github.com/nvr-ai/go-signs/inference/providers"
	"github.com/nvr-ai/go-signs/models"
	"github.com/nvr-ai/go-signs/tensors"
)

// Handle is a loaded model. Its descriptive accessors stay valid after Unload; Run does not.
type Handle struct {
	path        string
	input       backend.TensorInfo
	output      backend.TensorInfo
	inputQuant  *models.Quantization
	outputQuant *models.Quantization
	labels      *models.LabelSet
	meta        models.Metadata
	provider    providers.ProviderBackend
	accelerated bool

	mu       sync.RWMutex
	session  backend.Session
	unloaded bool
}

// Path returns the asset path the handle was loaded from.
func (h *Handle) Path() string {
	return h.path
}

// InputShape returns the input tensor shape with dynamic dimensions bound to 1.
func (h *Handle) InputShape() tensors.Shape {
	return h.input.Shape.Resolve()
}

// OutputShape returns the output tensor shape with dynamic dimensions bound to 1.
func (h *Handle) OutputShape() tensors.Shape {
	return h.output.Shape.Resolve()
}

// Input describes the graph input.
func (h *Handle) Input() backend.TensorInfo {
	return h.input
}

// Output describes the graph output.
func (h *Handle) Output() backend.TensorInfo {
	return h.output
}

// InputQuantization returns the input quantization, or nil when the input is float.
func (h *Handle) InputQuantization() *models.Quantization {
	return copyQuant(h.inputQuant)
}

// OutputQuantization returns the output quantization, or nil when the output is float.
func (h *Handle) OutputQuantization() *models.Quantization {
	return copyQuant(h.outputQuant)
}

// Labels returns the labels in output order.
func (h *Handle) Labels() *models.LabelSet {
	return h.labels
}

// Metadata returns the sidecar metadata the handle was loaded with.
func (h *Handle) Metadata() models.Metadata {
	return h.meta
}

// Probabilities reports whether the graph output is already a probability distribution.
func (h *Handle) Probabilities() bool {
	return h.meta.Probabilities
}

// Provider names the execution provider the session runs on.
func (h *Handle) Provider() providers.ProviderBackend {
	return h.provider
}

// Accelerated reports whether the session runs on the accelerator.
func (h *Handle) Accelerated() bool {
	return h.accelerated
}

// Loaded reports whether the handle has not been unloaded.
func (h *Handle) Loaded() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return !h.unloaded
}

// Run executes one forward pass. It holds the read lock so Unload waits for in-flight runs.
//
// Arguments:
//   - in: Input features, one per input tensor element.
//   - out: Receives the raw output, one per output tensor element.
//
// Returns:
//   - error: ErrUseAfterUnload, or the runtime error.
func (h *Handle) Run(in, out []float32) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.unloaded {
		return ErrUseAfterUnload
	}
	return h.session.Run(in, out)
}

func (h *Handle) release() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.unloaded {
		return ErrUseAfterUnload
	}
	h.unloaded = true
	err := h.session.Destroy()
	h.session = nil
	return err
}

func copyQuant(q *models.Quantization) *models.Quantization {
	if q == nil {
		return nil
	}
	c := *q
	return &c
}
