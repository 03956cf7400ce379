// Package providers - Execution providers for the onnxruntime backend.
package providers

import (
	"fmt"

	"github.com/nvr-ai/go-signs/config"
	ort "github.com/yalue/onnxruntime_go"
)

// ProviderBackend names an onnxruntime execution provider.
type ProviderBackend string

// ProviderOptions is a marker interface for provider-specific config.
type ProviderOptions interface {
	isProviderOptions()
}

// ExecutionProvider represents the contract that all execution providers must implement.
type ExecutionProvider interface {
	// Backend names the provider.
	Backend() ProviderBackend
	// Options returns the provider-specific options.
	Options() ProviderOptions
	// Accelerated reports whether the provider runs on dedicated hardware rather than the
	// general purpose CPU path.
	Accelerated() bool
	// Apply registers the provider on the session options.
	Apply(options *ort.SessionOptions) error
}

// NewProvider creates a new provider based on the options type.
//
// Arguments:
//   - options: The options for the provider.
//
// Returns:
//   - ExecutionProvider: The new provider.
//   - error: An error if the options type is not supported.
func NewProvider(options ProviderOptions) (ExecutionProvider, error) {
	switch opts := options.(type) {
	case CPUOptions:
		return NewCPUProvider(opts), nil
	case CoreMLOptions:
		return NewCoreMLProvider(opts), nil
	case OpenVINOOptions:
		return NewOpenVINOProvider(opts), nil
	case CUDAOptions:
		return NewCUDAProvider(opts), nil
	default:
		return nil, fmt.Errorf("unsupported provider options type: %T", opts)
	}
}

// FromConfig builds the provider selected by the accelerator configuration.
func FromConfig(cfg config.AcceleratorConfig) (ExecutionProvider, error) {
	switch ProviderBackend(cfg.Backend) {
	case CPUProviderBackend, "":
		return NewProvider(CPUOptions{})
	case CUDAProviderBackend:
		return NewProvider(DefaultCUDAOptions(cfg.DeviceID))
	case CoreMLProviderBackend:
		return NewProvider(CoreMLOptions{})
	case OpenVINOProviderBackend:
		return NewProvider(OpenVINOOptions{DeviceType: "GPU", DeviceID: fmt.Sprintf("%d", cfg.DeviceID)})
	default:
		return nil, fmt.Errorf("no matching provider backend registered: %s", cfg.Backend)
	}
}
