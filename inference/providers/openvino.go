package providers

import (
	"fmt"
	"strings"

	ort "github.com/yalue/onnxruntime_go"
)

const (
	// OpenVINOProviderBackend uses Intel OpenVINO for inference optimization.
	OpenVINOProviderBackend ProviderBackend = "openvino"
)

// OpenVINOOptions contains arguments for the OpenVINO provider.
// See:
// https://onnxruntime.ai/docs/execution-providers/OpenVINO-ExecutionProvider.html#summary-of-options
type OpenVINOOptions struct {
	DeviceID string `json:"device_id"      yaml:"device_id"`
	// Accelerator hardware type: CPU, GPU or NPU.
	DeviceType string `json:"device_type"    yaml:"device_type"`
	// FP32, FP16 or ACCURACY. Empty keeps the device default.
	Precision string `json:"precision"      yaml:"precision"`
	// Number of inference threads. Zero keeps the default.
	NumOfThreads int `json:"num_of_threads" yaml:"num_of_threads"`
}

// isProviderOptions is a marker function to ensure the options are valid.
func (OpenVINOOptions) isProviderOptions() {}

// Values renders the options as onnxruntime provider option key/values.
func (o OpenVINOOptions) Values() map[string]string {
	values := map[string]string{}
	if o.DeviceID != "" {
		values["device_id"] = o.DeviceID
	}
	if o.DeviceType != "" {
		values["device_type"] = strings.ToUpper(o.DeviceType)
	}
	if o.Precision != "" {
		values["precision"] = strings.ToUpper(o.Precision)
	}
	if o.NumOfThreads > 0 {
		values["num_of_threads"] = fmt.Sprintf("%d", o.NumOfThreads)
	}
	return values
}

// OpenVINOProvider implements the ExecutionProvider interface.
type OpenVINOProvider struct {
	options OpenVINOOptions
}

// NewOpenVINOProvider creates a new OpenVINO provider.
func NewOpenVINOProvider(args OpenVINOOptions) *OpenVINOProvider {
	return &OpenVINOProvider{options: args}
}

// Backend returns the backend of the OpenVINO provider.
func (p *OpenVINOProvider) Backend() ProviderBackend {
	return OpenVINOProviderBackend
}

// Options returns the options of the OpenVINO provider.
func (p *OpenVINOProvider) Options() ProviderOptions {
	return p.options
}

// Accelerated reports true unless OpenVINO targets the CPU.
func (p *OpenVINOProvider) Accelerated() bool {
	return !strings.EqualFold(p.options.DeviceType, "CPU")
}

// Apply appends the OpenVINO provider to the session options.
func (p *OpenVINOProvider) Apply(options *ort.SessionOptions) error {
	if err := options.AppendExecutionProviderOpenVINO(p.options.Values()); err != nil {
		return fmt.Errorf("error enabling OpenVINO: %w", err)
	}
	return nil
}
