// Package config - Runtime configuration for the sign classifier.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// FallbackPolicy controls what happens when the requested accelerator cannot be used.
type FallbackPolicy string

const (
	// FallbackToCPU degrades to the general purpose execution path and reports it through the
	// result's UsedAccelerator flag.
	FallbackToCPU FallbackPolicy = "fallback"
	// FailFast refuses to load the model when the accelerator is unavailable.
	FailFast FallbackPolicy = "fail_fast"
)

// Config is the top level configuration document.
type Config struct {
	// Model describes where the bundled model asset lives and what it must look like.
	Model ModelConfig `json:"model" yaml:"model"`
	// Pool sizes the tensor buffer pool.
	Pool PoolConfig `json:"pool" yaml:"pool"`
	// Accelerator selects the execution provider.
	Accelerator AcceleratorConfig `json:"accelerator" yaml:"accelerator"`
	// Dispatcher configures the request queue.
	Dispatcher DispatcherConfig `json:"dispatcher" yaml:"dispatcher"`
	// Logging configures the structured logger.
	Logging LoggingConfig `json:"logging" yaml:"logging"`
	// Profiling configures periodic runtime reports.
	Profiling ProfilingConfig `json:"profiling" yaml:"profiling"`
}

// ModelConfig contains the model asset settings.
type ModelConfig struct {
	// AssetPath is the path of the model inside the asset source.
	AssetPath string `json:"asset_path" yaml:"asset_path"`
	// AssetRoot is the directory assets are resolved against when no bundle is configured.
	AssetRoot string `json:"asset_root" yaml:"asset_root"`
	// BundlePath is an optional zip bundle that packages the assets.
	BundlePath string `json:"bundle_path" yaml:"bundle_path"`
	// MetadataPath overrides the default "<asset>.json" sidecar location.
	MetadataPath string `json:"metadata_path" yaml:"metadata_path"`
	// LabelSet names a registered label set used when the metadata carries no labels.
	LabelSet string `json:"label_set" yaml:"label_set"`
	// InputShape is the expected input tensor shape. Empty means "accept what the model declares".
	InputShape []int64 `json:"input_shape" yaml:"input_shape"`
	// OutputShape is the expected output tensor shape. Empty means "accept what the model declares".
	OutputShape []int64 `json:"output_shape" yaml:"output_shape"`
}

// PoolConfig sizes the buffer pool.
type PoolConfig struct {
	// InputBuffers is the number of preallocated input buffers.
	InputBuffers int `json:"input_buffers" yaml:"input_buffers"`
	// OutputBuffers is the number of preallocated output buffers.
	OutputBuffers int `json:"output_buffers" yaml:"output_buffers"`
}

// AcceleratorConfig selects the execution provider and its fallback behaviour.
type AcceleratorConfig struct {
	// Backend is one of cpu, cuda, coreml, openvino.
	Backend string `json:"backend" yaml:"backend"`
	// FallbackPolicy is one of fallback, fail_fast.
	FallbackPolicy FallbackPolicy `json:"fallback_policy" yaml:"fallback_policy"`
	// DeviceID selects the accelerator device.
	DeviceID int `json:"device_id" yaml:"device_id"`
	// SharedLibraryPath overrides the platform default onnxruntime library location.
	SharedLibraryPath string `json:"shared_library_path" yaml:"shared_library_path"`
}

// DispatcherConfig configures the request dispatcher.
type DispatcherConfig struct {
	// QueueSize bounds the number of queued requests.
	QueueSize int `json:"queue_size" yaml:"queue_size"`
}

// LoggingConfig configures the logger.
type LoggingConfig struct {
	// Level is a zap level name (debug, info, warn, error).
	Level string `json:"level" yaml:"level"`
	// Development switches to the human readable console encoder.
	Development bool `json:"development" yaml:"development"`
}

// ProfilingConfig configures the runtime profiler.
type ProfilingConfig struct {
	// ReportInterval is how often runtime statistics are logged. Zero disables reporting.
	ReportInterval time.Duration `json:"report_interval" yaml:"report_interval"`
}

// Default returns a configuration with the defaults used by the classifier.
//
// Returns:
//   - Config: The default configuration.
func Default() Config {
	return Config{
		Model: ModelConfig{
			AssetPath: "sign_language.onnx",
			AssetRoot: "assets",
			LabelSet:  "asl-alphabet",
		},
		Pool: PoolConfig{
			InputBuffers:  2,
			OutputBuffers: 2,
		},
		Accelerator: AcceleratorConfig{
			Backend:        "cpu",
			FallbackPolicy: FallbackToCPU,
		},
		Dispatcher: DispatcherConfig{
			QueueSize: 64,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads a YAML configuration file on top of the defaults.
//
// Arguments:
//   - path: The path to the YAML file.
//
// Returns:
//   - *Config: The decoded and validated configuration.
//   - error: An error if the file cannot be read, decoded or validated.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes a YAML document on top of the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration for values the classifier cannot run with.
func (c Config) Validate() error {
	if c.Model.AssetPath == "" {
		return fmt.Errorf("model.asset_path is required")
	}
	if c.Pool.InputBuffers < 1 {
		return fmt.Errorf("pool.input_buffers must be at least 1, got %d", c.Pool.InputBuffers)
	}
	if c.Pool.OutputBuffers < 1 {
		return fmt.Errorf("pool.output_buffers must be at least 1, got %d", c.Pool.OutputBuffers)
	}
	if c.Dispatcher.QueueSize < 1 {
		return fmt.Errorf("dispatcher.queue_size must be at least 1, got %d", c.Dispatcher.QueueSize)
	}
	switch c.Accelerator.FallbackPolicy {
	case FallbackToCPU, FailFast:
	default:
		return fmt.Errorf(
			"accelerator.fallback_policy must be %q or %q, got %q",
			FallbackToCPU, FailFast, c.Accelerator.FallbackPolicy,
		)
	}
	switch c.Accelerator.Backend {
	case "cpu", "cuda", "coreml", "openvino":
	default:
		return fmt.Errorf("unsupported accelerator.backend: %q", c.Accelerator.Backend)
	}
	for _, dim := range c.Model.InputShape {
		if dim == 0 || dim < -1 {
			return fmt.Errorf("model.input_shape has invalid dimension %d", dim)
		}
	}
	for _, dim := range c.Model.OutputShape {
		if dim == 0 || dim < -1 {
			return fmt.Errorf("model.output_shape has invalid dimension %d", dim)
		}
	}
	if c.Profiling.ReportInterval < 0 {
		return fmt.Errorf("profiling.report_interval must not be negative")
	}
	return nil
}
