package models

import (
	"encoding/json"
	"fmt"
	"math"
	"path"
	"strings"
)

// Precision represents the numeric precision the model was exported with.
type Precision string

const (
	// PrecisionFP32 represents 32-bit floating point weights and activations.
	PrecisionFP32 Precision = "FP32"
	// PrecisionFP16 represents 16-bit floating point precision.
	PrecisionFP16 Precision = "FP16"
	// PrecisionINT8 represents 8-bit fixed point (quantized) precision.
	PrecisionINT8 Precision = "INT8"
	// PrecisionUINT8 represents unsigned 8-bit fixed point (quantized) precision.
	PrecisionUINT8 Precision = "UINT8"
)

// Quantized reports whether the precision uses fixed point values.
func (p Precision) Quantized() bool {
	return p == PrecisionINT8 || p == PrecisionUINT8
}

// Quantization holds the affine parameters mapping fixed point values to real values:
// real = (quantized - ZeroPoint) * Scale.
type Quantization struct {
	Scale     float32 `json:"scale"      yaml:"scale"`
	ZeroPoint int32   `json:"zero_point" yaml:"zero_point"`
}

// Dequantize maps a fixed point value to its real value.
func (q Quantization) Dequantize(v float32) float32 {
	return (v - float32(q.ZeroPoint)) * q.Scale
}

// Quantize maps a real value to the nearest fixed point value, clamped to [lo, hi].
func (q Quantization) Quantize(v, lo, hi float32) float32 {
	r := float32(math.Round(float64(v/q.Scale))) + float32(q.ZeroPoint)
	if r < lo {
		return lo
	}
	if r > hi {
		return hi
	}
	return r
}

// Normalization defines how pixel values are scaled into features.
type Normalization string

const (
	// NormalizeZeroToOne scales pixel values to [0, 1].
	NormalizeZeroToOne Normalization = "zero_to_one"
	// NormalizeMinusOneToOne scales pixel values to [-1, 1].
	NormalizeMinusOneToOne Normalization = "minus_one_to_one"
	// NormalizeStandardize applies mean and std normalization on [0, 1] values.
	NormalizeStandardize Normalization = "standardize"
	// NormalizeNone keeps pixel values as 0-255.
	NormalizeNone Normalization = "none"
)

// Layout defines the ordering of image tensor dimensions.
type Layout string

const (
	// LayoutNHWC is batch-height-width-channel ordering (TFLite exports).
	LayoutNHWC Layout = "nhwc"
	// LayoutNCHW is batch-channel-height-width ordering (common for ONNX).
	LayoutNCHW Layout = "nchw"
)

// ImageSpec describes how camera frames are turned into model input.
type ImageSpec struct {
	Width         int           `json:"width"         yaml:"width"`
	Height        int           `json:"height"        yaml:"height"`
	Channels      int           `json:"channels"      yaml:"channels"`
	Layout        Layout        `json:"layout"        yaml:"layout"`
	Normalization Normalization `json:"normalization" yaml:"normalization"`
	Mean          []float32     `json:"mean"          yaml:"mean"`
	Std           []float32     `json:"std"           yaml:"std"`
}

// Metadata is the sidecar document shipped next to a model asset.
type Metadata struct {
	// Name of the model for logs.
	Name string `json:"name"`
	// Labels in model output order.
	Labels []string `json:"labels"`
	// LabelSet names a registered label set, used when Labels is empty.
	LabelSet string `json:"label_set"`
	// InputShape is the expected input tensor shape.
	InputShape []int64 `json:"input_shape"`
	// OutputShape is the expected output tensor shape.
	OutputShape []int64 `json:"output_shape"`
	// InputName and OutputName select the graph tensors. Empty means the first declared one.
	InputName  string `json:"input_name"`
	OutputName string `json:"output_name"`
	// Precision of the exported graph.
	Precision Precision `json:"precision"`
	// InputQuantization and OutputQuantization are set for fixed point tensors.
	InputQuantization  *Quantization `json:"input_quantization,omitempty"`
	OutputQuantization *Quantization `json:"output_quantization,omitempty"`
	// Probabilities is true when the graph already ends in a softmax.
	Probabilities bool `json:"probabilities"`
	// Image describes the expected frame preprocessing.
	Image ImageSpec `json:"image"`
	// SHA256 pins the hex checksum of the model asset.
	SHA256 string `json:"sha256,omitempty"`
}

// ParseMetadata decodes and validates a metadata document.
//
// Arguments:
//   - data: The JSON document.
//
// Returns:
//   - *Metadata: The decoded metadata.
//   - error: An error if the document is malformed or inconsistent.
func ParseMetadata(data []byte) (*Metadata, error) {
	var m Metadata
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse metadata: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks the metadata for inconsistent values.
func (m *Metadata) Validate() error {
	for _, q := range []*Quantization{m.InputQuantization, m.OutputQuantization} {
		if q != nil && (q.Scale <= 0 || math.IsNaN(float64(q.Scale)) || math.IsInf(float64(q.Scale), 0)) {
			return fmt.Errorf("quantization scale must be positive and finite, got %v", q.Scale)
		}
	}
	if m.SHA256 != "" && len(m.SHA256) != 64 {
		return fmt.Errorf("sha256 must be 64 hex characters, got %d", len(m.SHA256))
	}
	seen := make(map[string]struct{}, len(m.Labels))
	for _, l := range m.Labels {
		if _, dup := seen[l]; dup {
			return fmt.Errorf("duplicate label %q", l)
		}
		seen[l] = struct{}{}
	}
	return nil
}

// ResolveLabels returns the label set the metadata refers to: its own labels first,
// then its named set, then fallback from the registry.
func (m *Metadata) ResolveLabels(registry *Registry, fallback string) (*LabelSet, error) {
	if len(m.Labels) > 0 {
		name := m.Name
		if name == "" {
			name = "metadata"
		}
		return NewLabelSet(name, m.Labels), nil
	}
	name := m.LabelSet
	if name == "" {
		name = fallback
	}
	if name == "" {
		return nil, fmt.Errorf("metadata has no labels and no label set")
	}
	return registry.Get(name)
}

// SidecarPath returns the default metadata location for a model asset: the asset path with
// its extension replaced by ".json".
func SidecarPath(assetPath string) string {
	ext := path.Ext(assetPath)
	return strings.TrimSuffix(assetPath, ext) + ".json"
}
