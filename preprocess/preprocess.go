// Package preprocess - Turns camera frames into model input features.
package preprocess

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg" // register JPEG decoding
	_ "image/png"  // register PNG decoding

	_ "github.com/chai2010/webp" // register WebP decoding
	"github.com/nfnt/resize"
	"github.com/nvr-ai/go-signs/models"
	"github.com/nvr-ai/go-signs/tensors"
	"github.com/pkg/errors"
)

// Preprocessor resizes frames to the model input size and writes normalized features in the
// model's layout.
type Preprocessor struct {
	spec   models.ImageSpec
	filter resize.InterpolationFunction
}

// NewPreprocessor creates a preprocessor for a complete image spec.
//
// Arguments:
//   - spec: The image spec. Width, height and channels must be set.
//
// Returns:
//   - *Preprocessor: The preprocessor.
//   - error: An error if the image spec is incomplete or inconsistent.
func NewPreprocessor(spec models.ImageSpec) (*Preprocessor, error) {
	if spec.Layout == "" {
		spec.Layout = models.LayoutNHWC
	}
	if spec.Normalization == "" {
		spec.Normalization = models.NormalizeZeroToOne
	}
	if err := validate(spec); err != nil {
		return nil, errors.Wrap(err, "invalid image spec")
	}
	return &Preprocessor{spec: spec, filter: resize.Bilinear}, nil
}

// ForInput completes spec from a model input shape and creates a preprocessor. Dimensions
// already set in spec win over the shape.
//
// Arguments:
//   - shape: The model input shape, rank 4 ([N,H,W,C] or [N,C,H,W] per spec.Layout) with a
//     batch of 1 or dynamic.
//   - spec: The partial image spec, usually from the model metadata.
//
// Returns:
//   - *Preprocessor: The preprocessor.
//   - error: An error if the shape is not an image shape.
func ForInput(shape tensors.Shape, spec models.ImageSpec) (*Preprocessor, error) {
	if len(shape) != 4 {
		return nil, fmt.Errorf("input shape %s is not an image shape", shape)
	}
	if spec.Layout == "" {
		spec.Layout = models.LayoutNHWC
	}
	s := shape.Resolve()
	if s[0] != 1 {
		return nil, fmt.Errorf("input shape %s has batch size %d, frames are classified one at a time", shape, s[0])
	}
	h, w, c := s[1], s[2], s[3]
	if spec.Layout == models.LayoutNCHW {
		c, h, w = s[1], s[2], s[3]
	}
	if spec.Width == 0 {
		spec.Width = int(w)
	}
	if spec.Height == 0 {
		spec.Height = int(h)
	}
	if spec.Channels == 0 {
		spec.Channels = int(c)
	}
	if int64(spec.Width) != w || int64(spec.Height) != h || int64(spec.Channels) != c {
		return nil, fmt.Errorf("image spec %dx%dx%d does not match input shape %s",
			spec.Width, spec.Height, spec.Channels, shape)
	}
	return NewPreprocessor(spec)
}

func validate(spec models.ImageSpec) error {
	if spec.Width <= 0 || spec.Height <= 0 {
		return fmt.Errorf("invalid dimensions %dx%d", spec.Width, spec.Height)
	}
	if spec.Channels != 1 && spec.Channels != 3 {
		return fmt.Errorf("channels must be 1 or 3, got %d", spec.Channels)
	}
	switch spec.Layout {
	case models.LayoutNHWC, models.LayoutNCHW:
	default:
		return fmt.Errorf("unsupported layout %q", spec.Layout)
	}
	switch spec.Normalization {
	case models.NormalizeZeroToOne, models.NormalizeMinusOneToOne, models.NormalizeNone:
	case models.NormalizeStandardize:
		if len(spec.Mean) != spec.Channels || len(spec.Std) != spec.Channels {
			return fmt.Errorf("standardize needs %d mean and std values", spec.Channels)
		}
		for _, s := range spec.Std {
			if s == 0 {
				return errors.New("std values must be non-zero")
			}
		}
	default:
		return fmt.Errorf("unsupported normalization %q", spec.Normalization)
	}
	return nil
}

// Spec returns the completed image spec.
func (p *Preprocessor) Spec() models.ImageSpec {
	return p.spec
}

// Size returns the number of features produced per frame.
func (p *Preprocessor) Size() int {
	return p.spec.Width * p.spec.Height * p.spec.Channels
}

// Features returns the features for img in a new slice.
func (p *Preprocessor) Features(img image.Image) ([]float32, error) {
	dst := make([]float32, p.Size())
	if err := p.Into(dst, img); err != nil {
		return nil, err
	}
	return dst, nil
}

// Into writes the features for img into dst.
//
// Arguments:
//   - dst: Receives exactly Size() features.
//   - img: The frame.
//
// Returns:
//   - error: An error if dst has the wrong length or img is empty.
func (p *Preprocessor) Into(dst []float32, img image.Image) error {
	if len(dst) != p.Size() {
		return fmt.Errorf("destination holds %d floats, needs %d", len(dst), p.Size())
	}
	if img == nil || img.Bounds().Empty() {
		return errors.New("image is empty")
	}

	w, h, c := p.spec.Width, p.spec.Height, p.spec.Channels
	b := img.Bounds()
	if b.Dx() != w || b.Dy() != h {
		img = resize.Resize(uint(w), uint(h), img, p.filter)
		b = img.Bounds()
	}

	plane := w * h
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			px := img.At(b.Min.X+x, b.Min.Y+y)
			var values [3]float32
			if c == 1 {
				g := color.GrayModel.Convert(px).(color.Gray)
				values[0] = float32(g.Y)
			} else {
				r, g, bl, _ := px.RGBA()
				values[0] = float32(r >> 8)
				values[1] = float32(g >> 8)
				values[2] = float32(bl >> 8)
			}
			for ch := 0; ch < c; ch++ {
				v := p.normalize(values[ch], ch)
				if p.spec.Layout == models.LayoutNCHW {
					dst[ch*plane+y*w+x] = v
				} else {
					dst[(y*w+x)*c+ch] = v
				}
			}
		}
	}
	return nil
}

func (p *Preprocessor) normalize(v float32, ch int) float32 {
	switch p.spec.Normalization {
	case models.NormalizeZeroToOne:
		return v / 255
	case models.NormalizeMinusOneToOne:
		return v/127.5 - 1
	case models.NormalizeStandardize:
		return (v/255 - p.spec.Mean[ch]) / p.spec.Std[ch]
	default:
		return v
	}
}

// Decode decodes a JPEG, PNG or WebP frame.
func Decode(data []byte) (image.Image, error) {
	if len(data) == 0 {
		return nil, errors.New("image data is empty")
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrap(err, "image decoding failed")
	}
	return img, nil
}
