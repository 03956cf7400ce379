package backend

import (
	"fmt"
	"sync"

	"github.com/nvr-ai/go-signs/config"
	"github.com/nvr-ai/go-signs/inference/providers"
	"github.com/nvr-ai/go-signs/models"
	"github.com/nvr-ai/go-signs/tensors"
	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"
)

// The onnxruntime environment is process wide; runtimes share it by reference count.
var env environment

// ORT is the onnxruntime implementation of Runtime.
type ORT struct {
	optimization providers.OptimizationConfig
	logger       *zap.Logger
	once         sync.Once
}

// NewORT initializes the onnxruntime environment from the shared library selected by cfg.
//
// Arguments:
//   - cfg: The accelerator configuration carrying the shared library override.
//   - logger: The logger to use.
//
// Returns:
//   - *ORT: The runtime.
//   - error: An error if the library cannot be located or initialized.
func NewORT(cfg config.AcceleratorConfig, logger *zap.Logger) (*ORT, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	err := env.acquire(ort.IsInitialized, func() error {
		path, err := providers.GetSharedLibPath(cfg.SharedLibraryPath)
		if err != nil {
			return err
		}
		ort.SetSharedLibraryPath(path)
		if err := ort.InitializeEnvironment(); err != nil {
			return errors.Wrapf(err, "failed to initialize onnxruntime from %s", path)
		}
		logger.Info("onnxruntime initialized", zap.String("library", path))
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &ORT{
		optimization: providers.DefaultOptimizationConfig(),
		logger:       logger,
	}, nil
}

// Inspect lists the declared inputs and outputs of an ONNX graph.
func (r *ORT) Inspect(data []byte) ([]TensorInfo, []TensorInfo, error) {
	inputs, outputs, err := ort.GetInputOutputInfoWithONNXData(data)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to read graph inputs and outputs")
	}
	return toTensorInfos(inputs), toTensorInfos(outputs), nil
}

func toTensorInfos(infos []ort.InputOutputInfo) []TensorInfo {
	out := make([]TensorInfo, 0, len(infos))
	for _, info := range infos {
		out = append(out, TensorInfo{
			Name:  info.Name,
			Shape: tensors.Shape(info.Dimensions).Clone(),
			Type:  elementType(info.DataType),
		})
	}
	return out
}

func elementType(t ort.TensorElementDataType) ElementType {
	switch t {
	case ort.TensorElementDataTypeFloat:
		return Float32
	case ort.TensorElementDataTypeUint8:
		return Uint8
	case ort.TensorElementDataTypeInt8:
		return Int8
	default:
		return Unsupported
	}
}

// NewSession creates an advanced session over tensors allocated once for the resolved shapes.
func (r *ORT) NewSession(data []byte, io IOSpec, provider providers.ExecutionProvider) (Session, error) {
	options, err := providers.NewSessionOptions(r.optimization, provider)
	if err != nil {
		return nil, err
	}
	defer options.Destroy()

	s := &ortSession{}
	if err := s.allocate(io); err != nil {
		s.destroyTensors()
		return nil, err
	}

	session, err := ort.NewAdvancedSessionWithONNXData(
		data,
		[]string{io.Input.Name},
		[]string{io.Output.Name},
		[]ort.Value{s.input},
		[]ort.Value{s.output},
		options,
	)
	if err != nil {
		s.destroyTensors()
		return nil, errors.Wrap(err, "failed to create onnxruntime session")
	}
	s.session = session

	return s, nil
}

// Close releases the environment once the last runtime is closed. An environment set up
// outside this package is left alone.
func (r *ORT) Close() error {
	var err error
	r.once.Do(func() {
		err = env.release(ort.DestroyEnvironment)
	})
	return err
}

type ortSession struct {
	session *ort.AdvancedSession
	input   ort.Value
	output  ort.Value
	write   func(in []float32) error
	read    func(out []float32) error
}

func (s *ortSession) allocate(io IOSpec) error {
	inShape := ort.NewShape(io.Input.Shape.Resolve()...)
	outShape := ort.NewShape(io.Output.Shape.Resolve()...)

	var q models.Quantization
	if io.Input.Type.Quantized() {
		if io.InputQuantization == nil {
			return fmt.Errorf("input %s is %s but has no quantization parameters", io.Input.Name, io.Input.Type)
		}
		q = *io.InputQuantization
	}

	switch io.Input.Type {
	case Float32:
		t, err := ort.NewEmptyTensor[float32](inShape)
		if err != nil {
			return errors.Wrap(err, "failed to allocate input tensor")
		}
		s.input = t
		s.write = func(in []float32) error { return copyExact(t.GetData(), in) }
	case Uint8:
		t, err := ort.NewEmptyTensor[uint8](inShape)
		if err != nil {
			return errors.Wrap(err, "failed to allocate input tensor")
		}
		s.input = t
		s.write = func(in []float32) error { return quantizeInto(t.GetData(), in, q, Uint8) }
	case Int8:
		t, err := ort.NewEmptyTensor[int8](inShape)
		if err != nil {
			return errors.Wrap(err, "failed to allocate input tensor")
		}
		s.input = t
		s.write = func(in []float32) error { return quantizeInto(t.GetData(), in, q, Int8) }
	default:
		return fmt.Errorf("unsupported input element type for %s", io.Input.Name)
	}

	switch io.Output.Type {
	case Float32:
		t, err := ort.NewEmptyTensor[float32](outShape)
		if err != nil {
			return errors.Wrap(err, "failed to allocate output tensor")
		}
		s.output = t
		s.read = func(out []float32) error { return copyExact(out, t.GetData()) }
	case Uint8:
		t, err := ort.NewEmptyTensor[uint8](outShape)
		if err != nil {
			return errors.Wrap(err, "failed to allocate output tensor")
		}
		s.output = t
		s.read = func(out []float32) error { return widenInto(out, t.GetData()) }
	case Int8:
		t, err := ort.NewEmptyTensor[int8](outShape)
		if err != nil {
			return errors.Wrap(err, "failed to allocate output tensor")
		}
		s.output = t
		s.read = func(out []float32) error { return widenInto(out, t.GetData()) }
	default:
		return fmt.Errorf("unsupported output element type for %s", io.Output.Name)
	}

	return nil
}

// Run executes the graph once.
func (s *ortSession) Run(in, out []float32) error {
	if s.session == nil {
		return fmt.Errorf("session destroyed")
	}
	if err := s.write(in); err != nil {
		return err
	}
	if err := s.session.Run(); err != nil {
		return errors.Wrap(err, "onnxruntime run failed")
	}
	return s.read(out)
}

// Destroy releases the session and its tensors.
func (s *ortSession) Destroy() error {
	var err error
	if s.session != nil {
		err = s.session.Destroy()
		s.session = nil
	}
	if terr := s.destroyTensors(); err == nil {
		err = terr
	}
	return err
}

func (s *ortSession) destroyTensors() error {
	var err error
	if s.input != nil {
		err = s.input.Destroy()
		s.input = nil
	}
	if s.output != nil {
		if oerr := s.output.Destroy(); err == nil {
			err = oerr
		}
		s.output = nil
	}
	return err
}
