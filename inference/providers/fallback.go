package providers

import (
	"errors"
	"fmt"

	"github.com/nvr-ai/go-signs/config"
	"go.uber.org/zap"
)

// ErrAcceleratorUnavailable matches every AcceleratorError.
var ErrAcceleratorUnavailable = errors.New("accelerator unavailable")

// AcceleratorError reports that the requested provider could not be attached to a session.
type AcceleratorError struct {
	Backend ProviderBackend
	Err     error
}

func (e *AcceleratorError) Error() string {
	return fmt.Sprintf("accelerator %s unavailable: %v", e.Backend, e.Err)
}

func (e *AcceleratorError) Unwrap() error { return e.Err }

// Is matches ErrAcceleratorUnavailable.
func (e *AcceleratorError) Is(target error) bool {
	return target == ErrAcceleratorUnavailable
}

// OpenWithFallback calls open with the requested provider. When that fails and the provider is
// accelerated, the policy decides: FallbackToCPU retries once on the CPU provider, FailFast
// returns an *AcceleratorError.
//
// Arguments:
//   - provider: The requested execution provider.
//   - policy: The configured fallback policy.
//   - logger: Receives a warning when the CPU path is taken instead.
//   - open: Creates the resource for a given provider.
//
// Returns:
//   - T: The opened resource.
//   - ExecutionProvider: The provider the resource was opened with.
//   - error: The open error, or an *AcceleratorError under FailFast.
func OpenWithFallback[T any](
	provider ExecutionProvider,
	policy config.FallbackPolicy,
	logger *zap.Logger,
	open func(ExecutionProvider) (T, error),
) (T, ExecutionProvider, error) {
	var zero T
	if provider == nil {
		provider = NewCPUProvider(CPUOptions{})
	}

	res, err := open(provider)
	if err == nil {
		return res, provider, nil
	}
	if !provider.Accelerated() {
		return zero, provider, err
	}

	accelErr := &AcceleratorError{Backend: provider.Backend(), Err: err}
	if policy == config.FailFast {
		return zero, provider, accelErr
	}

	if logger != nil {
		logger.Warn("accelerator unavailable, falling back to cpu",
			zap.String("backend", string(provider.Backend())),
			zap.Error(err),
		)
	}

	cpu := NewCPUProvider(CPUOptions{})
	res, err = open(cpu)
	if err != nil {
		return zero, cpu, fmt.Errorf("cpu fallback after %v: %w", accelErr, err)
	}
	return res, cpu, nil
}
