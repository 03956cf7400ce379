// Package providers - Session tuning for the onnxruntime backend.
package providers

import (
	"fmt"
	"runtime"

	ort "github.com/yalue/onnxruntime_go"
)

// OptimizationConfig contains the onnxruntime session settings the backend applies before the
// execution provider is appended.
type OptimizationConfig struct {
	// GraphOptimizationLevel controls the level of graph optimization.
	GraphOptimizationLevel ort.GraphOptimizationLevel `json:"graph_optimization_level" yaml:"graph_optimization_level"`
	// ExecutionMode controls sequential vs parallel execution.
	ExecutionMode ort.ExecutionMode `json:"execution_mode"           yaml:"execution_mode"`
	// IntraOpNumThreads sets threads for parallelizing ops.
	IntraOpNumThreads int `json:"intra_op_num_threads"     yaml:"intra_op_num_threads"`
	// InterOpNumThreads sets threads for parallelizing independent ops.
	InterOpNumThreads int `json:"inter_op_num_threads"     yaml:"inter_op_num_threads"`
}

// DefaultOptimizationConfig returns settings suited to a small classifier driven by a single
// worker: sequential execution, one inter-op thread and half the cores for intra-op work.
func DefaultOptimizationConfig() OptimizationConfig {
	return OptimizationConfig{
		GraphOptimizationLevel: ort.GraphOptimizationLevelEnableExtended,
		ExecutionMode:          ort.ExecutionModeSequential,
		IntraOpNumThreads:      maxInt(1, runtime.NumCPU()/2),
		InterOpNumThreads:      1,
	}
}

// NewSessionOptions creates session options with the optimization settings applied and the
// provider appended.
//
// Arguments:
//   - config: Optimization configuration to apply.
//   - provider: The execution provider to register. Nil registers nothing (CPU).
//
// Returns:
//   - *ort.SessionOptions: Configured session options, owned by the caller.
//   - error: Configuration error if any.
func NewSessionOptions(config OptimizationConfig, provider ExecutionProvider) (*ort.SessionOptions, error) {
	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("failed to create session options: %w", err)
	}

	if err := applyOptimization(options, config); err != nil {
		options.Destroy()
		return nil, err
	}

	if provider != nil {
		if err := provider.Apply(options); err != nil {
			options.Destroy()
			return nil, err
		}
	}

	return options, nil
}

func applyOptimization(options *ort.SessionOptions, config OptimizationConfig) error {
	if err := options.SetGraphOptimizationLevel(config.GraphOptimizationLevel); err != nil {
		return fmt.Errorf("failed to set graph optimization level: %w", err)
	}
	if err := options.SetExecutionMode(config.ExecutionMode); err != nil {
		return fmt.Errorf("failed to set execution mode: %w", err)
	}
	if config.IntraOpNumThreads > 0 {
		if err := options.SetIntraOpNumThreads(config.IntraOpNumThreads); err != nil {
			return fmt.Errorf("failed to set intra-op threads: %w", err)
		}
	}
	if config.InterOpNumThreads > 0 {
		if err := options.SetInterOpNumThreads(config.InterOpNumThreads); err != nil {
			return fmt.Errorf("failed to set inter-op threads: %w", err)
		}
	}
	return nil
}

// maxInt returns the maximum of two integers
func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
