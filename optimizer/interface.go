package optimizer

import (
	"errors"
	"fmt"

	"github.com/tsawler/go-hdgm/checkpoints"
)

// ErrUnknownOptimizer is returned by New for an unrecognized optimizer name.
var ErrUnknownOptimizer = errors.New("unknown optimizer")

// Optimizer defines the common interface for all optimizers.
// Weights and gradients are flat per-parameter slices in a fixed order; the
// optimizer keeps one state buffer per parameter in the same order.
type Optimizer interface {
	// Step updates weights in place from grads. Both must match the shapes
	// the optimizer was created with.
	Step(weights, grads [][]float64) error

	// GetState extracts optimizer state for checkpointing
	GetState() (*OptimizerState, error)

	// LoadState restores optimizer state from checkpoint
	LoadState(state *OptimizerState) error

	// GetStepCount returns the current optimization step number
	GetStepCount() uint64

	// UpdateLearningRate updates the learning rate
	UpdateLearningRate(lr float64)

	// GetLearningRate returns the current learning rate
	GetLearningRate() float64

	// Name returns the optimizer type, e.g. "Adam"
	Name() string
}

// OptimizerState is the serializable optimizer state
type OptimizerState = checkpoints.OptimizerState

// validateStateType ensures the state type matches the optimizer
func validateStateType(optimizerType string, state *OptimizerState) error {
	if state == nil {
		return fmt.Errorf("nil optimizer state")
	}
	if state.Type != optimizerType {
		return fmt.Errorf("state type mismatch: expected %s, got %s", optimizerType, state.Type)
	}
	return nil
}

// checkStep validates the arguments of Step against the optimizer's sizes
func checkStep(sizes []int, weights, grads [][]float64) error {
	if len(weights) != len(sizes) {
		return fmt.Errorf("expected %d weight buffers, got %d", len(sizes), len(weights))
	}
	if len(grads) != len(weights) {
		return fmt.Errorf("gradient buffers length (%d) doesn't match weight buffers length (%d)",
			len(grads), len(weights))
	}
	for i, size := range sizes {
		if len(weights[i]) != size || len(grads[i]) != size {
			return fmt.Errorf("buffer %d: expected %d elements, got %d weights and %d gradients",
				i, size, len(weights[i]), len(grads[i]))
		}
	}
	return nil
}
