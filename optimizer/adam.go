package optimizer

import (
	"fmt"
	"math"
)

// AdamOptimizerState holds Adam hyperparameters and per-parameter moments
type AdamOptimizerState struct {
	// Hyperparameters
	LearningRate float64
	Beta1        float64 // Momentum decay (typically 0.9)
	Beta2        float64 // Variance decay (typically 0.999)
	Epsilon      float64 // Small constant to prevent division by zero (typically 1e-8)
	WeightDecay  float64 // L2 regularization coefficient

	MomentumBuffers [][]float64 // First moment for each weight tensor
	VarianceBuffers [][]float64 // Second moment for each weight tensor

	// Step tracking for bias correction
	StepCount uint64

	sizes []int
}

// AdamConfig holds configuration for Adam optimizer
type AdamConfig struct {
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64
	WeightDecay  float64
}

// DefaultAdamConfig returns default Adam optimizer configuration
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{
		LearningRate: 0.001,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
		WeightDecay:  0.0,
	}
}

// NewAdamOptimizer creates an Adam optimizer for parameters of the given shapes
func NewAdamOptimizer(config AdamConfig, weightShapes [][]int) (*AdamOptimizerState, error) {
	sizes, err := shapesToSizes(weightShapes)
	if err != nil {
		return nil, err
	}
	if config.LearningRate <= 0 {
		return nil, fmt.Errorf("learning rate must be positive, got %f", config.LearningRate)
	}
	if config.Beta1 < 0 || config.Beta1 >= 1 {
		return nil, fmt.Errorf("beta1 must be in [0, 1), got %f", config.Beta1)
	}
	if config.Beta2 < 0 || config.Beta2 >= 1 {
		return nil, fmt.Errorf("beta2 must be in [0, 1), got %f", config.Beta2)
	}

	return &AdamOptimizerState{
		LearningRate:    config.LearningRate,
		Beta1:           config.Beta1,
		Beta2:           config.Beta2,
		Epsilon:         config.Epsilon,
		WeightDecay:     config.WeightDecay,
		MomentumBuffers: newBuffers(sizes),
		VarianceBuffers: newBuffers(sizes),
		sizes:           sizes,
	}, nil
}

// Step performs a single Adam update. The bias correction is folded into the
// step size: lr_t = lr * sqrt(1-beta2^t) / (1-beta1^t).
func (adam *AdamOptimizerState) Step(weights, grads [][]float64) error {
	if err := checkStep(adam.sizes, weights, grads); err != nil {
		return err
	}

	adam.StepCount++
	t := float64(adam.StepCount)
	lrT := adam.LearningRate * math.Sqrt(1-math.Pow(adam.Beta2, t)) / (1 - math.Pow(adam.Beta1, t))

	for i := range weights {
		w, g := weights[i], grads[i]
		m, v := adam.MomentumBuffers[i], adam.VarianceBuffers[i]
		for j := range w {
			gj := g[j] + adam.WeightDecay*w[j]
			m[j] = adam.Beta1*m[j] + (1-adam.Beta1)*gj
			v[j] = adam.Beta2*v[j] + (1-adam.Beta2)*gj*gj
			w[j] -= lrT * m[j] / (math.Sqrt(v[j]) + adam.Epsilon)
		}
	}
	return nil
}

// UpdateLearningRate updates the learning rate for subsequent steps
func (adam *AdamOptimizerState) UpdateLearningRate(newLR float64) {
	adam.LearningRate = newLR
}

// GetLearningRate returns the current learning rate
func (adam *AdamOptimizerState) GetLearningRate() float64 {
	return adam.LearningRate
}

// GetStepCount returns the number of steps taken
func (adam *AdamOptimizerState) GetStepCount() uint64 {
	return adam.StepCount
}

// Name returns "Adam"
func (adam *AdamOptimizerState) Name() string {
	return "Adam"
}

// GetState extracts optimizer state for checkpointing
func (adam *AdamOptimizerState) GetState() (*OptimizerState, error) {
	stateData := extractBufferState(adam.MomentumBuffers, "momentum")
	stateData = append(stateData, extractBufferState(adam.VarianceBuffers, "variance")...)

	return &OptimizerState{
		Type: adam.Name(),
		Parameters: map[string]float64{
			"learning_rate": adam.LearningRate,
			"beta1":         adam.Beta1,
			"beta2":         adam.Beta2,
			"epsilon":       adam.Epsilon,
			"weight_decay":  adam.WeightDecay,
			"step_count":    float64(adam.StepCount),
		},
		StateData: stateData,
	}, nil
}

// LoadState restores optimizer state from checkpoint
func (adam *AdamOptimizerState) LoadState(state *OptimizerState) error {
	if err := validateStateType(adam.Name(), state); err != nil {
		return err
	}

	adam.LearningRate = extractFloatParam(state.Parameters, "learning_rate", adam.LearningRate)
	adam.Beta1 = extractFloatParam(state.Parameters, "beta1", adam.Beta1)
	adam.Beta2 = extractFloatParam(state.Parameters, "beta2", adam.Beta2)
	adam.Epsilon = extractFloatParam(state.Parameters, "epsilon", adam.Epsilon)
	adam.WeightDecay = extractFloatParam(state.Parameters, "weight_decay", adam.WeightDecay)
	adam.StepCount = uint64(extractFloatParam(state.Parameters, "step_count", float64(adam.StepCount)))

	if err := restoreBufferState(state, "momentum", adam.MomentumBuffers); err != nil {
		return err
	}
	return restoreBufferState(state, "variance", adam.VarianceBuffers)
}
