package optimizer

import (
	"fmt"
	"math"
)

// NadamOptimizerState is Adam with Nesterov momentum
type NadamOptimizerState struct {
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64
	WeightDecay  float64

	MomentumBuffers [][]float64
	VarianceBuffers [][]float64

	StepCount uint64

	sizes []int
}

// NadamConfig holds configuration for Nadam optimizer
type NadamConfig struct {
	LearningRate float64 // Base learning rate (typically 0.002)
	Beta1        float64 // Exponential decay rate for first moment estimates (typically 0.9)
	Beta2        float64 // Exponential decay rate for second moment estimates (typically 0.999)
	Epsilon      float64 // Small constant for numerical stability (typically 1e-8)
	WeightDecay  float64 // L2 regularization coefficient (typically 0.0)
}

// DefaultNadamConfig returns default Nadam optimizer configuration
func DefaultNadamConfig() NadamConfig {
	return NadamConfig{
		LearningRate: 0.002,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
		WeightDecay:  0.0,
	}
}

// NewNadamOptimizer creates a Nadam optimizer for parameters of the given shapes
func NewNadamOptimizer(config NadamConfig, weightShapes [][]int) (*NadamOptimizerState, error) {
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
	if config.Epsilon <= 0 {
		return nil, fmt.Errorf("epsilon must be positive, got %e", config.Epsilon)
	}
	return &NadamOptimizerState{
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

// Step performs a single Nadam update
func (nadam *NadamOptimizerState) Step(weights, grads [][]float64) error {
	if err := checkStep(nadam.sizes, weights, grads); err != nil {
		return err
	}
	nadam.StepCount++

	t := float64(nadam.StepCount)
	b1, b2 := nadam.Beta1, nadam.Beta2
	bc1 := 1 - math.Pow(b1, t)
	bc1Next := 1 - math.Pow(b1, t+1)
	bc2 := 1 - math.Pow(b2, t)

	for i := range weights {
		w, g := weights[i], grads[i]
		m, v := nadam.MomentumBuffers[i], nadam.VarianceBuffers[i]
		for j := range w {
			gj := g[j] + nadam.WeightDecay*w[j]
			m[j] = b1*m[j] + (1-b1)*gj
			v[j] = b2*v[j] + (1-b2)*gj*gj
			mHat := b1*m[j]/bc1Next + (1-b1)*gj/bc1
			vHat := v[j] / bc2
			w[j] -= nadam.LearningRate * mHat / (math.Sqrt(vHat) + nadam.Epsilon)
		}
	}
	return nil
}

// UpdateLearningRate updates the learning rate for subsequent steps
func (nadam *NadamOptimizerState) UpdateLearningRate(newLR float64) {
	nadam.LearningRate = newLR
}

// GetLearningRate returns the current learning rate
func (nadam *NadamOptimizerState) GetLearningRate() float64 {
	return nadam.LearningRate
}

// GetStepCount returns the number of steps taken
func (nadam *NadamOptimizerState) GetStepCount() uint64 {
	return nadam.StepCount
}

// Name returns "Nadam"
func (nadam *NadamOptimizerState) Name() string {
	return "Nadam"
}

// GetState extracts optimizer state for checkpointing
func (nadam *NadamOptimizerState) GetState() (*OptimizerState, error) {
	stateData := extractBufferState(nadam.MomentumBuffers, "momentum")
	stateData = append(stateData, extractBufferState(nadam.VarianceBuffers, "variance")...)
	return &OptimizerState{
		Type: nadam.Name(),
		Parameters: map[string]float64{
			"learning_rate": nadam.LearningRate,
			"beta1":         nadam.Beta1,
			"beta2":         nadam.Beta2,
			"epsilon":       nadam.Epsilon,
			"weight_decay":  nadam.WeightDecay,
			"step_count":    float64(nadam.StepCount),
		},
		StateData: stateData,
	}, nil
}

// LoadState restores optimizer state from checkpoint
func (nadam *NadamOptimizerState) LoadState(state *OptimizerState) error {
	if err := validateStateType(nadam.Name(), state); err != nil {
		return err
	}
	nadam.LearningRate = extractFloatParam(state.Parameters, "learning_rate", nadam.LearningRate)
	nadam.Beta1 = extractFloatParam(state.Parameters, "beta1", nadam.Beta1)
	nadam.Beta2 = extractFloatParam(state.Parameters, "beta2", nadam.Beta2)
	nadam.Epsilon = extractFloatParam(state.Parameters, "epsilon", nadam.Epsilon)
	nadam.WeightDecay = extractFloatParam(state.Parameters, "weight_decay", nadam.WeightDecay)
	nadam.StepCount = uint64(extractFloatParam(state.Parameters, "step_count", float64(nadam.StepCount)))

	if err := restoreBufferState(state, "momentum", nadam.MomentumBuffers); err != nil {
		return err
	}
	return restoreBufferState(state, "variance", nadam.VarianceBuffers)
}
