package optimizer

import (
	"fmt"
	"math"
)

// AdaGradOptimizerState accumulates squared gradients per parameter
type AdaGradOptimizerState struct {
	LearningRate float64
	Epsilon      float64
	WeightDecay  float64

	SquaredGradAccumBuffers [][]float64

	StepCount uint64

	sizes []int
}

// AdaGradConfig holds configuration for AdaGrad optimizer
type AdaGradConfig struct {
	LearningRate float64 // Learning rate
	Epsilon      float64 // Small constant for numerical stability
	WeightDecay  float64 // L2 regularization strength
}

// DefaultAdaGradConfig returns default AdaGrad optimizer configuration
func DefaultAdaGradConfig() AdaGradConfig {
	return AdaGradConfig{
		LearningRate: 0.01,
		Epsilon:      1e-10,
		WeightDecay:  0.0,
	}
}

// NewAdaGradOptimizer creates an AdaGrad optimizer for parameters of the given shapes
func NewAdaGradOptimizer(config AdaGradConfig, weightShapes [][]int) (*AdaGradOptimizerState, error) {
	sizes, err := shapesToSizes(weightShapes)
	if err != nil {
		return nil, err
	}
	if config.LearningRate <= 0 {
		return nil, fmt.Errorf("learning rate must be positive, got %f", config.LearningRate)
	}
	return &AdaGradOptimizerState{
		LearningRate:            config.LearningRate,
		Epsilon:                 config.Epsilon,
		WeightDecay:             config.WeightDecay,
		SquaredGradAccumBuffers: newBuffers(sizes),
		sizes:                   sizes,
	}, nil
}

// Step performs a single AdaGrad update
func (adagrad *AdaGradOptimizerState) Step(weights, grads [][]float64) error {
	if err := checkStep(adagrad.sizes, weights, grads); err != nil {
		return err
	}
	adagrad.StepCount++

	for i := range weights {
		w, g, acc := weights[i], grads[i], adagrad.SquaredGradAccumBuffers[i]
		for j := range w {
			gj := g[j] + adagrad.WeightDecay*w[j]
			acc[j] += gj * gj
			w[j] -= adagrad.LearningRate * gj / (math.Sqrt(acc[j]) + adagrad.Epsilon)
		}
	}
	return nil
}

// UpdateLearningRate updates the learning rate for subsequent steps
func (adagrad *AdaGradOptimizerState) UpdateLearningRate(newLR float64) {
	adagrad.LearningRate = newLR
}

// GetLearningRate returns the current learning rate
func (adagrad *AdaGradOptimizerState) GetLearningRate() float64 {
	return adagrad.LearningRate
}

// GetStepCount returns the number of steps taken
func (adagrad *AdaGradOptimizerState) GetStepCount() uint64 {
	return adagrad.StepCount
}

// Name returns "AdaGrad"
func (adagrad *AdaGradOptimizerState) Name() string {
	return "AdaGrad"
}

// GetState extracts optimizer state for checkpointing
func (adagrad *AdaGradOptimizerState) GetState() (*OptimizerState, error) {
	return &OptimizerState{
		Type: adagrad.Name(),
		Parameters: map[string]float64{
			"learning_rate": adagrad.LearningRate,
			"epsilon":       adagrad.Epsilon,
			"weight_decay":  adagrad.WeightDecay,
			"step_count":    float64(adagrad.StepCount),
		},
		StateData: extractBufferState(adagrad.SquaredGradAccumBuffers, "squared_grad_accum"),
	}, nil
}

// LoadState restores optimizer state from checkpoint
func (adagrad *AdaGradOptimizerState) LoadState(state *OptimizerState) error {
	if err := validateStateType(adagrad.Name(), state); err != nil {
		return err
	}
	adagrad.LearningRate = extractFloatParam(state.Parameters, "learning_rate", adagrad.LearningRate)
	adagrad.Epsilon = extractFloatParam(state.Parameters, "epsilon", adagrad.Epsilon)
	adagrad.WeightDecay = extractFloatParam(state.Parameters, "weight_decay", adagrad.WeightDecay)
	adagrad.StepCount = uint64(extractFloatParam(state.Parameters, "step_count", float64(adagrad.StepCount)))
	return restoreBufferState(state, "squared_grad_accum", adagrad.SquaredGradAccumBuffers)
}
