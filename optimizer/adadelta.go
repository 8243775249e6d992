package optimizer

import (
	"fmt"
	"math"
)

// AdaDeltaOptimizerState keeps running averages of squared gradients and
// squared updates. It has no learning rate of its own; LearningRate scales
// the computed update and defaults to 1.
type AdaDeltaOptimizerState struct {
	LearningRate float64
	Rho          float64
	Epsilon      float64
	WeightDecay  float64

	SquaredGradAvgBuffers   [][]float64
	SquaredUpdateAvgBuffers [][]float64

	StepCount uint64

	sizes []int
}

// AdaDeltaConfig holds configuration for AdaDelta optimizer
type AdaDeltaConfig struct {
	Rho         float64 // Decay rate for moving averages (typically 0.95)
	Epsilon     float64 // Small constant for numerical stability
	WeightDecay float64 // L2 regularization strength
}

// DefaultAdaDeltaConfig returns default AdaDelta optimizer configuration
func DefaultAdaDeltaConfig() AdaDeltaConfig {
	return AdaDeltaConfig{
		Rho:         0.95,
		Epsilon:     1e-6,
		WeightDecay: 0.0,
	}
}

// NewAdaDeltaOptimizer creates an AdaDelta optimizer for parameters of the given shapes
func NewAdaDeltaOptimizer(config AdaDeltaConfig, weightShapes [][]int) (*AdaDeltaOptimizerState, error) {
	sizes, err := shapesToSizes(weightShapes)
	if err != nil {
		return nil, err
	}
	if config.Rho <= 0 || config.Rho >= 1 {
		return nil, fmt.Errorf("rho must be in range (0, 1), got %f", config.Rho)
	}
	return &AdaDeltaOptimizerState{
		LearningRate:            1.0,
		Rho:                     config.Rho,
		Epsilon:                 config.Epsilon,
		WeightDecay:             config.WeightDecay,
		SquaredGradAvgBuffers:   newBuffers(sizes),
		SquaredUpdateAvgBuffers: newBuffers(sizes),
		sizes:                   sizes,
	}, nil
}

// Step performs a single AdaDelta update
func (adadelta *AdaDeltaOptimizerState) Step(weights, grads [][]float64) error {
	if err := checkStep(adadelta.sizes, weights, grads); err != nil {
		return err
	}
	adadelta.StepCount++

	rho, eps := adadelta.Rho, adadelta.Epsilon
	for i := range weights {
		w, g := weights[i], grads[i]
		eg, ex := adadelta.SquaredGradAvgBuffers[i], adadelta.SquaredUpdateAvgBuffers[i]
		for j := range w {
			gj := g[j] + adadelta.WeightDecay*w[j]
			eg[j] = rho*eg[j] + (1-rho)*gj*gj
			dx := math.Sqrt(ex[j]+eps) / math.Sqrt(eg[j]+eps) * gj
			ex[j] = rho*ex[j] + (1-rho)*dx*dx
			w[j] -= adadelta.LearningRate * dx
		}
	}
	return nil
}

// UpdateLearningRate scales subsequent updates
func (adadelta *AdaDeltaOptimizerState) UpdateLearningRate(newLR float64) {
	adadelta.LearningRate = newLR
}

// GetLearningRate returns the update scale
func (adadelta *AdaDeltaOptimizerState) GetLearningRate() float64 {
	return adadelta.LearningRate
}

// GetStepCount returns the number of steps taken
func (adadelta *AdaDeltaOptimizerState) GetStepCount() uint64 {
	return adadelta.StepCount
}

// Name returns "AdaDelta"
func (adadelta *AdaDeltaOptimizerState) Name() string {
	return "AdaDelta"
}

// GetState extracts optimizer state for checkpointing
func (adadelta *AdaDeltaOptimizerState) GetState() (*OptimizerState, error) {
	stateData := extractBufferState(adadelta.SquaredGradAvgBuffers, "squared_grad_avg")
	stateData = append(stateData, extractBufferState(adadelta.SquaredUpdateAvgBuffers, "squared_update_avg")...)
	return &OptimizerState{
		Type: adadelta.Name(),
		Parameters: map[string]float64{
			"learning_rate": adadelta.LearningRate,
			"rho":           adadelta.Rho,
			"epsilon":       adadelta.Epsilon,
			"weight_decay":  adadelta.WeightDecay,
			"step_count":    float64(adadelta.StepCount),
		},
		StateData: stateData,
	}, nil
}

// LoadState restores optimizer state from checkpoint
func (adadelta *AdaDeltaOptimizerState) LoadState(state *OptimizerState) error {
	if err := validateStateType(adadelta.Name(), state); err != nil {
		return err
	}
	adadelta.LearningRate = extractFloatParam(state.Parameters, "learning_rate", adadelta.LearningRate)
	adadelta.Rho = extractFloatParam(state.Parameters, "rho", adadelta.Rho)
	adadelta.Epsilon = extractFloatParam(state.Parameters, "epsilon", adadelta.Epsilon)
	adadelta.WeightDecay = extractFloatParam(state.Parameters, "weight_decay", adadelta.WeightDecay)
	adadelta.StepCount = uint64(extractFloatParam(state.Parameters, "step_count", float64(adadelta.StepCount)))

	if err := restoreBufferState(state, "squared_grad_avg", adadelta.SquaredGradAvgBuffers); err != nil {
		return err
	}
	return restoreBufferState(state, "squared_update_avg", adadelta.SquaredUpdateAvgBuffers)
}
