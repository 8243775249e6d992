package optimizer

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
)

// SGDOptimizerState holds SGD hyperparameters and momentum buffers
type SGDOptimizerState struct {
	LearningRate float64
	Momentum     float64
	WeightDecay  float64
	Nesterov     bool

	// Allocated only when Momentum > 0
	MomentumBuffers [][]float64

	StepCount uint64

	sizes []int
}

// SGDConfig holds configuration for SGD optimizer
type SGDConfig struct {
	LearningRate float64
	Momentum     float64
	WeightDecay  float64
	Nesterov     bool
}

// DefaultSGDConfig returns default SGD optimizer configuration
func DefaultSGDConfig() SGDConfig {
	return SGDConfig{
		LearningRate: 0.01,
		Momentum:     0.0,
		WeightDecay:  0.0,
		Nesterov:     false,
	}
}

// NewSGDOptimizer creates an SGD optimizer for parameters of the given shapes
func NewSGDOptimizer(config SGDConfig, weightShapes [][]int) (*SGDOptimizerState, error) {
	sizes, err := shapesToSizes(weightShapes)
	if err != nil {
		return nil, err
	}
	if config.LearningRate <= 0 {
		return nil, fmt.Errorf("learning rate must be positive, got %f", config.LearningRate)
	}
	if config.Momentum < 0 || config.Momentum >= 1 {
		return nil, fmt.Errorf("momentum must be in [0, 1), got %f", config.Momentum)
	}
	if config.Nesterov && config.Momentum == 0 {
		return nil, fmt.Errorf("nesterov momentum requires momentum > 0")
	}

	sgd := &SGDOptimizerState{
		LearningRate: config.LearningRate,
		Momentum:     config.Momentum,
		WeightDecay:  config.WeightDecay,
		Nesterov:     config.Nesterov,
		sizes:        sizes,
	}
	if config.Momentum > 0 {
		sgd.MomentumBuffers = newBuffers(sizes)
	}
	return sgd, nil
}

// Step performs a single SGD update
func (sgd *SGDOptimizerState) Step(weights, grads [][]float64) error {
	if err := checkStep(sgd.sizes, weights, grads); err != nil {
		return err
	}
	sgd.StepCount++

	for i := range weights {
		w, g := weights[i], grads[i]
		if sgd.Momentum == 0 {
			floats.Scale(1-sgd.LearningRate*sgd.WeightDecay, w)
			floats.AddScaled(w, -sgd.LearningRate, g)
			continue
		}
		v := sgd.MomentumBuffers[i]
		for j := range w {
			gj := g[j] + sgd.WeightDecay*w[j]
			v[j] = sgd.Momentum*v[j] + gj
			if sgd.Nesterov {
				gj += sgd.Momentum * v[j]
			} else {
				gj = v[j]
			}
			w[j] -= sgd.LearningRate * gj
		}
	}
	return nil
}

// UpdateLearningRate updates the learning rate for subsequent steps
func (sgd *SGDOptimizerState) UpdateLearningRate(newLR float64) {
	sgd.LearningRate = newLR
}

// GetLearningRate returns the current learning rate
func (sgd *SGDOptimizerState) GetLearningRate() float64 {
	return sgd.LearningRate
}

// GetStepCount returns the number of steps taken
func (sgd *SGDOptimizerState) GetStepCount() uint64 {
	return sgd.StepCount
}

// Name returns "SGD"
func (sgd *SGDOptimizerState) Name() string {
	return "SGD"
}

// GetState extracts optimizer state for checkpointing
func (sgd *SGDOptimizerState) GetState() (*OptimizerState, error) {
	return &OptimizerState{
		Type: sgd.Name(),
		Parameters: map[string]float64{
			"learning_rate": sgd.LearningRate,
			"momentum":      sgd.Momentum,
			"weight_decay":  sgd.WeightDecay,
			"nesterov":      boolParam(sgd.Nesterov),
			"step_count":    float64(sgd.StepCount),
		},
		StateData: extractBufferState(sgd.MomentumBuffers, "momentum"),
	}, nil
}

// LoadState restores optimizer state from checkpoint
func (sgd *SGDOptimizerState) LoadState(state *OptimizerState) error {
	if err := validateStateType(sgd.Name(), state); err != nil {
		return err
	}

	sgd.LearningRate = extractFloatParam(state.Parameters, "learning_rate", sgd.LearningRate)
	sgd.WeightDecay = extractFloatParam(state.Parameters, "weight_decay", sgd.WeightDecay)
	sgd.Nesterov = extractBoolParam(state.Parameters, "nesterov", sgd.Nesterov)
	sgd.StepCount = uint64(extractFloatParam(state.Parameters, "step_count", float64(sgd.StepCount)))

	momentum := extractFloatParam(state.Parameters, "momentum", sgd.Momentum)
	if momentum > 0 && sgd.MomentumBuffers == nil {
		sgd.MomentumBuffers = newBuffers(sgd.sizes)
	}
	sgd.Momentum = momentum
	if sgd.MomentumBuffers == nil {
		return nil
	}
	return restoreBufferState(state, "momentum", sgd.MomentumBuffers)
}
