package optimizer

import (
	"fmt"
	"math"
)

// RMSPropOptimizerState holds RMSProp hyperparameters and running averages
type RMSPropOptimizerState struct {
	// Hyperparameters
	LearningRate float64
	Alpha        float64 // Smoothing constant (typically 0.99)
	Epsilon      float64 // Small constant to prevent division by zero (typically 1e-8)
	WeightDecay  float64 // L2 regularization coefficient
	Momentum     float64 // Momentum coefficient (0.0 for no momentum)
	Centered     bool    // Whether to subtract the mean of gradients

	SquaredGradAvgBuffers [][]float64 // Running average of squared gradients
	MomentumBuffers       [][]float64 // Only when Momentum > 0
	GradientAvgBuffers    [][]float64 // Only when Centered

	StepCount uint64

	sizes []int
}

// RMSPropConfig holds configuration for RMSProp optimizer
type RMSPropConfig struct {
	LearningRate float64
	Alpha        float64
	Epsilon      float64
	WeightDecay  float64
	Momentum     float64
	Centered     bool
}

// DefaultRMSPropConfig returns default RMSProp optimizer configuration
func DefaultRMSPropConfig() RMSPropConfig {
	return RMSPropConfig{
		LearningRate: 0.01,
		Alpha:        0.99,
		Epsilon:      1e-8,
		WeightDecay:  0.0,
		Momentum:     0.0,
		Centered:     false,
	}
}

// NewRMSPropOptimizer creates an RMSProp optimizer for parameters of the given shapes
func NewRMSPropOptimizer(config RMSPropConfig, weightShapes [][]int) (*RMSPropOptimizerState, error) {
	sizes, err := shapesToSizes(weightShapes)
	if err != nil {
		return nil, err
	}
	if config.LearningRate <= 0 {
		return nil, fmt.Errorf("learning rate must be positive, got %f", config.LearningRate)
	}
	if config.Alpha <= 0 || config.Alpha >= 1 {
		return nil, fmt.Errorf("alpha must be in (0, 1), got %f", config.Alpha)
	}

	rmsprop := &RMSPropOptimizerState{
		LearningRate:          config.LearningRate,
		Alpha:                 config.Alpha,
		Epsilon:               config.Epsilon,
		WeightDecay:           config.WeightDecay,
		Momentum:              config.Momentum,
		Centered:              config.Centered,
		SquaredGradAvgBuffers: newBuffers(sizes),
		sizes:                 sizes,
	}
	if config.Momentum > 0 {
		rmsprop.MomentumBuffers = newBuffers(sizes)
	}
	if config.Centered {
		rmsprop.GradientAvgBuffers = newBuffers(sizes)
	}
	return rmsprop, nil
}

// Step performs a single RMSProp update
func (rmsprop *RMSPropOptimizerState) Step(weights, grads [][]float64) error {
	if err := checkStep(rmsprop.sizes, weights, grads); err != nil {
		return err
	}
	rmsprop.StepCount++

	for i := range weights {
		w, g := weights[i], grads[i]
		sq := rmsprop.SquaredGradAvgBuffers[i]
		for j := range w {
			gj := g[j] + rmsprop.WeightDecay*w[j]
			sq[j] = rmsprop.Alpha*sq[j] + (1-rmsprop.Alpha)*gj*gj

			avg := sq[j]
			if rmsprop.Centered {
				ga := rmsprop.GradientAvgBuffers[i]
				ga[j] = rmsprop.Alpha*ga[j] + (1-rmsprop.Alpha)*gj
				avg -= ga[j] * ga[j]
			}
			update := gj / (math.Sqrt(math.Max(avg, 0)) + rmsprop.Epsilon)

			if rmsprop.Momentum > 0 {
				buf := rmsprop.MomentumBuffers[i]
				buf[j] = rmsprop.Momentum*buf[j] + update
				update = buf[j]
			}
			w[j] -= rmsprop.LearningRate * update
		}
	}
	return nil
}

// UpdateLearningRate updates the learning rate for subsequent steps
func (rmsprop *RMSPropOptimizerState) UpdateLearningRate(newLR float64) {
	rmsprop.LearningRate = newLR
}

// GetLearningRate returns the current learning rate
func (rmsprop *RMSPropOptimizerState) GetLearningRate() float64 {
	return rmsprop.LearningRate
}

// GetStepCount returns the number of steps taken
func (rmsprop *RMSPropOptimizerState) GetStepCount() uint64 {
	return rmsprop.StepCount
}

// Name returns "RMSProp"
func (rmsprop *RMSPropOptimizerState) Name() string {
	return "RMSProp"
}

// GetState extracts optimizer state for checkpointing
func (rmsprop *RMSPropOptimizerState) GetState() (*OptimizerState, error) {
	stateData := extractBufferState(rmsprop.SquaredGradAvgBuffers, "squared_grad_avg")
	stateData = append(stateData, extractBufferState(rmsprop.MomentumBuffers, "momentum")...)
	stateData = append(stateData, extractBufferState(rmsprop.GradientAvgBuffers, "gradient_avg")...)

	return &OptimizerState{
		Type: rmsprop.Name(),
		Parameters: map[string]float64{
			"learning_rate": rmsprop.LearningRate,
			"alpha":         rmsprop.Alpha,
			"epsilon":       rmsprop.Epsilon,
			"weight_decay":  rmsprop.WeightDecay,
			"momentum":      rmsprop.Momentum,
			"centered":      boolParam(rmsprop.Centered),
			"step_count":    float64(rmsprop.StepCount),
		},
		StateData: stateData,
	}, nil
}

// LoadState restores optimizer state from checkpoint. Momentum and centering
// are structural and must match the optimizer's configuration.
func (rmsprop *RMSPropOptimizerState) LoadState(state *OptimizerState) error {
	if err := validateStateType(rmsprop.Name(), state); err != nil {
		return err
	}
	if extractBoolParam(state.Parameters, "centered", rmsprop.Centered) != rmsprop.Centered {
		return fmt.Errorf("centered mismatch: optimizer centered=%t", rmsprop.Centered)
	}
	if (extractFloatParam(state.Parameters, "momentum", rmsprop.Momentum) > 0) != (rmsprop.Momentum > 0) {
		return fmt.Errorf("momentum mismatch: optimizer momentum=%f", rmsprop.Momentum)
	}

	rmsprop.LearningRate = extractFloatParam(state.Parameters, "learning_rate", rmsprop.LearningRate)
	rmsprop.Alpha = extractFloatParam(state.Parameters, "alpha", rmsprop.Alpha)
	rmsprop.Epsilon = extractFloatParam(state.Parameters, "epsilon", rmsprop.Epsilon)
	rmsprop.WeightDecay = extractFloatParam(state.Parameters, "weight_decay", rmsprop.WeightDecay)
	rmsprop.Momentum = extractFloatParam(state.Parameters, "momentum", rmsprop.Momentum)
	rmsprop.StepCount = uint64(extractFloatParam(state.Parameters, "step_count", float64(rmsprop.StepCount)))

	if err := restoreBufferState(state, "squared_grad_avg", rmsprop.SquaredGradAvgBuffers); err != nil {
		return err
	}
	if rmsprop.MomentumBuffers != nil {
		if err := restoreBufferState(state, "momentum", rmsprop.MomentumBuffers); err != nil {
			return err
		}
	}
	if rmsprop.GradientAvgBuffers != nil {
		return restoreBufferState(state, "gradient_avg", rmsprop.GradientAvgBuffers)
	}
	return nil
}
