package optimizer

import (
	"fmt"
	"strings"
)

// New builds an optimizer by name. Hyperparameters use short keys: "lr",
// "b1", "b2", "eps", "wd", "momentum", "nesterov", "alpha", "centered" and
// "rho". Keys that do not apply to the chosen optimizer are ignored.
func New(name string, params map[string]float64, shapes [][]int) (Optimizer, error) {
	get := func(key string, def float64) float64 {
		return extractFloatParam(params, key, def)
	}

	switch strings.ToLower(name) {
	case "adam":
		cfg := DefaultAdamConfig()
		cfg.LearningRate = get("lr", cfg.LearningRate)
		cfg.Beta1 = get("b1", cfg.Beta1)
		cfg.Beta2 = get("b2", cfg.Beta2)
		cfg.Epsilon = get("eps", cfg.Epsilon)
		cfg.WeightDecay = get("wd", cfg.WeightDecay)
		return NewAdamOptimizer(cfg, shapes)
	case "sgd":
		cfg := DefaultSGDConfig()
		cfg.LearningRate = get("lr", cfg.LearningRate)
		cfg.Momentum = get("momentum", cfg.Momentum)
		cfg.WeightDecay = get("wd", cfg.WeightDecay)
		cfg.Nesterov = extractBoolParam(params, "nesterov", cfg.Nesterov)
		return NewSGDOptimizer(cfg, shapes)
	case "rmsprop":
		cfg := DefaultRMSPropConfig()
		cfg.LearningRate = get("lr", cfg.LearningRate)
		cfg.Alpha = get("alpha", cfg.Alpha)
		cfg.Epsilon = get("eps", cfg.Epsilon)
		cfg.WeightDecay = get("wd", cfg.WeightDecay)
		cfg.Momentum = get("momentum", cfg.Momentum)
		cfg.Centered = extractBoolParam(params, "centered", cfg.Centered)
		return NewRMSPropOptimizer(cfg, shapes)
	case "adagrad":
		cfg := DefaultAdaGradConfig()
		cfg.LearningRate = get("lr", cfg.LearningRate)
		cfg.Epsilon = get("eps", cfg.Epsilon)
		cfg.WeightDecay = get("wd", cfg.WeightDecay)
		return NewAdaGradOptimizer(cfg, shapes)
	case "adadelta":
		cfg := DefaultAdaDeltaConfig()
		cfg.Rho = get("rho", cfg.Rho)
		cfg.Epsilon = get("eps", cfg.Epsilon)
		cfg.WeightDecay = get("wd", cfg.WeightDecay)
		opt, err := NewAdaDeltaOptimizer(cfg, shapes)
		if err != nil {
			return nil, err
		}
		opt.LearningRate = get("lr", opt.LearningRate)
		return opt, nil
	case "nadam":
		cfg := DefaultNadamConfig()
		cfg.LearningRate = get("lr", cfg.LearningRate)
		cfg.Beta1 = get("b1", cfg.Beta1)
		cfg.Beta2 = get("b2", cfg.Beta2)
		cfg.Epsilon = get("eps", cfg.Epsilon)
		cfg.WeightDecay = get("wd", cfg.WeightDecay)
		return NewNadamOptimizer(cfg, shapes)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownOptimizer, name)
	}
}

// Names lists the optimizers New accepts
func Names() []string {
	return []string{"adam", "sgd", "rmsprop", "adagrad", "adadelta", "nadam"}
}
