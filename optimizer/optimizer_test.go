package optimizer

import (
	"errors"
	"math"
	"testing"
)

func testShapes() [][]int {
	return [][]int{
		{2, 3}, // dense weights
		{1, 3}, // dense bias
	}
}

func constBuffers(shapes [][]int, v float64) [][]float64 {
	out := make([][]float64, len(shapes))
	for i, s := range shapes {
		out[i] = make([]float64, calculateTensorSize(s))
		for j := range out[i] {
			out[i][j] = v
		}
	}
	return out
}

func TestAdamConfig(t *testing.T) {
	config := DefaultAdamConfig()

	if config.LearningRate != 0.001 {
		t.Errorf("Expected learning rate 0.001, got %f", config.LearningRate)
	}
	if config.Beta1 != 0.9 {
		t.Errorf("Expected beta1 0.9, got %f", config.Beta1)
	}
	if config.Beta2 != 0.999 {
		t.Errorf("Expected beta2 0.999, got %f", config.Beta2)
	}
	if config.Epsilon != 1e-8 {
		t.Errorf("Expected epsilon 1e-8, got %e", config.Epsilon)
	}
}

// The first Adam step moves every weight by about lr in the direction
// opposite the gradient sign.
func TestAdamFirstStep(t *testing.T) {
	shapes := testShapes()
	cfg := DefaultAdamConfig()
	cfg.LearningRate = 0.1
	adam, err := NewAdamOptimizer(cfg, shapes)
	if err != nil {
		t.Fatalf("NewAdamOptimizer failed: %v", err)
	}

	weights := constBuffers(shapes, 1)
	grads := constBuffers(shapes, 0.5)
	grads[1][0] = -2

	if err := adam.Step(weights, grads); err != nil {
		t.Fatalf("Step failed: %v", err)
	}
	if math.Abs(weights[0][0]-0.9) > 1e-6 {
		t.Errorf("Expected weight 0.9, got %f", weights[0][0])
	}
	if math.Abs(weights[1][0]-1.1) > 1e-6 {
		t.Errorf("Expected weight 1.1, got %f", weights[1][0])
	}
	if adam.GetStepCount() != 1 {
		t.Errorf("Expected step count 1, got %d", adam.GetStepCount())
	}
}

func TestStepRejectsMismatchedBuffers(t *testing.T) {
	shapes := testShapes()
	opt, err := New("adam", nil, shapes)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	weights := constBuffers(shapes, 1)
	if err := opt.Step(weights, weights[:1]); err == nil {
		t.Error("Expected error for gradient count mismatch")
	}
	short := [][]float64{make([]float64, 5), make([]float64, 3)}
	if err := opt.Step(short, short); err == nil {
		t.Error("Expected error for wrong buffer size")
	}
	if opt.GetStepCount() != 0 {
		t.Errorf("Expected no steps after rejected updates, got %d", opt.GetStepCount())
	}
}

func TestSGDStep(t *testing.T) {
	tests := []struct {
		name     string
		config   SGDConfig
		steps    int
		expected float64
	}{
		{"plain", SGDConfig{LearningRate: 0.1}, 1, 0.95},
		{"plain two steps", SGDConfig{LearningRate: 0.1}, 2, 0.90},
		{"momentum", SGDConfig{LearningRate: 0.1, Momentum: 0.9}, 2, 1 - 0.05 - 0.1*(0.9*0.5+0.5)},
		{"nesterov", SGDConfig{LearningRate: 0.1, Momentum: 0.9, Nesterov: true}, 1, 1 - 0.1*(0.5+0.9*0.5)},
		{"weight decay", SGDConfig{LearningRate: 0.1, WeightDecay: 0.1}, 1, 1 - 0.1*(0.5+0.1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			shapes := [][]int{{1}}
			sgd, err := NewSGDOptimizer(tt.config, shapes)
			if err != nil {
				t.Fatalf("NewSGDOptimizer failed: %v", err)
			}
			weights := constBuffers(shapes, 1)
			grads := constBuffers(shapes, 0.5)
			for i := 0; i < tt.steps; i++ {
				if err := sgd.Step(weights, grads); err != nil {
					t.Fatalf("Step failed: %v", err)
				}
			}
			if math.Abs(weights[0][0]-tt.expected) > 1e-12 {
				t.Errorf("Expected weight %f, got %f", tt.expected, weights[0][0])
			}
		})
	}
}

func TestSGDConfigValidation(t *testing.T) {
	shapes := testShapes()
	invalid := []SGDConfig{
		{LearningRate: 0},
		{LearningRate: 0.1, Momentum: 1.0},
		{LearningRate: 0.1, Nesterov: true},
	}
	for i, cfg := range invalid {
		if _, err := NewSGDOptimizer(cfg, shapes); err == nil {
			t.Errorf("Config %d: expected error, got nil", i)
		}
	}
	if _, err := NewSGDOptimizer(DefaultSGDConfig(), nil); err == nil {
		t.Error("Expected error for empty shapes")
	}
}

func TestAdaGradStep(t *testing.T) {
	shapes := [][]int{{1}}
	adagrad, err := NewAdaGradOptimizer(AdaGradConfig{LearningRate: 0.1, Epsilon: 1e-10}, shapes)
	if err != nil {
		t.Fatalf("NewAdaGradOptimizer failed: %v", err)
	}
	weights := constBuffers(shapes, 1)
	grads := constBuffers(shapes, 2)
	if err := adagrad.Step(weights, grads); err != nil {
		t.Fatalf("Step failed: %v", err)
	}
	// First step is lr * g / |g|
	if math.Abs(weights[0][0]-0.9) > 1e-8 {
		t.Errorf("Expected weight 0.9, got %f", weights[0][0])
	}
	if adagrad.SquaredGradAccumBuffers[0][0] != 4 {
		t.Errorf("Expected accumulator 4, got %f", adagrad.SquaredGradAccumBuffers[0][0])
	}
}

func TestAdaptiveOptimizersDescend(t *testing.T) {
	// Minimize (w-3)^2 starting from 0.
	for _, name := range Names() {
		t.Run(name, func(t *testing.T) {
			params := map[string]float64{"lr": 0.05}
			if name == "adadelta" {
				params = map[string]float64{"lr": 1, "rho": 0.9, "eps": 1e-2}
			}
			opt, err := New(name, params, [][]int{{1}})
			if err != nil {
				t.Fatalf("New(%q) failed: %v", name, err)
			}
			w := [][]float64{{0}}
			start := (w[0][0] - 3) * (w[0][0] - 3)
			for i := 0; i < 50; i++ {
				g := [][]float64{{2 * (w[0][0] - 3)}}
				if err := opt.Step(w, g); err != nil {
					t.Fatalf("Step failed: %v", err)
				}
			}
			end := (w[0][0] - 3) * (w[0][0] - 3)
			if end >= start {
				t.Errorf("Expected loss to decrease from %f, got %f", start, end)
			}
		})
	}
}

func TestNewUnknownOptimizer(t *testing.T) {
	_, err := New("lbfgs", nil, testShapes())
	if !errors.Is(err, ErrUnknownOptimizer) {
		t.Errorf("Expected ErrUnknownOptimizer, got %v", err)
	}
}

func TestNewMapsParams(t *testing.T) {
	opt, err := New("Adam", map[string]float64{"lr": 3e-4, "b1": 0.5, "b2": 0.99}, testShapes())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	adam, ok := opt.(*AdamOptimizerState)
	if !ok {
		t.Fatalf("Expected *AdamOptimizerState, got %T", opt)
	}
	if adam.LearningRate != 3e-4 || adam.Beta1 != 0.5 || adam.Beta2 != 0.99 {
		t.Errorf("Expected lr=3e-4 b1=0.5 b2=0.99, got lr=%g b1=%g b2=%g",
			adam.LearningRate, adam.Beta1, adam.Beta2)
	}

	opt, err = New("rmsprop", map[string]float64{"momentum": 0.9, "centered": 1}, testShapes())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	rms := opt.(*RMSPropOptimizerState)
	if !rms.Centered || rms.MomentumBuffers == nil || rms.GradientAvgBuffers == nil {
		t.Error("Expected centered RMSProp with momentum buffers")
	}
}

func TestStateRoundTrip(t *testing.T) {
	params := map[string]float64{"lr": 0.01, "momentum": 0.9, "centered": 1}
	for _, name := range Names() {
		t.Run(name, func(t *testing.T) {
			shapes := testShapes()
			src, err := New(name, params, shapes)
			if err != nil {
				t.Fatalf("New failed: %v", err)
			}
			weights := constBuffers(shapes, 1)
			grads := constBuffers(shapes, 0.3)
			for i := 0; i < 3; i++ {
				if err := src.Step(weights, grads); err != nil {
					t.Fatalf("Step failed: %v", err)
				}
			}
			state, err := src.GetState()
			if err != nil {
				t.Fatalf("GetState failed: %v", err)
			}

			dst, err := New(name, params, shapes)
			if err != nil {
				t.Fatalf("New failed: %v", err)
			}
			if err := dst.LoadState(state); err != nil {
				t.Fatalf("LoadState failed: %v", err)
			}
			if dst.GetStepCount() != 3 {
				t.Errorf("Expected step count 3, got %d", dst.GetStepCount())
			}

			// Both optimizers must now produce identical updates.
			w1 := constBuffers(shapes, 1)
			w2 := constBuffers(shapes, 1)
			if err := src.Step(w1, grads); err != nil {
				t.Fatalf("Step failed: %v", err)
			}
			if err := dst.Step(w2, grads); err != nil {
				t.Fatalf("Step failed: %v", err)
			}
			for i := range w1 {
				for j := range w1[i] {
					if w1[i][j] != w2[i][j] {
						t.Fatalf("Buffer %d[%d]: expected %f, got %f", i, j, w1[i][j], w2[i][j])
					}
				}
			}
		})
	}
}

func TestLoadStateTypeMismatch(t *testing.T) {
	adam, _ := New("adam", nil, testShapes())
	sgd, _ := New("sgd", nil, testShapes())
	state, _ := adam.GetState()
	if err := sgd.LoadState(state); err == nil {
		t.Error("Expected error loading Adam state into SGD")
	}
	if err := sgd.LoadState(nil); err == nil {
		t.Error("Expected error for nil state")
	}
}

func TestUpdateLearningRate(t *testing.T) {
	for _, name := range Names() {
		opt, err := New(name, nil, testShapes())
		if err != nil {
			t.Fatalf("New(%q) failed: %v", name, err)
		}
		opt.UpdateLearningRate(0.123)
		if opt.GetLearningRate() != 0.123 {
			t.Errorf("%s: expected learning rate 0.123, got %f", name, opt.GetLearningRate())
		}
	}
}

func TestExtractBufferIndex(t *testing.T) {
	tests := []struct {
		name     string
		expected int
	}{
		{"momentum_0", 0},
		{"squared_grad_avg_12", 12},
		{"variance", -1},
		{"variance_x", -1},
	}
	for _, tt := range tests {
		if got := extractBufferIndex(tt.name); got != tt.expected {
			t.Errorf("extractBufferIndex(%q): expected %d, got %d", tt.name, tt.expected, got)
		}
	}
}
