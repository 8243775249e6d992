package training

import (
	"fmt"
	"math"
	"strings"
)

// LRScheduler maps an epoch and global step to a learning rate. Schedulers
// other than ReduceLROnPlateau are pure functions of their arguments.
type LRScheduler interface {
	// GetLR returns the learning rate for the current epoch/step
	GetLR(epoch int, step int, baseLR float64) float64

	// GetName returns the scheduler name for logging
	GetName() string
}

// StepLRScheduler reduces learning rate by a factor every stepSize epochs
type StepLRScheduler struct {
	StepSize int     // Epochs between LR reductions
	Gamma    float64 // Multiplicative factor of LR decay
}

// NewStepLRScheduler creates a step learning rate scheduler
func NewStepLRScheduler(stepSize int, gamma float64) *StepLRScheduler {
	if stepSize <= 0 {
		stepSize = 30
	}
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.1
	}
	return &StepLRScheduler{
		StepSize: stepSize,
		Gamma:    gamma,
	}
}

func (s *StepLRScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	times := epoch / s.StepSize
	return baseLR * math.Pow(s.Gamma, float64(times))
}

func (s *StepLRScheduler) GetName() string {
	return "StepLR"
}

// ExponentialLRScheduler decays learning rate exponentially
type ExponentialLRScheduler struct {
	Gamma float64 // Multiplicative factor of LR decay per epoch
}

// NewExponentialLRScheduler creates an exponential learning rate scheduler
func NewExponentialLRScheduler(gamma float64) *ExponentialLRScheduler {
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.95
	}
	return &ExponentialLRScheduler{
		Gamma: gamma,
	}
}

func (s *ExponentialLRScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	return baseLR * math.Pow(s.Gamma, float64(epoch))
}

func (s *ExponentialLRScheduler) GetName() string {
	return "ExponentialLR"
}

// CosineAnnealingLRScheduler anneals from the base rate to EtaMin over TMax epochs
type CosineAnnealingLRScheduler struct {
	TMax   int
	EtaMin float64
}

// NewCosineAnnealingLRScheduler creates a cosine annealing scheduler
func NewCosineAnnealingLRScheduler(tMax int, etaMin float64) *CosineAnnealingLRScheduler {
	if tMax <= 0 {
		tMax = 100
	}
	if etaMin < 0 {
		etaMin = 0
	}
	return &CosineAnnealingLRScheduler{
		TMax:   tMax,
		EtaMin: etaMin,
	}
}

func (s *CosineAnnealingLRScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	if epoch >= s.TMax {
		return s.EtaMin
	}
	return s.EtaMin + (baseLR-s.EtaMin)*(1+math.Cos(math.Pi*float64(epoch)/float64(s.TMax)))/2
}

func (s *CosineAnnealingLRScheduler) GetName() string {
	return "CosineAnnealingLR"
}

// ReduceLROnPlateauScheduler reduces LR when a metric has stopped improving.
// It is stateful: the trainer feeds it the validation loss through Step.
type ReduceLROnPlateauScheduler struct {
	Factor    float64
	Patience  int
	Threshold float64
	Mode      string // "min" or "max"

	bestMetric  float64
	badEpochs   int
	currentLR   float64
	initialized bool
}

// NewReduceLROnPlateauScheduler creates a plateau-based scheduler
func NewReduceLROnPlateauScheduler(factor float64, patience int, threshold float64, mode string) *ReduceLROnPlateauScheduler {
	if factor <= 0 || factor >= 1 {
		factor = 0.1
	}
	if patience <= 0 {
		patience = 10
	}
	if threshold < 0 {
		threshold = 1e-4
	}
	if mode != "min" && mode != "max" {
		mode = "min"
	}
	return &ReduceLROnPlateauScheduler{
		Factor:    factor,
		Patience:  patience,
		Threshold: threshold,
		Mode:      mode,
	}
}

// Step records one epoch's metric and returns the learning rate to use next
func (s *ReduceLROnPlateauScheduler) Step(metric float64, currentLR float64) float64 {
	if !s.initialized {
		s.bestMetric = metric
		s.currentLR = currentLR
		s.initialized = true
		return currentLR
	}

	improved := false
	if s.Mode == "min" {
		improved = metric < s.bestMetric-s.Threshold
	} else {
		improved = metric > s.bestMetric+s.Threshold
	}

	if improved {
		s.bestMetric = metric
		s.badEpochs = 0
	} else {
		s.badEpochs++
		if s.badEpochs >= s.Patience {
			s.currentLR *= s.Factor
			s.badEpochs = 0
		}
	}
	return s.currentLR
}

func (s *ReduceLROnPlateauScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	if s.initialized {
		return s.currentLR
	}
	return baseLR
}

func (s *ReduceLROnPlateauScheduler) GetName() string {
	return "ReduceLROnPlateau"
}

// ConstantScheduler keeps the base learning rate
type ConstantScheduler struct{}

func (s *ConstantScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	return baseLR
}

func (s *ConstantScheduler) GetName() string {
	return "ConstantLR"
}

// WarmupScheduler ramps another schedule up linearly over the first Steps
// optimizer steps. It is the only schedule here that reads the step count, so
// the trainer queries the scheduler before every step rather than once per epoch.
type WarmupScheduler struct {
	Steps int
	After LRScheduler
}

// NewWarmupScheduler wraps after with a linear warmup of steps steps
func NewWarmupScheduler(steps int, after LRScheduler) *WarmupScheduler {
	if after == nil {
		after = &ConstantScheduler{}
	}
	return &WarmupScheduler{Steps: steps, After: after}
}

func (s *WarmupScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	lr := s.After.GetLR(epoch, step, baseLR)
	if step < s.Steps {
		lr *= float64(step+1) / float64(s.Steps)
	}
	return lr
}

func (s *WarmupScheduler) GetName() string {
	return "Warmup(" + s.After.GetName() + ")"
}

// plateauOf returns the plateau scheduler inside s, if any
func plateauOf(s LRScheduler) (*ReduceLROnPlateauScheduler, bool) {
	switch v := s.(type) {
	case *ReduceLROnPlateauScheduler:
		return v, true
	case *WarmupScheduler:
		return plateauOf(v.After)
	}
	return nil, false
}

// NewScheduler builds a scheduler by name. epochs sizes the cosine schedule;
// stepSize and gamma parameterize step, exponential and plateau decay. A
// positive warmup wraps the result in a WarmupScheduler.
func NewScheduler(name string, epochs, stepSize int, gamma float64, warmup int) (LRScheduler, error) {
	var s LRScheduler
	switch strings.ToLower(name) {
	case "", "constant", "none":
		s = &ConstantScheduler{}
	case "step":
		s = NewStepLRScheduler(stepSize, gamma)
	case "exponential", "exp":
		s = NewExponentialLRScheduler(gamma)
	case "cosine":
		s = NewCosineAnnealingLRScheduler(epochs, 0)
	case "plateau":
		s = NewReduceLROnPlateauScheduler(gamma, stepSize, 1e-4, "min")
	default:
		return nil, fmt.Errorf("unknown scheduler %q", name)
	}
	if warmup > 0 {
		s = NewWarmupScheduler(warmup, s)
	}
	return s, nil
}
