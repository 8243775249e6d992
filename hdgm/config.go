// Package hdgm defines the hybrid discriminative/generative model: an
// auxiliary-variable variational autoencoder sharing its latent mean with a
// convolutional classifier, trained on the negative ELBO plus a weighted
// cross-entropy.
package hdgm

import (
	"encoding/json"
	"os"

	"github.com/pkg/errors"
)

// Likelihood family of the reconstruction distribution p(x|z).
const (
	Bernoulli = "bernoulli"
	Gaussian  = "gaussian"
)

// Fixed architecture sizes.
const (
	LatentDim        = 200
	AuxDim           = 10
	HiddenDim        = 499
	ClassifierHidden = 500

	InputDropout  = 0.2
	HiddenDropout = 0.5

	ConvKernel = 5
	PoolSize   = 3
	PoolStride = 2

	// MaxGradNorm bounds the joint L2 norm of all gradients.
	MaxGradNorm = 5.0
	// GradClip bounds every gradient element after norm clipping.
	GradClip = 1.0
	// CrossEntropyEps keeps log(P) finite.
	CrossEntropyEps = 1e-10
)

// ConvFilters is the filter count of each classifier convolution block.
var ConvFilters = []int{128, 128, 256}

var (
	// ErrUnknownLikelihood is returned for a likelihood other than bernoulli or gaussian.
	ErrUnknownLikelihood = errors.New("unknown likelihood family")
	// ErrNotSquare is returned when a sample grid count is not a perfect square.
	ErrNotSquare = errors.New("sample count is not a perfect square")
	// ErrInvalidConfig wraps every other configuration problem.
	ErrInvalidConfig = errors.New("invalid model configuration")
)

// Config holds the model hyperparameters. It is not modified once a model has
// been built from it.
type Config struct {
	InputDim           int                `json:"input_dim"`
	Channels           int                `json:"channels"`
	Classes            int                `json:"classes"`
	BatchSize          int                `json:"batch_size"`
	SuperbatchSize     int                `json:"superbatch_size"`
	Likelihood         string             `json:"likelihood"`
	Optimizer          string             `json:"optimizer"`
	OptimizerParams    map[string]float64 `json:"optimizer_params"`
	UnsupervisedWeight float64            `json:"unsupervised_weight"`
	SupervisedWeight   float64            `json:"supervised_weight"`
	MCSamples          int                `json:"mc_samples"`
	Seed               int64              `json:"seed"`
}

// DefaultConfig returns the configuration used for 28x28 grayscale digits
func DefaultConfig() Config {
	return Config{
		InputDim:       28,
		Channels:       1,
		Classes:        10,
		BatchSize:      128,
		SuperbatchSize: 12800,
		Likelihood:     Bernoulli,
		Optimizer:      "adam",
		OptimizerParams: map[string]float64{
			"lr": 1e-3,
			"b1": 0.9,
			"b2": 0.99,
		},
		UnsupervisedWeight: 1.0,
		SupervisedWeight:   1.0,
		MCSamples:          1,
		Seed:               1234,
	}
}

// LoadConfig reads a JSON file over DefaultConfig and validates the result.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrapf(err, "reading config %s", path)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "parsing config %s", path)
	}
	return cfg, cfg.Validate()
}

// Validate checks the configuration before any graph is built.
func (c Config) Validate() error {
	switch c.Likelihood {
	case Bernoulli, Gaussian:
	default:
		return errors.Wrapf(ErrUnknownLikelihood, "%q", c.Likelihood)
	}
	switch {
	case c.Channels <= 0:
		return errors.Wrapf(ErrInvalidConfig, "channels must be positive, got %d", c.Channels)
	case c.Classes <= 1:
		return errors.Wrapf(ErrInvalidConfig, "need at least 2 classes, got %d", c.Classes)
	case c.BatchSize <= 0:
		return errors.Wrapf(ErrInvalidConfig, "batch size must be positive, got %d", c.BatchSize)
	case c.SuperbatchSize < c.BatchSize:
		return errors.Wrapf(ErrInvalidConfig, "superbatch size %d smaller than batch size %d", c.SuperbatchSize, c.BatchSize)
	case c.MCSamples < 1:
		return errors.Wrapf(ErrInvalidConfig, "mc samples must be at least 1, got %d", c.MCSamples)
	case c.UnsupervisedWeight < 0 || c.SupervisedWeight < 0:
		return errors.Wrapf(ErrInvalidConfig, "loss weights must be non-negative")
	}
	if _, ok := classifierSpatial(c.InputDim); !ok {
		return errors.Wrapf(ErrInvalidConfig, "input dim %d too small for three pooling stages", c.InputDim)
	}
	return nil
}

// PixelCount is the width of a flattened image.
func (c Config) PixelCount() int {
	return c.Channels * c.InputDim * c.InputDim
}

// Rows is the number of rows every per-sample tensor carries: the batch
// replicated once per Monte-Carlo sample.
func (c Config) Rows() int {
	return c.BatchSize * c.MCSamples
}

// classifierSpatial returns the side length after the three conv/pool blocks.
func classifierSpatial(dim int) (int, bool) {
	for range ConvFilters {
		if dim < PoolSize {
			return 0, false
		}
		dim = (dim-PoolSize)/PoolStride + 1
	}
	return dim, dim > 0
}
