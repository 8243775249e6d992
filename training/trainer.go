// Package training drives a TrainingEngine over datasets: epoch and
// superbatch iteration, learning-rate schedules, validation metrics,
// checkpointing, sample grids and early stopping.
package training

import (
	"context"
	"fmt"
	"io"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"k8s.io/klog/v2"

	"github.com/tsawler/go-hdgm/engine"
	"github.com/tsawler/go-hdgm/hdgm"
	"github.com/tsawler/go-hdgm/vision/dataset"
	"github.com/tsawler/go-hdgm/vision/preprocessing"
)

// TrainerConfig configures a training run
type TrainerConfig struct {
	Epochs int
	// BaseLR is the rate schedulers decay from. Zero keeps the optimizer's.
	BaseLR    float64
	Scheduler LRScheduler
	// Patience stops training after this many epochs without a lower
	// monitored loss. Zero disables early stopping.
	Patience int
	Shuffle  bool

	// SampleDir receives a PNG grid of SampleCount generated images after
	// every epoch. Empty disables sampling.
	SampleDir   string
	SampleCount int

	// Progress receives progress bars; nil disables them
	Progress io.Writer

	EnableCheckpoints bool
	Checkpoint        CheckpointConfig
}

// DefaultTrainerConfig returns a sensible default configuration
func DefaultTrainerConfig() TrainerConfig {
	return TrainerConfig{
		Epochs:            100,
		Scheduler:         &ConstantScheduler{},
		Patience:          0,
		Shuffle:           true,
		SampleCount:       100,
		Progress:          os.Stdout,
		EnableCheckpoints: true,
		Checkpoint:        DefaultCheckpointConfig(),
	}
}

// EpochStats summarizes one epoch
type EpochStats struct {
	Epoch int
	// LearningRate is the rate of the epoch's last step
	LearningRate  float64
	TrainLoss     float64
	TrainAccuracy float64
	Steps         int
	// Validation fields are zero when no validation set was given
	ValidLoss     float64
	ValidAccuracy float64
	ValidMacroF1  float64
	Duration      time.Duration
}

// Trainer runs epochs of minibatch updates on a TrainingEngine
type Trainer struct {
	engine      *engine.TrainingEngine
	config      TrainerConfig
	scheduler   LRScheduler
	checkpoints *CheckpointManager
	rng         *rand.Rand

	baseLR     float64
	startEpoch int
	history    []EpochStats

	// early stopping state; Resume seeds bestMonitored from the checkpoint
	bestMonitored float64
	staleEpochs   int
}

// NewTrainer creates a trainer for e
func NewTrainer(e *engine.TrainingEngine, config TrainerConfig) (*Trainer, error) {
	if config.Epochs <= 0 {
		return nil, fmt.Errorf("epochs must be positive, got %d", config.Epochs)
	}
	if config.SampleDir != "" {
		if _, err := hdgm.GridSide(config.SampleCount); err != nil {
			return nil, fmt.Errorf("sample count: %w", err)
		}
	}
	scheduler := config.Scheduler
	if scheduler == nil {
		scheduler = &ConstantScheduler{}
	}
	baseLR := config.BaseLR
	if baseLR <= 0 {
		baseLR = e.Optimizer().GetLearningRate()
	}

	t := &Trainer{
		engine:     e,
		config:     config,
		scheduler:  scheduler,
		rng:        rand.New(rand.NewSource(e.Config().Seed + 1)),
		baseLR:     baseLR,
		startEpoch: 1,

		bestMonitored: math.Inf(1),
	}
	if config.EnableCheckpoints {
		t.checkpoints = NewCheckpointManager(e, config.Checkpoint)
	}
	return t, nil
}

// Resume restores a checkpoint and continues from the epoch after it. The
// checkpoint's best loss becomes the early stopping baseline.
func (t *Trainer) Resume(path string) error {
	cm := t.checkpoints
	if cm == nil {
		cm = NewCheckpointManager(t.engine, t.config.Checkpoint)
	}
	cp, err := cm.LoadCheckpoint(path)
	if err != nil {
		return err
	}
	t.startEpoch = cp.TrainingState.Epoch + 1
	if best := cp.TrainingState.BestLoss; best != 0 {
		t.bestMonitored = best
	}
	t.staleEpochs = 0
	return nil
}

// History returns the statistics of every completed epoch
func (t *Trainer) History() []EpochStats {
	return t.history
}

// Checkpoints returns the checkpoint manager, nil when checkpoints are disabled
func (t *Trainer) Checkpoints() *CheckpointManager {
	return t.checkpoints
}

// Train runs epochs until the configured count, early stopping or ctx
// cancellation. valid may be nil.
func (t *Trainer) Train(ctx context.Context, train, valid *dataset.Dataset) ([]EpochStats, error) {
	cfg := t.engine.Config()
	loader, err := NewDataLoader(train, cfg.BatchSize, cfg.SuperbatchSize, t.config.Shuffle, t.rng)
	if err != nil {
		return t.history, fmt.Errorf("training data: %w", err)
	}
	if loader.NumBatches(false) == 0 {
		return t.history, fmt.Errorf("%d training examples do not fill one batch of %d", train.Len(), cfg.BatchSize)
	}

	klog.Infof("Training for epochs %d-%d: %d examples, %d batches per epoch, %s schedule",
		t.startEpoch, t.config.Epochs, train.Len(), loader.NumBatches(false), t.scheduler.GetName())

	for epoch := t.startEpoch; epoch <= t.config.Epochs; epoch++ {
		stats, err := t.runEpoch(ctx, epoch, loader)
		if err != nil {
			return t.history, err
		}

		monitored := stats.TrainLoss
		monitoredAcc := stats.TrainAccuracy
		if valid != nil {
			ev, err := Evaluate(ctx, t.engine, valid)
			if err != nil {
				return t.history, fmt.Errorf("epoch %d validation: %w", epoch, err)
			}
			stats.ValidLoss = ev.Loss
			stats.ValidAccuracy = ev.Accuracy
			stats.ValidMacroF1 = ev.Confusion.GetMetric(MacroF1)
			monitored, monitoredAcc = ev.Loss, ev.Accuracy
			klog.V(1).Infof("epoch %d confusion matrix:\n%s", epoch, ev.Confusion.Table(valid.ClassNames...))
		}
		if plateau, ok := plateauOf(t.scheduler); ok {
			plateau.Step(monitored, t.baseLR)
		}
		t.history = append(t.history, *stats)
		t.logEpoch(stats, valid != nil)

		if err := t.afterEpoch(epoch, monitored, monitoredAcc); err != nil {
			return t.history, err
		}

		if monitored < t.bestMonitored {
			t.bestMonitored = monitored
			t.staleEpochs = 0
		} else {
			t.staleEpochs++
		}
		if t.config.Patience > 0 && t.staleEpochs >= t.config.Patience {
			klog.Infof("Early stopping at epoch %d: no improvement on %.4f for %d epochs", epoch, t.bestMonitored, t.staleEpochs)
			break
		}
	}
	return t.history, nil
}

func (t *Trainer) runEpoch(ctx context.Context, epoch int, loader *DataLoader) (*EpochStats, error) {
	start := time.Now()
	lr := t.applyLR(epoch)

	var bar *ProgressBar
	if t.config.Progress != nil {
		bar = NewProgressBar(t.config.Progress, fmt.Sprintf("Epoch %d/%d", epoch, t.config.Epochs), loader.NumBatches(false))
	}

	stats := &EpochStats{Epoch: epoch, LearningRate: lr}
	var lossSum, accSum float64
	pf, err := NewPrefetcher(loader, 1)
	if err != nil {
		return nil, err
	}
	if err := pf.Start(ctx); err != nil {
		return nil, err
	}
	defer pf.Stop()
	for {
		sb, err := pf.Next()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, fmt.Errorf("epoch %d interrupted: %w", epoch, ctxErr)
			}
			return nil, err
		}
		if sb == nil {
			break
		}
		for i := 0; i < sb.NumBatches(false); i++ {
			if err := ctx.Err(); err != nil {
				return nil, fmt.Errorf("epoch %d interrupted: %w", epoch, err)
			}
			b, err := sb.Batch(i, false)
			if err != nil {
				return nil, err
			}
			stats.LearningRate = t.applyLR(epoch)
			res, err := t.engine.ExecuteStep(b)
			if err != nil {
				return nil, fmt.Errorf("epoch %d step %d: %w", epoch, stats.Steps, err)
			}
			stats.Steps++
			lossSum += res.Loss
			accSum += res.Accuracy
			if bar != nil {
				bar.Update(stats.Steps, map[string]float64{
					"loss": lossSum / float64(stats.Steps),
					"acc":  accSum / float64(stats.Steps),
				})
			}
		}
	}
	if bar != nil {
		bar.Finish()
	}

	stats.TrainLoss = lossSum / float64(stats.Steps)
	stats.TrainAccuracy = accSum / float64(stats.Steps)
	stats.Duration = time.Since(start)
	return stats, nil
}

// applyLR sets the optimizer's rate for the next step and returns it
func (t *Trainer) applyLR(epoch int) float64 {
	opt := t.engine.Optimizer()
	lr := t.scheduler.GetLR(epoch-1, t.engine.Steps(), t.baseLR)
	if lr != opt.GetLearningRate() {
		opt.UpdateLearningRate(lr)
	}
	return lr
}

// afterEpoch writes checkpoints and the sample grid
func (t *Trainer) afterEpoch(epoch int, loss, accuracy float64) error {
	if cm := t.checkpoints; cm != nil {
		if _, err := cm.SavePeriodicCheckpoint(epoch, loss, accuracy); err != nil {
			return err
		}
		if _, err := cm.SaveBestCheckpoint(epoch, loss, accuracy); err != nil {
			return err
		}
	}

	if t.config.SampleDir == "" {
		return nil
	}
	grid, err := t.engine.GenSamples(t.config.SampleCount)
	if err != nil {
		return fmt.Errorf("generating samples: %w", err)
	}
	if err := os.MkdirAll(t.config.SampleDir, 0o755); err != nil {
		return fmt.Errorf("failed to create sample directory: %w", err)
	}
	path := filepath.Join(t.config.SampleDir, fmt.Sprintf("samples_epoch_%03d.png", epoch))
	if err := preprocessing.SaveGridPNG(path, grid); err != nil {
		return err
	}
	klog.V(1).Infof("Wrote %d samples to %s", t.config.SampleCount, path)
	return nil
}

func (t *Trainer) logEpoch(s *EpochStats, validated bool) {
	if validated {
		klog.Infof("Epoch %d/%d: lr=%.6g train loss=%.4f acc=%.2f%% | valid loss=%.4f acc=%.2f%% macro-F1=%.4f (%v)",
			s.Epoch, t.config.Epochs, s.LearningRate, s.TrainLoss, s.TrainAccuracy*100,
			s.ValidLoss, s.ValidAccuracy*100, s.ValidMacroF1, s.Duration.Round(time.Millisecond))
		return
	}
	klog.Infof("Epoch %d/%d: lr=%.6g train loss=%.4f acc=%.2f%% (%v)",
		s.Epoch, t.config.Epochs, s.LearningRate, s.TrainLoss, s.TrainAccuracy*100, s.Duration.Round(time.Millisecond))
}

// Evaluator is an engine that can score padded batches deterministically.
// Both engine.TrainingEngine and engine.InferenceEngine satisfy it.
type Evaluator interface {
	Evaluate(b *dataset.Batch) (*engine.EvalResult, error)
	Config() hdgm.Config
}

// Evaluation aggregates deterministic results over a whole dataset
type Evaluation struct {
	Loss      float64
	Accuracy  float64
	Examples  int
	Confusion *ConfusionMatrix
}

// Evaluate scores every example of d, padding the final batch of each
// superbatch. Loss is averaged per example.
func Evaluate(ctx context.Context, ev Evaluator, d *dataset.Dataset) (*Evaluation, error) {
	cfg := ev.Config()
	loader, err := NewDataLoader(d, cfg.BatchSize, cfg.SuperbatchSize, false, nil)
	if err != nil {
		return nil, fmt.Errorf("evaluation data: %w", err)
	}

	out := &Evaluation{Confusion: NewConfusionMatrix(cfg.Classes)}
	lossSum := 0.0
	loader.Reset()
	for loader.HasNext() {
		sb, err := loader.Next()
		if err != nil {
			return nil, err
		}
		for i := 0; i < sb.NumBatches(true); i++ {
			if err := ctx.Err(); err != nil {
				return nil, fmt.Errorf("evaluation interrupted: %w", err)
			}
			b, err := sb.Batch(i, true)
			if err != nil {
				return nil, err
			}
			res, err := ev.Evaluate(b)
			if err != nil {
				return nil, err
			}
			lossSum += res.Loss * float64(res.Valid)
			out.Examples += res.Valid
			if err := out.Confusion.UpdateFromPredictions(res.Probs, b.Labels[:res.Valid]); err != nil {
				return nil, err
			}
		}
	}
	if out.Examples > 0 {
		out.Loss = lossSum / float64(out.Examples)
	}
	out.Accuracy = out.Confusion.GetAccuracy()
	return out, nil
}
