package training

import (
	"bytes"
	"context"
	"errors"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/tsawler/go-hdgm/checkpoints"
	"github.com/tsawler/go-hdgm/engine"
	"github.com/tsawler/go-hdgm/hdgm"
	"github.com/tsawler/go-hdgm/vision/dataset"
)

func smallEngine(t *testing.T) *engine.TrainingEngine {
	t.Helper()
	cfg := hdgm.DefaultConfig()
	cfg.InputDim = 16
	cfg.Classes = 3
	cfg.BatchSize = 4
	cfg.SuperbatchSize = 8
	cfg.Seed = 11
	e, err := engine.NewTrainingEngine(cfg)
	if err != nil {
		t.Fatalf("NewTrainingEngine failed: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func randomData(n int, seed int64) *dataset.Dataset {
	return dataset.NewRandom(n, 3, 1, 16, rand.New(rand.NewSource(seed)))
}

func TestTrainerRunsEpochs(t *testing.T) {
	dir := t.TempDir()
	e := smallEngine(t)

	config := DefaultTrainerConfig()
	config.Epochs = 2
	config.Progress = &bytes.Buffer{}
	config.SampleDir = filepath.Join(dir, "samples")
	config.SampleCount = 4
	config.Checkpoint = CheckpointConfig{
		SaveDirectory:  filepath.Join(dir, "ckpt"),
		SaveFrequency:  1,
		SaveBest:       true,
		MaxCheckpoints: 1,
		Format:         checkpoints.FormatProto,
	}

	tr, err := NewTrainer(e, config)
	if err != nil {
		t.Fatalf("NewTrainer failed: %v", err)
	}
	history, err := tr.Train(context.Background(), randomData(10, 1), randomData(5, 2))
	if err != nil {
		t.Fatalf("Train failed: %v", err)
	}

	if len(history) != 2 {
		t.Fatalf("Expected 2 epochs of history, got %d", len(history))
	}
	for _, s := range history {
		// 10 examples in superbatches of 8 and 2 give two full batches
		if s.Steps != 2 {
			t.Errorf("Epoch %d: expected 2 steps, got %d", s.Epoch, s.Steps)
		}
		if s.ValidAccuracy < 0 || s.ValidAccuracy > 1 {
			t.Errorf("Epoch %d: expected validation accuracy in [0, 1], got %v", s.Epoch, s.ValidAccuracy)
		}
	}
	if e.Steps() != 4 {
		t.Errorf("Expected 4 engine steps, got %d", e.Steps())
	}

	for _, name := range []string{"samples_epoch_001.png", "samples_epoch_002.png"} {
		if _, err := os.Stat(filepath.Join(config.SampleDir, name)); err != nil {
			t.Errorf("Expected sample grid %s: %v", name, err)
		}
	}
	if _, err := os.Stat(tr.Checkpoints().BestPath()); err != nil {
		t.Errorf("Expected best checkpoint: %v", err)
	}
	periodic, _ := filepath.Glob(filepath.Join(config.Checkpoint.SaveDirectory, "checkpoint_epoch_*.pb"))
	if len(periodic) != 1 {
		t.Errorf("Expected cleanup to keep 1 periodic checkpoint, got %v", periodic)
	}
}

func TestTrainerResume(t *testing.T) {
	dir := t.TempDir()
	e := smallEngine(t)

	config := DefaultTrainerConfig()
	config.Epochs = 1
	config.Progress = nil
	config.Checkpoint = CheckpointConfig{SaveDirectory: dir, SaveFrequency: 1, Format: checkpoints.FormatJSON}
	tr, err := NewTrainer(e, config)
	if err != nil {
		t.Fatalf("NewTrainer failed: %v", err)
	}
	if _, err := tr.Train(context.Background(), randomData(8, 3), nil); err != nil {
		t.Fatalf("Train failed: %v", err)
	}
	path := filepath.Join(dir, "checkpoint_epoch_1_step_2.json")
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("Expected periodic checkpoint: %v", err)
	}

	resumed := smallEngine(t)
	config.Epochs = 2
	config.EnableCheckpoints = false
	tr2, err := NewTrainer(resumed, config)
	if err != nil {
		t.Fatalf("NewTrainer failed: %v", err)
	}
	if err := tr2.Resume(path); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if resumed.Optimizer().GetStepCount() != 2 {
		t.Errorf("Expected restored optimizer step count 2, got %d", resumed.Optimizer().GetStepCount())
	}

	history, err := tr2.Train(context.Background(), randomData(8, 3), nil)
	if err != nil {
		t.Fatalf("Train failed: %v", err)
	}
	if len(history) != 1 || history[0].Epoch != 2 {
		t.Errorf("Expected to run only epoch 2, got %+v", history)
	}
}

func TestTrainerHonorsCancellation(t *testing.T) {
	e := smallEngine(t)
	config := DefaultTrainerConfig()
	config.Epochs = 3
	config.Progress = nil
	config.EnableCheckpoints = false
	tr, err := NewTrainer(e, config)
	if err != nil {
		t.Fatalf("NewTrainer failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := tr.Train(ctx, randomData(8, 4), nil); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if e.Steps() != 0 {
		t.Errorf("Expected no steps after cancellation, got %d", e.Steps())
	}
}

func TestTrainerRejectsTinyDataset(t *testing.T) {
	e := smallEngine(t)
	config := DefaultTrainerConfig()
	config.Progress = nil
	config.EnableCheckpoints = false
	tr, _ := NewTrainer(e, config)
	if _, err := tr.Train(context.Background(), randomData(3, 5), nil); err == nil {
		t.Error("Expected error when the dataset does not fill one batch")
	}
}

func TestNewTrainerValidation(t *testing.T) {
	e := smallEngine(t)
	config := DefaultTrainerConfig()
	config.Epochs = 0
	if _, err := NewTrainer(e, config); err == nil {
		t.Error("Expected error for zero epochs")
	}

	config = DefaultTrainerConfig()
	config.SampleDir = t.TempDir()
	config.SampleCount = 5
	if _, err := NewTrainer(e, config); !errors.Is(err, hdgm.ErrNotSquare) {
		t.Errorf("Expected ErrNotSquare, got %v", err)
	}
}

func TestEvaluateDataset(t *testing.T) {
	e := smallEngine(t)
	ev, err := Evaluate(context.Background(), e, randomData(7, 6))
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if ev.Examples != 7 || ev.Confusion.TotalSamples != 7 {
		t.Errorf("Expected 7 examples, got %d (confusion %d)", ev.Examples, ev.Confusion.TotalSamples)
	}
	if ev.Accuracy < 0 || ev.Accuracy > 1 {
		t.Errorf("Expected accuracy in [0, 1], got %v", ev.Accuracy)
	}
}

func TestTrainerWarmupUpdatesEveryStep(t *testing.T) {
	e := smallEngine(t)
	config := DefaultTrainerConfig()
	config.Epochs = 1
	config.BaseLR = 0.01
	config.Scheduler = NewWarmupScheduler(4, &ConstantScheduler{})
	config.Progress = nil
	config.EnableCheckpoints = false
	tr, err := NewTrainer(e, config)
	if err != nil {
		t.Fatalf("NewTrainer failed: %v", err)
	}

	history, err := tr.Train(context.Background(), randomData(8, 4), nil)
	if err != nil {
		t.Fatalf("Train failed: %v", err)
	}
	// Two steps: the second runs at 2/4 of the base rate.
	if lr := e.Optimizer().GetLearningRate(); math.Abs(lr-0.005) > 1e-12 {
		t.Errorf("Expected optimizer LR 0.005, got %g", lr)
	}
	if len(history) != 1 || math.Abs(history[0].LearningRate-0.005) > 1e-12 {
		t.Errorf("Expected one epoch ending at LR 0.005, got %+v", history)
	}
}

func TestTrainerResumeKeepsBestLoss(t *testing.T) {
	dir := t.TempDir()
	cm := NewCheckpointManager(smallEngine(t), CheckpointConfig{SaveDirectory: dir, SaveBest: true, Format: checkpoints.FormatJSON})
	// No real epoch reaches this loss, so the resumed run never improves on it.
	if saved, err := cm.SaveBestCheckpoint(1, 1e-9, 0); err != nil || !saved {
		t.Fatalf("SaveBestCheckpoint failed: saved=%v err=%v", saved, err)
	}

	config := DefaultTrainerConfig()
	config.Epochs = 4
	config.Patience = 1
	config.Progress = nil
	config.EnableCheckpoints = false
	tr, err := NewTrainer(smallEngine(t), config)
	if err != nil {
		t.Fatalf("NewTrainer failed: %v", err)
	}
	if err := tr.Resume(cm.BestPath()); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}

	history, err := tr.Train(context.Background(), randomData(8, 5), nil)
	if err != nil {
		t.Fatalf("Train failed: %v", err)
	}
	if len(history) != 1 || history[0].Epoch != 2 {
		t.Errorf("Expected early stop after epoch 2, got %+v", history)
	}
}
