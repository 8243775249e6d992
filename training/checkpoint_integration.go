package training

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"k8s.io/klog/v2"

	"github.com/tsawler/go-hdgm/checkpoints"
	"github.com/tsawler/go-hdgm/engine"
	"github.com/tsawler/go-hdgm/layers"
)

// CheckpointConfig configures checkpoint saving behavior
type CheckpointConfig struct {
	SaveDirectory   string                       // Directory to save checkpoints
	SaveFrequency   int                          // Save every N epochs (0 = disabled)
	SaveBest        bool                         // Save checkpoint when validation improves
	MaxCheckpoints  int                          // Maximum number of periodic checkpoints to keep (0 = unlimited)
	Format          checkpoints.CheckpointFormat // JSON or protobuf wire
	FilenamePattern string                       // Pattern for checkpoint filenames
}

// DefaultCheckpointConfig returns a sensible default configuration
func DefaultCheckpointConfig() CheckpointConfig {
	return CheckpointConfig{
		SaveDirectory:   "./checkpoints",
		SaveFrequency:   5,
		SaveBest:        true,
		MaxCheckpoints:  10,
		Format:          checkpoints.FormatProto,
		FilenamePattern: "checkpoint_epoch_%d_step_%d",
	}
}

// CheckpointManager saves and restores a TrainingEngine's weights, optimizer
// state and training progress
type CheckpointManager struct {
	config       CheckpointConfig
	engine       *engine.TrainingEngine
	saver        *checkpoints.CheckpointSaver
	bestLoss     float64
	bestAccuracy float64
	savedFiles   []string // periodic checkpoints, oldest first
}

// NewCheckpointManager creates a new checkpoint manager
func NewCheckpointManager(e *engine.TrainingEngine, config CheckpointConfig) *CheckpointManager {
	return &CheckpointManager{
		config:   config,
		engine:   e,
		saver:    checkpoints.NewCheckpointSaver(config.Format),
		bestLoss: math.Inf(1),
	}
}

// SaveCheckpoint writes the current state to a numbered file and returns its path
func (cm *CheckpointManager) SaveCheckpoint(epoch int, loss, accuracy float64, description string) (string, error) {
	path := filepath.Join(cm.config.SaveDirectory, cm.generateFilename(epoch, cm.engine.Steps()))
	if err := cm.save(path, epoch, description); err != nil {
		return "", err
	}
	cm.savedFiles = append(cm.savedFiles, path)

	if err := cm.cleanupOldCheckpoints(); err != nil {
		klog.Warningf("failed to cleanup old checkpoints: %v", err)
	}
	klog.Infof("Saved checkpoint %s (loss %.4f, accuracy %.2f%%)", path, loss, accuracy*100)
	return path, nil
}

// SaveBestCheckpoint saves best_checkpoint when loss or accuracy improves on
// the best seen so far
func (cm *CheckpointManager) SaveBestCheckpoint(epoch int, loss, accuracy float64) (bool, error) {
	if !cm.config.SaveBest {
		return false, nil
	}
	isBetterLoss := loss < cm.bestLoss
	isBetterAccuracy := accuracy > cm.bestAccuracy
	if !isBetterLoss && !isBetterAccuracy {
		return false, nil
	}
	if isBetterLoss {
		cm.bestLoss = loss
	}
	if isBetterAccuracy {
		cm.bestAccuracy = accuracy
	}

	description := fmt.Sprintf("Best checkpoint - Loss: %.6f, Accuracy: %.2f%%", loss, accuracy*100)
	path := cm.BestPath()
	if err := cm.save(path, epoch, description); err != nil {
		return false, fmt.Errorf("failed to save best checkpoint: %w", err)
	}
	klog.Infof("Saved best checkpoint %s at epoch %d", path, epoch)
	return true, nil
}

// SavePeriodicCheckpoint saves a checkpoint every SaveFrequency epochs
func (cm *CheckpointManager) SavePeriodicCheckpoint(epoch int, loss, accuracy float64) (bool, error) {
	if cm.config.SaveFrequency <= 0 || epoch%cm.config.SaveFrequency != 0 {
		return false, nil
	}
	description := fmt.Sprintf("Periodic checkpoint - Epoch %d", epoch)
	if _, err := cm.SaveCheckpoint(epoch, loss, accuracy, description); err != nil {
		return false, err
	}
	return true, nil
}

// BestPath returns where the best checkpoint is written
func (cm *CheckpointManager) BestPath() string {
	return filepath.Join(cm.config.SaveDirectory, "best_checkpoint."+cm.config.Format.Extension())
}

// LoadCheckpoint restores weights, optimizer state and best metrics from
// path. The returned checkpoint carries the epoch to resume from.
func (cm *CheckpointManager) LoadCheckpoint(path string) (*checkpoints.Checkpoint, error) {
	cp, err := checkpoints.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	if err := cm.restore(cp); err != nil {
		return nil, fmt.Errorf("failed to restore trainer state: %w", err)
	}
	klog.Infof("Restored checkpoint %s from epoch %d", path, cp.TrainingState.Epoch)
	return cp, nil
}

// BestMetrics returns the best validation loss and accuracy recorded
func (cm *CheckpointManager) BestMetrics() (float64, float64) {
	return cm.bestLoss, cm.bestAccuracy
}

func (cm *CheckpointManager) save(path string, epoch int, description string) error {
	cp, err := cm.createCheckpoint(epoch, description)
	if err != nil {
		return fmt.Errorf("failed to create checkpoint: %w", err)
	}
	if err := os.MkdirAll(cm.config.SaveDirectory, 0o755); err != nil {
		return fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	if err := cm.saver.SaveCheckpoint(cp, path); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

func (cm *CheckpointManager) createCheckpoint(epoch int, description string) (*checkpoints.Checkpoint, error) {
	modelConfig, err := json.Marshal(cm.engine.Config())
	if err != nil {
		return nil, fmt.Errorf("failed to encode model configuration: %w", err)
	}
	optimizerState, err := cm.engine.Optimizer().GetState()
	if err != nil {
		return nil, fmt.Errorf("failed to extract optimizer state: %w", err)
	}

	// JSON cannot encode +Inf
	bestLoss := cm.bestLoss
	if math.IsInf(bestLoss, 0) {
		bestLoss = 0
	}
	steps := cm.engine.Steps()
	return &checkpoints.Checkpoint{
		ModelSpec: cm.engine.Spec(),
		Weights:   cm.engine.ExportWeights(),
		TrainingState: checkpoints.TrainingState{
			Epoch:        epoch,
			Step:         steps,
			LearningRate: cm.engine.Optimizer().GetLearningRate(),
			BestLoss:     bestLoss,
			BestAccuracy: cm.bestAccuracy,
			TotalSteps:   steps,
		},
		OptimizerState: optimizerState,
		ModelConfig:    modelConfig,
		Metadata: checkpoints.CheckpointMetadata{
			Version:     checkpoints.Version,
			Framework:   checkpoints.Framework,
			CreatedAt:   time.Now(),
			Description: description,
			Tags:        []string{fmt.Sprintf("epoch_%d", epoch)},
		},
	}, nil
}

func (cm *CheckpointManager) restore(cp *checkpoints.Checkpoint) error {
	if cp.ModelSpec != nil && !modelsCompatible(cm.engine.Spec(), cp.ModelSpec) {
		return fmt.Errorf("checkpoint model architecture incompatible with current engine")
	}
	if err := cm.engine.ImportWeights(cp.Weights); err != nil {
		return err
	}
	if cp.OptimizerState != nil {
		if err := cm.engine.Optimizer().LoadState(cp.OptimizerState); err != nil {
			return fmt.Errorf("failed to restore optimizer state: %w", err)
		}
	}
	if cp.TrainingState.BestLoss != 0 {
		cm.bestLoss = cp.TrainingState.BestLoss
	}
	cm.bestAccuracy = cp.TrainingState.BestAccuracy
	return nil
}

func (cm *CheckpointManager) generateFilename(epoch int, step int) string {
	pattern := cm.config.FilenamePattern
	if pattern == "" {
		pattern = "checkpoint_epoch_%d_step_%d"
	}
	return fmt.Sprintf(pattern, epoch, step) + "." + cm.config.Format.Extension()
}

func (cm *CheckpointManager) cleanupOldCheckpoints() error {
	if cm.config.MaxCheckpoints <= 0 || len(cm.savedFiles) <= cm.config.MaxCheckpoints {
		return nil
	}
	toRemove := len(cm.savedFiles) - cm.config.MaxCheckpoints
	for i := 0; i < toRemove; i++ {
		if err := os.Remove(cm.savedFiles[i]); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove old checkpoint %s: %w", cm.savedFiles[i], err)
		}
	}
	cm.savedFiles = cm.savedFiles[toRemove:]
	return nil
}

// modelsCompatible reports whether two specs declare the same parameters
// with the same shapes
func modelsCompatible(a, b *layers.ModelSpec) bool {
	pa, pb := a.AllParams(), b.AllParams()
	if len(pa) != len(pb) {
		return false
	}
	for i := range pa {
		if pa[i].Name != pb[i].Name || len(pa[i].Shape) != len(pb[i].Shape) {
			return false
		}
		for k := range pa[i].Shape {
			if pa[i].Shape[k] != pb[i].Shape[k] {
				return false
			}
		}
	}
	return true
}
