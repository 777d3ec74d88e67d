package training

import (
	"fmt"

	"github.com/tsawler/go-vp/checkpoints"
	"github.com/tsawler/go-vp/optimizer"
	"github.com/tsawler/go-vp/prompt"
)

// RunState is everything a snapshot captures from a live run.
type RunState struct {
	Prompt      *prompt.ExpansiveVisualPrompt
	Optimizer   optimizer.Optimizer
	Scaler      *optimizer.GradScaler
	Sequence    []int
	Epoch       int
	Step        int
	TotalEpochs int
}

// CheckpointManager writes ckpt.pth after every epoch and best.pth when
// evaluation accuracy strictly improves.
type CheckpointManager struct {
	store        *checkpoints.Store
	metadata     checkpoints.CheckpointMetadata
	bestAccuracy float64
}

// NewCheckpointManager starts with a best accuracy of zero. metadata is
// copied into every snapshot; an empty RunID is filled on first save and
// then kept for the rest of the run.
func NewCheckpointManager(store *checkpoints.Store, metadata checkpoints.CheckpointMetadata) *CheckpointManager {
	return &CheckpointManager{store: store, metadata: metadata}
}

func (cm *CheckpointManager) Store() *checkpoints.Store { return cm.store }
func (cm *CheckpointManager) BestAccuracy() float64     { return cm.bestAccuracy }

// Snapshot captures state with the current best accuracy.
func (cm *CheckpointManager) Snapshot(state RunState) (*checkpoints.Checkpoint, error) {
	c := &checkpoints.Checkpoint{
		TrainingState: checkpoints.TrainingState{
			Epoch:        state.Epoch,
			Step:         state.Step,
			BestAccuracy: cm.bestAccuracy,
			TotalEpochs:  state.TotalEpochs,
		},
		MappingSequence: append([]int(nil), state.Sequence...),
		Metadata:        cm.metadata,
	}
	c.Metadata.Tags = append([]string(nil), cm.metadata.Tags...)

	for _, st := range state.Prompt.StateDict() {
		c.Prompt = append(c.Prompt, checkpoints.WeightTensor{Name: st.Name, Shape: st.Shape, Data: st.Data})
	}
	if state.Optimizer != nil {
		c.TrainingState.LearningRate = state.Optimizer.GetLR()
		optState, err := state.Optimizer.GetState()
		if err != nil {
			return nil, fmt.Errorf("failed to capture optimizer state: %w", err)
		}
		c.OptimizerState = optState.ToCheckpoint()
	}
	if state.Scaler != nil && state.Scaler.Enabled() {
		s := state.Scaler.State()
		c.Scaler = &checkpoints.ScalerState{Scale: s.Scale, GrowthTracker: s.GrowthTracker}
	}
	return c, nil
}

// Record updates the best accuracy, then writes ckpt.pth and, on a strict
// improvement, best.pth. It reports whether best.pth was written.
func (cm *CheckpointManager) Record(state RunState, accuracy float64) (bool, error) {
	improved := accuracy > cm.bestAccuracy
	if improved {
		cm.bestAccuracy = accuracy
	}
	c, err := cm.Snapshot(state)
	if err != nil {
		return false, err
	}
	if err := cm.store.SaveLatest(c); err != nil {
		return false, fmt.Errorf("failed to save latest checkpoint: %w", err)
	}
	cm.metadata.RunID = c.Metadata.RunID
	if improved {
		if err := cm.store.SaveBest(c); err != nil {
			return false, fmt.Errorf("failed to save best checkpoint: %w", err)
		}
	}
	return improved, nil
}

// Restore loads a snapshot into the live components and adopts its best
// accuracy and run id. Components passed as nil are skipped.
func (cm *CheckpointManager) Restore(c *checkpoints.Checkpoint, state RunState) error {
	if state.Prompt != nil {
		st := make([]prompt.StateTensor, len(c.Prompt))
		for i, w := range c.Prompt {
			st[i] = prompt.StateTensor{Name: w.Name, Shape: w.Shape, Data: w.Data}
		}
		if err := state.Prompt.LoadStateDict(st); err != nil {
			return fmt.Errorf("failed to restore prompt: %w", err)
		}
	}
	if state.Optimizer != nil && c.OptimizerState != nil {
		if err := state.Optimizer.LoadState(optimizer.FromCheckpoint(c.OptimizerState)); err != nil {
			return fmt.Errorf("failed to restore optimizer: %w", err)
		}
	}
	if state.Scaler != nil && c.Scaler != nil {
		if err := state.Scaler.LoadState(optimizer.ScalerState{Scale: c.Scaler.Scale, GrowthTracker: c.Scaler.GrowthTracker}); err != nil {
			return fmt.Errorf("failed to restore grad scaler: %w", err)
		}
	}
	cm.bestAccuracy = c.TrainingState.BestAccuracy
	if c.Metadata.RunID != "" {
		cm.metadata.RunID = c.Metadata.RunID
	}
	return nil
}
