package optimizer

import (
	"fmt"

	"github.com/tsawler/go-vp/checkpoints"
	"github.com/tsawler/go-vp/tensor"
)

// Optimizer updates a fixed list of trainable tensors from their
// accumulated gradients and exposes its state for checkpointing.
type Optimizer interface {
	// Step performs a single optimization step
	Step() error

	// ZeroGrad clears the gradients of every managed parameter
	ZeroGrad()

	// Parameters returns the managed tensors in registration order
	Parameters() []*tensor.Tensor

	GetLR() float64
	SetLR(lr float64)

	// GetStepCount returns the number of completed steps
	GetStepCount() uint64

	// GetState extracts optimizer state for checkpointing
	GetState() (*OptimizerState, error)

	// LoadState restores optimizer state from checkpoint
	LoadState(state *OptimizerState) error
}

// OptimizerState represents the complete state of an optimizer
type OptimizerState struct {
	Type       string                        `json:"type"`
	Parameters map[string]interface{}        `json:"parameters"`
	StateData  []checkpoints.OptimizerTensor `json:"state_data"`
}

// ToCheckpoint converts the state for storage in a snapshot.
func (s *OptimizerState) ToCheckpoint() *checkpoints.OptimizerState {
	if s == nil {
		return nil
	}
	return &checkpoints.OptimizerState{Type: s.Type, Parameters: s.Parameters, StateData: s.StateData}
}

// FromCheckpoint is the inverse of ToCheckpoint.
func FromCheckpoint(s *checkpoints.OptimizerState) *OptimizerState {
	if s == nil {
		return nil
	}
	return &OptimizerState{Type: s.Type, Parameters: s.Parameters, StateData: s.StateData}
}

// extractBufferIndex extracts the parameter index from state tensor names
// like "momentum_0" or "variance_1".
func extractBufferIndex(name string) int {
	lastUnderscoreIdx := -1
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '_' {
			lastUnderscoreIdx = i
			break
		}
	}
	if lastUnderscoreIdx == -1 {
		return -1
	}

	var idx int
	if n, err := fmt.Sscanf(name[lastUnderscoreIdx+1:], "%d", &idx); n == 1 && err == nil {
		return idx
	}
	return -1
}

// validateStateType ensures the state type matches the optimizer
func validateStateType(optimizerType string, state *OptimizerState) error {
	if state == nil {
		return fmt.Errorf("optimizer state is nil")
	}
	if state.Type != optimizerType {
		return fmt.Errorf("state type mismatch: expected %s, got %s", optimizerType, state.Type)
	}
	return nil
}
