package optimizer

import (
	"fmt"
	"math"
	"sync"

	"github.com/tsawler/go-vp/checkpoints"
	"github.com/tsawler/go-vp/tensor"
)

// AdamConfig holds configuration for Adam optimizer
type AdamConfig struct {
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64
	WeightDecay  float64
}

// DefaultAdamConfig returns default Adam optimizer configuration
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{
		LearningRate: 0.001,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
		WeightDecay:  0.0,
	}
}

// Adam implements the Adam optimizer with L2 weight decay added to the
// gradient.
type Adam struct {
	parameters []*tensor.Tensor
	config     AdamConfig
	step       uint64
	m          [][]float32 // first moment per parameter
	v          [][]float32 // second moment per parameter
	mutex      sync.RWMutex
}

// NewAdam creates an Adam optimizer over parameters. Every parameter must
// be a Float32 tensor that requires grad.
func NewAdam(parameters []*tensor.Tensor, config AdamConfig) (*Adam, error) {
	if len(parameters) == 0 {
		return nil, fmt.Errorf("no parameters provided")
	}
	if config.LearningRate < 0 {
		return nil, fmt.Errorf("learning rate must be non-negative, got %f", config.LearningRate)
	}
	if config.Beta1 < 0 || config.Beta1 >= 1 || config.Beta2 < 0 || config.Beta2 >= 1 {
		return nil, fmt.Errorf("betas must be in [0, 1), got %f and %f", config.Beta1, config.Beta2)
	}

	adam := &Adam{
		parameters: parameters,
		config:     config,
		m:          make([][]float32, len(parameters)),
		v:          make([][]float32, len(parameters)),
	}
	for i, p := range parameters {
		if p.DType != tensor.Float32 {
			return nil, fmt.Errorf("parameter %d is %s, Adam requires Float32", i, p.DType)
		}
		if !p.RequiresGrad() {
			return nil, fmt.Errorf("parameter %d does not require grad", i)
		}
		adam.m[i] = make([]float32, p.NumElems)
		adam.v[i] = make([]float32, p.NumElems)
	}
	return adam, nil
}

// Step performs a single optimization step. Parameters without a gradient
// are left untouched.
func (adam *Adam) Step() error {
	adam.mutex.Lock()
	defer adam.mutex.Unlock()

	adam.step++
	bias1 := 1.0 - math.Pow(adam.config.Beta1, float64(adam.step))
	bias2 := 1.0 - math.Pow(adam.config.Beta2, float64(adam.step))
	b1, b2 := adam.config.Beta1, adam.config.Beta2

	for i, param := range adam.parameters {
		grad := param.Grad()
		if grad == nil {
			continue
		}
		g, err := grad.GetFloat32Data()
		if err != nil {
			return fmt.Errorf("parameter %d: %v", i, err)
		}
		w := param.Data.([]float32)
		if len(g) != len(w) {
			return fmt.Errorf("parameter %d: gradient has %d elements, expected %d", i, len(g), len(w))
		}
		m, v := adam.m[i], adam.v[i]

		for j := range w {
			gj := float64(g[j])
			if adam.config.WeightDecay != 0 {
				gj += adam.config.WeightDecay * float64(w[j])
			}
			mj := b1*float64(m[j]) + (1-b1)*gj
			vj := b2*float64(v[j]) + (1-b2)*gj*gj
			m[j], v[j] = float32(mj), float32(vj)

			mHat := mj / bias1
			vHat := vj / bias2
			w[j] = float32(float64(w[j]) - adam.config.LearningRate*mHat/(math.Sqrt(vHat)+adam.config.Epsilon))
		}
	}
	return nil
}

// ZeroGrad resets gradients to zero for all parameters
func (adam *Adam) ZeroGrad() {
	tensor.ZeroGrad(adam.parameters)
}

func (adam *Adam) Parameters() []*tensor.Tensor {
	return adam.parameters
}

// GetLR returns the current learning rate
func (adam *Adam) GetLR() float64 {
	adam.mutex.RLock()
	defer adam.mutex.RUnlock()
	return adam.config.LearningRate
}

// SetLR sets the learning rate
func (adam *Adam) SetLR(lr float64) {
	adam.mutex.Lock()
	defer adam.mutex.Unlock()
	adam.config.LearningRate = lr
}

func (adam *Adam) GetStepCount() uint64 {
	adam.mutex.RLock()
	defer adam.mutex.RUnlock()
	return adam.step
}

// GetState extracts optimizer state for checkpointing
func (adam *Adam) GetState() (*OptimizerState, error) {
	adam.mutex.RLock()
	defer adam.mutex.RUnlock()

	state := &OptimizerState{
		Type: "Adam",
		Parameters: map[string]interface{}{
			"learning_rate": adam.config.LearningRate,
			"beta1":         adam.config.Beta1,
			"beta2":         adam.config.Beta2,
			"epsilon":       adam.config.Epsilon,
			"weight_decay":  adam.config.WeightDecay,
			"step_count":    float64(adam.step),
		},
	}
	for i, p := range adam.parameters {
		shape := p.Size()
		state.StateData = append(state.StateData,
			checkpoints.OptimizerTensor{
				Name:      fmt.Sprintf("momentum_%d", i),
				Shape:     shape,
				Data:      append([]float32(nil), adam.m[i]...),
				StateType: "momentum",
			},
			checkpoints.OptimizerTensor{
				Name:      fmt.Sprintf("variance_%d", i),
				Shape:     shape,
				Data:      append([]float32(nil), adam.v[i]...),
				StateType: "variance",
			},
		)
	}
	return state, nil
}

// LoadState restores optimizer state from checkpoint
func (adam *Adam) LoadState(state *OptimizerState) error {
	if err := validateStateType("Adam", state); err != nil {
		return err
	}

	adam.mutex.Lock()
	defer adam.mutex.Unlock()

	m := make([][]float32, len(adam.parameters))
	v := make([][]float32, len(adam.parameters))
	for _, st := range state.StateData {
		idx := extractBufferIndex(st.Name)
		if idx < 0 || idx >= len(adam.parameters) {
			return fmt.Errorf("invalid state tensor %q", st.Name)
		}
		if len(st.Data) != adam.parameters[idx].NumElems {
			return fmt.Errorf("data size mismatch for %s: expected %d elements, got %d",
				st.Name, adam.parameters[idx].NumElems, len(st.Data))
		}
		data := append([]float32(nil), st.Data...)
		switch st.StateType {
		case "momentum":
			m[idx] = data
		case "variance":
			v[idx] = data
		default:
			return fmt.Errorf("unknown state type %q for %s", st.StateType, st.Name)
		}
	}
	for i := range adam.parameters {
		if m[i] == nil || v[i] == nil {
			return fmt.Errorf("missing moment state for parameter %d", i)
		}
	}

	p := state.Parameters
	adam.config.LearningRate = extractFloat64Param(p, "learning_rate", adam.config.LearningRate)
	adam.config.Beta1 = extractFloat64Param(p, "beta1", adam.config.Beta1)
	adam.config.Beta2 = extractFloat64Param(p, "beta2", adam.config.Beta2)
	adam.config.Epsilon = extractFloat64Param(p, "epsilon", adam.config.Epsilon)
	adam.config.WeightDecay = extractFloat64Param(p, "weight_decay", adam.config.WeightDecay)
	adam.step = extractUint64Param(p, "step_count", 0)
	adam.m, adam.v = m, v
	return nil
}
