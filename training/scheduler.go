package training

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// LRScheduler maps an epoch to a learning rate. Implementations are pure
// functions of their configuration so a resumed run recomputes the same
// rate from the epoch alone.
type LRScheduler interface {
	// GetLR returns the learning rate for the current epoch/step
	GetLR(epoch int, step int, baseLR float64) float64

	// GetName returns the scheduler name for logging
	GetName() string
}

// MultiStepLRScheduler multiplies the rate by Gamma once for every
// milestone the epoch has reached.
type MultiStepLRScheduler struct {
	Milestones []int
	Gamma      float64
}

// NewMultiStepLRScheduler sorts milestones; gamma outside (0, 1) falls back to 0.1.
func NewMultiStepLRScheduler(milestones []int, gamma float64) *MultiStepLRScheduler {
	ms := append([]int(nil), milestones...)
	sort.Ints(ms)
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.1
	}
	return &MultiStepLRScheduler{Milestones: ms, Gamma: gamma}
}

// DefaultMilestones are half and 72% of the run.
func DefaultMilestones(epochs int) []int {
	return []int{int(0.5 * float64(epochs)), int(0.72 * float64(epochs))}
}

func (s *MultiStepLRScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	passed := 0
	for _, m := range s.Milestones {
		if epoch >= m {
			passed++
		}
	}
	return baseLR * math.Pow(s.Gamma, float64(passed))
}

func (s *MultiStepLRScheduler) GetName() string {
	return "MultiStepLR"
}

// StepLRScheduler reduces learning rate by a factor every stepSize epochs
type StepLRScheduler struct {
	StepSize int     // Epochs between LR reductions
	Gamma    float64 // Multiplicative factor of LR decay
}

func NewStepLRScheduler(stepSize int, gamma float64) *StepLRScheduler {
	if stepSize <= 0 {
		stepSize = 30
	}
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.1
	}
	return &StepLRScheduler{StepSize: stepSize, Gamma: gamma}
}

func (s *StepLRScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	return baseLR * math.Pow(s.Gamma, float64(epoch/s.StepSize))
}

func (s *StepLRScheduler) GetName() string {
	return "StepLR"
}

// CosineAnnealingLRScheduler implements cosine annealing schedule
type CosineAnnealingLRScheduler struct {
	TMax   int     // Maximum number of epochs
	EtaMin float64 // Minimum learning rate
}

func NewCosineAnnealingLRScheduler(tMax int, etaMin float64) *CosineAnnealingLRScheduler {
	if tMax <= 0 {
		tMax = 100
	}
	if etaMin < 0 {
		etaMin = 0
	}
	return &CosineAnnealingLRScheduler{TMax: tMax, EtaMin: etaMin}
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

// NoOpScheduler maintains constant learning rate
type NoOpScheduler struct{}

func (s *NoOpScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	return baseLR
}

func (s *NoOpScheduler) GetName() string {
	return "ConstantLR"
}

// NewScheduler builds a scheduler by name for a run of epochs. The empty
// name selects MultiStepLR at DefaultMilestones.
func NewScheduler(name string, epochs int) (LRScheduler, error) {
	switch strings.ToLower(name) {
	case "", "multistep":
		return NewMultiStepLRScheduler(DefaultMilestones(epochs), 0.1), nil
	case "step":
		return NewStepLRScheduler(epochs/3, 0.1), nil
	case "cosine":
		return NewCosineAnnealingLRScheduler(epochs, 0), nil
	case "constant":
		return &NoOpScheduler{}, nil
	default:
		return nil, fmt.Errorf("unsupported scheduler %q", name)
	}
}
