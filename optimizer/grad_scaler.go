package optimizer

import (
	"fmt"
	"math"

	"github.com/sirupsen/logrus"

	"github.com/tsawler/go-vp/tensor"
)

// Float16Max is the largest finite half-precision value.
const Float16Max = 65504.0

// GradScalerConfig mirrors the dynamic loss scaling policy of mixed
// precision training.
type GradScalerConfig struct {
	Enabled        bool
	InitScale      float64
	GrowthFactor   float64
	BackoffFactor  float64
	GrowthInterval int
}

func DefaultGradScalerConfig() GradScalerConfig {
	return GradScalerConfig{
		Enabled:        true,
		InitScale:      65536.0,
		GrowthFactor:   2.0,
		BackoffFactor:  0.5,
		GrowthInterval: 2000,
	}
}

// ScalerState is the checkpointed part of a GradScaler.
type ScalerState struct {
	Scale         float64 `json:"scale"`
	GrowthTracker int     `json:"growth_tracker"`
}

// GradScaler scales the loss before backward, unscales gradients before the
// optimizer step and skips steps whose scaled gradients overflow half
// precision. The scale backs off on overflow and grows after
// GrowthInterval clean steps.
type GradScaler struct {
	config        GradScalerConfig
	scale         float64
	growthTracker int
	foundInf      bool
	unscaled      bool
	logger        logrus.FieldLogger
}

func NewGradScaler(config GradScalerConfig, logger logrus.FieldLogger) (*GradScaler, error) {
	if config.Enabled {
		if config.InitScale <= 0 {
			return nil, fmt.Errorf("initial scale must be positive, got %f", config.InitScale)
		}
		if config.GrowthFactor <= 1 {
			return nil, fmt.Errorf("growth factor must be > 1, got %f", config.GrowthFactor)
		}
		if config.BackoffFactor <= 0 || config.BackoffFactor >= 1 {
			return nil, fmt.Errorf("backoff factor must be in (0, 1), got %f", config.BackoffFactor)
		}
		if config.GrowthInterval <= 0 {
			return nil, fmt.Errorf("growth interval must be positive, got %d", config.GrowthInterval)
		}
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &GradScaler{config: config, scale: config.InitScale, logger: logger}, nil
}

func (s *GradScaler) Enabled() bool { return s.config.Enabled }

// Scale returns the current loss scale, or 1 when disabled.
func (s *GradScaler) Scale() float64 {
	if !s.config.Enabled {
		return 1
	}
	return s.scale
}

// ScaleLoss multiplies the loss by the current scale. The result is part of
// the autograd graph.
func (s *GradScaler) ScaleLoss(loss *tensor.Tensor) (*tensor.Tensor, error) {
	if !s.config.Enabled {
		return loss, nil
	}
	return tensor.Scale(loss, float32(s.scale))
}

// Unscale divides every gradient by the scale in place and reports whether
// any scaled gradient was non-finite or outside the half-precision range.
func (s *GradScaler) Unscale(params []*tensor.Tensor) (bool, error) {
	if !s.config.Enabled {
		return false, nil
	}
	if s.unscaled {
		return false, fmt.Errorf("unscale already called since the last update")
	}
	inv := 1.0 / s.scale
	for i, p := range params {
		grad := p.Grad()
		if grad == nil {
			continue
		}
		g, err := grad.GetFloat32Data()
		if err != nil {
			return false, fmt.Errorf("parameter %d: %v", i, err)
		}
		for j, v := range g {
			f := float64(v)
			if math.IsNaN(f) || math.IsInf(f, 0) || math.Abs(f) > Float16Max {
				s.foundInf = true
			}
			g[j] = float32(f * inv)
		}
	}
	s.unscaled = true
	return s.foundInf, nil
}

// Step unscales the optimizer's gradients if needed and then either applies
// the update or skips it after an overflow. It reports whether the update
// was applied.
func (s *GradScaler) Step(opt Optimizer) (bool, error) {
	if !s.config.Enabled {
		if err := opt.Step(); err != nil {
			return false, err
		}
		return true, nil
	}
	if !s.unscaled {
		if _, err := s.Unscale(opt.Parameters()); err != nil {
			return false, err
		}
	}
	if s.foundInf {
		s.logger.WithField("scale", s.scale).Debug("gradient overflow, skipping optimizer step")
		return false, nil
	}
	if err := opt.Step(); err != nil {
		return false, err
	}
	return true, nil
}

// Update adjusts the scale for the next iteration.
func (s *GradScaler) Update() {
	if !s.config.Enabled {
		return
	}
	if s.foundInf {
		s.scale *= s.config.BackoffFactor
		s.growthTracker = 0
	} else {
		s.growthTracker++
		if s.growthTracker == s.config.GrowthInterval {
			s.scale *= s.config.GrowthFactor
			s.growthTracker = 0
		}
	}
	s.foundInf = false
	s.unscaled = false
}

func (s *GradScaler) State() ScalerState {
	return ScalerState{Scale: s.scale, GrowthTracker: s.growthTracker}
}

func (s *GradScaler) LoadState(state ScalerState) error {
	if !s.config.Enabled {
		return nil
	}
	if state.Scale <= 0 || math.IsNaN(state.Scale) || math.IsInf(state.Scale, 0) {
		return fmt.Errorf("invalid scaler scale %v", state.Scale)
	}
	s.scale = state.Scale
	s.growthTracker = state.GrowthTracker
	s.foundInf = false
	s.unscaled = false
	return nil
}
