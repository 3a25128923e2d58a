package train

import (
	"fmt"
	"math"
	"strings"

	"github.com/openfluke/mthgnn/nn"
)

// Scheduler maps the number of completed epochs to a learning rate.
type Scheduler interface {
	// LR returns the learning rate for the given step
	LR(step int) float64

	// Name returns the scheduler tag
	Name() string
}

// Scheduler tags.
const (
	SchedulerCosine = "cosine"
	SchedulerStep   = "step"
	SchedulerLinear = "linear"
)

// NewScheduler resolves the scheduler tag once. A nil config means a
// constant learning rate and returns a nil Scheduler.
func NewScheduler(cfg *nn.SchedulerConfig, baseLR float64, epochs int) (Scheduler, error) {
	if cfg == nil {
		return nil, nil
	}
	switch strings.ToLower(cfg.Type) {
	case SchedulerCosine:
		tMax := cfg.TMax
		if tMax <= 0 {
			tMax = epochs
		}
		if cfg.EtaMin < 0 || cfg.EtaMin > baseLR {
			return nil, fmt.Errorf("%w: eta_min %v outside [0, %v]", nn.ErrConfiguration, cfg.EtaMin, baseLR)
		}
		return &CosineAnnealing{initialLR: baseLR, minLR: cfg.EtaMin, totalSteps: tMax}, nil
	case SchedulerStep:
		if cfg.StepSize <= 0 {
			return nil, fmt.Errorf("%w: step scheduler needs a positive step_size", nn.ErrConfiguration)
		}
		gamma := cfg.Gamma
		if gamma == 0 {
			gamma = 0.1
		}
		if gamma < 0 || gamma > 1 {
			return nil, fmt.Errorf("%w: gamma %v out of (0,1]", nn.ErrConfiguration, gamma)
		}
		return &StepDecay{initialLR: baseLR, decayFactor: gamma, stepSize: cfg.StepSize}, nil
	case SchedulerLinear:
		total := cfg.TMax
		if total <= 0 {
			total = epochs
		}
		return &LinearDecay{initialLR: baseLR, finalLR: cfg.EtaMin, totalSteps: total}, nil
	default:
		return nil, fmt.Errorf("%w: unsupported scheduler %q", nn.ErrConfiguration, cfg.Type)
	}
}

// ============================================================================
// Cosine Annealing Scheduler
// ============================================================================

// CosineAnnealing decays from the initial rate to minLR over totalSteps and
// then holds minLR.
type CosineAnnealing struct {
	initialLR  float64
	minLR      float64
	totalSteps int
}

func (s *CosineAnnealing) LR(step int) float64 {
	if step >= s.totalSteps {
		return s.minLR
	}
	progress := float64(step) / float64(s.totalSteps)
	// lr = minLR + (initialLR - minLR) * (1 + cos(π * progress)) / 2
	return s.minLR + (s.initialLR-s.minLR)*(1+math.Cos(math.Pi*progress))/2
}

func (s *CosineAnnealing) Name() string { return SchedulerCosine }

// ============================================================================
// Step Decay Scheduler
// ============================================================================

type StepDecay struct {
	initialLR   float64
	decayFactor float64
	stepSize    int
}

func (s *StepDecay) LR(step int) float64 {
	// lr = initialLR * decayFactor^(step / stepSize)
	return s.initialLR * math.Pow(s.decayFactor, float64(step/s.stepSize))
}

func (s *StepDecay) Name() string { return SchedulerStep }

// ============================================================================
// Linear Decay Scheduler
// ============================================================================

type LinearDecay struct {
	initialLR  float64
	finalLR    float64
	totalSteps int
}

func (s *LinearDecay) LR(step int) float64 {
	if step >= s.totalSteps {
		return s.finalLR
	}
	progress := float64(step) / float64(s.totalSteps)
	return s.initialLR + (s.finalLR-s.initialLR)*progress
}

func (s *LinearDecay) Name() string { return SchedulerLinear }
