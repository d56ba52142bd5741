package training

import (
	"fmt"
	"math"
	"sort"
)

// LRScheduler maps training progress to a learning rate. step is the number
// of optimizer updates performed so far across all epochs.
type LRScheduler interface {
	GetLR(epoch int, step int, baseLR float64) float64
	GetName() string
}

// MultiFactorScheduler multiplies the learning rate by Factor each time the
// update count passes one of Steps
type MultiFactorScheduler struct {
	Steps  []int // update counts, ascending
	Factor float64
}

// NewMultiFactorScheduler converts epoch boundaries into update counts using
// epochSize updates per epoch
func NewMultiFactorScheduler(epochSteps []int, factor float64, epochSize int) (*MultiFactorScheduler, error) {
	if epochSize <= 0 {
		return nil, fmt.Errorf("epoch size must be positive, got %d", epochSize)
	}
	if factor <= 0 || factor > 1 {
		return nil, fmt.Errorf("factor must be in (0, 1], got %g", factor)
	}
	steps := make([]int, len(epochSteps))
	for i, e := range epochSteps {
		if e <= 0 {
			return nil, fmt.Errorf("lr step epochs must be positive, got %d", e)
		}
		if i > 0 && e <= epochSteps[i-1] {
			return nil, fmt.Errorf("lr step epochs must increase, got %v", epochSteps)
		}
		steps[i] = e * epochSize
	}
	return &MultiFactorScheduler{Steps: steps, Factor: factor}, nil
}

func (s *MultiFactorScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	// number of boundaries strictly below step
	passed := sort.SearchInts(s.Steps, step)
	return baseLR * math.Pow(s.Factor, float64(passed))
}

func (s *MultiFactorScheduler) GetName() string {
	return "MultiFactor"
}

// StepLRScheduler reduces learning rate by Gamma every StepSize epochs
type StepLRScheduler struct {
	StepSize int
	Gamma    float64
}

// NewStepLRScheduler creates a step learning rate scheduler
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

// CosineAnnealingLRScheduler anneals from baseLR to EtaMin over TMax epochs
type CosineAnnealingLRScheduler struct {
	TMax   int
	EtaMin float64
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

// NoOpScheduler keeps the learning rate constant
type NoOpScheduler struct{}

func (s *NoOpScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	return baseLR
}

func (s *NoOpScheduler) GetName() string {
	return "ConstantLR"
}
