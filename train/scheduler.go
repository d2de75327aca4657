// scheduler.go - Lernraten-Scheduler
// Enthält: MultiStepLR, StepLR, CosineAnnealingLR als reine Funktionen
// des Trainingsschritts

package train

import (
	"errors"
	"fmt"
	"math"
	"slices"
)

var ErrUnknownScheduler = errors.New("train: unknown scheduler")

// Scheduler berechnet die Lernrate fuer einen Schritt. Implementierungen
// sind zustandslos.
type Scheduler interface {
	GetLR(epoch, step int, baseLR float64) float64
	Name() string
}

// SchedulerOptions entspricht lr_scheme und den zugehoerigen Werten
type SchedulerOptions struct {
	Scheme     string
	Milestones []int
	Gamma      float64
	StepSize   int
	TMax       int
	EtaMin     float64
}

// NewScheduler erstellt den Scheduler opts.Scheme. Ein leeres Schema haelt
// die Lernrate konstant.
func NewScheduler(opts SchedulerOptions) (Scheduler, error) {
	gamma := opts.Gamma
	if gamma == 0 {
		gamma = 0.5
	}

	switch opts.Scheme {
	case "":
		return constantLR{}, nil
	case "MultiStepLR":
		return MultiStepLR{Milestones: slices.Sorted(slices.Values(opts.Milestones)), Gamma: gamma}, nil
	case "StepLR":
		if opts.StepSize <= 0 {
			return nil, fmt.Errorf("%w: StepLR needs a positive step size", ErrUnknownScheduler)
		}
		return StepLR{StepSize: opts.StepSize, Gamma: gamma}, nil
	case "CosineAnnealingLR":
		if opts.TMax <= 0 {
			return nil, fmt.Errorf("%w: CosineAnnealingLR needs a positive T_max", ErrUnknownScheduler)
		}
		return CosineAnnealingLR{TMax: opts.TMax, EtaMin: opts.EtaMin}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownScheduler, opts.Scheme)
	}
}

type constantLR struct{}

func (constantLR) GetLR(_, _ int, baseLR float64) float64 { return baseLR }
func (constantLR) Name() string                           { return "ConstantLR" }

// MultiStepLR multipliziert die Lernrate an jedem Meilenstein mit Gamma
type MultiStepLR struct {
	Milestones []int
	Gamma      float64
}

func (s MultiStepLR) GetLR(_, step int, baseLR float64) float64 {
	n, _ := slices.BinarySearch(s.Milestones, step+1)
	return baseLR * math.Pow(s.Gamma, float64(n))
}

func (MultiStepLR) Name() string { return "MultiStepLR" }

// StepLR multipliziert die Lernrate alle StepSize Schritte mit Gamma
type StepLR struct {
	StepSize int
	Gamma    float64
}

func (s StepLR) GetLR(_, step int, baseLR float64) float64 {
	return baseLR * math.Pow(s.Gamma, float64(step/s.StepSize))
}

func (StepLR) Name() string { return "StepLR" }

// CosineAnnealingLR faellt ueber TMax Schritte cosinusfoermig auf EtaMin
type CosineAnnealingLR struct {
	TMax   int
	EtaMin float64
}

func (s CosineAnnealingLR) GetLR(_, step int, baseLR float64) float64 {
	if step >= s.TMax {
		return s.EtaMin
	}
	return s.EtaMin + (baseLR-s.EtaMin)*(1+math.Cos(math.Pi*float64(step)/float64(s.TMax)))/2
}

func (CosineAnnealingLR) Name() string { return "CosineAnnealingLR" }
