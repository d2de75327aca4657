// MODUL: srflow/options
// ZWECK: Konfiguration des Flow-Upsamplers, Fehler-Definitionen, Level-Namen
// INPUT: Options (aus config.Options abgeleitet)
// OUTPUT: validierte Options, Level-zu-Name-Tabellen
// NEBENEFFEKTE: keine
// ABHAENGIGKEITEN: keine externen
// HINWEISE: Ersetzt die globale Settings-Datei, Options werden explizit uebergeben

package srflow

import (
	"errors"
	"fmt"
	"math"

	"github.com/srflow/srflow/ml"
)

// Fehler-Definitionen
var (
	// Konfigurationsfehler, bei der Konstruktion erkannt
	ErrInvalidChannels = errors.New("srflow: image channels must be 1 or 3")
	ErrOddResolution   = errors.New("srflow: resolution is not divisible by two at every level")
	ErrInvalidScale    = errors.New("srflow: unsupported scale")
	ErrInvalidOption   = errors.New("srflow: invalid option")

	// Lookup-Fehler waehrend der Traversierung
	ErrMissingConditioning = errors.New("srflow: missing conditioning tensor")
	ErrImageShape          = errors.New("srflow: image does not match the configured shape")
	ErrConditioningShape   = errors.New("srflow: conditioning tensor does not match feature resolution")
	ErrLatentUnderflow     = errors.New("srflow: latent sequence exhausted")
	ErrLatentShape         = errors.New("srflow: latent does not match split shape")

	// Nachbedingung des Decodes
	ErrOutputChannels = errors.New("srflow: decoded output does not have 3 channels")
)

// Coupling-Typen
const (
	CouplingAffine                     = "affine"
	CouplingCondAffineSeparatedAndCond = "CondAffineSeparatedAndCond"
	CouplingNone                       = "noCoupling"
)

// Permutations-Typen
const (
	PermutationInvConv = "invconv"
	PermutationReverse = "reverse"
	PermutationShuffle = "shuffle"
)

// SplitOptions steuert die Split2d-Layer
type SplitOptions struct {
	Enable bool

	// CorrectSplits splittet auch auf dem letzten Level
	CorrectSplits bool

	ConsumeRatio float64
	LogsEps      float64

	// Conditional konkateniert den Level-Conditioning-Tensor an den Prior-Eingang
	Conditional  bool
	CondChannels int
}

// Options beschreibt den Aufbau des Flow-Upsamplers
type Options struct {
	// ImageShape ist (H, W, C) des HR-Bildes
	ImageShape [3]int

	L int
	// K[level] Flow-Steps pro Level, Laenge L+1
	K []int

	HiddenChannels int
	ActNormScale   float64
	Permutation    string
	Coupling       string
	LUDecomposed   bool

	// AdditionalFlowNoAffine fuegt pro Level Bypass-Steps ohne Coupling ein
	AdditionalFlowNoAffine int

	// StackBlocks sind die RRDB-Bloecke, deren Features konkateniert werden
	StackBlocks []int
	// FeatureWidth ist die Kanalbreite eines RRDB-Feature-Blocks
	FeatureWidth int
	// LevelConditionalChannels verbreitert die Konditionierung um (L-level) * n
	LevelConditionalChannels int

	Split SplitOptions

	Scale int
	// BaseHeight ist die Referenzaufloesung fuer die Level-Berechnung
	BaseHeight int

	AffineEps float64
	// HiddenKernel ist die Kernelgroesse der mittleren Coupling-Faltung
	HiddenKernel int
	// HiddenLayers ist die Anzahl der mittleren Coupling-Faltungen
	HiddenLayers int

	// RRDBBlocks und GrowthChannels beschreiben das ConditionNet
	RRDBBlocks     int
	GrowthChannels int
}

// DefaultOptions entspricht der SRFlow-Konfiguration fuer 4x
func DefaultOptions() Options {
	return Options{
		ImageShape:     [3]int{160, 160, 3},
		L:              3,
		K:              []int{16, 16, 16, 16},
		HiddenChannels: 64,
		ActNormScale:   1,
		Permutation:    PermutationInvConv,
		Coupling:       CouplingCondAffineSeparatedAndCond,
		StackBlocks:    []int{1, 8, 15, 22},
		FeatureWidth:   64,
		Split: SplitOptions{
			Enable:       true,
			ConsumeRatio: 0.5,
		},
		Scale:        4,
		BaseHeight:   160,
		AffineEps:    1e-4,
		HiddenKernel: 1,
		HiddenLayers: 1,

		RRDBBlocks:     23,
		GrowthChannels: 32,
	}
}

// withDefaults fuellt leere Felder auf
func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.ActNormScale == 0 {
		o.ActNormScale = d.ActNormScale
	}
	if o.Permutation == "" {
		o.Permutation = d.Permutation
	}
	if o.Coupling == "" {
		o.Coupling = d.Coupling
	}
	if o.FeatureWidth == 0 {
		o.FeatureWidth = d.FeatureWidth
	}
	if o.Split.ConsumeRatio == 0 {
		o.Split.ConsumeRatio = d.Split.ConsumeRatio
	}
	if o.BaseHeight == 0 {
		o.BaseHeight = o.ImageShape[0]
	}
	if o.AffineEps == 0 {
		o.AffineEps = d.AffineEps
	}
	if o.HiddenKernel == 0 {
		o.HiddenKernel = d.HiddenKernel
	}
	if o.HiddenLayers == 0 {
		o.HiddenLayers = d.HiddenLayers
	}
	if o.HiddenChannels == 0 {
		o.HiddenChannels = d.HiddenChannels
	}
	if o.RRDBBlocks == 0 {
		o.RRDBBlocks = d.RRDBBlocks
	}
	if o.GrowthChannels == 0 {
		o.GrowthChannels = d.GrowthChannels
	}
	// ein einzelnes K gilt fuer alle Level
	if len(o.K) == 1 {
		k := o.K[0]
		o.K = make([]int, o.L+1)
		for i := range o.K {
			o.K[i] = k
		}
	}
	return o
}

// validate prueft die Options eager vor dem Aufbau
func (o Options) validate() error {
	if c := o.ImageShape[2]; c != 1 && c != 3 {
		return fmt.Errorf("%w: got %d", ErrInvalidChannels, c)
	}

	if o.L < 1 {
		return fmt.Errorf("%w: L must be positive, got %d", ErrInvalidOption, o.L)
	}

	if len(o.K) < o.L+1 {
		return fmt.Errorf("%w: K needs %d entries, got %d", ErrInvalidOption, o.L+1, len(o.K))
	}

	h, w := o.ImageShape[0], o.ImageShape[1]
	for level := 1; level <= o.L; level++ {
		if h%2 != 0 || w%2 != 0 {
			return fmt.Errorf("%w: %dx%d at level %d", ErrOddResolution, h, w, level)
		}
		h, w = h/2, w/2
	}

	if _, ok := levelNames[o.Scale]; !ok {
		return fmt.Errorf("%w: %d", ErrInvalidScale, o.Scale)
	}

	// Decode loest alle Level 0..L vorab auf
	if _, err := LevelName(o.Scale, o.L); err != nil {
		return fmt.Errorf("%w: L=%d exceeds the level table of scale %d", ErrInvalidOption, o.L, o.Scale)
	}

	switch o.Coupling {
	case CouplingAffine, CouplingCondAffineSeparatedAndCond, CouplingNone:
	default:
		return fmt.Errorf("%w: coupling %q", ErrInvalidOption, o.Coupling)
	}

	switch o.Permutation {
	case PermutationInvConv, PermutationReverse, PermutationShuffle:
	default:
		return fmt.Errorf("%w: permutation %q", ErrInvalidOption, o.Permutation)
	}

	if r := o.Split.ConsumeRatio; r <= 0 || r >= 1 {
		return fmt.Errorf("%w: consume ratio %v", ErrInvalidOption, r)
	}

	return nil
}

// ConditioningChannels ist die Kanalbreite des Pyramiden-Features eines Levels
func (o Options) ConditioningChannels(level int) int {
	n := (len(o.StackBlocks) + 1) * o.FeatureWidth
	if level > 0 {
		n += (o.L - level) * o.LevelConditionalChannels
	}
	return n
}

// =============================================================================
// Level-Namen
// =============================================================================

// levelNames bildet pro Scale ein Pyramiden-Level auf den Feature-Namen ab
var levelNames = map[int][]string{
	16: {"fea_up16", "fea_up8", "fea_up4", "fea_up2", "fea_up1"},
	8:  {"fea_up8", "fea_up4", "fea_up2", "fea_up1", "fea_up0"},
	4:  {"fea_up4", "fea_up2", "fea_up1", "fea_up0", "fea_up-1"},
	1:  {"fea_up1", "fea_up1", "fea_up-1"},
}

// LevelName gibt den Pyramiden-Schluessel eines Levels zurueck
func LevelName(scale, level int) (string, error) {
	names, ok := levelNames[scale]
	if !ok {
		return "", fmt.Errorf("%w: %d", ErrInvalidScale, scale)
	}
	if level < 0 || level >= len(names) {
		return "", fmt.Errorf("%w: no level %d for scale %d", ErrMissingConditioning, level, scale)
	}
	return names[level], nil
}

// LevelOf berechnet round(log2(base / h))
func LevelOf(base, h int) int {
	return int(math.Round(math.Log2(float64(base) / float64(h))))
}

// PositionName gibt den Pyramiden-Schluessel fuer eine Feature-Hoehe h zurueck
func PositionName(base, h, scale int) (string, error) {
	return LevelName(scale, LevelOf(base, h))
}

// Pyramid bildet Feature-Namen auf Konditionierungs-Tensoren ab
type Pyramid map[string]ml.Tensor
