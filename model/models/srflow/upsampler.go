// MODUL: srflow/upsampler
// ZWECK: Multi-Level Flow-Upsampler, baut die Layer-Sequenz und traversiert
//        sie in Encode- (Bild -> Latent) und Decode-Richtung (Latent -> Bild)
// INPUT: Options, Bild-Tensor oder Latent, Konditionierungs-Pyramide
// OUTPUT: Latent bzw. Bild, akkumulierter LogDet pro Sample
// NEBENEFFEKTE: ActNorm-Initialisierung beim ersten Encode mit Gradienten
// ABHAENGIGKEITEN: ml, ml/nn, logutil
// HINWEISE: Jeder Layer traegt sein Level explizit, der Lookup in der
//           Pyramide erfolgt ueber die Level-Namen-Tabelle der Scale

package srflow

import (
	"fmt"
	"log/slog"
	"slices"

	"github.com/srflow/srflow/logutil"
	"github.com/srflow/srflow/ml"
	"github.com/srflow/srflow/ml/nn"
)

// entry ist ein Layer mit seiner Ausgabe-Shape und seinem Level
type entry struct {
	layer   Layer
	c, h, w int
	level   int
}

// Upsampler ist der invertierbare Multi-Level Flow
type Upsampler struct {
	Layers []Layer `weight:"layers"`

	entries []entry
	opts    Options
}

// NewUpsampler baut die Layer-Sequenz. Konfigurationsfehler werden hier
// erkannt, nicht erst bei der Traversierung.
func NewUpsampler(ctx ml.Context, opts Options) (*Upsampler, error) {
	opts = opts.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}

	u := &Upsampler{opts: opts}
	h, w, c := opts.ImageShape[0], opts.ImageShape[1], opts.ImageShape[2]

	for level := 1; level <= opts.L; level++ {
		c, h, w = c*4, h/2, w/2
		if err := u.add(Squeeze{}, c, h, w); err != nil {
			return nil, err
		}

		for range opts.AdditionalFlowNoAffine {
			step, err := NewFlowStep(ctx, c, 0, PermutationInvConv, CouplingNone, opts)
			if err != nil {
				return nil, err
			}
			if err := u.add(step, c, h, w); err != nil {
				return nil, err
			}
		}

		condChannels := opts.ConditioningChannels(level)
		for range opts.K[level] {
			step, err := NewFlowStep(ctx, c, condChannels, opts.Permutation, opts.Coupling, opts)
			if err != nil {
				return nil, err
			}
			if err := u.add(step, c, h, w); err != nil {
				return nil, err
			}
		}

		// das letzte Level splittet nur mit CorrectSplits
		if opts.Split.Enable && (level < opts.L || opts.Split.CorrectSplits) {
			splitCond := opts.Split.CondChannels
			if splitCond == 0 {
				splitCond = condChannels
			}

			split, err := NewSplit2d(ctx, c, opts.Split, splitCond)
			if err != nil {
				return nil, fmt.Errorf("level %d: %w", level, err)
			}
			c = split.NumPass
			if err := u.add(split, c, h, w); err != nil {
				return nil, err
			}
		}
	}

	slog.Debug("flow upsampler built", "layers", len(u.entries), "splits", u.NumSplits(), "params", nn.Count(u))
	return u, nil
}

// add haengt einen Layer an und leitet sein Level aus der Hoehe ab
func (u *Upsampler) add(layer Layer, c, h, w int) error {
	level := LevelOf(u.opts.BaseHeight, h)
	if level < 0 || level > u.opts.L {
		return fmt.Errorf("%w: height %d maps to level %d with base height %d", ErrInvalidOption, h, level, u.opts.BaseHeight)
	}

	u.Layers = append(u.Layers, layer)
	u.entries = append(u.entries, entry{layer: layer, c: c, h: h, w: w, level: level})
	return nil
}

// actNorms sammelt alle ActNorms der Flow-Steps
func (u *Upsampler) actNorms() []*ActNorm {
	var out []*ActNorm
	for _, e := range u.entries {
		if step, ok := e.layer.(*FlowStep); ok {
			out = append(out, step.actNorms()...)
		}
	}
	return out
}

// AfterLoad markiert alle ActNorms als initialisiert. Geladene Bias und Logs
// werden so beim ersten Encode mit Gradienten nicht aus den Daten neu gesetzt.
func (u *Upsampler) AfterLoad() {
	norms := u.actNorms()
	for _, a := range norms {
		a.Initialized = true
	}
	slog.Debug("actnorm restored from checkpoint", "count", len(norms))
}

// Options gibt die vervollstaendigten Options zurueck
func (u *Upsampler) Options() Options {
	return u.opts
}

// NumSplits zaehlt die Split-Layer der Sequenz
func (u *Upsampler) NumSplits() int {
	var n int
	for _, e := range u.entries {
		if e.layer.Kind() == KindSplit {
			n++
		}
	}
	return n
}

// TopShape ist (C, H, W) des obersten Latents
func (u *Upsampler) TopShape() [3]int {
	e := u.entries[len(u.entries)-1]
	return [3]int{e.c, e.h, e.w}
}

// LayerInfo beschreibt einen Eintrag der Sequenz fuer Ausgaben
type LayerInfo struct {
	Index    int    `json:"index"`
	Kind     string `json:"kind"`
	Coupling string `json:"coupling,omitempty"`
	Channels int    `json:"channels"`
	Height   int    `json:"height"`
	Width    int    `json:"width"`
	Level    int    `json:"level"`
	Position string `json:"position"`
	Params   int    `json:"params"`
}

// Info listet alle Layer mit Ausgabe-Shape und Pyramiden-Schluessel
func (u *Upsampler) Info() []LayerInfo {
	infos := make([]LayerInfo, len(u.entries))
	for i, e := range u.entries {
		name, _ := LevelName(u.opts.Scale, e.level)
		infos[i] = LayerInfo{
			Index:    i,
			Kind:     e.layer.Kind().String(),
			Channels: e.c,
			Height:   e.h,
			Width:    e.w,
			Level:    e.level,
			Position: name,
			Params:   nn.Count(e.layer),
		}
		if step, ok := e.layer.(*FlowStep); ok {
			infos[i].Coupling = step.Coupling
		}
	}
	return infos
}

// conditioning holt den Tensor eines Levels aus der Pyramide
func (u *Upsampler) conditioning(pyramid Pyramid, level int) (ml.Tensor, error) {
	name, err := LevelName(u.opts.Scale, level)
	if err != nil {
		return nil, err
	}

	t, ok := pyramid[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q (level %d)", ErrMissingConditioning, name, level)
	}
	return t, nil
}

// Encode bildet image (N, C, H, W) auf das Latent ab. logdet darf nil sein
// und wird dann mit Nullen (N) begonnen. Im ModeSequence enthaelt das
// Ergebnis alle Split-Latents und zuletzt das oberste Latent.
func (u *Upsampler) Encode(ctx ml.Context, image ml.Tensor, pyramid Pyramid, logdet ml.Tensor, mode LatentMode) (Latent, ml.Tensor, error) {
	if c := image.Dim(1); c != u.opts.ImageShape[2] {
		return Latent{}, nil, fmt.Errorf("%w: image has %d, network expects %d", ErrInvalidChannels, c, u.opts.ImageShape[2])
	}
	if h, w := image.Dim(2), image.Dim(3); h != u.opts.ImageShape[0] || w != u.opts.ImageShape[1] {
		return Latent{}, nil, fmt.Errorf("%w: image %dx%d, network expects %dx%d", ErrImageShape, h, w, u.opts.ImageShape[0], u.opts.ImageShape[1])
	}

	if logdet == nil {
		logdet = ctx.Zeros(image.Dim(0))
	}

	s := &flowState{x: image, logdet: logdet}
	if mode == ModeSequence {
		s.latents = newLatentStack()
	}

	for i, e := range u.entries {
		cond, err := u.conditioning(pyramid, e.level)
		if err != nil {
			return Latent{}, nil, err
		}

		s.cond = cond
		if err := e.layer.apply(ctx, s, Encode); err != nil {
			return Latent{}, nil, fmt.Errorf("encode layer %d (%s): %w", i, e.layer.Kind(), err)
		}
		logutil.Trace("encode", "layer", i, "kind", e.layer.Kind(), "level", e.level, "shape", s.x.Shape())
	}

	if s.latents == nil {
		return Single(s.x), s.logdet, nil
	}

	s.latents.push(s.x)
	return s.latents.latent(), s.logdet, nil
}

// Decode bildet latent zurueck auf ein Bild ab. Bei einem Single-Latent
// samplen die Split-Layer mit epsStd, eine Sequence wird von hinten
// verbraucht und bleibt beim Aufrufer unveraendert.
func (u *Upsampler) Decode(ctx ml.Context, pyramid Pyramid, latent Latent, epsStd float64, logdet ml.Tensor) (ml.Tensor, ml.Tensor, error) {
	conds := make(map[int]ml.Tensor, u.opts.L+1)
	for level := 0; level <= u.opts.L; level++ {
		cond, err := u.conditioning(pyramid, level)
		if err != nil {
			return nil, nil, err
		}
		conds[level] = cond
	}

	top, stack, err := stackFor(latent)
	if err != nil {
		return nil, nil, err
	}

	want := u.TopShape()
	if got := top.Shape()[1:]; !slices.Equal(got, want[:]) {
		return nil, nil, fmt.Errorf("%w: top latent %v, network expects %v", ErrLatentShape, got, want)
	}

	if logdet == nil {
		logdet = ctx.Zeros(top.Dim(0))
	}

	s := &flowState{x: top, logdet: logdet, latents: stack, epsStd: epsStd}
	for i := len(u.entries) - 1; i >= 0; i-- {
		e := u.entries[i]
		s.cond = conds[e.level]
		if err := e.layer.apply(ctx, s, Decode); err != nil {
			return nil, nil, fmt.Errorf("decode layer %d (%s): %w", i, e.layer.Kind(), err)
		}
		logutil.Trace("decode", "layer", i, "kind", e.layer.Kind(), "level", e.level, "shape", s.x.Shape())
	}

	if stack != nil && stack.size() > 0 {
		slog.Warn("latent sequence not fully consumed", "remaining", stack.size())
	}

	if c := s.x.Dim(1); c != 3 {
		return nil, nil, fmt.Errorf("%w: got %d", ErrOutputChannels, c)
	}
	return s.x, s.logdet, nil
}
