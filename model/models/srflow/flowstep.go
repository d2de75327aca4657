package srflow

import (
	"fmt"
	"slices"

	"github.com/srflow/srflow/ml"
)

// FlowStep ist ein invertierbarer Block: ActNorm -> Permutation -> Kopplung.
// Decode durchlaeuft die drei Teile in umgekehrter Reihenfolge.
type FlowStep struct {
	ActNorm *ActNorm `weight:"actnorm"`

	InvConv *InvConv   `weight:"invconv,optional"`
	Permute *Permute2d `weight:"permute,optional"`

	Affine     *AffineCoupling `weight:"affine,optional"`
	CondAffine *CondAffine     `weight:"affine,optional"`

	// Coupling ist der konfigurierte Kopplungstyp
	Coupling string
}

// NewFlowStep baut einen Step fuer channels Kanaele. condChannels ist die
// Breite des Konditionierungs-Tensors und wird nur fuer CondAffine benutzt.
func NewFlowStep(ctx ml.Context, channels, condChannels int, permutation, coupling string, opts Options) (*FlowStep, error) {
	step := &FlowStep{
		ActNorm:  NewActNorm(ctx, channels, opts.ActNormScale),
		Coupling: coupling,
	}

	switch permutation {
	case PermutationInvConv:
		step.InvConv = NewInvConv(ctx, channels, opts.LUDecomposed)
	case PermutationReverse:
		step.Permute = NewPermute2d(ctx, channels, false)
	case PermutationShuffle:
		step.Permute = NewPermute2d(ctx, channels, true)
	default:
		return nil, fmt.Errorf("%w: permutation %q", ErrInvalidOption, permutation)
	}

	switch coupling {
	case CouplingAffine:
		step.Affine = NewAffineCoupling(ctx, channels, opts)
	case CouplingCondAffineSeparatedAndCond:
		step.CondAffine = NewCondAffine(ctx, channels, condChannels, opts)
	case CouplingNone:
	default:
		return nil, fmt.Errorf("%w: coupling %q", ErrInvalidOption, coupling)
	}

	return step, nil
}

func (f *FlowStep) Kind() Kind { return KindFlowStep }

// NeedsConditioning meldet, ob der Step einen Level-Tensor braucht
func (f *FlowStep) NeedsConditioning() bool {
	return f.CondAffine != nil
}

// parts gibt die Teil-Layer in Encode-Reihenfolge zurueck
func (f *FlowStep) parts() []applier {
	parts := []applier{f.ActNorm}

	if f.InvConv != nil {
		parts = append(parts, f.InvConv)
	} else {
		parts = append(parts, f.Permute)
	}

	switch {
	case f.Affine != nil:
		parts = append(parts, f.Affine)
	case f.CondAffine != nil:
		parts = append(parts, f.CondAffine)
	}
	return parts
}

func (f *FlowStep) apply(ctx ml.Context, s *flowState, dir Direction) error {
	parts := f.parts()
	if dir == Decode {
		slices.Reverse(parts)
	}

	for _, p := range parts {
		if err := p.apply(ctx, s, dir); err != nil {
			return err
		}
	}
	return nil
}

// actNorms liefert die ActNorm des Steps und die der Kopplungsnetze
func (f *FlowStep) actNorms() []*ActNorm {
	out := []*ActNorm{f.ActNorm}

	var nets []*CouplingNet
	if f.Affine != nil {
		nets = append(nets, f.Affine.F)
	}
	if f.CondAffine != nil {
		nets = append(nets, f.CondAffine.FAffine, f.CondAffine.FFeatures)
	}
	for _, net := range nets {
		for _, h := range net.Hidden {
			out = append(out, h.ActNorm)
		}
	}
	return out
}
