package srflow

import (
	"fmt"

	"github.com/srflow/srflow/ml"
	"github.com/srflow/srflow/ml/nn"
)

// ConvActNorm ist eine "same" Faltung ohne Bias gefolgt von ActNorm
type ConvActNorm struct {
	Conv    *nn.Conv2D `weight:"conv"`
	ActNorm *ActNorm   `weight:"actnorm"`
}

func NewConvActNorm(ctx ml.Context, in, out, kernel int) *ConvActNorm {
	return &ConvActNorm{
		Conv: &nn.Conv2D{
			Weight:  nn.Normal(ctx, 0.05, out, in, kernel, kernel),
			Stride:  1,
			Padding: (kernel - 1) / 2,
			Groups:  1,
		},
		ActNorm: NewActNorm(ctx, out, 1),
	}
}

func (m *ConvActNorm) Forward(ctx ml.Context, x ml.Tensor) ml.Tensor {
	return m.ActNorm.Forward(ctx, m.Conv.Forward(ctx, x))
}

// CouplingNet berechnet Shift und Skalierung: conv3x3 -> relu ->
// (conv_k -> relu)* -> Conv2DZeros
type CouplingNet struct {
	Hidden []*ConvActNorm  `weight:"hidden"`
	Out    *nn.Conv2DZeros `weight:"out"`
}

func NewCouplingNet(ctx ml.Context, in, out, hidden, kernel, layers int) *CouplingNet {
	f := &CouplingNet{Hidden: []*ConvActNorm{NewConvActNorm(ctx, in, hidden, 3)}}
	for range layers {
		f.Hidden = append(f.Hidden, NewConvActNorm(ctx, hidden, hidden, kernel))
	}
	f.Out = nn.NewConv2DZeros(ctx, hidden, out)
	return f
}

func (f *CouplingNet) Forward(ctx ml.Context, x ml.Tensor) ml.Tensor {
	for _, layer := range f.Hidden {
		x = layer.Forward(ctx, x).RELU(ctx)
	}
	return f.Out.Forward(ctx, x)
}

// shiftScale teilt h kreuzweise in Shift und Skalierung sigmoid(h+2)+eps
func shiftScale(ctx ml.Context, h ml.Tensor, eps float64) (shift, scale ml.Tensor) {
	shift, raw := crossSplit(ctx, h)
	return shift, raw.AddScalar(ctx, 2).Sigmoid(ctx).AddScalar(ctx, eps)
}

// checkConditioning prueft, ob cond zur Aufloesung von x passt und channels
// Kanaele hat
func checkConditioning(x, cond ml.Tensor, channels int) error {
	if cond == nil {
		return fmt.Errorf("%w: coupling requires a conditioning tensor", ErrMissingConditioning)
	}
	if cond.Dim(1) != channels {
		return fmt.Errorf("%w: want %d conditioning channels, got %v", ErrConditioningShape, channels, cond.Shape())
	}
	if cond.Dim(0) != x.Dim(0) || cond.Dim(2) != x.Dim(2) || cond.Dim(3) != x.Dim(3) {
		return fmt.Errorf("%w: features %v, conditioning %v", ErrConditioningShape, x.Shape(), cond.Shape())
	}
	return nil
}

// AffineCoupling ist die Glow-Kopplung: z2 wird aus z1 affin transformiert
type AffineCoupling struct {
	F *CouplingNet `weight:"f"`

	eps float64
}

func NewAffineCoupling(ctx ml.Context, channels int, opts Options) *AffineCoupling {
	pass := channels / 2
	return &AffineCoupling{
		F:   NewCouplingNet(ctx, pass, 2*(channels-pass), opts.HiddenChannels, opts.HiddenKernel, opts.HiddenLayers),
		eps: opts.AffineEps,
	}
}

func (m *AffineCoupling) apply(ctx ml.Context, s *flowState, dir Direction) error {
	z1, z2 := splitChannels(ctx, s.x, s.x.Dim(1)/2)
	shift, scale := shiftScale(ctx, m.F.Forward(ctx, z1), m.eps)
	dlogdet := perSample(ctx, scale.Log(ctx))

	if dir == Encode {
		z2 = z2.Add(ctx, shift).Mul(ctx, scale)
		s.addLogDet(ctx, dlogdet)
	} else {
		z2 = z2.Div(ctx, scale).Sub(ctx, shift)
		s.subLogDet(ctx, dlogdet)
	}

	s.x = z1.Concat(ctx, z2, 1)
	return nil
}

// CondAffine ist die SRFlow-Kopplung: zuerst eine affine Transformation aller
// Kanaele aus dem Konditionierungs-Tensor, danach eine Selbst-Kopplung von
// z2 aus cat(z1, cond).
type CondAffine struct {
	FAffine   *CouplingNet `weight:"fAffine"`
	FFeatures *CouplingNet `weight:"fFeatures"`

	pass         int
	condChannels int
	eps          float64
}

func NewCondAffine(ctx ml.Context, channels, condChannels int, opts Options) *CondAffine {
	pass := channels / 2
	co := channels - pass
	return &CondAffine{
		FAffine:   NewCouplingNet(ctx, pass+condChannels, 2*co, opts.HiddenChannels, opts.HiddenKernel, opts.HiddenLayers),
		FFeatures: NewCouplingNet(ctx, condChannels, 2*channels, opts.HiddenChannels, opts.HiddenKernel, opts.HiddenLayers),
		pass:         pass,
		condChannels: condChannels,
		eps:          opts.AffineEps,
	}
}

func (m *CondAffine) apply(ctx ml.Context, s *flowState, dir Direction) error {
	if err := checkConditioning(s.x, s.cond, m.condChannels); err != nil {
		return err
	}

	shiftFt, scaleFt := shiftScale(ctx, m.FFeatures.Forward(ctx, s.cond), m.eps)
	logdetFt := perSample(ctx, scaleFt.Log(ctx))

	self := func(z1 ml.Tensor) (ml.Tensor, ml.Tensor, ml.Tensor) {
		shift, scale := shiftScale(ctx, m.FAffine.Forward(ctx, z1.Concat(ctx, s.cond, 1)), m.eps)
		return shift, scale, perSample(ctx, scale.Log(ctx))
	}

	if dir == Encode {
		z := s.x.Add(ctx, shiftFt).Mul(ctx, scaleFt)
		s.addLogDet(ctx, logdetFt)

		z1, z2 := splitChannels(ctx, z, m.pass)
		shift, scale, dlogdet := self(z1)
		z2 = z2.Add(ctx, shift).Mul(ctx, scale)
		s.addLogDet(ctx, dlogdet)

		s.x = z1.Concat(ctx, z2, 1)
		return nil
	}

	z1, z2 := splitChannels(ctx, s.x, m.pass)
	shift, scale, dlogdet := self(z1)
	z2 = z2.Div(ctx, scale).Sub(ctx, shift)
	s.subLogDet(ctx, dlogdet)

	z := z1.Concat(ctx, z2, 1)
	s.x = z.Div(ctx, scaleFt).Sub(ctx, shiftFt)
	s.subLogDet(ctx, logdetFt)
	return nil
}
