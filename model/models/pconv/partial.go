// Package pconv - Inpainting mit partiellen Faltungen
//
// Eine partielle Faltung sieht nur gueltige Pixel (Maske 1), skaliert das
// Ergebnis mit slide_winsize / sum(mask) und liefert die aktualisierte Maske.
// Das Model ist ein U-Net aus 8 Encoder- und 8 Decoder-Layern.
package pconv

import (
	"errors"
	"fmt"

	"github.com/srflow/srflow/ml"
	"github.com/srflow/srflow/ml/nn"
)

var (
	ErrActivation = errors.New("pconv: unexpected value for non-linearity")
	ErrInputSize  = errors.New("pconv: input size must be divisible by 256")
	ErrMaskShape  = errors.New("pconv: mask does not match input")
)

// PartialConv2d ist eine maskierte Faltung. Mit MultiChannel hat die Maske
// so viele Kanaele wie die Eingabe, sonst genau einen.
type PartialConv2d struct {
	nn.Conv2D

	MultiChannel bool
}

func NewPartialConv2d(ctx ml.Context, in, out, kernel, stride int, bias, multiChannel bool) *PartialConv2d {
	return &PartialConv2d{
		Conv2D:       *nn.NewConv2D(ctx, in, out, kernel, stride, (kernel-1)/2, bias),
		MultiChannel: multiChannel,
	}
}

// maskWeight ist der Eins-Kernel fuer die Maskenfaltung
func (m *PartialConv2d) maskWeight(ctx ml.Context) ml.Tensor {
	out, in, kh, kw := m.Weight.Dim(0), m.Weight.Dim(1), m.Weight.Dim(2), m.Weight.Dim(3)
	if !m.MultiChannel {
		out, in = 1, 1
	}
	return ctx.Ones(out, in, kh, kw)
}

// Forward gibt Ausgabe und aktualisierte Maske zurueck. mask darf nil sein
// und gilt dann als komplett gueltig.
func (m *PartialConv2d) Forward(ctx ml.Context, x, mask ml.Tensor) (ml.Tensor, ml.Tensor, error) {
	n, c, h, w := x.Dim(0), x.Dim(1), x.Dim(2), x.Dim(3)
	channels := 1
	if m.MultiChannel {
		channels = c
	}

	if mask == nil {
		mask = ctx.Ones(n, channels, h, w)
	}
	if mask.Dim(0) != n || mask.Dim(1) != channels || mask.Dim(2) != h || mask.Dim(3) != w {
		return nil, nil, fmt.Errorf("%w: input %v, mask %v", ErrMaskShape, x.Shape(), mask.Shape())
	}

	// die Masken-Statistik ist konstant fuer den Gradienten
	noGrad := ctx.NoGrad()
	kernel := m.maskWeight(noGrad)
	slide := float64(kernel.Dim(1) * kernel.Dim(2) * kernel.Dim(3))

	update := mask.Conv2D(noGrad, kernel, m.Stride, m.Padding, 1)
	ratio := update.AddScalar(noGrad, 1e-8)
	ratio = noGrad.FromFloats(reciprocal(ratio.Floats(), slide), ratio.Shape()...)
	update = update.Clamp(noGrad, 0, 1)
	ratio = ratio.Mul(noGrad, update)

	out := x.Mul(ctx, mask).Conv2D(ctx, m.Weight, m.Stride, m.Padding, m.Groups).Mul(ctx, ratio)
	if m.Bias != nil {
		out = out.Add(ctx, m.Bias.Reshape(ctx, 1, -1, 1, 1)).Mul(ctx, update)
	}
	return out, update, nil
}

func reciprocal(s []float64, numerator float64) []float64 {
	for i, v := range s {
		s[i] = numerator / v
	}
	return s
}

// activation ist die Nichtlinearitaet hinter einem PartialLayer
type activation func(ml.Context, ml.Tensor) ml.Tensor

func activationFor(name string) (activation, error) {
	switch name {
	case "relu":
		return func(ctx ml.Context, x ml.Tensor) ml.Tensor { return x.RELU(ctx) }, nil
	case "leaky":
		return func(ctx ml.Context, x ml.Tensor) ml.Tensor { return x.LeakyRELU(ctx, 0.2) }, nil
	case "sigmoid":
		return func(ctx ml.Context, x ml.Tensor) ml.Tensor { return x.Sigmoid(ctx) }, nil
	case "tanh":
		return func(ctx ml.Context, x ml.Tensor) ml.Tensor { return x.Tanh(ctx) }, nil
	case "", "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrActivation, name)
	}
}

// PartialLayer ist PartialConv2d -> BatchNorm -> Nichtlinearitaet. Mit
// BatchNorm hat die Faltung keinen Bias.
type PartialLayer struct {
	Conv *PartialConv2d  `weight:"conv"`
	BN   *nn.BatchNorm2D `weight:"bn,optional"`

	Activation string
	act        activation
}

func NewPartialLayer(ctx ml.Context, in, out, kernel, stride int, nonLinearity string, bn, multiChannel bool) (*PartialLayer, error) {
	act, err := activationFor(nonLinearity)
	if err != nil {
		return nil, err
	}

	l := &PartialLayer{
		Conv:       NewPartialConv2d(ctx, in, out, kernel, stride, !bn, multiChannel),
		Activation: nonLinearity,
		act:        act,
	}
	if bn {
		l.BN = nn.NewBatchNorm2D(ctx, out)
	}
	return l, nil
}

func (l *PartialLayer) Forward(ctx ml.Context, x, mask ml.Tensor) (ml.Tensor, ml.Tensor, error) {
	x, mask, err := l.Conv.Forward(ctx, x, mask)
	if err != nil {
		return nil, nil, err
	}

	if l.BN != nil {
		x = l.BN.Forward(ctx, x)
	}
	if l.act != nil {
		x = l.act(ctx, x)
	}
	return x, mask, nil
}
