// conv.go - Faltungs-Layer
// Enthält: Conv2D mit optionalem Bias, Conv2DZeros mit gelernter Log-Skalierung

package nn

import (
	"math"

	"github.com/srflow/srflow/ml"
)

// NewParam erzeugt einen trainierbaren Tensor aus data
func NewParam(ctx ml.Context, data []float64, shape ...int) ml.Tensor {
	t := ctx.FromFloats(data, shape...)
	t.SetRequiresGrad(true)
	return t
}

// Uniform erzeugt einen trainierbaren Tensor mit Werten aus U(-bound, bound)
func Uniform(ctx ml.Context, bound float64, shape ...int) ml.Tensor {
	r := ctx.Rand()
	data := make([]float64, ml.Numel(shape...))
	for i := range data {
		data[i] = (2*r.Float64() - 1) * bound
	}
	return NewParam(ctx, data, shape...)
}

// Normal erzeugt einen trainierbaren Tensor mit Werten aus N(0, std^2)
func Normal(ctx ml.Context, std float64, shape ...int) ml.Tensor {
	t := ctx.Randn(std, shape...)
	t.SetRequiresGrad(true)
	return t
}

// Zeros erzeugt einen trainierbaren Null-Tensor
func Zeros(ctx ml.Context, shape ...int) ml.Tensor {
	t := ctx.Zeros(shape...)
	t.SetRequiresGrad(true)
	return t
}

// Conv2D ist eine 2D-Faltung mit Gewicht im (O, C/groups, KH, KW) Layout
type Conv2D struct {
	Weight ml.Tensor `weight:"weight"`
	Bias   ml.Tensor `weight:"bias,optional"`

	Stride  int
	Padding int
	Groups  int
}

// NewConv2D initialisiert wie PyTorch mit U(-1/sqrt(fan_in), 1/sqrt(fan_in))
func NewConv2D(ctx ml.Context, in, out, kernel, stride, padding int, bias bool) *Conv2D {
	bound := 1 / math.Sqrt(float64(in*kernel*kernel))
	conv := &Conv2D{
		Weight:  Uniform(ctx, bound, out, in, kernel, kernel),
		Stride:  stride,
		Padding: padding,
		Groups:  1,
	}
	if bias {
		conv.Bias = Uniform(ctx, bound, out)
	}
	return conv
}

func (m *Conv2D) Forward(ctx ml.Context, x ml.Tensor) ml.Tensor {
	x = x.Conv2D(ctx, m.Weight, max(m.Stride, 1), m.Padding, max(m.Groups, 1))
	if m.Bias != nil {
		x = x.Add(ctx, m.Bias.Reshape(ctx, 1, -1, 1, 1))
	}
	return x
}

// OutChannels gibt die Anzahl der Ausgabe-Kanaele zurueck
func (m *Conv2D) OutChannels() int {
	return m.Weight.Dim(0)
}

// logscaleFactor verstaerkt die gelernte Log-Skalierung von Conv2DZeros
const logscaleFactor = 3

// Conv2DZeros startet mit Nullausgabe, sodass ein nachfolgender Flow
// anfangs die Identitaet ist. Die Ausgabe wird mit exp(logs * 3) skaliert.
type Conv2DZeros struct {
	Conv2D
	Logs ml.Tensor `weight:"logs"`
}

// NewConv2DZeros erzeugt eine 3x3 "same" Faltung mit Nullinitialisierung
func NewConv2DZeros(ctx ml.Context, in, out int) *Conv2DZeros {
	return &Conv2DZeros{
		Conv2D: Conv2D{
			Weight:  Zeros(ctx, out, in, 3, 3),
			Bias:    Zeros(ctx, out),
			Stride:  1,
			Padding: 1,
			Groups:  1,
		},
		Logs: Zeros(ctx, out, 1, 1),
	}
}

func (m *Conv2DZeros) Forward(ctx ml.Context, x ml.Tensor) ml.Tensor {
	x = m.Conv2D.Forward(ctx, x)
	return x.Mul(ctx, m.Logs.Scale(ctx, logscaleFactor).Exp(ctx))
}
