// norm.go - Normalisierungs- und lineare Layer
// Enthält: BatchNorm2D (Training/Inferenz mit laufenden Statistiken), Linear

package nn

import (
	"math"

	"github.com/srflow/srflow/ml"
)

// BatchNorm2D normalisiert ueber Batch und Raum pro Kanal
type BatchNorm2D struct {
	Weight      ml.Tensor `weight:"weight"`
	Bias        ml.Tensor `weight:"bias"`
	RunningMean ml.Tensor `weight:"running_mean,buffer"`
	RunningVar  ml.Tensor `weight:"running_var,buffer"`

	Momentum float64
	Eps      float64

	// Training verwendet Batch-Statistiken und aktualisiert die laufenden Werte
	Training bool
}

func NewBatchNorm2D(ctx ml.Context, channels int) *BatchNorm2D {
	return &BatchNorm2D{
		Weight:      NewParam(ctx, ones(channels), channels),
		Bias:        Zeros(ctx, channels),
		RunningMean: ctx.Zeros(channels),
		RunningVar:  ctx.FromFloats(ones(channels), channels),
		Momentum:    0.1,
		Eps:         1e-5,
		Training:    true,
	}
}

func ones(n int) []float64 {
	s := make([]float64, n)
	for i := range s {
		s[i] = 1
	}
	return s
}

func (m *BatchNorm2D) Forward(ctx ml.Context, x ml.Tensor) ml.Tensor {
	var mean, variance ml.Tensor
	if m.Training {
		mean = x.Mean(ctx, 0, 2, 3)
		variance = x.Sub(ctx, mean).Sqr(ctx).Mean(ctx, 0, 2, 3)
		m.update(mean.Floats(), variance.Floats(), x.Len()/x.Dim(1))
	} else {
		mean = m.RunningMean.Reshape(ctx, 1, -1, 1, 1)
		variance = m.RunningVar.Reshape(ctx, 1, -1, 1, 1)
	}

	x = x.Sub(ctx, mean).Div(ctx, variance.AddScalar(ctx, m.Eps).Sqrt(ctx))
	return x.Mul(ctx, m.Weight.Reshape(ctx, 1, -1, 1, 1)).Add(ctx, m.Bias.Reshape(ctx, 1, -1, 1, 1))
}

// update aktualisiert die laufenden Statistiken mit der unverzerrten Varianz
func (m *BatchNorm2D) update(mean, variance []float64, n int) {
	correction := 1.0
	if n > 1 {
		correction = float64(n) / float64(n-1)
	}

	rm, rv := m.RunningMean.Floats(), m.RunningVar.Floats()
	for i := range rm {
		rm[i] = (1-m.Momentum)*rm[i] + m.Momentum*mean[i]
		rv[i] = (1-m.Momentum)*rv[i] + m.Momentum*variance[i]*correction
	}
	m.RunningMean.FromFloats(rm)
	m.RunningVar.FromFloats(rv)
}

// Linear berechnet x W^T + b fuer x mit Shape (N, in)
type Linear struct {
	Weight ml.Tensor `weight:"weight"`
	Bias   ml.Tensor `weight:"bias,optional"`
}

func NewLinear(ctx ml.Context, in, out int, bias bool) *Linear {
	bound := 1 / math.Sqrt(float64(in))
	l := &Linear{Weight: Uniform(ctx, bound, out, in)}
	if bias {
		l.Bias = Uniform(ctx, bound, out)
	}
	return l
}

// Forward bildet die Matrixmultiplikation als 1x1-Faltung ab
func (m *Linear) Forward(ctx ml.Context, x ml.Tensor) ml.Tensor {
	out, in := m.Weight.Dim(0), m.Weight.Dim(1)
	x = x.Reshape(ctx, -1, in, 1, 1).Conv2D(ctx, m.Weight.Reshape(ctx, out, in, 1, 1), 1, 0, 1)
	x = x.Reshape(ctx, -1, out)
	if m.Bias != nil {
		x = x.Add(ctx, m.Bias)
	}
	return x
}

// MatMul multipliziert a (I, K) mit b (K, J) ueber eine 1x1-Faltung
func MatMul(ctx ml.Context, a, b ml.Tensor) ml.Tensor {
	i, k, j := a.Dim(0), a.Dim(1), b.Dim(1)
	return b.Reshape(ctx, 1, k, j, 1).Conv2D(ctx, a.Reshape(ctx, i, k, 1, 1), 1, 0, 1).Reshape(ctx, i, j)
}
