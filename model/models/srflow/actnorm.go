package srflow

import (
	"log/slog"
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/srflow/srflow/ml"
	"github.com/srflow/srflow/ml/nn"
)

// ActNorm ist eine kanalweise affine Normalisierung y = (x + b) * exp(logs).
// Beim ersten Encode mit Gradienten werden b und logs aus den Daten so
// initialisiert, dass die Ausgabe Mittelwert 0 und Standardabweichung scale hat.
type ActNorm struct {
	Bias ml.Tensor `weight:"bias"`
	Logs ml.Tensor `weight:"logs"`

	Scale       float64
	Initialized bool
}

func NewActNorm(ctx ml.Context, channels int, scale float64) *ActNorm {
	return &ActNorm{
		Bias:  nn.Zeros(ctx, 1, channels, 1, 1),
		Logs:  nn.Zeros(ctx, 1, channels, 1, 1),
		Scale: scale,
	}
}

// initialize setzt Bias und Logs aus den Statistiken von x
func (a *ActNorm) initialize(x ml.Tensor) {
	n, c, h, w := x.Dim(0), x.Dim(1), x.Dim(2), x.Dim(3)
	data := x.Floats()

	bias := make([]float64, c)
	logs := make([]float64, c)
	values := make([]float64, 0, n*h*w)
	for ch := range c {
		values = values[:0]
		for b := range n {
			values = append(values, data[(b*c+ch)*h*w:(b*c+ch+1)*h*w]...)
		}

		mean, std := stat.PopMeanStdDev(values, nil)
		bias[ch] = -mean
		logs[ch] = math.Log(a.Scale / (std + 1e-6))
	}

	a.Bias.FromFloats(bias)
	a.Logs.FromFloats(logs)
	a.Initialized = true
	slog.Debug("actnorm initialized from data", "channels", c)
}

// Forward wendet die Normalisierung ohne LogDet an
func (a *ActNorm) Forward(ctx ml.Context, x ml.Tensor) ml.Tensor {
	if !a.Initialized && ctx.Grad() {
		a.initialize(x)
	}
	return x.Add(ctx, a.Bias).Mul(ctx, a.Logs.Exp(ctx))
}

func (a *ActNorm) Kind() Kind { return KindOther }

func (a *ActNorm) apply(ctx ml.Context, s *flowState, dir Direction) error {
	if dir == Encode && !a.Initialized && ctx.Grad() {
		a.initialize(s.x)
	}

	pixels := float64(s.x.Dim(2) * s.x.Dim(3))
	dlogdet := scalar(ctx, a.Logs).Scale(ctx, pixels)

	if dir == Encode {
		s.x = a.Forward(ctx, s.x)
		s.addLogDet(ctx, dlogdet)
		return nil
	}

	s.x = s.x.Mul(ctx, a.Logs.Scale(ctx, -1).Exp(ctx)).Sub(ctx, a.Bias)
	s.subLogDet(ctx, dlogdet)
	return nil
}
