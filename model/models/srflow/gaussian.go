package srflow

import (
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/srflow/srflow/ml"
)

// log2Pi ist log(2*pi), aus der Dichte der Standardnormalverteilung bei 0
var log2Pi = -2 * distuv.UnitNormal.LogProb(0)

// gaussianLikelihood ist die elementweise Log-Dichte von x unter
// N(mean, exp(logs)^2)
func gaussianLikelihood(ctx ml.Context, mean, logs, x ml.Tensor) ml.Tensor {
	d := x.Sub(ctx, mean).Sqr(ctx).Div(ctx, logs.Scale(ctx, 2).Exp(ctx))
	return d.Add(ctx, logs.Scale(ctx, 2)).AddScalar(ctx, log2Pi).Scale(ctx, -0.5)
}

// GaussianLogp summiert die Log-Dichte pro Sample, Ergebnis hat Shape (N)
func GaussianLogp(ctx ml.Context, mean, logs, x ml.Tensor) ml.Tensor {
	return perSample(ctx, gaussianLikelihood(ctx, mean, logs, x))
}

// StandardLogp ist GaussianLogp mit mean = 0 und logs = 0
func StandardLogp(ctx ml.Context, x ml.Tensor) ml.Tensor {
	return perSample(ctx, x.Sqr(ctx).AddScalar(ctx, log2Pi).Scale(ctx, -0.5))
}

// sampleEps zieht eps ~ N(0, epsStd^2)
func sampleEps(ctx ml.Context, epsStd float64, shape ...int) ml.Tensor {
	return ctx.Randn(epsStd, shape...)
}
