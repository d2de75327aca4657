// tensor_arithmetic.go - Elementweise Operationen fuer Tensoren
// Enthält: Add, Sub, Mul, Div mit Broadcasting, Skalar-Operationen,
// unaere Funktionen und Aktivierungen inklusive Ableitungen

package cpu

import (
	"math"

	"github.com/srflow/srflow/ml"
)

// ctxOf gibt den konkreten Context zurueck
func ctxOf(ctx ml.Context) *Context {
	return ctx.(*Context)
}

// =============================================================================
// Binaere Operationen mit Broadcasting
// =============================================================================

// binary wendet fwd elementweise mit numpy-Broadcasting an. da und db liefern
// die partiellen Ableitungen nach a bzw. b.
func (t *Tensor) binary(ctx ml.Context, t2 ml.Tensor, fwd func(a, b float64) float64, da, db func(a, b float64) float64) ml.Tensor {
	c := ctxOf(ctx)
	x, y := t, t2.(*Tensor)

	shape := broadcastShape(x.shape, y.shape)
	sa, sb := broadcastStrides(x.shape, shape), broadcastStrides(y.shape, shape)

	data := make([]float64, ml.Numel(shape...))
	walk(shape, sa, sb, func(i, a, b int) {
		data[i] = fwd(x.data[a], y.data[b])
	})

	out := newTensor(shape, data)
	if c.track(out, x, y) {
		out.backward = func() {
			g := out.grad
			if x.requiresGrad {
				gx := x.gradBuffer()
				walk(shape, sa, sb, func(i, a, b int) {
					gx[a] += g[i] * da(x.data[a], y.data[b])
				})
			}
			if y.requiresGrad {
				gy := y.gradBuffer()
				walk(shape, sa, sb, func(i, a, b int) {
					gy[b] += g[i] * db(x.data[a], y.data[b])
				})
			}
		}
	}
	return out
}

func (t *Tensor) Add(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	return t.binary(ctx, t2,
		func(a, b float64) float64 { return a + b },
		func(a, b float64) float64 { return 1 },
		func(a, b float64) float64 { return 1 },
	)
}

func (t *Tensor) Sub(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	return t.binary(ctx, t2,
		func(a, b float64) float64 { return a - b },
		func(a, b float64) float64 { return 1 },
		func(a, b float64) float64 { return -1 },
	)
}

func (t *Tensor) Mul(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	return t.binary(ctx, t2,
		func(a, b float64) float64 { return a * b },
		func(a, b float64) float64 { return b },
		func(a, b float64) float64 { return a },
	)
}

func (t *Tensor) Div(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	return t.binary(ctx, t2,
		func(a, b float64) float64 { return a / b },
		func(a, b float64) float64 { return 1 / b },
		func(a, b float64) float64 { return -a / (b * b) },
	)
}

// =============================================================================
// Unaere Operationen
// =============================================================================

// unary wendet fwd elementweise an; deriv bekommt Eingabe und Ausgabe
func (t *Tensor) unary(ctx ml.Context, fwd func(x float64) float64, deriv func(x, y float64) float64) ml.Tensor {
	c := ctxOf(ctx)

	data := make([]float64, len(t.data))
	for i, v := range t.data {
		data[i] = fwd(v)
	}

	out := newTensor(t.shape, data)
	if c.track(out, t) {
		out.backward = func() {
			if !t.requiresGrad {
				return
			}
			gx := t.gradBuffer()
			for i, g := range out.grad {
				gx[i] += g * deriv(t.data[i], out.data[i])
			}
		}
	}
	return out
}

func (t *Tensor) Scale(ctx ml.Context, s float64) ml.Tensor {
	return t.unary(ctx,
		func(x float64) float64 { return x * s },
		func(x, y float64) float64 { return s },
	)
}

func (t *Tensor) AddScalar(ctx ml.Context, s float64) ml.Tensor {
	return t.unary(ctx,
		func(x float64) float64 { return x + s },
		func(x, y float64) float64 { return 1 },
	)
}

func (t *Tensor) Exp(ctx ml.Context) ml.Tensor {
	return t.unary(ctx, math.Exp, func(x, y float64) float64 { return y })
}

func (t *Tensor) Log(ctx ml.Context) ml.Tensor {
	return t.unary(ctx, math.Log, func(x, y float64) float64 { return 1 / x })
}

func (t *Tensor) Abs(ctx ml.Context) ml.Tensor {
	return t.unary(ctx, math.Abs, func(x, y float64) float64 {
		switch {
		case x > 0:
			return 1
		case x < 0:
			return -1
		default:
			return 0
		}
	})
}

func (t *Tensor) Sqr(ctx ml.Context) ml.Tensor {
	return t.unary(ctx,
		func(x float64) float64 { return x * x },
		func(x, y float64) float64 { return 2 * x },
	)
}

func (t *Tensor) Sqrt(ctx ml.Context) ml.Tensor {
	return t.unary(ctx, math.Sqrt, func(x, y float64) float64 { return 0.5 / y })
}

// Clamp begrenzt auf [lo, hi]; der Gradient fliesst nur innerhalb des Intervalls
func (t *Tensor) Clamp(ctx ml.Context, lo, hi float64) ml.Tensor {
	return t.unary(ctx,
		func(x float64) float64 { return min(max(x, lo), hi) },
		func(x, y float64) float64 {
			if x < lo || x > hi {
				return 0
			}
			return 1
		},
	)
}

// =============================================================================
// Aktivierungen
// =============================================================================

func (t *Tensor) RELU(ctx ml.Context) ml.Tensor {
	return t.LeakyRELU(ctx, 0)
}

func (t *Tensor) LeakyRELU(ctx ml.Context, slope float64) ml.Tensor {
	return t.unary(ctx,
		func(x float64) float64 {
			if x > 0 {
				return x
			}
			return x * slope
		},
		func(x, y float64) float64 {
			if x > 0 {
				return 1
			}
			return slope
		},
	)
}

func (t *Tensor) Sigmoid(ctx ml.Context) ml.Tensor {
	return t.unary(ctx,
		func(x float64) float64 { return 1 / (1 + math.Exp(-x)) },
		func(x, y float64) float64 { return y * (1 - y) },
	)
}

func (t *Tensor) Tanh(ctx ml.Context) ml.Tensor {
	return t.unary(ctx, math.Tanh, func(x, y float64) float64 { return 1 - y*y })
}
