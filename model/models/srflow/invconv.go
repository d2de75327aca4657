package srflow

import (
	"fmt"
	"math"
	"slices"

	"gonum.org/v1/gonum/mat"

	"github.com/srflow/srflow/ml"
	"github.com/srflow/srflow/ml/nn"
)

// InvConv ist eine invertierbare 1x1-Faltung (Glow). Mit LU-Zerlegung wird
// W = P L (U + diag(sign * exp(log_s))) parametrisiert und der LogDet ist
// sum(log_s) * H * W.
type InvConv struct {
	Weight ml.Tensor `weight:"weight,optional"`

	P     ml.Tensor `weight:"p,buffer,optional"`
	SignS ml.Tensor `weight:"sign_s,buffer,optional"`
	Lower ml.Tensor `weight:"l,optional"`
	Upper ml.Tensor `weight:"u,optional"`
	LogS  ml.Tensor `weight:"log_s,optional"`

	channels int
	lu       bool
}

// orthogonal liefert eine zufaellige orthogonale Matrix ueber QR
func orthogonal(ctx ml.Context, c int) *mat.Dense {
	a := mat.NewDense(c, c, ctx.Randn(1, c, c).Floats())

	var qr mat.QR
	qr.Factorize(a)

	var q mat.Dense
	qr.QTo(&q)
	return &q
}

func NewInvConv(ctx ml.Context, channels int, lu bool) *InvConv {
	w := orthogonal(ctx, channels)
	m := &InvConv{channels: channels, lu: lu}

	if !lu {
		m.Weight = nn.NewParam(ctx, w.RawMatrix().Data, channels, channels)
		return m
	}

	p, l, u := luDecompose(w.RawMatrix().Data, channels)

	sign := make([]float64, channels)
	logs := make([]float64, channels)
	for i := range channels {
		s := u[i*channels+i]
		sign[i] = math.Copysign(1, s)
		logs[i] = math.Log(math.Abs(s))
		u[i*channels+i] = 0
	}

	m.P = ctx.FromFloats(p, channels, channels)
	m.SignS = ctx.FromFloats(sign, 1, channels)
	m.Lower = nn.NewParam(ctx, l, channels, channels)
	m.Upper = nn.NewParam(ctx, u, channels, channels)
	m.LogS = nn.NewParam(ctx, logs, 1, channels)
	return m
}

// luDecompose zerlegt a = p l u mit der LU-Zerlegung von gonum.
// l hat eine Einheitsdiagonale, u ist obere Dreiecksmatrix.
func luDecompose(a []float64, n int) (p, l, u []float64) {
	var lu mat.LU
	lu.Factorize(mat.NewDense(n, n, slices.Clone(a)))

	var lt, ut mat.TriDense
	lu.LTo(&lt)
	lu.UTo(&ut)

	var perm mat.Dense
	perm.Permutation(n, lu.RowPivots(nil))

	return perm.RawMatrix().Data, mat.DenseCopyOf(&lt).RawMatrix().Data, mat.DenseCopyOf(&ut).RawMatrix().Data
}

// masks liefert die strikt untere Maske, ihre Transponierte und die Einheitsmatrix
func masks(ctx ml.Context, c int) (lower, upper, eye ml.Tensor) {
	lo := make([]float64, c*c)
	up := make([]float64, c*c)
	id := make([]float64, c*c)
	for i := range c {
		for j := range c {
			switch {
			case j < i:
				lo[i*c+j] = 1
			case j > i:
				up[i*c+j] = 1
			default:
				id[i*c+j] = 1
			}
		}
	}
	return ctx.FromFloats(lo, c, c), ctx.FromFloats(up, c, c), ctx.FromFloats(id, c, c)
}

// weight baut W aus der LU-Parametrisierung
func (m *InvConv) weight(ctx ml.Context) ml.Tensor {
	if !m.lu {
		return m.Weight
	}

	lower, upper, eye := masks(ctx, m.channels)
	l := m.Lower.Mul(ctx, lower).Add(ctx, eye)
	u := m.Upper.Mul(ctx, upper).Add(ctx, eye.Mul(ctx, m.SignS.Mul(ctx, m.LogS.Exp(ctx))))
	return nn.MatMul(ctx, m.P, nn.MatMul(ctx, l, u))
}

// inverse berechnet W^-1 und log|det W| ohne Gradienten
func (m *InvConv) inverse(ctx ml.Context) (inv *mat.Dense, logdet float64, err error) {
	c := m.channels
	w := mat.NewDense(c, c, m.weight(ctx.NoGrad()).Floats())

	logdet, _ = mat.LogDet(w)

	inv = new(mat.Dense)
	if err := inv.Inverse(w); err != nil {
		return nil, 0, fmt.Errorf("srflow: invconv weight is not invertible: %w", err)
	}
	return inv, logdet, nil
}

// logDet gibt log|det W| * pixels als Tensor der Shape (1) zurueck
func (m *InvConv) logDet(ctx ml.Context, pixels float64) (ml.Tensor, error) {
	if m.lu {
		return scalar(ctx, m.LogS).Scale(ctx, pixels), nil
	}

	inv, logdet, err := m.inverse(ctx)
	if err != nil {
		return nil, err
	}

	if !ctx.Grad() || !m.Weight.RequiresGrad() {
		return ctx.FromFloats([]float64{pixels * logdet}, 1), nil
	}

	// d log|det W| / dW = W^-T; sum(W * W^-T) ist konstant c
	c := float64(m.channels)
	g := ctx.FromFloats(mat.DenseCopyOf(inv.T()).RawMatrix().Data, m.channels, m.channels)
	return scalar(ctx, m.Weight.Mul(ctx, g)).AddScalar(ctx, logdet-c).Scale(ctx, pixels), nil
}

func (m *InvConv) Kind() Kind { return KindOther }

func (m *InvConv) apply(ctx ml.Context, s *flowState, dir Direction) error {
	c := m.channels
	pixels := float64(s.x.Dim(2) * s.x.Dim(3))

	if dir == Encode {
		dlogdet, err := m.logDet(ctx, pixels)
		if err != nil {
			return err
		}

		s.x = s.x.Conv2D(ctx, m.weight(ctx).Reshape(ctx, c, c, 1, 1), 1, 0, 1)
		s.addLogDet(ctx, dlogdet)
		return nil
	}

	inv, logdet, err := m.inverse(ctx)
	if err != nil {
		return err
	}

	w := ctx.FromFloats(inv.RawMatrix().Data, c, c, 1, 1)
	s.x = s.x.Conv2D(ctx, w, 1, 0, 1)
	s.subLogDet(ctx, ctx.FromFloats([]float64{pixels * logdet}, 1))
	return nil
}

// Permute2d ordnet die Kanaele fest um ("reverse" oder "shuffle"), LogDet 0
type Permute2d struct {
	Indices ml.Tensor `weight:"indices,buffer"`
}

func NewPermute2d(ctx ml.Context, channels int, shuffle bool) *Permute2d {
	indices := make([]float64, channels)
	if shuffle {
		for i, j := range ctx.Rand().Perm(channels) {
			indices[i] = float64(j)
		}
	} else {
		for i := range indices {
			indices[i] = float64(channels - 1 - i)
		}
	}
	return &Permute2d{Indices: ctx.FromFloats(indices, channels)}
}

// matrix liefert M mit M[i][indices[i]] = 1 bzw. die Transponierte
func (m *Permute2d) matrix(ctx ml.Context, transpose bool) ml.Tensor {
	indices := m.Indices.Floats()
	c := len(indices)
	data := make([]float64, c*c)
	for i, j := range indices {
		if transpose {
			data[int(j)*c+i] = 1
		} else {
			data[i*c+int(j)] = 1
		}
	}
	return ctx.FromFloats(data, c, c, 1, 1)
}

func (m *Permute2d) Kind() Kind { return KindOther }

func (m *Permute2d) apply(ctx ml.Context, s *flowState, dir Direction) error {
	s.x = s.x.Conv2D(ctx, m.matrix(ctx, dir == Decode), 1, 0, 1)
	return nil
}
