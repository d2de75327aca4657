// optimizer.go - Optimierer ueber den Parametern eines Netzwerks
// Enthält: Adam und SGD mit Momentum, beide mit L2 Weight Decay

package train

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/srflow/srflow/ml/nn"
)

var ErrUnknownOptimizer = errors.New("train: unknown optimizer")

// Optimizer aktualisiert Parameter anhand ihrer akkumulierten Gradienten
type Optimizer interface {
	Step()
	ZeroGrad()

	LR() float64
	SetLR(float64)

	// InitialLR ist die Lernrate bei Erstellung, Basis fuer Scheduler
	InitialLR() float64
}

// OptimizerOptions entspricht den optim_G/optim_D Einstellungen
type OptimizerOptions struct {
	Type        string
	LR          float64
	WeightDecay float64
	Beta1       float64
	Beta2       float64
	Momentum    float64
}

// DefaultAdamOptions gibt die ueblichen Adam-Werte zurueck
func DefaultAdamOptions() OptimizerOptions {
	return OptimizerOptions{
		Type:  "adam",
		LR:    1e-4,
		Beta1: 0.9,
		Beta2: 0.999,
	}
}

// NewOptimizer erstellt den Optimierer opts.Type fuer die trainierbaren
// Parameter von module
func NewOptimizer(module any, opts OptimizerOptions) (Optimizer, error) {
	params := nn.Trainable(module)
	switch opts.Type {
	case "adam", "":
		return NewAdam(params, opts), nil
	case "sgd":
		return NewSGD(params, opts), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownOptimizer, opts.Type)
	}
}

type base struct {
	params    []nn.Param
	lr        float64
	initialLR float64
}

func (b *base) LR() float64        { return b.lr }
func (b *base) SetLR(lr float64)   { b.lr = lr }
func (b *base) InitialLR() float64 { return b.initialLR }

func (b *base) ZeroGrad() {
	for _, p := range b.params {
		p.Tensor.ZeroGrad()
	}
}

// Adam nach Kingma & Ba mit Bias-Korrektur
type Adam struct {
	base
	beta1, beta2 float64
	eps          float64
	weightDecay  float64

	m, v [][]float64
	t    int
}

func NewAdam(params []nn.Param, opts OptimizerOptions) *Adam {
	a := &Adam{
		base:        base{params: params, lr: opts.LR, initialLR: opts.LR},
		beta1:       opts.Beta1,
		beta2:       opts.Beta2,
		eps:         1e-8,
		weightDecay: opts.WeightDecay,
		m:           make([][]float64, len(params)),
		v:           make([][]float64, len(params)),
	}
	if a.beta2 == 0 {
		a.beta2 = 0.999
	}
	return a
}

func (a *Adam) Step() {
	a.t++
	c1 := 1 - math.Pow(a.beta1, float64(a.t))
	c2 := 1 - math.Pow(a.beta2, float64(a.t))

	for i, p := range a.params {
		g := p.Tensor.Grad()
		if g == nil {
			continue
		}

		w := p.Tensor.Floats()
		if a.weightDecay != 0 {
			floats.AddScaled(g, a.weightDecay, w)
		}

		if a.m[i] == nil {
			a.m[i], a.v[i] = make([]float64, len(w)), make([]float64, len(w))
		}
		m, v := a.m[i], a.v[i]

		floats.Scale(a.beta1, m)
		floats.AddScaled(m, 1-a.beta1, g)
		for j, gj := range g {
			v[j] = a.beta2*v[j] + (1-a.beta2)*gj*gj
			w[j] -= a.lr * (m[j] / c1) / (math.Sqrt(v[j]/c2) + a.eps)
		}
		p.Tensor.FromFloats(w)
	}
}

// SGD mit optionalem Momentum
type SGD struct {
	base
	momentum    float64
	weightDecay float64

	buf [][]float64
}

func NewSGD(params []nn.Param, opts OptimizerOptions) *SGD {
	return &SGD{
		base:        base{params: params, lr: opts.LR, initialLR: opts.LR},
		momentum:    opts.Momentum,
		weightDecay: opts.WeightDecay,
		buf:         make([][]float64, len(params)),
	}
}

func (s *SGD) Step() {
	for i, p := range s.params {
		g := p.Tensor.Grad()
		if g == nil {
			continue
		}

		w := p.Tensor.Floats()
		if s.weightDecay != 0 {
			floats.AddScaled(g, s.weightDecay, w)
		}

		if s.momentum != 0 {
			if s.buf[i] == nil {
				s.buf[i] = g
			} else {
				floats.Scale(s.momentum, s.buf[i])
				floats.Add(s.buf[i], g)
			}
			g = s.buf[i]
		}

		floats.AddScaled(w, -s.lr, g)
		p.Tensor.FromFloats(w)
	}
}
