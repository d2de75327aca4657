// context.go - Context-Implementierung mit Aufzeichnung fuer den Backward-Pass
// Enthält: Context struct, Tensor-Erzeugung, Backward, Detach, NoGrad

package cpu

import (
	"errors"
	"math/rand/v2"

	"github.com/srflow/srflow/ml"
)

var (
	// ErrNonScalarLoss wird zurueckgegeben wenn Backward mit mehr als einem Element aufgerufen wird
	ErrNonScalarLoss = errors.New("cpu: backward requires a tensor with exactly one element")

	// ErrNoGraph wird zurueckgegeben wenn der Loss keine Gradienten benoetigt
	ErrNoGraph = errors.New("cpu: loss does not depend on any tensor that requires gradients")
)

// Context zeichnet Operationen auf, deren Eingaben Gradienten benoetigen.
// Die Reihenfolge des Tapes ist zugleich eine topologische Sortierung.
type Context struct {
	b      *Backend
	record bool
	tape   []*Tensor
}

func (c *Context) Zeros(shape ...int) ml.Tensor {
	return newTensor(shape, make([]float64, ml.Numel(shape...)))
}

func (c *Context) Ones(shape ...int) ml.Tensor {
	data := make([]float64, ml.Numel(shape...))
	for i := range data {
		data[i] = 1
	}
	return newTensor(shape, data)
}

// FromFloats kopiert s in einen neuen Blatt-Tensor
func (c *Context) FromFloats(s []float64, shape ...int) ml.Tensor {
	if len(s) != ml.Numel(shape...) {
		panic("cpu: FromFloats length does not match shape")
	}

	data := make([]float64, len(s))
	copy(data, s)
	return newTensor(shape, data)
}

func (c *Context) Randn(std float64, shape ...int) ml.Tensor {
	data := make([]float64, ml.Numel(shape...))
	for i := range data {
		data[i] = c.b.rng.NormFloat64() * std
	}
	return newTensor(shape, data)
}

func (c *Context) Rand() *rand.Rand {
	return c.b.rng
}

func (c *Context) Grad() bool {
	return c.record
}

func (c *Context) NoGrad() ml.Context {
	return &Context{b: c.b}
}

// Detach kopiert die Daten ohne Verbindung zum Tape
func (c *Context) Detach(t ml.Tensor) ml.Tensor {
	src := t.(*Tensor)
	data := make([]float64, len(src.data))
	copy(data, src.data)
	return newTensor(src.shape, data)
}

// Close verwirft das Tape
func (c *Context) Close() {
	c.tape = nil
}

// Backward propagiert den Gradienten des Loss rueckwaerts durch das Tape.
// Zwischenergebnisse verlieren ihre Gradienten danach wieder, Blatt-Tensoren
// (Parameter) akkumulieren bis ZeroGrad.
func (c *Context) Backward(loss ml.Tensor) error {
	l := loss.(*Tensor)
	if len(l.data) != 1 {
		return ErrNonScalarLoss
	}

	if !l.requiresGrad {
		return ErrNoGraph
	}

	for _, t := range c.tape {
		t.grad = nil
	}

	if l.backward == nil {
		// Loss ist selbst ein Blatt
		l.accumulate([]float64{1})
		return nil
	}

	l.grad = []float64{1}

	for i := len(c.tape) - 1; i >= 0; i-- {
		t := c.tape[i]
		if t.grad != nil && t.backward != nil {
			t.backward()
		}
	}

	for _, t := range c.tape {
		t.grad = nil
	}

	return nil
}

// track haengt out an das Tape wenn aufgezeichnet wird und eine Eingabe
// Gradienten benoetigt. Gibt zurueck ob ein Backward registriert werden muss.
func (c *Context) track(out *Tensor, inputs ...*Tensor) bool {
	if !c.record {
		return false
	}

	for _, in := range inputs {
		if in.requiresGrad {
			out.requiresGrad = true
			c.tape = append(c.tape, out)
			return true
		}
	}

	return false
}
