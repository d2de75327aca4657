// tensor.go - Tensor-Struktur und Basis-Methoden
// Enthält: Tensor struct, Getter, Gradienten-Verwaltung, Index-Hilfsfunktionen

package cpu

import (
	"fmt"
	"slices"

	"gonum.org/v1/gonum/floats"

	"github.com/srflow/srflow/ml"
)

// Tensor ist ein zusammenhaengender float64-Tensor in Row-Major-Reihenfolge.
type Tensor struct {
	shape []int
	data  []float64

	grad         []float64
	requiresGrad bool

	// backward verteilt grad auf die Eingaben; nil fuer Blatt-Tensoren
	backward func()
}

func newTensor(shape []int, data []float64) *Tensor {
	return &Tensor{shape: slices.Clone(shape), data: data}
}

func (t *Tensor) Dim(n int) int {
	return t.shape[n]
}

func (t *Tensor) Shape() []int {
	return slices.Clone(t.shape)
}

func (t *Tensor) Len() int {
	return len(t.data)
}

func (t *Tensor) Floats() []float64 {
	return slices.Clone(t.data)
}

// FromFloats ueberschreibt die Daten in-place
func (t *Tensor) FromFloats(s []float64) {
	if len(s) != len(t.data) {
		panic(fmt.Sprintf("cpu: FromFloats length %d does not match %d", len(s), len(t.data)))
	}
	copy(t.data, s)
}

func (t *Tensor) Grad() []float64 {
	if t.grad == nil {
		return nil
	}
	return slices.Clone(t.grad)
}

func (t *Tensor) ZeroGrad() {
	t.grad = nil
}

func (t *Tensor) RequiresGrad() bool {
	return t.requiresGrad
}

func (t *Tensor) SetRequiresGrad(b bool) {
	t.requiresGrad = b
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor%v", t.shape)
}

// accumulate addiert g auf den Gradienten, sofern dieser benoetigt wird
func (t *Tensor) accumulate(g []float64) {
	if !t.requiresGrad {
		return
	}

	if t.grad == nil {
		t.grad = make([]float64, len(t.data))
	}
	floats.Add(t.grad, g)
}

// gradBuffer gibt den Gradienten-Puffer zum direkten Akkumulieren zurueck
func (t *Tensor) gradBuffer() []float64 {
	if t.grad == nil {
		t.grad = make([]float64, len(t.data))
	}
	return t.grad
}

// =============================================================================
// Index-Hilfsfunktionen
// =============================================================================

// contiguousStrides berechnet Row-Major-Strides
func contiguousStrides(shape []int) []int {
	strides := make([]int, len(shape))
	s := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = s
		s *= shape[i]
	}
	return strides
}

// broadcastStrides gibt die Strides von shape bezogen auf out zurueck.
// Fehlende fuehrende und Broadcast-Dimensionen erhalten Stride 0.
func broadcastStrides(shape, out []int) []int {
	strides := make([]int, len(out))
	offset := len(out) - len(shape)
	s := 1
	for i := len(shape) - 1; i >= 0; i-- {
		if shape[i] != 1 {
			strides[offset+i] = s
		}
		s *= shape[i]
	}
	return strides
}

// broadcastShape berechnet die Ergebnis-Shape zweier Operanden nach numpy-Regeln
func broadcastShape(a, b []int) []int {
	n := max(len(a), len(b))
	out := make([]int, n)
	for i := range n {
		da, db := 1, 1
		if j := i - (n - len(a)); j >= 0 {
			da = a[j]
		}
		if j := i - (n - len(b)); j >= 0 {
			db = b[j]
		}

		switch {
		case da == db:
			out[i] = da
		case da == 1:
			out[i] = db
		case db == 1:
			out[i] = da
		default:
			panic(fmt.Sprintf("cpu: shapes %v and %v are not broadcastable", a, b))
		}
	}
	return out
}

// walk iteriert ueber alle Elemente von shape und liefert den flachen Index
// sowie die Offsets zweier Operanden mit den gegebenen Strides.
func walk(shape, sa, sb []int, fn func(i, a, b int)) {
	n := ml.Numel(shape...)
	if n == 0 {
		return
	}

	idx := make([]int, len(shape))
	a, b := 0, 0
	for i := range n {
		fn(i, a, b)
		for d := len(shape) - 1; d >= 0; d-- {
			idx[d]++
			a += sa[d]
			b += sb[d]
			if idx[d] < shape[d] {
				break
			}
			a -= sa[d] * shape[d]
			b -= sb[d] * shape[d]
			idx[d] = 0
		}
	}
}

// normalizeAxis erlaubt negative Achsen wie in numpy
func normalizeAxis(axis, rank int) int {
	if axis < 0 {
		axis += rank
	}
	if axis < 0 || axis >= rank {
		panic(fmt.Sprintf("cpu: axis %d out of range for rank %d", axis, rank))
	}
	return axis
}
