// tensor_shape.go - Shape-Operationen und Reduktionen fuer Tensoren
// Enthält: Reshape, Permute, Slice, Concat, Repeat, Sum, Mean

package cpu

import (
	"fmt"
	"slices"

	"github.com/pdevine/tensor"

	"github.com/srflow/srflow/ml"
)

// =============================================================================
// Reduktionen
// =============================================================================

// Sum reduziert ueber axes (alle wenn leer) und behaelt die Dimensionen bei
func (t *Tensor) Sum(ctx ml.Context, axes ...int) ml.Tensor {
	c := ctxOf(ctx)

	shape := slices.Clone(t.shape)
	if len(axes) == 0 {
		for i := range shape {
			shape[i] = 1
		}
	}
	for _, axis := range axes {
		shape[normalizeAxis(axis, len(t.shape))] = 1
	}

	sa := contiguousStrides(t.shape)
	sb := broadcastStrides(shape, t.shape)

	data := make([]float64, ml.Numel(shape...))
	walk(t.shape, sa, sb, func(_, a, b int) {
		data[b] += t.data[a]
	})

	out := newTensor(shape, data)
	if c.track(out, t) {
		out.backward = func() {
			if !t.requiresGrad {
				return
			}
			gx := t.gradBuffer()
			walk(t.shape, sa, sb, func(_, a, b int) {
				gx[a] += out.grad[b]
			})
		}
	}
	return out
}

// Mean ist Sum geteilt durch die Anzahl der reduzierten Elemente
func (t *Tensor) Mean(ctx ml.Context, axes ...int) ml.Tensor {
	sum := t.Sum(ctx, axes...)
	n := len(t.data) / sum.Len()
	return sum.Scale(ctx, 1/float64(n))
}

// =============================================================================
// Shape-Operationen
// =============================================================================

// Reshape erlaubt genau eine -1 als abgeleitete Dimension
func (t *Tensor) Reshape(ctx ml.Context, shape ...int) ml.Tensor {
	c := ctxOf(ctx)

	shape = slices.Clone(shape)
	if i := slices.Index(shape, -1); i >= 0 {
		shape[i] = 1
		shape[i] = len(t.data) / ml.Numel(shape...)
	}

	if ml.Numel(shape...) != len(t.data) {
		panic(fmt.Sprintf("cpu: cannot reshape %v into %v", t.shape, shape))
	}

	out := newTensor(shape, slices.Clone(t.data))
	if c.track(out, t) {
		out.backward = func() {
			t.accumulate(out.grad)
		}
	}
	return out
}

// permute ordnet die Achsen von data mit Hilfe von pdevine/tensor um
func permute(data []float64, shape, order []int) []float64 {
	if isIdentity(order) {
		return slices.Clone(data)
	}

	n := tensor.New(tensor.WithShape(shape...), tensor.WithBacking(slices.Clone(data)))
	if err := n.T(order...); err != nil {
		panic(err)
	}
	if err := n.Transpose(); err != nil {
		panic(err)
	}

	return n.Data().([]float64)
}

func isIdentity(order []int) bool {
	for i, o := range order {
		if i != o {
			return false
		}
	}
	return true
}

func (t *Tensor) Permute(ctx ml.Context, order ...int) ml.Tensor {
	c := ctxOf(ctx)
	if len(order) != len(t.shape) {
		panic(fmt.Sprintf("cpu: permute order %v does not match rank %d", order, len(t.shape)))
	}

	shape := make([]int, len(order))
	inverse := make([]int, len(order))
	for i, o := range order {
		shape[i] = t.shape[o]
		inverse[o] = i
	}

	out := newTensor(shape, permute(t.data, t.shape, order))
	if c.track(out, t) {
		out.backward = func() {
			t.accumulate(permute(out.grad, shape, inverse))
		}
	}
	return out
}

// Slice behaelt die Indizes low, low+step, ... < high entlang dim
func (t *Tensor) Slice(ctx ml.Context, dim, low, high, step int) ml.Tensor {
	c := ctxOf(ctx)
	dim = normalizeAxis(dim, len(t.shape))
	if step <= 0 || low < 0 || high > t.shape[dim] || low >= high {
		panic(fmt.Sprintf("cpu: invalid slice [%d:%d:%d] of dim %d with size %d", low, high, step, dim, t.shape[dim]))
	}

	shape := slices.Clone(t.shape)
	shape[dim] = (high - low + step - 1) / step

	strides := contiguousStrides(t.shape)
	base := low * strides[dim]
	sa := slices.Clone(strides)
	sa[dim] *= step

	data := make([]float64, ml.Numel(shape...))
	walk(shape, sa, contiguousStrides(shape), func(i, a, _ int) {
		data[i] = t.data[base+a]
	})

	out := newTensor(shape, data)
	if c.track(out, t) {
		out.backward = func() {
			if !t.requiresGrad {
				return
			}
			gx := t.gradBuffer()
			walk(shape, sa, contiguousStrides(shape), func(i, a, _ int) {
				gx[base+a] += out.grad[i]
			})
		}
	}
	return out
}

// Concat haengt t2 entlang dim an t an
func (t *Tensor) Concat(ctx ml.Context, t2 ml.Tensor, dim int) ml.Tensor {
	c := ctxOf(ctx)
	y := t2.(*Tensor)
	dim = normalizeAxis(dim, len(t.shape))

	if len(t.shape) != len(y.shape) {
		panic(fmt.Sprintf("cpu: cannot concat %v and %v", t.shape, y.shape))
	}
	for i := range t.shape {
		if i != dim && t.shape[i] != y.shape[i] {
			panic(fmt.Sprintf("cpu: cannot concat %v and %v along %d", t.shape, y.shape, dim))
		}
	}

	shape := slices.Clone(t.shape)
	shape[dim] += y.shape[dim]
	so := contiguousStrides(shape)
	offset := t.shape[dim] * so[dim]

	data := make([]float64, ml.Numel(shape...))
	walk(t.shape, contiguousStrides(t.shape), so, func(_, a, b int) {
		data[b] = t.data[a]
	})
	walk(y.shape, contiguousStrides(y.shape), so, func(_, a, b int) {
		data[offset+b] = y.data[a]
	})

	out := newTensor(shape, data)
	if c.track(out, t, y) {
		out.backward = func() {
			if t.requiresGrad {
				gx := t.gradBuffer()
				walk(t.shape, contiguousStrides(t.shape), so, func(_, a, b int) {
					gx[a] += out.grad[b]
				})
			}
			if y.requiresGrad {
				gy := y.gradBuffer()
				walk(y.shape, contiguousStrides(y.shape), so, func(_, a, b int) {
					gy[a] += out.grad[offset+b]
				})
			}
		}
	}
	return out
}

// Repeat kachelt den Tensor n-mal entlang dim
func (t *Tensor) Repeat(ctx ml.Context, dim, n int) ml.Tensor {
	c := ctxOf(ctx)
	dim = normalizeAxis(dim, len(t.shape))

	shape := slices.Clone(t.shape)
	shape[dim] *= n
	so := contiguousStrides(shape)
	sa := contiguousStrides(t.shape)
	block := t.shape[dim] * so[dim]

	data := make([]float64, ml.Numel(shape...))
	for r := range n {
		walk(t.shape, sa, so, func(_, a, b int) {
			data[r*block+b] = t.data[a]
		})
	}

	out := newTensor(shape, data)
	if c.track(out, t) {
		out.backward = func() {
			if !t.requiresGrad {
				return
			}
			gx := t.gradBuffer()
			for r := range n {
				walk(t.shape, sa, so, func(_, a, b int) {
					gx[a] += out.grad[r*block+b]
				})
			}
		}
	}
	return out
}
