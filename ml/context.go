// context.go - Context und Tensor Interfaces fuer ML-Operationen
// Dieses Modul definiert die Schnittstellen fuer Tensor-Operationen und Compute-Kontexte.
// Ein Context zeichnet (falls aktiviert) die Operationen fuer den Backward-Pass auf.
package ml

import "math/rand/v2"

// Context represents an execution context for tensor operations.
//
// A recording context keeps a tape of every operation whose inputs require
// gradients; Backward walks that tape in reverse. Parameters are leaf tensors
// and keep their accumulated gradients across contexts until ZeroGrad.
type Context interface {
	Zeros(shape ...int) Tensor
	Ones(shape ...int) Tensor
	FromFloats(s []float64, shape ...int) Tensor

	// Randn creates a tensor with values drawn from N(0, std^2).
	Randn(std float64, shape ...int) Tensor

	// Rand returns the random source shared by all contexts of a backend.
	Rand() *rand.Rand

	// Backward accumulates d(loss)/d(leaf) into every leaf that requires
	// gradients. loss must hold exactly one element.
	Backward(loss Tensor) error

	// Detach returns a copy of t that is cut off from the tape.
	Detach(t Tensor) Tensor

	// NoGrad returns a context on the same backend that records nothing.
	NoGrad() Context

	// Grad reports whether this context records operations.
	Grad() bool

	Close()
}

// Tensor represents a multi-dimensional array with various operations.
//
// Shapes follow the (N, C, H, W) convention for image tensors. Binary
// arithmetic broadcasts like numpy; reductions keep reduced axes with size 1.
type Tensor interface {
	Dim(n int) int
	Shape() []int
	Len() int

	// Floats returns a copy of the tensor data.
	Floats() []float64
	FromFloats([]float64)

	// Grad returns a copy of the accumulated gradient, or nil.
	Grad() []float64
	ZeroGrad()
	RequiresGrad() bool
	SetRequiresGrad(bool)

	Add(ctx Context, t2 Tensor) Tensor
	Sub(ctx Context, t2 Tensor) Tensor
	Mul(ctx Context, t2 Tensor) Tensor
	Div(ctx Context, t2 Tensor) Tensor

	Scale(ctx Context, s float64) Tensor
	AddScalar(ctx Context, s float64) Tensor

	Exp(ctx Context) Tensor
	Log(ctx Context) Tensor
	Abs(ctx Context) Tensor
	Sqr(ctx Context) Tensor
	Sqrt(ctx Context) Tensor
	Clamp(ctx Context, min, max float64) Tensor

	RELU(ctx Context) Tensor
	LeakyRELU(ctx Context, slope float64) Tensor
	Sigmoid(ctx Context) Tensor
	Tanh(ctx Context) Tensor

	// Sum and Mean reduce over the given axes (all axes when none are given).
	Sum(ctx Context, axes ...int) Tensor
	Mean(ctx Context, axes ...int) Tensor

	Reshape(ctx Context, shape ...int) Tensor
	Permute(ctx Context, order ...int) Tensor

	// Slice keeps indices low, low+step, ... < high along dim.
	Slice(ctx Context, dim, low, high, step int) Tensor
	Concat(ctx Context, t2 Tensor, dim int) Tensor

	// Repeat tiles the tensor n times along dim.
	Repeat(ctx Context, dim, n int) Tensor

	// Conv2D expects weight in (O, C/groups, KH, KW) layout.
	Conv2D(ctx Context, weight Tensor, stride, padding, groups int) Tensor
	AvgPool2D(ctx Context, k, s, p int) Tensor
	Interpolate(ctx Context, dims [4]int, samplingMode SamplingMode) Tensor
}
