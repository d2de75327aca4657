// filters.go - Frequenztrennung fuer Pixel- und Adversarial-Verluste
// Enthält: Tiefpass (average/gaussian) und Hochpass als Differenz zum
// Tiefpass

package train

import (
	"fmt"
	"math"

	"github.com/srflow/srflow/ml"
)

// FilterOptions beschreibt einen Frequenzfilter
type FilterOptions struct {
	Type       string
	KernelSize int
	Recursions int
	Normalize  bool
}

// Filter ist ein Tief- oder Hochpass ueber alle Kanaele einzeln
type Filter struct {
	opts FilterOptions
	high bool

	// kernel ist das Gauss-Gewicht (k*k), nil fuer average
	kernel []float64
}

func newFilter(opts FilterOptions, high bool) (*Filter, error) {
	if opts.KernelSize == 0 {
		opts.KernelSize = 9
	}
	if opts.Recursions == 0 {
		opts.Recursions = 1
	}
	if opts.KernelSize%2 == 0 {
		return nil, fmt.Errorf("%w: filter kernel size %d must be odd", ErrUnknownLoss, opts.KernelSize)
	}

	f := &Filter{opts: opts, high: high}
	switch opts.Type {
	case "average", "":
	case "gaussian":
		f.kernel = gaussianKernel(opts.KernelSize)
	default:
		return nil, fmt.Errorf("%w: filter type %q", ErrUnknownLoss, opts.Type)
	}
	return f, nil
}

// FilterLow erstellt einen Tiefpass
func FilterLow(opts FilterOptions) (*Filter, error) {
	return newFilter(opts, false)
}

// FilterHigh erstellt einen Hochpass. Mit Normalize wird das Ergebnis auf
// 0.5 + x/2 verschoben.
func FilterHigh(opts FilterOptions) (*Filter, error) {
	return newFilter(opts, true)
}

// gaussianKernel verwendet sigma wie OpenCV fuer die Kernelgroesse
func gaussianKernel(k int) []float64 {
	sigma := 0.3*(float64(k-1)*0.5-1) + 0.8
	c := float64(k / 2)

	w := make([]float64, k*k)
	var sum float64
	for y := range k {
		for x := range k {
			dy, dx := float64(y)-c, float64(x)-c
			w[y*k+x] = math.Exp(-(dx*dx + dy*dy) / (2 * sigma * sigma))
			sum += w[y*k+x]
		}
	}
	for i := range w {
		w[i] /= sum
	}
	return w
}

// low wendet den Tiefpass einmal an
func (f *Filter) low(ctx ml.Context, x ml.Tensor) ml.Tensor {
	k := f.opts.KernelSize
	if f.kernel == nil {
		return x.AvgPool2D(ctx, k, 1, k/2)
	}

	c := x.Dim(1)
	w := ctx.FromFloats(f.kernel, 1, 1, k, k).Repeat(ctx, 0, c)
	return x.Conv2D(ctx, w, 1, k/2, c)
}

func (f *Filter) Forward(ctx ml.Context, x ml.Tensor) ml.Tensor {
	if !f.high {
		for range f.opts.Recursions {
			x = f.low(ctx, x)
		}
		return x
	}

	for range f.opts.Recursions - 1 {
		x = f.low(ctx, x)
	}
	x = x.Sub(ctx, f.low(ctx, x))
	if f.opts.Normalize {
		x = x.Scale(ctx, 0.5).AddScalar(ctx, 0.5)
	}
	return x
}
