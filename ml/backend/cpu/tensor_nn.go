// tensor_nn.go - Neuronale-Netz-Operationen fuer Tensoren
// Enthält: Conv2D (im2col + GEMM, gruppiert), AvgPool2D, Interpolate

package cpu

import (
	"fmt"
	"math"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas64"
	"gonum.org/v1/gonum/floats"

	"github.com/srflow/srflow/ml"
)

// parallel fuehrt fn fuer jedes Batch-Element aus, begrenzt auf numThreads
func (c *Context) parallel(n int, fn func(i int)) {
	var g errgroup.Group
	g.SetLimit(c.b.numThreads)
	for i := range n {
		g.Go(func() error {
			fn(i)
			return nil
		})
	}
	_ = g.Wait()
}

// =============================================================================
// Conv2D
// =============================================================================

// convGeom beschreibt die Geometrie einer gruppierten 2D-Faltung
type convGeom struct {
	c, h, w         int
	o, kh, kw       int
	oh, ow          int
	stride, padding int
	groups, cg, og  int
}

// rows ist die Zeilenzahl der im2col-Matrix pro Gruppe
func (g convGeom) rows() int { return g.cg * g.kh * g.kw }

// cols ist die Anzahl der Ausgabepositionen
func (g convGeom) cols() int { return g.oh * g.ow }

// im2col kopiert die Eingabe der Gruppe grp von x (ein Sample) in col
func (g convGeom) im2col(x, col []float64, grp int) {
	for ci := range g.cg {
		plane := x[(grp*g.cg+ci)*g.h*g.w:]
		for ky := range g.kh {
			for kx := range g.kw {
				row := col[((ci*g.kh+ky)*g.kw+kx)*g.cols():]
				for oy := range g.oh {
					iy := oy*g.stride - g.padding + ky
					for ox := range g.ow {
						ix := ox*g.stride - g.padding + kx
						if iy < 0 || iy >= g.h || ix < 0 || ix >= g.w {
							row[oy*g.ow+ox] = 0
							continue
						}
						row[oy*g.ow+ox] = plane[iy*g.w+ix]
					}
				}
			}
		}
	}
}

// col2im addiert col zurueck auf die Eingabe-Positionen der Gruppe grp
func (g convGeom) col2im(col, dx []float64, grp int) {
	for ci := range g.cg {
		plane := dx[(grp*g.cg+ci)*g.h*g.w:]
		for ky := range g.kh {
			for kx := range g.kw {
				row := col[((ci*g.kh+ky)*g.kw+kx)*g.cols():]
				for oy := range g.oh {
					iy := oy*g.stride - g.padding + ky
					if iy < 0 || iy >= g.h {
						continue
					}
					for ox := range g.ow {
						ix := ox*g.stride - g.padding + kx
						if ix < 0 || ix >= g.w {
							continue
						}
						plane[iy*g.w+ix] += row[oy*g.ow+ox]
					}
				}
			}
		}
	}
}

func general(rows, cols int, data []float64) blas64.General {
	return blas64.General{Rows: rows, Cols: cols, Stride: cols, Data: data[:rows*cols]}
}

// Conv2D faltet (N, C, H, W) mit weight (O, C/groups, KH, KW)
func (t *Tensor) Conv2D(ctx ml.Context, weight ml.Tensor, stride, padding, groups int) ml.Tensor {
	c := ctxOf(ctx)
	w := weight.(*Tensor)

	if len(t.shape) != 4 || len(w.shape) != 4 {
		panic(fmt.Sprintf("cpu: conv2d expects 4D input and weight, got %v and %v", t.shape, w.shape))
	}
	if groups <= 0 {
		groups = 1
	}

	g := convGeom{
		c: t.shape[1], h: t.shape[2], w: t.shape[3],
		o: w.shape[0], kh: w.shape[2], kw: w.shape[3],
		stride: stride, padding: padding, groups: groups,
	}
	g.cg, g.og = g.c/groups, g.o/groups
	if g.cg*groups != g.c || g.og*groups != g.o || w.shape[1] != g.cg {
		panic(fmt.Sprintf("cpu: conv2d input %v does not fit weight %v with %d groups", t.shape, w.shape, groups))
	}
	g.oh = (g.h+2*padding-g.kh)/stride + 1
	g.ow = (g.w+2*padding-g.kw)/stride + 1

	n := t.shape[0]
	in, out := g.c*g.h*g.w, g.o*g.cols()
	k := g.rows()

	data := make([]float64, n*out)
	c.parallel(n, func(i int) {
		col := make([]float64, k*g.cols())
		for grp := range groups {
			g.im2col(t.data[i*in:], col, grp)
			blas64.Gemm(blas.NoTrans, blas.NoTrans, 1,
				general(g.og, k, w.data[grp*g.og*k:]),
				general(k, g.cols(), col),
				0, general(g.og, g.cols(), data[i*out+grp*g.og*g.cols():]))
		}
	})

	res := newTensor([]int{n, g.o, g.oh, g.ow}, data)
	if c.track(res, t, w) {
		res.backward = func() {
			needX, needW := t.requiresGrad, w.requiresGrad

			var dx []float64
			if needX {
				dx = t.gradBuffer()
			}

			// dW pro Sample getrennt, danach summiert
			var partial [][]float64
			if needW {
				partial = make([][]float64, n)
			}

			c.parallel(n, func(i int) {
				col := make([]float64, k*g.cols())
				dcol := make([]float64, k*g.cols())
				var dw []float64
				if needW {
					dw = make([]float64, len(w.data))
					partial[i] = dw
				}

				for grp := range groups {
					dout := general(g.og, g.cols(), res.grad[i*out+grp*g.og*g.cols():])
					if needW {
						g.im2col(t.data[i*in:], col, grp)
						blas64.Gemm(blas.NoTrans, blas.Trans, 1,
							dout, general(k, g.cols(), col),
							1, general(g.og, k, dw[grp*g.og*k:]))
					}
					if needX {
						blas64.Gemm(blas.Trans, blas.NoTrans, 1,
							general(g.og, k, w.data[grp*g.og*k:]), dout,
							0, general(k, g.cols(), dcol))
						g.col2im(dcol, dx[i*in:], grp)
					}
				}
			})

			if needW {
				gw := w.gradBuffer()
				for _, dw := range partial {
					floats.Add(gw, dw)
				}
			}
		}
	}
	return res
}

// =============================================================================
// Pooling
// =============================================================================

// AvgPool2D mittelt ueber k x k Fenster; Padding-Nullen zaehlen mit
func (t *Tensor) AvgPool2D(ctx ml.Context, k, s, p int) ml.Tensor {
	c := ctxOf(ctx)
	if len(t.shape) != 4 {
		panic(fmt.Sprintf("cpu: avgpool2d expects 4D input, got %v", t.shape))
	}

	planes, h, w := t.shape[0]*t.shape[1], t.shape[2], t.shape[3]
	oh, ow := (h+2*p-k)/s+1, (w+2*p-k)/s+1
	norm := 1 / float64(k*k)

	// visit ruft fn fuer jedes gueltige (Eingabe, Ausgabe)-Paar auf
	visit := func(fn func(in, out int)) {
		for pl := range planes {
			for oy := range oh {
				for ox := range ow {
					o := (pl*oh+oy)*ow + ox
					for ky := range k {
						iy := oy*s - p + ky
						if iy < 0 || iy >= h {
							continue
						}
						for kx := range k {
							ix := ox*s - p + kx
							if ix < 0 || ix >= w {
								continue
							}
							fn((pl*h+iy)*w+ix, o)
						}
					}
				}
			}
		}
	}

	data := make([]float64, planes*oh*ow)
	visit(func(in, out int) {
		data[out] += t.data[in] * norm
	})

	out := newTensor([]int{t.shape[0], t.shape[1], oh, ow}, data)
	if c.track(out, t) {
		out.backward = func() {
			if !t.requiresGrad {
				return
			}
			gx := t.gradBuffer()
			visit(func(in, o int) {
				gx[in] += out.grad[o] * norm
			})
		}
	}
	return out
}

// =============================================================================
// Interpolation
// =============================================================================

// tap ist ein gewichteter Quell-Index einer Ausgabe-Koordinate
type tap struct {
	idx    int
	weight float64
}

// nearestTaps entspricht floor(dst * in / out)
func nearestTaps(in, out int) [][]tap {
	taps := make([][]tap, out)
	for d := range out {
		taps[d] = []tap{{idx: min(d*in/out, in-1), weight: 1}}
	}
	return taps
}

// bilinearTaps verwendet halbe Pixel-Offsets (align_corners=false)
func bilinearTaps(in, out int) [][]tap {
	scale := float64(in) / float64(out)
	taps := make([][]tap, out)
	for d := range out {
		src := max((float64(d)+0.5)*scale-0.5, 0)
		i0 := min(int(math.Floor(src)), in-1)
		i1 := min(i0+1, in-1)
		l := src - float64(i0)
		taps[d] = []tap{{idx: i0, weight: 1 - l}, {idx: i1, weight: l}}
	}
	return taps
}

// Interpolate skaliert H und W auf dims[2], dims[3]
func (t *Tensor) Interpolate(ctx ml.Context, dims [4]int, samplingMode ml.SamplingMode) ml.Tensor {
	c := ctxOf(ctx)
	if len(t.shape) != 4 || dims[0] != t.shape[0] || dims[1] != t.shape[1] {
		panic(fmt.Sprintf("cpu: cannot interpolate %v to %v", t.shape, dims))
	}

	planes, h, w := t.shape[0]*t.shape[1], t.shape[2], t.shape[3]
	oh, ow := dims[2], dims[3]

	var ty, tx [][]tap
	switch samplingMode {
	case ml.SamplingModeNearest:
		ty, tx = nearestTaps(h, oh), nearestTaps(w, ow)
	case ml.SamplingModeBilinear:
		ty, tx = bilinearTaps(h, oh), bilinearTaps(w, ow)
	default:
		panic(fmt.Sprintf("cpu: unsupported sampling mode %d", samplingMode))
	}

	visit := func(fn func(in, out int, weight float64)) {
		for pl := range planes {
			for oy := range oh {
				for ox := range ow {
					o := (pl*oh+oy)*ow + ox
					for _, a := range ty[oy] {
						for _, b := range tx[ox] {
							fn((pl*h+a.idx)*w+b.idx, o, a.weight*b.weight)
						}
					}
				}
			}
		}
	}

	data := make([]float64, planes*oh*ow)
	visit(func(in, out int, weight float64) {
		data[out] += t.data[in] * weight
	})

	out := newTensor([]int{dims[0], dims[1], oh, ow}, data)
	if c.track(out, t) {
		out.backward = func() {
			if !t.requiresGrad {
				return
			}
			gx := t.gradBuffer()
			visit(func(in, o int, weight float64) {
				gx[in] += out.grad[o] * weight
			})
		}
	}
	return out
}
