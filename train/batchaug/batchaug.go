// Package batchaug - Batch-Augmentierungen fuer SR-Trainingspaare
//
// Jede Operation veraendert HR- und LR-Batch gemeinsam, Boxen im LR-Bild
// werden mit dem Skalierungsfaktor auf das HR-Bild uebertragen. Die
// Eingaben bleiben unveraendert, das Ergebnis sind neue Tensoren ohne
// Gradienten.
//
// Operationen: none, blend, rgb, mixup, cutmix, cutmixup, cutout, cutblur

package batchaug

import (
	"errors"
	"fmt"
	"maps"
	"math/rand/v2"
	"slices"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/srflow/srflow/ml"
)

var (
	ErrUnknownOp  = errors.New("batchaug: unknown operation")
	ErrOptions    = errors.New("batchaug: inconsistent options")
	ErrResolution = errors.New("batchaug: hr and lr must have the same resolution")
)

// Options entspricht mixopts, mixprob, mixalpha, aux_mixprob, aux_mixalpha
// und mix_p. Ohne MixP wird jede Operation gleich wahrscheinlich gewaehlt.
type Options struct {
	Ops      []string
	Probs    []float64
	Alphas   []float64
	AuxProb  float64
	AuxAlpha float64
	MixP     []float64
}

// DefaultOptions sind die Werte fuer Trainingspaare unterschiedlicher
// Aufloesung, cutout und cutblur brauchen gleiche Groessen
func DefaultOptions() Options {
	return Options{
		Ops:      []string{"blend", "rgb", "mixup", "cutmix", "cutmixup"},
		Probs:    []float64{1, 1, 1, 1, 1},
		Alphas:   []float64{0.6, 1, 1.2, 0.7, 0.7},
		AuxProb:  1,
		AuxAlpha: 1.2,
	}
}

// defaultAlphas sind die alpha-Werte je Operation, falls keine angegeben sind
var defaultAlphas = map[string]float64{
	"none":     1,
	"blend":    0.6,
	"rgb":      1,
	"mixup":    1.2,
	"cutmix":   0.7,
	"cutmixup": 0.7,
	"cutout":   0.001,
	"cutblur":  0.7,
}

// Ops gibt alle bekannten Operationen sortiert zurueck
func Ops() []string {
	return slices.Sorted(maps.Keys(defaultAlphas))
}

// DefaultAlpha ist der alpha-Wert einer Operation, 1 fuer unbekannte
func DefaultAlpha(op string) float64 {
	if a, ok := defaultAlphas[op]; ok {
		return a
	}
	return 1
}

func (o Options) validate() error {
	if len(o.Ops) == 0 || len(o.Probs) != len(o.Ops) || len(o.Alphas) != len(o.Ops) {
		return fmt.Errorf("%w: %d ops, %d probs, %d alphas", ErrOptions, len(o.Ops), len(o.Probs), len(o.Alphas))
	}
	if o.MixP != nil && len(o.MixP) != len(o.Ops) {
		return fmt.Errorf("%w: %d ops, %d mix_p", ErrOptions, len(o.Ops), len(o.MixP))
	}
	return nil
}

// Result ist das augmentierte Paar. Mask ist nur bei cutout gesetzt und hat
// die HR-Groesse mit einem Kanal.
type Result struct {
	HR, LR ml.Tensor
	Mask   ml.Tensor
	Op     string
}

// Apply waehlt eine Operation und wendet sie auf den Batch an
func Apply(ctx ml.Context, hr, lr ml.Tensor, opts Options) (Result, error) {
	if err := opts.validate(); err != nil {
		return Result{}, err
	}

	a := &aug{rng: ctx.Rand()}
	idx := a.choose(opts.MixP, len(opts.Ops))
	op, prob, alpha := opts.Ops[idx], opts.Probs[idx], opts.Alphas[idx]

	im1, im2 := newImage(hr), newImage(lr)
	if im2.h == 0 || im1.h%im2.h != 0 {
		return Result{}, fmt.Errorf("%w: hr %v, lr %v", ErrOptions, hr.Shape(), lr.Shape())
	}

	var mask *image
	switch op {
	case "none":
	case "blend":
		a.blend(im1, im2, prob, alpha)
	case "rgb":
		a.rgb(im1, im2, prob)
	case "mixup":
		a.mixup(im1, im2, prob, alpha)
	case "cutmix":
		a.cutmix(im1, im2, prob, alpha)
	case "cutmixup":
		a.cutmixup(im1, im2, opts.AuxProb, opts.AuxAlpha, prob, alpha)
	case "cutout":
		mask = a.cutout(im1, im2, prob, alpha)
	case "cutblur":
		if !slices.Equal(hr.Shape(), lr.Shape()) {
			return Result{}, fmt.Errorf("%w: hr %v, lr %v", ErrResolution, hr.Shape(), lr.Shape())
		}
		a.cutblur(im1, im2, prob, alpha)
	default:
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownOp, op)
	}

	r := Result{HR: im1.tensor(ctx), LR: im2.tensor(ctx), Op: op}
	if mask != nil {
		r.Mask = mask.tensor(ctx)
	}
	return r, nil
}

// image ist eine Kopie eines (N, C, H, W) Batches
type image struct {
	n, c, h, w int
	data       []float64
}

func newImage(t ml.Tensor) *image {
	return &image{n: t.Dim(0), c: t.Dim(1), h: t.Dim(2), w: t.Dim(3), data: t.Floats()}
}

func (im *image) clone() *image {
	c := *im
	c.data = slices.Clone(im.data)
	return &c
}

func (im *image) tensor(ctx ml.Context) ml.Tensor {
	return ctx.FromFloats(im.data, im.n, im.c, im.h, im.w)
}

// sample gibt die Daten eines Samples als Slice zurueck
func (im *image) sample(i int) []float64 {
	size := im.c * im.h * im.w
	return im.data[i*size : (i+1)*size]
}

// permuted gibt den Batch in der Reihenfolge perm zurueck
func (im *image) permuted(perm []int) *image {
	out := im.clone()
	for i, j := range perm {
		copy(out.sample(i), im.sample(j))
	}
	return out
}

// box ist ein Rechteck in Pixeln
type box struct {
	y, x, h, w int
}

func (b box) scaled(s int) box {
	return box{y: b.y * s, x: b.x * s, h: b.h * s, w: b.w * s}
}

// copyBox kopiert die Box aus src (Box from) nach dst (Box to)
func copyBox(dst, src *image, to, from box) {
	for n := range dst.n {
		for c := range dst.c {
			for y := range to.h {
				d := ((n*dst.c+c)*dst.h+to.y+y)*dst.w + to.x
				s := ((n*src.c+c)*src.h+from.y+y)*src.w + from.x
				copy(dst.data[d:d+to.w], src.data[s:s+to.w])
			}
		}
	}
}

type aug struct {
	rng *rand.Rand
}

// choose waehlt einen Index nach den Gewichten p oder gleichverteilt
func (a *aug) choose(p []float64, n int) int {
	if p == nil {
		return a.rng.IntN(n)
	}

	u := a.rng.Float64() * floats.Sum(p)
	for i, w := range p {
		if u < w {
			return i
		}
		u -= w
	}
	return n - 1
}

// skip ist wahr, wenn die Operation in diesem Schritt ausfaellt
func (a *aug) skip(prob, alpha float64) bool {
	return alpha <= 0 || a.rng.Float64() >= prob
}

func (a *aug) beta(alpha float64) float64 {
	return distuv.Beta{Alpha: alpha, Beta: alpha}.Quantile(a.rng.Float64())
}

// cutBox waehlt eine Box mit Seitenverhaeltnis alpha (leicht verrauscht)
func (a *aug) cutBox(h, w int, alpha float64) box {
	ratio := a.rng.NormFloat64()*0.01 + alpha
	ch := min(max(int(float64(h)*ratio), 0), h)
	cw := min(max(int(float64(w)*ratio), 0), w)
	return box{y: a.rng.IntN(h - ch + 1), x: a.rng.IntN(w - cw + 1), h: ch, w: cw}
}

// blend mischt beide Bilder mit derselben zufaelligen Farbe pro Sample
func (a *aug) blend(im1, im2 *image, prob, alpha float64) {
	if a.skip(prob, alpha) {
		return
	}

	colors := make([]float64, im2.n*im2.c)
	for i := range colors {
		colors[i] = a.rng.Float64()
	}
	v := alpha + (1-alpha)*a.rng.Float64()

	for _, im := range []*image{im1, im2} {
		plane := im.h * im.w
		for i := range im.data {
			im.data[i] = v*im.data[i] + (1-v)*colors[i/plane]
		}
	}
}

// rgb permutiert die Farbkanaele beider Bilder gleich
func (a *aug) rgb(im1, im2 *image, prob float64) {
	if a.rng.Float64() >= prob {
		return
	}

	perm := a.rng.Perm(im1.c)
	for _, im := range []*image{im1, im2} {
		src := im.clone()
		plane := im.h * im.w
		for n := range im.n {
			for c, from := range perm {
				d := (n*im.c + c) * plane
				s := (n*im.c + from) * plane
				copy(im.data[d:d+plane], src.data[s:s+plane])
			}
		}
	}
}

// mix ersetzt im durch v*im + (1-v)*other
func mix(im, other *image, v float64) {
	floats.Scale(v, im.data)
	floats.AddScaled(im.data, 1-v, other.data)
}

// mixup mischt jeden Sample mit einem zufaelligen anderen
func (a *aug) mixup(im1, im2 *image, prob, alpha float64) {
	if a.skip(prob, alpha) {
		return
	}

	v := a.beta(alpha)
	perm := a.rng.Perm(im1.n)
	mix(im1, im1.permuted(perm), v)
	mix(im2, im2.permuted(perm), v)
}

// cutmix kopiert eine Box aus einem zufaelligen anderen Sample
func (a *aug) cutmix(im1, im2 *image, prob, alpha float64) {
	if a.skip(prob, alpha) {
		return
	}

	b := a.cutBox(im2.h, im2.w, alpha)
	perm := a.rng.Perm(im2.n)
	scale := im1.h / im2.h

	copyBox(im2, im2.permuted(perm), b, b)
	copyBox(im1, im1.permuted(perm), b.scaled(scale), b.scaled(scale))
}

// cutmixup kombiniert cutmix mit mixup innerhalb oder ausserhalb der Box
func (a *aug) cutmixup(im1, im2 *image, mixupProb, mixupAlpha, cutmixProb, cutmixAlpha float64) {
	if a.skip(cutmixProb, cutmixAlpha) {
		return
	}

	b := a.cutBox(im2.h, im2.w, cutmixAlpha)
	perm := a.rng.Perm(im2.n)
	scale := im1.h / im2.h

	aug1, aug2 := im1.permuted(perm), im2.permuted(perm)
	if !a.skip(mixupProb, mixupAlpha) {
		v := a.beta(mixupAlpha)
		m1, m2 := im1.clone(), im2.clone()
		mix(m1, aug1, v)
		mix(m2, aug2, v)
		aug1, aug2 = m1, m2
	}

	if a.rng.Float64() > 0.5 {
		copyBox(im2, aug2, b, b)
		copyBox(im1, aug1, b.scaled(scale), b.scaled(scale))
		return
	}

	copyBox(aug2, im2, b, b)
	copyBox(aug1, im1, b.scaled(scale), b.scaled(scale))
	im1.data, im2.data = aug1.data, aug2.data
}

// cutout loescht LR-Pixel mit Wahrscheinlichkeit alpha. Die Maske wird
// nearest auf HR-Groesse gebracht, damit Verluste die Pixel auslassen.
func (a *aug) cutout(im1, im2 *image, prob, alpha float64) *image {
	lrMask := &image{n: im2.n, c: 1, h: im2.h, w: im2.w, data: make([]float64, im2.n*im2.h*im2.w)}
	apply := !a.skip(prob, alpha)
	for i := range lrMask.data {
		lrMask.data[i] = 1
		if apply && a.rng.Float64() < alpha {
			lrMask.data[i] = 0
		}
	}

	plane := im2.h * im2.w
	if apply {
		for i := range im2.data {
			n, p := i/(im2.c*plane), i%plane
			im2.data[i] *= lrMask.data[n*plane+p]
		}
	}

	scale := im1.h / im2.h
	hrMask := &image{n: im1.n, c: 1, h: im1.h, w: im1.w, data: make([]float64, im1.n*im1.h*im1.w)}
	for n := range im1.n {
		for y := range im1.h {
			for x := range im1.w {
				hrMask.data[(n*im1.h+y)*im1.w+x] = lrMask.data[(n*im2.h+y/scale)*im2.w+x/scale]
			}
		}
	}
	return hrMask
}

// cutblur setzt eine Box des LR-Bildes aus dem HR-Bild ein oder umgekehrt
func (a *aug) cutblur(im1, im2 *image, prob, alpha float64) {
	if a.skip(prob, alpha) {
		return
	}

	b := a.cutBox(im2.h, im2.w, alpha)
	if a.rng.Float64() > 0.5 {
		copyBox(im2, im1, b, b)
		return
	}

	out := im1.clone()
	copyBox(out, im2, b, b)
	im2.data = out.data
}
