package nn

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/srflow/srflow/ml"
	_ "github.com/srflow/srflow/ml/backend/cpu"
)

func setup(t *testing.T) ml.Context {
	t.Helper()
	b, err := ml.NewBackend("cpu", ml.BackendParams{Seed: 42})
	if err != nil {
		t.Fatal(err)
	}
	ctx := b.NewContext()
	t.Cleanup(ctx.Close)
	return ctx
}

type block struct {
	Conv *Conv2D      `weight:"conv"`
	Norm *BatchNorm2D `weight:"bn"`
}

type network struct {
	Head   *Conv2DZeros `weight:"head"`
	Blocks []block      `weight:"blocks"`
	Tail   *Linear      `weight:"tail"`
	Cache  ml.Tensor
}

func TestParameters(t *testing.T) {
	ctx := setup(t)
	net := network{
		Head: NewConv2DZeros(ctx, 2, 4),
		Blocks: []block{
			{Conv: NewConv2D(ctx, 4, 4, 3, 1, 1, false), Norm: NewBatchNorm2D(ctx, 4)},
			{Conv: NewConv2D(ctx, 4, 4, 3, 1, 1, true)},
		},
		Tail:  NewLinear(ctx, 4, 2, true),
		Cache: ctx.Zeros(1),
	}

	var names []string
	var buffers []string
	for _, p := range Parameters(&net) {
		names = append(names, p.Name)
		if p.Buffer {
			buffers = append(buffers, p.Name)
		}
	}

	want := []string{
		"head.weight", "head.bias", "head.logs",
		"blocks.0.conv.weight",
		"blocks.0.bn.weight", "blocks.0.bn.bias", "blocks.0.bn.running_mean", "blocks.0.bn.running_var",
		"blocks.1.conv.weight", "blocks.1.conv.bias",
		"tail.weight", "tail.bias",
	}
	if diff := cmp.Diff(want, names); diff != "" {
		t.Errorf("Parameter-Namen falsch (-erwartet +erhalten):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"blocks.0.bn.running_mean", "blocks.0.bn.running_var"}, buffers); diff != "" {
		t.Errorf("Buffer falsch (-erwartet +erhalten):\n%s", diff)
	}

	Freeze(&net, true)
	for _, p := range Trainable(&net) {
		if p.Tensor.RequiresGrad() {
			t.Errorf("%s ist nach Freeze noch trainierbar", p.Name)
		}
	}
	Freeze(&net, false)
	for _, p := range Trainable(&net) {
		if !p.Tensor.RequiresGrad() {
			t.Errorf("%s ist nach dem Auftauen nicht trainierbar", p.Name)
		}
	}

	// head 72+4+4, blocks.0 144+8, blocks.1 144+4, tail 8+2
	if got, want := Count(&net), 72+8+144+8+148+10; got != want {
		t.Errorf("Count() = %d, erwartet %d", got, want)
	}
}

func TestConv2DZerosStartsAtZero(t *testing.T) {
	ctx := setup(t)
	conv := NewConv2DZeros(ctx, 3, 6)

	out := conv.Forward(ctx, ctx.Randn(1, 2, 3, 4, 4))
	if diff := cmp.Diff([]int{2, 6, 4, 4}, out.Shape()); diff != "" {
		t.Errorf("Shape falsch:\n%s", diff)
	}
	for _, v := range out.Floats() {
		if v != 0 {
			t.Fatalf("Ausgabe ist nicht null: %v", v)
		}
	}
}

func TestBatchNorm2D(t *testing.T) {
	ctx := setup(t)
	bn := NewBatchNorm2D(ctx, 2)

	x := ctx.Randn(3, 4, 2, 3, 3).AddScalar(ctx, 5)
	out := bn.Forward(ctx, x).Floats()

	// pro Kanal Mittelwert 0 und Varianz 1
	for c := range 2 {
		var sum, sq float64
		var n int
		for b := range 4 {
			for i := range 9 {
				v := out[(b*2+c)*9+i]
				sum += v
				sq += v * v
				n++
			}
		}
		mean := sum / float64(n)
		variance := sq/float64(n) - mean*mean
		if math.Abs(mean) > 1e-9 || math.Abs(variance-1) > 1e-3 {
			t.Errorf("Kanal %d: Mittelwert %v, Varianz %v", c, mean, variance)
		}
	}

	for _, v := range bn.RunningMean.Floats() {
		// 0.9*0 + 0.1*~5
		if v < 0.3 || v > 0.7 {
			t.Errorf("laufender Mittelwert %v nicht aktualisiert", v)
		}
	}

	bn.Training = false
	before := bn.RunningMean.Floats()
	bn.Forward(ctx, x)
	if diff := cmp.Diff(before, bn.RunningMean.Floats()); diff != "" {
		t.Errorf("Inferenz veraendert laufende Statistik:\n%s", diff)
	}
}

func TestLinear(t *testing.T) {
	ctx := setup(t)
	l := &Linear{
		Weight: ctx.FromFloats([]float64{1, 2, 3, 4, 5, 6}, 2, 3),
		Bias:   ctx.FromFloats([]float64{10, 20}, 2),
	}

	out := l.Forward(ctx, ctx.FromFloats([]float64{1, 1, 1, 1, 0, -1}, 2, 3))
	want := []float64{16, 35, 8, 18}
	if diff := cmp.Diff(want, out.Floats(), cmpopts.EquateApprox(0, 1e-12)); diff != "" {
		t.Errorf("Linear falsch (-erwartet +erhalten):\n%s", diff)
	}
}

func TestMatMul(t *testing.T) {
	ctx := setup(t)
	a := ctx.FromFloats([]float64{1, 2, 3, 4, 5, 6}, 2, 3)
	b := ctx.FromFloats([]float64{1, 0, 0, 1, 2, -1}, 3, 2)

	got := MatMul(ctx, a, b)
	if diff := cmp.Diff([]int{2, 2}, got.Shape()); diff != "" {
		t.Errorf("Shape falsch:\n%s", diff)
	}
	if diff := cmp.Diff([]float64{7, -1, 16, -1}, got.Floats(), cmpopts.EquateApprox(0, 1e-12)); diff != "" {
		t.Errorf("MatMul falsch (-erwartet +erhalten):\n%s", diff)
	}
}

type legacy struct {
	Body struct {
		Conv *Conv2D `weight:"conv,alt:model.0"`
	} `weight:"body,alt:trunk"`
}

func TestParameterAlternatives(t *testing.T) {
	ctx := setup(t)
	var m legacy
	m.Body.Conv = NewConv2D(ctx, 1, 1, 1, 1, 0, false)

	params := Parameters(&m)
	if len(params) != 1 {
		t.Fatalf("%d Parameter, erwartet 1", len(params))
	}

	if params[0].Name != "body.conv.weight" {
		t.Errorf("Name %q, erwartet body.conv.weight", params[0].Name)
	}
	want := []string{"body.model.0.weight", "trunk.conv.weight", "trunk.model.0.weight"}
	if diff := cmp.Diff(want, params[0].Alternatives); diff != "" {
		t.Errorf("Alternativen falsch (-erwartet +erhalten):\n%s", diff)
	}
}
