package pconv

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/srflow/srflow/ml"
	_ "github.com/srflow/srflow/ml/backend/cpu"
	"github.com/srflow/srflow/ml/nn"
)

func setup(t *testing.T) ml.Context {
	t.Helper()
	b, err := ml.NewBackend("cpu", ml.BackendParams{Seed: 11})
	if err != nil {
		t.Fatal(err)
	}
	ctx := b.NewContext()
	t.Cleanup(ctx.Close)
	return ctx
}

func TestPartialConvFullMaskIsConv(t *testing.T) {
	ctx := setup(t)
	pc := NewPartialConv2d(ctx, 2, 3, 3, 1, true, false)
	x := ctx.Randn(1, 1, 2, 5, 5)

	got, mask, err := pc.Forward(ctx, x, nil)
	if err != nil {
		t.Fatal(err)
	}

	// im Inneren ist die Maske voll, das Ergebnis gleicht der normalen Faltung
	want := pc.Conv2D.Forward(ctx, x).Floats()
	g := got.Floats()
	for ch := range 3 {
		i := ch*25 + 2*5 + 2
		if math.Abs(g[i]-want[i]) > 1e-8 {
			t.Errorf("Kanal %d Mitte: %v, erwartet %v", ch, g[i], want[i])
		}
	}

	// am Rand wird mit 9/6 bzw. 9/4 renormiert, die Maske bleibt 1
	if diff := cmp.Diff(make25(1), mask.Floats()); diff != "" {
		t.Errorf("Maske falsch (-want +got):\n%s", diff)
	}
}

func make25(v float64) []float64 {
	s := make([]float64, 25)
	for i := range s {
		s[i] = v
	}
	return s
}

func TestPartialConvHole(t *testing.T) {
	ctx := setup(t)
	pc := NewPartialConv2d(ctx, 1, 1, 3, 1, false, false)
	pc.Weight.FromFloats(make25(1)[:9])

	x := ctx.FromFloats(make25(2), 1, 1, 5, 5)
	m := make25(1)
	// Loch 3x3 in der Mitte, nur das Zentrum sieht kein gueltiges Pixel
	for _, i := range []int{6, 7, 8, 11, 12, 13, 16, 17, 18} {
		m[i] = 0
	}
	mask := ctx.FromFloats(m, 1, 1, 5, 5)

	out, update, err := pc.Forward(ctx, x, mask)
	if err != nil {
		t.Fatal(err)
	}

	u := update.Floats()
	if u[12] != 0 || u[6] != 1 {
		t.Errorf("Maske: Zentrum %v, Rand des Lochs %v", u[12], u[6])
	}

	// gueltige Pixel werden auf den vollen Kernel hochgerechnet: 2 * 9
	o := out.Floats()
	if math.Abs(o[6]-18) > 1e-6 || o[12] != 0 {
		t.Errorf("Ausgabe: %v an Position 6, %v im Zentrum", o[6], o[12])
	}
}

func TestPartialConvMaskShape(t *testing.T) {
	ctx := setup(t)
	pc := NewPartialConv2d(ctx, 2, 2, 3, 1, false, true)

	_, _, err := pc.Forward(ctx, ctx.Zeros(1, 2, 4, 4), ctx.Ones(1, 1, 4, 4))
	require.ErrorIs(t, err, ErrMaskShape)

	_, mask, err := pc.Forward(ctx, ctx.Zeros(1, 2, 4, 4), ctx.Ones(1, 2, 4, 4))
	require.NoError(t, err)
	if diff := cmp.Diff([]int{1, 2, 4, 4}, mask.Shape()); diff != "" {
		t.Errorf("Multi-Channel-Maske hat falsche Shape (-want +got):\n%s", diff)
	}
}

func TestPartialLayerActivation(t *testing.T) {
	ctx := setup(t)
	for _, name := range []string{"relu", "leaky", "sigmoid", "tanh", ""} {
		if _, err := NewPartialLayer(ctx, 1, 1, 3, 1, name, true, false); err != nil {
			t.Errorf("%q: %v", name, err)
		}
	}

	_, err := NewPartialLayer(ctx, 1, 1, 3, 1, "gelu", true, false)
	require.ErrorIs(t, err, ErrActivation)

	l, err := NewPartialLayer(ctx, 1, 1, 3, 1, "relu", true, false)
	require.NoError(t, err)
	if l.Conv.Bias != nil {
		t.Error("mit BatchNorm darf die Faltung keinen Bias haben")
	}
}

func TestModel(t *testing.T) {
	ctx := setup(t)
	m, err := New(ctx, Options{Widths: [4]int{2, 2, 3, 3}})
	if err != nil {
		t.Fatal(err)
	}

	if len(m.Encoder) != 8 || len(m.Decoder) != 8 {
		t.Fatalf("Layer: %d Encoder, %d Decoder", len(m.Encoder), len(m.Decoder))
	}
	if m.Decoder[7].BN != nil || m.Decoder[7].Activation != "tanh" {
		t.Error("letzter Decoder-Layer muss tanh ohne BatchNorm sein")
	}

	x := ctx.Randn(1, 1, 3, 256, 256)
	mask := ctx.Ones(1, 1, 256, 256)
	out, err := m.Forward(ctx, x, mask)
	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff([]int{1, 3, 256, 256}, out.Shape()); diff != "" {
		t.Errorf("Shape falsch (-want +got):\n%s", diff)
	}
	if out.Abs(ctx).Sum(ctx).Floats()[0] == 0 {
		t.Error("Ausgabe ist komplett 0")
	}
	for _, v := range out.Floats() {
		if v < -1 || v > 1 {
			t.Fatalf("tanh-Ausgabe ausserhalb [-1, 1]: %v", v)
		}
	}

	if err := ctx.Backward(out.Mean(ctx)); err != nil {
		t.Fatal(err)
	}
	if m.Encoder[0].Conv.Weight.Grad() == nil {
		t.Error("erster Encoder-Layer hat keinen Gradienten")
	}

	_, err = m.Forward(ctx, ctx.Zeros(1, 3, 128, 128), nil)
	require.ErrorIs(t, err, ErrInputSize)
}

func TestFreezeBN(t *testing.T) {
	ctx := setup(t)
	m, err := New(ctx, Options{Widths: [4]int{1, 1, 1, 1}, FreezeBN: true})
	if err != nil {
		t.Fatal(err)
	}

	m.SetTraining(true)
	for i, l := range m.Encoder {
		if l.BN.Training {
			t.Errorf("Encoder %d: BatchNorm trainiert trotz FreezeBN", i)
		}
	}
	for i, l := range m.Decoder[:7] {
		if !l.BN.Training {
			t.Errorf("Decoder %d: BatchNorm nicht im Training", i)
		}
	}

	names := nn.Parameters(m)
	if names[0].Name != "enc.0.conv.weight" {
		t.Errorf("erster Parameter %q, erwartet enc.0.conv.weight", names[0].Name)
	}
}
