package srflow

import (
	"math"
	"path/filepath"
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/srflow/srflow/fs/checkpoint"
	"github.com/srflow/srflow/ml"
	"github.com/srflow/srflow/ml/nn"
)

func modelOptions() Options {
	o := DefaultOptions()
	o.ImageShape = [3]int{16, 16, 3}
	o.BaseHeight = 0
	o.L = 2
	o.K = []int{1}
	o.HiddenChannels = 4
	o.FeatureWidth = 4
	o.StackBlocks = []int{0, 1}
	o.RRDBBlocks = 2
	o.GrowthChannels = 4
	return o
}

func TestConditionNetPyramid(t *testing.T) {
	ctx := setup(t)
	opts := modelOptions()
	net, err := NewConditionNet(ctx, opts)
	if err != nil {
		t.Fatal(err)
	}

	pyramid, err := net.Forward(ctx, ctx.Randn(1, 1, 3, 4, 4))
	if err != nil {
		t.Fatal(err)
	}

	want := map[string][]int{
		"fea_up4":  {1, 12, 16, 16},
		"fea_up2":  {1, 12, 8, 8},
		"fea_up1":  {1, 12, 4, 4},
		"fea_up0":  {1, 12, 2, 2},
		"fea_up-1": {1, 12, 1, 1},
	}
	got := make(map[string][]int)
	for name, x := range pyramid {
		got[name] = x.Shape()
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Pyramide falsch (-want +got):\n%s", diff)
	}
}

func TestModel(t *testing.T) {
	ctx := setup(t)
	m, err := NewModel(ctx, modelOptions())
	if err != nil {
		t.Fatal(err)
	}
	perturb(ctx, m.Flow, 0.02)

	lr := ctx.Randn(0.5, 2, 3, 4, 4)
	hr := ctx.Randn(0.5, 2, 3, 16, 16)

	t.Run("roundtrip", func(t *testing.T) {
		latent, _, err := m.Encode(ctx, lr, hr, ModeSequence)
		if err != nil {
			t.Fatal(err)
		}
		if latent.Len() != m.Flow.NumSplits()+1 {
			t.Errorf("Latent-Laenge %d, erwartet %d", latent.Len(), m.Flow.NumSplits()+1)
		}

		sr, _, err := m.Decode(ctx, lr, latent, 0)
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(hr.Floats(), sr.Floats(), approx); diff != "" {
			t.Errorf("Rekonstruktion falsch (-want +got):\n%s", diff)
		}
	})

	t.Run("sample", func(t *testing.T) {
		sr, err := m.Sample(ctx.NoGrad(), lr, 0.8)
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff([]int{2, 3, 16, 16}, sr.Shape()); diff != "" {
			t.Errorf("Shape falsch (-want +got):\n%s", diff)
		}
	})

	t.Run("nll", func(t *testing.T) {
		nll, err := m.NLL(ctx, lr, hr)
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff([]int{2}, nll.Shape()); diff != "" {
			t.Errorf("Shape falsch (-want +got):\n%s", diff)
		}
		for _, v := range nll.Floats() {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				t.Fatalf("NLL nicht endlich: %v", v)
			}
		}

		nn.ZeroGrad(m)
		if err := ctx.Backward(nll.Mean(ctx)); err != nil {
			t.Fatal(err)
		}

		for _, name := range []string{"RRDB.conv_first.weight", "flowUpsamplerNet.layers.1.actnorm.logs"} {
			i := slices.IndexFunc(nn.Parameters(m), func(p nn.Param) bool { return p.Name == name })
			if i < 0 {
				t.Fatalf("Parameter %q fehlt", name)
			}
			if g := nn.Parameters(m)[i].Tensor.Grad(); g == nil || slices.Max(g) == 0 && slices.Min(g) == 0 {
				t.Errorf("Parameter %q hat keinen Gradienten", name)
			}
		}
	})

	t.Run("lr size", func(t *testing.T) {
		_, err := m.Sample(ctx, ctx.Zeros(1, 3, 8, 8), 1)
		require.ErrorIs(t, err, ErrConditioningShape)
	})
}

func TestNewModelErrors(t *testing.T) {
	ctx := setup(t)

	opts := modelOptions()
	opts.LevelConditionalChannels = 2
	_, err := NewModel(ctx, opts)
	require.ErrorIs(t, err, ErrInvalidOption)

	opts = modelOptions()
	opts.StackBlocks = []int{0, 5}
	_, err = NewModel(ctx, opts)
	require.ErrorIs(t, err, ErrInvalidOption)
}

func TestLatent(t *testing.T) {
	ctx := setup(t)
	a, b := ctx.Zeros(1), ctx.Ones(1)

	single := Single(a)
	if single.Mode() != ModeSingle || single.Len() != 1 || single.Top() != a {
		t.Errorf("Single falsch: %v %d", single.Mode(), single.Len())
	}

	seq := Sequence(a, b)
	if seq.Mode() != ModeSequence || seq.Len() != 2 || seq.Top() != b {
		t.Errorf("Sequence falsch: %v %d", seq.Mode(), seq.Len())
	}

	top, stack, err := stackFor(seq)
	if err != nil {
		t.Fatal(err)
	}
	if top != b || stack.size() != 1 || seq.Len() != 2 {
		t.Errorf("stackFor darf die Folge des Aufrufers nicht veraendern")
	}

	if _, _, err := stackFor(Latent{}); err == nil {
		t.Error("leeres Latent muss abgelehnt werden")
	}
}

// Geladene ActNorm-Gewichte werden beim ersten Encode mit Gradienten nicht
// aus den Daten neu initialisiert
func TestModelLoadKeepsActNorm(t *testing.T) {
	ctx := setup(t)
	src, err := NewModel(ctx, modelOptions())
	require.NoError(t, err)
	perturb(ctx, src, 0.05)

	path := filepath.Join(t.TempDir(), "1_G.safetensors")
	require.NoError(t, checkpoint.Save(src, path, ml.DTypeF64, nil))

	dst, err := NewModel(ctx, modelOptions())
	require.NoError(t, err)
	_, err = checkpoint.Load(dst, path, true)
	require.NoError(t, err)

	norms := dst.Flow.actNorms()
	require.NotEmpty(t, norms)

	weights := func() []float64 {
		var out []float64
		for _, a := range norms {
			require.True(t, a.Initialized)
			out = append(out, a.Bias.Floats()...)
			out = append(out, a.Logs.Floats()...)
		}
		return out
	}
	before := weights()

	require.True(t, ctx.Grad())
	_, _, err = dst.Encode(ctx, ctx.Randn(0.5, 2, 3, 4, 4), ctx.Randn(0.5, 2, 3, 16, 16).AddScalar(ctx, 3), ModeSequence)
	require.NoError(t, err)

	if diff := cmp.Diff(before, weights()); diff != "" {
		t.Errorf("ActNorm nach dem Laden neu initialisiert (-want +got):\n%s", diff)
	}

	// ohne Checkpoint greift die Daten-Initialisierung weiterhin
	fresh, err := NewModel(ctx, modelOptions())
	require.NoError(t, err)
	_, _, err = fresh.Encode(ctx, ctx.Randn(0.5, 2, 3, 4, 4), ctx.Randn(0.5, 2, 3, 16, 16), ModeSequence)
	require.NoError(t, err)
	for _, a := range fresh.Flow.actNorms() {
		require.True(t, a.Initialized)
	}
}
