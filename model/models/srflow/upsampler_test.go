package srflow

import (
	"fmt"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/srflow/srflow/ml"
)

// pyramidFor baut eine zufaellige Pyramide mit allen Leveln 0..L
func pyramidFor(ctx ml.Context, opts Options, n int) Pyramid {
	p := make(Pyramid)
	for level := 0; level <= opts.L; level++ {
		name, err := LevelName(opts.Scale, level)
		if err != nil {
			panic(err)
		}
		h, w := opts.ImageShape[0]>>level, opts.ImageShape[1]>>level
		p[name] = ctx.Randn(1, n, opts.ConditioningChannels(level), h, w)
	}
	return p
}

func smallOptions() Options {
	o := DefaultOptions()
	o.ImageShape = [3]int{32, 32, 3}
	o.BaseHeight = 0
	o.L = 2
	o.K = []int{1}
	o.HiddenChannels = 4
	o.FeatureWidth = 2
	o.StackBlocks = nil
	return o
}

func TestUpsamplerEndToEnd(t *testing.T) {
	ctx := setup(t)

	opts := DefaultOptions()
	opts.L = 4
	opts.K = []int{2, 2, 2, 2, 2}
	opts.Scale = 4
	opts.HiddenChannels = 4
	opts.FeatureWidth = 2
	opts.StackBlocks = nil
	opts.Split.Enable = true

	u, err := NewUpsampler(ctx, opts)
	if err != nil {
		t.Fatal(err)
	}
	perturb(ctx, u, 0.02)

	pyramid := pyramidFor(ctx, u.Options(), 1)
	for _, name := range []string{"fea_up4", "fea_up2", "fea_up1", "fea_up0", "fea_up-1"} {
		if _, ok := pyramid[name]; !ok {
			t.Fatalf("Pyramide ohne %q", name)
		}
	}

	image := ctx.Randn(0.5, 1, 3, 160, 160)
	latent, logdet, err := u.Encode(ctx, image, pyramid, nil, ModeSequence)
	if err != nil {
		t.Fatal(err)
	}

	if latent.Mode() != ModeSequence || latent.Len() != 4 {
		t.Fatalf("Latent: mode %v, Laenge %d, erwartet sequence mit 3 Splits + 1", latent.Mode(), latent.Len())
	}

	var shapes [][]int
	for _, z := range latent.Tensors() {
		shapes = append(shapes, z.Shape())
	}
	want := [][]int{{1, 6, 80, 80}, {1, 12, 40, 40}, {1, 24, 20, 20}, {1, 96, 10, 10}}
	if diff := cmp.Diff(want, shapes); diff != "" {
		t.Errorf("Latent-Shapes falsch (-want +got):\n%s", diff)
	}

	sr, back, err := u.Decode(ctx, pyramid, latent, 0, nil)
	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff(image.Floats(), sr.Floats(), approx); diff != "" {
		t.Errorf("decode(encode(x)) != x (-want +got):\n%s", diff)
	}

	if got := logdet.Floats()[0] + back.Floats()[0]; math.Abs(got) > 1e-6 {
		t.Errorf("LogDets heben sich nicht auf: encode %v, decode %v", logdet.Floats()[0], back.Floats()[0])
	}

	if latent.Len() != 4 {
		t.Errorf("Decode hat die Latent-Folge des Aufrufers veraendert: Laenge %d", latent.Len())
	}
}

func TestUpsamplerLayout(t *testing.T) {
	cases := []struct {
		name   string
		modify func(*Options)
		layers int
		splits int
		top    [3]int
	}{
		{"default splits", func(*Options) {}, 5, 1, [3]int{24, 8, 8}},
		{"correct splits", func(o *Options) { o.Split.CorrectSplits = true }, 6, 2, [3]int{12, 8, 8}},
		{"no split", func(o *Options) { o.Split.Enable = false }, 4, 0, [3]int{48, 8, 8}},
		{"bypass steps", func(o *Options) { o.AdditionalFlowNoAffine = 2 }, 9, 1, [3]int{24, 8, 8}},
		{"consume ratio", func(o *Options) { o.Split.ConsumeRatio = 0.25 }, 5, 1, [3]int{36, 8, 8}},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			ctx := setup(t)
			opts := smallOptions()
			tt.modify(&opts)

			u, err := NewUpsampler(ctx, opts)
			if err != nil {
				t.Fatal(err)
			}

			if got := len(u.Info()); got != tt.layers {
				t.Errorf("Layer = %d, erwartet %d", got, tt.layers)
			}
			if got := u.NumSplits(); got != tt.splits {
				t.Errorf("Splits = %d, erwartet %d", got, tt.splits)
			}
			if got := u.TopShape(); got != tt.top {
				t.Errorf("TopShape = %v, erwartet %v", got, tt.top)
			}
		})
	}
}

func TestUpsamplerInfo(t *testing.T) {
	ctx := setup(t)
	u, err := NewUpsampler(ctx, smallOptions())
	if err != nil {
		t.Fatal(err)
	}

	var kinds, positions []string
	for _, info := range u.Info() {
		kinds = append(kinds, info.Kind)
		positions = append(positions, info.Position)
	}

	if diff := cmp.Diff([]string{"squeeze", "flowstep", "split", "squeeze", "flowstep"}, kinds); diff != "" {
		t.Errorf("Layer-Arten falsch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"fea_up2", "fea_up2", "fea_up2", "fea_up1", "fea_up1"}, positions); diff != "" {
		t.Errorf("Pyramiden-Schluessel falsch (-want +got):\n%s", diff)
	}
}

func TestUpsamplerConstructionErrors(t *testing.T) {
	cases := []struct {
		name   string
		modify func(*Options)
		err    error
	}{
		{"two channels", func(o *Options) { o.ImageShape[2] = 2 }, ErrInvalidChannels},
		{"odd resolution", func(o *Options) { o.ImageShape = [3]int{30, 30, 3}; o.L = 2 }, ErrOddResolution},
		{"unknown scale", func(o *Options) { o.Scale = 3 }, ErrInvalidScale},
		{"too many levels for scale", func(o *Options) { o.Scale = 1; o.L = 3; o.ImageShape = [3]int{64, 64, 3} }, ErrInvalidOption},
		{"short K", func(o *Options) { o.K = []int{1, 1} }, ErrInvalidOption},
		{"unknown coupling", func(o *Options) { o.Coupling = "additive" }, ErrInvalidOption},
		{"unknown permutation", func(o *Options) { o.Permutation = "random" }, ErrInvalidOption},
		{"consume ratio", func(o *Options) { o.Split.ConsumeRatio = 1 }, ErrInvalidOption},
		{"split consumes nothing", func(o *Options) { o.Split.Enable = true; o.Split.ConsumeRatio = 0.01 }, ErrInvalidOption},
		{"split consumes everything", func(o *Options) { o.Split.Enable = true; o.Split.ConsumeRatio = 0.99 }, ErrInvalidOption},
		{"base height", func(o *Options) { o.BaseHeight = 4096 }, ErrInvalidOption},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			ctx := setup(t)
			opts := smallOptions()
			tt.modify(&opts)

			_, err := NewUpsampler(ctx, opts)
			require.ErrorIs(t, err, tt.err)
		})
	}
}

func TestUpsamplerMissingConditioning(t *testing.T) {
	ctx := setup(t)
	u, err := NewUpsampler(ctx, smallOptions())
	if err != nil {
		t.Fatal(err)
	}

	image := ctx.Randn(1, 1, 3, 32, 32)
	pyramid := pyramidFor(ctx, u.Options(), 1)

	latent, _, err := u.Encode(ctx, image, pyramid, nil, ModeSequence)
	if err != nil {
		t.Fatal(err)
	}

	// fea_up4 (Level 0) braucht nur Decode, fea_up1 (Level 2) beide Richtungen
	delete(pyramid, "fea_up4")
	_, _, err = u.Encode(ctx, image, pyramid, nil, ModeSingle)
	require.NoError(t, err)

	_, _, err = u.Decode(ctx, pyramid, latent, 0, nil)
	require.ErrorIs(t, err, ErrMissingConditioning)

	pyramid = pyramidFor(ctx, u.Options(), 1)
	delete(pyramid, "fea_up1")
	_, _, err = u.Encode(ctx, image, pyramid, nil, ModeSingle)
	require.ErrorIs(t, err, ErrMissingConditioning)

	// falsche Kanalbreite wird vor der Faltung abgelehnt
	pyramid = pyramidFor(ctx, u.Options(), 1)
	name, err := LevelName(u.Options().Scale, 1)
	require.NoError(t, err)
	pyramid[name] = ctx.Randn(1, 1, u.Options().ConditioningChannels(1)+3, 16, 16)
	_, _, err = u.Encode(ctx, image, pyramid, nil, ModeSingle)
	require.ErrorIs(t, err, ErrConditioningShape)

	_, _, err = u.Decode(ctx, pyramid, latent, 0, nil)
	require.ErrorIs(t, err, ErrConditioningShape)
}

func TestUpsamplerDecodeErrors(t *testing.T) {
	ctx := setup(t)
	u, err := NewUpsampler(ctx, smallOptions())
	if err != nil {
		t.Fatal(err)
	}
	pyramid := pyramidFor(ctx, u.Options(), 1)
	top := u.TopShape()

	_, _, err = u.Decode(ctx, pyramid, Sequence(ctx.Zeros(1, top[0], top[1], top[2])), 0, nil)
	require.ErrorIs(t, err, ErrLatentUnderflow)

	_, _, err = u.Decode(ctx, pyramid, Sequence(), 0, nil)
	require.ErrorIs(t, err, ErrLatentUnderflow)

	_, _, err = u.Decode(ctx, pyramid, Single(ctx.Zeros(1, top[0]+1, top[1], top[2])), 0, nil)
	require.ErrorIs(t, err, ErrLatentShape)

	_, _, err = u.Encode(ctx, ctx.Zeros(1, 3, 16, 16), pyramid, nil, ModeSingle)
	require.ErrorIs(t, err, ErrImageShape)

	_, _, err = u.Encode(ctx, ctx.Zeros(1, 1, 32, 32), pyramid, nil, ModeSingle)
	require.ErrorIs(t, err, ErrInvalidChannels)
}

func TestUpsamplerOutputChannels(t *testing.T) {
	ctx := setup(t)
	opts := smallOptions()
	opts.ImageShape[2] = 1

	u, err := NewUpsampler(ctx, opts)
	if err != nil {
		t.Fatal(err)
	}

	top := u.TopShape()
	_, _, err = u.Decode(ctx, pyramidFor(ctx, u.Options(), 1), Single(ctx.Randn(1, 1, top[0], top[1], top[2])), 1, nil)
	require.ErrorIs(t, err, ErrOutputChannels)
}

func TestUpsamplerSampling(t *testing.T) {
	ctx := setup(t).NoGrad()
	u, err := NewUpsampler(ctx, smallOptions())
	if err != nil {
		t.Fatal(err)
	}
	pyramid := pyramidFor(ctx, u.Options(), 2)
	top := u.TopShape()
	z := ctx.Randn(0.7, 2, top[0], top[1], top[2])

	a, _, err := u.Decode(ctx, pyramid, Single(z), 0.7, nil)
	if err != nil {
		t.Fatal(err)
	}
	b, _, err := u.Decode(ctx, pyramid, Single(z), 0.7, nil)
	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff([]int{2, 3, 32, 32}, a.Shape()); diff != "" {
		t.Errorf("Shape falsch (-want +got):\n%s", diff)
	}
	if cmp.Equal(a.Floats(), b.Floats()) {
		t.Error("zwei Samples mit epsStd > 0 sind identisch")
	}

	// mit epsStd 0 ist der Split deterministisch
	c, _, err := u.Decode(ctx, pyramid, Single(z), 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	d, _, err := u.Decode(ctx, pyramid, Single(z), 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(c.Floats(), d.Floats()); diff != "" {
		t.Errorf("epsStd 0 nicht deterministisch (-want +got):\n%s", diff)
	}
}

func TestPositionName(t *testing.T) {
	want := map[int][]string{
		16: {"fea_up16", "fea_up8", "fea_up4", "fea_up2", "fea_up1"},
		8:  {"fea_up8", "fea_up4", "fea_up2", "fea_up1", "fea_up0"},
		4:  {"fea_up4", "fea_up2", "fea_up1", "fea_up0", "fea_up-1"},
		1:  {"fea_up1", "fea_up1", "fea_up-1"},
	}

	for scale, names := range want {
		for level, name := range names {
			h := 160 >> level
			got, err := PositionName(160, h, scale)
			if err != nil {
				t.Fatal(err)
			}
			if got != name {
				t.Errorf("scale %d, H %d: %q, erwartet %q", scale, h, got, name)
			}

			// wo scale / (160 / H) ganzzahlig ist, steht der Faktor im Namen
			if factor := 160 / h; scale%factor == 0 {
				if direct := fmt.Sprintf("fea_up%d", scale/factor); got != direct {
					t.Errorf("scale %d, H %d: %q, erwartet %q", scale, h, got, direct)
				}
			}
		}
	}

	if _, err := LevelName(3, 0); err == nil {
		t.Error("Scale 3 muss abgelehnt werden")
	}
	_, err := LevelName(1, 3)
	require.ErrorIs(t, err, ErrMissingConditioning)

	if got := LevelOf(160, 20); got != 3 {
		t.Errorf("LevelOf(160, 20) = %d, erwartet 3", got)
	}
}

func TestOptionsDefaults(t *testing.T) {
	o := Options{L: 3, K: []int{4}, ImageShape: [3]int{64, 48, 3}}.withDefaults()

	if diff := cmp.Diff([]int{4, 4, 4, 4}, o.K); diff != "" {
		t.Errorf("K nicht auf alle Level verteilt (-want +got):\n%s", diff)
	}
	if o.BaseHeight != 64 {
		t.Errorf("BaseHeight = %d, erwartet die Bildhoehe 64", o.BaseHeight)
	}

	o.StackBlocks = []int{1, 2}
	o.FeatureWidth = 8
	o.LevelConditionalChannels = 5
	for level, want := range []int{24, 34, 29, 24} {
		if got := o.ConditioningChannels(level); got != want {
			t.Errorf("ConditioningChannels(%d) = %d, erwartet %d", level, got, want)
		}
	}
}
