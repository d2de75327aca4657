package fs

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/srflow/srflow/ml"
	_ "github.com/srflow/srflow/ml/backend/cpu"
	"github.com/srflow/srflow/ml/nn"
)

type block struct {
	Conv *nn.Conv2D      `weight:"conv,alt:model.0"`
	BN   *nn.BatchNorm2D `weight:"bn"`
}

func setup(t *testing.T) ml.Context {
	t.Helper()
	b, err := ml.NewBackend("cpu", ml.BackendParams{Seed: 2})
	if err != nil {
		t.Fatal(err)
	}
	ctx := b.NewContext()
	t.Cleanup(ctx.Close)
	return ctx
}

func newBlock(ctx ml.Context) *block {
	return &block{Conv: nn.NewConv2D(ctx, 1, 2, 1, 1, 0, true), BN: nn.NewBatchNorm2D(ctx, 2)}
}

func TestCollectLoad(t *testing.T) {
	ctx := setup(t)
	src, dst := newBlock(ctx), newBlock(ctx)
	src.BN.RunningMean.FromFloats([]float64{3, 4})

	tensors := Collect(nn.Parameters(src))
	if len(tensors) != 6 {
		t.Fatalf("%d Tensoren, erwartet 6", len(tensors))
	}

	r, err := Load(nn.Parameters(dst), tensors, true)
	if err != nil {
		t.Fatal(err)
	}
	if r.Loaded != 6 {
		t.Errorf("%d geladen", r.Loaded)
	}
	if diff := cmp.Diff(src.Conv.Weight.Floats(), dst.Conv.Weight.Floats()); diff != "" {
		t.Errorf("Gewichte falsch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]float64{3, 4}, dst.BN.RunningMean.Floats()); diff != "" {
		t.Errorf("Buffer falsch (-want +got):\n%s", diff)
	}
}

func TestLoadAlternative(t *testing.T) {
	ctx := setup(t)
	dst := newBlock(ctx)

	tensors := map[string]Tensor{
		"model.0.weight": {Shape: []int{2, 1, 1, 1}, Data: []float64{7, 8}},
	}
	r, err := Load(nn.Parameters(dst), tensors, false)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]float64{7, 8}, dst.Conv.Weight.Floats()); diff != "" {
		t.Errorf("Alternativname nicht geladen (-want +got):\n%s", diff)
	}
	if r.Loaded != 1 || len(r.Missing) != 5 {
		t.Errorf("Report falsch: %+v", r)
	}
}

func TestLoadStrict(t *testing.T) {
	ctx := setup(t)
	full := Collect(nn.Parameters(newBlock(ctx)))

	missing := Collect(nn.Parameters(newBlock(ctx)))
	delete(missing, "bn.bias")
	_, err := Load(nn.Parameters(newBlock(ctx)), missing, true)
	require.ErrorIs(t, err, ErrMissingTensor)

	extra := Collect(nn.Parameters(newBlock(ctx)))
	extra["head.weight"] = Tensor{Shape: []int{1}, Data: []float64{1}}
	_, err = Load(nn.Parameters(newBlock(ctx)), extra, true)
	require.ErrorIs(t, err, ErrUnexpectedTensor)

	bad := full
	bad["conv.bias"] = Tensor{Shape: []int{3}, Data: []float64{1, 2, 3}}
	_, err = Load(nn.Parameters(newBlock(ctx)), bad, true)
	require.ErrorIs(t, err, ErrShapeMismatch)

	// nicht strikt wird alles Unpassende uebersprungen
	dst := newBlock(ctx)
	before := dst.Conv.Bias.Floats()
	r, err := Load(nn.Parameters(dst), bad, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(r.Mismatched) != 1 {
		t.Errorf("Report falsch: %+v", r)
	}
	if diff := cmp.Diff(before, dst.Conv.Bias.Floats()); diff != "" {
		t.Errorf("falsch geformter Tensor wurde geladen (-want +got):\n%s", diff)
	}
}
