package torch

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/nlpodyssey/gopickle/pytorch"
	"github.com/nlpodyssey/gopickle/types"
	"github.com/stretchr/testify/require"

	"github.com/srflow/srflow/fs"
	"github.com/srflow/srflow/ml"
)

func floatTensor(data []float32, offset int, size, stride []int) *pytorch.Tensor {
	return &pytorch.Tensor{
		Source:        &pytorch.FloatStorage{Data: data},
		StorageOffset: offset,
		Size:          size,
		Stride:        stride,
	}
}

func TestStateDict(t *testing.T) {
	inner := types.NewDict()
	inner.Set("module.conv_first.weight", floatTensor([]float32{9, 1, 2, 3, 4}, 1, []int{2, 2}, []int{2, 1}))
	inner.Set("step", 3)

	outer := types.NewDict()
	outer.Set("params", inner)

	got, err := stateDict(outer)
	if err != nil {
		t.Fatal(err)
	}

	want := map[string]fs.Tensor{
		"conv_first.weight": {DType: ml.DTypeF32, Shape: []int{2, 2}, Data: []float64{1, 2, 3, 4}},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("state_dict falsch (-want +got):\n%s", diff)
	}
}

func TestNonContiguous(t *testing.T) {
	dict := types.NewDict()
	dict.Set("w", floatTensor([]float32{1, 2, 3, 4}, 0, []int{2, 2}, []int{1, 2}))

	_, err := stateDict(dict)
	require.ErrorIs(t, err, ErrUnsupportedTensor)
}

func TestContiguous(t *testing.T) {
	cases := []struct {
		shape, stride []int
		want          bool
	}{
		{[]int{2, 3}, []int{3, 1}, true},
		{[]int{2, 1, 3}, []int{3, 7, 1}, true},
		{[]int{2, 3}, []int{1, 2}, false},
		{[]int{4}, nil, false},
	}

	for _, tt := range cases {
		if got := contiguous(tt.shape, tt.stride); got != tt.want {
			t.Errorf("contiguous(%v, %v) = %v, erwartet %v", tt.shape, tt.stride, got, tt.want)
		}
	}
}
