// Package torch - Import von PyTorch-Checkpoints (.pth/.pt)
//
// Liest einen state_dict ueber gopickle und bildet ihn auf das
// formatunabhaengige fs.Tensor-Abbild ab. Verschachtelte Checkpoints mit
// "params", "params_ema" oder "state_dict" werden entpackt, das Praefix
// "module." aus DataParallel wird entfernt.

package torch

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/nlpodyssey/gopickle/pytorch"
	"github.com/nlpodyssey/gopickle/types"

	"github.com/srflow/srflow/fs"
	"github.com/srflow/srflow/ml"
)

var (
	ErrNotStateDict      = errors.New("torch: checkpoint is not a state dict")
	ErrUnsupportedTensor = errors.New("torch: unsupported tensor")
)

// wrapperKeys sind die bekannten Huellen um den eigentlichen state_dict
var wrapperKeys = []string{"params_ema", "params", "state_dict"}

// ReadFile laedt path und gibt alle Tensoren des state_dict zurueck
func ReadFile(path string) (map[string]fs.Tensor, error) {
	pt, err := pytorch.Load(path)
	if err != nil {
		return nil, err
	}

	dict, ok := pt.(*types.Dict)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrNotStateDict, pt)
	}
	return stateDict(dict)
}

func stateDict(dict *types.Dict) (map[string]fs.Tensor, error) {
	for _, key := range wrapperKeys {
		if v, ok := dict.Get(key); ok {
			if inner, ok := v.(*types.Dict); ok {
				return stateDict(inner)
			}
		}
	}

	tensors := make(map[string]fs.Tensor)
	for _, k := range dict.Keys() {
		name, ok := k.(string)
		if !ok {
			continue
		}

		t, ok := dict.MustGet(k).(*pytorch.Tensor)
		if !ok {
			continue
		}

		ft, err := convert(t)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		tensors[strings.TrimPrefix(name, "module.")] = ft
	}
	return tensors, nil
}

// convert kopiert die (zusammenhaengenden) Daten eines Tensors
func convert(t *pytorch.Tensor) (fs.Tensor, error) {
	shape := slices.Clone(t.Size)
	numel := ml.Numel(shape...)
	if !contiguous(shape, t.Stride) {
		return fs.Tensor{}, fmt.Errorf("%w: non-contiguous stride %v", ErrUnsupportedTensor, t.Stride)
	}

	out := make([]float64, numel)
	lo := t.StorageOffset

	var dtype ml.DType
	switch s := t.Source.(type) {
	case *pytorch.FloatStorage:
		dtype = ml.DTypeF32
		for i, v := range s.Data[lo : lo+numel] {
			out[i] = float64(v)
		}
	case *pytorch.HalfStorage:
		dtype = ml.DTypeF16
		for i, v := range s.Data[lo : lo+numel] {
			out[i] = float64(v)
		}
	case *pytorch.BFloat16Storage:
		dtype = ml.DTypeOther
		for i, v := range s.Data[lo : lo+numel] {
			out[i] = float64(v)
		}
	case *pytorch.DoubleStorage:
		dtype = ml.DTypeF64
		copy(out, s.Data[lo:lo+numel])
	default:
		return fs.Tensor{}, fmt.Errorf("%w: storage %T", ErrUnsupportedTensor, t.Source)
	}

	return fs.Tensor{DType: dtype, Shape: shape, Data: out}, nil
}

func contiguous(shape, stride []int) bool {
	if len(stride) != len(shape) {
		return false
	}

	step := 1
	for i := len(shape) - 1; i >= 0; i-- {
		if shape[i] != 1 && stride[i] != step {
			return false
		}
		step *= shape[i]
	}
	return true
}
