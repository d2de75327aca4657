package safetensors

import (
	"bytes"
	"encoding/binary"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/require"

	"github.com/srflow/srflow/fs"
	"github.com/srflow/srflow/ml"
)

func TestWriteRead(t *testing.T) {
	tensors := map[string]fs.Tensor{
		"conv.weight": {Shape: []int{2, 1, 1, 1}, Data: []float64{0.5, -1.25}},
		"conv.bias":   {Shape: []int{2}, Data: []float64{1. / 3, 2}},
	}

	cases := []struct {
		dtype ml.DType
		tol   float64
	}{
		{ml.DTypeF64, 0},
		{ml.DTypeF32, 1e-7},
		{ml.DTypeF16, 1e-3},
	}

	for _, tt := range cases {
		t.Run(tt.dtype.String(), func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "model.safetensors")
			if err := WriteFile(path, tensors, tt.dtype, map[string]string{"step": "7"}); err != nil {
				t.Fatal(err)
			}

			got, metadata, err := ReadFile(path)
			if err != nil {
				t.Fatal(err)
			}
			if metadata["step"] != "7" {
				t.Errorf("Metadaten falsch: %v", metadata)
			}

			for name, want := range tensors {
				g := got[name]
				if g.DType != tt.dtype {
					t.Errorf("%s: dtype %s", name, g.DType)
				}
				if diff := cmp.Diff(want.Shape, g.Shape); diff != "" {
					t.Errorf("%s: Shape falsch (-want +got):\n%s", name, diff)
				}
				if diff := cmp.Diff(want.Data, g.Data, cmpopts.EquateApprox(tt.tol, 0)); diff != "" {
					t.Errorf("%s: Daten falsch (-want +got):\n%s", name, diff)
				}
			}
		})
	}
}

func TestHeaderAlignment(t *testing.T) {
	var buf bytes.Buffer
	if err := Write(&buf, map[string]fs.Tensor{"a": {Shape: []int{1}, Data: []float64{1}}}, ml.DTypeF32, nil); err != nil {
		t.Fatal(err)
	}

	n := binary.LittleEndian.Uint64(buf.Bytes()[:8])
	if n%8 != 0 {
		t.Errorf("Header-Laenge %d nicht 8-Byte-ausgerichtet", n)
	}
	if got := buf.Len(); got != 8+int(n)+4 {
		t.Errorf("Dateigroesse %d", got)
	}
}

func TestReadErrors(t *testing.T) {
	_, _, err := Read(bytes.NewReader([]byte{1, 2}))
	require.ErrorIs(t, err, ErrHeader)

	header := []byte(`{"a":{"dtype":"I8","shape":[1],"data_offsets":[0,1]}}`)
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, uint64(len(header)))
	buf.Write(header)
	buf.WriteByte(0)
	_, _, err = Read(&buf)
	require.ErrorIs(t, err, ErrUnsupportedDType)

	header = []byte(`{"a":{"dtype":"F32","shape":[2],"data_offsets":[0,4]}}`)
	buf.Reset()
	binary.Write(&buf, binary.LittleEndian, uint64(len(header)))
	buf.Write(header)
	buf.Write(make([]byte, 4))
	_, _, err = Read(&buf)
	require.ErrorIs(t, err, ErrHeader)

	err = Write(&buf, nil, ml.DTypeOther, nil)
	require.ErrorIs(t, err, ErrUnsupportedDType)
}

func TestReadBF16(t *testing.T) {
	header := []byte(`{"w":{"dtype":"BF16","shape":[3],"data_offsets":[0,6]}}`)
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, uint64(len(header)))
	buf.Write(header)
	// 1.0, -2.0, 0.5
	binary.Write(&buf, binary.LittleEndian, []uint16{0x3f80, 0xc000, 0x3f00})

	got, _, err := Read(&buf)
	if err != nil {
		t.Fatal(err)
	}

	want := fs.Tensor{DType: ml.DTypeBF16, Shape: []int{3}, Data: []float64{1, -2, 0.5}}
	if diff := cmp.Diff(want, got["w"]); diff != "" {
		t.Errorf("BF16 falsch (-want +got):\n%s", diff)
	}

	require.ErrorIs(t, Write(&buf, got, ml.DTypeBF16, nil), ErrUnsupportedDType)
}
