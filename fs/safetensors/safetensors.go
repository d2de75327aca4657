// Package safetensors - Lesen und Schreiben von safetensors-Dateien
//
// Format: 8 Byte Header-Laenge (little endian), JSON-Header mit dtype,
// shape und data_offsets pro Tensor, danach die Rohdaten. Unterstuetzt
// werden F16, F32 und F64, BF16 nur beim Lesen.

package safetensors

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"math"
	"os"
	"slices"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"

	"github.com/srflow/srflow/fs"
	"github.com/srflow/srflow/ml"
)

var (
	ErrHeader           = errors.New("safetensors: invalid header")
	ErrUnsupportedDType = errors.New("safetensors: unsupported dtype")
)

const metadataKey = "__metadata__"

type tensorInfo struct {
	DType       string `json:"dtype"`
	Shape       []int  `json:"shape"`
	DataOffsets [2]int `json:"data_offsets"`
}

func dtypeOf(s string) (ml.DType, int, error) {
	switch s {
	case "F16":
		return ml.DTypeF16, 2, nil
	case "BF16":
		return ml.DTypeBF16, 2, nil
	case "F32":
		return ml.DTypeF32, 4, nil
	case "F64":
		return ml.DTypeF64, 8, nil
	default:
		return ml.DTypeOther, 0, fmt.Errorf("%w: %q", ErrUnsupportedDType, s)
	}
}

// Read liest alle Tensoren und die Metadaten aus r
func Read(r io.Reader) (map[string]fs.Tensor, map[string]string, error) {
	var n uint64
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrHeader, err)
	}
	if n > 100<<20 {
		return nil, nil, fmt.Errorf("%w: header length %d", ErrHeader, n)
	}

	header := make([]byte, n)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrHeader, err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(header, &raw); err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrHeader, err)
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, nil, err
	}

	var metadata map[string]string
	tensors := make(map[string]fs.Tensor, len(raw))
	for name, msg := range raw {
		if name == metadataKey {
			if err := json.Unmarshal(msg, &metadata); err != nil {
				return nil, nil, fmt.Errorf("%w: metadata: %w", ErrHeader, err)
			}
			continue
		}

		var info tensorInfo
		if err := json.Unmarshal(msg, &info); err != nil {
			return nil, nil, fmt.Errorf("%w: tensor %q: %w", ErrHeader, name, err)
		}

		t, err := decode(info, data)
		if err != nil {
			return nil, nil, fmt.Errorf("tensor %q: %w", name, err)
		}
		tensors[name] = t
	}

	return tensors, metadata, nil
}

func decode(info tensorInfo, data []byte) (fs.Tensor, error) {
	dtype, size, err := dtypeOf(info.DType)
	if err != nil {
		return fs.Tensor{}, err
	}

	begin, end := info.DataOffsets[0], info.DataOffsets[1]
	numel := ml.Numel(info.Shape...)
	if begin < 0 || end > len(data) || end-begin != numel*size {
		return fs.Tensor{}, fmt.Errorf("%w: offsets %v for %d elements of %s", ErrHeader, info.DataOffsets, numel, info.DType)
	}

	b := data[begin:end]
	out := make([]float64, numel)
	if dtype == ml.DTypeBF16 {
		for i, v := range bfloat16.DecodeFloat32(b) {
			out[i] = float64(v)
		}
		return fs.Tensor{DType: dtype, Shape: slices.Clone(info.Shape), Data: out}, nil
	}

	for i := range out {
		switch dtype {
		case ml.DTypeF16:
			out[i] = float64(float16.Frombits(binary.LittleEndian.Uint16(b[i*2:])).Float32())
		case ml.DTypeF32:
			out[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:])))
		case ml.DTypeF64:
			out[i] = math.Float64frombits(binary.LittleEndian.Uint64(b[i*8:]))
		}
	}

	return fs.Tensor{DType: dtype, Shape: slices.Clone(info.Shape), Data: out}, nil
}

// Write schreibt tensors in dtype nach w. Die Namen werden sortiert, damit
// gleiche Eingaben byte-gleiche Dateien ergeben.
func Write(w io.Writer, tensors map[string]fs.Tensor, dtype ml.DType, metadata map[string]string) error {
	var name string
	var size int
	switch dtype {
	case ml.DTypeF16:
		name, size = "F16", 2
	case ml.DTypeF32:
		name, size = "F32", 4
	case ml.DTypeF64:
		name, size = "F64", 8
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedDType, dtype)
	}

	header := make(map[string]any, len(tensors)+1)
	if len(metadata) > 0 {
		header[metadataKey] = metadata
	}

	var body bytes.Buffer
	for _, key := range slices.Sorted(maps.Keys(tensors)) {
		t := tensors[key]
		begin := body.Len()
		for _, v := range t.Data {
			switch dtype {
			case ml.DTypeF16:
				binary.Write(&body, binary.LittleEndian, float16.Fromfloat32(float32(v)).Bits())
			case ml.DTypeF32:
				binary.Write(&body, binary.LittleEndian, float32(v))
			case ml.DTypeF64:
				binary.Write(&body, binary.LittleEndian, v)
			}
		}
		header[key] = tensorInfo{DType: name, Shape: t.Shape, DataOffsets: [2]int{begin, begin + len(t.Data)*size}}
	}

	b, err := json.Marshal(header)
	if err != nil {
		return err
	}

	// der Datenblock beginnt an einer 8-Byte-Grenze
	if pad := len(b) % 8; pad != 0 {
		b = append(b, bytes.Repeat([]byte(" "), 8-pad)...)
	}

	if err := binary.Write(w, binary.LittleEndian, uint64(len(b))); err != nil {
		return err
	}
	if _, err := w.Write(b); err != nil {
		return err
	}
	_, err = body.WriteTo(w)
	return err
}

// ReadFile liest eine safetensors-Datei
func ReadFile(path string) (map[string]fs.Tensor, map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	return Read(f)
}

// WriteFile schreibt tensors atomar ueber eine temporaere Datei
func WriteFile(path string, tensors map[string]fs.Tensor, dtype ml.DType, metadata map[string]string) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}

	if err := Write(f, tensors, dtype, metadata); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}

	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}
