// types.go - Datentypen und Konstanten fuer ML-Operationen
// Dieses Modul definiert grundlegende Typen wie DType und SamplingMode.
package ml

// DType represents the storage type used when tensors are serialized.
type DType int

const (
	DTypeOther DType = iota
	DTypeF32
	DTypeF16
	DTypeF64
	DTypeBF16
)

func (d DType) String() string {
	switch d {
	case DTypeF32:
		return "F32"
	case DTypeF16:
		return "F16"
	case DTypeF64:
		return "F64"
	case DTypeBF16:
		return "BF16"
	default:
		return "other"
	}
}

// SamplingMode specifies the interpolation method for tensor resizing.
type SamplingMode int

const (
	SamplingModeNearest SamplingMode = iota
	SamplingModeBilinear
)

// Numel gibt die Anzahl der Elemente fuer eine Shape zurueck
func Numel(shape ...int) int {
	return mul(shape...)
}
