// MODUL: normalize
// ZWECK: Konvertierung zwischen Bildern und Batch-Tensoren (N, C, H, W)
// INPUT: ImageInput bzw. ml.Tensor, Wertebereich
// OUTPUT: Tensor im CHW-Layout oder RGBA-Bild
// NEBENEFFEKTE: keine
// ABHAENGIGKEITEN: ml
// HINWEISE: Range01 entspricht dem Netzeingang, RangeZNorm bildet auf
//           [-1, 1] ab. Beim Rueckweg wird geklemmt und gerundet.

package vision

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"math"

	"github.com/srflow/srflow/ml"
)

// ErrTensorShape wird bei Tensoren ohne (N, 1|3, H, W) Layout zurueckgegeben
var ErrTensorShape = errors.New("vision: invalid tensor shape")

// Range legt den Wertebereich der Tensoren fest
type Range int

const (
	Range01 Range = iota
	RangeZNorm
)

func (r Range) encode(v float64) float64 {
	if r == RangeZNorm {
		return v*2 - 1
	}
	return v
}

func (r Range) decode(v float64) float64 {
	if r == RangeZNorm {
		return (v + 1) / 2
	}
	return v
}

// extractRGB holt RGB-Werte im Bereich [0,1]
func extractRGB(img *ImageInput, x, y int) (float64, float64, float64) {
	c := img.Image.RGBAAt(x, y)
	return float64(c.R) / 255, float64(c.G) / 255, float64(c.B) / 255
}

// ToTensor stapelt gleich grosse Bilder zu einem Tensor (N, 3, H, W)
func ToTensor(ctx ml.Context, r Range, imgs ...*ImageInput) (ml.Tensor, error) {
	if len(imgs) == 0 {
		return nil, fmt.Errorf("%w: no images", ErrTensorShape)
	}

	h, w := imgs[0].Height, imgs[0].Width
	size := h * w
	data := make([]float64, 0, len(imgs)*3*size)

	for i, img := range imgs {
		if img.Width != w || img.Height != h {
			return nil, fmt.Errorf("%w: image %d is %dx%d, want %dx%d", ErrInvalidSize, i, img.Width, img.Height, w, h)
		}

		// CHW: erst alle R, dann G, dann B
		chw := make([]float64, 3*size)
		for y := range h {
			for x := range w {
				red, green, blue := extractRGB(img, x, y)
				idx := y*w + x
				chw[idx] = r.encode(red)
				chw[size+idx] = r.encode(green)
				chw[2*size+idx] = r.encode(blue)
			}
		}
		data = append(data, chw...)
	}

	return ctx.FromFloats(data, len(imgs), 3, h, w), nil
}

// MaskTensor liest eine Maske als (1, 1, H, W). Helle Pixel (Luminanz >= 0.5)
// sind bekannt und ergeben 1, dunkle Pixel sind Loecher und ergeben 0.
func MaskTensor(ctx ml.Context, img *ImageInput) ml.Tensor {
	data := make([]float64, img.Width*img.Height)
	for y := range img.Height {
		for x := range img.Width {
			r, g, b := extractRGB(img, x, y)
			if 0.299*r+0.587*g+0.114*b >= 0.5 {
				data[y*img.Width+x] = 1
			}
		}
	}
	return ctx.FromFloats(data, 1, 1, img.Height, img.Width)
}

func toByte(v float64) uint8 {
	return uint8(math.Round(min(max(v, 0), 1) * 255))
}

// FromTensor wandelt Sample n eines Tensors (N, C, H, W) mit C = 1 oder 3
// in ein Bild. Werte ausserhalb des Bereichs werden geklemmt.
func FromTensor(t ml.Tensor, n int, r Range) (*ImageInput, error) {
	if len(t.Shape()) != 4 || (t.Dim(1) != 1 && t.Dim(1) != 3) || n < 0 || n >= t.Dim(0) {
		return nil, fmt.Errorf("%w: %v sample %d", ErrTensorShape, t.Shape(), n)
	}

	c, h, w := t.Dim(1), t.Dim(2), t.Dim(3)
	size := h * w
	data := t.Floats()[n*c*size : (n+1)*c*size]

	rgba := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			idx := y*w + x
			px := color.RGBA{A: 255}
			px.R = toByte(r.decode(data[idx]))
			if c == 3 {
				px.G = toByte(r.decode(data[size+idx]))
				px.B = toByte(r.decode(data[2*size+idx]))
			} else {
				px.G, px.B = px.R, px.R
			}
			rgba.SetRGBA(x, y, px)
		}
	}

	return &ImageInput{Image: rgba, Width: w, Height: h, Format: FormatPNG}, nil
}
