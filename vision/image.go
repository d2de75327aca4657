// MODUL: image
// ZWECK: Bild-Lade-, Skalier- und Speicherfunktionen fuer SR-Eingaben
// INPUT: Dateipfad, Bytes oder io.Reader
// OUTPUT: ImageInput Struktur mit dekodiertem Bild
// NEBENEFFEKTE: Dateisystem-Zugriff bei LoadImage und SavePNG
// ABHAENGIGKEITEN: golang.org/x/image/draw, webp, bmp, tiff (extern)
// HINWEISE: Alle Bilder werden als RGBA konvertiert, LR-Bilder entstehen
//           durch Verkleinern mit einem draw.Interpolator

package vision

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"os"

	// Standard-Decoder registrieren
	_ "image/jpeg"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// ErrInvalidSize wird bei ungueltigen Ziel- oder Crop-Groessen zurueckgegeben
var ErrInvalidSize = errors.New("vision: invalid size")

// ImageInput enthaelt ein dekodiertes Bild mit Metadaten
type ImageInput struct {
	Image  *image.RGBA
	Width  int
	Height int
	Format ImageFormat
}

// LoadImage laedt ein Bild von einem Dateipfad
func LoadImage(path string) (*ImageInput, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("datei lesen fehlgeschlagen: %w", err)
	}
	return LoadImageFromBytes(data)
}

// LoadImageFromBytes dekodiert ein Bild aus Byte-Daten
func LoadImageFromBytes(data []byte) (*ImageInput, error) {
	format := DetectFormat(data)
	if err := ValidateFormat(format); err != nil {
		return nil, err
	}

	return decodeWithFormat(bytes.NewReader(data), format)
}

// DecodeImage dekodiert ein Bild aus einem io.Reader
func DecodeImage(reader io.Reader) (*ImageInput, error) {
	// Erst Daten puffern fuer Format-Erkennung
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("daten lesen fehlgeschlagen: %w", err)
	}
	return LoadImageFromBytes(data)
}

// decodeWithFormat dekodiert und konvertiert zu RGBA
func decodeWithFormat(reader io.Reader, format ImageFormat) (*ImageInput, error) {
	img, _, err := image.Decode(reader)
	if err != nil {
		return nil, fmt.Errorf("bild dekodieren fehlgeschlagen: %w", err)
	}

	return fromImage(img, format), nil
}

func fromImage(img image.Image, format ImageFormat) *ImageInput {
	rgba := toRGBA(img)
	bounds := rgba.Bounds()
	return &ImageInput{
		Image:  rgba,
		Width:  bounds.Dx(),
		Height: bounds.Dy(),
		Format: format,
	}
}

// toRGBA konvertiert ein beliebiges image.Image zu *image.RGBA mit Ursprung 0,0
func toRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok && rgba.Bounds().Min == (image.Point{}) {
		return rgba
	}

	bounds := img.Bounds()
	rgba := image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	draw.Draw(rgba, rgba.Bounds(), img, bounds.Min, draw.Src)
	return rgba
}

// Interpolator waehlt das Skalierverfahren nach Namen: nearest, bilinear,
// bicubic (Catmull-Rom). Unbekannte Namen ergeben bicubic.
func Interpolator(name string) draw.Interpolator {
	switch name {
	case "nearest":
		return draw.NearestNeighbor
	case "bilinear":
		return draw.BiLinear
	default:
		return draw.CatmullRom
	}
}

// ResizeImage skaliert ein Bild auf die angegebene Groesse
func ResizeImage(img *ImageInput, width, height int, interp draw.Interpolator) (*ImageInput, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: %dx%d", ErrInvalidSize, width, height)
	}

	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	interp.Scale(dst, dst.Bounds(), img.Image, img.Image.Bounds(), draw.Src, nil)

	return &ImageInput{
		Image:  dst,
		Width:  width,
		Height: height,
		Format: img.Format,
	}, nil
}

// Downscale erzeugt das LR-Gegenstueck zu einem HR-Bild. Breite und Hoehe
// muessen durch scale teilbar sein.
func Downscale(img *ImageInput, scale int, interp draw.Interpolator) (*ImageInput, error) {
	if scale < 1 || img.Width%scale != 0 || img.Height%scale != 0 {
		return nil, fmt.Errorf("%w: %dx%d not divisible by %d", ErrInvalidSize, img.Width, img.Height, scale)
	}
	return ResizeImage(img, img.Width/scale, img.Height/scale, interp)
}

// ModCrop schneidet rechts und unten ab, bis beide Seiten durch scale
// teilbar sind
func ModCrop(img *ImageInput, scale int) (*ImageInput, error) {
	return Crop(img, 0, 0, img.Width-img.Width%scale, img.Height-img.Height%scale)
}

// Composite entfernt Alpha-Kanal durch weissen Hintergrund
func Composite(img *ImageInput) *ImageInput {
	return CompositeWithColor(img, color.White)
}

// CompositeWithColor entfernt Alpha-Kanal mit gegebener Hintergrundfarbe
func CompositeWithColor(img *ImageInput, bgColor color.Color) *ImageInput {
	bounds := img.Image.Bounds()
	dst := image.NewRGBA(bounds)

	// Hintergrund fuellen
	draw.Draw(dst, bounds, &image.Uniform{bgColor}, image.Point{}, draw.Src)
	// Bild darueber zeichnen
	draw.Draw(dst, bounds, img.Image, bounds.Min, draw.Over)

	return &ImageInput{
		Image:  dst,
		Width:  img.Width,
		Height: img.Height,
		Format: img.Format,
	}
}

// Crop schneidet den Bereich ab (x, y) mit width x height aus
func Crop(img *ImageInput, x, y, width, height int) (*ImageInput, error) {
	if width <= 0 || height <= 0 || x < 0 || y < 0 || x+width > img.Width || y+height > img.Height {
		return nil, fmt.Errorf("%w: crop %dx%d at %d,%d from %dx%d", ErrInvalidSize, width, height, x, y, img.Width, img.Height)
	}

	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(dst, dst.Bounds(), img.Image, image.Pt(x, y), draw.Src)

	return &ImageInput{
		Image:  dst,
		Width:  width,
		Height: height,
		Format: img.Format,
	}, nil
}

// CenterCrop schneidet einen zentrierten Bereich aus
func CenterCrop(img *ImageInput, width, height int) (*ImageInput, error) {
	return Crop(img, (img.Width-width)/2, (img.Height-height)/2, width, height)
}

// EncodePNG schreibt das Bild als PNG
func EncodePNG(w io.Writer, img *ImageInput) error {
	return png.Encode(w, img.Image)
}

// SavePNG speichert das Bild als PNG-Datei
func SavePNG(path string, img *ImageInput) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}

	if err := EncodePNG(f, img); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
