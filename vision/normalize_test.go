// MODUL: normalize_test
// ZWECK: Tests fuer die Bild-Tensor-Konvertierung
// INPUT: Synthetische Bilder
// OUTPUT: Testresultate
// NEBENEFFEKTE: keine
// ABHAENGIGKEITEN: testing, image, ml/backend/cpu, go-cmp, testify
// HINWEISE: Testet CHW-Layout, Wertebereiche und den Rueckweg

package vision

import (
	"image"
	"image/color"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/require"

	"github.com/srflow/srflow/ml"
	_ "github.com/srflow/srflow/ml/backend/cpu"
)

func setup(t *testing.T) ml.Context {
	t.Helper()
	b, err := ml.NewBackend("cpu", ml.BackendParams{NumThreads: 2, Seed: 5})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(b.Close)

	ctx := b.NewContext()
	t.Cleanup(ctx.Close)
	return ctx
}

// createTestImage erzeugt ein einfaches Testbild
func createTestImage(w, h int, c color.Color) *ImageInput {
	rgba := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			rgba.Set(x, y, c)
		}
	}
	return &ImageInput{
		Image:  rgba,
		Width:  w,
		Height: h,
		Format: FormatPNG,
	}
}

func TestToTensorLayout(t *testing.T) {
	ctx := setup(t)

	// 2x1 Bild: links rot, rechts blau
	img := createTestImage(2, 1, color.RGBA{255, 0, 0, 255})
	img.Image.SetRGBA(1, 0, color.RGBA{0, 0, 255, 255})

	x, err := ToTensor(ctx, Range01, img)
	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff([]int{1, 3, 1, 2}, x.Shape()); diff != "" {
		t.Errorf("Shape falsch (-want +got):\n%s", diff)
	}

	// CHW: R R G G B B
	if diff := cmp.Diff([]float64{1, 0, 0, 0, 0, 1}, x.Floats()); diff != "" {
		t.Errorf("Werte falsch (-want +got):\n%s", diff)
	}
}

func TestToTensorRange(t *testing.T) {
	ctx := setup(t)
	img := createTestImage(1, 1, color.RGBA{0, 255, 51, 255})

	x, err := ToTensor(ctx, RangeZNorm, img)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]float64{-1, 1, -0.6}, x.Floats(), cmpopts.EquateApprox(0, 1e-12)); diff != "" {
		t.Errorf("Werte falsch (-want +got):\n%s", diff)
	}
}

func TestToTensorBatch(t *testing.T) {
	ctx := setup(t)

	x, err := ToTensor(ctx, Range01, createTestImage(3, 2, color.White), createTestImage(3, 2, color.Black))
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]int{2, 3, 2, 3}, x.Shape()); diff != "" {
		t.Errorf("Shape falsch (-want +got):\n%s", diff)
	}

	_, err = ToTensor(ctx, Range01, createTestImage(3, 2, color.White), createTestImage(2, 3, color.White))
	require.ErrorIs(t, err, ErrInvalidSize)

	_, err = ToTensor(ctx, Range01)
	require.ErrorIs(t, err, ErrTensorShape)
}

func TestFromTensorRoundtrip(t *testing.T) {
	ctx := setup(t)

	img := createTestImage(4, 3, color.RGBA{12, 34, 56, 255})
	img.Image.SetRGBA(1, 2, color.RGBA{255, 128, 0, 255})

	for _, r := range []Range{Range01, RangeZNorm} {
		x, err := ToTensor(ctx, r, img)
		if err != nil {
			t.Fatal(err)
		}

		back, err := FromTensor(x, 0, r)
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(img.Image.Pix, back.Image.Pix); diff != "" {
			t.Errorf("Range %d: Pixel falsch (-want +got):\n%s", r, diff)
		}
	}
}

func TestFromTensorClamp(t *testing.T) {
	ctx := setup(t)

	// ein Kanal wird als Graustufe geschrieben
	x := ctx.FromFloats([]float64{-0.5, 0.5, 1.5}, 1, 1, 1, 3)
	img, err := FromTensor(x, 0, Range01)
	if err != nil {
		t.Fatal(err)
	}

	want := []color.RGBA{{0, 0, 0, 255}, {128, 128, 128, 255}, {255, 255, 255, 255}}
	for i, c := range want {
		if got := img.Image.RGBAAt(i, 0); got != c {
			t.Errorf("Pixel %d = %v, erwartet %v", i, got, c)
		}
	}
}

func TestFromTensorErrors(t *testing.T) {
	ctx := setup(t)

	_, err := FromTensor(ctx.Zeros(3, 4, 4), 0, Range01)
	require.ErrorIs(t, err, ErrTensorShape)

	_, err = FromTensor(ctx.Zeros(1, 2, 4, 4), 0, Range01)
	require.ErrorIs(t, err, ErrTensorShape)

	_, err = FromTensor(ctx.Zeros(1, 3, 4, 4), 1, Range01)
	require.ErrorIs(t, err, ErrTensorShape)
}

func TestMaskTensor(t *testing.T) {
	ctx := setup(t)

	img := createTestImage(3, 1, color.White)
	img.Image.SetRGBA(1, 0, color.RGBA{20, 20, 20, 255})

	m := MaskTensor(ctx, img)
	if diff := cmp.Diff([]int{1, 1, 1, 3}, m.Shape()); diff != "" {
		t.Errorf("Shape falsch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]float64{1, 0, 1}, m.Floats()); diff != "" {
		t.Errorf("Maske falsch (-want +got):\n%s", diff)
	}
}
