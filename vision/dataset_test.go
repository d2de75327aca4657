package vision

import (
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func writeImages(t *testing.T, dir string, n, w, h int) {
	t.Helper()
	for i := range n {
		c := color.RGBA{uint8(40 * i), 100, 200, 255}
		if err := SavePNG(filepath.Join(dir, string(rune('a'+i))+".png"), createTestImage(w, h, c)); err != nil {
			t.Fatal(err)
		}
	}
}

func TestFolder(t *testing.T) {
	ctx := setup(t)
	dir := t.TempDir()
	writeImages(t, dir, 3, 20, 24)

	// keine Bilder, werden ignoriert
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	f, err := NewFolder(dir, DatasetOptions{HRSize: 16, Scale: 4, Flip: true, Rotate: true})
	if err != nil {
		t.Fatal(err)
	}
	if f.Len() != 3 {
		t.Fatalf("Len = %d, erwartet 3", f.Len())
	}

	lr, hr, err := f.Batch(ctx, []int{2, 0})
	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff([]int{2, 3, 4, 4}, lr.Shape()); diff != "" {
		t.Errorf("LR-Shape falsch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{2, 3, 16, 16}, hr.Shape()); diff != "" {
		t.Errorf("HR-Shape falsch (-want +got):\n%s", diff)
	}

	// erstes Sample stammt aus c.png (R = 80)
	if got := hr.Floats()[0]; got != 80.0/255 {
		t.Errorf("HR[0] = %v, erwartet %v", got, 80.0/255)
	}

	_, _, err = f.Batch(ctx, []int{3})
	require.Error(t, err)
}

func TestFolderErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := NewFolder(dir, DatasetOptions{HRSize: 16, Scale: 4})
	require.ErrorIs(t, err, ErrEmptyDataset)

	_, err = NewFolder(dir, DatasetOptions{HRSize: 10, Scale: 4})
	require.ErrorIs(t, err, ErrInvalidSize)

	// zu kleine Bilder fallen erst beim Laden auf
	writeImages(t, dir, 1, 8, 8)
	f, err := NewFolder(dir, DatasetOptions{HRSize: 16, Scale: 4})
	if err != nil {
		t.Fatal(err)
	}

	_, _, err = f.Batch(setup(t), []int{0})
	require.ErrorIs(t, err, ErrInvalidSize)
}

func TestFlipTranspose(t *testing.T) {
	img := createTestImage(3, 2, color.Black)
	img.Image.SetRGBA(0, 1, color.RGBA{255, 0, 0, 255})

	flipped := FlipHorizontal(img)
	if got := flipped.Image.RGBAAt(2, 1); got.R != 255 {
		t.Errorf("Flip: Pixel (2,1) = %v, erwartet Rot", got)
	}

	tr := Transpose(img)
	if tr.Width != 2 || tr.Height != 3 {
		t.Fatalf("Transpose: Groesse %dx%d, erwartet 2x3", tr.Width, tr.Height)
	}
	if got := tr.Image.RGBAAt(1, 0); got.R != 255 {
		t.Errorf("Transpose: Pixel (1,0) = %v, erwartet Rot", got)
	}
}
