// MODUL: dataset
// ZWECK: Trainingsdaten aus einem Bildordner, HR-Crops mit LR-Gegenstueck
// INPUT: Ordnerpfad, DatasetOptions, Sample-Indizes
// OUTPUT: LR-Batch (N, 3, h, w) und HR-Batch (N, 3, h*scale, w*scale)
// NEBENEFFEKTE: Dateisystem-Zugriff bei jedem Batch
// ABHAENGIGKEITEN: ml, golang.org/x/sync/errgroup
// HINWEISE: Bilder werden pro Batch neu geladen, Zufall kommt aus dem
//           Context, damit Laeufe mit gleichem Seed reproduzierbar sind

package vision

import (
	"errors"
	"fmt"
	"image"
	"io/fs"
	"log/slog"
	"math/rand/v2"
	"path/filepath"
	"slices"
	"strings"

	"golang.org/x/image/draw"
	"golang.org/x/sync/errgroup"

	"github.com/srflow/srflow/ml"
)

// ErrEmptyDataset wird zurueckgegeben wenn der Ordner keine Bilder enthaelt
var ErrEmptyDataset = errors.New("vision: no images found")

var imageExtensions = []string{".png", ".jpg", ".jpeg", ".webp", ".bmp", ".tif", ".tiff"}

// DatasetOptions beschreibt die Aufbereitung der Trainingsbilder
type DatasetOptions struct {
	// HRSize ist die Kantenlaenge der HR-Crops, muss durch Scale teilbar sein
	HRSize int
	Scale  int

	// Interp waehlt das Verkleinerungsverfahren (nearest, bilinear, bicubic)
	Interp string

	Flip   bool
	Rotate bool
	Range  Range

	// Workers begrenzt das parallele Laden, 0 bedeutet unbegrenzt
	Workers int
}

// Folder liefert Batches aus allen Bildern unterhalb eines Ordners
type Folder struct {
	paths  []string
	opts   DatasetOptions
	interp draw.Interpolator
}

// NewFolder sammelt alle Bilddateien unterhalb von root, sortiert nach Pfad
func NewFolder(root string, opts DatasetOptions) (*Folder, error) {
	if opts.Scale < 1 || opts.HRSize < opts.Scale || opts.HRSize%opts.Scale != 0 {
		return nil, fmt.Errorf("%w: hr size %d at scale %d", ErrInvalidSize, opts.HRSize, opts.Scale)
	}

	var paths []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && slices.Contains(imageExtensions, strings.ToLower(filepath.Ext(path))) {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(paths) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmptyDataset, root)
	}

	slices.Sort(paths)
	slog.Info("dataset loaded", "root", root, "images", len(paths), "hr_size", opts.HRSize, "scale", opts.Scale)
	return &Folder{paths: paths, opts: opts, interp: Interpolator(opts.Interp)}, nil
}

// Len ist die Anzahl der Bilder
func (f *Folder) Len() int {
	return len(f.paths)
}

// Paths gibt die gefundenen Dateien zurueck
func (f *Folder) Paths() []string {
	return slices.Clone(f.paths)
}

// Batch laedt die Bilder zu indices, schneidet zufaellige HR-Crops aus
// und erzeugt die LR-Bilder durch Verkleinern
func (f *Folder) Batch(ctx ml.Context, indices []int) (ml.Tensor, ml.Tensor, error) {
	for _, idx := range indices {
		if idx < 0 || idx >= len(f.paths) {
			return nil, nil, fmt.Errorf("vision: index %d out of range [0, %d)", idx, len(f.paths))
		}
	}

	lrs := make([]*ImageInput, len(indices))
	hrs := make([]*ImageInput, len(indices))

	// Seeds sequentiell ziehen, das Laden laeuft parallel
	seeds := make([]uint64, len(indices))
	for i := range seeds {
		seeds[i] = ctx.Rand().Uint64()
	}

	var g errgroup.Group
	if f.opts.Workers > 0 {
		g.SetLimit(f.opts.Workers)
	}

	for i, idx := range indices {
		g.Go(func() error {
			hr, err := f.sample(f.paths[idx], rand.New(rand.NewPCG(seeds[i], uint64(idx))))
			if err != nil {
				return fmt.Errorf("%s: %w", f.paths[idx], err)
			}

			lr, err := Downscale(hr, f.opts.Scale, f.interp)
			if err != nil {
				return err
			}

			lrs[i], hrs[i] = lr, hr
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	lr, err := ToTensor(ctx, f.opts.Range, lrs...)
	if err != nil {
		return nil, nil, err
	}

	hr, err := ToTensor(ctx, f.opts.Range, hrs...)
	if err != nil {
		return nil, nil, err
	}
	return lr, hr, nil
}

// sample laedt ein Bild und schneidet einen augmentierten HR-Crop aus
func (f *Folder) sample(path string, rng *rand.Rand) (*ImageInput, error) {
	img, err := LoadImage(path)
	if err != nil {
		return nil, err
	}
	img = Composite(img)

	size := f.opts.HRSize
	if img.Width < size || img.Height < size {
		return nil, fmt.Errorf("%w: image %dx%d smaller than crop %d", ErrInvalidSize, img.Width, img.Height, size)
	}

	crop, err := Crop(img, rng.IntN(img.Width-size+1), rng.IntN(img.Height-size+1), size, size)
	if err != nil {
		return nil, err
	}

	if f.opts.Flip && rng.IntN(2) == 1 {
		crop = FlipHorizontal(crop)
	}
	if f.opts.Rotate && rng.IntN(2) == 1 {
		crop = Transpose(crop)
	}
	return crop, nil
}

// FlipHorizontal spiegelt das Bild an der vertikalen Achse
func FlipHorizontal(img *ImageInput) *ImageInput {
	dst := image.NewRGBA(image.Rect(0, 0, img.Width, img.Height))
	for y := range img.Height {
		for x := range img.Width {
			dst.SetRGBA(img.Width-1-x, y, img.Image.RGBAAt(x, y))
		}
	}
	return &ImageInput{Image: dst, Width: img.Width, Height: img.Height, Format: img.Format}
}

// Transpose vertauscht Zeilen und Spalten
func Transpose(img *ImageInput) *ImageInput {
	dst := image.NewRGBA(image.Rect(0, 0, img.Height, img.Width))
	for y := range img.Height {
		for x := range img.Width {
			dst.SetRGBA(y, x, img.Image.RGBAAt(x, y))
		}
	}
	return &ImageInput{Image: dst, Width: img.Height, Height: img.Width, Format: img.Format}
}
