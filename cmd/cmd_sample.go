// cmd_sample.go - Sample und Roundtrip Commands
// Hauptfunktionen: SampleHandler, RoundtripHandler
package cmd

import (
	"fmt"
	"log/slog"
	"math"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/srflow/srflow/config"
	"github.com/srflow/srflow/ml"
	"github.com/srflow/srflow/model/models/srflow"
	"github.com/srflow/srflow/vision"
)

// SampleHandler - Zieht SR-Bilder zu einem LR-Bild
func SampleHandler(cmd *cobra.Command, args []string) error {
	epsStd, err := cmd.Flags().GetFloat64("eps-std")
	if err != nil {
		return err
	}
	samples, err := cmd.Flags().GetInt("samples")
	if err != nil {
		return err
	}
	weights, _ := cmd.Flags().GetString("weights")
	out, _ := cmd.Flags().GetString("out")

	if samples < 1 {
		return fmt.Errorf("--samples must be at least 1, got %d", samples)
	}

	doc, err := config.Load(args[0])
	if err != nil {
		return err
	}

	img, err := vision.LoadImage(args[1])
	if err != nil {
		return err
	}
	img = vision.Composite(img)

	b, err := newBackend()
	if err != nil {
		return err
	}
	defer b.Close()

	ctx := b.NewContext().NoGrad()
	defer ctx.Close()

	m, err := loadFlow(ctx, doc, weights)
	if err != nil {
		return err
	}

	lr, err := vision.ToTensor(ctx, vision.Range01, img)
	if err != nil {
		return err
	}

	for i := range samples {
		start := time.Now()
		sr, err := m.Sample(ctx, lr, epsStd)
		if err != nil {
			return err
		}

		res, err := vision.FromTensor(sr, 0, vision.Range01)
		if err != nil {
			return err
		}

		path := outputPath(out, args[1], "_sr")
		if samples > 1 {
			path = outputPath("", path, "_"+strconv.Itoa(i))
		}
		if err := vision.SavePNG(path, res); err != nil {
			return err
		}
		slog.Debug("sample", "index", i, "eps_std", epsStd, "duration", time.Since(start))
		fmt.Println(path)
	}
	return nil
}

// RoundtripHandler - Kodiert ein HR-Bild ins Latent und zurueck
func RoundtripHandler(cmd *cobra.Command, args []string) error {
	weights, _ := cmd.Flags().GetString("weights")
	interp, _ := cmd.Flags().GetString("interp")
	dump, _ := cmd.Flags().GetBool("dump")

	doc, err := config.Load(args[0])
	if err != nil {
		return err
	}

	b, err := newBackend()
	if err != nil {
		return err
	}
	defer b.Close()

	ctx := b.NewContext().NoGrad()
	defer ctx.Close()

	m, err := loadFlow(ctx, doc, weights)
	if err != nil {
		return err
	}
	opts := m.Flow.Options()

	img, err := vision.LoadImage(args[1])
	if err != nil {
		return err
	}

	hrImg, err := vision.CenterCrop(vision.Composite(img), opts.ImageShape[1], opts.ImageShape[0])
	if err != nil {
		return err
	}
	lrImg, err := vision.Downscale(hrImg, opts.Scale, vision.Interpolator(interp))
	if err != nil {
		return err
	}

	hr, err := vision.ToTensor(ctx, vision.Range01, hrImg)
	if err != nil {
		return err
	}
	lr, err := vision.ToTensor(ctx, vision.Range01, lrImg)
	if err != nil {
		return err
	}

	latent, _, err := m.Encode(ctx, lr, hr, srflow.ModeSequence)
	if err != nil {
		return err
	}
	rec, _, err := m.Decode(ctx, lr, latent, 0)
	if err != nil {
		return err
	}

	var maxErr, sumErr float64
	want, got := hr.Floats(), rec.Floats()
	for i := range want {
		d := math.Abs(want[i] - got[i])
		maxErr = max(maxErr, d)
		sumErr += d
	}

	nll, err := m.NLL(ctx, lr, hr)
	if err != nil {
		return err
	}

	renderTable(os.Stdout, "Roundtrip", nil, [][]string{
		{"", "latents", strconv.Itoa(latent.Len())},
		{"", "max abs error", strconv.FormatFloat(maxErr, 'g', 4, 64)},
		{"", "mean abs error", strconv.FormatFloat(sumErr/float64(len(want)), 'g', 4, 64)},
		{"", "bits/dim", strconv.FormatFloat(nll.Floats()[0], 'f', 4, 64)},
	})

	if dump {
		fmt.Printf("  Top latent %v\n%s\n", latent.Top().Shape(), ml.Dump(latent.Top(), ml.DumpWithPrecision(3), ml.DumpWithEdgeItems(2)))
	}
	return nil
}
