// cmd_inpaint.go - Inpaint Command
// Hauptfunktionen: InpaintHandler
package cmd

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/srflow/srflow/config"
	"github.com/srflow/srflow/vision"
)

// InpaintHandler - Fuellt die schwarzen Bereiche der Maske
func InpaintHandler(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	weights, _ := cmd.Flags().GetString("weights")
	out, _ := cmd.Flags().GetString("out")

	var doc *config.Document
	if configPath != "" {
		var err error
		if doc, err = config.Load(configPath); err != nil {
			return err
		}
	}

	img, err := vision.LoadImage(args[0])
	if err != nil {
		return err
	}
	maskImg, err := vision.LoadImage(args[1])
	if err != nil {
		return err
	}
	if img.Width != maskImg.Width || img.Height != maskImg.Height {
		return fmt.Errorf("mask %dx%d does not match image %dx%d", maskImg.Width, maskImg.Height, img.Width, img.Height)
	}

	b, err := newBackend()
	if err != nil {
		return err
	}
	defer b.Close()

	ctx := b.NewContext().NoGrad()
	defer ctx.Close()

	m, err := loadInpaint(ctx, doc, weights)
	if err != nil {
		return err
	}

	x, err := vision.ToTensor(ctx, vision.RangeZNorm, vision.Composite(img))
	if err != nil {
		return err
	}
	mask := vision.MaskTensor(ctx, vision.Composite(maskImg))
	known := x.Mul(ctx, mask)

	start := time.Now()
	pred, err := m.Forward(ctx, known, mask)
	if err != nil {
		return err
	}
	slog.Info("inpaint", "width", img.Width, "height", img.Height, "duration", time.Since(start))

	res, err := vision.FromTensor(known.Add(ctx, pred.Mul(ctx, mask.Scale(ctx, -1).AddScalar(ctx, 1))), 0, vision.RangeZNorm)
	if err != nil {
		return err
	}

	path := outputPath(out, args[0], "_inpaint")
	if err := vision.SavePNG(path, res); err != nil {
		return err
	}
	fmt.Println(path)
	return nil
}
