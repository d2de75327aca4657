// cmd_builders.go - Command-Builder Funktionen
// Hauptfunktionen: newShowCmd, newSampleCmd, newTrainCmd, etc.
package cmd

import (
	"github.com/spf13/cobra"
)

// newShowCmd - Erstellt den show Command
func newShowCmd() *cobra.Command {
	showCmd := &cobra.Command{
		Use:   "show CONFIG",
		Short: "Show the flow layers built from a settings file",
		Args:  cobra.ExactArgs(1),
		RunE:  ShowHandler,
	}

	showCmd.Flags().Bool("verbose", false, "Show the conditioning network structure")

	return showCmd
}

// newSampleCmd - Erstellt den sample Command
func newSampleCmd() *cobra.Command {
	sampleCmd := &cobra.Command{
		Use:   "sample CONFIG IMAGE",
		Short: "Upscale a low resolution image by sampling the flow",
		Args:  cobra.ExactArgs(2),
		RunE:  SampleHandler,
	}

	sampleCmd.Flags().Float64("eps-std", 0.8, "Sampling temperature of the latent")
	sampleCmd.Flags().Int("samples", 1, "Number of samples to draw")
	sampleCmd.Flags().String("weights", "", "Checkpoint to load instead of path.pretrain_model_G")
	sampleCmd.Flags().StringP("out", "o", "", "Output file (default IMAGE_sr.png)")

	return sampleCmd
}

// newRoundtripCmd - Erstellt den roundtrip Command
func newRoundtripCmd() *cobra.Command {
	roundtripCmd := &cobra.Command{
		Use:   "roundtrip CONFIG IMAGE",
		Short: "Encode and decode a high resolution image and report the error",
		Args:  cobra.ExactArgs(2),
		RunE:  RoundtripHandler,
	}

	roundtripCmd.Flags().String("weights", "", "Checkpoint to load instead of path.pretrain_model_G")
	roundtripCmd.Flags().String("interp", "bicubic", "Downscale filter for the conditioning image (nearest, bilinear, bicubic)")
	roundtripCmd.Flags().Bool("dump", false, "Print the top latent")

	return roundtripCmd
}

// newInpaintCmd - Erstellt den inpaint Command
func newInpaintCmd() *cobra.Command {
	inpaintCmd := &cobra.Command{
		Use:   "inpaint IMAGE MASK",
		Short: "Fill the black regions of MASK in IMAGE",
		Args:  cobra.ExactArgs(2),
		RunE:  InpaintHandler,
	}

	inpaintCmd.Flags().String("config", "", "Settings file with a network_inpaint section")
	inpaintCmd.Flags().String("weights", "", "Checkpoint to load instead of network_inpaint.model")
	inpaintCmd.Flags().StringP("out", "o", "", "Output file (default IMAGE_inpaint.png)")

	return inpaintCmd
}

// newTrainCmd - Erstellt den train Command
func newTrainCmd() *cobra.Command {
	trainCmd := &cobra.Command{
		Use:   "train CONFIG",
		Short: "Train the SR-GAN on an image folder",
		Args:  cobra.ExactArgs(1),
		RunE:  TrainHandler,
	}

	trainCmd.Flags().Int("start", 0, "First iteration, used when resuming from a checkpoint")
	trainCmd.Flags().Bool("print-network", false, "Log the network structure before training")

	return trainCmd
}

// newServeCmd - Erstellt den serve Command
func newServeCmd() *cobra.Command {
	serveCmd := &cobra.Command{
		Use:     "serve [CONFIG]",
		Aliases: []string{"start"},
		Short:   "Start the HTTP API",
		Args:    cobra.MaximumNArgs(1),
		RunE:    RunServer,
	}

	serveCmd.Flags().Float64("eps-std", 0.8, "Default sampling temperature")
	serveCmd.Flags().String("weights", "", "Checkpoint to load instead of path.pretrain_model_G")
	serveCmd.Flags().String("inpaint-weights", "", "Checkpoint to load instead of network_inpaint.model")

	return serveCmd
}
