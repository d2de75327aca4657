// cmd.go - Haupt-CLI Setup und Root Command
// Hauptfunktionen: NewCLI, appendEnvDocs
package cmd

import (
	"fmt"
	"log"
	"log/slog"
	"os"
	"runtime"
	"slices"

	"github.com/containerd/console"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/srflow/srflow/envconfig"
	"github.com/srflow/srflow/logutil"
)

// Version wird beim Build per -ldflags gesetzt
var Version = "0.0.0"

// appendEnvDocs - Fuegt Umgebungsvariablen-Dokumentation zum Command hinzu
func appendEnvDocs(cmd *cobra.Command, envs []envconfig.EnvVar) {
	if len(envs) == 0 {
		return
	}

	envUsage := `
Environment Variables:
`
	for _, e := range envs {
		envUsage += fmt.Sprintf("      %-24s   %s\n", e.Name, e.Description)
	}

	cmd.SetUsageTemplate(cmd.UsageTemplate() + envUsage)
}

// NewCLI - Erstellt das Haupt-CLI mit allen Commands
func NewCLI() *cobra.Command {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	cobra.EnableCommandSorting = false

	if runtime.GOOS == "windows" && term.IsTerminal(int(os.Stdout.Fd())) {
		console.ConsoleFromFile(os.Stdin) //nolint:errcheck
	}

	rootCmd := &cobra.Command{
		Use:           "srflow",
		Short:         "Super-resolution normalizing flow and SR-GAN trainer",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			slog.SetDefault(logutil.NewLogger(os.Stderr, envconfig.LogLevel()))
		},
		Run: func(cmd *cobra.Command, args []string) {
			if version, _ := cmd.Flags().GetBool("version"); version {
				fmt.Printf("srflow version is %s\n", Version)
				return
			}

			cmd.Print(cmd.UsageString())
		},
	}

	rootCmd.Flags().BoolP("version", "v", false, "Show version information")

	// Commands erstellen
	showCmd := newShowCmd()
	sampleCmd := newSampleCmd()
	roundtripCmd := newRoundtripCmd()
	inpaintCmd := newInpaintCmd()
	trainCmd := newTrainCmd()
	serveCmd := newServeCmd()

	// Environment-Dokumentation hinzufuegen
	envVars := envconfig.AsMap()
	runtimeEnvs := []envconfig.EnvVar{
		envVars["SRFLOW_DEBUG"],
		envVars["SRFLOW_BACKEND"],
		envVars["SRFLOW_NUM_THREADS"],
		envVars["SRFLOW_SEED"],
	}

	for _, cmd := range []*cobra.Command{
		showCmd,
		sampleCmd,
		roundtripCmd,
		inpaintCmd,
		trainCmd,
		serveCmd,
	} {
		switch cmd {
		case trainCmd:
			appendEnvDocs(cmd, slices.Concat(runtimeEnvs, []envconfig.EnvVar{
				envVars["SRFLOW_MODELS"],
				envVars["SRFLOW_HISTORY"],
				envVars["SRFLOW_NOHISTORY"],
			}))
		case serveCmd:
			appendEnvDocs(cmd, slices.Concat(runtimeEnvs, []envconfig.EnvVar{
				envVars["SRFLOW_HOST"],
				envVars["SRFLOW_ORIGINS"],
			}))
		case showCmd:
			appendEnvDocs(cmd, []envconfig.EnvVar{envVars["SRFLOW_DEBUG"]})
		default:
			appendEnvDocs(cmd, runtimeEnvs)
		}
	}

	rootCmd.AddCommand(
		showCmd,
		sampleCmd,
		roundtripCmd,
		inpaintCmd,
		trainCmd,
		serveCmd,
	)

	return rootCmd
}
