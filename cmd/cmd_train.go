// cmd_train.go - Train Command und Fortschrittsanzeige
// Hauptfunktionen: TrainHandler, openHistory, statusLine
package cmd

import (
	"cmp"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/srflow/srflow/config"
	"github.com/srflow/srflow/envconfig"
	"github.com/srflow/srflow/ml"
	"github.com/srflow/srflow/train"
	"github.com/srflow/srflow/train/history"
	"github.com/srflow/srflow/vision"
)

// TrainHandler - Trainiert das SR-GAN mit den Einstellungen aus CONFIG
func TrainHandler(cmd *cobra.Command, args []string) error {
	start, err := cmd.Flags().GetInt("start")
	if err != nil {
		return err
	}
	printNetwork, _ := cmd.Flags().GetBool("print-network")

	doc, err := config.Load(args[0])
	if err != nil {
		return err
	}

	opts, err := doc.Training()
	if err != nil {
		return err
	}
	root, dsOpts, err := doc.Dataset()
	if err != nil {
		return err
	}

	name := cmp.Or(doc.Name, "srflow")
	opts.ModelsDir = cmp.Or(opts.ModelsDir, filepath.Join(envconfig.Models(), name))
	if err := os.MkdirAll(opts.ModelsDir, 0o755); err != nil {
		return err
	}

	data, err := vision.NewFolder(root, dsOpts)
	if err != nil {
		return err
	}

	params := backendParams()
	params.Seed = cmp.Or(params.Seed, doc.Seed)
	b, err := ml.NewBackend(envconfig.Backend(), params)
	if err != nil {
		return err
	}
	defer b.Close()

	ctx := b.NewContext()
	defer ctx.Close()

	m, err := train.New(ctx, opts)
	if err != nil {
		return err
	}
	if printNetwork {
		m.PrintNetwork()
	}

	run := doc.Run()
	run.Start = start
	if start > 0 {
		m.UpdateLearningRate(start)
	}

	if !envconfig.NoHistory() {
		store, runID, err := openHistory(name)
		if err != nil {
			return err
		}
		defer store.Close()
		run.Store, run.RunID = store, runID
	}

	if term.IsTerminal(int(os.Stderr.Fd())) {
		run.Progress = func(step int, log *train.Log) {
			fmt.Fprint(os.Stderr, "\r\x1b[K", statusLine(step, run.Iterations, log))
		}
		defer fmt.Fprintln(os.Stderr)
	}

	sigCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	return train.Run(sigCtx, b, m, data, run)
}

// openHistory - Oeffnet die Trainings-Historie und legt einen Lauf an
func openHistory(name string) (*history.Store, string, error) {
	path := envconfig.HistoryPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, "", err
	}

	store, err := history.Open(path)
	if err != nil {
		return nil, "", err
	}

	runID, err := store.NewRun(name)
	if err != nil {
		store.Close()
		return nil, "", err
	}
	slog.Info("recording training history", "path", path, "run", runID)
	return store, runID, nil
}

// statusLine - Einzeilige Fortschrittsanzeige, auf Terminalbreite gekuerzt
func statusLine(step, total int, log *train.Log) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "step %d/%d", step+1, total)
	for p := log.Oldest(); p != nil; p = p.Next() {
		fmt.Fprintf(&sb, "  %s %.4g", p.Key, p.Value)
	}

	width, _, err := term.GetSize(int(os.Stderr.Fd()))
	if err != nil || width < 10 {
		return sb.String()
	}
	return runewidth.Truncate(sb.String(), width-1, "…")
}
