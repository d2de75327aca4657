// cmd_utils.go - Gemeinsame Hilfsfunktionen
// Hauptfunktionen: newBackend, loadFlow, loadInpaint, outputPath, renderTable
package cmd

import (
	"cmp"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/olekukonko/tablewriter"

	"github.com/srflow/srflow/config"
	"github.com/srflow/srflow/envconfig"
	"github.com/srflow/srflow/fs/checkpoint"
	"github.com/srflow/srflow/ml"
	"github.com/srflow/srflow/model/models/pconv"
	"github.com/srflow/srflow/model/models/srflow"

	_ "github.com/srflow/srflow/ml/backend/cpu"
	_ "github.com/srflow/srflow/model/models/esrgan"
)

// backendParams - Backend-Einstellungen aus den Umgebungsvariablen
func backendParams() ml.BackendParams {
	return ml.BackendParams{
		NumThreads: int(envconfig.NumThreads()),
		Seed:       envconfig.Seed(),
	}
}

// newBackend - Erstellt das Backend aus den Umgebungsvariablen
func newBackend() (ml.Backend, error) {
	return ml.NewBackend(envconfig.Backend(), backendParams())
}

// strict - path.strict, Default true
func strict(doc *config.Document) bool {
	if doc == nil || doc.Path.Strict == nil {
		return true
	}
	return *doc.Path.Strict
}

// loadFlow - Baut das SR-Flow Modell und laedt die Gewichte. weights
// ueberschreibt path.pretrain_model_G.
func loadFlow(ctx ml.Context, doc *config.Document, weights string) (*srflow.Model, error) {
	opts, err := doc.Flow()
	if err != nil {
		return nil, err
	}

	m, err := srflow.NewModel(ctx, opts)
	if err != nil {
		return nil, err
	}

	path := cmp.Or(weights, doc.Path.PretrainG)
	if path == "" {
		slog.Warn("no weights for the flow model, using random initialization")
		return m, nil
	}

	if _, err := checkpoint.Load(m, path, strict(doc)); err != nil {
		return nil, err
	}
	return m, nil
}

// loadInpaint - Baut das Partial-Conv Modell im Eval-Modus. doc darf nil sein.
func loadInpaint(ctx ml.Context, doc *config.Document, weights string) (*pconv.Model, error) {
	opts := pconv.DefaultOptions()
	path := weights
	if doc != nil {
		var err error
		if opts, err = doc.Inpainting(); err != nil {
			return nil, err
		}
		path = cmp.Or(weights, doc.Inpaint.Model)
	}

	m, err := pconv.New(ctx, opts)
	if err != nil {
		return nil, err
	}
	m.SetTraining(false)

	if path == "" {
		slog.Warn("no weights for the inpainting model, using random initialization")
		return m, nil
	}

	if _, err := checkpoint.Load(m, path, strict(doc)); err != nil {
		return nil, err
	}
	return m, nil
}

// outputPath - flag oder IMAGE mit Suffix und .png
func outputPath(flag, input, suffix string) string {
	if flag != "" {
		return flag
	}
	return strings.TrimSuffix(input, filepath.Ext(input)) + suffix + ".png"
}

// renderTable - Gibt eine Tabelle mit Ueberschrift linksbuendig aus
func renderTable(w io.Writer, title string, header []string, rows [][]string) {
	if title != "" {
		fmt.Fprintln(w, " ", title)
	}

	table := tablewriter.NewWriter(w)
	if header != nil {
		table.SetHeader(header)
		table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
		table.SetHeaderLine(false)
	}
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(rows)
	table.Render()
	fmt.Fprintln(w)
}
