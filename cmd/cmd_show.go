// cmd_show.go - Show Command und Layer-Tabelle
// Hauptfunktionen: ShowHandler, showInfo
package cmd

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/srflow/srflow/config"
	"github.com/srflow/srflow/model"
	"github.com/srflow/srflow/model/models/srflow"
)

// ShowHandler - Baut das Flow-Modell aus CONFIG und zeigt seine Layer an
func ShowHandler(cmd *cobra.Command, args []string) error {
	verbose, err := cmd.Flags().GetBool("verbose")
	if err != nil {
		return err
	}

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

	opts, err := doc.Flow()
	if err != nil {
		return err
	}

	m, err := srflow.NewModel(ctx, opts)
	if err != nil {
		return err
	}

	return showInfo(doc.Name, m, verbose, os.Stdout)
}

// showInfo - Gibt Modell-Zusammenfassung und Layer-Tabelle aus
func showInfo(name string, m *srflow.Model, verbose bool, w io.Writer) error {
	opts := m.Flow.Options()
	top := m.Flow.TopShape()

	renderTable(w, "Model", nil, [][]string{
		{"", "name", name},
		{"", "scale", strconv.Itoa(opts.Scale)},
		{"", "image", fmt.Sprintf("%dx%dx%d", opts.ImageShape[0], opts.ImageShape[1], opts.ImageShape[2])},
		{"", "levels", strconv.Itoa(opts.L)},
		{"", "splits", strconv.Itoa(m.Flow.NumSplits())},
		{"", "top latent", fmt.Sprintf("%dx%dx%d", top[0], top[1], top[2])},
		{"", "parameters", strconv.Itoa(m.NumParams())},
	})

	var rows [][]string
	for _, l := range m.Flow.Info() {
		rows = append(rows, []string{
			strconv.Itoa(l.Index),
			l.Kind,
			l.Coupling,
			fmt.Sprintf("%dx%dx%d", l.Channels, l.Height, l.Width),
			strconv.Itoa(l.Level),
			l.Position,
			strconv.Itoa(l.Params),
		})
	}
	renderTable(w, "Layers", []string{"#", "KIND", "COUPLING", "SHAPE", "LEVEL", "POSITION", "PARAMS"}, rows)

	if verbose {
		s, params := model.Describe(m.RRDB)
		fmt.Fprintf(w, "  Conditioning (%d parameters)\n", params)
		for line := range strings.Lines(s) {
			fmt.Fprint(w, "    ", line)
		}
		fmt.Fprintln(w)
	}
	return nil
}
