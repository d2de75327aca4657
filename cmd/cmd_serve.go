// cmd_serve.go - Serve Command
// Hauptfunktionen: RunServer
package cmd

import (
	"net"

	"github.com/spf13/cobra"

	"github.com/srflow/srflow/config"
	"github.com/srflow/srflow/envconfig"
	"github.com/srflow/srflow/model/models/pconv"
	"github.com/srflow/srflow/model/models/srflow"
	"github.com/srflow/srflow/server"
)

// RunServer - Laedt die Modelle und startet die HTTP-API. Ohne CONFIG
// antworten die Modell-Endpunkte mit 503.
func RunServer(cmd *cobra.Command, args []string) error {
	epsStd, err := cmd.Flags().GetFloat64("eps-std")
	if err != nil {
		return err
	}
	weights, _ := cmd.Flags().GetString("weights")
	inpaintWeights, _ := cmd.Flags().GetString("inpaint-weights")

	b, err := newBackend()
	if err != nil {
		return err
	}
	defer b.Close()

	ctx := b.NewContext().NoGrad()
	defer ctx.Close()

	var (
		flow    *srflow.Model
		inpaint *pconv.Model
	)
	if len(args) > 0 {
		doc, err := config.Load(args[0])
		if err != nil {
			return err
		}

		if flow, err = loadFlow(ctx, doc, weights); err != nil {
			return err
		}
		if doc.Inpaint.Model != "" || inpaintWeights != "" {
			if inpaint, err = loadInpaint(ctx, doc, inpaintWeights); err != nil {
				return err
			}
		}
	} else if inpaintWeights != "" {
		if inpaint, err = loadInpaint(ctx, nil, inpaintWeights); err != nil {
			return err
		}
	}

	ln, err := net.Listen("tcp", envconfig.Host().Host)
	if err != nil {
		return err
	}

	s := server.New(ln.Addr(), b, flow, inpaint)
	s.SetDefaultEpsStd(epsStd)
	return s.Serve(cmd.Context(), ln)
}
