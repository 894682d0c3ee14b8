package commands

import (
	"github.com/spf13/cobra"

	"github.com/hupe1980/agencyhost/gateway"
)

var (
	serveAddr    string
	servePrepare bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the WebSocket gateway",
	Long: `Serve chats and agencies to WebSocket clients on /ws. A health probe is
available on /healthz. The server stops on SIGINT or SIGTERM.

Examples:
  agencyctl serve --addr :8080
  agencyctl serve --prepare -c agencyhost.yaml`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		h, err := openHost(ctx)
		if err != nil {
			return err
		}
		defer closeHost(h)

		if servePrepare {
			if err := h.EnsureReady(ctx); err != nil {
				return err
			}
		}
		gw, err := h.Gateway()
		if err != nil {
			return err
		}
		return gateway.Serve(ctx, serveAddr, gw, h.Logger())
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", ":8080", "listen address")
	serveCmd.Flags().BoolVar(&servePrepare, "prepare", false, "build the engine before accepting connections")
	rootCmd.AddCommand(serveCmd)
}
