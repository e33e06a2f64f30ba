package cli

import (
	"net/http"

	"github.com/spf13/cobra"

	"github.com/draftsync/draftsync/internal/relay"
)

func newRelayCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "run the collaboration relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			rl := relay.New(relay.Options{Logger: printfLogger{logger: logger}})
			logger.Info("relay listening", "addr", addr)
			return http.ListenAndServe(addr, rl)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8461", "listen address")
	return cmd
}
