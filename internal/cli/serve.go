package cli

import (
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/draftsync/draftsync/internal/config"
	"github.com/draftsync/draftsync/internal/document"
	"github.com/draftsync/draftsync/internal/saveapi"
)

func newServeCmd(cfgPath *string) *cobra.Command {
	var addr string
	var rateLimit int
	var seed []string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "run the reference Save API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}
			logger := newLogger()
			srv := saveapi.NewServer(saveapi.ServerConfig{
				Token:           cfg.SaveAPI.Token,
				RateLimitMax:    rateLimit,
				RateLimitWindow: time.Minute,
			})
			for _, id := range seed {
				srv.SetDocument(document.Document{
					ID:        id,
					Version:   1,
					Blocks:    []document.Block{document.NewBlock("", document.BlockSceneHeading, "FADE IN:")},
					UpdatedAt: time.Now().UTC(),
				})
			}
			logger.Info("save api listening", "addr", addr, "seeded", len(seed))
			return http.ListenAndServe(addr, srv)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8460", "listen address")
	cmd.Flags().IntVar(&rateLimit, "rate-limit", 0, "max saves per document per minute, 0 disables")
	cmd.Flags().StringSliceVar(&seed, "seed", nil, "document ids to create at startup")
	return cmd
}
