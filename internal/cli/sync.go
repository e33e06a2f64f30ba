package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/draftsync/draftsync/internal/config"
	"github.com/draftsync/draftsync/internal/document"
	"github.com/draftsync/draftsync/internal/engine"
	"github.com/draftsync/draftsync/internal/policy"
	"github.com/draftsync/draftsync/internal/saveapi"
)

// sync opens a headless document session: recover crash leftovers, flush
// the offline queue, optionally push a local draft, and close cleanly.
func newSyncCmd(cfgPath *string) *cobra.Command {
	var docID string
	var draftPath string
	var discard bool
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "run the sync engine once for a document",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}
			logger := newLogger()
			plog := printfLogger{logger: logger}

			st, err := openStore(cfg, logger)
			if err != nil {
				return err
			}
			defer st.Close()
			q, err := openQueue(cfg)
			if err != nil {
				return err
			}
			defer q.Close()
			pol, err := policy.Compile(cfg.Conflict.SeverityExpr)
			if err != nil {
				return err
			}

			peerID := cfg.Peer.ID
			if peerID == "" {
				peerID = uuid.NewString()
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 60*time.Second)
			defer cancel()

			session, err := engine.Open(ctx, engine.SessionOptions{
				DocumentID: docID,
				Guard:      saveapi.NewClient(cfg.SaveAPI.URL, cfg.SaveAPI.Token, nil),
				Store:      st,
				Queue:      q,
				Policy:     pol,
				Logger:     plog,
				RelayURL:   cfg.Relay.URL,
				PeerID:     peerID,
				PeerName:   cfg.Peer.Name,
				Debounce:   cfg.Autosave.Debounce(),
				MaxWait:    cfg.Autosave.MaxWait(),
				MaxRetries: cfg.Autosave.MaxRetries,
				BackoffMin: cfg.Autosave.BackoffMin(),
				BackoffMax: cfg.Autosave.BackoffMax(),
				OnState: func(c engine.StateChange) {
					logger.Info("save state", "doc", c.DocumentID, "state", string(c.State), "err", c.Err)
				},
			})
			if err != nil {
				return err
			}
			defer session.Close(context.Background())

			if prompt := session.Prompt(); prompt != nil {
				if discard {
					logger.Info("discarding crash snapshot", "doc", docID)
					if _, err := session.ResolveRecovery(ctx, false); err != nil {
						return err
					}
				} else {
					logger.Info("recovering crash snapshot",
						"doc", docID, "conflict", prompt.HasConflict, "severity", string(prompt.Severity))
					if _, err := session.ResolveRecovery(ctx, true); err != nil {
						return err
					}
				}
			}

			if err := session.Flush(ctx); err != nil {
				logger.Warn("offline queue replay incomplete", "err", err)
			}

			if draftPath != "" {
				data, err := os.ReadFile(draftPath)
				if err != nil {
					return err
				}
				blocks, err := document.DecodeBlocks(data)
				if err != nil {
					return err
				}
				if err := session.OnLocalEdit(blocks); err != nil {
					return err
				}
			}
			if err := session.SaveNow(ctx); err != nil {
				return fmt.Errorf("save: %w", err)
			}
			logger.Info("synced", "doc", docID, "last_saved", session.Pipeline().LastSaved())
			return nil
		},
	}
	cmd.Flags().StringVar(&docID, "doc", "", "document id")
	cmd.Flags().StringVar(&draftPath, "draft", "", "JSON block list to push as the local draft")
	cmd.Flags().BoolVar(&discard, "discard-recovery", false, "discard any crash snapshot instead of recovering it")
	_ = cmd.MarkFlagRequired("doc")
	return cmd
}
