package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/draftsync/draftsync/internal/config"
)

func newQueueCmd(cfgPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "inspect the offline save queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}
			q, err := openQueue(cfg)
			if err != nil {
				return err
			}
			defer q.Close()

			docs, err := q.Documents()
			if err != nil {
				return err
			}
			if len(docs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "queue empty")
				return nil
			}
			for _, docID := range docs {
				entries, err := q.Entries(docID)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %d queued\n", docID, len(entries))
				for i, e := range entries {
					fmt.Fprintf(cmd.OutOrStdout(), "  %d. base v%d, %d blocks, queued %s, retries %d\n",
						i+1, e.BaseVersion, len(e.Snapshot), e.CreatedAt.Format("2006-01-02 15:04:05"), e.RetryCount)
				}
			}
			return nil
		},
	}
	return cmd
}
