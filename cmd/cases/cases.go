package cases

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/stratastor/logger"
	"github.com/stratastor/zfsd/config"
	"github.com/stratastor/zfsd/pkg/journal"
	"github.com/stratastor/zfsd/pkg/zfsd"
)

func NewCasesCmd() *cobra.Command {
	var (
		pool  string
		since time.Duration
		limit int
	)

	cmd := &cobra.Command{
		Use:   "cases",
		Short: "List persisted case files and the case journal",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.GetConfig()
			out := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			defer out.Flush()

			persisted, err := zfsd.ListPersistedCases(cfg.Cases.Dir)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Case files in %s:\n", cfg.Cases.Dir)
			fmt.Fprintln(out, "POOL\tVDEV\tEVENTS\tOLDEST\tNEWEST\tERROR")
			for _, c := range persisted {
				errText := ""
				if c.Err != nil {
					errText = c.Err.Error()
				}
				fmt.Fprintf(out, "%s\t%s\t%d\t%s\t%s\t%s\n",
					c.PoolGUID, c.VdevGUID, c.Events,
					formatTime(c.Oldest), formatTime(c.Newest), errText)
			}

			if !cfg.Journal.Enabled {
				return nil
			}
			if _, err := os.Stat(cfg.Journal.Path); err != nil {
				fmt.Fprintf(out, "\nNo case journal at %s\n", cfg.Journal.Path)
				return nil
			}

			l, err := logger.NewTag(config.NewLoggerConfig(cfg), "cases")
			if err != nil {
				return err
			}
			store, err := journal.Open(cfg.Journal.Path, l)
			if err != nil {
				return err
			}
			defer store.Close()

			filter := journal.Filter{PoolGUID: zfsd.ParseGuid(pool), Limit: limit}
			if since > 0 {
				filter.Since = time.Now().Add(-since)
			}
			entries, err := store.List(context.Background(), filter)
			if err != nil {
				return err
			}

			fmt.Fprintf(out, "\nJournal (%d entries):\n", len(entries))
			fmt.Fprintln(out, "TIME\tCASE\tPOOL\tVDEV\tACTION\tDETAIL")
			for _, e := range entries {
				fmt.Fprintf(out, "%s\t%s\t%s\t%s\t%s\t%s\n",
					formatTime(e.Time), e.CaseID, e.PoolGUID, e.VdevGUID, e.Action, e.Detail)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&pool, "pool", "", "Only show journal entries for this pool GUID")
	cmd.Flags().DurationVar(&since, "since", 0, "Only show journal entries newer than this")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Maximum journal entries to show (0 for all)")
	return cmd
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format(time.RFC3339)
}
