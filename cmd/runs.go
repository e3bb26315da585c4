package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/market-trends/internal/runlog"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List recorded pipeline runs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		runs, err := runlog.Open(ctx, cfg.RunLog.Path)
		if err != nil {
			return eris.Wrap(err, "open run log")
		}
		defer runs.Close() //nolint:errcheck

		limit, _ := cmd.Flags().GetInt("limit")
		verbose, _ := cmd.Flags().GetBool("phases")

		list, err := runs.List(ctx, limit)
		if err != nil {
			return eris.Wrap(err, "runs list")
		}
		if len(list) == 0 {
			fmt.Fprintln(os.Stderr, "No runs found.")
			return nil
		}

		formatRunsList(os.Stdout, list, verbose)
		return nil
	},
}

func init() {
	runsCmd.Flags().Int("limit", 20, "max number of runs to display")
	runsCmd.Flags().Bool("phases", false, "show the phases of each run")
	rootCmd.AddCommand(runsCmd)
}

// formatRunsList writes a tabular list of runs to w.
func formatRunsList(out io.Writer, runs []runlog.Run, phases bool) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tSTATUS\tSTARTED\tDURATION\tPHASES")
	_, _ = fmt.Fprintln(w, "--\t------\t-------\t--------\t------")

	for _, r := range runs {
		dur := ""
		if r.CompletedAt != nil {
			dur = r.CompletedAt.Sub(r.StartedAt).Round(time.Second).String()
		}
		done := 0
		for _, p := range r.Phases {
			if p.Status == runlog.StatusComplete {
				done++
			}
		}

		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d/%d\n",
			truncateID(r.ID),
			r.Status,
			r.StartedAt.Format("2006-01-02 15:04"),
			dur,
			done,
			len(r.Phases),
		)
		if !phases {
			continue
		}
		for _, p := range r.Phases {
			_, _ = fmt.Fprintf(w, "  %s\t%s\t\t\t%s\n", p.Name, p.Status, p.Detail)
		}
	}
	_ = w.Flush()
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
