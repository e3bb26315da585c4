package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/sells-group/market-trends/internal/pipeline"
)

var (
	runResume       bool
	runSkipDownload bool
	runPhases       []string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the full analysis pipeline",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := checkPhases(runPhases); err != nil {
			return err
		}
		return runPipeline(cmd, "run", pipeline.Options{
			Phases:       runPhases,
			Resume:       runResume,
			SkipDownload: runSkipDownload,
		})
	},
}

var ingestSkipDownload bool

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Download, impute and unify the raw trip files",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runPipeline(cmd, "ingest", pipeline.Options{
			Phases:       pipeline.IngestPhases,
			SkipDownload: ingestSkipDownload,
		})
	},
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Write the anomaly audit for the target year",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runPipeline(cmd, "analyze", pipeline.Options{Phases: []string{pipeline.PhaseAudit}})
	},
}

var aggregateCmd = &cobra.Command{
	Use:   "aggregate",
	Short: "Compute the derived tables and market summary",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runPipeline(cmd, "analyze", pipeline.Options{Phases: []string{pipeline.PhaseAggregate}})
	},
}

var correlateCmd = &cobra.Command{
	Use:   "correlate",
	Short: "Fetch the covariate series and correlate it with daily volume",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runPipeline(cmd, "analyze", pipeline.Options{
			Phases: []string{pipeline.PhaseCovariate, pipeline.PhaseCorrelate},
		})
	},
}

var publishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Load the derived tables into Postgres",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runPipeline(cmd, "publish", pipeline.Options{Phases: []string{pipeline.PhasePublish}})
	},
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Bundle the derived tables into a workbook",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runPipeline(cmd, "analyze", pipeline.Options{Phases: []string{pipeline.PhaseExport}})
	},
}

func init() {
	runCmd.Flags().BoolVar(&runResume, "resume", false, "continue the latest incomplete run, skipping its completed phases")
	runCmd.Flags().BoolVar(&runSkipDownload, "skip-download", false, "use the raw files already on disk")
	runCmd.Flags().StringSliceVar(&runPhases, "phases", nil, "restrict the run to these phases")

	ingestCmd.Flags().BoolVar(&ingestSkipDownload, "skip-download", false, "use the raw files already on disk")

	rootCmd.AddCommand(runCmd, ingestCmd, auditCmd, aggregateCmd, correlateCmd, publishCmd, exportCmd)
}

func runPipeline(cmd *cobra.Command, mode string, opts pipeline.Options) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	env, err := initPipeline(ctx, mode)
	if err != nil {
		return err
	}
	defer env.Close()

	res, err := env.Pipeline.Run(ctx, opts)
	if res != nil {
		formatResult(os.Stdout, res)
	}
	if err != nil {
		return eris.Wrap(err, "pipeline run")
	}
	if failed := res.Failed(); len(failed) > 0 {
		return eris.Errorf("%d phase(s) failed, first %s", len(failed), failed[0].Name)
	}
	return nil
}

// checkPhases rejects unknown phase names.
func checkPhases(names []string) error {
	known := make(map[string]bool, len(pipeline.AllPhases))
	for _, p := range pipeline.AllPhases {
		known[p] = true
	}
	for _, n := range names {
		if !known[n] {
			return eris.Errorf("unknown phase %q", n)
		}
	}
	return nil
}

// formatResult writes the phase table and headline figures of a run to w.
func formatResult(out io.Writer, res *pipeline.Result) {
	p := message.NewPrinter(language.English)
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)

	if res.RunID != "" {
		resumed := ""
		if res.Resumed {
			resumed = " (resumed)"
		}
		_, _ = fmt.Fprintf(w, "Run %s%s\n", truncateID(res.RunID), resumed)
	}
	_, _ = fmt.Fprintln(w, "PHASE\tSTATUS\tDURATION\tDETAIL")
	for _, ph := range res.Phases {
		status := string(ph.Status)
		if ph.Skipped {
			status = "skipped"
		}
		detail := ph.Detail
		if ph.Err != nil {
			detail = ph.Err.Error()
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", ph.Name, status, ph.Duration.Round(time.Millisecond), detail)
	}
	_ = w.Flush()

	if res.Anomalies.Output != "" {
		_, _ = p.Fprintf(out, "Anomalies: %d\n", res.Anomalies.Count)
	}
	if st := res.Aggregate.Stats; res.Aggregate.StatsPath != "" {
		_, _ = p.Fprintf(out, "Revenue: %s\n", orNA(st.Revenue, func(v float64) string { return p.Sprintf("$%.2f", v) }))
		_, _ = p.Fprintf(out, "Volume: %s -> %s (%s)\n",
			orNA(st.VolumeA, func(v int64) string { return p.Sprintf("%d", v) }),
			orNA(st.VolumeB, func(v int64) string { return p.Sprintf("%d", v) }),
			orNA(st.VolumePctChange, func(v float64) string { return p.Sprintf("%+.2f%%", v) }))
	}
	if res.Summary.Output != "" {
		_, _ = p.Fprintf(out, "Correlation: %.4f (slope %.4f, %d days)\n",
			res.Summary.Correlation, res.Summary.Slope, res.Summary.Rows)
	}
}

// orNA formats v, or "n/a" when the figure is absent.
func orNA[T any](v *T, format func(T) string) string {
	if v == nil {
		return "n/a"
	}
	return format(*v)
}
