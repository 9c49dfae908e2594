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
	"go.uber.org/zap"

	"github.com/sells-group/rare-priority/internal/model"
	"github.com/sells-group/rare-priority/internal/runs"
)

var curateCmd = &cobra.Command{
	Use:   "curate",
	Short: "Fetch evidence for every entity and criterion",
	Long:  "Drives each (entity, criterion) key through numbered fetch attempts. Keys already populated or exhausted are skipped.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		entityIDs, _ := cmd.Flags().GetStringSlice("entity")
		criteriaFlag, _ := cmd.Flags().GetString("criteria")
		criteria, err := model.ParseCriteria(criteriaFlag)
		if err != nil {
			return err
		}

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		report, err := env.Pipeline.Curate(ctx, entityIDs, criteria)
		if report != nil {
			formatBatchReport(os.Stdout, report)
		}
		if err != nil {
			return eris.Wrap(err, "curate")
		}

		zap.L().Info("curation complete",
			zap.Int("keys", report.Keys),
			zap.Int("fetches", report.Fetches),
			zap.Int("failures", len(report.Failures)),
			zap.Duration("duration", report.Duration),
		)
		return nil
	},
}

func init() {
	curateCmd.Flags().StringSlice("entity", nil, "entity ids to curate (default all imported entities)")
	curateCmd.Flags().String("criteria", "", "comma-separated criteria (default all)")
	rootCmd.AddCommand(curateCmd)
}

// formatBatchReport writes outcome counts and the failure list to w.
func formatBatchReport(out io.Writer, r *runs.BatchReport) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Keys:\t%d\n", r.Keys)
	_, _ = fmt.Fprintf(w, "Fetches:\t%d\n", r.Fetches)
	for _, o := range []model.Outcome{
		model.OutcomePopulated,
		model.OutcomeExhaustedEmpty,
		model.OutcomeExhaustedFailed,
		model.OutcomePending,
	} {
		_, _ = fmt.Fprintf(w, "  %s:\t%d\n", o, r.Outcomes[o])
	}
	_, _ = fmt.Fprintf(w, "Duration:\t%s\n", r.Duration.Round(time.Millisecond))
	_ = w.Flush()

	if len(r.Failures) == 0 {
		return
	}
	_, _ = fmt.Fprintln(out)
	w = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ENTITY\tCRITERION\tOUTCOME\tERROR")
	_, _ = fmt.Fprintln(w, "------\t---------\t-------\t-----")
	for _, f := range r.Failures {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", f.EntityID, f.Criterion, f.Outcome, f.Error)
	}
	_ = w.Flush()
}
