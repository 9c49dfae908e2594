package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/rare-priority/internal/model"
	"github.com/sells-group/rare-priority/internal/monitoring"
	"github.com/sells-group/rare-priority/internal/store"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect the fetch audit trail",
	Long:  "Commands for listing, viewing, and summarizing run records.",
}

// -- runs list --

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List run records, newest first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		entity, _ := cmd.Flags().GetString("entity")
		criterion, _ := cmd.Flags().GetString("criterion")
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		filter := store.RunFilter{
			EntityID: entity,
			Status:   model.RunStatus(status),
			Limit:    limit,
		}
		if criterion != "" {
			if filter.Criterion, err = model.ParseCriterion(criterion); err != nil {
				return err
			}
		}

		records, err := st.QueryRuns(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "runs list")
		}

		if len(records) == 0 {
			fmt.Fprintln(os.Stderr, "No runs found.")
			return nil
		}

		formatRunsList(os.Stdout, records)
		return nil
	},
}

// -- runs show --

// keyHistory is the full audit trail of one key.
type keyHistory struct {
	EntityID  string            `json:"entity_id"`
	Criterion model.Criterion   `json:"criterion"`
	Outcome   model.Outcome     `json:"outcome"`
	Runs      []model.RunRecord `json:"runs"`
}

var runsShowCmd = &cobra.Command{
	Use:   "show <entity-id> <criterion>",
	Short: "Show every run of one key",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		c, err := model.ParseCriterion(args[1])
		if err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		history, err := st.ListRuns(ctx, args[0], c)
		if err != nil {
			return eris.Wrap(err, "runs show")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(keyHistory{
			EntityID:  args[0],
			Criterion: c,
			Outcome:   model.OutcomeOf(history, cfg.Scoring.MaxAttempts),
			Runs:      history,
		})
	},
}

// -- runs stats --

var runsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show aggregate run statistics",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		since, _ := cmd.Flags().GetDuration("since")
		hours := int(since.Hours())
		if hours < 1 {
			hours = 1
		}

		snap, err := monitoring.NewCollector(st, nil).Collect(ctx, hours)
		if err != nil {
			return eris.Wrap(err, "runs stats")
		}

		formatRunStats(os.Stdout, snap)
		return nil
	},
}

func init() {
	runsListCmd.Flags().String("entity", "", "filter by entity id")
	runsListCmd.Flags().String("criterion", "", "filter by criterion")
	runsListCmd.Flags().String("status", "", "filter by run status (success-nonempty, success-empty, failed)")
	runsListCmd.Flags().Int("limit", 50, "max number of runs to display")

	runsStatsCmd.Flags().Duration("since", 24*time.Hour, "time window for stats (e.g. 24h, 72h, 168h)")

	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
	runsCmd.AddCommand(runsStatsCmd)
	rootCmd.AddCommand(runsCmd)
}

// formatRunsList writes a tabular list of runs to w.
func formatRunsList(out io.Writer, records []model.RunRecord) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tENTITY\tCRITERION\tRUN\tSTATUS\tRECORDS\tERROR_CLASS\tCREATED")
	_, _ = fmt.Fprintln(w, "--\t------\t---------\t---\t------\t-------\t-----------\t-------")

	for _, r := range records {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%d\t%s\t%s\n",
			truncateID(r.ID),
			r.EntityID,
			r.Criterion,
			r.RunNumber,
			r.Status,
			len(r.Payload),
			r.ErrorClass,
			r.Timestamp.Format("2006-01-02 15:04"),
		)
	}
	_ = w.Flush()
}

// formatRunStats writes aggregate stats to w.
func formatRunStats(out io.Writer, s *monitoring.MetricsSnapshot) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Window:\t%dh\n", s.LookbackHours)
	_, _ = fmt.Fprintf(w, "Total runs:\t%d\n", s.RunsTotal)
	_, _ = fmt.Fprintf(w, "Non-empty:\t%d\n", s.RunsNonEmpty)
	_, _ = fmt.Fprintf(w, "Empty:\t%d\n", s.RunsEmpty)
	_, _ = fmt.Fprintf(w, "Failed:\t%d\n", s.RunsFailed)
	_, _ = fmt.Fprintf(w, "  Transient:\t%d\n", s.TransientFailures)
	_, _ = fmt.Fprintf(w, "  Permanent:\t%d\n", s.PermanentFailures)
	if s.RunsTotal > 0 {
		_, _ = fmt.Fprintf(w, "Failure rate:\t%.1f%%\n", s.FailRate*100)
	}
	if s.DroppedRecords > 0 {
		_, _ = fmt.Fprintf(w, "Dropped records:\t%d\n", s.DroppedRecords)
	}
	_, _ = fmt.Fprintf(w, "Dead letter queue:\t%d\n", s.DLQDepth)

	criteria := make([]string, 0, len(s.FailedByCriterion))
	for c := range s.FailedByCriterion {
		criteria = append(criteria, string(c))
	}
	sort.Strings(criteria)
	for _, c := range criteria {
		_, _ = fmt.Fprintf(w, "  failed %s:\t%d\n", c, s.FailedByCriterion[model.Criterion(c)])
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
