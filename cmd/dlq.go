package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/rare-priority/internal/model"
	"github.com/sells-group/rare-priority/internal/resilience"
)

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect keys escalated after exhausting their attempts",
}

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead letter entries",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		errType, _ := cmd.Flags().GetString("error-type")
		criterion, _ := cmd.Flags().GetString("criterion")
		limit, _ := cmd.Flags().GetInt("limit")

		filter := resilience.DLQFilter{ErrorType: errType, Limit: limit}
		if criterion != "" {
			if filter.Criterion, err = model.ParseCriterion(criterion); err != nil {
				return err
			}
		}

		entries, err := st.ListDLQ(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "dlq list")
		}
		if len(entries) == 0 {
			fmt.Fprintln(os.Stderr, "Dead letter queue is empty.")
			return nil
		}
		formatDLQ(os.Stdout, entries)
		return nil
	},
}

var dlqRemoveCmd = &cobra.Command{
	Use:   "remove <id>",
	Short: "Remove a dead letter entry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if err := st.RemoveDLQ(ctx, args[0]); err != nil {
			return eris.Wrap(err, "dlq remove")
		}
		return nil
	},
}

func init() {
	dlqListCmd.Flags().String("error-type", "", "filter by error type (transient, permanent)")
	dlqListCmd.Flags().String("criterion", "", "filter by criterion")
	dlqListCmd.Flags().Int("limit", 100, "max number of entries to display")

	dlqCmd.AddCommand(dlqListCmd)
	dlqCmd.AddCommand(dlqRemoveCmd)
	rootCmd.AddCommand(dlqCmd)
}

func formatDLQ(out io.Writer, entries []resilience.DLQEntry) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tENTITY\tCRITERION\tATTEMPTS\tTYPE\tCREATED\tERROR")
	_, _ = fmt.Fprintln(w, "--\t------\t---------\t--------\t----\t-------\t-----")
	for _, e := range entries {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			e.ID,
			e.EntityID,
			e.Criterion,
			e.Attempts,
			e.ErrorType,
			e.CreatedAt.Format("2006-01-02 15:04"),
			e.Error,
		)
	}
	_ = w.Flush()
}
