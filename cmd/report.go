package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/rare-priority/internal/pipeline"
	"github.com/sells-group/rare-priority/internal/priority"
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "List entities that are not fully scored and why",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		asJSON, _ := cmd.Flags().GetBool("json")

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		res, err := env.Pipeline.Score(ctx, pipeline.ScoreOptions{})
		if err != nil {
			return eris.Wrap(err, "report")
		}

		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(res.Report)
		}
		return priority.WriteReport(os.Stdout, res.Report)
	},
}

func init() {
	reportCmd.Flags().Bool("json", false, "print the report as JSON")
	rootCmd.AddCommand(reportCmd)
}
