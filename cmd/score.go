package main

import (
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/rare-priority/internal/model"
	"github.com/sells-group/rare-priority/internal/pipeline"
	"github.com/sells-group/rare-priority/internal/priority"
)

// Output formats accepted by --format.
const (
	formatTable = "table"
	formatCSV   = "csv"
	formatXLSX  = "xlsx"
	formatJSON  = "json"
)

var scoreCmd = &cobra.Command{
	Use:   "score",
	Short: "Rank entities by weighted research priority",
	Long:  "Resolves curated values, freezes the normalization corpus, then aggregates and ranks. No evidence is fetched.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		format, _ := cmd.Flags().GetString("format")
		weightsFlag, _ := cmd.Flags().GetString("weights")
		save, _ := cmd.Flags().GetBool("save")
		output, _ := cmd.Flags().GetString("output")

		weights, err := parseWeights(weightsFlag)
		if err != nil {
			return err
		}
		if format == formatXLSX && output == "" {
			return eris.New("score: --output is required for xlsx")
		}

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		res, err := env.Pipeline.Score(ctx, pipeline.ScoreOptions{Weights: weights, Save: save})
		if err != nil {
			return eris.Wrap(err, "score")
		}

		out := io.Writer(os.Stdout)
		if output != "" {
			f, err := os.Create(output) //nolint:gosec // path comes from the operator
			if err != nil {
				return eris.Wrapf(err, "score: create %s", output)
			}
			defer f.Close() //nolint:errcheck
			out = f
		}
		return writeScores(out, format, res)
	},
}

func init() {
	scoreCmd.Flags().String("format", formatTable, "output format: table, csv, xlsx or json")
	scoreCmd.Flags().String("weights", "", "weight overrides, e.g. prevalence=0.3,trials=0.2")
	scoreCmd.Flags().Bool("save", false, "persist the ranked batch")
	scoreCmd.Flags().String("output", "", "write to file instead of stdout")
	rootCmd.AddCommand(scoreCmd)
}

// parseWeights reads "criterion=weight" pairs. An empty string means the
// configured weights.
func parseWeights(s string) (map[model.Criterion]float64, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	out := make(map[model.Criterion]float64)
	for _, pair := range strings.Split(s, ",") {
		name, value, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, eris.Errorf("weights: expected criterion=weight, got %q", pair)
		}
		c, err := model.ParseCriterion(name)
		if err != nil {
			return nil, err
		}
		w, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			return nil, eris.Wrapf(err, "weights: parse %s", name)
		}
		out[c] = w
	}
	return out, nil
}

func writeScores(w io.Writer, format string, res *pipeline.Result) error {
	criteria := model.AllCriteria()
	switch format {
	case formatTable:
		return priority.WriteTable(w, res.Results, criteria)
	case formatCSV:
		return priority.WriteCSV(w, res.Results, criteria)
	case formatXLSX:
		return priority.WriteXLSX(w, res.Results, criteria)
	case formatJSON:
		return priority.WriteJSON(w, res.Justifications)
	default:
		return eris.Errorf("score: unknown format %q", format)
	}
}
