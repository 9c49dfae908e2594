package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/rare-priority/internal/ingest"
)

var importPath string

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Import disease entities from CSV or XLSX",
	Long:  "Reads entity_id, name and classification_path columns. Existing entities are left unchanged.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		entities, err := ingest.Load(ctx, importPath)
		if err != nil {
			return eris.Wrap(err, "import")
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		created, err := st.UpsertEntities(ctx, entities)
		if err != nil {
			return eris.Wrap(err, "import: upsert entities")
		}

		zap.L().Info("import complete",
			zap.Int("read", len(entities)),
			zap.Int("created", created),
			zap.String("file", importPath),
		)
		return nil
	},
}

func init() {
	importCmd.Flags().StringVar(&importPath, "file", "", "path to CSV or XLSX file (required)")
	_ = importCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(importCmd)
}
