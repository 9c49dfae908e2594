package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/rare-priority/internal/config"
)

var (
	cfg         *config.Config
	profilePath string
)

var rootCmd = &cobra.Command{
	Use:   "rare-priority",
	Short: "Research priority scoring for rare diseases",
	Long:  "Curates evidence per disease and criterion, normalizes it against a frozen corpus and ranks diseases by weighted research priority.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if profilePath != "" {
			if err := c.LoadProfile(profilePath); err != nil {
				return fmt.Errorf("load profile: %w", err)
			}
		}
		if err := c.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&profilePath, "profile", "", "YAML scoring profile overriding the scoring section")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
