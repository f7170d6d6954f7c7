package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var pruneOlderThan time.Duration

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete validation events older than the retention period",
	Long: `Delete persisted validation events older than --older-than, which
defaults to the configured retention.

  bastion prune --older-than 720h`,
	RunE: pruneCommand,
}

func init() {
	pruneCmd.Flags().DurationVar(&pruneOlderThan, "older-than", 0, "Age cutoff (default: configured retention)")
	rootCmd.AddCommand(pruneCmd)
}

func pruneCommand(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := mustBuildLogger(cfg.LogLevel, "stderr")
	defer logger.Sync() //nolint:errcheck // best-effort flush

	age := pruneOlderThan
	if age == 0 {
		age = cfg.Retention
	}
	if age < 0 {
		return fmt.Errorf("--older-than must be positive")
	}

	st, err := openStore(cmd.Context(), cfg.Store, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	cutoff := time.Now().Add(-age)
	n, err := st.DeleteEventsOlderThan(cmd.Context(), cutoff)
	if err != nil {
		return err
	}
	logger.Info("pruned events", zap.Int64("deleted", n), zap.Time("cutoff", cutoff))
	fmt.Fprintf(cmd.OutOrStdout(), "deleted %d events older than %s\n", n, cutoff.UTC().Format(time.RFC3339))
	return nil
}
