package cli

import (
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/iambrandonn/roam/internal/logging"
)

var rootCmd = &cobra.Command{
	Use:   "roam",
	Short: "Cluster runtime for live-migrating agents",
	Long: `roam runs agents on a cluster of runtimes that gossip membership over
a pub/sub broker. Agents can be paused, snapshotted and moved between
runtimes while they run; a scheduler daemon places new agents and keeps
deployment contracts satisfied.

Start a broker with 'roam broker', join runtimes with 'roam runtime' and
drive the cluster with 'roam ctl'.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to roam.toml (default: ./roam.toml when present)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error (overrides log.level)")
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// newLogger builds the command logger from --log-level, falling back to
// fallback when the flag is unset.
func newLogger(cmd *cobra.Command, w io.Writer, fallback string) (*slog.Logger, string, error) {
	level, err := cmd.Flags().GetString("log-level")
	if err != nil {
		return nil, "", err
	}
	if level == "" {
		level = fallback
	}
	parsed, name, err := logging.ParseLevel(level)
	if err != nil {
		return nil, "", err
	}
	return logging.New(w, parsed), name, nil
}
