package cli

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func SetVersion(v string) {
	version = v
}

var (
	configPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "conveyor",
	Short: "conveyor — label-driven agent delivery pipeline",
	Long: `conveyor watches GitHub for issues carrying the entry label and drives
each one through spec, planning, implementation, review and merge using
Claude Code agents. The issue's labels are the pipeline state: every
transition is an atomic label swap, so the daemon can restart at any
point and pick up where the labels say it left off.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file (default: ./conveyor.yaml, ~/.conveyor/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(rulesCmd)
	rootCmd.AddCommand(mergeCmd)
	rootCmd.AddCommand(summaryCmd)
	rootCmd.AddCommand(labelsCmd)
	rootCmd.AddCommand(configCmd)
}
