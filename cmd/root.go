package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/agenttrail/agenttrail/internal/config"
	"github.com/agenttrail/agenttrail/internal/log"
)

var (
	cfgFile  string
	logLevel string
	cfg      config.Config
)

var rootCmd = &cobra.Command{
	Use:   "agenttrail",
	Short: "Run agent workflows and observe their live event streams",
	Long: `agenttrail launches an agent workflow process, decodes its stdout
event stream, tails the remote tool-event store, and merges both into a
single ordered timeline with a derived workflow status.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Watch keeps the operator log level live-reloadable while a
		// workflow runs.
		var err error
		cfg, err = config.Watch(cfgFile, func(next config.Config) {
			log.Setup(next.LogLevel, os.Stderr)
		})
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		if logLevel != "" {
			cfg.LogLevel = logLevel
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
		log.Setup(cfg.LogLevel, os.Stderr)
		return nil
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default searches ./agenttrail.yaml, ~/.config/agenttrail/)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "operator log level: debug, info, warn, error")
}
