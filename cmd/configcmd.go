package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/agenttrail/agenttrail/internal/config"
)

var configInitPath string

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage agenttrail configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a commented default config file",
	// The root pre-run loads config; init must work before any exists.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	RunE:              runConfigInit,
}

func init() {
	configInitCmd.Flags().StringVar(&configInitPath, "path", "agenttrail.yaml", "where to write the config file")
	configCmd.AddCommand(configInitCmd)
	rootCmd.AddCommand(configCmd)
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	if _, err := os.Stat(configInitPath); err == nil {
		return fmt.Errorf("refusing to overwrite existing %s", configInitPath)
	}
	if err := config.WriteDefaultConfig(configInitPath); err != nil {
		return err
	}
	fmt.Printf("Wrote %s\n", configInitPath)
	return nil
}
