// Package cli wires the context-lab commands: the HTTP server and one-shot run/batch experiments.
package cli

import (
	"fmt"
	"os"

	"context-lab/internal/config"
	"context-lab/internal/logging"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	configPath string

	cfg     *config.Config
	logger  *zap.Logger
	rootCmd *cobra.Command
)

func init() {
	rootCmd = &cobra.Command{
		Use:   "context-lab",
		Short: "context-lab - LLM context engineering experiments",
		Long: `context-lab runs controlled context-engineering experiments against several LLM providers.

It probes needle position sensitivity, compares journal compression strategies,
and verifies persona summaries claim by claim against the athlete's journal.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: setup,
		PersistentPostRun: func(*cobra.Command, []string) {
			if logger != nil {
				_ = logger.Sync()
			}
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config/config.yaml", "config file path")
}

// setup 加载配置并构建 logger，所有子命令共用
func setup(cmd *cobra.Command, args []string) error {
	c, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}
	l, err := logging.New(c.Log)
	if err != nil {
		return err
	}
	cfg, logger = c, l
	return nil
}

// Execute runs the root command
func Execute() error {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(batchCmd)
	rootCmd.AddCommand(providersCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return err
	}
	return nil
}
