// Command cigate runs a fixed, ordered CI pipeline for push and pull
// request events, stopping at the first failing step.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"cigate/internal/config"
	"cigate/internal/logging"
	"cigate/internal/ui"
)

// globals are the persistent flags and what PersistentPreRunE derives
// from them.
type globals struct {
	configPath string
	logLevel   string
	debug      bool
	color      string

	cfg *config.Config
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", ui.Error("error:"), err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	g := &globals{}

	root := &cobra.Command{
		Use:           "cigate",
		Short:         "Run a fail-fast CI pipeline for push and pull request events",
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(g.configPath, os.Getenv)
			if err != nil {
				return err
			}
			if g.logLevel != "" {
				cfg.LogLevel = g.logLevel
			}
			if g.debug {
				cfg.LogLevel = "debug"
			}
			if g.color != "" {
				cfg.Color = g.color
			}
			if err := logging.Configure(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat}); err != nil {
				return err
			}
			if err := ui.ConfigureColor(cfg.Color, os.Stdout); err != nil {
				return err
			}
			g.cfg = cfg
			return nil
		},
	}
	root.PersistentFlags().StringVar(&g.configPath, "config", "", "Configuration file (default $CIGATE_CONFIG)")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	root.PersistentFlags().BoolVar(&g.debug, "debug", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&g.color, "color", "", "Color output: auto, always, never")

	root.AddCommand(runCmd(g))
	root.AddCommand(matchCmd(g))
	root.AddCommand(validateCmd(g))
	root.AddCommand(serveCmd(g))
	root.AddCommand(runsCmd(g))
	root.AddCommand(ledgerCmd(g))
	root.AddCommand(keysCmd(g))
	return root
}
