// Package cli provides the command-line interface for the alert engine.
package cli

import (
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"market-alerts/internal/config"
	"market-alerts/internal/logging"
)

// Version information
const (
	Version   = "0.1.0"
	BuildDate = "2024-03-01"
)

// skipConfig marks commands that run without loading config.toml.
const skipConfig = "skip-config"

// NewRootCmd creates the root command for the CLI.
func NewRootCmd() *cobra.Command {
	app := &App{Logger: zerolog.Nop()}
	return newRootCmd(app)
}

func newRootCmd(app *App) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "alerts",
		Short: "Market Alerts - threshold alerts with rate-limited delivery",
		Long: `Market Alerts evaluates threshold conditions against market data and
delivers triggered alerts to console, file and webhook channels.

Each alert watches one symbol with a condition such as "price > 200".
Cooldowns and hourly caps keep a noisy market from flooding a channel.

Use 'alerts help <command>' for more information about a command.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			debug, _ := cmd.Flags().GetBool("debug")
			if _, ok := cmd.Annotations[skipConfig]; ok {
				if debug {
					app.Logger = logging.NewLoggerWithConfig(logging.LogConfig{
						Level: "debug", Console: true, Out: cmd.ErrOrStderr(),
					})
				}
				return nil
			}

			configDir, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(configDir)
			if err != nil {
				return err
			}
			app.Config = cfg

			level := cfg.Log.Level
			if debug {
				level = "debug"
			}
			logCfg := logging.DefaultLogConfig()
			logCfg.Level = level
			logCfg.Console = cfg.Log.Console
			logCfg.File = cfg.Log.File
			logCfg.FilePath = cfg.Log.Path
			logCfg.Out = cmd.ErrOrStderr()
			app.Logger = logging.NewLoggerWithConfig(logCfg)
			if app.Console == nil {
				app.Console = cmd.OutOrStdout()
			}
			return nil
		},
	}

	rootCmd.PersistentFlags().String("config", "", "config directory (default: ~/.config/market-alerts)")
	rootCmd.PersistentFlags().Bool("json", false, "output in JSON format")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")

	addCoreCommands(rootCmd, app)
	addAlertCommands(rootCmd, app)
	addCheckCommands(rootCmd, app)
	addHistoryCommands(rootCmd, app)
	addChannelCommands(rootCmd, app)
	rootCmd.AddCommand(newServeCmd(app))

	return rootCmd
}

// addCoreCommands adds version and config commands.
func addCoreCommands(rootCmd *cobra.Command, app *App) {
	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newConfigCmd(app))
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "version",
		Short:       "Print version information",
		Annotations: map[string]string{skipConfig: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(map[string]string{
					"version":    Version,
					"build_date": BuildDate,
				})
			}
			output.Printf("Market Alerts v%s\n", Version)
			output.Dim("Build date: %s", BuildDate)
			return nil
		},
	}
}
