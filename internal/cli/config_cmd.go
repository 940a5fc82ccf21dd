package cli

import (
	"strings"

	"github.com/spf13/cobra"

	"market-alerts/internal/config"
	"market-alerts/internal/logging"
)

func newConfigCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
		Long:  "View and validate the configuration in config.toml.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(app.Config)
			}
			showConfig(output, app.Config)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:         "path",
		Short:       "Show configuration file path",
		Annotations: map[string]string{skipConfig: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			configDir, _ := cmd.Flags().GetString("config")
			path := config.ConfigPath(configDir)
			if output.IsJSON() {
				return output.JSON(map[string]string{"path": path})
			}
			output.Println(path)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:         "validate",
		Short:       "Validate configuration file",
		Annotations: map[string]string{skipConfig: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			configDir, _ := cmd.Flags().GetString("config")
			if _, err := config.Load(configDir); err != nil {
				if output.IsJSON() {
					output.JSON(map[string]interface{}{"valid": false, "error": err.Error()})
				} else {
					output.Error("Configuration validation failed: %v", err)
				}
				return err
			}
			if output.IsJSON() {
				return output.JSON(map[string]bool{"valid": true})
			}
			output.Success("✓ Configuration is valid")
			return nil
		},
	})

	return cmd
}

func showConfig(output *Output, cfg *config.Config) {
	output.Bold("Engine")
	output.Printf("  Workers:          %d\n", cfg.Engine.Workers)
	output.Println()

	output.Bold("Storage")
	output.Printf("  Store:            %s", cfg.Store.Driver)
	if cfg.Store.Driver == config.DriverSQLite {
		output.Printf(" (%s)", cfg.Store.Path)
	}
	output.Println()
	output.Printf("  History:          %s", cfg.History.Driver)
	if cfg.History.Driver == config.DriverRedis {
		output.Printf(" (%s db %d)", cfg.History.RedisAddr, cfg.History.RedisDB)
	}
	output.Println()
	output.Println()

	output.Bold("Delivery")
	output.Printf("  Timeout:          %s\n", cfg.Delivery.Timeout)
	output.Printf("  Webhook slots:    %d\n", cfg.Delivery.MaxConcurrentWebhooks)
	output.Printf("  Console:          %v\n", cfg.Delivery.Console.Enabled)
	output.Printf("  File:             %s\n", orNone(cfg.Delivery.File.Path))
	output.Printf("  Webhook:          %s\n", orNone(logging.MaskURL(cfg.Delivery.Webhook.URL)))
	for _, name := range cfg.WebhookNames() {
		output.Printf("  %-17s %s\n", name+":", logging.MaskURL(cfg.Delivery.Webhooks[name].URL))
	}
	output.Printf("  Circuit:          %d failures, reset after %s\n",
		cfg.Delivery.Circuit.FailureThreshold, cfg.Delivery.Circuit.ResetTimeout)
	output.Println()

	output.Bold("Server")
	output.Printf("  Address:          %s\n", cfg.Server.Addr)
	output.Println()

	output.Bold("Logging")
	output.Printf("  Level:            %s\n", cfg.Log.Level)
	if cfg.Log.File {
		output.Printf("  File:             %s\n", cfg.Log.Path)
	}
}

func orNone(s string) string {
	if strings.TrimSpace(s) == "" {
		return "(disabled)"
	}
	return s
}
