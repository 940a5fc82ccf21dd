package cli

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	apperrors "market-alerts/internal/errors"
	"market-alerts/internal/models"
	"market-alerts/pkg/utils"
)

// alertFile is the layout of an alert import file.
type alertFile struct {
	Alerts []models.AlertSpec `yaml:"alerts"`
}

func addAlertCommands(rootCmd *cobra.Command, app *App) {
	cmd := &cobra.Command{
		Use:     "alert",
		Aliases: []string{"alerts"},
		Short:   "Manage alerts",
		Long:    "Create, list, pause, resume and delete threshold alerts.",
	}

	cmd.AddCommand(newAlertAddCmd(app))
	cmd.AddCommand(newAlertListCmd(app))
	cmd.AddCommand(newAlertGetCmd(app))
	cmd.AddCommand(newAlertToggleCmd(app, "enable", true))
	cmd.AddCommand(newAlertToggleCmd(app, "disable", false))
	cmd.AddCommand(newAlertDeleteCmd(app))
	cmd.AddCommand(newAlertImportCmd(app))

	rootCmd.AddCommand(cmd)
}

func newAlertAddCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add <symbol> <condition>",
		Short: "Create an alert",
		Long: `Create an alert on one symbol.

The condition compares one market data field with a number:
  price > 200, volume >= 1000000, change_percent < -3

Supported operators: >, <, >=, <=, ==`,
		Example: `  alerts alert add AAPL "price > 200" --channel console --cooldown 5
  alerts alert add NVDA "change_percent < -3" -c console -c webhook --max-per-hour 4`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			eng, err := app.Open(ctx)
			if err != nil {
				return err
			}
			defer app.Close()

			channels, _ := cmd.Flags().GetStringSlice("channel")
			cooldown, _ := cmd.Flags().GetInt("cooldown")
			maxPerHour, _ := cmd.Flags().GetInt("max-per-hour")

			alert, err := eng.CreateAlert(ctx, models.AlertSpec{
				Symbol:          args[0],
				Condition:       args[1],
				Channels:        channels,
				CooldownMinutes: cooldown,
				MaxPerHour:      maxPerHour,
			})
			if err != nil {
				output.Error("Failed to create alert: %v", err)
				return err
			}

			if output.IsJSON() {
				return output.JSON(alert)
			}
			output.Success("✓ Alert created: %s", alert.ID)
			displayAlert(output, alert)
			return nil
		},
	}

	cmd.Flags().StringSliceP("channel", "c", []string{"console"}, "Delivery channel (repeatable)")
	cmd.Flags().Int("cooldown", 0, "Minutes between triggers")
	cmd.Flags().Int("max-per-hour", 0, "Maximum triggers per rolling hour (0 = unlimited)")

	return cmd
}

func newAlertListCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List alerts",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx := cmd.Context()

			eng, err := app.Open(ctx)
			if err != nil {
				return err
			}
			defer app.Close()

			activeOnly, _ := cmd.Flags().GetBool("active")
			alerts, err := eng.ListAlerts(ctx, activeOnly)
			if err != nil {
				return err
			}

			if output.IsJSON() {
				if alerts == nil {
					alerts = []*models.Alert{}
				}
				return output.JSON(alerts)
			}

			if len(alerts) == 0 {
				output.Dim("No alerts")
				return nil
			}

			now := time.Now()
			table := NewTable(output, "ID", "SYMBOL", "CONDITION", "CHANNELS", "LIMITS", "STATUS", "LAST TRIGGER")
			for _, a := range alerts {
				last := "never"
				if a.LastTriggeredAt != nil {
					last = utils.FormatAge(*a.LastTriggeredAt, now)
				}
				table.AddRow(
					utils.ShortID(a.ID),
					a.Symbol,
					truncate(a.Condition, 32),
					strings.Join(a.Channels, ","),
					formatLimits(a),
					ActiveText(a.Active),
					last,
				)
			}
			table.Render()
			return nil
		},
	}

	cmd.Flags().Bool("active", false, "Only show active alerts")
	return cmd
}

func newAlertGetCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show one alert",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx := cmd.Context()

			eng, err := app.Open(ctx)
			if err != nil {
				return err
			}
			defer app.Close()

			alert, err := eng.GetAlert(ctx, args[0])
			if err != nil {
				return err
			}
			if alert == nil {
				output.Error("Alert not found: %s", args[0])
				return apperrors.Wrapf(apperrors.ErrAlertNotFound, "%s", args[0])
			}

			if output.IsJSON() {
				return output.JSON(alert)
			}
			displayAlert(output, alert)
			return nil
		},
	}
}

func newAlertToggleCmd(app *App, use string, active bool) *cobra.Command {
	short := "Resume an alert"
	if !active {
		short = "Pause an alert"
	}
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx := cmd.Context()

			eng, err := app.Open(ctx)
			if err != nil {
				return err
			}
			defer app.Close()

			alert, err := eng.ToggleAlert(ctx, args[0], active)
			if err != nil {
				return err
			}
			if alert == nil {
				output.Error("Alert not found: %s", args[0])
				return apperrors.Wrapf(apperrors.ErrAlertNotFound, "%s", args[0])
			}

			if output.IsJSON() {
				return output.JSON(alert)
			}
			output.Success("✓ Alert %s %sd", utils.ShortID(alert.ID), use)
			return nil
		},
	}
}

func newAlertDeleteCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:     "delete <id>",
		Aliases: []string{"rm"},
		Short:   "Delete an alert (its trigger history is kept)",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx := cmd.Context()

			eng, err := app.Open(ctx)
			if err != nil {
				return err
			}
			defer app.Close()

			ok, err := eng.DeleteAlert(ctx, args[0])
			if err != nil {
				return err
			}

			if output.IsJSON() {
				return output.JSON(map[string]interface{}{"id": args[0], "deleted": ok})
			}
			if !ok {
				output.Warning("Alert not found: %s", args[0])
				return nil
			}
			output.Success("✓ Alert deleted: %s", args[0])
			return nil
		},
	}
}

func newAlertImportCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "import <file.yaml>",
		Short: "Create alerts from a YAML file",
		Long: `Create every alert listed in a YAML file:

  alerts:
    - symbol: AAPL
      condition: price > 200
      channels: [console, webhook]
      cooldown_minutes: 5
    - symbol: NVDA
      condition: change_percent < -3
      channels: [console]
      max_per_hour: 4

Invalid entries are reported and skipped.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx := cmd.Context()

			raw, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("reading %s: %w", args[0], err)
			}
			var file alertFile
			if err := yaml.Unmarshal(raw, &file); err != nil {
				return fmt.Errorf("parsing %s: %w", args[0], err)
			}

			eng, err := app.Open(ctx)
			if err != nil {
				return err
			}
			defer app.Close()

			type result struct {
				Index int           `json:"index"`
				Alert *models.Alert `json:"alert,omitempty"`
				Error string        `json:"error,omitempty"`
			}
			results := make([]result, 0, len(file.Alerts))
			failed := 0
			for i, spec := range file.Alerts {
				alert, err := eng.CreateAlert(ctx, spec)
				r := result{Index: i, Alert: alert}
				if err != nil {
					r.Error = err.Error()
					failed++
				}
				results = append(results, r)
			}

			if output.IsJSON() {
				if err := output.JSON(results); err != nil {
					return err
				}
			} else {
				for _, r := range results {
					if r.Error != "" {
						output.Error("✗ #%d: %s", r.Index+1, r.Error)
						continue
					}
					output.Success("✓ %s %s %s", utils.ShortID(r.Alert.ID), r.Alert.Symbol, r.Alert.Condition)
				}
				output.Printf("\nImported %d of %d alerts\n", len(results)-failed, len(results))
			}

			if failed > 0 {
				return fmt.Errorf("%d of %d alerts failed to import", failed, len(results))
			}
			return nil
		},
	}
}

func displayAlert(output *Output, a *models.Alert) {
	output.Printf("  ID:        %s\n", a.ID)
	output.Printf("  Symbol:    %s\n", a.Symbol)
	output.Printf("  Condition: %s\n", a.Condition)
	output.Printf("  Channels:  %s\n", strings.Join(a.Channels, ", "))
	output.Printf("  Limits:    %s\n", formatLimits(a))
	output.Printf("  Status:    %s\n", ActiveText(a.Active))
	output.Printf("  Created:   %s\n", a.CreatedAt.Local().Format(time.DateTime))
	if a.LastTriggeredAt != nil {
		output.Printf("  Triggered: %s\n", a.LastTriggeredAt.Local().Format(time.DateTime))
	}
}

func formatLimits(a *models.Alert) string {
	var parts []string
	if a.CooldownMinutes > 0 {
		parts = append(parts, fmt.Sprintf("%dm cooldown", a.CooldownMinutes))
	}
	if a.MaxPerHour > 0 {
		parts = append(parts, fmt.Sprintf("%d/h", a.MaxPerHour))
	}
	if len(parts) == 0 {
		return "-"
	}
	return strings.Join(parts, ", ")
}
