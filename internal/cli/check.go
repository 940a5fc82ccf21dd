package cli

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"market-alerts/internal/models"
	"market-alerts/internal/stream"
	"market-alerts/pkg/utils"
)

func addCheckCommands(rootCmd *cobra.Command, app *App) {
	rootCmd.AddCommand(newCheckCmd(app))
	rootCmd.AddCommand(newEvaluateCmd(app))
	rootCmd.AddCommand(newWatchCmd(app))
}

// readMarketData decodes a market data snapshot from path, or stdin when
// path is "-". JSON input is accepted as YAML.
func readMarketData(cmd *cobra.Command, path string) (models.MarketData, error) {
	var (
		raw []byte
		err error
	)
	if path == "-" {
		raw, err = io.ReadAll(cmd.InOrStdin())
	} else {
		raw, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("reading market data: %w", err)
	}

	var data models.MarketData
	if err := yaml.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("parsing market data: %w", err)
	}
	return data, nil
}

func newCheckCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Evaluate alerts against one market data snapshot",
		Long: `Evaluate every active alert against a market data snapshot and deliver
the triggers that pass cooldown and hourly limits.

The snapshot maps symbols to fields, in JSON or YAML:

  {"AAPL": {"price": 205.5, "volume": 1200000}, "NVDA": {"change_percent": -4.1}}`,
		Example: `  alerts check --data snapshot.json
  curl -s https://feed.example.com/snapshot | alerts check --data -`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx := cmd.Context()

			path, _ := cmd.Flags().GetString("data")
			data, err := readMarketData(cmd, path)
			if err != nil {
				return err
			}

			eng, err := app.Open(ctx)
			if err != nil {
				return err
			}
			defer app.Close()

			triggers, err := eng.CheckAlerts(ctx, data)
			if err != nil {
				return err
			}

			if output.IsJSON() {
				if triggers == nil {
					triggers = []*models.AlertTrigger{}
				}
				return output.JSON(triggers)
			}
			if len(triggers) == 0 {
				output.Dim("No alerts triggered")
				return nil
			}
			displayTriggers(output, triggers)
			return nil
		},
	}

	cmd.Flags().StringP("data", "d", "-", "Market data file (JSON or YAML), - for stdin")
	return cmd
}

func newEvaluateCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "evaluate <condition> [field=value...]",
		Short: "Evaluate a condition without creating an alert",
		Example: `  alerts evaluate "price > 200" price=205
  alerts evaluate "change_percent < -3" change_percent=-1.2`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)

			data := make(map[string]float64, len(args)-1)
			for _, kv := range args[1:] {
				field, raw, ok := strings.Cut(kv, "=")
				if !ok {
					return fmt.Errorf("invalid field %q (want field=value)", kv)
				}
				v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
				if err != nil {
					return fmt.Errorf("invalid value for %s: %w", field, err)
				}
				data[strings.TrimSpace(field)] = v
			}

			eng, err := app.Open(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()

			matched, value, found, err := eng.EvaluateCondition(args[0], data)
			if err != nil {
				output.Error("Invalid condition: %v", err)
				return err
			}

			if output.IsJSON() {
				return output.JSON(map[string]interface{}{
					"condition": args[0],
					"matched":   matched,
					"found":     found,
					"value":     value,
				})
			}
			switch {
			case !found:
				output.Warning("Field not present in data; condition does not match")
			case matched:
				output.Success("✓ Matched (value %s)", utils.FormatValue(value))
			default:
				output.Dim("Not matched (value %s)", utils.FormatValue(value))
			}
			return nil
		},
	}
	return cmd
}

func newWatchCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Re-check alerts on an interval from a market data file",
		Long: `Poll a market data file and check alerts on every tick. The file is
re-read each time, so an external feed can overwrite it in place.
Delivered triggers are printed as they happen. Stop with Ctrl+C.`,
		Example: `  alerts watch --data-file snapshot.json --interval 10s`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			path, _ := cmd.Flags().GetString("data-file")
			interval, _ := cmd.Flags().GetDuration("interval")
			count, _ := cmd.Flags().GetInt("count")
			if path == "" {
				return fmt.Errorf("--data-file is required")
			}
			if interval <= 0 {
				return fmt.Errorf("--interval must be positive")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			eng, err := app.Open(ctx)
			if err != nil {
				return err
			}
			defer app.Close()

			feed := app.Hub.Subscribe(stream.AllSymbols)
			printed := make(chan struct{})
			go func() {
				defer close(printed)
				for t := range feed {
					printTrigger(output, t)
				}
			}()

			if !output.IsJSON() {
				output.Info("Watching %s every %s", path, interval)
			}

			ticks := 0
			tick := func() {
				ticks++
				data, err := readMarketData(cmd, path)
				if err != nil {
					app.Logger.Warn().Err(err).Msg("Skipping tick")
					return
				}
				if _, err := eng.CheckAlerts(ctx, data); err != nil {
					app.Logger.Error().Err(err).Msg("Check failed")
				}
			}

			tick()
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
		loop:
			for count <= 0 || ticks < count {
				select {
				case <-ctx.Done():
					break loop
				case <-ticker.C:
					tick()
				}
			}

			app.Hub.Unsubscribe(feed)
			<-printed
			return nil
		},
	}

	cmd.Flags().String("data-file", "", "Market data file (JSON or YAML)")
	cmd.Flags().Duration("interval", 10*time.Second, "Polling interval")
	cmd.Flags().Int("count", 0, "Stop after this many checks (0 = run until interrupted)")
	return cmd
}

func printTrigger(output *Output, t *models.AlertTrigger) {
	if output.IsJSON() {
		output.JSON(t)
		return
	}
	attempts, successes := t.Deliveries()
	output.Printf("%s  %s  %s  value=%s  delivered %d/%d\n",
		t.Timestamp.Local().Format(time.TimeOnly),
		boldColor.Sprint(t.Symbol),
		t.Condition,
		utils.FormatValue(t.TriggeredValue),
		successes, attempts,
	)
}

func displayTriggers(output *Output, triggers []*models.AlertTrigger) {
	table := NewTable(output, "TRIGGER", "ALERT", "SYMBOL", "CONDITION", "VALUE", "DELIVERY")
	for _, t := range triggers {
		table.AddRow(
			utils.ShortID(t.ID),
			utils.ShortID(t.AlertID),
			t.Symbol,
			truncate(t.Condition, 32),
			utils.FormatValue(t.TriggeredValue),
			formatDelivery(t),
		)
	}
	table.Render()
}

// formatDelivery renders per-channel outcomes in channel name order.
func formatDelivery(t *models.AlertTrigger) string {
	names := make([]string, 0, len(t.DeliveryStatus))
	for name := range t.DeliveryStatus {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, name+":"+StatusText(t.DeliveryStatus[name].Status))
	}
	return strings.Join(parts, " ")
}
