package cli

import (
	"time"

	"github.com/spf13/cobra"

	"market-alerts/internal/models"
	"market-alerts/pkg/utils"
)

func addHistoryCommands(rootCmd *cobra.Command, app *App) {
	rootCmd.AddCommand(newHistoryCmd(app))
	rootCmd.AddCommand(newStatsCmd(app))
}

func newHistoryCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent triggers, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx := cmd.Context()
			limit, _ := cmd.Flags().GetInt("limit")

			eng, err := app.Open(ctx)
			if err != nil {
				return err
			}
			defer app.Close()

			triggers, err := eng.History(ctx, limit)
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
				output.Dim("No triggers recorded")
				return nil
			}

			now := time.Now()
			table := NewTable(output, "WHEN", "SYMBOL", "CONDITION", "VALUE", "DELIVERY")
			for _, t := range triggers {
				table.AddRow(
					utils.FormatAge(t.Timestamp, now),
					t.Symbol,
					truncate(t.Condition, 32),
					utils.FormatValue(t.TriggeredValue),
					formatDelivery(t),
				)
			}
			table.Render()
			return nil
		},
	}

	cmd.Flags().IntP("limit", "n", 20, "Number of triggers to show")
	return cmd
}

func newStatsCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show alert and delivery statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx := cmd.Context()

			eng, err := app.Open(ctx)
			if err != nil {
				return err
			}
			defer app.Close()

			st, err := eng.Stats(ctx)
			if err != nil {
				return err
			}

			if output.IsJSON() {
				return output.JSON(st)
			}

			output.Bold("Alerts")
			output.Printf("  Total:        %d\n", st.TotalAlerts)
			output.Printf("  Active:       %d\n", st.ActiveAlerts)
			output.Println()
			output.Bold("Delivery")
			output.Printf("  Triggers:     %d\n", st.TotalTriggers)
			output.Printf("  Deliveries:   %d\n", st.TotalDeliveries)
			output.Printf("  Successful:   %d\n", st.SuccessfulDeliveries)
			output.Printf("  Success rate: %s\n", utils.FormatPercent(st.DeliverySuccessRate))
			return nil
		},
	}
}
