package cli

import (
	"context"
	"time"

	"github.com/spf13/cobra"
)

func addChannelCommands(rootCmd *cobra.Command, app *App) {
	cmd := &cobra.Command{
		Use:   "channels",
		Short: "List and test delivery channels",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List configured delivery channels",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			eng, err := app.Open(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()

			names := eng.Channels()
			if output.IsJSON() {
				return output.JSON(names)
			}
			if len(names) == 0 {
				output.Warning("No delivery channels configured")
				return nil
			}
			for _, name := range names {
				output.Println(name)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:     "test <name>",
		Short:   "Send a test notification through one channel",
		Example: `  alerts channels test webhook`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			eng, err := app.Open(ctx)
			if err != nil {
				return err
			}
			defer app.Close()

			if err := eng.TestChannel(ctx, args[0]); err != nil {
				output.Error("✗ %v", err)
				return err
			}
			output.Success("✓ Test notification delivered via %s", args[0])
			return nil
		},
	})

	rootCmd.AddCommand(cmd)
}
