package cli

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"market-alerts/internal/api"
)

func newServeCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Long: `Serve the alert API, the websocket trigger stream and Prometheus metrics.

  POST   /api/v1/alerts          create an alert
  GET    /api/v1/alerts          list alerts (?active=true)
  GET    /api/v1/alerts/:id      get an alert
  PATCH  /api/v1/alerts/:id      {"active": bool}
  DELETE /api/v1/alerts/:id      delete an alert
  POST   /api/v1/check           evaluate a market data snapshot
  POST   /api/v1/evaluate        evaluate a condition
  GET    /api/v1/history         recent triggers (?limit=)
  GET    /api/v1/stats           statistics
  GET    /api/v1/stream          websocket trigger feed (?symbol=)
  GET    /api/v1/channels        delivery channel names
  POST   /api/v1/channels/:name/test  send a test notification
  POST   /api/v1/breakers/reset  close every circuit breaker
  GET    /health                 channels and circuit breakers
  GET    /metrics                Prometheus metrics`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			eng, err := app.Open(ctx)
			if err != nil {
				return err
			}
			defer app.Close()

			addr, _ := cmd.Flags().GetString("addr")
			if addr == "" {
				addr = app.Config.Server.Addr
			}
			if debug, _ := cmd.Flags().GetBool("debug"); !debug {
				gin.SetMode(gin.ReleaseMode)
			}

			srv := api.NewServer(eng, api.Options{
				Hub:      app.Hub,
				Metrics:  app.Metrics,
				Breakers: app.Breakers,
				Logger:   app.Logger,
			})
			NewOutput(cmd).Info("Serving on http://%s", addr)
			return srv.Run(ctx, addr)
		},
	}

	cmd.Flags().String("addr", "", "Listen address (default from config)")
	return cmd
}
