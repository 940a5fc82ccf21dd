package cli

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"market-alerts/internal/config"
	"market-alerts/internal/engine"
	"market-alerts/internal/metrics"
	"market-alerts/internal/notify"
	"market-alerts/internal/resilience"
	"market-alerts/internal/store"
	"market-alerts/internal/stream"
)

const webhookRetryDelay = 200 * time.Millisecond

// App holds the application dependencies.
type App struct {
	Config   *config.Config
	Logger   zerolog.Logger
	Engine   *engine.Engine
	Hub      *stream.Hub
	Metrics  *metrics.Metrics
	Breakers *resilience.Registry

	// Console receives console channel notifications.
	Console io.Writer

	closeOnce sync.Once
}

// Open builds the engine from the loaded configuration. It is safe to call
// more than once.
func (a *App) Open(ctx context.Context) (*engine.Engine, error) {
	if a.Engine != nil {
		return a.Engine, nil
	}
	if a.Config == nil {
		return nil, fmt.Errorf("configuration not loaded")
	}
	cfg := a.Config

	alerts, history, err := openStores(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.Logger.Debug().
		Str("store", cfg.Store.Driver).
		Str("history", cfg.History.Driver).
		Msg("Stores initialized")

	a.Breakers = resilience.NewRegistry(resilience.CircuitBreakerConfig{
		FailureThreshold: cfg.Delivery.Circuit.FailureThreshold,
		SuccessThreshold: 1,
		ResetTimeout:     cfg.Delivery.Circuit.ResetTimeout,
	})
	console := a.Console
	if console == nil {
		console = os.Stdout
	}
	dispatcher := buildDispatcher(cfg, a.Logger, a.Breakers, console)
	a.Logger.Debug().Strs("channels", dispatcher.Names()).Msg("Delivery channels registered")

	a.Hub = stream.NewHub()
	a.Metrics = metrics.New()
	a.Engine = engine.New(alerts, history, dispatcher,
		engine.WithLogger(a.Logger),
		engine.WithHub(a.Hub),
		engine.WithMetrics(a.Metrics),
		engine.WithWorkers(cfg.Engine.Workers),
	)

	if err := a.Engine.Restore(ctx); err != nil {
		a.Engine.Close()
		a.Engine = nil
		return nil, fmt.Errorf("restoring engine state: %w", err)
	}
	return a.Engine, nil
}

// Close releases the engine and everything it owns.
func (a *App) Close() error {
	var err error
	a.closeOnce.Do(func() {
		if a.Engine != nil {
			err = a.Engine.Close()
		}
	})
	return err
}

func openStores(ctx context.Context, cfg *config.Config) (store.AlertStore, store.HistoryLog, error) {
	var (
		db     *sql.DB
		alerts store.AlertStore
		err    error
	)

	switch cfg.Store.Driver {
	case config.DriverSQLite:
		if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0755); err != nil {
			return nil, nil, fmt.Errorf("creating store directory: %w", err)
		}
		db, err = store.OpenSQLite(cfg.Store.Path)
		if err != nil {
			return nil, nil, err
		}
		alerts = store.NewSQLiteStore(db)
	default:
		alerts = store.NewMemoryStore()
	}

	var history store.HistoryLog
	switch cfg.History.Driver {
	case config.DriverSQLite:
		history = store.NewSQLiteHistory(db)
	case config.DriverRedis:
		history, err = store.NewRedisHistory(ctx, store.RedisConfig{
			Addr:     cfg.History.RedisAddr,
			Password: cfg.History.RedisPassword,
			DB:       cfg.History.RedisDB,
			Key:      cfg.History.RedisKey,
		})
		if err != nil {
			alerts.Close()
			return nil, nil, err
		}
	default:
		history = store.NewMemoryHistory()
	}

	return alerts, history, nil
}

func buildDispatcher(cfg *config.Config, logger zerolog.Logger, breakers *resilience.Registry, console io.Writer) *notify.Dispatcher {
	d := notify.NewDispatcher(notify.DispatcherConfig{
		Timeout:             cfg.Delivery.Timeout,
		MaxConcurrentRemote: cfg.Delivery.MaxConcurrentWebhooks,
	}, logger)

	if cfg.Delivery.Console.Enabled {
		d.Register(notify.NewConsoleChannel(console))
	}
	if fc := cfg.Delivery.File; fc.Path != "" {
		d.Register(notify.NewFileChannel(notify.FileConfig{
			Path:       fc.Path,
			MaxSize:    fc.MaxSize,
			MaxBackups: fc.MaxBackups,
			MaxAge:     fc.MaxAge,
		}))
	}
	if wh := cfg.Delivery.Webhook; wh.URL != "" {
		d.Register(notify.NewWebhookChannel(notify.WebhookConfig{
			Name:        "webhook",
			URL:         wh.URL,
			Timeout:     cfg.Delivery.Timeout,
			MaxAttempts: wh.MaxAttempts,
			RetryDelay:  webhookRetryDelay,
			Breaker:     breakers.Get("webhook"),
		}))
	}
	for _, name := range cfg.WebhookNames() {
		wh := cfg.Delivery.Webhooks[name]
		d.Register(notify.NewWebhookChannel(notify.WebhookConfig{
			Name:        name,
			URL:         wh.URL,
			Timeout:     cfg.Delivery.Timeout,
			MaxAttempts: wh.MaxAttempts,
			RetryDelay:  webhookRetryDelay,
			Breaker:     breakers.Get(name),
		}))
	}
	return d
}
