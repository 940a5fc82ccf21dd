package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	apperrors "market-alerts/internal/errors"
	"market-alerts/internal/logging"
	"market-alerts/internal/models"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"
	"golang.org/x/sync/semaphore"
)

// DispatcherConfig holds dispatcher limits.
type DispatcherConfig struct {
	// Timeout bounds every channel send.
	Timeout time.Duration
	// MaxConcurrentRemote caps in-flight sends on remote channels across
	// all dispatches.
	MaxConcurrentRemote int64
}

// DefaultDispatcherConfig returns the default dispatcher limits.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		Timeout:             DefaultWebhookTimeout,
		MaxConcurrentRemote: 8,
	}
}

// Observer receives one call per channel send.
type Observer interface {
	ObserveDelivery(channel string, ok bool, d time.Duration)
}

// Dispatcher fans a notification out to named channels.
type Dispatcher struct {
	mu       sync.RWMutex
	channels map[string]Channel

	cfg      DispatcherConfig
	remote   *semaphore.Weighted
	logger   zerolog.Logger
	observer Observer
}

// NewDispatcher creates a dispatcher with no channels registered.
func NewDispatcher(cfg DispatcherConfig, logger zerolog.Logger) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultWebhookTimeout
	}
	if cfg.MaxConcurrentRemote <= 0 {
		cfg.MaxConcurrentRemote = DefaultDispatcherConfig().MaxConcurrentRemote
	}
	return &Dispatcher{
		channels: make(map[string]Channel),
		cfg:      cfg,
		remote:   semaphore.NewWeighted(cfg.MaxConcurrentRemote),
		logger:   logger,
	}
}

// Register adds a channel, replacing any channel with the same name.
func (d *Dispatcher) Register(ch Channel) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.channels[ch.Name()] = ch
}

// SetObserver installs an observer for delivery results.
func (d *Dispatcher) SetObserver(o Observer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.observer = o
}

// Has reports whether a channel is registered under name.
func (d *Dispatcher) Has(name string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.channels[name]
	return ok
}

// Names returns the registered channel names, sorted.
func (d *Dispatcher) Names() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.channels))
	for name := range d.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type delivery struct {
	channel string
	outcome models.DeliveryOutcome
}

// Dispatch sends n to every named channel concurrently and returns exactly
// one outcome per distinct name. A failing, slow or unknown channel never
// affects the others.
func (d *Dispatcher) Dispatch(ctx context.Context, n Notification, names []string) map[string]models.DeliveryOutcome {
	seen := make(map[string]bool, len(names))
	p := pool.NewWithResults[delivery]()
	for _, name := range names {
		if seen[name] {
			continue
		}
		seen[name] = true
		p.Go(func() delivery {
			return delivery{channel: name, outcome: d.deliver(ctx, name, n)}
		})
	}

	results := make(map[string]models.DeliveryOutcome, len(seen))
	for _, r := range p.Wait() {
		results[r.channel] = r.outcome
	}
	return results
}

// Test sends a test notification to one channel and reports its failure
// as a DeliveryError.
func (d *Dispatcher) Test(ctx context.Context, name string) error {
	if !d.Has(name) {
		return apperrors.Wrapf(apperrors.ErrUnknownChannel, "%s", name)
	}
	out := d.deliver(ctx, name, Notification{
		Type:      NotificationTest,
		Title:     "Test notification",
		Message:   fmt.Sprintf("Channel %s is configured correctly", name),
		Timestamp: time.Now().UTC(),
	})
	if !out.OK() {
		return apperrors.NewDeliveryError(name, errors.New(out.Reason))
	}
	return nil
}

func (d *Dispatcher) lookup(name string) (Channel, Observer, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ch, ok := d.channels[name]
	return ch, d.observer, ok
}

func (d *Dispatcher) deliver(ctx context.Context, name string, n Notification) models.DeliveryOutcome {
	start := time.Now()
	ch, observer, ok := d.lookup(name)
	if !ok {
		return models.DeliveryOutcome{Status: models.DeliveryFailure, Reason: "unknown channel"}
	}

	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	err := d.send(ctx, ch, n)
	elapsed := time.Since(start)

	logging.LogDelivery(d.logger, name, elapsed, err)
	if observer != nil {
		observer.ObserveDelivery(name, err == nil, elapsed)
	}

	if err != nil {
		return models.DeliveryOutcome{Status: models.DeliveryFailure, Reason: d.reason(err), Duration: elapsed}
	}
	return models.DeliveryOutcome{Status: models.DeliverySuccess, Duration: elapsed}
}

// send runs ch.Send in its own goroutine so a channel that ignores ctx
// still cannot hold the dispatch past its deadline.
func (d *Dispatcher) send(ctx context.Context, ch Channel, n Notification) error {
	if isRemote(ch) {
		if err := d.remote.Acquire(ctx, 1); err != nil {
			return fmt.Errorf("waiting for a remote delivery slot: %w", err)
		}
		defer d.remote.Release(1)
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("channel panicked: %v", r)
			}
		}()
		done <- ch.Send(ctx, n)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: %w", apperrors.ErrTimeout, ctx.Err())
		}
		return ctx.Err()
	}
}

func (d *Dispatcher) reason(err error) string {
	if errors.Is(err, apperrors.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Sprintf("timeout after %s", d.cfg.Timeout)
	}
	return err.Error()
}

// Close closes every registered channel that holds resources.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var errs []error
	for _, ch := range d.channels {
		if c, ok := ch.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("closing %s: %w", ch.Name(), err))
			}
		}
	}
	return errors.Join(errs...)
}
