// Package engine evaluates alerts against market data and delivers the
// triggers that pass rate limiting.
package engine

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"market-alerts/internal/condition"
	apperrors "market-alerts/internal/errors"
	"market-alerts/internal/logging"
	"market-alerts/internal/metrics"
	"market-alerts/internal/models"
	"market-alerts/internal/notify"
	"market-alerts/internal/ratelimit"
	"market-alerts/internal/store"
	"market-alerts/internal/stream"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Engine is the entry point for alert management and evaluation.
type Engine struct {
	alerts     store.AlertStore
	history    store.HistoryLog
	dispatcher *notify.Dispatcher
	limiter    *ratelimit.Limiter
	validate   *validator.Validate

	exprs sync.Map // alert id -> *condition.Expr

	hub     *stream.Hub
	metrics *metrics.Metrics
	logger  zerolog.Logger
	now     func() time.Time
	workers int
	seq     *sequencer

	suppressed atomic.Int64
}

// New creates an Engine.
func New(alerts store.AlertStore, history store.HistoryLog, dispatcher *notify.Dispatcher, opts ...Option) *Engine {
	e := &Engine{
		alerts:     alerts,
		history:    history,
		dispatcher: dispatcher,
		limiter:    ratelimit.New(),
		validate:   newValidator(),
		logger:     zerolog.Nop(),
		now:        time.Now,
		workers:    DefaultWorkers,
		seq:        newSequencer(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.metrics != nil {
		dispatcher.SetObserver(e.metrics)
	}
	return e
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Restore rebuilds rate-limiter state from persisted alerts and the last
// hour of history, so cooldowns and hourly caps survive a restart.
func (e *Engine) Restore(ctx context.Context) error {
	alerts, err := e.alerts.List(ctx, false)
	if err != nil {
		return fmt.Errorf("loading alerts: %w", err)
	}
	recent, err := e.history.Recent(ctx, 1000)
	if err != nil {
		return fmt.Errorf("loading history: %w", err)
	}

	cutoff := e.now().Add(-ratelimit.Window)
	seeded := make(map[string]bool)
	for _, t := range recent {
		if t.Timestamp.After(cutoff) {
			e.limiter.Seed(t.AlertID, t.Timestamp)
			seeded[t.AlertID] = true
		}
	}
	for _, a := range alerts {
		if a.LastTriggeredAt != nil && !seeded[a.ID] {
			e.limiter.Seed(a.ID, *a.LastTriggeredAt)
		}
		if _, err := e.expr(a); err != nil {
			e.logger.Warn().Err(err).Str("alert_id", a.ID).Msg("Stored alert has an invalid condition")
		}
	}

	e.updateActiveGauge(ctx)
	return nil
}

// CreateAlert validates spec and stores a new active alert.
func (e *Engine) CreateAlert(ctx context.Context, spec models.AlertSpec) (*models.Alert, error) {
	spec.Symbol = strings.TrimSpace(spec.Symbol)
	spec.Condition = strings.TrimSpace(spec.Condition)

	if err := e.validate.Struct(spec); err != nil {
		return nil, translateValidation(err)
	}

	expr, err := condition.Validate(spec.Condition)
	if err != nil {
		return nil, err
	}

	channels := make([]string, 0, len(spec.Channels))
	seen := make(map[string]bool, len(spec.Channels))
	for _, name := range spec.Channels {
		name = strings.TrimSpace(name)
		if seen[name] {
			continue
		}
		seen[name] = true
		if !e.dispatcher.Has(name) {
			return nil, apperrors.NewValidationErrorWrap("channels", name,
				fmt.Sprintf("unknown delivery channel (available: %s)", strings.Join(e.dispatcher.Names(), ", ")),
				apperrors.ErrUnknownChannel)
		}
		channels = append(channels, name)
	}

	alert := &models.Alert{
		ID:              uuid.NewString(),
		Symbol:          spec.Symbol,
		Condition:       spec.Condition,
		Channels:        channels,
		CooldownMinutes: spec.CooldownMinutes,
		MaxPerHour:      spec.MaxPerHour,
		Active:          true,
		CreatedAt:       e.now(),
	}
	if err := e.alerts.Insert(ctx, alert); err != nil {
		return nil, fmt.Errorf("saving alert: %w", err)
	}
	e.exprs.Store(alert.ID, expr)

	log := logging.WithAlertID(e.logger, alert.ID)
	log.Info().
		Str("symbol", alert.Symbol).
		Str("condition", alert.Condition).
		Strs("channels", alert.Channels).
		Msg("Alert created")
	e.updateActiveGauge(ctx)
	return alert, nil
}

func translateValidation(err error) error {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok || len(verrs) == 0 {
		return apperrors.Wrap(apperrors.ErrValidation, err.Error())
	}
	fe := verrs[0]
	field := fe.Field()
	if strings.HasPrefix(field, "channels") && (fe.Tag() == "required" || fe.Tag() == "min") {
		return apperrors.NewValidationErrorWrap("channels", fe.Value(), "at least one delivery channel is required", apperrors.ErrNoChannels)
	}

	var msg string
	switch fe.Tag() {
	case "required":
		msg = "is required"
	case "max":
		msg = fmt.Sprintf("must be at most %s characters", fe.Param())
	case "gte":
		msg = fmt.Sprintf("must be >= %s", fe.Param())
	default:
		msg = fmt.Sprintf("failed %q check", fe.Tag())
	}
	return apperrors.NewValidationError(field, fe.Value(), msg)
}

// ListAlerts returns alerts ordered by creation time.
func (e *Engine) ListAlerts(ctx context.Context, activeOnly bool) ([]*models.Alert, error) {
	return e.alerts.List(ctx, activeOnly)
}

// GetAlert returns an alert, or nil if the id is unknown.
func (e *Engine) GetAlert(ctx context.Context, id string) (*models.Alert, error) {
	return e.alerts.Get(ctx, id)
}

// ToggleAlert activates or deactivates an alert. Rate-limit history is kept.
// It returns nil if the id is unknown.
func (e *Engine) ToggleAlert(ctx context.Context, id string, active bool) (*models.Alert, error) {
	a, err := e.alerts.SetActive(ctx, id, active)
	if err != nil || a == nil {
		return a, err
	}
	log := logging.WithAlertID(e.logger, id)
	log.Info().Bool("active", active).Msg("Alert toggled")
	e.updateActiveGauge(ctx)
	return a, nil
}

// DeleteAlert removes an alert. Its history is kept.
func (e *Engine) DeleteAlert(ctx context.Context, id string) (bool, error) {
	ok, err := e.alerts.Delete(ctx, id)
	if err != nil || !ok {
		return ok, err
	}
	e.exprs.Delete(id)
	e.limiter.Forget(id)
	log := logging.WithAlertID(e.logger, id)
	log.Info().Msg("Alert deleted")
	e.updateActiveGauge(ctx)
	return true, nil
}

// CheckAlerts evaluates every active alert whose symbol appears in data and
// returns the triggers delivered in this call, in alert creation order.
// Failures of single alerts or channels are contained; an error is returned
// only when the active alert set cannot be read.
func (e *Engine) CheckAlerts(ctx context.Context, data models.MarketData) ([]*models.AlertTrigger, error) {
	start := time.Now()
	log := logging.WithOperation(e.logger, "check")

	active, err := e.alerts.List(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("loading active alerts: %w", err)
	}

	candidates := make([]*models.Alert, 0, len(active))
	for _, a := range active {
		if _, ok := data[a.Symbol]; ok {
			candidates = append(candidates, a)
		}
	}

	ticket, now := e.seq.ticket(e.now)

	// Once a trigger passes the limiter it must be recorded, even if the
	// caller goes away mid-delivery.
	recordCtx := context.WithoutCancel(ctx)

	results := make([]*models.AlertTrigger, len(candidates))
	var g errgroup.Group
	g.SetLimit(e.workers)
	for i, a := range candidates {
		g.Go(func() error {
			results[i] = e.evaluate(ctx, recordCtx, log, a, data[a.Symbol], now)
			return nil
		})
	}
	_ = g.Wait()

	triggers := make([]*models.AlertTrigger, 0)
	e.seq.run(ticket, func() {
		for _, t := range results {
			if t == nil {
				continue
			}
			if err := e.history.Append(recordCtx, t); err != nil {
				tlog := logging.WithAlertID(log, t.AlertID)
				tlog.Error().Err(err).Msg("Failed to record trigger")
			}
			if e.hub != nil {
				e.hub.Publish(t)
			}
			triggers = append(triggers, t)
		}
	})

	if e.metrics != nil {
		e.metrics.CheckDuration.Observe(time.Since(start).Seconds())
		e.metrics.SetActiveAlerts(len(active))
	}
	log.Debug().
		Int("symbols", len(data)).
		Int("evaluated", len(candidates)).
		Int("triggered", len(triggers)).
		Dur("duration", time.Since(start)).
		Msg("Check completed")
	return triggers, nil
}

// evaluate runs one alert through
// IDLE -> CONDITION_MET -> SUPPRESSED | DELIVERING -> RECORDED
// and returns the trigger, or nil when nothing is delivered.
// Delivery runs on ctx; the record phase after the limiter runs on recordCtx.
func (e *Engine) evaluate(ctx, recordCtx context.Context, log zerolog.Logger, a *models.Alert, fields map[string]float64, now time.Time) *models.AlertTrigger {
	log = logging.WithSymbol(logging.WithAlertID(log, a.ID), a.Symbol)

	expr, err := e.expr(a)
	if err != nil {
		log.Warn().Err(err).Msg("Skipping alert with invalid condition")
		return nil
	}

	matched, value, found := expr.Evaluate(fields)
	if !found {
		e.observe(metrics.OutcomeMissing)
		log.Debug().Strs("fields", expr.Fields()).Msg("Condition field missing from market data")
		return nil
	}
	if !matched {
		e.observe(metrics.OutcomeNotMet)
		return nil
	}

	policy := ratelimit.Policy{Cooldown: a.Cooldown(), MaxPerHour: a.MaxPerHour}
	if ok, decision := e.limiter.Acquire(a.ID, policy, now); !ok {
		e.suppressed.Add(1)
		e.observe(metrics.OutcomeSuppressed)
		logging.LogSuppressed(log, a.ID, a.Symbol, string(decision))
		return nil
	}

	trigger := &models.AlertTrigger{
		ID:             uuid.NewString(),
		AlertID:        a.ID,
		Symbol:         a.Symbol,
		Condition:      a.Condition,
		TriggeredValue: value,
		Timestamp:      now,
	}
	trigger.DeliveryStatus = e.dispatcher.Dispatch(ctx, notify.NewTriggerNotification(trigger), a.Channels)

	if err := e.alerts.MarkTriggered(recordCtx, a.ID, now); err != nil {
		log.Error().Err(err).Msg("Failed to update last trigger time")
	}

	e.observe(metrics.OutcomeTriggered)
	attempted, delivered := trigger.Deliveries()
	logging.LogTrigger(log, a.ID, a.Symbol, a.Condition, value, delivered, attempted)
	return trigger
}

// expr returns the cached parsed condition of an alert.
func (e *Engine) expr(a *models.Alert) (*condition.Expr, error) {
	if v, ok := e.exprs.Load(a.ID); ok {
		expr := v.(*condition.Expr)
		if expr.Source() == a.Condition {
			return expr, nil
		}
	}
	expr, err := condition.Parse(a.Condition)
	if err != nil {
		return nil, err
	}
	e.exprs.Store(a.ID, expr)
	return expr, nil
}

// History returns up to limit recent triggers, most recent first.
func (e *Engine) History(ctx context.Context, limit int) ([]*models.AlertTrigger, error) {
	return e.history.Recent(ctx, limit)
}

// EvaluateCondition parses and evaluates a condition without any alert.
func (e *Engine) EvaluateCondition(cond string, data map[string]float64) (matched bool, value float64, found bool, err error) {
	return condition.Evaluate(cond, data)
}

// Channels returns the names of the registered delivery channels.
func (e *Engine) Channels() []string {
	return e.dispatcher.Names()
}

// TestChannel sends a test notification through one channel.
func (e *Engine) TestChannel(ctx context.Context, name string) error {
	return e.dispatcher.Test(ctx, name)
}

// Close releases the store, history, channels and hub.
func (e *Engine) Close() error {
	if e.hub != nil {
		e.hub.Stop()
	}
	var errs []error
	if err := e.dispatcher.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := e.history.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := e.alerts.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (e *Engine) observe(outcome string) {
	if e.metrics != nil {
		e.metrics.ObserveEvaluation(outcome)
	}
}

func (e *Engine) updateActiveGauge(ctx context.Context) {
	if e.metrics == nil {
		return
	}
	if _, active, err := e.alerts.Count(ctx); err == nil {
		e.metrics.SetActiveAlerts(active)
	}
}
