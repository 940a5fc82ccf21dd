package engine

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	apperrors "market-alerts/internal/errors"
	"market-alerts/internal/metrics"
	"market-alerts/internal/models"
	"market-alerts/internal/notify"
	"market-alerts/internal/store"
	"market-alerts/internal/stream"

	"github.com/fatih/color"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	color.NoColor = true
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 3, 1, 14, 30, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type harness struct {
	engine  *Engine
	clock   *fakeClock
	console *bytes.Buffer
	metrics *metrics.Metrics
	hub     *stream.Hub
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(failing.Close)

	console := &bytes.Buffer{}
	d := notify.NewDispatcher(notify.DispatcherConfig{Timeout: 2 * time.Second}, zerolog.Nop())
	d.Register(notify.NewConsoleChannel(&syncWriter{w: console}))
	d.Register(notify.NewFileChannel(notify.FileConfig{Path: filepath.Join(t.TempDir(), "alerts.log")}))
	d.Register(notify.NewWebhookChannel(notify.WebhookConfig{URL: failing.URL}))

	clock := newClock()
	m := metrics.New()
	hub := stream.NewHub()
	e := New(store.NewMemoryStore(), store.NewMemoryHistory(), d,
		WithClock(clock.Now), WithMetrics(m), WithHub(hub), WithWorkers(4))
	t.Cleanup(func() { e.Close() })

	return &harness{engine: e, clock: clock, console: console, metrics: m, hub: hub}
}

// syncWriter guards a buffer shared by concurrent console sends in tests.
type syncWriter struct {
	mu sync.Mutex
	w  *bytes.Buffer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

func (h *harness) create(t *testing.T, spec models.AlertSpec) *models.Alert {
	t.Helper()
	a, err := h.engine.CreateAlert(context.Background(), spec)
	require.NoError(t, err)
	return a
}

func (h *harness) check(t *testing.T, data models.MarketData) []*models.AlertTrigger {
	t.Helper()
	triggers, err := h.engine.CheckAlerts(context.Background(), data)
	require.NoError(t, err)
	return triggers
}

func TestScenario_CooldownBlocksImmediateRepeat(t *testing.T) {
	h := newHarness(t)
	a := h.create(t, models.AlertSpec{
		Symbol: "AAPL", Condition: "price>200", Channels: []string{"console", "file"}, CooldownMinutes: 5,
	})
	assert.True(t, a.Active)
	assert.NotEmpty(t, a.ID)

	data := models.MarketData{"AAPL": {"price": 205}}

	triggers := h.check(t, data)
	require.Len(t, triggers, 1)
	assert.Equal(t, float64(205), triggers[0].TriggeredValue)
	assert.Equal(t, a.ID, triggers[0].AlertID)
	require.Len(t, triggers[0].DeliveryStatus, 2)
	assert.True(t, triggers[0].DeliveryStatus["console"].OK())
	assert.True(t, triggers[0].DeliveryStatus["file"].OK())
	assert.Contains(t, h.console.String(), "Alert Triggered: AAPL")

	assert.Empty(t, h.check(t, data), "cooldown active")

	h.clock.Advance(5*time.Minute + time.Second)
	assert.Len(t, h.check(t, data), 1)

	got, err := h.engine.GetAlert(context.Background(), a.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastTriggeredAt)
	assert.True(t, got.LastTriggeredAt.Equal(h.clock.Now()))
}

func TestScenario_ConditionBecomesTrue(t *testing.T) {
	h := newHarness(t)
	h.create(t, models.AlertSpec{Symbol: "NVDA", Condition: "rsi<30", Channels: []string{"console"}})

	assert.Empty(t, h.check(t, models.MarketData{"NVDA": {"rsi": 45}}))

	triggers := h.check(t, models.MarketData{"NVDA": {"rsi": 28}})
	require.Len(t, triggers, 1)
	assert.Equal(t, float64(28), triggers[0].TriggeredValue)
}

func TestToggle_PreservesRateLimitHistory(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.create(t, models.AlertSpec{Symbol: "AAPL", Condition: "price>200", Channels: []string{"console"}, CooldownMinutes: 10})
	data := models.MarketData{"AAPL": {"price": 250}}

	require.Len(t, h.check(t, data), 1)

	off, err := h.engine.ToggleAlert(ctx, a.ID, false)
	require.NoError(t, err)
	assert.False(t, off.Active)

	h.clock.Advance(11 * time.Minute)
	assert.Empty(t, h.check(t, data), "inactive alerts never trigger")

	_, err = h.engine.ToggleAlert(ctx, a.ID, true)
	require.NoError(t, err)
	require.Len(t, h.check(t, data), 1)

	// re-enabling resumes the same cooldown
	h.clock.Advance(time.Minute)
	_, _ = h.engine.ToggleAlert(ctx, a.ID, false)
	_, _ = h.engine.ToggleAlert(ctx, a.ID, true)
	assert.Empty(t, h.check(t, data))
}

func TestDelete_KeepsHistory(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.create(t, models.AlertSpec{Symbol: "BTC-USD", Condition: "price>=60000", Channels: []string{"console"}})

	require.Len(t, h.check(t, models.MarketData{"BTC-USD": {"price": 60000}}), 1)

	ok, err := h.engine.DeleteAlert(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = h.engine.DeleteAlert(ctx, a.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	alerts, err := h.engine.ListAlerts(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, alerts)

	history, err := h.engine.History(ctx, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, a.ID, history[0].AlertID)

	assert.Empty(t, h.check(t, models.MarketData{"BTC-USD": {"price": 70000}}))
}

func TestHourlyCap(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.create(t, models.AlertSpec{Symbol: "TSLA", Condition: "change_pct<=-5", Channels: []string{"console"}, MaxPerHour: 2})
	data := models.MarketData{"TSLA": {"change_pct": -7.5}}

	assert.Len(t, h.check(t, data), 1)
	h.clock.Advance(time.Minute)
	assert.Len(t, h.check(t, data), 1)
	h.clock.Advance(time.Minute)
	assert.Empty(t, h.check(t, data), "third trigger within the hour")

	stats, err := h.engine.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Suppressed)
	assert.Equal(t, int64(2), stats.TotalTriggers)

	h.clock.Advance(59 * time.Minute)
	assert.Len(t, h.check(t, data), 1, "first trigger left the window")
}

func TestPartialDeliveryFailureIsRecorded(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.create(t, models.AlertSpec{Symbol: "SPY", Condition: "price<400", Channels: []string{"console", "webhook"}})

	triggers := h.check(t, models.MarketData{"SPY": {"price": 390}})
	require.Len(t, triggers, 1)
	status := triggers[0].DeliveryStatus
	require.Len(t, status, 2)
	assert.True(t, status["console"].OK())
	assert.Equal(t, models.DeliveryFailure, status["webhook"].Status)
	assert.Contains(t, status["webhook"].Reason, "500")

	history, err := h.engine.History(ctx, 5)
	require.NoError(t, err)
	require.Len(t, history, 1)

	stats, err := h.engine.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.TotalDeliveries)
	assert.Equal(t, int64(1), stats.SuccessfulDeliveries)
	assert.InDelta(t, 0.5, stats.DeliverySuccessRate, 1e-9)

	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Deliveries.WithLabelValues("webhook", "failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Evaluations.WithLabelValues(metrics.OutcomeTriggered)))
}

func TestCreateAlert_Validation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tests := []struct {
		name string
		spec models.AlertSpec
		want error
	}{
		{"no channels", models.AlertSpec{Symbol: "AAPL", Condition: "price>1"}, apperrors.ErrNoChannels},
		{"empty channel list", models.AlertSpec{Symbol: "AAPL", Condition: "price>1", Channels: []string{}}, apperrors.ErrNoChannels},
		{"malformed condition", models.AlertSpec{Symbol: "AAPL", Condition: "price >> 1", Channels: []string{"console"}}, apperrors.ErrInvalidCondition},
		{"unsupported operator", models.AlertSpec{Symbol: "AAPL", Condition: "price!=1", Channels: []string{"console"}}, apperrors.ErrInvalidCondition},
		{"unknown channel", models.AlertSpec{Symbol: "AAPL", Condition: "price>1", Channels: []string{"pager"}}, apperrors.ErrUnknownChannel},
		{"missing symbol", models.AlertSpec{Symbol: "  ", Condition: "price>1", Channels: []string{"console"}}, apperrors.ErrValidation},
		{"negative cooldown", models.AlertSpec{Symbol: "AAPL", Condition: "price>1", Channels: []string{"console"}, CooldownMinutes: -1}, apperrors.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := h.engine.CreateAlert(ctx, tt.spec)
			assert.Nil(t, a)
			assert.ErrorIs(t, err, tt.want)
			assert.ErrorIs(t, err, apperrors.ErrValidation)
		})
	}

	alerts, err := h.engine.ListAlerts(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, alerts, "rejected alerts are not stored")
}

func TestCreateAlert_DedupesChannels(t *testing.T) {
	h := newHarness(t)
	a := h.create(t, models.AlertSpec{Symbol: "AAPL", Condition: " price > 200 ", Channels: []string{"console", "file", "console"}})
	assert.Equal(t, []string{"console", "file"}, a.Channels)
	assert.Equal(t, "price > 200", a.Condition)
}

func TestUnknownIDs(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	a, err := h.engine.GetAlert(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, a)

	a, err = h.engine.ToggleAlert(ctx, "missing", true)
	require.NoError(t, err)
	assert.Nil(t, a)

	ok, err := h.engine.DeleteAlert(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCheck_MissingFieldAndSymbol(t *testing.T) {
	h := newHarness(t)
	h.create(t, models.AlertSpec{Symbol: "AAPL", Condition: "volume>1000000", Channels: []string{"console"}})

	assert.Empty(t, h.check(t, models.MarketData{"AAPL": {"price": 205}}))
	assert.Empty(t, h.check(t, models.MarketData{"MSFT": {"volume": 5e6}}))
	assert.Empty(t, h.check(t, models.MarketData{}))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Evaluations.WithLabelValues(metrics.OutcomeMissing)))
}

func TestCheck_OrderFollowsCreation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	var ids []string
	for _, cond := range []string{"price>1", "price>2", "price>3", "price>4"} {
		ids = append(ids, h.create(t, models.AlertSpec{Symbol: "AAPL", Condition: cond, Channels: []string{"file"}}).ID)
		h.clock.Advance(time.Second)
	}

	triggers := h.check(t, models.MarketData{"AAPL": {"price": 10}})
	require.Len(t, triggers, 4)
	for i, tr := range triggers {
		assert.Equal(t, ids[i], tr.AlertID)
	}

	history, err := h.engine.History(ctx, 10)
	require.NoError(t, err)
	require.Len(t, history, 4)
	assert.Equal(t, ids[3], history[0].AlertID)
	assert.Equal(t, ids[0], history[3].AlertID)
}

func TestCheck_ConcurrentCallsTriggerOnce(t *testing.T) {
	h := newHarness(t)
	h.create(t, models.AlertSpec{Symbol: "ETH-USD", Condition: "price>3000", Channels: []string{"console"}, CooldownMinutes: 5})
	data := models.MarketData{"ETH-USD": {"price": 3100}}

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total int
	)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			triggers, err := h.engine.CheckAlerts(context.Background(), data)
			assert.NoError(t, err)
			mu.Lock()
			total += len(triggers)
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, total)
}

func TestCheck_ConcurrentWithMutations(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	data := models.MarketData{"AAPL": {"price": 250}}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			a, err := h.engine.CreateAlert(ctx, models.AlertSpec{Symbol: "AAPL", Condition: "price>200", Channels: []string{"file"}})
			if assert.NoError(t, err) {
				_, _ = h.engine.DeleteAlert(ctx, a.ID)
			}
		}()
		go func() {
			defer wg.Done()
			_, err := h.engine.CheckAlerts(ctx, data)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	alerts, err := h.engine.ListAlerts(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, alerts)
}

func TestStats_Empty(t *testing.T) {
	h := newHarness(t)
	stats, err := h.engine.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.AlertStats{}, *stats)
}

func TestEvaluateCondition(t *testing.T) {
	h := newHarness(t)

	matched, value, found, err := h.engine.EvaluateCondition("price>=100", map[string]float64{"price": 100})
	require.NoError(t, err)
	assert.True(t, matched)
	assert.True(t, found)
	assert.Equal(t, float64(100), value)

	_, _, _, err = h.engine.EvaluateCondition("price ~ 1", nil)
	assert.ErrorIs(t, err, apperrors.ErrInvalidCondition)
}

func TestTriggersArePublished(t *testing.T) {
	h := newHarness(t)
	sub := h.hub.Subscribe("AAPL")
	h.create(t, models.AlertSpec{Symbol: "AAPL", Condition: "price>200", Channels: []string{"console"}})

	h.check(t, models.MarketData{"AAPL": {"price": 201}})

	select {
	case tr := <-sub:
		assert.Equal(t, float64(201), tr.TriggeredValue)
	default:
		t.Fatal("trigger was not published")
	}
}

func TestRestore_SurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alerts.db")
	clock := newClock()
	ctx := context.Background()
	data := models.MarketData{"AAPL": {"price": 205}}

	open := func() *Engine {
		db, err := store.OpenSQLite(path)
		require.NoError(t, err)
		d := notify.NewDispatcher(notify.DefaultDispatcherConfig(), zerolog.Nop())
		d.Register(notify.NewConsoleChannel(&bytes.Buffer{}))
		return New(store.NewSQLiteStore(db), store.NewSQLiteHistory(db), d, WithClock(clock.Now))
	}

	first := open()
	_, err := first.CreateAlert(ctx, models.AlertSpec{Symbol: "AAPL", Condition: "price>200", Channels: []string{"console"}, CooldownMinutes: 5})
	require.NoError(t, err)
	triggers, err := first.CheckAlerts(ctx, data)
	require.NoError(t, err)
	require.Len(t, triggers, 1)
	require.NoError(t, first.Close())

	clock.Advance(time.Minute)
	second := open()
	defer second.Close()
	require.NoError(t, second.Restore(ctx))

	triggers, err = second.CheckAlerts(ctx, data)
	require.NoError(t, err)
	assert.Empty(t, triggers, "cooldown restored from history")

	clock.Advance(5 * time.Minute)
	triggers, err = second.CheckAlerts(ctx, data)
	require.NoError(t, err)
	assert.Len(t, triggers, 1)

	stats, err := second.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.TotalTriggers)
	assert.Equal(t, 1.0, stats.DeliverySuccessRate)
}

// funcChannel is a delivery channel scripted by the test.
type funcChannel struct {
	name string
	send func(ctx context.Context) error
}

func (f *funcChannel) Name() string { return f.name }
func (f *funcChannel) Send(ctx context.Context, _ notify.Notification) error {
	return f.send(ctx)
}

func TestCheck_CallerCancelledMidDeliveryStillRecords(t *testing.T) {
	db, err := store.OpenSQLite(filepath.Join(t.TempDir(), "alerts.db"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d := notify.NewDispatcher(notify.DefaultDispatcherConfig(), zerolog.Nop())
	d.Register(&funcChannel{name: "hangup", send: func(context.Context) error {
		cancel()
		return nil
	}})
	clock := newClock()
	e := New(store.NewSQLiteStore(db), store.NewSQLiteHistory(db), d, WithClock(clock.Now))
	defer e.Close()

	a, err := e.CreateAlert(context.Background(), models.AlertSpec{Symbol: "AAPL", Condition: "price>200", Channels: []string{"hangup"}, CooldownMinutes: 5})
	require.NoError(t, err)

	triggers, err := e.CheckAlerts(ctx, models.MarketData{"AAPL": {"price": 205}})
	require.NoError(t, err)
	require.Len(t, triggers, 1)

	bg := context.Background()
	history, err := e.History(bg, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, triggers[0].ID, history[0].ID)

	stats, err := e.Stats(bg)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.TotalTriggers)

	got, err := e.GetAlert(bg, a.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastTriggeredAt)
	assert.True(t, got.LastTriggeredAt.Equal(clock.Now()))
}

func TestCheck_HistoryOrderFollowsTimestamps(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})

	d := notify.NewDispatcher(notify.DispatcherConfig{Timeout: 5 * time.Second}, zerolog.Nop())
	d.Register(&funcChannel{name: "slow", send: func(context.Context) error {
		close(entered)
		<-release
		return nil
	}})
	d.Register(&funcChannel{name: "fast", send: func(context.Context) error { return nil }})

	clock := newClock()
	e := New(store.NewMemoryStore(), store.NewMemoryHistory(), d, WithClock(clock.Now))
	defer e.Close()
	ctx := context.Background()

	_, err := e.CreateAlert(ctx, models.AlertSpec{Symbol: "AAPL", Condition: "price>200", Channels: []string{"slow"}})
	require.NoError(t, err)
	_, err = e.CreateAlert(ctx, models.AlertSpec{Symbol: "MSFT", Condition: "price>400", Channels: []string{"fast"}})
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := e.CheckAlerts(ctx, models.MarketData{"AAPL": {"price": 205}})
		assert.NoError(t, err)
	}()
	<-entered

	clock.Advance(time.Second)
	go func() {
		defer wg.Done()
		_, err := e.CheckAlerts(ctx, models.MarketData{"MSFT": {"price": 410}})
		assert.NoError(t, err)
	}()
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	history, err := e.History(ctx, 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "MSFT", history[0].Symbol)
	assert.Equal(t, "AAPL", history[1].Symbol)
	assert.True(t, history[0].Timestamp.After(history[1].Timestamp))
}
