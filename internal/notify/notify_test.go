package notify

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	apperrors "market-alerts/internal/errors"
	"market-alerts/internal/models"
	"market-alerts/internal/resilience"

	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	color.NoColor = true
}

func testTrigger() *models.AlertTrigger {
	return &models.AlertTrigger{
		ID:             "t-1",
		AlertID:        "a-1",
		Symbol:         "AAPL",
		Condition:      "price>200",
		TriggeredValue: 205,
		Timestamp:      time.Date(2024, 3, 1, 14, 30, 0, 0, time.UTC),
	}
}

// stubChannel is a scripted channel for dispatcher tests.
type stubChannel struct {
	name   string
	remote bool
	send   func(ctx context.Context) error
	calls  atomic.Int32
}

func (s *stubChannel) Name() string   { return s.name }
func (s *stubChannel) IsRemote() bool { return s.remote }
func (s *stubChannel) Send(ctx context.Context, _ Notification) error {
	s.calls.Add(1)
	if s.send == nil {
		return nil
	}
	return s.send(ctx)
}

type recordingObserver struct {
	ok, failed atomic.Int32
}

func (r *recordingObserver) ObserveDelivery(_ string, ok bool, _ time.Duration) {
	if ok {
		r.ok.Add(1)
	} else {
		r.failed.Add(1)
	}
}

func TestNewTriggerNotification(t *testing.T) {
	n := NewTriggerNotification(testTrigger())
	assert.Equal(t, NotificationAlert, n.Type)
	assert.Equal(t, "Alert Triggered: AAPL", n.Title)
	assert.Contains(t, n.Message, "Condition: price>200")
	assert.Contains(t, n.Message, "Value: 205")
	assert.Equal(t, "a-1", n.Data["alert_id"])
}

func TestConsoleChannel_Send(t *testing.T) {
	var buf bytes.Buffer
	ch := NewConsoleChannel(&buf)

	require.NoError(t, ch.Send(context.Background(), NewTriggerNotification(testTrigger())))
	out := buf.String()
	assert.Contains(t, out, "Alert Triggered: AAPL")
	assert.Contains(t, out, "alert a-1")
}

func TestFileChannel_AppendsJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "alerts.log")
	ch := NewFileChannel(FileConfig{Path: path, MaxSize: 1})
	defer ch.Close()

	n := NewTriggerNotification(testTrigger())
	require.NoError(t, ch.Send(context.Background(), n))
	require.NoError(t, ch.Send(context.Background(), n))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	lines := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var rec map[string]interface{}
		require.NoError(t, json.Unmarshal(sc.Bytes(), &rec))
		assert.Equal(t, "alert", rec["type"])
		lines++
	}
	assert.Equal(t, 2, lines)
}

func TestFileChannel_IOErrorFails(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "not-a-dir")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))

	ch := NewFileChannel(FileConfig{Path: filepath.Join(blocker, "alerts.log")})
	err := ch.Send(context.Background(), NewTriggerNotification(testTrigger()))
	assert.Error(t, err)
}

func TestWebhookChannel_PostsPayload(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	ch := NewWebhookChannel(WebhookConfig{URL: srv.URL})
	require.NoError(t, ch.Send(context.Background(), NewTriggerNotification(testTrigger())))

	assert.Equal(t, "alert", got["type"])
	data := got["data"].(map[string]interface{})
	assert.Equal(t, "AAPL", data["symbol"])
	assert.Equal(t, float64(205), data["triggered_value"])
}

func TestWebhookChannel_Non2xxIsFailure(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	ch := NewWebhookChannel(WebhookConfig{URL: srv.URL})
	err := ch.Send(context.Background(), NewTriggerNotification(testTrigger()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
	assert.Equal(t, int32(1), calls.Load(), "no retry by default")
}

func TestWebhookChannel_OptInRetry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ch := NewWebhookChannel(WebhookConfig{URL: srv.URL, MaxAttempts: 3, RetryDelay: time.Millisecond})
	require.NoError(t, ch.Send(context.Background(), NewTriggerNotification(testTrigger())))
	assert.Equal(t, int32(3), calls.Load())
}

func TestWebhookChannel_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	ch := NewWebhookChannel(WebhookConfig{URL: srv.URL, MaxAttempts: 5, RetryDelay: time.Millisecond})
	assert.Error(t, ch.Send(context.Background(), NewTriggerNotification(testTrigger())))
	assert.Equal(t, int32(1), calls.Load())
}

func TestWebhookChannel_BreakerOpens(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	breaker := resilience.NewCircuitBreaker("ops", resilience.CircuitBreakerConfig{FailureThreshold: 2, ResetTimeout: time.Hour})
	ch := NewWebhookChannel(WebhookConfig{Name: "ops", URL: srv.URL, Breaker: breaker})

	n := NewTriggerNotification(testTrigger())
	_ = ch.Send(context.Background(), n)
	_ = ch.Send(context.Background(), n)
	err := ch.Send(context.Background(), n)

	assert.ErrorIs(t, err, apperrors.ErrCircuitOpen)
	assert.Equal(t, int32(2), calls.Load())
}

func TestDispatch_PartialFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	var buf bytes.Buffer
	d := NewDispatcher(DefaultDispatcherConfig(), zerolog.Nop())
	d.Register(NewConsoleChannel(&buf))
	d.Register(NewWebhookChannel(WebhookConfig{URL: srv.URL}))
	obs := &recordingObserver{}
	d.SetObserver(obs)

	out := d.Dispatch(context.Background(), NewTriggerNotification(testTrigger()), []string{"console", "webhook"})

	require.Len(t, out, 2)
	assert.True(t, out["console"].OK())
	assert.Equal(t, models.DeliveryFailure, out["webhook"].Status)
	assert.Contains(t, out["webhook"].Reason, "500")
	assert.Equal(t, int32(1), obs.ok.Load())
	assert.Equal(t, int32(1), obs.failed.Load())
}

func TestDispatch_UnknownChannel(t *testing.T) {
	d := NewDispatcher(DefaultDispatcherConfig(), zerolog.Nop())
	d.Register(&stubChannel{name: "console"})

	out := d.Dispatch(context.Background(), Notification{}, []string{"console", "pager"})
	assert.True(t, out["console"].OK())
	assert.Equal(t, "unknown channel", out["pager"].Reason)
}

func TestDispatch_DuplicateNamesSendOnce(t *testing.T) {
	ch := &stubChannel{name: "console"}
	d := NewDispatcher(DefaultDispatcherConfig(), zerolog.Nop())
	d.Register(ch)

	out := d.Dispatch(context.Background(), Notification{}, []string{"console", "console"})
	assert.Len(t, out, 1)
	assert.Equal(t, int32(1), ch.calls.Load())
}

func TestDispatch_SlowChannelTimesOut(t *testing.T) {
	slow := &stubChannel{name: "slow", send: func(ctx context.Context) error {
		time.Sleep(2 * time.Second) // ignores ctx on purpose
		return nil
	}}
	fast := &stubChannel{name: "fast"}

	d := NewDispatcher(DispatcherConfig{Timeout: 50 * time.Millisecond}, zerolog.Nop())
	d.Register(slow)
	d.Register(fast)

	start := time.Now()
	out := d.Dispatch(context.Background(), Notification{}, []string{"slow", "fast"})

	assert.Less(t, time.Since(start), time.Second)
	assert.True(t, out["fast"].OK())
	assert.Equal(t, models.DeliveryFailure, out["slow"].Status)
	assert.Contains(t, out["slow"].Reason, "timeout")
}

func TestDispatch_PanicBecomesFailure(t *testing.T) {
	d := NewDispatcher(DefaultDispatcherConfig(), zerolog.Nop())
	d.Register(&stubChannel{name: "broken", send: func(context.Context) error { panic("nil map") }})
	d.Register(&stubChannel{name: "console"})

	out := d.Dispatch(context.Background(), Notification{}, []string{"broken", "console"})
	assert.True(t, out["console"].OK())
	assert.Contains(t, out["broken"].Reason, "panicked")
}

func TestDispatch_CapsRemoteConcurrency(t *testing.T) {
	var inFlight, peak atomic.Int32
	send := func(ctx context.Context) error {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
		return nil
	}

	d := NewDispatcher(DispatcherConfig{Timeout: 5 * time.Second, MaxConcurrentRemote: 2}, zerolog.Nop())
	var names []string
	for _, name := range []string{"h1", "h2", "h3", "h4", "h5", "h6"} {
		d.Register(&stubChannel{name: name, remote: true, send: send})
		names = append(names, name)
	}

	out := d.Dispatch(context.Background(), Notification{}, names)
	for _, name := range names {
		assert.True(t, out[name].OK(), name)
	}
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestDispatcher_NamesAndClose(t *testing.T) {
	d := NewDispatcher(DefaultDispatcherConfig(), zerolog.Nop())
	d.Register(NewConsoleChannel(&bytes.Buffer{}))
	d.Register(NewFileChannel(FileConfig{Path: filepath.Join(t.TempDir(), "a.log")}))

	assert.Equal(t, []string{"console", "file"}, d.Names())
	assert.True(t, d.Has("file"))
	assert.False(t, d.Has("webhook"))
	assert.NoError(t, d.Close())
}

func TestDispatcher_Test(t *testing.T) {
	d := NewDispatcher(DispatcherConfig{Timeout: 50 * time.Millisecond}, zerolog.Nop())
	var buf bytes.Buffer
	d.Register(NewConsoleChannel(&buf))
	d.Register(&stubChannel{name: "down", send: func(context.Context) error { return assert.AnError }})
	d.Register(&stubChannel{name: "slow", send: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})

	require.NoError(t, d.Test(context.Background(), "console"))
	assert.Contains(t, buf.String(), "Test notification")

	err := d.Test(context.Background(), "down")
	var de *apperrors.DeliveryError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "down", de.Channel)
	assert.ErrorIs(t, err, apperrors.ErrDeliveryFailed)

	err = d.Test(context.Background(), "slow")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timeout after 50ms")

	assert.ErrorIs(t, d.Test(context.Background(), "pager"), apperrors.ErrUnknownChannel)
}
