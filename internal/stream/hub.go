// Package stream fans delivered alert triggers out to live subscribers.
package stream

import (
	"sync"
	"time"

	"market-alerts/internal/models"
)

// AllSymbols subscribes to triggers of every symbol.
const AllSymbols = ""

// HubConfig holds configuration for the Hub.
type HubConfig struct {
	// SubscriberBufferSize is the size of each subscriber's channel buffer.
	SubscriberBufferSize int
}

// DefaultHubConfig returns the default hub configuration.
func DefaultHubConfig() HubConfig {
	return HubConfig{SubscriberBufferSize: 64}
}

// Hub distributes triggers to subscribers. Publishing never blocks: a
// subscriber whose buffer is full misses the trigger.
type Hub struct {
	config      HubConfig
	mu          sync.RWMutex
	subscribers map[string][]*Subscriber
	closed      bool

	metricsMu sync.Mutex
	published uint64
	delivered uint64
	dropped   uint64
}

// Subscriber represents a channel subscriber with metadata.
type Subscriber struct {
	Symbol       string
	Channel      chan *models.AlertTrigger
	DroppedCount int
	CreatedAt    time.Time
}

// NewHub creates a new hub with default configuration.
func NewHub() *Hub {
	return NewHubWithConfig(DefaultHubConfig())
}

// NewHubWithConfig creates a new hub with custom configuration.
func NewHubWithConfig(config HubConfig) *Hub {
	if config.SubscriberBufferSize <= 0 {
		config.SubscriberBufferSize = DefaultHubConfig().SubscriberBufferSize
	}
	return &Hub{
		config:      config,
		subscribers: make(map[string][]*Subscriber),
	}
}

// Subscribe returns a channel receiving triggers for symbol, or for every
// symbol when symbol is AllSymbols. The channel is closed by Unsubscribe or
// Stop.
func (h *Hub) Subscribe(symbol string) <-chan *models.AlertTrigger {
	ch := make(chan *models.AlertTrigger, h.config.SubscriberBufferSize)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return ch
	}
	h.subscribers[symbol] = append(h.subscribers[symbol], &Subscriber{
		Symbol:    symbol,
		Channel:   ch,
		CreatedAt: time.Now(),
	})
	return ch
}

// Unsubscribe removes a subscriber channel and closes it.
func (h *Hub) Unsubscribe(ch <-chan *models.AlertTrigger) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for symbol, subs := range h.subscribers {
		for i, sub := range subs {
			if sub.Channel != ch {
				continue
			}
			close(sub.Channel)
			h.subscribers[symbol] = append(subs[:i], subs[i+1:]...)
			if len(h.subscribers[symbol]) == 0 {
				delete(h.subscribers, symbol)
			}
			return
		}
	}
}

// Publish sends a trigger to the subscribers of its symbol and to wildcard
// subscribers.
func (h *Hub) Publish(t *models.AlertTrigger) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}

	var delivered, dropped uint64
	for _, key := range []string{t.Symbol, AllSymbols} {
		for _, sub := range h.subscribers[key] {
			select {
			case sub.Channel <- t:
				delivered++
			default:
				sub.DroppedCount++
				dropped++
			}
		}
		if t.Symbol == AllSymbols {
			break
		}
	}

	h.metricsMu.Lock()
	h.published++
	h.delivered += delivered
	h.dropped += dropped
	h.metricsMu.Unlock()
}

// Stop closes all subscriber channels. Later publishes are ignored.
func (h *Hub) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for symbol, subs := range h.subscribers {
		for _, sub := range subs {
			close(sub.Channel)
		}
		delete(h.subscribers, symbol)
	}
}

// SubscriberCount returns the total number of subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	count := 0
	for _, subs := range h.subscribers {
		count += len(subs)
	}
	return count
}

// HubMetrics contains hub counters.
type HubMetrics struct {
	Published   uint64
	Delivered   uint64
	Dropped     uint64
	Subscribers int
}

// Metrics returns hub counters.
func (h *Hub) Metrics() HubMetrics {
	h.metricsMu.Lock()
	m := HubMetrics{Published: h.published, Delivered: h.delivered, Dropped: h.dropped}
	h.metricsMu.Unlock()
	m.Subscribers = h.SubscriberCount()
	return m
}
