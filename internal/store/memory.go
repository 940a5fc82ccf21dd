package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"market-alerts/internal/models"
)

// MemoryStore is an in-process AlertStore. Reads return copies so callers
// never observe later mutations.
type MemoryStore struct {
	mu     sync.RWMutex
	alerts map[string]*models.Alert
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{alerts: make(map[string]*models.Alert)}
}

func (s *MemoryStore) Insert(_ context.Context, alert *models.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.alerts[alert.ID]; exists {
		return fmt.Errorf("alert %s already exists", alert.ID)
	}
	s.alerts[alert.ID] = alert.Clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*models.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.alerts[id].Clone(), nil
}

func (s *MemoryStore) List(_ context.Context, activeOnly bool) ([]*models.Alert, error) {
	s.mu.RLock()
	out := make([]*models.Alert, 0, len(s.alerts))
	for _, a := range s.alerts {
		if activeOnly && !a.Active {
			continue
		}
		out = append(out, a.Clone())
	}
	s.mu.RUnlock()

	sortAlerts(out)
	return out, nil
}

func (s *MemoryStore) SetActive(_ context.Context, id string, active bool) (*models.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alerts[id]
	if !ok {
		return nil, nil
	}
	a.Active = active
	return a.Clone(), nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.alerts[id]; !ok {
		return false, nil
	}
	delete(s.alerts, id)
	return true, nil
}

func (s *MemoryStore) MarkTriggered(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.alerts[id]; ok {
		a.LastTriggeredAt = &at
	}
	return nil
}

func (s *MemoryStore) Count(_ context.Context) (total, active int, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.alerts {
		if a.Active {
			active++
		}
	}
	return len(s.alerts), active, nil
}

func (s *MemoryStore) Close() error { return nil }

// MemoryHistory is an in-process HistoryLog.
type MemoryHistory struct {
	mu       sync.RWMutex
	triggers []*models.AlertTrigger
	totals   HistoryTotals
}

// NewMemoryHistory creates an empty MemoryHistory.
func NewMemoryHistory() *MemoryHistory {
	return &MemoryHistory{}
}

func (h *MemoryHistory) Append(_ context.Context, t *models.AlertTrigger) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.triggers = append(h.triggers, t.Clone())
	h.totals.add(totalsOf(t))
	return nil
}

func (h *MemoryHistory) Recent(_ context.Context, limit int) ([]*models.AlertTrigger, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if limit <= 0 {
		return []*models.AlertTrigger{}, nil
	}
	if limit > len(h.triggers) {
		limit = len(h.triggers)
	}
	out := make([]*models.AlertTrigger, 0, limit)
	for i := len(h.triggers) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, h.triggers[i].Clone())
	}
	return out, nil
}

func (h *MemoryHistory) Totals(_ context.Context) (HistoryTotals, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.totals, nil
}

func (h *MemoryHistory) Close() error { return nil }
