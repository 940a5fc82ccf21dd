// Package store provides persistence for alert definitions and trigger history.
package store

import (
	"context"
	"sort"
	"time"

	"market-alerts/internal/models"
)

// AlertStore persists alert definitions. Implementations must be safe for
// concurrent use. Lookups of unknown ids return (nil, nil).
type AlertStore interface {
	Insert(ctx context.Context, alert *models.Alert) error
	Get(ctx context.Context, id string) (*models.Alert, error)
	// List returns alerts ordered by creation time, then id.
	List(ctx context.Context, activeOnly bool) ([]*models.Alert, error)
	SetActive(ctx context.Context, id string, active bool) (*models.Alert, error)
	Delete(ctx context.Context, id string) (bool, error)
	// MarkTriggered sets last_triggered_at. Unknown ids are ignored since the
	// alert may have been deleted while its trigger was in flight.
	MarkTriggered(ctx context.Context, id string, at time.Time) error
	Count(ctx context.Context) (total, active int, err error)
	Close() error
}

// HistoryTotals aggregates the whole trigger history.
type HistoryTotals struct {
	Triggers   int64 `json:"triggers"`
	Deliveries int64 `json:"deliveries"`
	Successes  int64 `json:"successes"`
}

// HistoryLog is the append-only record of delivered triggers.
type HistoryLog interface {
	Append(ctx context.Context, trigger *models.AlertTrigger) error
	// Recent returns up to limit triggers, most recent first.
	Recent(ctx context.Context, limit int) ([]*models.AlertTrigger, error)
	Totals(ctx context.Context) (HistoryTotals, error)
	Close() error
}

// sortAlerts orders alerts by creation time, breaking ties by id.
func sortAlerts(alerts []*models.Alert) {
	sort.Slice(alerts, func(i, j int) bool {
		if !alerts[i].CreatedAt.Equal(alerts[j].CreatedAt) {
			return alerts[i].CreatedAt.Before(alerts[j].CreatedAt)
		}
		return alerts[i].ID < alerts[j].ID
	})
}

func totalsOf(t *models.AlertTrigger) HistoryTotals {
	attempts, successes := t.Deliveries()
	return HistoryTotals{Triggers: 1, Deliveries: int64(attempts), Successes: int64(successes)}
}

func (h *HistoryTotals) add(o HistoryTotals) {
	h.Triggers += o.Triggers
	h.Deliveries += o.Deliveries
	h.Successes += o.Successes
}
