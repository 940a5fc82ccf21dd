package engine

import (
	"context"
	"fmt"

	"market-alerts/internal/models"
	"market-alerts/internal/store"
)

// Stats summarises the alert set and delivery record.
func (e *Engine) Stats(ctx context.Context) (*models.AlertStats, error) {
	total, active, err := e.alerts.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("counting alerts: %w", err)
	}
	totals, err := e.history.Totals(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading history totals: %w", err)
	}

	return &models.AlertStats{
		TotalAlerts:          total,
		ActiveAlerts:         active,
		TotalTriggers:        totals.Triggers,
		TotalDeliveries:      totals.Deliveries,
		SuccessfulDeliveries: totals.Successes,
		DeliverySuccessRate:  SuccessRate(totals),
		Suppressed:           e.suppressed.Load(),
	}, nil
}

// SuccessRate is successes over attempts, or 0 when nothing was attempted.
func SuccessRate(t store.HistoryTotals) float64 {
	if t.Deliveries == 0 {
		return 0
	}
	return float64(t.Successes) / float64(t.Deliveries)
}
