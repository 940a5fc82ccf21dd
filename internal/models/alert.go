// Package models provides the domain types shared by the alert engine.
package models

import "time"

// Alert represents a threshold monitoring rule on one symbol.
type Alert struct {
	ID              string     `json:"id" yaml:"id"`
	Symbol          string     `json:"symbol" yaml:"symbol"`
	Condition       string     `json:"condition" yaml:"condition"` // field OP threshold, e.g. price>200
	Channels        []string   `json:"channels" yaml:"channels"`
	CooldownMinutes int        `json:"cooldown_minutes" yaml:"cooldown_minutes"`
	MaxPerHour      int        `json:"max_per_hour" yaml:"max_per_hour"` // 0 = unbounded
	Active          bool       `json:"active" yaml:"active"`
	CreatedAt       time.Time  `json:"created_at" yaml:"created_at"`
	LastTriggeredAt *time.Time `json:"last_triggered_at,omitempty" yaml:"last_triggered_at,omitempty"`
}

// Cooldown returns the cooldown as a duration.
func (a *Alert) Cooldown() time.Duration {
	return time.Duration(a.CooldownMinutes) * time.Minute
}

// Clone returns a deep copy so callers never share slices or pointers with a store.
func (a *Alert) Clone() *Alert {
	if a == nil {
		return nil
	}
	c := *a
	c.Channels = append([]string(nil), a.Channels...)
	if a.LastTriggeredAt != nil {
		t := *a.LastTriggeredAt
		c.LastTriggeredAt = &t
	}
	return &c
}

// AlertSpec is the input for creating an alert.
type AlertSpec struct {
	Symbol          string   `json:"symbol" yaml:"symbol" validate:"required,max=64"`
	Condition       string   `json:"condition" yaml:"condition" validate:"required,max=256"`
	Channels        []string `json:"channels" yaml:"channels" validate:"required,min=1,dive,required"`
	CooldownMinutes int      `json:"cooldown_minutes" yaml:"cooldown_minutes" validate:"gte=0"`
	MaxPerHour      int      `json:"max_per_hour" yaml:"max_per_hour" validate:"gte=0"`
}

// DeliveryStatus is the outcome of one channel send.
type DeliveryStatus string

const (
	DeliverySuccess DeliveryStatus = "success"
	DeliveryFailure DeliveryStatus = "failure"
)

// DeliveryOutcome records the result of sending a trigger to one channel.
type DeliveryOutcome struct {
	Status   DeliveryStatus `json:"status"`
	Reason   string         `json:"reason,omitempty"`
	Duration time.Duration  `json:"duration_ns"`
}

// OK reports whether the delivery succeeded.
func (o DeliveryOutcome) OK() bool {
	return o.Status == DeliverySuccess
}

// AlertTrigger is an immutable record of one delivered evaluation.
type AlertTrigger struct {
	ID             string                     `json:"id"`
	AlertID        string                     `json:"alert_id"`
	Symbol         string                     `json:"symbol"`
	Condition      string                     `json:"condition"`
	TriggeredValue float64                    `json:"triggered_value"`
	Timestamp      time.Time                  `json:"timestamp"`
	DeliveryStatus map[string]DeliveryOutcome `json:"delivery_status"`
}

// Clone returns a copy that shares no map with t.
func (t *AlertTrigger) Clone() *AlertTrigger {
	if t == nil {
		return nil
	}
	c := *t
	if t.DeliveryStatus != nil {
		c.DeliveryStatus = make(map[string]DeliveryOutcome, len(t.DeliveryStatus))
		for name, o := range t.DeliveryStatus {
			c.DeliveryStatus[name] = o
		}
	}
	return &c
}

// Deliveries returns the number of attempted and successful channel deliveries.
func (t *AlertTrigger) Deliveries() (attempts, successes int) {
	for _, o := range t.DeliveryStatus {
		attempts++
		if o.OK() {
			successes++
		}
	}
	return attempts, successes
}

// MarketData maps symbol -> field -> value.
type MarketData map[string]map[string]float64

// AlertStats summarises the alert set and its delivery record.
type AlertStats struct {
	TotalAlerts          int     `json:"total_alerts"`
	ActiveAlerts         int     `json:"active_alerts"`
	TotalTriggers        int64   `json:"total_triggers"`
	TotalDeliveries      int64   `json:"total_deliveries"`
	SuccessfulDeliveries int64   `json:"successful_deliveries"`
	DeliverySuccessRate  float64 `json:"delivery_success_rate"`
	Suppressed           int64   `json:"suppressed"`
}
