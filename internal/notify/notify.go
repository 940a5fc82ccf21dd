// Package notify delivers alert triggers to console, file and webhook sinks.
package notify

import (
	"context"
	"fmt"
	"time"

	"market-alerts/internal/models"
	"market-alerts/pkg/utils"
)

// Channel is a named delivery sink.
type Channel interface {
	Name() string
	Send(ctx context.Context, n Notification) error
}

// RemoteChannel is implemented by channels that make outbound network
// calls. The dispatcher caps how many of those run at once.
type RemoteChannel interface {
	Channel
	IsRemote() bool
}

// NotificationType represents the type of notification.
type NotificationType string

const (
	NotificationAlert NotificationType = "alert"
	NotificationTest  NotificationType = "test"
)

// Notification represents a notification message.
type Notification struct {
	Type      NotificationType       `json:"type"`
	Title     string                 `json:"title"`
	Message   string                 `json:"message"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// NewTriggerNotification builds the payload sent for a trigger.
func NewTriggerNotification(t *models.AlertTrigger) Notification {
	return Notification{
		Type:  NotificationAlert,
		Title: fmt.Sprintf("Alert Triggered: %s", t.Symbol),
		Message: fmt.Sprintf(
			"Symbol: %s\nCondition: %s\nValue: %s\nTriggered at: %s",
			t.Symbol,
			t.Condition,
			utils.FormatValue(t.TriggeredValue),
			t.Timestamp.Format("15:04:05"),
		),
		Data: map[string]interface{}{
			"trigger_id":      t.ID,
			"alert_id":        t.AlertID,
			"symbol":          t.Symbol,
			"condition":       t.Condition,
			"triggered_value": t.TriggeredValue,
		},
		Timestamp: t.Timestamp,
	}
}

func isRemote(ch Channel) bool {
	r, ok := ch.(RemoteChannel)
	return ok && r.IsRemote()
}
