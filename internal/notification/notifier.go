// Package notification delivers operator alerts for trading events that
// need a human: credential auth failures, failsafe position closes, service
// heartbeat gaps.
package notification

import (
	"context"
	"fmt"
	"log"
)

// AlertLevel represents the severity of an alert.
type AlertLevel string

const (
	AlertInfo     AlertLevel = "INFO"
	AlertWarning  AlertLevel = "WARNING"
	AlertCritical AlertLevel = "CRITICAL"
)

// Alert event kinds, stable machine-readable names for receiver routing.
const (
	EventAuthFailure  = "auth_failure"
	EventForceClose   = "force_close"
	EventHeartbeatGap = "heartbeat_gap"
)

// Alert is one operator notification. Event identifies what happened;
// BotID/Symbol/Service are filled when the alert concerns a specific bot or
// pipeline service, so receivers can route without parsing Message.
type Alert struct {
	Level   AlertLevel `json:"level"`
	Event   string     `json:"event"`
	Message string     `json:"message"`
	BotID   string     `json:"bot_id,omitempty"`
	Symbol  string     `json:"symbol,omitempty"`
	Service string     `json:"service,omitempty"`
}

// Notifier is the interface for all notification backends.
type Notifier interface {
	// Send delivers an alert. Returns error if delivery fails.
	Send(ctx context.Context, alert Alert) error
}

// AuthFailure builds the alert for a credential rejected by the exchange.
// Auth errors are never retried, so the owner must rotate the key.
func AuthFailure(botID, credentialID string, err error) Alert {
	return Alert{
		Level:   AlertCritical,
		Event:   EventAuthFailure,
		Message: fmt.Sprintf("exchange rejected credential %s: %v", credentialID, err),
		BotID:   botID,
	}
}

// ForceClose builds the alert for a failsafe market close.
func ForceClose(botID, symbol string) Alert {
	return Alert{
		Level:   AlertCritical,
		Event:   EventForceClose,
		Message: "protective leg would trigger immediately, position flattened at market",
		BotID:   botID,
		Symbol:  symbol,
	}
}

// HeartbeatGap builds the alert for a service whose liveness key expired.
func HeartbeatGap(service string) Alert {
	return Alert{
		Level:   AlertWarning,
		Event:   EventHeartbeatGap,
		Message: "no heartbeat; check the process and its Redis connection",
		Service: service,
	}
}

// LogNotifier logs alerts instead of delivering them. Default when no
// webhook is configured.
type LogNotifier struct{}

// NewLogNotifier creates a log-based notifier.
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{}
}

func (n *LogNotifier) Send(ctx context.Context, alert Alert) error {
	subject := alert.BotID
	if subject == "" {
		subject = alert.Service
	}
	log.Printf("[notify] [%s] %s %s %s: %s", alert.Level, alert.Event, subject, alert.Symbol, alert.Message)
	return nil
}
