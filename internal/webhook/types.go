package webhook

import (
	"errors"
	"time"

	"github.com/iaze0088/IazeConnect-sub004/internal/store"
)

type EventType string

const (
	EventConnectionQRCode       EventType = "connection.qrcode"
	EventConnectionConnecting   EventType = "connection.connecting"
	EventConnectionConnected    EventType = "connection.connected"
	EventConnectionDisconnected EventType = "connection.disconnected"
	EventConnectionClosed       EventType = "connection.closed"
	EventTestPing               EventType = "test.ping"
)

var AllEventTypes = []EventType{
	EventConnectionQRCode,
	EventConnectionConnecting,
	EventConnectionConnected,
	EventConnectionDisconnected,
	EventConnectionClosed,
}

// EventTypeFor maps a stored status to the notification announcing it.
func EventTypeFor(status store.Status) (EventType, bool) {
	switch status {
	case store.StatusQRCode:
		return EventConnectionQRCode, true
	case store.StatusConnecting:
		return EventConnectionConnecting, true
	case store.StatusConnected:
		return EventConnectionConnected, true
	case store.StatusDisconnected:
		return EventConnectionDisconnected, true
	case store.StatusClosed:
		return EventConnectionClosed, true
	}
	return "", false
}

func ValidEventType(t EventType) bool {
	for _, known := range AllEventTypes {
		if known == t {
			return true
		}
	}
	return false
}

type DeliveryStatus string

const (
	DeliverySuccess DeliveryStatus = "success"
	DeliveryFailed  DeliveryStatus = "failed"
)

var ErrNotFound = errors.New("webhook not found")

// Subscription is a tenant's endpoint for connection notifications. An empty
// Events list receives everything.
type Subscription struct {
	ID        int64       `json:"id"`
	TenantID  string      `json:"tenant_id"`
	URL       string      `json:"url"`
	Secret    string      `json:"-"`
	Events    []EventType `json:"events"`
	Active    bool        `json:"active"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

func (s Subscription) Wants(t EventType) bool {
	if t == EventTestPing || len(s.Events) == 0 {
		return true
	}
	for _, evt := range s.Events {
		if evt == t {
			return true
		}
	}
	return false
}

type Event struct {
	ID           string                 `json:"id"`
	EventType    EventType              `json:"event_type"`
	TenantID     string                 `json:"tenant_id"`
	InstanceName string                 `json:"instance_name,omitempty"`
	Timestamp    time.Time              `json:"timestamp"`
	Data         map[string]interface{} `json:"data"`
}

type DeliveryLog struct {
	ID           int64          `json:"id"`
	WebhookID    int64          `json:"webhook_id"`
	EventID      string         `json:"event_id"`
	EventType    EventType      `json:"event_type"`
	Status       DeliveryStatus `json:"status"`
	AttemptCount int            `json:"attempt_count"`
	LastError    string         `json:"last_error,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}
