package reconcile

import (
	"time"

	"github.com/iaze0088/IazeConnect-sub004/internal/store"
	"github.com/iaze0088/IazeConnect-sub004/pkg/provider"
	"github.com/iaze0088/IazeConnect-sub004/pkg/validation"
)

type Source string

const (
	SourceWebhook Source = "webhook"
	SourcePoll    Source = "poll"
)

// StatusEvent is one normalized observation of an instance's connectivity.
// It is folded into the stored Instance and never persisted as-is.
type StatusEvent struct {
	Source      Source
	ObservedAt  time.Time
	EventType   string
	RawState    string
	Connected   bool
	PhoneNumber string
	QR          bool
}

// EventFromRaw turns a provider status answer into a poll event.
func EventFromRaw(raw provider.RawStatus) StatusEvent {
	connected := raw.Connected || provider.IsConnectedState(raw.State)
	return StatusEvent{
		Source:      SourcePoll,
		ObservedAt:  raw.ObservedAt,
		RawState:    raw.State,
		Connected:   connected,
		PhoneNumber: validation.NormalizePhone(raw.Phone),
		QR:          !connected && (raw.QRCode != "" || provider.IsQRState(raw.State)),
	}
}

// lastKnown is what the provider client falls back to during an outage.
func lastKnown(inst store.Instance) provider.RawStatus {
	raw := provider.RawStatus{
		State:     inst.RawState,
		Connected: inst.IsConnected,
		Phone:     inst.PhoneNumber,
	}
	if inst.LastPollAt != nil {
		raw.ObservedAt = *inst.LastPollAt
	} else {
		raw.ObservedAt = inst.UpdatedAt
	}
	return raw
}

// StatusView is the consumer-facing status of an instance.
type StatusView struct {
	InstanceName      string       `json:"instance_name"`
	TenantID          string       `json:"tenant_id"`
	Status            store.Status `json:"status"`
	Connected         bool         `json:"connected"`
	PhoneNumber       *string      `json:"phone_number"`
	LastWebhookAt     *time.Time   `json:"last_webhook_at"`
	LastWebhookEvent  string       `json:"last_webhook_event,omitempty"`
	LastPollAt        *time.Time   `json:"last_poll_at"`
	DisconnectedSince *time.Time   `json:"disconnected_since"`
	FromCache         bool         `json:"from_cache"`
	CreatedAt         time.Time    `json:"created_at"`
	UpdatedAt         time.Time    `json:"updated_at"`
}

func ViewOf(inst store.Instance) StatusView {
	view := StatusView{
		InstanceName:     inst.InstanceName,
		TenantID:         inst.TenantID,
		Status:           inst.Status,
		Connected:        inst.IsConnected,
		LastWebhookAt:    inst.LastWebhookAt,
		LastWebhookEvent: inst.LastWebhookEvent,
		LastPollAt:       inst.LastPollAt,
		CreatedAt:        inst.CreatedAt,
		UpdatedAt:        inst.UpdatedAt,
	}
	if inst.PhoneNumber != "" {
		phone := inst.PhoneNumber
		view.PhoneNumber = &phone
	}
	if inst.Status == store.StatusDisconnected {
		view.DisconnectedSince = inst.DisconnectedAt
	}
	return view
}
