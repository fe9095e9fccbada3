package provider

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrProviderUnavailable is returned when the remote session service cannot be
// reached or answers with a server-side failure.
var ErrProviderUnavailable = errors.New("messaging provider unavailable")

// Raw provider states. Providers are inconsistent about which of these they
// report in "state" and which in "status", so both fields are checked.
const (
	StateConnected    = "CONNECTED"
	StateIsLogged     = "isLogged"
	StateQRCode       = "QRCODE"
	StateQRRead       = "qrRead"
	StateNotLogged    = "notLogged"
	StateInitializing = "INITIALIZING"
	StateClosed       = "CLOSED"
	StateNotFound     = "NOT_FOUND"
	StateDisconnected = "DISCONNECTED"
)

// RawStatus is what a provider reports about a session, before any
// reconciliation.
type RawStatus struct {
	State      string    `json:"state"`
	Connected  bool      `json:"connected"`
	Phone      string    `json:"phone_number,omitempty"`
	QRCode     string    `json:"qr_code,omitempty"`
	FromCache  bool      `json:"from_cache"`
	ObservedAt time.Time `json:"observed_at"`
}

// CreateResult is the outcome of a session create. Token may be set on a
// failed create when the provider issued one before failing.
type CreateResult struct {
	Success   bool
	QRCode    string
	RawStatus RawStatus
	Token     string
	Message   string
}

type CloseResult struct {
	Success bool
	Message string
}

// Provider is the tri-operation contract every messaging backend implements.
//
// GetStatus never fails: when the provider cannot be reached it returns
// lastKnown with FromCache set. CloseSession is idempotent.
type Provider interface {
	Name() string
	CreateSession(ctx context.Context, name string, webhookURL string) (CreateResult, error)
	GetStatus(ctx context.Context, name string, token string, lastKnown RawStatus) RawStatus
	CloseSession(ctx context.Context, name string, token string) (CloseResult, error)
}

// EventSink receives connection events from providers running in-process,
// shaped exactly like an inbound webhook.
type EventSink func(ctx context.Context, event string, session string, data map[string]interface{})

// IsConnectedState reports whether a raw state or status literal means the
// session is logged in.
func IsConnectedState(state string) bool {
	return state == StateConnected || state == StateIsLogged
}

// IsQRState reports whether a raw state or status literal means a QR code is
// waiting to be scanned.
func IsQRState(state string) bool {
	switch state {
	case StateQRCode, "qrcode", StateQRRead, StateNotLogged:
		return true
	}
	return false
}

// IsQREvent reports whether a webhook event name announces a QR code.
func IsQREvent(event string) bool {
	switch strings.ToLower(event) {
	case "qrcode", "qr", "qrcode.updated":
		return true
	}
	return false
}

func cached(lastKnown RawStatus) RawStatus {
	lastKnown.FromCache = true
	return lastKnown
}
