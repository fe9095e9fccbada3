// Package ingest turns provider webhook payloads into status events.
package ingest

import (
	"errors"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cast"

	"github.com/iaze0088/IazeConnect-sub004/internal/reconcile"
	"github.com/iaze0088/IazeConnect-sub004/pkg/provider"
	"github.com/iaze0088/IazeConnect-sub004/pkg/validation"
)

var (
	ErrMalformed = errors.New("malformed webhook payload")
	// ErrNotStatusEvent marks payloads that carry no connectivity signal.
	ErrNotStatusEvent = errors.New("payload carries no status signal")
)

// Payload is the envelope every provider sends. Providers that put the
// status fields next to event and session get them folded into Data.
type Payload struct {
	Event   string                 `json:"event" mapstructure:"event"`
	Session string                 `json:"session" mapstructure:"session"`
	Data    map[string]interface{} `json:"data" mapstructure:"data"`
	Extra   map[string]interface{} `json:"-" mapstructure:",remain"`
}

// statusFields are the keys providers use for connectivity, in any type.
type statusFields struct {
	State     string      `mapstructure:"state"`
	Status    string      `mapstructure:"status"`
	Connected interface{} `mapstructure:"connected"`
	Phone     interface{} `mapstructure:"phone"`
	Number    interface{} `mapstructure:"number"`
	Wid       interface{} `mapstructure:"wid"`
	QRCode    string      `mapstructure:"qrcode"`
	Timestamp interface{} `mapstructure:"timestamp"`
}

var statusEventTypes = map[string]struct{}{
	"connection":     {},
	"status-find":    {},
	"state-change":   {},
	"onstatechange":  {},
	"session.status": {},
	"logout":         {},
	"disconnected":   {},
}

var messageEventTypes = map[string]struct{}{
	"onmessage":        {},
	"message":          {},
	"message.received": {},
}

// Decode reads a loosely shaped JSON object into a Payload.
func Decode(raw map[string]interface{}) (Payload, error) {
	var p Payload
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &p,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return Payload{}, err
	}
	if err := decoder.Decode(raw); err != nil {
		return Payload{}, errors.Join(ErrMalformed, err)
	}
	if p.Data == nil {
		p.Data = make(map[string]interface{}, len(p.Extra))
	}
	for k, v := range p.Extra {
		if _, ok := p.Data[k]; !ok {
			p.Data[k] = v
		}
	}
	p.Extra = nil
	return p, nil
}

// IsMessage reports whether the payload announces an inbound message.
func (p Payload) IsMessage() bool {
	_, ok := messageEventTypes[strings.ToLower(p.Event)]
	return ok
}

// Normalize maps a payload onto one StatusEvent. receivedAt stands in for
// the observation time when the provider sends no timestamp.
func Normalize(p Payload, receivedAt time.Time) (reconcile.StatusEvent, error) {
	if strings.TrimSpace(p.Session) == "" || strings.TrimSpace(p.Event) == "" {
		return reconcile.StatusEvent{}, ErrMalformed
	}

	var f statusFields
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &f,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return reconcile.StatusEvent{}, err
	}
	if err := decoder.Decode(p.Data); err != nil {
		return reconcile.StatusEvent{}, errors.Join(ErrMalformed, err)
	}

	state := f.State
	if state == "" {
		state = f.Status
	}
	connectedFlag, hasFlag := connectedFlag(f.Connected)

	_, isStatusEvent := statusEventTypes[strings.ToLower(p.Event)]
	isQREvent := provider.IsQREvent(p.Event)
	if !isStatusEvent && !isQREvent && state == "" && !hasFlag {
		return reconcile.StatusEvent{}, ErrNotStatusEvent
	}

	// state and status carry the same literals depending on the event shape.
	connected := provider.IsConnectedState(f.State) ||
		provider.IsConnectedState(f.Status) ||
		connectedFlag

	ev := reconcile.StatusEvent{
		Source:      reconcile.SourceWebhook,
		ObservedAt:  observedAt(f.Timestamp, receivedAt),
		EventType:   p.Event,
		RawState:    state,
		Connected:   connected,
		PhoneNumber: phoneOf(f),
		QR:          !connected && (isQREvent || provider.IsQRState(f.State) || provider.IsQRState(f.Status)),
	}
	return ev, nil
}

func connectedFlag(v interface{}) (value bool, present bool) {
	if v == nil {
		return false, false
	}
	b, err := cast.ToBoolE(v)
	if err != nil {
		return false, false
	}
	return b, true
}

func phoneOf(f statusFields) string {
	for _, candidate := range []interface{}{f.Phone, f.Number, f.Wid} {
		var raw string
		switch v := candidate.(type) {
		case nil:
			continue
		case map[string]interface{}:
			raw = cast.ToString(v["user"])
			if raw == "" {
				raw = cast.ToString(v["_serialized"])
			}
		default:
			raw = cast.ToString(v)
		}
		if phone := validation.NormalizePhone(raw); phone != "" {
			return phone
		}
	}
	return ""
}

// observedAt accepts unix seconds, unix milliseconds or RFC3339. Anything
// unusable, or more than a minute in the future, falls back to receivedAt.
func observedAt(v interface{}, receivedAt time.Time) time.Time {
	if v == nil {
		return receivedAt
	}
	var t time.Time
	switch ts := v.(type) {
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return receivedAt
		}
		t = parsed
	default:
		n, err := cast.ToInt64E(ts)
		if err != nil || n <= 0 {
			return receivedAt
		}
		if n > 1e12 {
			t = time.UnixMilli(n)
		} else {
			t = time.Unix(n, 0)
		}
	}
	if t.After(receivedAt.Add(time.Minute)) {
		return receivedAt
	}
	return t.UTC()
}
