package reconcile

import (
	"time"

	"github.com/iaze0088/IazeConnect-sub004/internal/store"
)

type Outcome int

const (
	// OutcomeApplied means the event was folded into the instance state.
	OutcomeApplied Outcome = iota
	// OutcomeStale means only bookkeeping changed: a QR signal after the
	// instance left the QR phase, or a signal older than the stored state.
	OutcomeStale
	// OutcomeClosed means the instance is closed and nothing changed.
	OutcomeClosed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeApplied:
		return "applied"
	case OutcomeStale:
		return "stale"
	case OutcomeClosed:
		return "closed"
	}
	return "unknown"
}

// Transition folds ev into current and returns the next instance state.
//
// A connected signal wins, keeping a known phone number when the event has
// none. A QR signal only moves created or qrcode to qrcode. Any other signal
// moves pre-connection states to connecting and connected to disconnected.
// closed absorbs everything.
//
// Connected and not-connected signals are ordered by ObservedAt: one observed
// before StateObservedAt is older news and can only reach the state an
// in-order delivery would have produced, so any arrival order of the same
// events converges on the same status.
func Transition(current store.Instance, ev StatusEvent) (store.Instance, Outcome) {
	if current.Status == store.StatusClosed {
		return current, OutcomeClosed
	}

	next := current.Clone()
	observed := ev.ObservedAt
	switch ev.Source {
	case SourceWebhook:
		next.LastWebhookAt = timeRef(observed)
		next.LastWebhookEvent = ev.EventType
	case SourcePoll:
		next.LastPollAt = timeRef(observed)
	}

	outcome := OutcomeApplied
	switch {
	case ev.Connected:
		outcome = applyConnected(&next, ev)
	case ev.QR:
		if next.Status != store.StatusCreated && next.Status != store.StatusQRCode {
			return next, OutcomeStale
		}
		next.Status = store.StatusQRCode
	default:
		outcome = applyNotConnected(&next, ev)
	}

	if outcome == OutcomeApplied && ev.RawState != "" {
		next.RawState = ev.RawState
	}
	next.IsConnected = next.Status == store.StatusConnected
	return next, outcome
}

func applyConnected(next *store.Instance, ev StatusEvent) Outcome {
	if ev.PhoneNumber != "" && (next.PhoneNumber == "" || !isOlder(ev.ObservedAt, next.StateObservedAt)) {
		next.PhoneNumber = ev.PhoneNumber
	}

	if !isOlder(ev.ObservedAt, next.StateObservedAt) {
		next.Status = store.StatusConnected
		next.DisconnectedAt = nil
		next.StateObservedAt = timeRef(ev.ObservedAt)
		return OutcomeApplied
	}

	// Older connected news: a later not-connected signal was already applied.
	switch next.Status {
	case store.StatusConnecting:
		next.Status = store.StatusDisconnected
		next.DisconnectedAt = timeRef(*next.StateObservedAt)
		return OutcomeApplied
	case store.StatusCreated, store.StatusQRCode:
		next.Status = store.StatusConnected
		return OutcomeApplied
	}
	return OutcomeStale
}

func applyNotConnected(next *store.Instance, ev StatusEvent) Outcome {
	older := isOlder(ev.ObservedAt, next.StateObservedAt)
	switch next.Status {
	case store.StatusCreated, store.StatusQRCode:
		next.Status = store.StatusConnecting
	case store.StatusConnecting:
		if older {
			return OutcomeStale
		}
	case store.StatusConnected:
		if older {
			return OutcomeStale
		}
		next.Status = store.StatusDisconnected
		next.DisconnectedAt = timeRef(ev.ObservedAt)
	case store.StatusDisconnected:
		if older {
			return OutcomeStale
		}
	}
	if !older {
		next.StateObservedAt = timeRef(ev.ObservedAt)
	}
	return OutcomeApplied
}

func isOlder(t time.Time, than *time.Time) bool {
	return than != nil && t.Before(*than)
}

func timeRef(t time.Time) *time.Time {
	v := t
	return &v
}

func isPolling(status store.Status) bool {
	switch status {
	case store.StatusCreated, store.StatusQRCode, store.StatusConnecting:
		return true
	}
	return false
}
