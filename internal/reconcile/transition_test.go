package reconcile

import (
	"fmt"
	"testing"
	"time"

	"github.com/iaze0088/IazeConnect-sub004/internal/store"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func at(seconds int) time.Time {
	return t0.Add(time.Duration(seconds) * time.Second)
}

func freshInstance() store.Instance {
	return store.Instance{
		InstanceName: "shop-1",
		TenantID:     "tenant-a",
		Status:       store.StatusCreated,
		CreatedAt:    t0,
		UpdatedAt:    t0,
	}
}

func connectedEvent(observed time.Time, phone string) StatusEvent {
	return StatusEvent{Source: SourceWebhook, ObservedAt: observed, EventType: "connection", RawState: "CONNECTED", Connected: true, PhoneNumber: phone}
}

func notConnectedEvent(observed time.Time) StatusEvent {
	return StatusEvent{Source: SourceWebhook, ObservedAt: observed, EventType: "status-find", RawState: "DISCONNECTED"}
}

func qrEvent(observed time.Time) StatusEvent {
	return StatusEvent{Source: SourceWebhook, ObservedAt: observed, EventType: "qrcode", RawState: "QRCODE", QR: true}
}

func fold(inst store.Instance, events ...StatusEvent) store.Instance {
	for _, ev := range events {
		inst, _ = Transition(inst, ev)
	}
	return inst
}

func permutations(events []StatusEvent) [][]StatusEvent {
	if len(events) <= 1 {
		return [][]StatusEvent{append([]StatusEvent(nil), events...)}
	}
	var out [][]StatusEvent
	for i := range events {
		rest := make([]StatusEvent, 0, len(events)-1)
		rest = append(rest, events[:i]...)
		rest = append(rest, events[i+1:]...)
		for _, p := range permutations(rest) {
			out = append(out, append([]StatusEvent{events[i]}, p...))
		}
	}
	return out
}

func TestTransitionTable(t *testing.T) {
	tests := []struct {
		name    string
		from    store.Status
		event   StatusEvent
		want    store.Status
		outcome Outcome
	}{
		{"created qr", store.StatusCreated, qrEvent(at(1)), store.StatusQRCode, OutcomeApplied},
		{"qrcode qr", store.StatusQRCode, qrEvent(at(1)), store.StatusQRCode, OutcomeApplied},
		{"created connected", store.StatusCreated, connectedEvent(at(1), ""), store.StatusConnected, OutcomeApplied},
		{"qrcode connected", store.StatusQRCode, connectedEvent(at(1), ""), store.StatusConnected, OutcomeApplied},
		{"connecting connected", store.StatusConnecting, connectedEvent(at(1), ""), store.StatusConnected, OutcomeApplied},
		{"disconnected connected", store.StatusDisconnected, connectedEvent(at(1), ""), store.StatusConnected, OutcomeApplied},
		{"created not connected", store.StatusCreated, notConnectedEvent(at(1)), store.StatusConnecting, OutcomeApplied},
		{"qrcode not connected", store.StatusQRCode, notConnectedEvent(at(1)), store.StatusConnecting, OutcomeApplied},
		{"connected not connected", store.StatusConnected, notConnectedEvent(at(1)), store.StatusDisconnected, OutcomeApplied},
		{"connected qr", store.StatusConnected, qrEvent(at(1)), store.StatusConnected, OutcomeStale},
		{"connecting qr", store.StatusConnecting, qrEvent(at(1)), store.StatusConnecting, OutcomeStale},
		{"disconnected qr", store.StatusDisconnected, qrEvent(at(1)), store.StatusDisconnected, OutcomeStale},
		{"closed connected", store.StatusClosed, connectedEvent(at(1), ""), store.StatusClosed, OutcomeClosed},
		{"closed qr", store.StatusClosed, qrEvent(at(1)), store.StatusClosed, OutcomeClosed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inst := freshInstance()
			inst.Status = tt.from
			got, outcome := Transition(inst, tt.event)
			if got.Status != tt.want || outcome != tt.outcome {
				t.Fatalf("Transition(%s) = %s/%s, want %s/%s", tt.from, got.Status, outcome, tt.want, tt.outcome)
			}
			if got.IsConnected != (got.Status == store.StatusConnected) {
				t.Fatalf("is_connected = %v with status %s", got.IsConnected, got.Status)
			}
		})
	}
}

func TestTransitionDisconnectRecordsTime(t *testing.T) {
	inst := fold(freshInstance(), connectedEvent(at(1), "5511999999999"), notConnectedEvent(at(5)))

	if inst.Status != store.StatusDisconnected || inst.IsConnected {
		t.Fatalf("status = %s connected=%v, want disconnected", inst.Status, inst.IsConnected)
	}
	if inst.DisconnectedAt == nil || !inst.DisconnectedAt.Equal(at(5)) {
		t.Fatalf("disconnected_at = %v, want %v", inst.DisconnectedAt, at(5))
	}
	if inst.PhoneNumber != "5511999999999" {
		t.Fatalf("phone = %q, want it retained after disconnect", inst.PhoneNumber)
	}
	if inst.LastWebhookEvent != "status-find" {
		t.Fatalf("last webhook event = %q", inst.LastWebhookEvent)
	}

	inst = fold(inst, connectedEvent(at(9), ""))
	if inst.Status != store.StatusConnected || inst.DisconnectedAt != nil {
		t.Fatalf("reconnect = %s disconnected_at=%v", inst.Status, inst.DisconnectedAt)
	}
	if inst.PhoneNumber != "5511999999999" {
		t.Fatalf("phone = %q, want kept when the event has none", inst.PhoneNumber)
	}
}

func TestTransitionStaleQRKeepsBookkeeping(t *testing.T) {
	inst := fold(freshInstance(), connectedEvent(at(1), "5511999999999"))
	raw := inst.RawState

	next, outcome := Transition(inst, qrEvent(at(2)))
	if outcome != OutcomeStale {
		t.Fatalf("outcome = %s, want stale", outcome)
	}
	if next.Status != store.StatusConnected || next.RawState != raw {
		t.Fatalf("stale qr changed state: %s raw=%q", next.Status, next.RawState)
	}
	if next.LastWebhookAt == nil || !next.LastWebhookAt.Equal(at(2)) || next.LastWebhookEvent != "qrcode" {
		t.Fatalf("bookkeeping not recorded: %v %q", next.LastWebhookAt, next.LastWebhookEvent)
	}
}

func TestTransitionPollSetsLastPollAt(t *testing.T) {
	ev := notConnectedEvent(at(3))
	ev.Source = SourcePoll
	inst := fold(freshInstance(), ev)

	if inst.LastPollAt == nil || !inst.LastPollAt.Equal(at(3)) {
		t.Fatalf("last_poll_at = %v", inst.LastPollAt)
	}
	if inst.LastWebhookAt != nil {
		t.Fatalf("poll must not touch last_webhook_at")
	}
}

func TestTransitionIdempotent(t *testing.T) {
	events := []StatusEvent{
		qrEvent(at(1)),
		connectedEvent(at(2), "5511999999999"),
		notConnectedEvent(at(3)),
	}
	for _, ev := range events {
		once := fold(freshInstance(), events[0], ev)
		twice := fold(once, ev)
		if once.Status != twice.Status || once.PhoneNumber != twice.PhoneNumber {
			t.Fatalf("event %q applied twice: %s/%q vs %s/%q", ev.EventType, once.Status, once.PhoneNumber, twice.Status, twice.PhoneNumber)
		}
	}
}

func TestTransitionOrderIndependent(t *testing.T) {
	tests := []struct {
		name       string
		events     []StatusEvent
		want       store.Status
		wantPhone  string
		wantDownAt *time.Time
	}{
		{
			name:       "scan then drop",
			events:     []StatusEvent{qrEvent(at(1)), connectedEvent(at(2), "5511999999999"), notConnectedEvent(at(3))},
			want:       store.StatusDisconnected,
			wantPhone:  "5511999999999",
			wantDownAt: timeRef(at(3)),
		},
		{
			name:      "drop then reconnect",
			events:    []StatusEvent{connectedEvent(at(1), "5511999999999"), notConnectedEvent(at(2)), connectedEvent(at(3), "")},
			want:      store.StatusConnected,
			wantPhone: "5511999999999",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for i, order := range permutations(tt.events) {
				got := fold(freshInstance(), order...)
				label := fmt.Sprintf("order %d", i)
				if got.Status != tt.want {
					t.Fatalf("%s: status = %s, want %s", label, got.Status, tt.want)
				}
				if got.PhoneNumber != tt.wantPhone {
					t.Fatalf("%s: phone = %q, want %q", label, got.PhoneNumber, tt.wantPhone)
				}
				switch {
				case tt.wantDownAt == nil && got.DisconnectedAt != nil:
					t.Fatalf("%s: disconnected_at = %v, want nil", label, got.DisconnectedAt)
				case tt.wantDownAt != nil && (got.DisconnectedAt == nil || !got.DisconnectedAt.Equal(*tt.wantDownAt)):
					t.Fatalf("%s: disconnected_at = %v, want %v", label, got.DisconnectedAt, tt.wantDownAt)
				}
			}
		})
	}
}

func TestTransitionClosedIsAbsorbing(t *testing.T) {
	inst := freshInstance()
	inst.Status = store.StatusClosed

	got := fold(inst, connectedEvent(at(1), "5511999999999"), notConnectedEvent(at(2)), qrEvent(at(3)))
	if got.Status != store.StatusClosed || got.PhoneNumber != "" || got.LastWebhookAt != nil {
		t.Fatalf("closed instance changed: %+v", got)
	}
}

func TestEventFromRaw(t *testing.T) {
	tests := []struct {
		name          string
		state         string
		connected     bool
		qr            string
		wantConnected bool
		wantQR        bool
	}{
		{"connected state", "CONNECTED", false, "", true, false},
		{"connected flag", "inChat", true, "", true, false},
		{"logged", "isLogged", false, "", true, false},
		{"qr state", "QRCODE", false, "", false, true},
		{"qr payload", "INITIALIZING", false, "data:image/png;base64,AA==", false, true},
		{"not logged", "notLogged", false, "", false, true},
		{"disconnected", "DISCONNECTED", false, "", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := EventFromRaw(rawStatus(tt.state, tt.connected, tt.qr))
			if ev.Connected != tt.wantConnected || ev.QR != tt.wantQR {
				t.Fatalf("EventFromRaw(%s) connected=%v qr=%v, want %v/%v", tt.state, ev.Connected, ev.QR, tt.wantConnected, tt.wantQR)
			}
			if ev.Source != SourcePoll {
				t.Fatalf("source = %s, want poll", ev.Source)
			}
		})
	}
}

func TestViewOfOnlyReportsDisconnectedSinceWhenDisconnected(t *testing.T) {
	inst := fold(freshInstance(), connectedEvent(at(1), "5511999999999"), notConnectedEvent(at(2)))
	view := ViewOf(inst)
	if view.DisconnectedSince == nil || view.PhoneNumber == nil || *view.PhoneNumber != "5511999999999" {
		t.Fatalf("view = %+v", view)
	}

	inst = fold(inst, connectedEvent(at(3), ""))
	if view := ViewOf(inst); view.DisconnectedSince != nil || !view.Connected {
		t.Fatalf("view after reconnect = %+v", view)
	}
}
