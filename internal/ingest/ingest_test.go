package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/iaze0088/IazeConnect-sub004/internal/reconcile"
	"github.com/iaze0088/IazeConnect-sub004/internal/store"
	"github.com/iaze0088/IazeConnect-sub004/pkg/tenant"
)

var received = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestNormalizeConnectedSignals(t *testing.T) {
	tests := []struct {
		name string
		data map[string]interface{}
		want bool
	}{
		{"state CONNECTED", map[string]interface{}{"state": "CONNECTED"}, true},
		{"state isLogged", map[string]interface{}{"state": "isLogged"}, true},
		{"status isLogged", map[string]interface{}{"status": "isLogged"}, true},
		{"connected true", map[string]interface{}{"connected": true}, true},
		{"connected string", map[string]interface{}{"connected": "true"}, true},
		{"connected false", map[string]interface{}{"connected": false}, false},
		{"status CONNECTED", map[string]interface{}{"status": "CONNECTED"}, true},
		{"status DISCONNECTED", map[string]interface{}{"status": "DISCONNECTED"}, false},
		{"disconnected", map[string]interface{}{"state": "DISCONNECTED"}, false},
		{"mixed", map[string]interface{}{"state": "OPENING", "connected": true}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := Normalize(Payload{Event: "status-find", Session: "shop-1", Data: tt.data}, received)
			if err != nil {
				t.Fatalf("Normalize: %v", err)
			}
			if ev.Connected != tt.want {
				t.Fatalf("connected = %v, want %v", ev.Connected, tt.want)
			}
			if ev.Source != reconcile.SourceWebhook || ev.EventType != "status-find" {
				t.Fatalf("event = %+v", ev)
			}
		})
	}
}

func TestNormalizeStatusFieldMatchesPoll(t *testing.T) {
	ev, err := Normalize(Payload{
		Event:   "connection",
		Session: "shop-1",
		Data:    map[string]interface{}{"status": "CONNECTED", "phone": "5511999990000"},
	}, received)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if !ev.Connected || ev.RawState != "CONNECTED" || ev.PhoneNumber != "5511999990000" || ev.QR {
		t.Fatalf("event = %+v", ev)
	}
}

func TestNormalizeQRSignals(t *testing.T) {
	tests := []struct {
		name  string
		event string
		data  map[string]interface{}
		want  bool
	}{
		{"qrcode event", "qrcode", nil, true},
		{"qr event", "qr", nil, true},
		{"qrcode.updated", "QRCODE.UPDATED", nil, true},
		{"qr state", "status-find", map[string]interface{}{"status": "qrRead"}, true},
		{"notLogged", "status-find", map[string]interface{}{"status": "notLogged"}, true},
		{"qr but connected", "qrcode", map[string]interface{}{"connected": true}, false},
		{"plain disconnect", "status-find", map[string]interface{}{"connected": false}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := Normalize(Payload{Event: tt.event, Session: "shop-1", Data: tt.data}, received)
			if err != nil {
				t.Fatalf("Normalize: %v", err)
			}
			if ev.QR != tt.want {
				t.Fatalf("qr = %v, want %v", ev.QR, tt.want)
			}
		})
	}
}

func TestNormalizePhone(t *testing.T) {
	tests := []struct {
		name string
		data map[string]interface{}
		want string
	}{
		{"phone", map[string]interface{}{"phone": "5511999999999"}, "5511999999999"},
		{"number as json number", map[string]interface{}{"number": float64(5511999999999)}, "5511999999999"},
		{"wid string", map[string]interface{}{"wid": "5511999999999@c.us"}, "5511999999999"},
		{"wid object", map[string]interface{}{"wid": map[string]interface{}{"user": "5511999999999", "server": "c.us"}}, "5511999999999"},
		{"formatted", map[string]interface{}{"phone": "+55 (11) 99999-9999"}, "5511999999999"},
		{"garbage", map[string]interface{}{"phone": "n/a"}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.data["state"] = "CONNECTED"
			ev, err := Normalize(Payload{Event: "connection", Session: "shop-1", Data: tt.data}, received)
			if err != nil {
				t.Fatalf("Normalize: %v", err)
			}
			if ev.PhoneNumber != tt.want {
				t.Fatalf("phone = %q, want %q", ev.PhoneNumber, tt.want)
			}
		})
	}
}

func TestNormalizeRejects(t *testing.T) {
	if _, err := Normalize(Payload{Event: "connection"}, received); !errors.Is(err, ErrMalformed) {
		t.Fatalf("missing session = %v, want ErrMalformed", err)
	}
	if _, err := Normalize(Payload{Event: "onack", Session: "shop-1", Data: map[string]interface{}{"ack": 3}}, received); !errors.Is(err, ErrNotStatusEvent) {
		t.Fatalf("ack event = %v, want ErrNotStatusEvent", err)
	}
}

func TestNormalizeObservedAt(t *testing.T) {
	tests := []struct {
		name string
		ts   interface{}
		want time.Time
	}{
		{"missing", nil, received},
		{"unix seconds", float64(received.Add(-time.Minute).Unix()), received.Add(-time.Minute)},
		{"unix millis", float64(received.Add(-time.Second).UnixMilli()), received.Add(-time.Second)},
		{"rfc3339", received.Add(-time.Hour).Format(time.RFC3339), received.Add(-time.Hour)},
		{"future", float64(received.Add(time.Hour).Unix()), received},
		{"junk", "yesterday", received},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := map[string]interface{}{"state": "CONNECTED"}
			if tt.ts != nil {
				data["timestamp"] = tt.ts
			}
			ev, err := Normalize(Payload{Event: "connection", Session: "shop-1", Data: data}, received)
			if err != nil {
				t.Fatalf("Normalize: %v", err)
			}
			if !ev.ObservedAt.Equal(tt.want) {
				t.Fatalf("observed_at = %v, want %v", ev.ObservedAt, tt.want)
			}
		})
	}
}

func TestDecodeFoldsTopLevelFields(t *testing.T) {
	p, err := Decode(map[string]interface{}{
		"event":   "status-find",
		"session": "shop-1",
		"status":  "isLogged",
	})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if p.Data["status"] != "isLogged" {
		t.Fatalf("data = %v", p.Data)
	}

	if _, err := Decode(map[string]interface{}{"event": "x", "session": "y", "data": "nope"}); !errors.Is(err, ErrMalformed) {
		t.Fatalf("string data = %v, want ErrMalformed", err)
	}
}

type fakeRouter struct {
	instances map[string]store.Instance
}

func (r fakeRouter) Route(ctx context.Context, name string) (*store.Instance, error) {
	inst, ok := r.instances[name]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &inst, nil
}

type fakeEngine struct {
	mu      sync.Mutex
	applied []reconcile.StatusEvent
	scopes  []tenant.Scope
	err     error
}

func (e *fakeEngine) Apply(ctx context.Context, scope tenant.Scope, name string, ev reconcile.StatusEvent) (reconcile.ApplyResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.applied = append(e.applied, ev)
	e.scopes = append(e.scopes, scope)
	return reconcile.ApplyResult{}, e.err
}

type fakeReceives struct {
	counts map[string]int
}

func (r *fakeReceives) RecordReceived(ctx context.Context, name string) error {
	r.counts[name]++
	return nil
}

func newTestIngestor(engine *fakeEngine) (*Ingestor, *fakeReceives) {
	routes := fakeRouter{instances: map[string]store.Instance{
		"shop-1": {InstanceName: "shop-1", TenantID: "tenant-a", Status: store.StatusQRCode},
	}}
	receives := &fakeReceives{counts: make(map[string]int)}
	return New(engine, routes, receives), receives
}

func TestIngestorHandle(t *testing.T) {
	ctx := context.Background()
	engine := &fakeEngine{}
	ing, receives := newTestIngestor(engine)

	res := ing.HandleRaw(ctx, nil, map[string]interface{}{
		"event":   "connection",
		"session": "shop-1",
		"data":    map[string]interface{}{"state": "CONNECTED", "phone": "5511999999999"},
	})
	if res.Kind != KindAccepted || !res.Success() {
		t.Fatalf("result = %+v", res)
	}
	if len(engine.applied) != 1 || !engine.applied[0].Connected || engine.scopes[0] != tenant.ForTenant("tenant-a") {
		t.Fatalf("applied = %+v scopes=%+v", engine.applied, engine.scopes)
	}

	if res := ing.Handle(ctx, nil, Payload{Event: "qrcode", Session: "ghost"}); res.Kind != KindIgnored || !res.Success() {
		t.Fatalf("unknown session = %+v", res)
	}
	if res := ing.Handle(ctx, nil, Payload{Event: "qrcode"}); res.Kind != KindMalformed || res.Success() {
		t.Fatalf("missing session = %+v", res)
	}
	if res := ing.Handle(ctx, nil, Payload{Event: "onack", Session: "shop-1"}); res.Kind != KindIgnored {
		t.Fatalf("non status event = %+v", res)
	}

	if res := ing.Handle(ctx, nil, Payload{Event: "onmessage", Session: "shop-1"}); res.Kind != KindAccepted {
		t.Fatalf("message = %+v", res)
	}
	if receives.counts["shop-1"] != 1 {
		t.Fatalf("receives = %v", receives.counts)
	}
}

func TestIngestorTenantRoute(t *testing.T) {
	ctx := context.Background()
	engine := &fakeEngine{}
	ing, _ := newTestIngestor(engine)

	other := tenant.ForTenant("tenant-b")
	if res := ing.Handle(ctx, &other, Payload{Event: "qrcode", Session: "shop-1"}); res.Kind != KindIgnored {
		t.Fatalf("foreign tenant route = %+v", res)
	}
	if len(engine.applied) != 0 {
		t.Fatalf("foreign tenant event reached the engine")
	}

	owner := tenant.ForTenant("tenant-a")
	if res := ing.Handle(ctx, &owner, Payload{Event: "qrcode", Session: "shop-1"}); res.Kind != KindAccepted {
		t.Fatalf("owner route = %+v", res)
	}
}

func TestIngestorEngineOutcomes(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"stale", reconcile.ErrStaleEventIgnored, KindIgnored},
		{"closed", reconcile.ErrInstanceClosed, KindIgnored},
		{"busy", reconcile.ErrRetryable, KindFailed},
		{"store down", errors.New("connection refused"), KindFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ing, _ := newTestIngestor(&fakeEngine{err: tt.err})
			res := ing.Handle(context.Background(), nil, Payload{Event: "status-find", Session: "shop-1", Data: map[string]interface{}{"connected": false}})
			if res.Kind != tt.want {
				t.Fatalf("kind = %s, want %s", res.Kind, tt.want)
			}
		})
	}
}

func TestIngestEndToEnd(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	engine := reconcile.NewEngine(s, nil, reconcile.DefaultConfig())
	t.Cleanup(engine.Shutdown)

	now := time.Now().UTC()
	if err := s.Create(ctx, &store.Instance{InstanceName: "shop-1", TenantID: "tenant-a", Status: store.StatusCreated, CreatedAt: now, UpdatedAt: now}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	ing := New(engine, store.NewRoutingCache(s, time.Minute), nil)
	sink := ing.Sink()

	sink(ctx, "qrcode", "shop-1", map[string]interface{}{})
	sink(ctx, "connection", "shop-1", map[string]interface{}{"state": "CONNECTED", "phone": "5511999999999"})
	sink(ctx, "qrcode", "shop-1", map[string]interface{}{})

	view, err := engine.Status(ctx, tenant.ForTenant("tenant-a"), "shop-1")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if view.Status != store.StatusConnected || view.PhoneNumber == nil || *view.PhoneNumber != "5511999999999" {
		t.Fatalf("view = %+v", view)
	}
}
