package ingest

import (
	"context"
	"errors"
	"time"

	"github.com/iaze0088/IazeConnect-sub004/internal/reconcile"
	"github.com/iaze0088/IazeConnect-sub004/internal/store"
	"github.com/iaze0088/IazeConnect-sub004/pkg/log"
	"github.com/iaze0088/IazeConnect-sub004/pkg/metrics"
	"github.com/iaze0088/IazeConnect-sub004/pkg/tenant"
)

type Kind string

const (
	KindAccepted  Kind = "accepted"
	KindIgnored   Kind = "ignored"
	KindMalformed Kind = "malformed"
	KindFailed    Kind = "failed"
)

// Result is what happened to one webhook. The HTTP answer is always 200;
// Result only drives logging and metrics.
type Result struct {
	Kind     Kind
	Instance string
	Reason   string
	Err      error
}

func (r Result) Success() bool {
	return r.Kind == KindAccepted || r.Kind == KindIgnored
}

func (r Result) Message() string {
	if r.Reason != "" {
		return r.Reason
	}
	return string(r.Kind)
}

// Applier is the part of the engine ingest feeds.
type Applier interface {
	Apply(ctx context.Context, scope tenant.Scope, name string, ev reconcile.StatusEvent) (reconcile.ApplyResult, error)
}

// Router resolves the stored instance a provider session name belongs to.
type Router interface {
	Route(ctx context.Context, name string) (*store.Instance, error)
}

// ReceiveRecorder counts inbound messages for the anti-abuse limiter.
type ReceiveRecorder interface {
	RecordReceived(ctx context.Context, name string) error
}

type Ingestor struct {
	engine   Applier
	routes   Router
	receives ReceiveRecorder
	now      func() time.Time
}

func New(engine Applier, routes Router, receives ReceiveRecorder) *Ingestor {
	return &Ingestor{
		engine:   engine,
		routes:   routes,
		receives: receives,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Reject records a body that could not be parsed as a JSON object.
func (i *Ingestor) Reject(err error) Result {
	if err == nil {
		err = ErrMalformed
	}
	return i.finish(Result{Kind: KindMalformed, Reason: "invalid payload", Err: err})
}

// HandleRaw decodes and handles a raw JSON object.
func (i *Ingestor) HandleRaw(ctx context.Context, scope *tenant.Scope, raw map[string]interface{}) Result {
	p, err := Decode(raw)
	if err != nil {
		return i.finish(Result{Kind: KindMalformed, Reason: "invalid payload", Err: err})
	}
	return i.Handle(ctx, scope, p)
}

// Handle routes p to its instance and folds it into the engine. A nil scope
// routes by the globally unique session name; a non-nil scope only accepts
// sessions owned by that tenant.
func (i *Ingestor) Handle(ctx context.Context, scope *tenant.Scope, p Payload) Result {
	return i.finish(i.handle(ctx, scope, p))
}

func (i *Ingestor) handle(ctx context.Context, scope *tenant.Scope, p Payload) Result {
	if p.Session == "" || p.Event == "" {
		return Result{Kind: KindMalformed, Instance: p.Session, Reason: "event and session are required", Err: ErrMalformed}
	}

	inst, err := i.route(ctx, scope, p.Session)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return Result{Kind: KindIgnored, Instance: p.Session, Reason: "unknown session"}
	case err != nil:
		return Result{Kind: KindFailed, Instance: p.Session, Reason: "routing failed", Err: err}
	}
	instanceScope := tenant.ForTenant(inst.TenantID)

	if p.IsMessage() {
		if i.receives == nil {
			return Result{Kind: KindIgnored, Instance: p.Session, Reason: "message events are not counted"}
		}
		if err := i.receives.RecordReceived(ctx, inst.InstanceName); err != nil {
			return Result{Kind: KindFailed, Instance: p.Session, Reason: "receive count failed", Err: err}
		}
		return Result{Kind: KindAccepted, Instance: p.Session, Reason: "message counted"}
	}

	ev, err := Normalize(p, i.now())
	switch {
	case errors.Is(err, ErrNotStatusEvent):
		return Result{Kind: KindIgnored, Instance: p.Session, Reason: "not a status event"}
	case err != nil:
		return Result{Kind: KindMalformed, Instance: p.Session, Reason: "invalid status fields", Err: err}
	}

	_, err = i.engine.Apply(ctx, instanceScope, inst.InstanceName, ev)
	switch {
	case err == nil:
		return Result{Kind: KindAccepted, Instance: p.Session, Reason: "status updated"}
	case errors.Is(err, reconcile.ErrStaleEventIgnored):
		return Result{Kind: KindIgnored, Instance: p.Session, Reason: "stale event"}
	case errors.Is(err, reconcile.ErrInstanceClosed):
		return Result{Kind: KindIgnored, Instance: p.Session, Reason: "instance closed"}
	case errors.Is(err, reconcile.ErrUnknownInstance):
		return Result{Kind: KindIgnored, Instance: p.Session, Reason: "unknown session"}
	}
	return Result{Kind: KindFailed, Instance: p.Session, Reason: "status update failed", Err: err}
}

func (i *Ingestor) route(ctx context.Context, scope *tenant.Scope, name string) (*store.Instance, error) {
	inst, err := i.routes.Route(ctx, name)
	if err != nil {
		return nil, err
	}
	if scope != nil && !scope.Allows(inst.TenantID) {
		return nil, store.ErrNotFound
	}
	return inst, nil
}

func (i *Ingestor) finish(r Result) Result {
	metrics.RecordIngest(string(r.Kind))
	entry := log.Print(nil).WithField("instance", r.Instance)
	switch r.Kind {
	case KindFailed:
		entry.WithError(r.Err).Error("Webhook dropped: " + r.Reason)
	case KindMalformed:
		entry.WithError(r.Err).Warn("Webhook malformed: " + r.Reason)
	default:
		entry.Debug("Webhook " + string(r.Kind) + ": " + r.Reason)
	}
	return r
}
