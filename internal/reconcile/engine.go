// Package reconcile is the connection state machine. It merges webhook pushes
// and provider polls into the stored instance state, one instance at a time.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/asaskevich/EventBus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/iaze0088/IazeConnect-sub004/internal/store"
	"github.com/iaze0088/IazeConnect-sub004/pkg/log"
	"github.com/iaze0088/IazeConnect-sub004/pkg/metrics"
	"github.com/iaze0088/IazeConnect-sub004/pkg/provider"
	"github.com/iaze0088/IazeConnect-sub004/pkg/tenant"
	"github.com/iaze0088/IazeConnect-sub004/pkg/validation"
)

const (
	topicTransition = "instance:transition"
	topicReplaced   = "instance:replaced"
)

type Config struct {
	PollInitialInterval time.Duration
	PollMaxInterval     time.Duration
	PollDeadline        time.Duration
	PollJitter          float64
	PollRatePerSecond   float64
	PollBurst           int
	WebhookGrace        time.Duration
	ResumeConcurrency   int
}

func DefaultConfig() Config {
	return Config{
		PollInitialInterval: 2 * time.Second,
		PollMaxInterval:     30 * time.Second,
		PollDeadline:        10 * time.Minute,
		PollJitter:          0.2,
		PollRatePerSecond:   20,
		PollBurst:           10,
		WebhookGrace:        5 * time.Second,
		ResumeConcurrency:   8,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.PollInitialInterval <= 0 {
		c.PollInitialInterval = d.PollInitialInterval
	}
	if c.PollMaxInterval < c.PollInitialInterval {
		c.PollMaxInterval = c.PollInitialInterval
	}
	if c.PollDeadline <= 0 {
		c.PollDeadline = d.PollDeadline
	}
	if c.PollJitter < 0 || c.PollJitter >= 1 {
		c.PollJitter = d.PollJitter
	}
	if c.PollRatePerSecond <= 0 {
		c.PollRatePerSecond = d.PollRatePerSecond
	}
	if c.PollBurst <= 0 {
		c.PollBurst = d.PollBurst
	}
	if c.WebhookGrace < 0 {
		c.WebhookGrace = d.WebhookGrace
	}
	if c.ResumeConcurrency <= 0 {
		c.ResumeConcurrency = d.ResumeConcurrency
	}
	return c
}

// TransitionEvent is published after a status change is stored.
type TransitionEvent struct {
	TenantID     string
	InstanceName string
	From         store.Status
	To           store.Status
	Source       Source
	PhoneNumber  string
	At           time.Time
}

type ApplyResult struct {
	Instance store.Instance
	Previous store.Status
	Outcome  Outcome
}

func (r ApplyResult) Changed() bool {
	return r.Outcome == OutcomeApplied && r.Previous != r.Instance.Status
}

type CreateOutcome struct {
	Success bool         `json:"success"`
	QRCode  string       `json:"qr_code_base64,omitempty"`
	Status  store.Status `json:"status"`
	Token   string       `json:"token,omitempty"`
	Message string       `json:"message,omitempty"`
}

// Engine is the only writer of instance status. It is tenant-agnostic: every
// call receives an already resolved scope.
type Engine struct {
	store       store.Store
	provider    provider.Provider
	cfg         Config
	locks       *keyLock
	pollers     *pollerSet
	pollLimiter *rate.Limiter
	rechecks    singleflight.Group
	bus         EventBus.Bus
	now         func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
}

func NewEngine(s store.Store, p provider.Provider, cfg Config) *Engine {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		store:       s,
		provider:    p,
		cfg:         cfg,
		locks:       newKeyLock(),
		pollers:     newPollerSet(),
		pollLimiter: rate.NewLimiter(rate.Limit(cfg.PollRatePerSecond), cfg.PollBurst),
		bus:         EventBus.New(),
		now:         func() time.Time { return time.Now().UTC() },
		ctx:         ctx,
		cancel:      cancel,
	}
}

// OnTransition registers an asynchronous listener for stored status changes.
func (e *Engine) OnTransition(fn func(TransitionEvent)) error {
	return e.bus.SubscribeAsync(topicTransition, fn, false)
}

// OnReplace registers a synchronous listener called with the instance name
// whenever a stored record is dropped to make room for a new session.
func (e *Engine) OnReplace(fn func(name string)) error {
	return e.bus.Subscribe(topicReplaced, fn)
}

// Shutdown stops every poller and drains transition listeners.
func (e *Engine) Shutdown() {
	e.cancel()
	e.pollers.stopAll()
	e.bus.WaitAsync()
}

// CreateSession starts a remote session for name in the caller's tenant.
//
// An existing open instance is re-checked at the provider first so a retry
// never creates a duplicate remote session under the same name.
func (e *Engine) CreateSession(ctx context.Context, scope tenant.Scope, name string, webhookURL string) (CreateOutcome, error) {
	if err := validation.ValidateInstanceName(name); err != nil {
		return CreateOutcome{}, fmt.Errorf("%w: %v", ErrInvalidName, err)
	}
	if scope.Global || !scope.Valid() {
		return CreateOutcome{}, tenant.ErrTenantScopeViolation
	}

	unlock := e.locks.Lock(name)
	defer unlock()

	existing, err := e.store.GetByName(ctx, name)
	switch {
	case errors.Is(err, store.ErrNotFound):
		existing = nil
	case err != nil:
		return CreateOutcome{}, err
	case !scope.Allows(existing.TenantID):
		return CreateOutcome{}, store.ErrNameTaken
	}

	if existing != nil && existing.Status != store.StatusClosed && existing.ProviderToken != "" {
		raw := e.provider.GetStatus(ctx, name, existing.ProviderToken, lastKnown(*existing))
		if raw.FromCache {
			return CreateOutcome{Success: false, Status: existing.Status, Message: "messaging provider is unavailable, retry later"},
				provider.ErrProviderUnavailable
		}
		if raw.State != provider.StateNotFound && raw.State != provider.StateClosed {
			res, err := e.applyLocked(ctx, scope, name, EventFromRaw(raw))
			if err != nil && !errors.Is(err, ErrStaleEventIgnored) {
				return CreateOutcome{}, err
			}
			e.ensurePoller(res.Instance)
			return CreateOutcome{
				Success: true,
				QRCode:  raw.QRCode,
				Status:  res.Instance.Status,
				Token:   existing.ProviderToken,
			}, nil
		}
	}

	result, err := e.provider.CreateSession(ctx, name, webhookURL)
	if (err != nil || !result.Success) && result.Token != "" {
		// The remote session may exist. Keep the token so a retry re-checks
		// it instead of creating a second one.
		e.seedPartial(ctx, scope, name, existing, result)
	}
	if err != nil {
		log.Instance(scope.TenantID, name).WithError(err).Warn("Provider session create failed")
		if errors.Is(err, provider.ErrProviderUnavailable) {
			return CreateOutcome{Success: false, Message: "messaging provider is unavailable, retry later"}, err
		}
		return CreateOutcome{Success: false, Message: err.Error()}, err
	}
	if !result.Success {
		return CreateOutcome{Success: false, Message: result.Message}, nil
	}

	now := e.now()
	inst := store.Instance{
		InstanceName:  name,
		TenantID:      scope.TenantID,
		ProviderToken: result.Token,
		Status:        store.StatusCreated,
		RawState:      result.RawStatus.State,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := e.replace(ctx, scope, existing, &inst); err != nil {
		return CreateOutcome{}, err
	}
	log.Instance(scope.TenantID, name).Info("Session created")

	raw := result.RawStatus
	if raw.QRCode == "" {
		raw.QRCode = result.QRCode
	}
	if raw.ObservedAt.IsZero() {
		raw.ObservedAt = now
	}
	res, err := e.applyLocked(ctx, scope, name, EventFromRaw(raw))
	if err != nil && !errors.Is(err, ErrStaleEventIgnored) {
		return CreateOutcome{}, err
	}
	e.ensurePoller(res.Instance)

	return CreateOutcome{
		Success: true,
		QRCode:  result.QRCode,
		Status:  res.Instance.Status,
		Token:   result.Token,
	}, nil
}

// replace stores inst, dropping the previous record for the same name first.
func (e *Engine) replace(ctx context.Context, scope tenant.Scope, existing *store.Instance, inst *store.Instance) error {
	if existing != nil {
		if err := e.store.Delete(ctx, scope, inst.InstanceName); err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		e.bus.Publish(topicReplaced, inst.InstanceName)
	}
	return e.store.Create(ctx, inst)
}

// seedPartial records a created instance for a provider create that failed
// after a session token was issued. Failures are only logged.
func (e *Engine) seedPartial(ctx context.Context, scope tenant.Scope, name string, existing *store.Instance, result provider.CreateResult) {
	if existing != nil && existing.Status != store.StatusClosed && existing.ProviderToken == result.Token {
		return
	}
	now := e.now()
	inst := store.Instance{
		InstanceName:  name,
		TenantID:      scope.TenantID,
		ProviderToken: result.Token,
		Status:        store.StatusCreated,
		RawState:      result.RawStatus.State,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := e.replace(ctx, scope, existing, &inst); err != nil {
		log.Instance(scope.TenantID, name).WithError(err).Warn("Failed to keep token of a partial session create")
		return
	}
	log.Instance(scope.TenantID, name).Info("Partial session create recorded, next create re-checks the provider")
}

// Status reads the stored state. It never calls the provider.
func (e *Engine) Status(ctx context.Context, scope tenant.Scope, name string) (StatusView, error) {
	inst, err := e.get(ctx, scope, name)
	if err != nil {
		return StatusView{}, err
	}
	return ViewOf(*inst), nil
}

// Recheck polls the provider once and folds the answer in. Concurrent
// re-checks of the same instance share one provider call.
func (e *Engine) Recheck(ctx context.Context, scope tenant.Scope, name string) (StatusView, error) {
	inst, err := e.get(ctx, scope, name)
	if err != nil {
		return StatusView{}, err
	}
	if inst.Status == store.StatusClosed {
		return ViewOf(*inst), nil
	}

	v, err, _ := e.rechecks.Do(name, func() (interface{}, error) {
		view, err := e.poll(ctx, tenant.ForTenant(inst.TenantID), *inst)
		if errors.Is(err, ErrStaleEventIgnored) {
			err = nil
		}
		return view, err
	})
	if err != nil {
		return StatusView{}, err
	}
	view := v.(StatusView)
	if isPolling(view.Status) {
		e.ensurePoller(store.Instance{InstanceName: name, TenantID: inst.TenantID, Status: view.Status})
	}
	return view, nil
}

// poll asks the provider for inst's status. A cached answer means the
// provider is unreachable: the last known state is returned unchanged.
func (e *Engine) poll(ctx context.Context, scope tenant.Scope, inst store.Instance) (StatusView, error) {
	raw := e.provider.GetStatus(ctx, inst.InstanceName, inst.ProviderToken, lastKnown(inst))
	if raw.FromCache {
		view := ViewOf(inst)
		view.FromCache = true
		return view, nil
	}
	if raw.ObservedAt.IsZero() {
		raw.ObservedAt = e.now()
	}
	res, err := e.Apply(ctx, scope, inst.InstanceName, EventFromRaw(raw))
	if err != nil && !errors.Is(err, ErrStaleEventIgnored) {
		return StatusView{}, err
	}
	return ViewOf(res.Instance), err
}

// Close marks the instance closed and cancels its poller. Closing twice
// succeeds. A provider failure is logged and does not keep the instance open.
func (e *Engine) Close(ctx context.Context, scope tenant.Scope, name string) error {
	unlock := e.locks.Lock(name)
	defer unlock()

	inst, err := e.get(ctx, scope, name)
	if err != nil {
		return err
	}
	e.pollers.stop(name)
	if inst.Status == store.StatusClosed {
		return nil
	}

	if res, err := e.provider.CloseSession(ctx, name, inst.ProviderToken); err != nil || !res.Success {
		entry := log.Instance(inst.TenantID, name)
		if err != nil {
			entry = entry.WithError(err)
		}
		entry.Warn("Provider session close failed, closing locally: " + res.Message)
	}

	previous := inst.Status
	for attempt := 0; ; attempt++ {
		next := inst.Clone()
		next.Status = store.StatusClosed
		next.IsConnected = false
		next.UpdatedAt = e.now()
		err := e.store.Update(ctx, &next, inst.Version)
		if err == nil {
			e.published(next, previous, "close")
			log.Instance(inst.TenantID, name).Info("Session closed")
			return nil
		}
		if !errors.Is(err, store.ErrConflict) || attempt > 0 {
			return e.storeError(err)
		}
		if inst, err = e.get(ctx, scope, name); err != nil {
			return err
		}
		if inst.Status == store.StatusClosed {
			return nil
		}
	}
}

// Apply folds one status event into the instance, serialized per name.
// A stale event still records its bookkeeping and returns ErrStaleEventIgnored.
func (e *Engine) Apply(ctx context.Context, scope tenant.Scope, name string, ev StatusEvent) (ApplyResult, error) {
	unlock := e.locks.Lock(name)
	defer unlock()
	return e.applyLocked(ctx, scope, name, ev)
}

func (e *Engine) applyLocked(ctx context.Context, scope tenant.Scope, name string, ev StatusEvent) (ApplyResult, error) {
	if ev.ObservedAt.IsZero() {
		ev.ObservedAt = e.now()
	}

	for attempt := 0; ; attempt++ {
		inst, err := e.get(ctx, scope, name)
		if err != nil {
			return ApplyResult{}, err
		}

		next, outcome := Transition(*inst, ev)
		result := ApplyResult{Instance: next, Previous: inst.Status, Outcome: outcome}
		if outcome == OutcomeClosed {
			return ApplyResult{Instance: *inst, Previous: inst.Status, Outcome: outcome}, ErrInstanceClosed
		}

		next.UpdatedAt = e.now()
		err = e.store.Update(ctx, &next, inst.Version)
		if errors.Is(err, store.ErrConflict) && attempt == 0 {
			continue
		}
		if err != nil {
			return ApplyResult{}, e.storeError(err)
		}
		result.Instance = next

		if result.Changed() {
			e.published(next, inst.Status, string(ev.Source))
		}
		if !isPolling(next.Status) {
			e.pollers.stop(name)
		}
		if outcome == OutcomeStale {
			log.Instance(next.TenantID, name).Debugf("Ignored stale %s event %q in status %s", ev.Source, ev.EventType, next.Status)
			return result, ErrStaleEventIgnored
		}
		return result, nil
	}
}

func (e *Engine) published(inst store.Instance, from store.Status, source string) {
	metrics.RecordTransition(string(from), string(inst.Status), source)
	log.Instance(inst.TenantID, inst.InstanceName).Infof("Status %s -> %s (%s)", from, inst.Status, source)
	e.bus.Publish(topicTransition, TransitionEvent{
		TenantID:     inst.TenantID,
		InstanceName: inst.InstanceName,
		From:         from,
		To:           inst.Status,
		Source:       Source(source),
		PhoneNumber:  inst.PhoneNumber,
		At:           inst.UpdatedAt,
	})
}

func (e *Engine) List(ctx context.Context, scope tenant.Scope, filter store.Filter) ([]StatusView, error) {
	instances, err := e.store.List(ctx, scope, filter)
	if err != nil {
		return nil, err
	}
	views := make([]StatusView, len(instances))
	for i, inst := range instances {
		views[i] = ViewOf(inst)
	}
	return views, nil
}

// ListStale returns instances that have been disconnected for at least olderThan.
func (e *Engine) ListStale(ctx context.Context, olderThan time.Duration) ([]StatusView, error) {
	instances, err := e.store.ListDisconnectedBefore(ctx, e.now().Add(-olderThan))
	if err != nil {
		return nil, err
	}
	views := make([]StatusView, len(instances))
	for i, inst := range instances {
		views[i] = ViewOf(inst)
	}
	return views, nil
}

func (e *Engine) Stats(ctx context.Context, scope tenant.Scope) (map[store.Status]int, error) {
	return e.store.CountByStatus(ctx, scope)
}

// Resume re-checks instances left mid-connection by a previous process and
// restarts their pollers.
func (e *Engine) Resume(ctx context.Context) (int, error) {
	instances, err := e.store.ListByStatus(ctx, store.StatusCreated, store.StatusQRCode, store.StatusConnecting)
	if err != nil {
		return 0, err
	}
	return len(instances), e.recheckAll(ctx, instances)
}

// RecheckConnected re-polls every connected instance so silent remote drops
// surface as disconnected without waiting for a webhook.
func (e *Engine) RecheckConnected(ctx context.Context) (int, error) {
	instances, err := e.store.ListByStatus(ctx, store.StatusConnected)
	if err != nil {
		return 0, err
	}
	return len(instances), e.recheckAll(ctx, instances)
}

func (e *Engine) recheckAll(ctx context.Context, instances []store.Instance) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.ResumeConcurrency)
	for _, inst := range instances {
		inst := inst
		g.Go(func() error {
			if err := e.pollLimiter.Wait(ctx); err != nil {
				return err
			}
			_, err := e.Recheck(ctx, tenant.ForTenant(inst.TenantID), inst.InstanceName)
			if err != nil && !errors.Is(err, ErrUnknownInstance) {
				log.Instance(inst.TenantID, inst.InstanceName).WithError(err).Warn("Re-check failed")
			}
			return nil
		})
	}
	return g.Wait()
}

// Polling reports whether a poller is currently running for name.
func (e *Engine) Polling(name string) bool {
	return e.pollers.active(name)
}

func (e *Engine) ensurePoller(inst store.Instance) {
	if !isPolling(inst.Status) || e.ctx.Err() != nil {
		return
	}
	tenantID, name := inst.TenantID, inst.InstanceName
	e.pollers.start(e.ctx, name, func(ctx context.Context) {
		e.pollLoop(ctx, tenantID, name)
	})
}

func (e *Engine) get(ctx context.Context, scope tenant.Scope, name string) (*store.Instance, error) {
	inst, err := e.store.Get(ctx, scope, name)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrUnknownInstance
	}
	return inst, err
}

func (e *Engine) storeError(err error) error {
	switch {
	case errors.Is(err, store.ErrConflict):
		return fmt.Errorf("%w: %v", ErrRetryable, err)
	case errors.Is(err, store.ErrNotFound):
		return ErrUnknownInstance
	}
	return err
}
