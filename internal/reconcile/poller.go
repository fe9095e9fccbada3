package reconcile

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/iaze0088/IazeConnect-sub004/internal/store"
	"github.com/iaze0088/IazeConnect-sub004/pkg/log"
	"github.com/iaze0088/IazeConnect-sub004/pkg/metrics"
	"github.com/iaze0088/IazeConnect-sub004/pkg/tenant"
)

type pollerHandle struct {
	id     uint64
	cancel context.CancelFunc
}

// pollerSet owns one polling goroutine per instance name.
type pollerSet struct {
	mu      sync.Mutex
	nextID  uint64
	running map[string]pollerHandle
	wg      sync.WaitGroup
}

func newPollerSet() *pollerSet {
	return &pollerSet{running: make(map[string]pollerHandle)}
}

// start launches run unless a poller for name is already active.
func (p *pollerSet) start(parent context.Context, name string, run func(ctx context.Context)) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.running[name]; ok {
		return false
	}
	ctx, cancel := context.WithCancel(parent)
	p.nextID++
	handle := pollerHandle{id: p.nextID, cancel: cancel}
	p.running[name] = handle

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.finish(name, handle.id)
		metrics.ActivePollers.Inc()
		defer metrics.ActivePollers.Dec()
		run(ctx)
	}()
	return true
}

func (p *pollerSet) finish(name string, id uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if handle, ok := p.running[name]; ok && handle.id == id {
		handle.cancel()
		delete(p.running, name)
	}
}

func (p *pollerSet) stop(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if handle, ok := p.running[name]; ok {
		handle.cancel()
		delete(p.running, name)
	}
}

func (p *pollerSet) active(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.running[name]
	return ok
}

func (p *pollerSet) stopAll() {
	p.mu.Lock()
	for name, handle := range p.running {
		handle.cancel()
		delete(p.running, name)
	}
	p.mu.Unlock()
	p.wg.Wait()
}

// backoff returns the wait before poll attempt n (0-based): the initial
// interval doubled per attempt, capped, with symmetric jitter.
func (c Config) backoff(attempt int) time.Duration {
	d := c.PollInitialInterval
	for i := 0; i < attempt && d < c.PollMaxInterval; i++ {
		d *= 2
	}
	if d > c.PollMaxInterval {
		d = c.PollMaxInterval
	}
	if c.PollJitter > 0 {
		factor := 1 + c.PollJitter*(2*rand.Float64()-1)
		d = time.Duration(float64(d) * factor)
	}
	return d
}

// pollLoop polls the provider while the instance is still waiting to connect
// and no webhook arrived within the grace window.
func (e *Engine) pollLoop(ctx context.Context, tenantID string, name string) {
	logger := log.Instance(tenantID, name)
	deadline := e.now().Add(e.cfg.PollDeadline)
	scope := tenant.ForTenant(tenantID)

	for attempt := 0; ; attempt++ {
		timer := time.NewTimer(e.cfg.backoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if e.now().After(deadline) {
			metrics.RecordPoll("deadline")
			logger.Warn("Polling deadline reached, waiting for webhooks or an explicit re-check")
			return
		}

		inst, err := e.store.Get(ctx, scope, name)
		if errors.Is(err, store.ErrNotFound) {
			return
		}
		if err != nil {
			metrics.RecordPoll("store_error")
			logger.WithError(err).Warn("Unable to load instance for polling")
			continue
		}
		if !isPolling(inst.Status) {
			return
		}
		if inst.LastWebhookAt != nil && e.now().Sub(*inst.LastWebhookAt) < e.cfg.WebhookGrace {
			metrics.RecordPoll("skipped")
			continue
		}

		if err := e.pollLimiter.Wait(ctx); err != nil {
			return
		}
		view, err := e.poll(ctx, scope, *inst)
		switch {
		case err != nil && !errors.Is(err, ErrStaleEventIgnored):
			metrics.RecordPoll("error")
			logger.WithError(err).Warn("Unable to apply polled status")
		case view.FromCache:
			metrics.RecordPoll("cached")
		default:
			metrics.RecordPoll("ok")
		}
		if !isPolling(view.Status) && !view.FromCache && view.Status != "" {
			return
		}
	}
}
