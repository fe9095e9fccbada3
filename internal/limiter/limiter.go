// Package limiter keeps per-instance daily message counters and answers
// whether an instance may send or receive more today. It governs the
// messaging dispatch path only; connection state never depends on it.
package limiter

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/iaze0088/IazeConnect-sub004/internal/store"
	"github.com/iaze0088/IazeConnect-sub004/pkg/log"
	"github.com/iaze0088/IazeConnect-sub004/pkg/metrics"
)

const dayLayout = "2006-01-02"

var (
	ErrDailySendCap    = errors.New("daily send cap reached")
	ErrDailyReceiveCap = errors.New("daily receive cap reached")
	ErrBurst           = errors.New("send rate exceeded, slow down")
)

// Config caps are per instance. A zero cap disables that check.
type Config struct {
	DailySendCap    int
	DailyReceiveCap int
	BurstPerMinute  int
	MaxSessionAge   time.Duration
}

type Limiter struct {
	store store.Store
	cfg   Config
	now   func() time.Time

	mu     sync.Mutex
	usage  map[string]store.Usage
	bursts map[string]*rate.Limiter
}

func New(s store.Store, cfg Config) *Limiter {
	return &Limiter{
		store:  s,
		cfg:    cfg,
		now:    func() time.Time { return time.Now().UTC() },
		usage:  make(map[string]store.Usage),
		bursts: make(map[string]*rate.Limiter),
	}
}

// Snapshot is the usage view served to consumers.
type Snapshot struct {
	store.Usage
	DailySendCap    int  `json:"daily_send_cap"`
	DailyReceiveCap int  `json:"daily_receive_cap"`
	CanSend         bool `json:"can_send"`
	CanReceive      bool `json:"can_receive"`
}

func (l *Limiter) Snapshot(ctx context.Context, name string) (Snapshot, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	u, err := l.loadLocked(ctx, name)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{
		Usage:           u,
		DailySendCap:    l.cfg.DailySendCap,
		DailyReceiveCap: l.cfg.DailyReceiveCap,
		CanSend:         l.canSendLocked(name, u),
		CanReceive:      underCap(u.ReceivedToday, l.cfg.DailyReceiveCap),
	}, nil
}

// CanSend reports whether one more send is allowed right now. It does not
// consume anything.
func (l *Limiter) CanSend(ctx context.Context, name string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	u, err := l.loadLocked(ctx, name)
	if err != nil {
		return false, err
	}
	return l.canSendLocked(name, u), nil
}

func (l *Limiter) CanReceive(ctx context.Context, name string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	u, err := l.loadLocked(ctx, name)
	if err != nil {
		return false, err
	}
	return underCap(u.ReceivedToday, l.cfg.DailyReceiveCap), nil
}

// RecordSent counts one successful send.
func (l *Limiter) RecordSent(ctx context.Context, name string) (store.Usage, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	u, err := l.loadLocked(ctx, name)
	if err != nil {
		return store.Usage{}, err
	}
	if !underCap(u.SentToday, l.cfg.DailySendCap) {
		metrics.RecordLimiterRejection("send", "daily_cap")
		return u, ErrDailySendCap
	}
	if b := l.burstLocked(name); b != nil && !b.AllowN(l.now(), 1) {
		metrics.RecordLimiterRejection("send", "burst")
		return u, ErrBurst
	}
	u.SentToday++
	return u, l.saveLocked(ctx, u)
}

// RecordReceived counts one inbound message.
func (l *Limiter) RecordReceived(ctx context.Context, name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	u, err := l.loadLocked(ctx, name)
	if err != nil {
		return err
	}
	if !underCap(u.ReceivedToday, l.cfg.DailyReceiveCap) {
		metrics.RecordLimiterRejection("receive", "daily_cap")
		return ErrDailyReceiveCap
	}
	u.ReceivedToday++
	return l.saveLocked(ctx, u)
}

// NeedsRotation advises re-pairing a session that has been alive longer than
// MaxSessionAge.
func (l *Limiter) NeedsRotation(inst store.Instance) bool {
	if l.cfg.MaxSessionAge <= 0 || inst.Status == store.StatusClosed {
		return false
	}
	return l.now().Sub(inst.CreatedAt) > l.cfg.MaxSessionAge
}

// Rollover resets cached counters from a previous UTC day and persists the
// reset, so reads after midnight do not depend on a request arriving first.
func (l *Limiter) Rollover(ctx context.Context) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	today := l.today()
	reset := 0
	var errs []error
	for name, u := range l.usage {
		if u.DayBucket == today {
			continue
		}
		u = store.Usage{InstanceName: name, DayBucket: today}
		if err := l.saveLocked(ctx, u); err != nil {
			errs = append(errs, err)
			continue
		}
		reset++
	}
	return reset, errors.Join(errs...)
}

// Forget drops cached state for a deleted instance.
func (l *Limiter) Forget(name string) {
	l.mu.Lock()
	delete(l.usage, name)
	delete(l.bursts, name)
	l.mu.Unlock()
}

func (l *Limiter) canSendLocked(name string, u store.Usage) bool {
	if !underCap(u.SentToday, l.cfg.DailySendCap) {
		return false
	}
	if b := l.burstLocked(name); b != nil && b.TokensAt(l.now()) < 1 {
		return false
	}
	return true
}

func (l *Limiter) loadLocked(ctx context.Context, name string) (store.Usage, error) {
	today := l.today()
	u, ok := l.usage[name]
	if !ok {
		loaded, err := l.store.LoadUsage(ctx, name)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return store.Usage{}, err
		}
		u = loaded
		u.InstanceName = name
	}
	if u.DayBucket != today {
		if u.DayBucket != "" {
			log.Print(nil).WithField("instance", name).Debugf("Usage rollover %s -> %s", u.DayBucket, today)
		}
		u = store.Usage{InstanceName: name, DayBucket: today}
	}
	l.usage[name] = u
	return u, nil
}

func (l *Limiter) saveLocked(ctx context.Context, u store.Usage) error {
	u.UpdatedAt = l.now()
	if err := l.store.SaveUsage(ctx, u); err != nil {
		return err
	}
	l.usage[u.InstanceName] = u
	return nil
}

func (l *Limiter) burstLocked(name string) *rate.Limiter {
	if l.cfg.BurstPerMinute <= 0 {
		return nil
	}
	b, ok := l.bursts[name]
	if !ok {
		b = rate.NewLimiter(rate.Every(time.Minute/time.Duration(l.cfg.BurstPerMinute)), l.cfg.BurstPerMinute)
		l.bursts[name] = b
	}
	return b
}

func (l *Limiter) today() string {
	return l.now().UTC().Format(dayLayout)
}

func underCap(count int, limit int) bool {
	return limit <= 0 || count < limit
}
