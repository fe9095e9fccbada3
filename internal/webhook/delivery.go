package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/panjf2000/ants/v2"

	"github.com/iaze0088/IazeConnect-sub004/internal/reconcile"
	"github.com/iaze0088/IazeConnect-sub004/internal/store"
	"github.com/iaze0088/IazeConnect-sub004/pkg/log"
)

type Config struct {
	Enabled      bool
	Workers      int
	QueueSize    int
	RetryLimit   int
	RetryBackoff time.Duration
	Timeout      time.Duration
	// AllowPrivate permits plain HTTP and private hosts, for local setups.
	AllowPrivate bool
	NodeID       int64
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1000
	}
	if c.RetryLimit <= 0 {
		c.RetryLimit = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 2 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	return c
}

type DeliveryStats struct {
	Dispatched int64 `json:"dispatched"`
	Delivered  int64 `json:"delivered"`
	Failed     int64 `json:"failed"`
	Dropped    int64 `json:"dropped"`
}

// Engine delivers signed connection notifications to tenant subscriptions
// from a bounded worker pool.
type Engine struct {
	store      Store
	httpClient *http.Client
	pool       *ants.Pool
	ids        *snowflake.Node
	cfg        Config
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc

	dispatched atomic.Int64
	delivered  atomic.Int64
	failed     atomic.Int64
	dropped    atomic.Int64
}

func NewEngine(store Store, cfg Config) (*Engine, error) {
	cfg = cfg.withDefaults()
	ids, err := snowflake.NewNode(cfg.NodeID)
	if err != nil {
		return nil, fmt.Errorf("webhook event ids: %w", err)
	}
	pool, err := ants.NewPool(cfg.Workers,
		ants.WithMaxBlockingTasks(cfg.QueueSize),
		ants.WithPanicHandler(func(p interface{}) {
			log.Print(nil).Errorf("Webhook delivery panic: %v", p)
		}),
	)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		store:      store,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		pool:       pool,
		ids:        ids,
		cfg:        cfg,
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

func (e *Engine) Store() Store {
	return e.store
}

func (e *Engine) Stats() DeliveryStats {
	return DeliveryStats{
		Dispatched: e.dispatched.Load(),
		Delivered:  e.delivered.Load(),
		Failed:     e.failed.Load(),
		Dropped:    e.dropped.Load(),
	}
}

// Shutdown waits for queued deliveries, then aborts any still retrying
// after timeout.
func (e *Engine) Shutdown(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		e.cancel()
		<-done
	}
	e.cancel()
	e.pool.Release()
}

func (e *Engine) NewEvent(eventType EventType, tenantID string, instanceName string, data map[string]interface{}) Event {
	if data == nil {
		data = map[string]interface{}{}
	}
	return Event{
		ID:           e.ids.Generate().String(),
		EventType:    eventType,
		TenantID:     tenantID,
		InstanceName: instanceName,
		Timestamp:    time.Now().UTC(),
		Data:         data,
	}
}

// HandleTransition announces a stored status change to the owning tenant.
func (e *Engine) HandleTransition(tr reconcile.TransitionEvent) {
	eventType, ok := EventTypeFor(tr.To)
	if !ok {
		return
	}
	data := map[string]interface{}{
		"previous_status": tr.From,
		"status":          tr.To,
		"connected":       tr.To == store.StatusConnected,
		"source":          tr.Source,
	}
	if tr.PhoneNumber != "" {
		data["phone_number"] = tr.PhoneNumber
	}
	event := e.NewEvent(eventType, tr.TenantID, tr.InstanceName, data)
	event.Timestamp = tr.At
	e.Dispatch(e.ctx, tr.TenantID, event)
}

// Dispatch queues event for every active subscription of tenantID that
// wants it and returns how many deliveries were queued.
func (e *Engine) Dispatch(ctx context.Context, tenantID string, event Event) int {
	if !e.cfg.Enabled {
		return 0
	}

	subs, err := e.store.Active(ctx, tenantID)
	if err != nil {
		log.Print(nil).WithField("tenant_id", tenantID).WithError(err).Error("Unable to load webhook subscriptions")
		return 0
	}

	dispatched := 0
	for _, sub := range subs {
		if !sub.Wants(event.EventType) {
			continue
		}
		if e.submit(sub, event) {
			dispatched++
		}
	}
	if dispatched > 0 {
		log.Instance(tenantID, event.InstanceName).Debugf("Webhook %s dispatched to %d subscription(s)", event.EventType, dispatched)
	}
	return dispatched
}

// Send queues event for a single subscription regardless of its event
// filter. It reports false when delivery is disabled or the queue is full.
func (e *Engine) Send(sub Subscription, event Event) bool {
	if !e.cfg.Enabled {
		return false
	}
	return e.submit(sub, event)
}

func (e *Engine) submit(sub Subscription, event Event) bool {
	e.wg.Add(1)
	err := e.pool.Submit(func() {
		defer e.wg.Done()
		e.deliver(sub, event)
	})
	if err != nil {
		e.wg.Done()
		e.dropped.Add(1)
		log.Instance(sub.TenantID, event.InstanceName).WithError(err).Warn("Webhook queue full, dropping " + string(event.EventType))
		return false
	}
	e.dispatched.Add(1)
	return true
}

func (e *Engine) deliver(sub Subscription, event Event) {
	entry := log.Instance(sub.TenantID, event.InstanceName).WithField("webhook_id", sub.ID)
	record := func(status DeliveryStatus, attempts int, lastErr error) {
		logEntry := DeliveryLog{
			WebhookID:    sub.ID,
			EventID:      event.ID,
			EventType:    event.EventType,
			Status:       status,
			AttemptCount: attempts,
		}
		if lastErr != nil {
			logEntry.LastError = lastErr.Error()
		}
		if err := e.store.LogDelivery(context.Background(), logEntry); err != nil && !errors.Is(err, ErrNotFound) {
			entry.WithError(err).Warn("Unable to record webhook delivery")
		}
	}

	if err := ValidateURL(sub.URL, e.cfg.AllowPrivate); err != nil {
		e.failed.Add(1)
		record(DeliveryFailed, 0, err)
		entry.WithError(err).Warn("Webhook URL rejected")
		return
	}

	payload, err := json.Marshal(event)
	if err != nil {
		e.failed.Add(1)
		entry.WithError(err).Error("Unable to encode webhook event")
		return
	}
	signature := Sign(payload, sub.Secret)

	var lastErr error
	for attempt := 1; attempt <= e.cfg.RetryLimit; attempt++ {
		if lastErr = e.post(sub.URL, payload, signature, event); lastErr == nil {
			e.delivered.Add(1)
			record(DeliverySuccess, attempt, nil)
			entry.Debugf("Webhook %s delivered on attempt %d", event.EventType, attempt)
			return
		}
		if attempt == e.cfg.RetryLimit {
			break
		}
		select {
		case <-e.ctx.Done():
			attempt = e.cfg.RetryLimit
		case <-time.After(time.Duration(attempt) * e.cfg.RetryBackoff):
		}
	}

	e.failed.Add(1)
	record(DeliveryFailed, e.cfg.RetryLimit, lastErr)
	entry.WithError(lastErr).Warn("Webhook delivery failed")
}

func (e *Engine) post(target string, payload []byte, signature string, event Event) error {
	req, err := http.NewRequestWithContext(e.ctx, http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Signature", signature)
	req.Header.Set("X-Hub-Signature-256", signature)
	req.Header.Set("X-Webhook-Event", string(event.EventType))
	req.Header.Set("X-Webhook-Id", event.ID)
	req.Header.Set("User-Agent", "IazeConnect-Orchestrator/1.0")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

// Sign returns the sha256 HMAC header value for payload.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// ValidateURL accepts only public HTTPS endpoints unless allowPrivate is set.
func ValidateURL(rawURL string, allowPrivate bool) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return err
	}
	if u.Host == "" {
		return fmt.Errorf("url must be absolute")
	}
	if allowPrivate {
		if u.Scheme != "https" && u.Scheme != "http" {
			return fmt.Errorf("only HTTP(S) URLs are allowed")
		}
		return nil
	}
	if u.Scheme != "https" {
		return fmt.Errorf("only HTTPS URLs are allowed")
	}

	host := strings.ToLower(u.Hostname())
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return fmt.Errorf("private/local network URLs are not allowed")
	}
	if ip := net.ParseIP(host); ip != nil && (ip.IsLoopback() || ip.IsPrivate() || ip.IsUnspecified() || ip.IsLinkLocalUnicast()) {
		return fmt.Errorf("private/local network URLs are not allowed")
	}
	return nil
}
