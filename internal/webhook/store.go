package webhook

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/patrickmn/go-cache"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Store persists tenant subscriptions and their delivery logs. Every lookup
// is keyed by tenant.
type Store interface {
	List(ctx context.Context, tenantID string) ([]Subscription, error)
	Active(ctx context.Context, tenantID string) ([]Subscription, error)
	Get(ctx context.Context, tenantID string, id int64) (*Subscription, error)
	Create(ctx context.Context, sub *Subscription) error
	Update(ctx context.Context, sub *Subscription) error
	Delete(ctx context.Context, tenantID string, id int64) error
	LogDelivery(ctx context.Context, entry DeliveryLog) error
	DeliveryLogs(ctx context.Context, webhookID int64, limit int) ([]DeliveryLog, error)
}

var sqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS wa_webhooks (
		id BIGSERIAL PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		url TEXT NOT NULL,
		secret TEXT NOT NULL,
		events JSONB NOT NULL DEFAULT '[]',
		active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS wa_webhooks_tenant_idx ON wa_webhooks (tenant_id)`,
	`CREATE TABLE IF NOT EXISTS wa_webhook_deliveries (
		id BIGSERIAL PRIMARY KEY,
		webhook_id BIGINT NOT NULL REFERENCES wa_webhooks (id) ON DELETE CASCADE,
		event_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		status TEXT NOT NULL,
		attempt_count INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS wa_webhook_deliveries_webhook_idx ON wa_webhook_deliveries (webhook_id, created_at DESC)`,
}

// SQLStore keeps subscriptions in PostgreSQL next to the instances table.
// Active subscriptions are cached per tenant for activeTTL.
type SQLStore struct {
	db     *sql.DB
	active *cache.Cache
}

func NewSQLStore(ctx context.Context, db *sql.DB, activeTTL time.Duration) (*SQLStore, error) {
	for _, stmt := range sqlSchema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("apply webhook schema: %w", err)
		}
	}
	if activeTTL <= 0 {
		activeTTL = 15 * time.Second
	}
	return &SQLStore{db: db, active: cache.New(activeTTL, time.Minute)}, nil
}

const subscriptionColumns = `id, tenant_id, url, secret, events, active, created_at, updated_at`

func (s *SQLStore) query(ctx context.Context, where string, args ...interface{}) ([]Subscription, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+subscriptionColumns+` FROM wa_webhooks WHERE `+where+` ORDER BY id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	subs := make([]Subscription, 0)
	for rows.Next() {
		var sub Subscription
		var eventsJSON []byte
		if err := rows.Scan(&sub.ID, &sub.TenantID, &sub.URL, &sub.Secret, &eventsJSON, &sub.Active, &sub.CreatedAt, &sub.UpdatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(eventsJSON, &sub.Events); err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

func (s *SQLStore) List(ctx context.Context, tenantID string) ([]Subscription, error) {
	return s.query(ctx, `tenant_id = $1`, tenantID)
}

func (s *SQLStore) Active(ctx context.Context, tenantID string) ([]Subscription, error) {
	if cached, ok := s.active.Get(tenantID); ok {
		return cached.([]Subscription), nil
	}
	subs, err := s.query(ctx, `tenant_id = $1 AND active = TRUE`, tenantID)
	if err != nil {
		return nil, err
	}
	s.active.SetDefault(tenantID, subs)
	return subs, nil
}

func (s *SQLStore) Get(ctx context.Context, tenantID string, id int64) (*Subscription, error) {
	subs, err := s.query(ctx, `id = $1 AND tenant_id = $2`, id, tenantID)
	if err != nil {
		return nil, err
	}
	if len(subs) == 0 {
		return nil, ErrNotFound
	}
	return &subs[0], nil
}

func (s *SQLStore) Create(ctx context.Context, sub *Subscription) error {
	eventsJSON, err := json.Marshal(nonNilEvents(sub.Events))
	if err != nil {
		return err
	}
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO wa_webhooks (tenant_id, url, secret, events, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4::jsonb, $5, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		RETURNING id, created_at, updated_at
	`, sub.TenantID, sub.URL, sub.Secret, string(eventsJSON), sub.Active).Scan(&sub.ID, &sub.CreatedAt, &sub.UpdatedAt)
	if err == nil {
		s.active.Delete(sub.TenantID)
	}
	return err
}

func (s *SQLStore) Update(ctx context.Context, sub *Subscription) error {
	eventsJSON, err := json.Marshal(nonNilEvents(sub.Events))
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE wa_webhooks
		SET url = $1, secret = $2, events = $3::jsonb, active = $4, updated_at = CURRENT_TIMESTAMP
		WHERE id = $5 AND tenant_id = $6
	`, sub.URL, sub.Secret, string(eventsJSON), sub.Active, sub.ID, sub.TenantID)
	if err != nil {
		return err
	}
	s.active.Delete(sub.TenantID)
	return affected(res)
}

func (s *SQLStore) Delete(ctx context.Context, tenantID string, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM wa_webhooks WHERE id = $1 AND tenant_id = $2`, id, tenantID)
	if err != nil {
		return err
	}
	s.active.Delete(tenantID)
	return affected(res)
}

func (s *SQLStore) LogDelivery(ctx context.Context, entry DeliveryLog) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO wa_webhook_deliveries (webhook_id, event_id, event_type, status, attempt_count, last_error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, CURRENT_TIMESTAMP)
	`, entry.WebhookID, entry.EventID, entry.EventType, entry.Status, entry.AttemptCount, entry.LastError)
	return err
}

func (s *SQLStore) DeliveryLogs(ctx context.Context, webhookID int64, limit int) ([]DeliveryLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, webhook_id, event_id, event_type, status, attempt_count, last_error, created_at
		FROM wa_webhook_deliveries
		WHERE webhook_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, webhookID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]DeliveryLog, 0)
	for rows.Next() {
		var entry DeliveryLog
		var lastError sql.NullString
		if err := rows.Scan(&entry.ID, &entry.WebhookID, &entry.EventID, &entry.EventType, &entry.Status, &entry.AttemptCount, &lastError, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.LastError = lastError.String
		logs = append(logs, entry)
	}
	return logs, rows.Err()
}

func affected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nonNilEvents(events []EventType) []EventType {
	if events == nil {
		return []EventType{}
	}
	return events
}

// MemoryStore is used with the memory and bolt datastores. It keeps at most
// maxLogsPerWebhook delivery logs per subscription.
type MemoryStore struct {
	mu     sync.RWMutex
	nextID int64
	subs   map[int64]Subscription
	logs   map[int64][]DeliveryLog
	logSeq int64
}

const maxLogsPerWebhook = 100

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subs: make(map[int64]Subscription),
		logs: make(map[int64][]DeliveryLog),
	}
}

func (m *MemoryStore) filter(tenantID string, activeOnly bool) []Subscription {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Subscription, 0)
	for _, sub := range m.subs {
		if sub.TenantID == tenantID && (!activeOnly || sub.Active) {
			out = append(out, sub)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *MemoryStore) List(ctx context.Context, tenantID string) ([]Subscription, error) {
	return m.filter(tenantID, false), nil
}

func (m *MemoryStore) Active(ctx context.Context, tenantID string) ([]Subscription, error) {
	return m.filter(tenantID, true), nil
}

func (m *MemoryStore) Get(ctx context.Context, tenantID string, id int64) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.subs[id]
	if !ok || sub.TenantID != tenantID {
		return nil, ErrNotFound
	}
	return &sub, nil
}

func (m *MemoryStore) Create(ctx context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	now := time.Now().UTC()
	sub.ID = m.nextID
	sub.Events = nonNilEvents(sub.Events)
	sub.CreatedAt, sub.UpdatedAt = now, now
	m.subs[sub.ID] = *sub
	return nil
}

func (m *MemoryStore) Update(ctx context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.subs[sub.ID]
	if !ok || current.TenantID != sub.TenantID {
		return ErrNotFound
	}
	sub.CreatedAt = current.CreatedAt
	sub.UpdatedAt = time.Now().UTC()
	sub.Events = nonNilEvents(sub.Events)
	m.subs[sub.ID] = *sub
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, tenantID string, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.subs[id]
	if !ok || current.TenantID != tenantID {
		return ErrNotFound
	}
	delete(m.subs, id)
	delete(m.logs, id)
	return nil
}

func (m *MemoryStore) LogDelivery(ctx context.Context, entry DeliveryLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[entry.WebhookID]; !ok {
		return ErrNotFound
	}
	m.logSeq++
	entry.ID = m.logSeq
	entry.CreatedAt = time.Now().UTC()
	logs := append(m.logs[entry.WebhookID], entry)
	if len(logs) > maxLogsPerWebhook {
		logs = logs[len(logs)-maxLogsPerWebhook:]
	}
	m.logs[entry.WebhookID] = logs
	return nil
}

func (m *MemoryStore) DeliveryLogs(ctx context.Context, webhookID int64, limit int) ([]DeliveryLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	logs := m.logs[webhookID]
	out := make([]DeliveryLog, 0, len(logs))
	for i := len(logs) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		out = append(out, logs[i])
	}
	return out, nil
}
