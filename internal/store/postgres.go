package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/lib/pq"

	"github.com/iaze0088/IazeConnect-sub004/pkg/tenant"
)

const uniqueViolation = "23505"

var schema = []string{
	`CREATE TABLE IF NOT EXISTS wa_instances (
		instance_name TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		provider_token TEXT NOT NULL DEFAULT '',
		phone_number TEXT,
		status TEXT NOT NULL,
		is_connected BOOLEAN NOT NULL DEFAULT FALSE,
		raw_state TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		last_webhook_at TIMESTAMPTZ,
		last_webhook_event TEXT,
		last_poll_at TIMESTAMPTZ,
		disconnected_at TIMESTAMPTZ,
		state_observed_at TIMESTAMPTZ,
		version BIGINT NOT NULL DEFAULT 1,
		CONSTRAINT wa_instances_connected_chk CHECK ((status = 'connected') = is_connected)
	)`,
	`ALTER TABLE wa_instances ADD COLUMN IF NOT EXISTS state_observed_at TIMESTAMPTZ`,
	`CREATE INDEX IF NOT EXISTS wa_instances_tenant_idx ON wa_instances (tenant_id, instance_name)`,
	`CREATE INDEX IF NOT EXISTS wa_instances_status_idx ON wa_instances (status)`,
	`CREATE TABLE IF NOT EXISTS wa_usage_counters (
		instance_name TEXT PRIMARY KEY,
		sent_today INTEGER NOT NULL DEFAULT 0,
		received_today INTEGER NOT NULL DEFAULT 0,
		day_bucket TEXT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
}

const instanceColumns = `instance_name, tenant_id, provider_token, phone_number, status, is_connected,
	raw_state, created_at, updated_at, last_webhook_at, last_webhook_event, last_poll_at,
	disconnected_at, state_observed_at, version`

// Postgres stores instances in PostgreSQL through database/sql, using either
// the pgx stdlib driver or lib/pq.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(ctx context.Context, driver string, dsn string) (*Postgres, error) {
	driver = normalizeDriver(driver)
	if driver != "pgx" && driver != "postgres" {
		return nil, fmt.Errorf("unsupported datastore driver %s", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(10 * time.Minute)
	db.SetConnMaxIdleTime(3 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply schema: %w", err)
		}
	}
	return &Postgres{db: db}, nil
}

// DB exposes the pool so other tables can share the connection.
func (p *Postgres) DB() *sql.DB {
	return p.db
}

func normalizeDriver(driver string) string {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "pgx", "postgresql":
		return "pgx"
	case "postgres", "pq":
		return "postgres"
	default:
		return strings.ToLower(driver)
	}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == uniqueViolation
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == uniqueViolation
	}
	return false
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanInstance(row rowScanner) (Instance, error) {
	var inst Instance
	var phone, event sql.NullString
	var lastWebhook, lastPoll, disconnected, observed sql.NullTime
	var status string
	err := row.Scan(
		&inst.InstanceName, &inst.TenantID, &inst.ProviderToken, &phone, &status, &inst.IsConnected,
		&inst.RawState, &inst.CreatedAt, &inst.UpdatedAt, &lastWebhook, &event, &lastPoll,
		&disconnected, &observed, &inst.Version,
	)
	if err != nil {
		return Instance{}, err
	}
	inst.Status = Status(status)
	inst.PhoneNumber = phone.String
	inst.LastWebhookEvent = event.String
	inst.LastWebhookAt = timePtr(lastWebhook)
	inst.LastPollAt = timePtr(lastPoll)
	inst.DisconnectedAt = timePtr(disconnected)
	inst.StateObservedAt = timePtr(observed)
	return inst, nil
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func (p *Postgres) Create(ctx context.Context, inst *Instance) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO wa_instances (`+instanceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, 1)
	`,
		inst.InstanceName, inst.TenantID, inst.ProviderToken, nullString(inst.PhoneNumber), string(inst.Status), inst.IsConnected,
		inst.RawState, inst.CreatedAt, inst.UpdatedAt, nullTime(inst.LastWebhookAt), nullString(inst.LastWebhookEvent), nullTime(inst.LastPollAt),
		nullTime(inst.DisconnectedAt), nullTime(inst.StateObservedAt),
	)
	if isUniqueViolation(err) {
		return ErrNameTaken
	}
	if err != nil {
		return err
	}
	inst.Version = 1
	return nil
}

func (p *Postgres) Get(ctx context.Context, scope tenant.Scope, name string) (*Instance, error) {
	if !scope.Valid() {
		return nil, tenant.ErrTenantScopeViolation
	}
	inst, err := p.GetByName(ctx, name)
	if err != nil {
		return nil, err
	}
	if !scope.Allows(inst.TenantID) {
		return nil, ErrNotFound
	}
	return inst, nil
}

func (p *Postgres) GetByName(ctx context.Context, name string) (*Instance, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM wa_instances WHERE instance_name = $1`, name)
	inst, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &inst, nil
}

func (p *Postgres) Update(ctx context.Context, inst *Instance, expectedVersion int64) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE wa_instances SET
			provider_token = $3, phone_number = $4, status = $5, is_connected = $6, raw_state = $7,
			updated_at = $8, last_webhook_at = $9, last_webhook_event = $10, last_poll_at = $11,
			disconnected_at = $12, state_observed_at = $13, version = version + 1
		WHERE instance_name = $1 AND tenant_id = $2 AND version = $14
	`,
		inst.InstanceName, inst.TenantID, inst.ProviderToken, nullString(inst.PhoneNumber), string(inst.Status), inst.IsConnected, inst.RawState,
		inst.UpdatedAt, nullTime(inst.LastWebhookAt), nullString(inst.LastWebhookEvent), nullTime(inst.LastPollAt),
		nullTime(inst.DisconnectedAt), nullTime(inst.StateObservedAt), expectedVersion,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		var exists bool
		err := p.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM wa_instances WHERE instance_name = $1 AND tenant_id = $2)`,
			inst.InstanceName, inst.TenantID).Scan(&exists)
		if err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return ErrConflict
	}
	inst.Version = expectedVersion + 1
	return nil
}

func (p *Postgres) List(ctx context.Context, scope tenant.Scope, filter Filter) ([]Instance, error) {
	if !scope.Valid() {
		return nil, tenant.ErrTenantScopeViolation
	}
	query := `SELECT ` + instanceColumns + ` FROM wa_instances WHERE TRUE`
	var args []interface{}
	if !scope.Global {
		args = append(args, scope.TenantID)
		query += fmt.Sprintf(" AND tenant_id = $%d", len(args))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	query += " ORDER BY tenant_id, instance_name"
	return p.query(ctx, query, args...)
}

func (p *Postgres) ListByStatus(ctx context.Context, statuses ...Status) ([]Instance, error) {
	if len(statuses) == 0 {
		return []Instance{}, nil
	}
	values := make([]string, len(statuses))
	for i, s := range statuses {
		values[i] = string(s)
	}
	return p.query(ctx, `SELECT `+instanceColumns+` FROM wa_instances WHERE status = ANY($1) ORDER BY tenant_id, instance_name`,
		pq.Array(values))
}

func (p *Postgres) ListDisconnectedBefore(ctx context.Context, before time.Time) ([]Instance, error) {
	return p.query(ctx, `SELECT `+instanceColumns+` FROM wa_instances
		WHERE status = $1 AND disconnected_at IS NOT NULL AND disconnected_at < $2
		ORDER BY tenant_id, instance_name`, string(StatusDisconnected), before)
}

func (p *Postgres) Delete(ctx context.Context, scope tenant.Scope, name string) error {
	if !scope.Valid() {
		return tenant.ErrTenantScopeViolation
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	query := `DELETE FROM wa_instances WHERE instance_name = $1`
	args := []interface{}{name}
	if !scope.Global {
		query += ` AND tenant_id = $2`
		args = append(args, scope.TenantID)
	}
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM wa_usage_counters WHERE instance_name = $1`, name); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *Postgres) CountByStatus(ctx context.Context, scope tenant.Scope) (map[Status]int, error) {
	if !scope.Valid() {
		return nil, tenant.ErrTenantScopeViolation
	}
	query := `SELECT status, COUNT(*) FROM wa_instances`
	var args []interface{}
	if !scope.Global {
		query += ` WHERE tenant_id = $1`
		args = append(args, scope.TenantID)
	}
	query += ` GROUP BY status`

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[Status]int, len(AllStatuses))
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[Status(status)] = count
	}
	return counts, rows.Err()
}

func (p *Postgres) SaveUsage(ctx context.Context, usage Usage) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO wa_usage_counters (instance_name, sent_today, received_today, day_bucket, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (instance_name) DO UPDATE
		SET sent_today = EXCLUDED.sent_today,
		    received_today = EXCLUDED.received_today,
		    day_bucket = EXCLUDED.day_bucket,
		    updated_at = EXCLUDED.updated_at
	`, usage.InstanceName, usage.SentToday, usage.ReceivedToday, usage.DayBucket, usage.UpdatedAt)
	return err
}

func (p *Postgres) LoadUsage(ctx context.Context, name string) (Usage, error) {
	var usage Usage
	err := p.db.QueryRowContext(ctx, `
		SELECT instance_name, sent_today, received_today, day_bucket, updated_at
		FROM wa_usage_counters WHERE instance_name = $1
	`, name).Scan(&usage.InstanceName, &usage.SentToday, &usage.ReceivedToday, &usage.DayBucket, &usage.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Usage{}, ErrNotFound
	}
	return usage, err
}

func (p *Postgres) Close() error {
	return p.db.Close()
}

func (p *Postgres) query(ctx context.Context, query string, args ...interface{}) ([]Instance, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Instance, 0)
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}
