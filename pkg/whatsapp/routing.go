package whatsapp

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var errRoutingNotFound = errors.New("session routing not found")

// sessionRoute binds an orchestrator session name to its provider token and,
// once paired, the whatsmeow device JID.
type sessionRoute struct {
	Name      string
	Token     string
	JID       string
	UpdatedAt time.Time
}

func openRoutingDB(ctx context.Context, driver string, dsn string) (*sql.DB, error) {
	if driver != "pgx" {
		return nil, fmt.Errorf("unsupported datastore driver for routing: %s", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(10 * time.Minute)
	db.SetConnMaxIdleTime(3 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	_, err = db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS whatsmeow_session_routing (
		session_name TEXT PRIMARY KEY,
		session_token TEXT NOT NULL,
		whatsmeow_jid TEXT,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func saveRouting(ctx context.Context, db *sql.DB, name string, token string, jid string) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO whatsmeow_session_routing (session_name, session_token, whatsmeow_jid, updated_at)
		VALUES ($1, $2, NULLIF($3, ''), NOW())
		ON CONFLICT (session_name) DO UPDATE
		SET session_token = EXCLUDED.session_token,
		    whatsmeow_jid = EXCLUDED.whatsmeow_jid,
		    updated_at = NOW()
	`, name, token, jid)
	return err
}

func updateRoutingJID(ctx context.Context, db *sql.DB, name string, jid string) error {
	_, err := db.ExecContext(ctx, `
		UPDATE whatsmeow_session_routing
		SET whatsmeow_jid = NULLIF($2, ''), updated_at = NOW()
		WHERE session_name = $1
	`, name, jid)
	return err
}

func getRouting(ctx context.Context, db *sql.DB, name string) (sessionRoute, error) {
	var route sessionRoute
	var jid sql.NullString
	err := db.QueryRowContext(ctx, `
		SELECT session_name, session_token, whatsmeow_jid, updated_at
		FROM whatsmeow_session_routing WHERE session_name = $1
	`, name).Scan(&route.Name, &route.Token, &jid, &route.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return sessionRoute{}, errRoutingNotFound
	}
	if err != nil {
		return sessionRoute{}, err
	}
	route.JID = jid.String
	return route, nil
}

func deleteRouting(ctx context.Context, db *sql.DB, name string) error {
	_, err := db.ExecContext(ctx, `DELETE FROM whatsmeow_session_routing WHERE session_name = $1`, name)
	return err
}
