// Package store persists instances and their usage counters. Every read and
// write that originates from a caller is composed with a tenant.Scope.
package store

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/iaze0088/IazeConnect-sub004/pkg/tenant"
)

type Status string

const (
	StatusCreated      Status = "created"
	StatusQRCode       Status = "qrcode"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusClosed       Status = "closed"
)

var AllStatuses = []Status{
	StatusCreated,
	StatusQRCode,
	StatusConnecting,
	StatusConnected,
	StatusDisconnected,
	StatusClosed,
}

func ParseStatus(raw string) (Status, bool) {
	for _, s := range AllStatuses {
		if string(s) == raw {
			return s, true
		}
	}
	return "", false
}

var (
	ErrNotFound  = errors.New("instance not found")
	ErrConflict  = errors.New("instance was modified concurrently")
	ErrNameTaken = errors.New("instance name already in use")
)

// Instance is one tenant's messaging session.
type Instance struct {
	InstanceName     string     `json:"instance_name"`
	TenantID         string     `json:"tenant_id"`
	ProviderToken    string     `json:"-"`
	PhoneNumber      string     `json:"phone_number,omitempty"`
	Status           Status     `json:"status"`
	IsConnected      bool       `json:"is_connected"`
	RawState         string     `json:"raw_state,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	LastWebhookAt    *time.Time `json:"last_webhook_at,omitempty"`
	LastWebhookEvent string     `json:"last_webhook_event,omitempty"`
	LastPollAt       *time.Time `json:"last_poll_at,omitempty"`
	DisconnectedAt   *time.Time `json:"disconnected_at,omitempty"`
	// StateObservedAt is when the latest connected or not-connected signal
	// folded into Status was observed at the provider.
	StateObservedAt *time.Time `json:"state_observed_at,omitempty"`
	Version         int64      `json:"version"`
}

// Clone returns a deep copy so callers never share timestamp pointers.
func (i Instance) Clone() Instance {
	i.LastWebhookAt = cloneTime(i.LastWebhookAt)
	i.LastPollAt = cloneTime(i.LastPollAt)
	i.DisconnectedAt = cloneTime(i.DisconnectedAt)
	i.StateObservedAt = cloneTime(i.StateObservedAt)
	return i
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Usage is the per-instance daily counter owned by the limiter.
type Usage struct {
	InstanceName  string    `json:"instance_name"`
	SentToday     int       `json:"sent_today"`
	ReceivedToday int       `json:"received_today"`
	DayBucket     string    `json:"day_bucket"`
	UpdatedAt     time.Time `json:"updated_at"`
}

type Filter struct {
	Status Status
}

func (f Filter) matches(inst Instance) bool {
	return f.Status == "" || inst.Status == f.Status
}

type Store interface {
	// Create inserts a new instance. The name is unique across all tenants.
	Create(ctx context.Context, inst *Instance) error
	Get(ctx context.Context, scope tenant.Scope, name string) (*Instance, error)
	// GetByName is unscoped and reserved for routing provider webhooks.
	GetByName(ctx context.Context, name string) (*Instance, error)
	// Update replaces a single row if its version still equals expectedVersion,
	// then advances inst.Version.
	Update(ctx context.Context, inst *Instance, expectedVersion int64) error
	List(ctx context.Context, scope tenant.Scope, filter Filter) ([]Instance, error)
	ListByStatus(ctx context.Context, statuses ...Status) ([]Instance, error)
	ListDisconnectedBefore(ctx context.Context, before time.Time) ([]Instance, error)
	Delete(ctx context.Context, scope tenant.Scope, name string) error
	CountByStatus(ctx context.Context, scope tenant.Scope) (map[Status]int, error)

	SaveUsage(ctx context.Context, usage Usage) error
	LoadUsage(ctx context.Context, name string) (Usage, error)

	Close() error
}

func sortInstances(instances []Instance) {
	sort.Slice(instances, func(i, j int) bool {
		if instances[i].TenantID != instances[j].TenantID {
			return instances[i].TenantID < instances[j].TenantID
		}
		return instances[i].InstanceName < instances[j].InstanceName
	})
}

func statusSet(statuses []Status) map[Status]struct{} {
	set := make(map[Status]struct{}, len(statuses))
	for _, s := range statuses {
		set[s] = struct{}{}
	}
	return set
}
