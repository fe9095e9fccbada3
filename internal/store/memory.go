package store

import (
	"context"
	"sync"
	"time"

	"github.com/iaze0088/IazeConnect-sub004/pkg/tenant"
)

// Memory keeps everything in process. It backs tests and the mock provider mode.
type Memory struct {
	mu        sync.RWMutex
	instances map[string]Instance
	usage     map[string]Usage
}

func NewMemory() *Memory {
	return &Memory{
		instances: make(map[string]Instance),
		usage:     make(map[string]Usage),
	}
}

func (m *Memory) Create(ctx context.Context, inst *Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.instances[inst.InstanceName]; exists {
		return ErrNameTaken
	}
	inst.Version = 1
	m.instances[inst.InstanceName] = inst.Clone()
	return nil
}

func (m *Memory) Get(ctx context.Context, scope tenant.Scope, name string) (*Instance, error) {
	if !scope.Valid() {
		return nil, tenant.ErrTenantScopeViolation
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	inst, ok := m.instances[name]
	if !ok || !scope.Allows(inst.TenantID) {
		return nil, ErrNotFound
	}
	out := inst.Clone()
	return &out, nil
}

func (m *Memory) GetByName(ctx context.Context, name string) (*Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	inst, ok := m.instances[name]
	if !ok {
		return nil, ErrNotFound
	}
	out := inst.Clone()
	return &out, nil
}

func (m *Memory) Update(ctx context.Context, inst *Instance, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.instances[inst.InstanceName]
	if !ok || current.TenantID != inst.TenantID {
		return ErrNotFound
	}
	if current.Version != expectedVersion {
		return ErrConflict
	}
	inst.Version = expectedVersion + 1
	m.instances[inst.InstanceName] = inst.Clone()
	return nil
}

func (m *Memory) List(ctx context.Context, scope tenant.Scope, filter Filter) ([]Instance, error) {
	if !scope.Valid() {
		return nil, tenant.ErrTenantScopeViolation
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Instance, 0)
	for _, inst := range m.instances {
		if scope.Allows(inst.TenantID) && filter.matches(inst) {
			out = append(out, inst.Clone())
		}
	}
	sortInstances(out)
	return out, nil
}

func (m *Memory) ListByStatus(ctx context.Context, statuses ...Status) ([]Instance, error) {
	set := statusSet(statuses)
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Instance, 0)
	for _, inst := range m.instances {
		if _, ok := set[inst.Status]; ok {
			out = append(out, inst.Clone())
		}
	}
	sortInstances(out)
	return out, nil
}

func (m *Memory) ListDisconnectedBefore(ctx context.Context, before time.Time) ([]Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Instance, 0)
	for _, inst := range m.instances {
		if inst.Status == StatusDisconnected && inst.DisconnectedAt != nil && inst.DisconnectedAt.Before(before) {
			out = append(out, inst.Clone())
		}
	}
	sortInstances(out)
	return out, nil
}

func (m *Memory) Delete(ctx context.Context, scope tenant.Scope, name string) error {
	if !scope.Valid() {
		return tenant.ErrTenantScopeViolation
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, ok := m.instances[name]
	if !ok || !scope.Allows(inst.TenantID) {
		return ErrNotFound
	}
	delete(m.instances, name)
	delete(m.usage, name)
	return nil
}

func (m *Memory) CountByStatus(ctx context.Context, scope tenant.Scope) (map[Status]int, error) {
	if !scope.Valid() {
		return nil, tenant.ErrTenantScopeViolation
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := make(map[Status]int, len(AllStatuses))
	for _, inst := range m.instances {
		if scope.Allows(inst.TenantID) {
			counts[inst.Status]++
		}
	}
	return counts, nil
}

func (m *Memory) SaveUsage(ctx context.Context, usage Usage) error {
	m.mu.Lock()
	m.usage[usage.InstanceName] = usage
	m.mu.Unlock()
	return nil
}

func (m *Memory) LoadUsage(ctx context.Context, name string) (Usage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	usage, ok := m.usage[name]
	if !ok {
		return Usage{}, ErrNotFound
	}
	return usage, nil
}

func (m *Memory) Close() error {
	return nil
}
