package store

import (
	"context"
	"errors"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/iaze0088/IazeConnect-sub004/pkg/tenant"
)

// RoutingCache remembers which tenant owns an instance name, so webhook
// traffic resolves to a tenant-scoped read instead of a global lookup.
type RoutingCache struct {
	store  Store
	owners *cache.Cache
}

func NewRoutingCache(s Store, ttl time.Duration) *RoutingCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RoutingCache{
		store:  s,
		owners: cache.New(ttl, 2*ttl),
	}
}

// Route returns the instance a provider event for name belongs to.
func (r *RoutingCache) Route(ctx context.Context, name string) (*Instance, error) {
	if owner, ok := r.owners.Get(name); ok {
		inst, err := r.store.Get(ctx, tenant.ForTenant(owner.(string)), name)
		if err == nil {
			return inst, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		r.owners.Delete(name)
	}

	inst, err := r.store.GetByName(ctx, name)
	if err != nil {
		return nil, err
	}
	r.owners.SetDefault(name, inst.TenantID)
	return inst, nil
}

// Forget drops a cached owner after the instance is deleted or recreated.
func (r *RoutingCache) Forget(name string) {
	r.owners.Delete(name)
}
