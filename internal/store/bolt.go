package store

import (
	"context"
	"time"

	jsoniter "github.com/json-iterator/go"
	bolt "go.etcd.io/bbolt"

	"github.com/iaze0088/IazeConnect-sub004/pkg/tenant"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	instancesBucket = []byte("instances")
	usageBucket     = []byte("usage")
	// Instance hides ProviderToken from JSON, so tokens live in their own bucket.
	tokensBucket = []byte("provider_tokens")
)

// Bolt is a single-node durable store in an embedded bbolt file. bbolt
// serializes writers, so the version check and write share one transaction.
type Bolt struct {
	db *bolt.DB
}

func NewBolt(path string) (*Bolt, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{instancesBucket, usageBucket, tokensBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Bolt{db: db}, nil
}

func getInstance(b *bolt.Bucket, name string) (Instance, bool, error) {
	raw := b.Get([]byte(name))
	if raw == nil {
		return Instance{}, false, nil
	}
	var inst Instance
	if err := json.Unmarshal(raw, &inst); err != nil {
		return Instance{}, false, err
	}
	return inst, true, nil
}

func putInstance(b *bolt.Bucket, inst Instance) error {
	raw, err := json.Marshal(inst)
	if err != nil {
		return err
	}
	return b.Put([]byte(inst.InstanceName), raw)
}

func (s *Bolt) Create(ctx context.Context, inst *Instance) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(instancesBucket)
		if b.Get([]byte(inst.InstanceName)) != nil {
			return ErrNameTaken
		}
		created := inst.Clone()
		created.Version = 1
		if err := putInstance(b, created); err != nil {
			return err
		}
		if err := putToken(tx, created); err != nil {
			return err
		}
		inst.Version = 1
		return nil
	})
}

func (s *Bolt) Get(ctx context.Context, scope tenant.Scope, name string) (*Instance, error) {
	if !scope.Valid() {
		return nil, tenant.ErrTenantScopeViolation
	}
	inst, err := s.GetByName(ctx, name)
	if err != nil {
		return nil, err
	}
	if !scope.Allows(inst.TenantID) {
		return nil, ErrNotFound
	}
	return inst, nil
}

func (s *Bolt) GetByName(ctx context.Context, name string) (*Instance, error) {
	var inst Instance
	err := s.db.View(func(tx *bolt.Tx) error {
		found, ok, err := s.load(tx, name)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotFound
		}
		inst = found
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &inst, nil
}

func (s *Bolt) Update(ctx context.Context, inst *Instance, expectedVersion int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		current, ok, err := s.load(tx, inst.InstanceName)
		if err != nil {
			return err
		}
		if !ok || current.TenantID != inst.TenantID {
			return ErrNotFound
		}
		if current.Version != expectedVersion {
			return ErrConflict
		}
		next := inst.Clone()
		next.Version = expectedVersion + 1
		if err := putInstance(tx.Bucket(instancesBucket), next); err != nil {
			return err
		}
		if err := putToken(tx, next); err != nil {
			return err
		}
		inst.Version = next.Version
		return nil
	})
}

func (s *Bolt) List(ctx context.Context, scope tenant.Scope, filter Filter) ([]Instance, error) {
	if !scope.Valid() {
		return nil, tenant.ErrTenantScopeViolation
	}
	return s.scan(func(inst Instance) bool {
		return scope.Allows(inst.TenantID) && filter.matches(inst)
	})
}

func (s *Bolt) ListByStatus(ctx context.Context, statuses ...Status) ([]Instance, error) {
	set := statusSet(statuses)
	return s.scan(func(inst Instance) bool {
		_, ok := set[inst.Status]
		return ok
	})
}

func (s *Bolt) ListDisconnectedBefore(ctx context.Context, before time.Time) ([]Instance, error) {
	return s.scan(func(inst Instance) bool {
		return inst.Status == StatusDisconnected && inst.DisconnectedAt != nil && inst.DisconnectedAt.Before(before)
	})
}

func (s *Bolt) Delete(ctx context.Context, scope tenant.Scope, name string) error {
	if !scope.Valid() {
		return tenant.ErrTenantScopeViolation
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		inst, ok, err := s.load(tx, name)
		if err != nil {
			return err
		}
		if !ok || !scope.Allows(inst.TenantID) {
			return ErrNotFound
		}
		if err := tx.Bucket(instancesBucket).Delete([]byte(name)); err != nil {
			return err
		}
		if err := tx.Bucket(usageBucket).Delete([]byte(name)); err != nil {
			return err
		}
		return deleteToken(tx, name)
	})
}

func (s *Bolt) CountByStatus(ctx context.Context, scope tenant.Scope) (map[Status]int, error) {
	instances, err := s.List(ctx, scope, Filter{})
	if err != nil {
		return nil, err
	}
	counts := make(map[Status]int, len(AllStatuses))
	for _, inst := range instances {
		counts[inst.Status]++
	}
	return counts, nil
}

func (s *Bolt) SaveUsage(ctx context.Context, usage Usage) error {
	raw, err := json.Marshal(usage)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(usageBucket).Put([]byte(usage.InstanceName), raw)
	})
}

func (s *Bolt) LoadUsage(ctx context.Context, name string) (Usage, error) {
	var usage Usage
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(usageBucket).Get([]byte(name))
		if raw == nil {
			return ErrNotFound
		}
		return json.Unmarshal(raw, &usage)
	})
	return usage, err
}

func (s *Bolt) Close() error {
	return s.db.Close()
}

func (s *Bolt) load(tx *bolt.Tx, name string) (Instance, bool, error) {
	inst, ok, err := getInstance(tx.Bucket(instancesBucket), name)
	if err != nil || !ok {
		return inst, ok, err
	}
	inst.ProviderToken = string(tx.Bucket(tokensBucket).Get([]byte(name)))
	return inst, true, nil
}

func (s *Bolt) scan(match func(Instance) bool) ([]Instance, error) {
	out := make([]Instance, 0)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(instancesBucket).ForEach(func(k, v []byte) error {
			if v == nil {
				return nil
			}
			inst, _, err := s.load(tx, string(k))
			if err != nil {
				return err
			}
			if match(inst) {
				out = append(out, inst)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sortInstances(out)
	return out, nil
}

func putToken(tx *bolt.Tx, inst Instance) error {
	return tx.Bucket(tokensBucket).Put([]byte(inst.InstanceName), []byte(inst.ProviderToken))
}

func deleteToken(tx *bolt.Tx, name string) error {
	return tx.Bucket(tokensBucket).Delete([]byte(name))
}
