package memory

import (
	"context"
	"sync"

	"github.com/DAMEDIC/fhir-store-go/model"
	"github.com/DAMEDIC/fhir-store-go/outcome"
	"github.com/DAMEDIC/fhir-store-go/tenant"
)

type lockKey struct {
	tenantID string
	identity model.Identity
}

// locks implements per-resource pessimistic locking with channel
// semaphores so acquisition can be abandoned on context cancellation.
type locks struct {
	mu    sync.Mutex
	slots map[lockKey]chan struct{}
}

func (l *locks) init() {
	l.slots = make(map[lockKey]chan struct{})
}

func (l *locks) slot(key lockKey) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	slot, ok := l.slots[key]
	if !ok {
		slot = make(chan struct{}, 1)
		l.slots[key] = slot
	}
	return slot
}

// Lock acquires the per-resource lock, blocking until it is free or the
// context is done. The returned release function is idempotent.
func (s *Store) Lock(ctx context.Context, tc tenant.Context, identity model.Identity) (func(), error) {
	if !tc.IsValid() {
		return nil, &outcome.ValidationError{Detail: "operation without tenant context"}
	}
	slot := s.locks.slot(lockKey{tenantID: tc.ID(), identity: identity})

	select {
	case slot <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	var once sync.Once
	release := func() {
		once.Do(func() { <-slot })
	}
	return release, nil
}
