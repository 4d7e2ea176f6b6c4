// Package audit records who touched which resource when. Recording is best
// effort at the call sites: an unavailable trail degrades observability,
// never data operations.
package audit

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/DAMEDIC/fhir-store-go/capabilities"
	"github.com/DAMEDIC/fhir-store-go/model"
	"github.com/google/uuid"
)

// Action classifies what happened to a resource.
type Action string

const (
	ActionCreate Action = "create"
	ActionRead   Action = "read"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
	ActionSearch Action = "search"
)

// Event is one audit trail entry.
type Event struct {
	ID       string
	Time     time.Time
	TenantID string
	Action   Action
	// Subject is the touched resource. Zero for search events.
	Subject model.Identity
	// Outcome is empty on success, otherwise a short failure description.
	Outcome string
	// Detail carries action-specific context, e.g. the query string of a
	// search.
	Detail string
}

// Query selects audit events.
type Query struct {
	// From and To bound the event time, inclusive from, exclusive to.
	// Zero means unbounded.
	From, To time.Time
	// TenantID restricts to one tenant. Empty means all.
	TenantID string
	// Subject restricts to events touching one resource.
	Subject model.Identity
	// Limit bounds the result. Zero means no bound.
	Limit int
}

// Sink receives and serves audit events.
type Sink interface {
	Record(ctx context.Context, event Event) error
	Find(ctx context.Context, q Query) ([]Event, error)
}

// MemorySink is a bounded in-memory audit trail.
type MemorySink struct {
	mu     sync.RWMutex
	events []Event
	limit  int
	now    func() time.Time
}

var _ Sink = (*MemorySink)(nil)

// NewMemorySink creates a sink retaining at most limit events, oldest
// dropped first. A limit of zero means unbounded.
func NewMemorySink(limit int) *MemorySink {
	return &MemorySink{limit: limit, now: time.Now}
}

func (s *MemorySink) Name() string {
	return "memory-audit"
}

func (s *MemorySink) Capabilities(ctx context.Context) (capabilities.Capabilities, error) {
	return capabilities.Capabilities{}, nil
}

func (s *MemorySink) Record(ctx context.Context, event Event) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Time.IsZero() {
		event.Time = s.now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	if s.limit > 0 && len(s.events) > s.limit {
		s.events = slices.Delete(s.events, 0, len(s.events)-s.limit)
	}
	return nil
}

func (s *MemorySink) Find(ctx context.Context, q Query) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Event
	for _, event := range s.events {
		if !q.From.IsZero() && event.Time.Before(q.From) {
			continue
		}
		if !q.To.IsZero() && !event.Time.Before(q.To) {
			continue
		}
		if q.TenantID != "" && event.TenantID != q.TenantID {
			continue
		}
		if q.Subject != (model.Identity{}) && event.Subject != q.Subject {
			continue
		}
		out = append(out, event)
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out, nil
}
