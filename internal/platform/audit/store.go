package audit

import (
	"errors"
	"sync"
)

var ErrCorruptChain = errors.New("audit chain corruption detected")

// InMemoryStore holds the hash-chained trail for a single daemon. Heal
// interventions and offline-sync rejections append here; regulators read it
// back per tenant.
type InMemoryStore struct {
	mu     sync.Mutex
	events []Event
	last   string
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{last: "GENESIS"}
}

// Append links e to the tail of the chain. The previous link is recomputed
// first so a record tampered with after the fact surfaces on the very next
// write rather than in a later review.
func (s *InMemoryStore) Append(e Event) (Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e.HashPrev = s.last
	e.HashCurr = ComputeHash(s.last, e)

	if len(s.events) > 0 {
		prev := s.events[len(s.events)-1]
		recomputed := ComputeHash(prev.HashPrev, prev)
		if recomputed != prev.HashCurr {
			return Event{}, ErrCorruptChain
		}
	}

	s.events = append(s.events, e)
	s.last = e.HashCurr
	return e, nil
}

func (s *InMemoryStore) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// EventsForTenant returns the trail scoped to one tenant, in append order.
func (s *InMemoryStore) EventsForTenant(tenant string) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Event
	for _, e := range s.events {
		if e.Tenant == tenant {
			out = append(out, e)
		}
	}
	return out
}

// Verify walks the whole chain from GENESIS and reports the first broken
// link. Append only rechecks the tail; this is the full pass an operator runs
// before exporting the trail.
func (s *InMemoryStore) Verify() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := "GENESIS"
	for _, e := range s.events {
		if e.HashPrev != prev || ComputeHash(prev, e) != e.HashCurr {
			return ErrCorruptChain
		}
		prev = e.HashCurr
	}
	return nil
}
