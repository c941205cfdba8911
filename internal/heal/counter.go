// Package heal tracks per-region balance drift and posts bounded
// compensating entries through a tenant-scoped suspense account.
package heal

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/obanteq/open-mmb-go/internal/core/money"
	"github.com/obanteq/open-mmb-go/internal/ledger"
)

// Key identifies one drift counter.
type Key struct {
	Tenant   money.TenantID
	Account  money.AccountID
	Currency money.Currency
}

type totals struct {
	pos int64 // sum of credit legs observed in the region
	neg int64 // sum of debit legs observed in the region
}

// Counters accumulates per-region posting totals from the ledger-events
// stream. Counters are monotonic; balance[region] = pos − neg. The consumer
// dedupes on entry id because bus delivery is at-least-once.
type Counters struct {
	regionA string
	regionB string

	mu       sync.Mutex
	perKey   map[Key]map[string]*totals
	lastSeen map[money.TenantID]map[string]time.Time
	seen     map[uuid.UUID]struct{}
}

func NewCounters(regionA, regionB string) *Counters {
	return &Counters{
		regionA:  regionA,
		regionB:  regionB,
		perKey:   make(map[Key]map[string]*totals),
		lastSeen: make(map[money.TenantID]map[string]time.Time),
		seen:     make(map[uuid.UUID]struct{}),
	}
}

// HandleLedgerEvent implements bus.Handler.
func (c *Counters) HandleLedgerEvent(_ context.Context, ev ledger.Event) error {
	if ev.SourceRegion != c.regionA && ev.SourceRegion != c.regionB {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.touchLocked(ev.Tenant, ev.SourceRegion, ev.OccurredAt)
	if _, dup := c.seen[ev.EntryID]; dup {
		return nil
	}
	c.seen[ev.EntryID] = struct{}{}

	for _, line := range ev.Lines {
		t := c.totalsLocked(Key{Tenant: ev.Tenant, Account: line.Account, Currency: line.Currency}, ev.SourceRegion)
		if line.Side == "D" {
			t.neg += line.Amount
		} else {
			t.pos += line.Amount
		}
	}
	return nil
}

func (c *Counters) totalsLocked(k Key, region string) *totals {
	regions, ok := c.perKey[k]
	if !ok {
		regions = map[string]*totals{
			c.regionA: {},
			c.regionB: {},
		}
		c.perKey[k] = regions
	}
	t, ok := regions[region]
	if !ok {
		t = &totals{}
		regions[region] = t
	}
	return t
}

func (c *Counters) touchLocked(tenant money.TenantID, region string, at time.Time) {
	regions, ok := c.lastSeen[tenant]
	if !ok {
		regions = make(map[string]time.Time)
		c.lastSeen[tenant] = regions
	}
	if at.After(regions[region]) {
		regions[region] = at
	}
}

// Drift is a snapshot of one key's cross-region difference.
type Drift struct {
	Key  Key
	Diff int64 // balance[A] − balance[B]
}

// Snapshot returns every key with a non-zero difference.
func (c *Counters) Snapshot() []Drift {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []Drift
	for k, regions := range c.perKey {
		a, b := regions[c.regionA], regions[c.regionB]
		var balA, balB int64
		if a != nil {
			balA = a.pos - a.neg
		}
		if b != nil {
			balB = b.pos - b.neg
		}
		if diff := balA - balB; diff != 0 {
			out = append(out, Drift{Key: k, Diff: diff})
		}
	}
	return out
}

// Watermark is the most recent instant up to which both regions have
// reported events for the tenant: the minimum of the per-region high marks.
// Zero until both regions have been observed at least once.
func (c *Counters) Watermark(tenant money.TenantID) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	regions := c.lastSeen[tenant]
	a, okA := regions[c.regionA]
	b, okB := regions[c.regionB]
	if !okA || !okB {
		return time.Time{}
	}
	if a.Before(b) {
		return a
	}
	return b
}

// ApplyHeal folds a committed compensating entry into the counters ahead of
// its event arriving on the bus. The entry id is pre-marked as seen so the
// eventual event is deduped instead of double-counted.
func (c *Counters) ApplyHeal(entryID uuid.UUID, k Key, region string, amount int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, dup := c.seen[entryID]; dup {
		return
	}
	c.seen[entryID] = struct{}{}
	c.totalsLocked(k, region).pos += amount
}
