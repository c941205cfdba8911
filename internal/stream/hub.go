// Package stream pushes realtime balance updates to websocket subscribers.
// The hub consumes the ledger-events bus; a subscriber only ever sees
// accounts inside its own tenant scope.
package stream

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/obanteq/open-mmb-go/internal/core/money"
	"github.com/obanteq/open-mmb-go/internal/ledger"
)

// BalanceUpdate is the wire message delivered on every committed entry
// touching a subscribed account.
type BalanceUpdate struct {
	Type         string    `json:"type"`
	Account      string    `json:"account"`
	Currency     string    `json:"currency"`
	BalanceMinor int64     `json:"balanceMinor"`
	EntryID      string    `json:"entryId"`
	OccurredAt   time.Time `json:"occurredAt"`
}

type subKey struct {
	tenant  money.TenantID
	account money.AccountID
}

// subscriber receives marshalled updates. send reports false when the
// subscriber is too slow and should be dropped.
type subscriber interface {
	send(msg []byte) bool
	close()
}

// Hub routes ledger events to account subscribers. Implements bus.Handler.
type Hub struct {
	logger *zap.Logger

	mu   sync.RWMutex
	subs map[subKey]map[subscriber]struct{}
}

func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		logger: logger.Named("stream"),
		subs:   make(map[subKey]map[subscriber]struct{}),
	}
}

func (h *Hub) subscribe(tenant money.TenantID, account money.AccountID, s subscriber) {
	k := subKey{tenant: tenant, account: account}
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[k]
	if !ok {
		set = make(map[subscriber]struct{})
		h.subs[k] = set
	}
	set[s] = struct{}{}
}

func (h *Hub) unsubscribe(tenant money.TenantID, account money.AccountID, s subscriber) {
	k := subKey{tenant: tenant, account: account}
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.subs[k]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(h.subs, k)
		}
	}
}

func (h *Hub) dropAll(s subscriber, keys []subKey) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, k := range keys {
		if set, ok := h.subs[k]; ok {
			delete(set, s)
			if len(set) == 0 {
				delete(h.subs, k)
			}
		}
	}
}

// HandleLedgerEvent implements bus.Handler. Each line fans out to the
// subscribers of its account, carrying the committed balance so no read
// follows.
func (h *Hub) HandleLedgerEvent(_ context.Context, ev ledger.Event) error {
	for _, line := range ev.Lines {
		update := BalanceUpdate{
			Type:         "balanceUpdate",
			Account:      string(line.Account),
			Currency:     string(line.Currency),
			BalanceMinor: line.BalanceAfter,
			EntryID:      ev.EntryID.String(),
			OccurredAt:   ev.OccurredAt,
		}
		msg, err := json.Marshal(update)
		if err != nil {
			return err
		}

		k := subKey{tenant: ev.Tenant, account: line.Account}
		h.mu.RLock()
		var slow []subscriber
		for s := range h.subs[k] {
			if !s.send(msg) {
				slow = append(slow, s)
			}
		}
		h.mu.RUnlock()

		// Slow consumers are disconnected rather than allowed to stall
		// or accumulate unbounded backlog.
		for _, s := range slow {
			h.logger.Warn("dropping slow subscriber", zap.String("account", string(line.Account)))
			s.close()
		}
	}
	return nil
}
