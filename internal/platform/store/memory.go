package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/obanteq/open-mmb-go/internal/core/money"
	"github.com/obanteq/open-mmb-go/internal/ledger"
	"github.com/obanteq/open-mmb-go/internal/offline"
	"github.com/obanteq/open-mmb-go/internal/platform/clock"
	"github.com/obanteq/open-mmb-go/internal/platform/outbox"
)

type memAccount struct {
	currency money.Currency
	ledger   int64
	pending  int64
}

type memKey struct {
	tenant money.TenantID
	id     string
}

type idemRecord struct {
	entryID   uuid.UUID
	expiresAt time.Time
}

// Memory is the in-process store used by tests and single-node dev mode. It
// mirrors the Postgres semantics, including idempotent replays, funds and
// currency checks under one lock, and the transactional outbox append.
type Memory struct {
	cfg   Config
	clock clock.Clock

	mu       sync.Mutex
	accounts map[memKey]*memAccount
	entries  []ledger.JournalEntry
	idem     map[memKey]idemRecord
	outbox   []outbox.Message
	offline  map[string]*offline.Operation
	offOrder []string
}

func NewMemory(cfg Config, clk clock.Clock) *Memory {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Memory{
		cfg:      cfg.withDefaults(),
		clock:    clk,
		accounts: make(map[memKey]*memAccount),
		idem:     make(map[memKey]idemRecord),
		offline:  make(map[string]*offline.Operation),
	}
}

// Seed credits an account outside the transfer path, for fixtures and dev
// bootstrap.
func (m *Memory) Seed(tenant money.TenantID, account money.AccountID, currency money.Currency, amount int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := memKey{tenant: tenant, id: string(account)}
	a, ok := m.accounts[k]
	if !ok {
		a = &memAccount{currency: currency}
		m.accounts[k] = a
	}
	a.ledger += amount
}

func (m *Memory) ApplyTransfer(_ context.Context, params ledger.ApplyTransferParams) (ledger.ApplyTransferResult, error) {
	if params.Tenant == "" {
		return ledger.ApplyTransferResult{}, ledger.ErrTenantIsolation
	}
	if params.BookedAt.IsZero() {
		params.BookedAt = m.clock.Now()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	idemKey := memKey{tenant: params.Tenant, id: string(params.Key)}
	if rec, ok := m.idem[idemKey]; ok {
		return ledger.ApplyTransferResult{EntryID: rec.entryID, Duplicate: true}, nil
	}

	src := m.accountLocked(params.Tenant, params.Src, params.Currency)
	dst := m.accountLocked(params.Tenant, params.Dst, params.Currency)
	if src.currency != params.Currency || dst.currency != params.Currency {
		return ledger.ApplyTransferResult{}, fmt.Errorf("%w: account currency differs from %s",
			ledger.ErrCurrencyMismatch, params.Currency)
	}
	if src.ledger < params.Amount {
		return ledger.ApplyTransferResult{}, fmt.Errorf("%w: have %d, need %d",
			ledger.ErrInsufficientFunds, src.ledger, params.Amount)
	}

	// The fast path is the two-line case of the canonical balanced-entry
	// constructor; the same commit shape serves multi-leg entries.
	entry, err := ledger.BuildEntry(params.Tenant, params.Narration, params.Currency,
		[]ledger.Line{{Account: params.Src, Amount: params.Amount}},
		[]ledger.Line{{Account: params.Dst, Amount: params.Amount}},
		params.BookedAt)
	if err != nil {
		return ledger.ApplyTransferResult{}, err
	}
	entryID := entry.ID
	src.ledger -= params.Amount
	dst.ledger += params.Amount

	m.entries = append(m.entries, *entry)
	m.idem[idemKey] = idemRecord{entryID: entryID, expiresAt: params.BookedAt.Add(m.cfg.IdempotencyTTL)}

	event := ledger.Event{
		EntryID:      entryID,
		Tenant:       params.Tenant,
		OccurredAt:   params.BookedAt,
		SourceRegion: m.cfg.Region,
		Lines: []ledger.EventLine{
			{Account: params.Src, Side: "D", Amount: params.Amount, Currency: params.Currency, BalanceAfter: src.ledger},
			{Account: params.Dst, Side: "C", Amount: params.Amount, Currency: params.Currency, BalanceAfter: dst.ledger},
		},
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return ledger.ApplyTransferResult{}, err
	}
	m.outbox = append(m.outbox, outbox.Message{
		ID:           uuid.New(),
		Topic:        m.cfg.EventTopic,
		PartitionKey: event.PartitionKey(),
		Payload:      payload,
		EnqueuedAt:   params.BookedAt,
		State:        outbox.StatePending,
	})

	return ledger.ApplyTransferResult{EntryID: entryID}, nil
}

func (m *Memory) accountLocked(tenant money.TenantID, id money.AccountID, currency money.Currency) *memAccount {
	k := memKey{tenant: tenant, id: string(id)}
	a, ok := m.accounts[k]
	if !ok {
		a = &memAccount{currency: currency}
		m.accounts[k] = a
	}
	return a
}

func (m *Memory) ReadBalance(_ context.Context, tenant money.TenantID, account money.AccountID) (ledger.Balance, error) {
	if tenant == "" {
		return ledger.Balance{}, ledger.ErrTenantIsolation
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[memKey{tenant: tenant, id: string(account)}]
	if !ok {
		return ledger.Balance{}, ledger.ErrAccountNotFound
	}
	return ledger.Balance{
		Account:        account,
		AvailableMinor: a.ledger,
		PendingMinor:   a.pending,
		Currency:       a.currency,
	}, nil
}

func (m *Memory) ListEntries(_ context.Context, tenant money.TenantID, account money.AccountID, limit, offset int) ([]ledger.JournalEntry, error) {
	if tenant == "" {
		return nil, ledger.ErrTenantIsolation
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var matched []ledger.JournalEntry
	for _, e := range m.entries {
		if e.Tenant != tenant {
			continue
		}
		for _, l := range e.Lines {
			if l.Account == account {
				matched = append(matched, e)
				break
			}
		}
	}
	// Newest first.
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].BookedAt.After(matched[j].BookedAt)
	})
	if offset >= len(matched) {
		return nil, nil
	}
	matched = matched[offset:]
	if limit < len(matched) {
		matched = matched[:limit]
	}
	return matched, nil
}

func (m *Memory) FetchPending(_ context.Context, limit int) ([]outbox.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []outbox.Message
	for _, msg := range m.outbox {
		if msg.State != outbox.StatePending {
			continue
		}
		out = append(out, msg)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) MarkPublished(_ context.Context, id uuid.UUID) error {
	return m.setOutboxState(id, outbox.StatePublished, -1)
}

func (m *Memory) MarkPoison(_ context.Context, id uuid.UUID, attempts int) error {
	return m.setOutboxState(id, outbox.StatePoison, attempts)
}

func (m *Memory) RecordAttempt(_ context.Context, id uuid.UUID, attempts int) error {
	return m.setOutboxState(id, "", attempts)
}

func (m *Memory) setOutboxState(id uuid.UUID, state string, attempts int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.outbox {
		if m.outbox[i].ID != id {
			continue
		}
		if state != "" {
			m.outbox[i].State = state
		}
		if attempts >= 0 {
			m.outbox[i].Attempts = attempts
		}
		return nil
	}
	return fmt.Errorf("outbox message %s not found", id)
}

func (m *Memory) InsertOperation(_ context.Context, op offline.Operation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := op.DeviceID + "\x00" + op.Nonce
	if _, ok := m.offline[k]; ok {
		return offline.ErrAlreadyQueued
	}
	cp := op
	m.offline[k] = &cp
	m.offOrder = append(m.offOrder, k)
	return nil
}

func (m *Memory) FetchQueued(_ context.Context, tenant money.TenantID, deviceID string, limit int) ([]offline.Operation, error) {
	if tenant == "" {
		return nil, ledger.ErrTenantIsolation
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []offline.Operation
	for _, k := range m.offOrder {
		op := m.offline[k]
		if op.Tenant != tenant || op.DeviceID != deviceID || op.State != offline.StateQueued {
			continue
		}
		out = append(out, *op)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) SetOperationState(_ context.Context, deviceID, nonce string, state offline.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	op, ok := m.offline[deviceID+"\x00"+nonce]
	if !ok {
		return fmt.Errorf("offline operation %s/%s not found", deviceID, nonce)
	}
	op.State = state
	return nil
}

// CleanupExpiredIdempotencyKeys mirrors the Postgres retention pass.
func (m *Memory) CleanupExpiredIdempotencyKeys(_ context.Context, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = 500
	}
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	var deleted int64
	for k, rec := range m.idem {
		if deleted == int64(batchSize) {
			break
		}
		if !rec.expiresAt.After(now) {
			delete(m.idem, k)
			deleted++
		}
	}
	return deleted, nil
}
