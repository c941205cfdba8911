package store

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/obanteq/open-mmb-go/internal/core/money"
	"github.com/obanteq/open-mmb-go/internal/ledger"
	"github.com/obanteq/open-mmb-go/internal/offline"
	"github.com/obanteq/open-mmb-go/internal/platform/clock"
	"github.com/obanteq/open-mmb-go/internal/platform/outbox"
)

const testTenant = money.TenantID("tnt_acme")

func newTestMemory(t *testing.T) *Memory {
	t.Helper()
	m := NewMemory(Config{Region: "af-west"}, clock.Fixed{T: time.Date(2026, 8, 12, 9, 0, 0, 0, time.UTC)})
	m.Seed(testTenant, "wlt:alice", "NGN", 10_000)
	m.Seed(testTenant, "wlt:bob", "NGN", 0)
	return m
}

func transferParams(key string, amount int64) ledger.ApplyTransferParams {
	return ledger.ApplyTransferParams{
		Key:       money.IdempotencyKey(key),
		Tenant:    testTenant,
		Src:       "wlt:alice",
		Dst:       "wlt:bob",
		Amount:    amount,
		Currency:  "NGN",
		Narration: "lunch money",
	}
}

func TestApplyTransferMovesValueAndStaysBalanced(t *testing.T) {
	m := newTestMemory(t)
	ctx := context.Background()

	res, err := m.ApplyTransfer(ctx, transferParams("k1", 2_500))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if res.Duplicate {
		t.Fatal("fresh transfer reported as duplicate")
	}

	src, err := m.ReadBalance(ctx, testTenant, "wlt:alice")
	if err != nil {
		t.Fatalf("read src: %v", err)
	}
	dst, err := m.ReadBalance(ctx, testTenant, "wlt:bob")
	if err != nil {
		t.Fatalf("read dst: %v", err)
	}
	if src.AvailableMinor != 7_500 || dst.AvailableMinor != 2_500 {
		t.Fatalf("balances = %d/%d, want 7500/2500", src.AvailableMinor, dst.AvailableMinor)
	}
	if src.AvailableMinor+dst.AvailableMinor != 10_000 {
		t.Fatal("transfer created or destroyed value")
	}

	entries, err := m.ListEntries(ctx, testTenant, "wlt:alice", 10, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
	var debits, credits int64
	for _, l := range entries[0].Lines {
		switch l.Side {
		case ledger.Debit:
			debits += l.Amount
		case ledger.Credit:
			credits += l.Amount
		}
	}
	if debits != credits || debits != 2_500 {
		t.Fatalf("entry unbalanced: debits=%d credits=%d", debits, credits)
	}
}

func TestApplyTransferCommitsCanonicalEntryForm(t *testing.T) {
	m := newTestMemory(t)
	ctx := context.Background()

	res, err := m.ApplyTransfer(ctx, transferParams("k1", 1_000))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	entries, err := m.ListEntries(ctx, testTenant, "wlt:alice", 10, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	e := entries[0]
	if e.ID != res.EntryID {
		t.Fatalf("entry id = %s, want %s", e.ID, res.EntryID)
	}
	if err := ledger.CheckBalanced(e.Lines); err != nil {
		t.Fatalf("entry not balanced: %v", err)
	}
	seen := map[string]bool{}
	for _, l := range e.Lines {
		if l.EntryID != e.ID {
			t.Fatalf("posting %s detached from entry", l.ID)
		}
		if seen[l.ID.String()] {
			t.Fatalf("posting id %s reused", l.ID)
		}
		seen[l.ID.String()] = true
	}

	// The store runs the same construction validation the posting engine
	// does, so a malformed entry cannot reach persistence.
	bad := transferParams("k2", 1_000)
	bad.Narration = ""
	if _, err := m.ApplyTransfer(ctx, bad); !errors.Is(err, ledger.ErrInvalidEntry) {
		t.Fatalf("empty narration err = %v, want invalid entry", err)
	}
	src, _ := m.ReadBalance(ctx, testTenant, "wlt:alice")
	if src.AvailableMinor != 9_000 {
		t.Fatalf("rejected entry moved money: %d", src.AvailableMinor)
	}
	// The failed attempt must not burn the key.
	good := transferParams("k2", 500)
	if res, err := m.ApplyTransfer(ctx, good); err != nil || res.Duplicate {
		t.Fatalf("key reuse after rejection: res=%+v err=%v", res, err)
	}
}

func TestApplyTransferDuplicateKeyReturnsOriginalEntry(t *testing.T) {
	m := newTestMemory(t)
	ctx := context.Background()

	first, err := m.ApplyTransfer(ctx, transferParams("k1", 2_500))
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	second, err := m.ApplyTransfer(ctx, transferParams("k1", 2_500))
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if !second.Duplicate {
		t.Fatal("replay not reported as duplicate")
	}
	if second.EntryID != first.EntryID {
		t.Fatalf("replay entry id = %s, want original %s", second.EntryID, first.EntryID)
	}

	src, _ := m.ReadBalance(ctx, testTenant, "wlt:alice")
	if src.AvailableMinor != 7_500 {
		t.Fatalf("balance moved twice: %d", src.AvailableMinor)
	}
	if msgs, _ := m.FetchPending(ctx, 10); len(msgs) != 1 {
		t.Fatalf("outbox rows = %d, want 1 (no event for the replay)", len(msgs))
	}
}

func TestApplyTransferInsufficientFunds(t *testing.T) {
	m := newTestMemory(t)
	ctx := context.Background()

	_, err := m.ApplyTransfer(ctx, transferParams("k1", 10_001))
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("err = %v, want ErrInsufficientFunds", err)
	}

	src, _ := m.ReadBalance(ctx, testTenant, "wlt:alice")
	if src.AvailableMinor != 10_000 {
		t.Fatalf("failed transfer moved value: %d", src.AvailableMinor)
	}
	if msgs, _ := m.FetchPending(ctx, 10); len(msgs) != 0 {
		t.Fatal("failed transfer appended an outbox event")
	}
	// The key was not burned: the same key succeeds with a valid amount.
	if _, err := m.ApplyTransfer(ctx, transferParams("k1", 100)); err != nil {
		t.Fatalf("retry with same key after failure: %v", err)
	}
}

func TestApplyTransferCurrencyMismatch(t *testing.T) {
	m := newTestMemory(t)
	m.Seed(testTenant, "wlt:carol", "USD", 5_000)
	ctx := context.Background()

	p := transferParams("k1", 100)
	p.Dst = "wlt:carol"
	_, err := m.ApplyTransfer(ctx, p)
	if !errors.Is(err, ledger.ErrCurrencyMismatch) {
		t.Fatalf("err = %v, want ErrCurrencyMismatch", err)
	}
}

func TestApplyTransferConcurrentOverdrawAdmitsExactlyBudget(t *testing.T) {
	m := NewMemory(Config{Region: "af-west"}, clock.Fixed{T: time.Date(2026, 8, 12, 9, 0, 0, 0, time.UTC)})
	m.Seed(testTenant, "wlt:alice", "NGN", 1_000)
	m.Seed(testTenant, "wlt:bob", "NGN", 0)
	ctx := context.Background()

	// Ten concurrent 300-unit transfers against a 1000 balance: exactly
	// three can commit.
	var wg sync.WaitGroup
	var mu sync.Mutex
	var committed, refused int
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p := transferParams("k-"+string(rune('a'+i)), 300)
			_, err := m.ApplyTransfer(ctx, p)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				committed++
			case errors.Is(err, ledger.ErrInsufficientFunds):
				refused++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if committed != 3 || refused != 7 {
		t.Fatalf("committed=%d refused=%d, want 3/7", committed, refused)
	}
	src, _ := m.ReadBalance(ctx, testTenant, "wlt:alice")
	if src.AvailableMinor != 100 {
		t.Fatalf("final balance = %d, want 100", src.AvailableMinor)
	}
}

func TestApplyTransferRequiresTenant(t *testing.T) {
	m := newTestMemory(t)
	p := transferParams("k1", 100)
	p.Tenant = ""
	if _, err := m.ApplyTransfer(context.Background(), p); !errors.Is(err, ledger.ErrTenantIsolation) {
		t.Fatalf("err = %v, want ErrTenantIsolation", err)
	}
}

func TestTenantsDoNotSeeEachOther(t *testing.T) {
	m := newTestMemory(t)
	ctx := context.Background()

	if _, err := m.ReadBalance(ctx, "tnt_other", "wlt:alice"); !errors.Is(err, ledger.ErrAccountNotFound) {
		t.Fatalf("cross-tenant read err = %v, want ErrAccountNotFound", err)
	}
	entries, err := m.ListEntries(ctx, "tnt_other", "wlt:alice", 10, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 0 {
		t.Fatal("cross-tenant listing leaked entries")
	}
}

func TestOutboxEventCarriesBalancesAfter(t *testing.T) {
	m := newTestMemory(t)
	ctx := context.Background()

	if _, err := m.ApplyTransfer(ctx, transferParams("k1", 2_500)); err != nil {
		t.Fatalf("apply: %v", err)
	}
	msgs, err := m.FetchPending(ctx, 10)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("pending = %d, want 1", len(msgs))
	}
	if msgs[0].PartitionKey != "wlt:alice" {
		t.Fatalf("partition key = %q, want debited account", msgs[0].PartitionKey)
	}

	var ev ledger.Event
	if err := json.Unmarshal(msgs[0].Payload, &ev); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if ev.SourceRegion != "af-west" {
		t.Fatalf("source region = %q", ev.SourceRegion)
	}
	for _, l := range ev.Lines {
		switch l.Account {
		case "wlt:alice":
			if l.Side != "D" || l.BalanceAfter != 7_500 {
				t.Fatalf("src line = %+v", l)
			}
		case "wlt:bob":
			if l.Side != "C" || l.BalanceAfter != 2_500 {
				t.Fatalf("dst line = %+v", l)
			}
		}
	}

	if err := m.MarkPublished(ctx, msgs[0].ID); err != nil {
		t.Fatalf("mark published: %v", err)
	}
	if left, _ := m.FetchPending(ctx, 10); len(left) != 0 {
		t.Fatal("published message still pending")
	}
}

func TestOutboxSourceImplementsDispatcherContract(t *testing.T) {
	var _ outbox.Source = (*Memory)(nil)
	var _ outbox.Source = (*Postgres)(nil)
	var _ ledger.Store = (*Memory)(nil)
	var _ ledger.Store = (*Postgres)(nil)
	var _ offline.Store = (*Memory)(nil)
	var _ offline.Store = (*Postgres)(nil)
}

func TestOfflineOperationsAreExactlyOncePerNonce(t *testing.T) {
	m := newTestMemory(t)
	ctx := context.Background()

	op := offline.Operation{
		Tenant:     testTenant,
		DeviceID:   "pos-7",
		Nonce:      "n-001",
		Kind:       offline.KindTransfer,
		Payload:    []byte(`{"src":"wlt:alice","dst":"wlt:bob","amount_minor":100,"currency":"NGN"}`),
		Signature:  "cafe",
		State:      offline.StateQueued,
		EnqueuedAt: time.Date(2026, 8, 12, 8, 0, 0, 0, time.UTC),
	}
	if err := m.InsertOperation(ctx, op); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := m.InsertOperation(ctx, op); !errors.Is(err, offline.ErrAlreadyQueued) {
		t.Fatalf("replay err = %v, want ErrAlreadyQueued", err)
	}

	queued, err := m.FetchQueued(ctx, testTenant, "pos-7", 10)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(queued) != 1 {
		t.Fatalf("queued = %d, want 1", len(queued))
	}

	if err := m.SetOperationState(ctx, "pos-7", "n-001", offline.StateSynced); err != nil {
		t.Fatalf("set state: %v", err)
	}
	if queued, _ = m.FetchQueued(ctx, testTenant, "pos-7", 10); len(queued) != 0 {
		t.Fatal("synced operation still queued")
	}
}

func TestIdempotencyCleanupRemovesOnlyExpiredKeys(t *testing.T) {
	base := time.Date(2026, 8, 12, 9, 0, 0, 0, time.UTC)
	m := NewMemory(Config{Region: "af-west", IdempotencyTTL: time.Hour}, clock.Fixed{T: base})
	m.Seed(testTenant, "wlt:alice", "NGN", 10_000)
	m.Seed(testTenant, "wlt:bob", "NGN", 0)
	ctx := context.Background()

	if _, err := m.ApplyTransfer(ctx, transferParams("k-old", 100)); err != nil {
		t.Fatalf("apply: %v", err)
	}

	// Not yet expired.
	deleted, err := m.CleanupExpiredIdempotencyKeys(ctx, 100)
	if err != nil || deleted != 0 {
		t.Fatalf("cleanup = %d/%v, want 0/nil", deleted, err)
	}

	m.clock = clock.Fixed{T: base.Add(2 * time.Hour)}
	deleted, err = m.CleanupExpiredIdempotencyKeys(ctx, 100)
	if err != nil || deleted != 1 {
		t.Fatalf("cleanup = %d/%v, want 1/nil", deleted, err)
	}

	// After retention the key is free again: the transfer re-applies.
	res, err := m.ApplyTransfer(ctx, transferParams("k-old", 100))
	if err != nil {
		t.Fatalf("reuse after expiry: %v", err)
	}
	if res.Duplicate {
		t.Fatal("expired key still deduplicating")
	}
}
