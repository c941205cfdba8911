package offline_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/obanteq/open-mmb-go/internal/core/money"
	"github.com/obanteq/open-mmb-go/internal/ledger"
	"github.com/obanteq/open-mmb-go/internal/offline"
	"github.com/obanteq/open-mmb-go/internal/platform/clock"
	"github.com/obanteq/open-mmb-go/internal/platform/store"
)

const (
	testTenant = money.TenantID("tnt_acme")
	testDevice = "pos-terminal-7"
)

var testRoot = []byte("root-key-for-tests-only")

type fixture struct {
	queue    *offline.Queue
	verifier *offline.HMACVerifier
	mem      *store.Memory
	svc      *ledger.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := clock.Fixed{T: time.Date(2026, 8, 12, 9, 0, 0, 0, time.UTC)}
	mem := store.NewMemory(store.Config{Region: "af-west"}, clk)
	mem.Seed(testTenant, "wlt:alice", "NGN", 10_000)
	mem.Seed(testTenant, "wlt:bob", "NGN", 0)
	svc := ledger.NewService(mem, ledger.Config{}, nil)
	verifier := offline.NewHMACVerifier(offline.NewDerivedKeySource(testRoot))
	return &fixture{
		queue:    offline.NewQueue(mem, verifier, svc, clk, nil, nil),
		verifier: verifier,
		mem:      mem,
		svc:      svc,
	}
}

func (f *fixture) signedOp(t *testing.T, nonce string, amount int64) offline.Operation {
	t.Helper()
	payload, _ := json.Marshal(map[string]any{
		"src":          "wlt:alice",
		"dst":          "wlt:bob",
		"amount_minor": amount,
		"currency":     "NGN",
		"narration":    "offline purchase",
	})
	op := offline.Operation{
		Tenant:   testTenant,
		DeviceID: testDevice,
		Kind:     offline.KindTransfer,
		Payload:  payload,
		Nonce:    nonce,
	}
	sig, err := f.verifier.Sign(context.Background(), op)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	op.Signature = sig
	return op
}

func TestAcceptRequiresValidSignature(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	op := f.signedOp(t, "n-001", 100)
	op.Signature = "deadbeef"
	if _, err := f.queue.Accept(ctx, op); !errors.Is(err, offline.ErrBadSignature) {
		t.Fatalf("err = %v, want ErrBadSignature", err)
	}

	// Tampering with the payload after signing must also fail.
	op = f.signedOp(t, "n-002", 100)
	op.Payload = []byte(`{"src":"wlt:alice","dst":"wlt:mallory","amount_minor":100,"currency":"NGN","narration":"offline purchase"}`)
	if _, err := f.queue.Accept(ctx, op); !errors.Is(err, offline.ErrBadSignature) {
		t.Fatalf("tampered payload err = %v, want ErrBadSignature", err)
	}
}

func TestAcceptToleratesReorderedPayloadKeys(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	op := f.signedOp(t, "n-001", 100)
	// Same JSON object, different key order: canonicalization makes the
	// signature hold.
	op.Payload = []byte(`{"narration":"offline purchase","currency":"NGN","amount_minor":100,"dst":"wlt:bob","src":"wlt:alice"}`)
	if _, err := f.queue.Accept(ctx, op); err != nil {
		t.Fatalf("reordered keys rejected: %v", err)
	}
}

func TestAcceptNonceReplayIsSuccessEquivalent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	op := f.signedOp(t, "n-001", 100)
	already, err := f.queue.Accept(ctx, op)
	if err != nil || already {
		t.Fatalf("first accept = %v/%v", already, err)
	}
	already, err = f.queue.Accept(ctx, op)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !already {
		t.Fatal("replay not reported as already queued")
	}

	queued, _ := f.mem.FetchQueued(ctx, testTenant, testDevice, 10)
	if len(queued) != 1 {
		t.Fatalf("queued = %d, want 1", len(queued))
	}
}

func TestSyncReplaysInOrderExactlyOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i, amount := range []int64{100, 200, 300} {
		op := f.signedOp(t, fmt.Sprintf("n-%03d", i), amount)
		if _, err := f.queue.Accept(ctx, op); err != nil {
			t.Fatalf("accept %d: %v", i, err)
		}
	}

	results, err := f.queue.Sync(ctx, testTenant, testDevice, 0)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("results = %d, want 3", len(results))
	}
	for i, r := range results {
		if r.Status != offline.StateSynced {
			t.Fatalf("result %d = %+v", i, r)
		}
	}

	bal, _ := f.svc.Balance(ctx, string(testTenant), "wlt:bob")
	if bal.AvailableMinor != 600 {
		t.Fatalf("bob = %d, want 600", bal.AvailableMinor)
	}

	// A second sync finds nothing; re-accepted operations are replays.
	results, err = f.queue.Sync(ctx, testTenant, testDevice, 0)
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("second sync replayed %d operations", len(results))
	}
	bal, _ = f.svc.Balance(ctx, string(testTenant), "wlt:bob")
	if bal.AvailableMinor != 600 {
		t.Fatal("second sync moved value")
	}
}

func TestSyncCrashReplayDeduplicatesThroughDerivedKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	op := f.signedOp(t, "n-001", 250)
	if _, err := f.queue.Accept(ctx, op); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := f.queue.Sync(ctx, testTenant, testDevice, 0); err != nil {
		t.Fatalf("sync: %v", err)
	}

	// Simulate a crash after the ledger commit but before the queue row was
	// marked synced: the operation is queued again and replayed.
	if err := f.mem.SetOperationState(ctx, testDevice, "n-001", offline.StateQueued); err != nil {
		t.Fatalf("requeue: %v", err)
	}
	results, err := f.queue.Sync(ctx, testTenant, testDevice, 0)
	if err != nil {
		t.Fatalf("replay sync: %v", err)
	}
	if len(results) != 1 || results[0].Status != offline.StateSynced {
		t.Fatalf("replay results = %+v", results)
	}

	bal, _ := f.svc.Balance(ctx, string(testTenant), "wlt:bob")
	if bal.AvailableMinor != 250 {
		t.Fatalf("bob = %d after replay, want 250 (single application)", bal.AvailableMinor)
	}
}

func TestSyncRejectsDoomedOperationsAndContinues(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// First operation overdraws, second is fine. The overdraw is a terminal
	// rejection, not a transient failure, so the batch continues.
	if _, err := f.queue.Accept(ctx, f.signedOp(t, "n-001", 50_000)); err != nil {
		t.Fatalf("accept overdraw: %v", err)
	}
	if _, err := f.queue.Accept(ctx, f.signedOp(t, "n-002", 100)); err != nil {
		t.Fatalf("accept good: %v", err)
	}

	results, err := f.queue.Sync(ctx, testTenant, testDevice, 0)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}
	if results[0].Status != offline.StateRejected {
		t.Fatalf("overdraw result = %+v, want rejected", results[0])
	}
	if results[1].Status != offline.StateSynced {
		t.Fatalf("good result = %+v, want synced", results[1])
	}

	// Rejected operations never come back.
	queued, _ := f.mem.FetchQueued(ctx, testTenant, testDevice, 10)
	if len(queued) != 0 {
		t.Fatalf("still queued: %d", len(queued))
	}
}

// gatedStore parks FetchQueued so a sync can be held in flight.
type gatedStore struct {
	offline.Store
	entered chan struct{}
	release chan struct{}
}

func (g *gatedStore) FetchQueued(ctx context.Context, tenant money.TenantID, deviceID string, limit int) ([]offline.Operation, error) {
	g.entered <- struct{}{}
	<-g.release
	return g.Store.FetchQueued(ctx, tenant, deviceID, limit)
}

func TestSyncSerializesPerDevice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.queue.Accept(ctx, f.signedOp(t, "n-001", 100)); err != nil {
		t.Fatalf("accept: %v", err)
	}

	gated := &gatedStore{
		Store:   f.mem,
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	clk := clock.Fixed{T: time.Date(2026, 8, 12, 9, 0, 0, 0, time.UTC)}
	queue := offline.NewQueue(gated, f.verifier, f.svc, clk, nil, nil)

	done := make(chan error, 1)
	go func() {
		_, err := queue.Sync(ctx, testTenant, testDevice, 0)
		done <- err
	}()
	<-gated.entered

	if _, err := queue.Sync(ctx, testTenant, testDevice, 0); !errors.Is(err, offline.ErrSyncInFlight) {
		t.Fatalf("concurrent sync err = %v, want ErrSyncInFlight", err)
	}

	close(gated.release)
	if err := <-done; err != nil {
		t.Fatalf("held sync: %v", err)
	}
}

func TestAcceptValidatesEnvelope(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cases := []struct {
		name   string
		mutate func(*offline.Operation)
	}{
		{"empty device", func(op *offline.Operation) { op.DeviceID = "" }},
		{"oversized device", func(op *offline.Operation) { op.DeviceID = strings.Repeat("x", 41) }},
		{"empty nonce", func(op *offline.Operation) { op.Nonce = "" }},
		{"oversized nonce", func(op *offline.Operation) { op.Nonce = strings.Repeat("x", 49) }},
		{"empty payload", func(op *offline.Operation) { op.Payload = nil }},
		{"bad tenant", func(op *offline.Operation) { op.Tenant = "acme" }},
		{"unknown kind", func(op *offline.Operation) { op.Kind = "teleport" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			op := f.signedOp(t, "n-bad", 100)
			tc.mutate(&op)
			if _, err := f.queue.Accept(ctx, op); err == nil {
				t.Fatal("expected rejection")
			}
		})
	}
}

func TestDerivedKeyFitsIdempotencyLimit(t *testing.T) {
	// Longest device id and nonce the queue accepts.
	key := offline.DerivedKey(strings.Repeat("d", 40), strings.Repeat("n", 48))
	if _, err := money.ParseIdempotencyKey(key); err != nil {
		t.Fatalf("longest derived key invalid: %v", err)
	}
}

func TestDeriveDeviceSecretIsDeterministicAndScoped(t *testing.T) {
	a1, err := offline.DeriveDeviceSecret(testRoot, testTenant, testDevice)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	a2, _ := offline.DeriveDeviceSecret(testRoot, testTenant, testDevice)
	if string(a1) != string(a2) {
		t.Fatal("derivation not deterministic")
	}
	other, _ := offline.DeriveDeviceSecret(testRoot, "tnt_other", testDevice)
	if string(a1) == string(other) {
		t.Fatal("secret not scoped by tenant")
	}
	otherDev, _ := offline.DeriveDeviceSecret(testRoot, testTenant, "pos-terminal-8")
	if string(a1) == string(otherDev) {
		t.Fatal("secret not scoped by device")
	}
}
