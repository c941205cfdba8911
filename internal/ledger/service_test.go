package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/obanteq/open-mmb-go/internal/core/money"
)

type scriptedStore struct {
	results []func() (ApplyTransferResult, error)
	calls   int
	params  []ApplyTransferParams
}

func (s *scriptedStore) ApplyTransfer(_ context.Context, p ApplyTransferParams) (ApplyTransferResult, error) {
	s.params = append(s.params, p)
	i := s.calls
	s.calls++
	if i >= len(s.results) {
		i = len(s.results) - 1
	}
	return s.results[i]()
}

func (s *scriptedStore) ReadBalance(context.Context, money.TenantID, money.AccountID) (Balance, error) {
	return Balance{}, ErrAccountNotFound
}

func (s *scriptedStore) ListEntries(context.Context, money.TenantID, money.AccountID, int, int) ([]JournalEntry, error) {
	return nil, nil
}

func ok(id uuid.UUID) func() (ApplyTransferResult, error) {
	return func() (ApplyTransferResult, error) { return ApplyTransferResult{EntryID: id}, nil }
}

func fail(err error) func() (ApplyTransferResult, error) {
	return func() (ApplyTransferResult, error) { return ApplyTransferResult{}, err }
}

func newTestService(store Store) (*Service, *[]time.Duration) {
	svc := NewService(store, Config{}, nil)
	var slept []time.Duration
	svc.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	return svc, &slept
}

func validRequest() TransferRequest {
	return TransferRequest{
		Key:       "req-001",
		Tenant:    "tnt_acme",
		Src:       "wlt:alice",
		Dst:       "wlt:bob",
		Amount:    500,
		Currency:  "NGN",
		Narration: "airtime topup",
	}
}

func TestTransferRetriesSerializationWithLinearBackoff(t *testing.T) {
	id := uuid.New()
	store := &scriptedStore{results: []func() (ApplyTransferResult, error){
		fail(ErrSerialization),
		fail(ErrSerialization),
		ok(id),
	}}
	svc, slept := newTestService(store)

	res, err := svc.Transfer(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if res.EntryID != id {
		t.Fatal("wrong entry id after retries")
	}
	if store.calls != 3 {
		t.Fatalf("attempts = %d, want 3", store.calls)
	}
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}
	if len(*slept) != len(want) {
		t.Fatalf("sleeps = %v, want %v", *slept, want)
	}
	for i := range want {
		if (*slept)[i] != want[i] {
			t.Fatalf("sleep %d = %v, want %v", i, (*slept)[i], want[i])
		}
	}
}

func TestTransferExhaustsRetryBudget(t *testing.T) {
	store := &scriptedStore{results: []func() (ApplyTransferResult, error){
		fail(ErrSerialization),
	}}
	svc, _ := newTestService(store)

	_, err := svc.Transfer(context.Background(), validRequest())
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
	if store.calls != 3 {
		t.Fatalf("attempts = %d, want 3", store.calls)
	}
}

func TestTransferDoesNotRetryBusinessFailures(t *testing.T) {
	for _, sentinel := range []error{ErrInsufficientFunds, ErrCurrencyMismatch} {
		store := &scriptedStore{results: []func() (ApplyTransferResult, error){
			fail(sentinel),
		}}
		svc, slept := newTestService(store)

		_, err := svc.Transfer(context.Background(), validRequest())
		if !errors.Is(err, sentinel) {
			t.Fatalf("err = %v, want %v", err, sentinel)
		}
		if store.calls != 1 {
			t.Fatalf("%v retried %d times", sentinel, store.calls)
		}
		if len(*slept) != 0 {
			t.Fatalf("%v slept before failing", sentinel)
		}
	}
}

func TestTransferSurfacesDuplicate(t *testing.T) {
	id := uuid.New()
	store := &scriptedStore{results: []func() (ApplyTransferResult, error){
		func() (ApplyTransferResult, error) {
			return ApplyTransferResult{EntryID: id, Duplicate: true}, nil
		},
	}}
	svc, _ := newTestService(store)

	res, err := svc.Transfer(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if !res.Duplicate || res.EntryID != id {
		t.Fatalf("result = %+v, want duplicate with original id", res)
	}
}

func TestTransferValidation(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*TransferRequest)
	}{
		{"empty key", func(r *TransferRequest) { r.Key = "" }},
		{"oversized key", func(r *TransferRequest) {
			k := make([]byte, 101)
			for i := range k {
				k[i] = 'a'
			}
			r.Key = string(k)
		}},
		{"bad tenant", func(r *TransferRequest) { r.Tenant = "acme" }},
		{"bad src", func(r *TransferRequest) { r.Src = "wallet with spaces" }},
		{"src equals dst", func(r *TransferRequest) { r.Dst = r.Src }},
		{"zero amount", func(r *TransferRequest) { r.Amount = 0 }},
		{"negative amount", func(r *TransferRequest) { r.Amount = -5 }},
		{"above cap", func(r *TransferRequest) { r.Amount = 1_000_000_001 }},
		{"unknown currency", func(r *TransferRequest) { r.Currency = "XAU" }},
		{"empty narration", func(r *TransferRequest) { r.Narration = "" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := &scriptedStore{results: []func() (ApplyTransferResult, error){
				ok(uuid.New()),
			}}
			svc, _ := newTestService(store)
			req := validRequest()
			tc.mutate(&req)

			_, err := svc.Transfer(context.Background(), req)
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !IsValidation(err) {
				t.Fatalf("err %v not classified as validation", err)
			}
			if store.calls != 0 {
				t.Fatal("invalid request reached the store")
			}
		})
	}
}

func TestIsRetryable(t *testing.T) {
	if !IsRetryable(ErrSerialization) {
		t.Fatal("serialization conflicts must be retryable")
	}
	for _, err := range []error{ErrInsufficientFunds, ErrCurrencyMismatch, ErrTenantIsolation, ErrConflict} {
		if IsRetryable(err) {
			t.Fatalf("%v must not be retryable", err)
		}
	}
}
