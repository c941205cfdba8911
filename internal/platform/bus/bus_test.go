package bus

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/obanteq/open-mmb-go/internal/ledger"
	"github.com/obanteq/open-mmb-go/internal/platform/outbox"
)

func eventMessage(t *testing.T) (ledger.Event, outbox.Message) {
	t.Helper()
	ev := ledger.Event{
		EntryID:      uuid.New(),
		Tenant:       "tnt_acme",
		OccurredAt:   time.Date(2026, 8, 12, 9, 0, 0, 0, time.UTC),
		SourceRegion: "af-west",
		Lines: []ledger.EventLine{
			{Account: "wlt:a", Side: "D", Amount: 100, Currency: "NGN", BalanceAfter: 900},
			{Account: "wlt:b", Side: "C", Amount: 100, Currency: "NGN", BalanceAfter: 100},
		},
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return ev, outbox.Message{
		ID:           uuid.New(),
		Topic:        "ledger-events",
		PartitionKey: ev.PartitionKey(),
		Payload:      payload,
	}
}

func TestInProcFansOutInSubscriptionOrder(t *testing.T) {
	b := NewInProc()
	var order []string
	b.Subscribe(HandlerFunc(func(_ context.Context, ev ledger.Event) error {
		order = append(order, "first")
		return nil
	}))
	b.Subscribe(HandlerFunc(func(_ context.Context, ev ledger.Event) error {
		order = append(order, "second")
		return nil
	}))

	want, msg := eventMessage(t)
	var got ledger.Event
	b.Subscribe(HandlerFunc(func(_ context.Context, ev ledger.Event) error {
		got = ev
		return nil
	}))

	if err := b.Publish(context.Background(), msg); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Fatalf("order = %v", order)
	}
	if got.EntryID != want.EntryID || len(got.Lines) != 2 {
		t.Fatalf("decoded event = %+v", got)
	}
}

func TestInProcPropagatesHandlerFailure(t *testing.T) {
	b := NewInProc()
	sentinel := errors.New("consumer down")
	b.Subscribe(HandlerFunc(func(context.Context, ledger.Event) error {
		return sentinel
	}))
	var reached bool
	b.Subscribe(HandlerFunc(func(context.Context, ledger.Event) error {
		reached = true
		return nil
	}))

	_, msg := eventMessage(t)
	if err := b.Publish(context.Background(), msg); !errors.Is(err, sentinel) {
		t.Fatalf("err = %v, want handler failure", err)
	}
	// The failure surfaces to the dispatcher, which will redeliver; later
	// subscribers are not reached this round.
	if reached {
		t.Fatal("second handler ran after first failed")
	}
}

func TestInProcRejectsUndecodablePayload(t *testing.T) {
	b := NewInProc()
	if err := b.Publish(context.Background(), outbox.Message{Payload: []byte("{")}); err == nil {
		t.Fatal("expected decode error")
	}
}
