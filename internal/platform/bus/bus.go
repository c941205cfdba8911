// Package bus moves ledger events between the outbox dispatcher and the
// downstream consumers (drift counters, realtime stream). Two transports:
// Kafka for deployments, an in-process fan-out for tests and dev mode.
package bus

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/obanteq/open-mmb-go/internal/ledger"
	"github.com/obanteq/open-mmb-go/internal/platform/outbox"
)

// Handler consumes one decoded ledger event. Handlers must be idempotent on
// entry id; delivery is at-least-once.
type Handler interface {
	HandleLedgerEvent(ctx context.Context, ev ledger.Event) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, ev ledger.Event) error

func (f HandlerFunc) HandleLedgerEvent(ctx context.Context, ev ledger.Event) error {
	return f(ctx, ev)
}

// InProc is a synchronous fan-out implementing outbox.Sink. Publish decodes
// the payload once and hands it to every subscriber in subscription order.
type InProc struct {
	mu       sync.RWMutex
	handlers []Handler
}

func NewInProc() *InProc {
	return &InProc{}
}

func (b *InProc) Subscribe(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

func (b *InProc) Publish(ctx context.Context, msg outbox.Message) error {
	var ev ledger.Event
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		return err
	}
	b.mu.RLock()
	handlers := make([]Handler, len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.RUnlock()
	for _, h := range handlers {
		if err := h.HandleLedgerEvent(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}
