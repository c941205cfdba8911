// Package offline accepts device-signed operations queued while a device had
// no connectivity and replays them at-most-once per nonce when it returns.
package offline

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/obanteq/open-mmb-go/internal/core/money"
)

// State of a queued operation.
type State string

const (
	StateQueued   State = "queued"
	StateSynced   State = "synced"
	StateRejected State = "rejected"
)

// Operation kinds the queue accepts. Every kind ultimately produces a
// fast-path transfer.
const (
	KindTransfer      = "transfer"
	KindBillPayment   = "bill_payment"
	KindCashoutIntent = "cashout_intent"
)

// Operation is one device-signed queued request. (DeviceID, Nonce) is unique
// forever; the signature covers device id, canonical payload, nonce, and
// tenant.
type Operation struct {
	Tenant     money.TenantID
	DeviceID   string
	Kind       string
	Payload    json.RawMessage
	Nonce      string
	Signature  string
	EnqueuedAt time.Time
	State      State
}

// Store persists the queue. Insert must fail with ErrAlreadyQueued on a
// (device_id, nonce) collision and never overwrite the original row.
type Store interface {
	InsertOperation(ctx context.Context, op Operation) error
	FetchQueued(ctx context.Context, tenant money.TenantID, deviceID string, limit int) ([]Operation, error)
	SetOperationState(ctx context.Context, deviceID, nonce string, state State) error
}

var (
	// ErrAlreadyQueued signals a nonce replay on enqueue. Success-equivalent
	// to the device: the original operation is still queued or applied.
	ErrAlreadyQueued = errors.New("operation already queued")
	// ErrBadSignature rejects an operation whose HMAC does not verify.
	ErrBadSignature = errors.New("invalid operation signature")
	// ErrSyncInFlight means another sync for the same device is running.
	ErrSyncInFlight = errors.New("sync already in flight for device")
	// ErrUnknownKind rejects operations the server cannot translate.
	ErrUnknownKind = errors.New("unknown operation kind")
)

// transferPayload is the decoded body shared by all money-movement kinds.
// Bill payments and cashout intents name their counterparty account
// explicitly; the queue treats them as transfers to that account.
type transferPayload struct {
	Src         string `json:"src"`
	Dst         string `json:"dst,omitempty"`
	Biller      string `json:"biller,omitempty"`
	Agent       string `json:"agent,omitempty"`
	AmountMinor int64  `json:"amount_minor"`
	Currency    string `json:"currency"`
	Narration   string `json:"narration"`
}

func (p transferPayload) destinationFor(kind string) (string, error) {
	switch kind {
	case KindTransfer:
		return p.Dst, nil
	case KindBillPayment:
		return p.Biller, nil
	case KindCashoutIntent:
		return p.Agent, nil
	default:
		return "", ErrUnknownKind
	}
}
