// Package ledger implements the double-entry core: balanced journal-entry
// construction and the idempotent fast-path transfer on top of a Store.
package ledger

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/obanteq/open-mmb-go/internal/core/money"
)

// Side of a posting. Debit subtracts from a wallet-convention account,
// credit adds to it; for every committed entry the signed deltas sum to zero
// within the entry currency.
type Side string

const (
	Debit  Side = "debit"
	Credit Side = "credit"
)

// WireCode is the single-letter form used in event payloads.
func (s Side) WireCode() string {
	if s == Debit {
		return "D"
	}
	return "C"
}

// Posting is one line of a journal entry.
type Posting struct {
	ID      uuid.UUID
	EntryID uuid.UUID
	Account money.AccountID
	Amount  int64
	Side    Side
	Tenant  money.TenantID
}

// JournalEntry is an immutable balanced set of postings. All lines share one
// currency; debits and credits sum to the same total.
type JournalEntry struct {
	ID        uuid.UUID
	Tenant    money.TenantID
	Narration string
	Currency  money.Currency
	BookedAt  time.Time
	Lines     []Posting
}

// Line is a debit or credit leg supplied to BuildEntry.
type Line struct {
	Account money.AccountID
	Amount  int64
}

// Account is the persistent balance record.
type Account struct {
	ID          money.AccountID
	Tenant      money.TenantID
	Currency    money.Currency
	LedgerMinor int64
	UpdatedAt   time.Time
}

// Balance is the read-path projection of an account.
type Balance struct {
	Account        money.AccountID
	AvailableMinor int64
	PendingMinor   int64
	Currency       money.Currency
}

var (
	// ErrInvalidEntry marks a programmer error in entry construction; it is
	// never retried.
	ErrInvalidEntry = errors.New("invalid journal entry")
	// ErrInsufficientFunds is returned when the source balance is below the
	// requested amount at the serializable snapshot.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrCurrencyMismatch is returned when an account currency differs from
	// the requested currency.
	ErrCurrencyMismatch = errors.New("currency mismatch")
	// ErrAccountNotFound is returned by read paths for unknown accounts.
	ErrAccountNotFound = errors.New("account not found")
	// ErrSerialization marks a retryable serializable-isolation conflict.
	ErrSerialization = errors.New("serialization conflict")
	// ErrConflict is surfaced after the retry budget is exhausted.
	ErrConflict = errors.New("conflict: retries exhausted")
	// ErrTenantIsolation is a fatal programmer error: a storage call was
	// attempted without tenant scope.
	ErrTenantIsolation = errors.New("tenant isolation violation")
)
