package ledger

import (
	"time"

	"github.com/google/uuid"

	"github.com/obanteq/open-mmb-go/internal/core/money"
)

// EventLine is one leg of a published ledger event. BalanceAfter is the
// account's ledger balance after the entry committed; the realtime stream
// serves it directly so subscribers need no follow-up read on the happy path.
type EventLine struct {
	Account      money.AccountID `json:"account"`
	Side         string          `json:"side"`
	Amount       int64           `json:"amount"`
	Currency     money.Currency  `json:"currency"`
	BalanceAfter int64           `json:"balanceAfter"`
}

// Event is the ledger-events payload appended to the outbox in the same
// transaction as the posting. Partitioned by source account id downstream.
type Event struct {
	EntryID      uuid.UUID      `json:"entryId"`
	Tenant       money.TenantID `json:"tenant"`
	OccurredAt   time.Time      `json:"occurredAt"`
	Lines        []EventLine    `json:"lines"`
	SourceRegion string         `json:"sourceRegion"`
}

// PartitionKey orders delivery per account. The first debit leg's account is
// the partition key for a transfer event.
func (e Event) PartitionKey() string {
	for _, l := range e.Lines {
		if l.Side == "D" {
			return string(l.Account)
		}
	}
	if len(e.Lines) > 0 {
		return string(e.Lines[0].Account)
	}
	return e.EntryID.String()
}
