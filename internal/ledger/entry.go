package ledger

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/obanteq/open-mmb-go/internal/core/money"
)

// BuildEntry constructs a balanced journal entry from debit and credit legs.
// This is the canonical representation; the fast-path transfer is the
// two-line special case. Account existence and per-account currency checks
// happen at commit time inside the store, everything else is validated here.
func BuildEntry(
	tenant money.TenantID,
	narration string,
	currency money.Currency,
	debits, credits []Line,
	bookedAt time.Time,
) (*JournalEntry, error) {
	if err := money.ValidateNarration(narration); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}
	if len(debits) == 0 || len(credits) == 0 {
		return nil, fmt.Errorf("%w: need at least one debit and one credit", ErrInvalidEntry)
	}

	var debitSum, creditSum int64
	for _, d := range debits {
		if d.Amount <= 0 {
			return nil, fmt.Errorf("%w: non-positive debit amount %d on %s", ErrInvalidEntry, d.Amount, d.Account)
		}
		debitSum += d.Amount
	}
	for _, c := range credits {
		if c.Amount <= 0 {
			return nil, fmt.Errorf("%w: non-positive credit amount %d on %s", ErrInvalidEntry, c.Amount, c.Account)
		}
		creditSum += c.Amount
	}
	if debitSum != creditSum {
		return nil, fmt.Errorf("%w: debits %d != credits %d", ErrInvalidEntry, debitSum, creditSum)
	}

	entry := &JournalEntry{
		ID:        uuid.New(),
		Tenant:    tenant,
		Narration: narration,
		Currency:  currency,
		BookedAt:  bookedAt.UTC(),
	}
	for _, d := range debits {
		entry.Lines = append(entry.Lines, Posting{
			ID:      uuid.New(),
			EntryID: entry.ID,
			Account: d.Account,
			Amount:  d.Amount,
			Side:    Debit,
			Tenant:  tenant,
		})
	}
	for _, c := range credits {
		entry.Lines = append(entry.Lines, Posting{
			ID:      uuid.New(),
			EntryID: entry.ID,
			Account: c.Account,
			Amount:  c.Amount,
			Side:    Credit,
			Tenant:  tenant,
		})
	}
	return entry, nil
}

// Delta returns the signed balance change a posting applies under the wallet
// convention: credit adds, debit subtracts.
func (p Posting) Delta() int64 {
	if p.Side == Debit {
		return -p.Amount
	}
	return p.Amount
}

// CheckBalanced verifies the zero-sum invariant over an entry's lines.
func CheckBalanced(lines []Posting) error {
	var total int64
	for _, l := range lines {
		total += l.Delta()
	}
	if total != 0 {
		return fmt.Errorf("%w: line deltas sum to %d", ErrInvalidEntry, total)
	}
	return nil
}
