package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/obanteq/open-mmb-go/internal/core/money"
	"github.com/obanteq/open-mmb-go/internal/ledger"
	"github.com/obanteq/open-mmb-go/internal/offline"
	"github.com/obanteq/open-mmb-go/internal/platform/clock"
	"github.com/obanteq/open-mmb-go/internal/platform/outbox"
)

const (
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgUniqueViolation      = "23505"
)

// Config for the Postgres store.
type Config struct {
	Region         string
	EventTopic     string
	IdempotencyTTL time.Duration
}

func (c Config) withDefaults() Config {
	if c.EventTopic == "" {
		c.EventTopic = "ledger-events"
	}
	if c.IdempotencyTTL <= 0 {
		c.IdempotencyTTL = 30 * 24 * time.Hour
	}
	return c
}

// Postgres implements ledger.Store, outbox.Source, and offline.Store on one
// database. ApplyTransfer runs serializable with per-account advisory locks
// taken in ascending account-id order, which makes concurrent transfers
// deadlock-free by construction.
type Postgres struct {
	db    *sql.DB
	cfg   Config
	clock clock.Clock
}

func NewPostgres(db *sql.DB, cfg Config, clk clock.Clock) *Postgres {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Postgres{db: db, cfg: cfg.withDefaults(), clock: clk}
}

// Open dials the database with the pgx stdlib driver.
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

// translateErr maps driver errors onto the ledger sentinels the retry loop
// understands.
func translateErr(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgSerializationFailure, pgDeadlockDetected:
			return fmt.Errorf("%w: %s", ledger.ErrSerialization, pgErr.Code)
		case pgUniqueViolation:
			return fmt.Errorf("%w: %s", ledger.ErrSerialization, pgErr.ConstraintName)
		}
	}
	return err
}

// ApplyTransfer commits the whole fast-path mutation atomically: idempotency
// reservation, account locks, currency and funds checks, entry and postings,
// balance updates, and the outbox event.
func (p *Postgres) ApplyTransfer(ctx context.Context, params ledger.ApplyTransferParams) (ledger.ApplyTransferResult, error) {
	if params.Tenant == "" {
		return ledger.ApplyTransferResult{}, ledger.ErrTenantIsolation
	}
	if params.BookedAt.IsZero() {
		params.BookedAt = p.clock.Now()
	}

	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return ledger.ApplyTransferResult{}, translateErr(err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	res, err := p.applyTransferTx(ctx, tx, params)
	if err != nil {
		return ledger.ApplyTransferResult{}, translateErr(err)
	}
	if err := tx.Commit(); err != nil {
		return ledger.ApplyTransferResult{}, translateErr(err)
	}
	return res, nil
}

func (p *Postgres) applyTransferTx(ctx context.Context, tx *sql.Tx, params ledger.ApplyTransferParams) (ledger.ApplyTransferResult, error) {
	// The fast path is the two-line case of the canonical balanced-entry
	// constructor; its id doubles as the idempotency reservation value.
	entry, err := ledger.BuildEntry(params.Tenant, params.Narration, params.Currency,
		[]ledger.Line{{Account: params.Src, Amount: params.Amount}},
		[]ledger.Line{{Account: params.Dst, Amount: params.Amount}},
		params.BookedAt)
	if err != nil {
		return ledger.ApplyTransferResult{}, err
	}
	entryID := entry.ID

	// Reserve the idempotency key first. A replay short-circuits before any
	// lock is taken, so duplicates never contend with live traffic.
	const reserveKey = `
INSERT INTO idempotency_keys (tenant_id, idempotency_key, entry_id, expires_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (tenant_id, idempotency_key) DO NOTHING
`
	expiresAt := params.BookedAt.Add(p.cfg.IdempotencyTTL)
	reserved, err := tx.ExecContext(ctx, reserveKey,
		params.Tenant, params.Key, entryID, expiresAt)
	if err != nil {
		return ledger.ApplyTransferResult{}, err
	}
	if n, err := reserved.RowsAffected(); err != nil {
		return ledger.ApplyTransferResult{}, err
	} else if n == 0 {
		const original = `
SELECT entry_id FROM idempotency_keys
WHERE tenant_id = $1 AND idempotency_key = $2
`
		var originalID uuid.UUID
		if err := tx.QueryRowContext(ctx, original, params.Tenant, params.Key).Scan(&originalID); err != nil {
			return ledger.ApplyTransferResult{}, err
		}
		return ledger.ApplyTransferResult{EntryID: originalID, Duplicate: true}, nil
	}

	// Advisory locks in ascending account-id order. Every transfer touching
	// the same pair locks in the same sequence regardless of direction.
	first, second := params.Src, params.Dst
	if second < first {
		first, second = second, first
	}
	const advisory = `SELECT pg_advisory_xact_lock(hashtext($1))`
	for _, acct := range []money.AccountID{first, second} {
		if _, err := tx.ExecContext(ctx, advisory, string(params.Tenant)+"/"+string(acct)); err != nil {
			return ledger.ApplyTransferResult{}, err
		}
	}

	const upsertAccount = `
INSERT INTO accounts (tenant_id, account_id, currency_code)
VALUES ($1, $2, $3)
ON CONFLICT (tenant_id, account_id) DO NOTHING
`
	for _, acct := range []money.AccountID{params.Src, params.Dst} {
		if _, err := tx.ExecContext(ctx, upsertAccount, params.Tenant, acct, params.Currency); err != nil {
			return ledger.ApplyTransferResult{}, err
		}
	}

	const readAccount = `
SELECT currency_code, ledger_minor FROM accounts
WHERE tenant_id = $1 AND account_id = $2
`
	var srcCurrency, dstCurrency string
	var srcBalance, dstBalance int64
	if err := tx.QueryRowContext(ctx, readAccount, params.Tenant, params.Src).Scan(&srcCurrency, &srcBalance); err != nil {
		return ledger.ApplyTransferResult{}, err
	}
	if err := tx.QueryRowContext(ctx, readAccount, params.Tenant, params.Dst).Scan(&dstCurrency, &dstBalance); err != nil {
		return ledger.ApplyTransferResult{}, err
	}
	if srcCurrency != string(params.Currency) || dstCurrency != string(params.Currency) {
		return ledger.ApplyTransferResult{}, fmt.Errorf("%w: account currency differs from %s",
			ledger.ErrCurrencyMismatch, params.Currency)
	}
	if srcBalance < params.Amount {
		return ledger.ApplyTransferResult{}, fmt.Errorf("%w: have %d, need %d",
			ledger.ErrInsufficientFunds, srcBalance, params.Amount)
	}

	const insertEntry = `
INSERT INTO journal_entries (entry_id, tenant_id, narration, currency_code, booked_at)
VALUES ($1, $2, $3, $4, $5)
`
	if _, err := tx.ExecContext(ctx, insertEntry,
		entryID, params.Tenant, params.Narration, params.Currency, params.BookedAt); err != nil {
		return ledger.ApplyTransferResult{}, err
	}

	const insertPosting = `
INSERT INTO postings (posting_id, entry_id, tenant_id, account_id, side, amount_minor)
VALUES ($1, $2, $3, $4, $5, $6)
`
	for _, l := range entry.Lines {
		if _, err := tx.ExecContext(ctx, insertPosting,
			l.ID, entryID, params.Tenant, l.Account, l.Side, l.Amount); err != nil {
			return ledger.ApplyTransferResult{}, err
		}
	}

	const adjust = `
UPDATE accounts
SET ledger_minor = ledger_minor + $3, updated_at = $4
WHERE tenant_id = $1 AND account_id = $2
RETURNING ledger_minor
`
	var srcAfter, dstAfter int64
	if err := tx.QueryRowContext(ctx, adjust,
		params.Tenant, params.Src, -params.Amount, params.BookedAt).Scan(&srcAfter); err != nil {
		return ledger.ApplyTransferResult{}, err
	}
	if err := tx.QueryRowContext(ctx, adjust,
		params.Tenant, params.Dst, params.Amount, params.BookedAt).Scan(&dstAfter); err != nil {
		return ledger.ApplyTransferResult{}, err
	}

	event := ledger.Event{
		EntryID:      entryID,
		Tenant:       params.Tenant,
		OccurredAt:   params.BookedAt,
		SourceRegion: p.cfg.Region,
		Lines: []ledger.EventLine{
			{Account: params.Src, Side: "D", Amount: params.Amount, Currency: params.Currency, BalanceAfter: srcAfter},
			{Account: params.Dst, Side: "C", Amount: params.Amount, Currency: params.Currency, BalanceAfter: dstAfter},
		},
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return ledger.ApplyTransferResult{}, err
	}
	const insertOutbox = `
INSERT INTO outbox_messages (message_id, topic, partition_key, payload, enqueued_at)
VALUES ($1, $2, $3, $4::jsonb, $5)
`
	if _, err := tx.ExecContext(ctx, insertOutbox,
		uuid.New(), p.cfg.EventTopic, event.PartitionKey(), payload, params.BookedAt); err != nil {
		return ledger.ApplyTransferResult{}, err
	}

	return ledger.ApplyTransferResult{EntryID: entryID}, nil
}

func (p *Postgres) ReadBalance(ctx context.Context, tenant money.TenantID, account money.AccountID) (ledger.Balance, error) {
	if tenant == "" {
		return ledger.Balance{}, ledger.ErrTenantIsolation
	}
	const q = `
SELECT currency_code, ledger_minor, pending_minor FROM accounts
WHERE tenant_id = $1 AND account_id = $2
`
	var b ledger.Balance
	b.Account = account
	err := p.db.QueryRowContext(ctx, q, tenant, account).Scan(&b.Currency, &b.AvailableMinor, &b.PendingMinor)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Balance{}, ledger.ErrAccountNotFound
	}
	if err != nil {
		return ledger.Balance{}, err
	}
	return b, nil
}

func (p *Postgres) ListEntries(ctx context.Context, tenant money.TenantID, account money.AccountID, limit, offset int) ([]ledger.JournalEntry, error) {
	if tenant == "" {
		return nil, ledger.ErrTenantIsolation
	}
	const q = `
SELECT e.entry_id, e.narration, e.currency_code, e.booked_at,
       p.posting_id, p.account_id, p.side, p.amount_minor
FROM journal_entries e
JOIN postings p ON p.entry_id = e.entry_id
WHERE e.tenant_id = $1
  AND e.entry_id IN (
    SELECT entry_id FROM postings
    WHERE tenant_id = $1 AND account_id = $2
    ORDER BY entry_id DESC
    LIMIT $3 OFFSET $4
  )
ORDER BY e.booked_at DESC, e.entry_id, p.side
`
	rows, err := p.db.QueryContext(ctx, q, tenant, account, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byID := make(map[uuid.UUID]*ledger.JournalEntry)
	var order []uuid.UUID
	for rows.Next() {
		var (
			entryID, postingID uuid.UUID
			narration          string
			currency           string
			bookedAt           time.Time
			acct               string
			side               string
			amount             int64
		)
		if err := rows.Scan(&entryID, &narration, &currency, &bookedAt,
			&postingID, &acct, &side, &amount); err != nil {
			return nil, err
		}
		e, ok := byID[entryID]
		if !ok {
			e = &ledger.JournalEntry{
				ID:        entryID,
				Tenant:    tenant,
				Narration: narration,
				Currency:  money.Currency(currency),
				BookedAt:  bookedAt,
			}
			byID[entryID] = e
			order = append(order, entryID)
		}
		e.Lines = append(e.Lines, ledger.Posting{
			ID:      postingID,
			EntryID: entryID,
			Account: money.AccountID(acct),
			Amount:  amount,
			Side:    ledger.Side(side),
			Tenant:  tenant,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	out := make([]ledger.JournalEntry, 0, len(order))
	for _, id := range order {
		out = append(out, *byID[id])
	}
	return out, nil
}

// FetchPending implements outbox.Source.
func (p *Postgres) FetchPending(ctx context.Context, limit int) ([]outbox.Message, error) {
	const q = `
SELECT message_id, topic, partition_key, payload, enqueued_at, attempts
FROM outbox_messages
WHERE state = 'pending'
ORDER BY enqueued_at ASC, message_id ASC
LIMIT $1
`
	rows, err := p.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []outbox.Message
	for rows.Next() {
		m := outbox.Message{State: outbox.StatePending}
		if err := rows.Scan(&m.ID, &m.Topic, &m.PartitionKey, &m.Payload, &m.EnqueuedAt, &m.Attempts); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (p *Postgres) MarkPublished(ctx context.Context, id uuid.UUID) error {
	const q = `UPDATE outbox_messages SET state = 'published' WHERE message_id = $1`
	_, err := p.db.ExecContext(ctx, q, id)
	return err
}

func (p *Postgres) MarkPoison(ctx context.Context, id uuid.UUID, attempts int) error {
	const q = `UPDATE outbox_messages SET state = 'poison', attempts = $2 WHERE message_id = $1`
	_, err := p.db.ExecContext(ctx, q, id, attempts)
	return err
}

func (p *Postgres) RecordAttempt(ctx context.Context, id uuid.UUID, attempts int) error {
	const q = `UPDATE outbox_messages SET attempts = $2 WHERE message_id = $1`
	_, err := p.db.ExecContext(ctx, q, id, attempts)
	return err
}

// InsertOperation implements offline.Store. The primary key on
// (device_id, nonce) makes replays observable without a prior read.
func (p *Postgres) InsertOperation(ctx context.Context, op offline.Operation) error {
	const q = `
INSERT INTO offline_operations (device_id, nonce, tenant_id, kind, payload, signature, state, enqueued_at)
VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7, $8)
ON CONFLICT (device_id, nonce) DO NOTHING
`
	res, err := p.db.ExecContext(ctx, q,
		op.DeviceID, op.Nonce, op.Tenant, op.Kind, []byte(op.Payload), op.Signature, op.State, op.EnqueuedAt)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return offline.ErrAlreadyQueued
	}
	return nil
}

func (p *Postgres) FetchQueued(ctx context.Context, tenant money.TenantID, deviceID string, limit int) ([]offline.Operation, error) {
	if tenant == "" {
		return nil, ledger.ErrTenantIsolation
	}
	const q = `
SELECT device_id, nonce, tenant_id, kind, payload, signature, state, enqueued_at
FROM offline_operations
WHERE tenant_id = $1 AND device_id = $2 AND state = 'queued'
ORDER BY enqueued_at ASC, nonce ASC
LIMIT $3
`
	rows, err := p.db.QueryContext(ctx, q, tenant, deviceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []offline.Operation
	for rows.Next() {
		var op offline.Operation
		var payload []byte
		if err := rows.Scan(&op.DeviceID, &op.Nonce, &op.Tenant, &op.Kind, &payload,
			&op.Signature, &op.State, &op.EnqueuedAt); err != nil {
			return nil, err
		}
		op.Payload = payload
		out = append(out, op)
	}
	return out, rows.Err()
}

func (p *Postgres) SetOperationState(ctx context.Context, deviceID, nonce string, state offline.State) error {
	const q = `UPDATE offline_operations SET state = $3 WHERE device_id = $1 AND nonce = $2`
	_, err := p.db.ExecContext(ctx, q, deviceID, nonce, state)
	return err
}

// CleanupExpiredIdempotencyKeys deletes one batch of expired keys and reports
// how many were removed.
func (p *Postgres) CleanupExpiredIdempotencyKeys(ctx context.Context, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = 500
	}
	const q = `
WITH doomed AS (
  SELECT ctid
  FROM idempotency_keys
  WHERE expires_at <= $1
  ORDER BY expires_at ASC
  LIMIT $2
)
DELETE FROM idempotency_keys
WHERE ctid IN (SELECT ctid FROM doomed)
`
	res, err := p.db.ExecContext(ctx, q, p.clock.Now(), batchSize)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// RunIdempotencyCleanup prunes expired keys until the context is cancelled.
// Each tick drains in batches so a backlog cannot hold a long transaction.
func (p *Postgres) RunIdempotencyCleanup(ctx context.Context, interval time.Duration, batchSize int, observer func(deleted int64, err error)) error {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for {
				deleted, err := p.CleanupExpiredIdempotencyKeys(ctx, batchSize)
				if observer != nil {
					observer(deleted, err)
				}
				if err != nil || deleted == 0 {
					break
				}
			}
		}
	}
}
