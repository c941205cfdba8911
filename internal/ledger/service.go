package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/obanteq/open-mmb-go/internal/core/money"
)

// Store is the persistence contract the fast path runs against. ApplyTransfer
// is a single-round-trip atomic routine: idempotency-key insert, account
// upsert, ordered advisory locks, currency and funds checks, entry + postings
// insert, balance update, and outbox append all commit or roll back together.
type Store interface {
	ApplyTransfer(ctx context.Context, p ApplyTransferParams) (ApplyTransferResult, error)
	ReadBalance(ctx context.Context, tenant money.TenantID, account money.AccountID) (Balance, error)
	ListEntries(ctx context.Context, tenant money.TenantID, account money.AccountID, limit, offset int) ([]JournalEntry, error)
}

// ApplyTransferParams is the wallet-convention two-line transfer: debit Src,
// credit Dst.
type ApplyTransferParams struct {
	Key       money.IdempotencyKey
	Tenant    money.TenantID
	Src       money.AccountID
	Dst       money.AccountID
	Amount    int64
	Currency  money.Currency
	Narration string
	BookedAt  time.Time
}

type ApplyTransferResult struct {
	EntryID   uuid.UUID
	Duplicate bool
}

// TransferRequest is the public fast-path transfer contract.
type TransferRequest struct {
	Key       string
	Tenant    string
	Src       string
	Dst       string
	Amount    int64
	Currency  string
	Narration string
}

// TransferResult reports either the freshly committed entry or the original
// entry id when the key had already been committed.
type TransferResult struct {
	EntryID   uuid.UUID
	Duplicate bool
}

const (
	minTransferMinor = 1
	maxTransferMinor = 1_000_000_000
)

// Config bounds the retry loop and fixes the supported currency set.
type Config struct {
	MaxRetries int
	RetryBase  time.Duration
	Currencies money.CurrencySet
}

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 100 * time.Millisecond
	}
	if c.Currencies == nil {
		c.Currencies = money.DefaultCurrencies
	}
	return c
}

// Service is the fast-path transfer handler.
type Service struct {
	store  Store
	cfg    Config
	logger *zap.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

func NewService(store Store, cfg Config, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:  store,
		cfg:    cfg.withDefaults(),
		logger: logger.Named("ledger"),
		sleep:  sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Transfer validates the request, executes the stored routine, and retries
// serialization conflicts with backoff. Validation, funds, and currency
// failures are never retried.
func (s *Service) Transfer(ctx context.Context, req TransferRequest) (TransferResult, error) {
	p, err := s.validate(req)
	if err != nil {
		return TransferResult{}, err
	}

	var lastErr error
	for attempt := 1; attempt <= s.cfg.MaxRetries; attempt++ {
		res, err := s.store.ApplyTransfer(ctx, p)
		if err == nil {
			if res.Duplicate {
				s.logger.Debug("duplicate transfer",
					zap.String("key", p.Key.String()),
					zap.String("tenant", p.Tenant.String()))
			}
			return TransferResult{EntryID: res.EntryID, Duplicate: res.Duplicate}, nil
		}
		if !errors.Is(err, ErrSerialization) {
			return TransferResult{}, err
		}
		lastErr = err
		s.logger.Warn("serialization conflict, retrying",
			zap.Int("attempt", attempt),
			zap.String("key", p.Key.String()))
		if attempt < s.cfg.MaxRetries {
			if err := s.sleep(ctx, s.cfg.RetryBase*time.Duration(attempt)); err != nil {
				return TransferResult{}, err
			}
		}
	}
	return TransferResult{}, fmt.Errorf("%w: %v", ErrConflict, lastErr)
}

func (s *Service) validate(req TransferRequest) (ApplyTransferParams, error) {
	key, err := money.ParseIdempotencyKey(req.Key)
	if err != nil {
		return ApplyTransferParams{}, err
	}
	tenant, err := money.ParseTenantID(req.Tenant)
	if err != nil {
		return ApplyTransferParams{}, err
	}
	src, err := money.ParseAccountID(req.Src)
	if err != nil {
		return ApplyTransferParams{}, fmt.Errorf("src: %w", err)
	}
	dst, err := money.ParseAccountID(req.Dst)
	if err != nil {
		return ApplyTransferParams{}, fmt.Errorf("dst: %w", err)
	}
	if src == dst {
		return ApplyTransferParams{}, fmt.Errorf("%w: src equals dst", money.ErrInvalidAccountID)
	}
	if req.Amount < minTransferMinor || req.Amount > maxTransferMinor {
		return ApplyTransferParams{}, fmt.Errorf("%w: %d", money.ErrInvalidAmount, req.Amount)
	}
	currency, err := money.ParseCurrency(req.Currency, s.cfg.Currencies)
	if err != nil {
		return ApplyTransferParams{}, err
	}
	if err := money.ValidateNarration(req.Narration); err != nil {
		return ApplyTransferParams{}, err
	}
	return ApplyTransferParams{
		Key:       key,
		Tenant:    tenant,
		Src:       src,
		Dst:       dst,
		Amount:    req.Amount,
		Currency:  currency,
		Narration: req.Narration,
	}, nil
}

// Balance reads a single account balance. Unknown accounts surface
// ErrAccountNotFound.
func (s *Service) Balance(ctx context.Context, tenant, account string) (Balance, error) {
	tnt, err := money.ParseTenantID(tenant)
	if err != nil {
		return Balance{}, err
	}
	acct, err := money.ParseAccountID(account)
	if err != nil {
		return Balance{}, err
	}
	return s.store.ReadBalance(ctx, tnt, acct)
}

// Entries lists committed journal entries touching an account, newest first.
func (s *Service) Entries(ctx context.Context, tenant, account string, limit, offset int) ([]JournalEntry, error) {
	tnt, err := money.ParseTenantID(tenant)
	if err != nil {
		return nil, err
	}
	acct, err := money.ParseAccountID(account)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return s.store.ListEntries(ctx, tnt, acct, limit, offset)
}

// IsRetryable reports whether an error would have been retried by Transfer.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrSerialization)
}

// IsValidation reports whether the error came from input validation rather
// than from storage state.
func IsValidation(err error) bool {
	return errors.Is(err, money.ErrInvalidAccountID) ||
		errors.Is(err, money.ErrInvalidTenantID) ||
		errors.Is(err, money.ErrInvalidKey) ||
		errors.Is(err, money.ErrInvalidAmount) ||
		errors.Is(err, money.ErrInvalidNarration) ||
		errors.Is(err, money.ErrUnsupportedCurrency) ||
		errors.Is(err, ErrInvalidEntry)
}
