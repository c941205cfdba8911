// Package money holds the value types every ledger operation is expressed
// in: minor-unit amounts, ISO-4217 currencies, and the opaque identifiers
// for accounts, tenants, and idempotency keys. No floating point anywhere.
package money

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	ErrCurrencyMismatch    = errors.New("currency mismatch")
	ErrUnsupportedCurrency = errors.New("unsupported currency")
	ErrInvalidAmount       = errors.New("amount must be positive")
	ErrInvalidAccountID    = errors.New("invalid account id")
	ErrInvalidTenantID     = errors.New("invalid tenant id")
	ErrInvalidKey          = errors.New("invalid idempotency key")
	ErrInvalidNarration    = errors.New("invalid narration")
)

var (
	accountIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_:-]{1,50}$`)
	tenantIDPattern  = regexp.MustCompile(`^tnt_[a-zA-Z0-9_-]{4,46}$`)
	narrationPattern = regexp.MustCompile(`^[a-zA-Z0-9 .,:;_@#/()'-]{1,256}$`)
)

// Currency is an upper-case three-letter ISO-4217 code.
type Currency string

// DefaultCurrencies is the supported set when no explicit set is configured.
var DefaultCurrencies = NewCurrencySet("NGN", "USD", "EUR", "GBP")

// CurrencySet is the closed set of currencies a deployment accepts.
type CurrencySet map[Currency]struct{}

func NewCurrencySet(codes ...string) CurrencySet {
	s := make(CurrencySet, len(codes))
	for _, c := range codes {
		s[Currency(strings.ToUpper(strings.TrimSpace(c)))] = struct{}{}
	}
	return s
}

func (s CurrencySet) Contains(c Currency) bool {
	_, ok := s[c]
	return ok
}

// ParseCurrency validates the code shape and membership in the supported set.
func ParseCurrency(code string, supported CurrencySet) (Currency, error) {
	if supported == nil {
		supported = DefaultCurrencies
	}
	if len(code) != 3 || code != strings.ToUpper(code) {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedCurrency, code)
	}
	c := Currency(code)
	if !supported.Contains(c) {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedCurrency, code)
	}
	return c, nil
}

// Money pairs a minor-unit amount with its currency. Arithmetic across
// currencies is a CurrencyMismatch, never a silent conversion.
type Money struct {
	Amount   int64
	Currency Currency
}

func New(amount int64, currency Currency) Money {
	return Money{Amount: amount, Currency: currency}
}

func (m Money) Add(other Money) (Money, error) {
	if m.Currency != other.Currency {
		return Money{}, fmt.Errorf("%w: %s vs %s", ErrCurrencyMismatch, m.Currency, other.Currency)
	}
	return Money{Amount: m.Amount + other.Amount, Currency: m.Currency}, nil
}

func (m Money) Sub(other Money) (Money, error) {
	if m.Currency != other.Currency {
		return Money{}, fmt.Errorf("%w: %s vs %s", ErrCurrencyMismatch, m.Currency, other.Currency)
	}
	return Money{Amount: m.Amount - other.Amount, Currency: m.Currency}, nil
}

func (m Money) IsPositive() bool { return m.Amount > 0 }

func (m Money) String() string {
	return fmt.Sprintf("%d %s", m.Amount, m.Currency)
}

// AccountID is a stable opaque identifier such as "msisdn::2348100000001",
// "merchant::m-10045", or the tenant-scoped "suspense" account.
type AccountID string

func ParseAccountID(s string) (AccountID, error) {
	if !accountIDPattern.MatchString(s) {
		return "", fmt.Errorf("%w: %q", ErrInvalidAccountID, s)
	}
	return AccountID(s), nil
}

func (a AccountID) String() string { return string(a) }

// TenantID carries the "tnt_" prefix mandated for all tenant identifiers.
type TenantID string

func ParseTenantID(s string) (TenantID, error) {
	if !tenantIDPattern.MatchString(s) {
		return "", fmt.Errorf("%w: %q", ErrInvalidTenantID, s)
	}
	return TenantID(s), nil
}

func (t TenantID) String() string { return string(t) }

// IdempotencyKey is a caller-supplied token of at most 100 characters.
type IdempotencyKey string

const maxKeyLen = 100

func ParseIdempotencyKey(s string) (IdempotencyKey, error) {
	if s == "" || len(s) > maxKeyLen {
		return "", fmt.Errorf("%w: length %d", ErrInvalidKey, len(s))
	}
	return IdempotencyKey(s), nil
}

func (k IdempotencyKey) String() string { return string(k) }

// ValidateNarration enforces the journal-entry narrative charset and length.
func ValidateNarration(s string) error {
	if !narrationPattern.MatchString(s) {
		return fmt.Errorf("%w: %q", ErrInvalidNarration, s)
	}
	return nil
}
