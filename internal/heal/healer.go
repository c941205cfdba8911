package heal

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/obanteq/open-mmb-go/internal/core/money"
	"github.com/obanteq/open-mmb-go/internal/ledger"
	"github.com/obanteq/open-mmb-go/internal/platform/audit"
	"github.com/obanteq/open-mmb-go/internal/platform/clock"
)

// Transferer posts a compensating entry in a specific region. In production
// this routes to the regional ledger service; tests substitute a stub.
type Transferer interface {
	Transfer(ctx context.Context, region string, req ledger.TransferRequest) (ledger.TransferResult, error)
}

// Observer receives healer outcome counts.
type Observer interface {
	ObserveHealApplied(region string)
	ObserveHealSkipped(reason string)
	ObserveHealAlert(reason string)
}

// Config bounds the sweep. MaxAbsMinor is the largest drift the healer will
// compensate on its own; anything larger is a human problem.
type Config struct {
	Period          time.Duration
	StaleAfter      time.Duration
	MaxAbsMinor     int64
	DivergingSweeps int
	RegionA         string
	RegionB         string
	SuspensePrefix  money.AccountID
	TransferTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Period <= 0 {
		c.Period = 10 * time.Second
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 5 * time.Second
	}
	if c.MaxAbsMinor <= 0 {
		c.MaxAbsMinor = 2_000_00
	}
	if c.DivergingSweeps <= 0 {
		c.DivergingSweeps = 3
	}
	if c.SuspensePrefix == "" {
		c.SuspensePrefix = "suspense"
	}
	if c.TransferTimeout <= 0 {
		c.TransferTimeout = 5 * time.Second
	}
	return c
}

// Healer periodically sweeps the drift counters and posts compensating
// transfers in the lagging region. Every heal is idempotent: the key embeds
// the watermark, so a crashed-and-restarted sweep replays as a duplicate.
type Healer struct {
	counters *Counters
	transfer Transferer
	cfg      Config
	clock    clock.Clock
	audits   *audit.InMemoryStore
	observer Observer
	logger   *zap.Logger

	mu       sync.Mutex
	growth   map[Key]driftTrend
	auditSeq int64
}

type driftTrend struct {
	lastAbs int64
	streak  int
}

func NewHealer(counters *Counters, transfer Transferer, cfg Config, clk clock.Clock, audits *audit.InMemoryStore, observer Observer, logger *zap.Logger) *Healer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Healer{
		counters: counters,
		transfer: transfer,
		cfg:      cfg.withDefaults(),
		clock:    clk,
		audits:   audits,
		observer: observer,
		logger:   logger.Named("heal"),
		growth:   make(map[Key]driftTrend),
	}
}

// Run sweeps until the context is cancelled.
func (h *Healer) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.cfg.Period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			h.Sweep(ctx)
		}
	}
}

// Sweep examines every drifted key once and heals the ones that pass the
// safety gates. Returns how many compensating entries were accepted.
func (h *Healer) Sweep(ctx context.Context) int {
	healed := 0
	for _, d := range h.counters.Snapshot() {
		if ctx.Err() != nil {
			return healed
		}
		if h.healOne(ctx, d) {
			healed++
		}
	}
	return healed
}

func (h *Healer) healOne(ctx context.Context, d Drift) bool {
	wm := h.counters.Watermark(d.Key.Tenant)
	if wm.IsZero() || h.clock.Now().Sub(wm) > h.cfg.StaleAfter {
		// One region has gone quiet; the difference may just be lag.
		h.skip("stale_watermark", d)
		return false
	}

	abs := d.Diff
	if abs < 0 {
		abs = -abs
	}
	if abs > h.cfg.MaxAbsMinor {
		h.alert(ctx, d, fmt.Sprintf("drift %d exceeds auto-heal bound %d", abs, h.cfg.MaxAbsMinor))
		return false
	}
	if h.diverging(d.Key, abs) {
		h.alert(ctx, d, fmt.Sprintf("drift growing for %d consecutive sweeps", h.cfg.DivergingSweeps))
		return false
	}

	// Positive diff means region A is ahead: top the account up in B.
	region := h.cfg.RegionB
	if d.Diff < 0 {
		region = h.cfg.RegionA
	}

	key := healKey(region, d.Key, wm)
	tctx, cancel := context.WithTimeout(ctx, h.cfg.TransferTimeout)
	defer cancel()
	res, err := h.transfer.Transfer(tctx, region, ledger.TransferRequest{
		Key:       key,
		Tenant:    string(d.Key.Tenant),
		Src:       string(h.cfg.SuspensePrefix),
		Dst:       string(d.Key.Account),
		Amount:    abs,
		Currency:  string(d.Key.Currency),
		Narration: "cross-region drift reconciliation",
	})
	if err != nil {
		h.logger.Warn("heal transfer failed",
			zap.String("region", region),
			zap.String("account", string(d.Key.Account)),
			zap.Int64("drift", d.Diff),
			zap.Error(err))
		h.skip("transfer_failed", d)
		return false
	}

	h.counters.ApplyHeal(res.EntryID, d.Key, region, abs)
	h.resetTrend(d.Key)
	if h.observer != nil {
		h.observer.ObserveHealApplied(region)
	}
	h.logger.Info("drift healed",
		zap.String("region", region),
		zap.String("tenant", string(d.Key.Tenant)),
		zap.String("account", string(d.Key.Account)),
		zap.Int64("amount", abs),
		zap.Bool("duplicate", res.Duplicate))
	return !res.Duplicate
}

// Idempotency keys are capped at 100 characters.
const maxHealKeyLen = 100

// healKey identifies one compensating transfer per drift observation. The
// literal form overruns the key limit at maximum tenant and account lengths,
// so oversized keys fold the identifying middle into a digest; the watermark
// stays literal because it is the dedupe window.
func healKey(region string, k Key, wm time.Time) string {
	key := fmt.Sprintf("heal::%s::%s::%s::%s::%d",
		region, k.Tenant, k.Account, k.Currency, wm.UnixMilli())
	if len(key) <= maxHealKeyLen {
		return key
	}
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s::%s::%s::%s", region, k.Tenant, k.Account, k.Currency)))
	return fmt.Sprintf("heal::%s::%d", hex.EncodeToString(sum[:16]), wm.UnixMilli())
}

// diverging tracks consecutive sweeps where the absolute drift grew. A drift
// that keeps widening is an active bug, not replication lag, and healing it
// would only mask the source.
func (h *Healer) diverging(k Key, abs int64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	t := h.growth[k]
	if t.lastAbs > 0 && abs > t.lastAbs {
		t.streak++
	} else {
		t.streak = 0
	}
	t.lastAbs = abs
	h.growth[k] = t
	return t.streak >= h.cfg.DivergingSweeps
}

func (h *Healer) resetTrend(k Key) {
	h.mu.Lock()
	delete(h.growth, k)
	h.mu.Unlock()
}

func (h *Healer) skip(reason string, d Drift) {
	if h.observer != nil {
		h.observer.ObserveHealSkipped(reason)
	}
	h.logger.Debug("heal skipped",
		zap.String("reason", reason),
		zap.String("account", string(d.Key.Account)),
		zap.Int64("drift", d.Diff))
}

func (h *Healer) alert(_ context.Context, d Drift, reason string) {
	if h.observer != nil {
		h.observer.ObserveHealAlert(reason)
	}
	h.logger.Error("drift requires operator attention",
		zap.String("tenant", string(d.Key.Tenant)),
		zap.String("account", string(d.Key.Account)),
		zap.Int64("drift", d.Diff),
		zap.String("reason", reason))
	if h.audits != nil {
		h.mu.Lock()
		h.auditSeq++
		id := "heal-" + strconv.FormatInt(h.auditSeq, 10)
		h.mu.Unlock()

		now := h.clock.Now()
		_, _ = h.audits.Append(audit.Event{
			AuditID:    id,
			Tenant:     string(d.Key.Tenant),
			OccurredAt: now,
			RecordedAt: now,
			ActorID:    "healer",
			ActorType:  "system",
			ObjectType: "drift_counter",
			ObjectID:   string(d.Key.Account) + ":" + string(d.Key.Currency),
			Action:     "drift_alert",
			Before:     []byte(`{}`),
			After:      []byte(fmt.Sprintf(`{"drift_minor":%d}`, d.Diff)),
			Result:     audit.ResultDenied,
			Reason:     reason,
		})
	}
}

// ErrNoRegions is returned by RegionRouter when no ledger is registered for
// the requested region.
var ErrNoRegions = errors.New("no ledger registered for region")

// RegionRouter fans Transfer calls out to per-region ledger services.
type RegionRouter struct {
	services map[string]*ledger.Service
}

func NewRegionRouter(services map[string]*ledger.Service) *RegionRouter {
	return &RegionRouter{services: services}
}

func (r *RegionRouter) Transfer(ctx context.Context, region string, req ledger.TransferRequest) (ledger.TransferResult, error) {
	svc, ok := r.services[region]
	if !ok {
		return ledger.TransferResult{}, fmt.Errorf("%w: %s", ErrNoRegions, region)
	}
	return svc.Transfer(ctx, req)
}
