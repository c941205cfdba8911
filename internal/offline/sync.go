package offline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/obanteq/open-mmb-go/internal/core/money"
	"github.com/obanteq/open-mmb-go/internal/ledger"
	"github.com/obanteq/open-mmb-go/internal/platform/audit"
	"github.com/obanteq/open-mmb-go/internal/platform/clock"
)

const (
	// MaxSyncBatch caps how many operations one sync call may replay.
	MaxSyncBatch = 50
	// MaxPayloadBytes bounds the opaque payload a device may enqueue.
	MaxPayloadBytes = 16 * 1024

	// Bounded so the derived idempotency key "offline:<device>:<nonce>"
	// stays within the 100-character key limit.
	maxDeviceIDLen = 40
	maxNonceLen    = 48
)

// Result of replaying one queued operation.
type Result struct {
	Nonce   string `json:"nonce"`
	Status  State  `json:"status"`
	EntryID string `json:"entryId,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// Queue accepts signed operations and replays them through the fast path.
type Queue struct {
	store    Store
	verifier Verifier
	ledger   *ledger.Service
	clock    clock.Clock
	audits   *audit.InMemoryStore
	logger   *zap.Logger

	syncLocks sync.Map // deviceID -> *sync.Mutex
	auditSeq  int64
	auditMu   sync.Mutex
}

func NewQueue(store Store, verifier Verifier, ldg *ledger.Service, clk clock.Clock, audits *audit.InMemoryStore, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Queue{
		store:    store,
		verifier: verifier,
		ledger:   ldg,
		clock:    clk,
		audits:   audits,
		logger:   logger.Named("offline"),
	}
}

// Accept verifies and persists one operation. A replayed (device_id, nonce)
// returns (true, nil): success-equivalent, no new effect.
func (q *Queue) Accept(ctx context.Context, op Operation) (alreadyQueued bool, err error) {
	if _, err := money.ParseTenantID(string(op.Tenant)); err != nil {
		return false, err
	}
	if op.DeviceID == "" || len(op.DeviceID) > maxDeviceIDLen {
		return false, fmt.Errorf("%w: bad device id", ErrBadSignature)
	}
	if op.Nonce == "" || len(op.Nonce) > maxNonceLen {
		return false, fmt.Errorf("%w: bad nonce", ErrBadSignature)
	}
	if len(op.Payload) == 0 || len(op.Payload) > MaxPayloadBytes {
		return false, fmt.Errorf("%w: payload size %d", ErrBadSignature, len(op.Payload))
	}
	switch op.Kind {
	case KindTransfer, KindBillPayment, KindCashoutIntent:
	default:
		return false, fmt.Errorf("%w: %q", ErrUnknownKind, op.Kind)
	}
	if err := q.verifier.Verify(ctx, op); err != nil {
		return false, err
	}

	op.State = StateQueued
	op.EnqueuedAt = q.clock.Now()
	if err := q.store.InsertOperation(ctx, op); err != nil {
		if errors.Is(err, ErrAlreadyQueued) {
			return true, nil
		}
		return false, err
	}
	return false, nil
}

// Sync replays up to max queued operations for a device in enqueue order.
// At most one sync per device runs at a time. Each item commits in its own
// transaction, so cancellation leaves a consistent prefix applied.
func (q *Queue) Sync(ctx context.Context, tenant money.TenantID, deviceID string, max int) ([]Result, error) {
	if max <= 0 || max > MaxSyncBatch {
		max = MaxSyncBatch
	}
	lockAny, _ := q.syncLocks.LoadOrStore(deviceID, &sync.Mutex{})
	lock := lockAny.(*sync.Mutex)
	if !lock.TryLock() {
		return nil, ErrSyncInFlight
	}
	defer lock.Unlock()

	ops, err := q.store.FetchQueued(ctx, tenant, deviceID, max)
	if err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(ops))
	for _, op := range ops {
		if ctx.Err() != nil {
			return results, ctx.Err()
		}
		res := q.replay(ctx, op)
		results = append(results, res)
		if res.Status == StateQueued {
			// Transient failure: stop here so later operations cannot
			// overtake this one on the next sync.
			break
		}
	}
	return results, nil
}

func (q *Queue) replay(ctx context.Context, op Operation) Result {
	var p transferPayload
	if err := json.Unmarshal(op.Payload, &p); err != nil {
		return q.reject(ctx, op, "undecodable payload")
	}
	dst, err := p.destinationFor(op.Kind)
	if err != nil {
		return q.reject(ctx, op, err.Error())
	}

	res, err := q.ledger.Transfer(ctx, ledger.TransferRequest{
		Key:       DerivedKey(op.DeviceID, op.Nonce),
		Tenant:    string(op.Tenant),
		Src:       p.Src,
		Dst:       dst,
		Amount:    p.AmountMinor,
		Currency:  p.Currency,
		Narration: p.Narration,
	})
	switch {
	case err == nil:
		if stateErr := q.store.SetOperationState(ctx, op.DeviceID, op.Nonce, StateSynced); stateErr != nil {
			q.logger.Warn("synced but state not recorded",
				zap.String("device", op.DeviceID),
				zap.String("nonce", op.Nonce),
				zap.Error(stateErr))
		}
		return Result{Nonce: op.Nonce, Status: StateSynced, EntryID: res.EntryID.String()}
	case ledger.IsValidation(err),
		errors.Is(err, ledger.ErrInsufficientFunds),
		errors.Is(err, ledger.ErrCurrencyMismatch):
		return q.reject(ctx, op, err.Error())
	default:
		// Conflict or storage trouble: leave queued, retry on next sync.
		q.logger.Warn("transient replay failure",
			zap.String("device", op.DeviceID),
			zap.String("nonce", op.Nonce),
			zap.Error(err))
		return Result{Nonce: op.Nonce, Status: StateQueued, Reason: "transient error"}
	}
}

func (q *Queue) reject(ctx context.Context, op Operation, reason string) Result {
	if err := q.store.SetOperationState(ctx, op.DeviceID, op.Nonce, StateRejected); err != nil {
		q.logger.Warn("rejection not recorded",
			zap.String("device", op.DeviceID),
			zap.String("nonce", op.Nonce),
			zap.Error(err))
	}
	q.appendAudit(op, reason)
	return Result{Nonce: op.Nonce, Status: StateRejected, Reason: reason}
}

func (q *Queue) appendAudit(op Operation, reason string) {
	if q.audits == nil {
		return
	}
	q.auditMu.Lock()
	q.auditSeq++
	id := "offline-" + strconv.FormatInt(q.auditSeq, 10)
	q.auditMu.Unlock()

	now := q.clock.Now()
	_, _ = q.audits.Append(audit.Event{
		AuditID:    id,
		Tenant:     string(op.Tenant),
		OccurredAt: now,
		RecordedAt: now,
		ActorID:    op.DeviceID,
		ActorType:  "device",
		ObjectType: "offline_operation",
		ObjectID:   op.DeviceID + ":" + op.Nonce,
		Action:     "replay_rejected",
		Before:     op.Payload,
		After:      []byte(`{}`),
		Result:     audit.ResultDenied,
		Reason:     reason,
	})
}

// DerivedKey is the idempotency key an offline operation replays under.
// Stable across sync retries, so a re-run can only produce Duplicate.
func DerivedKey(deviceID, nonce string) string {
	return "offline:" + deviceID + ":" + nonce
}
