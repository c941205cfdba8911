package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/obanteq/open-mmb-go/internal/ledger"
	"github.com/obanteq/open-mmb-go/internal/offline"
	"github.com/obanteq/open-mmb-go/internal/tenant"
)

const maxBodyBytes = 64 * 1024

type errorBody struct {
	Error         string `json:"error"`
	Code          string `json:"code"`
	CorrelationID string `json:"correlationId,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	writeJSON(w, status, errorBody{Error: msg, Code: code, CorrelationID: CorrelationID(r.Context())})
}

// Handlers is the JSON edge over the ledger core and the offline queue.
type Handlers struct {
	ledger  *ledger.Service
	queue   *offline.Queue
	metrics *Metrics
	logger  *zap.Logger
}

func NewHandlers(svc *ledger.Service, queue *offline.Queue, metrics *Metrics, logger *zap.Logger) *Handlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handlers{ledger: svc, queue: queue, metrics: metrics, logger: logger.Named("http")}
}

type transferRequest struct {
	IdempotencyKey string `json:"idempotencyKey"`
	Src            string `json:"src"`
	Dst            string `json:"dst"`
	AmountMinor    int64  `json:"amountMinor"`
	Currency       string `json:"currency"`
	Narration      string `json:"narration"`
}

type transferResponse struct {
	EntryID   string `json:"entryId"`
	Duplicate bool   `json:"duplicate"`
}

// FastTransfer commits a two-line transfer. The idempotency key arrives in
// the Idempotency-Key header (the JSON field is accepted as a fallback). A
// replayed key answers 200 with the original entry id; a fresh commit
// answers 202.
func (h *Handlers) FastTransfer(w http.ResponseWriter, r *http.Request) {
	scope, err := tenant.Require(r.Context())
	if err != nil {
		h.writeError(w, r, http.StatusUnauthorized, "unauthenticated", "no tenant scope")
		return
	}
	var req transferRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.writeError(w, r, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	key := r.Header.Get("Idempotency-Key")
	if key == "" {
		key = req.IdempotencyKey
	}

	start := time.Now()
	res, err := h.ledger.Transfer(r.Context(), ledger.TransferRequest{
		Key:       key,
		Tenant:    string(scope.Tenant),
		Src:       req.Src,
		Dst:       req.Dst,
		Amount:    req.AmountMinor,
		Currency:  req.Currency,
		Narration: req.Narration,
	})
	elapsed := time.Since(start)

	switch {
	case err == nil && res.Duplicate:
		h.metrics.ObserveTransfer("duplicate", elapsed)
		writeJSON(w, http.StatusOK, transferResponse{EntryID: res.EntryID.String(), Duplicate: true})
	case err == nil:
		h.metrics.ObserveTransfer("committed", elapsed)
		writeJSON(w, http.StatusAccepted, transferResponse{EntryID: res.EntryID.String()})
	case ledger.IsValidation(err):
		h.metrics.ObserveTransfer("invalid", elapsed)
		h.writeError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, ledger.ErrInsufficientFunds):
		h.metrics.ObserveTransfer("insufficient_funds", elapsed)
		h.writeError(w, r, http.StatusConflict, "insufficient_funds", err.Error())
	case errors.Is(err, ledger.ErrCurrencyMismatch):
		h.metrics.ObserveTransfer("currency_mismatch", elapsed)
		h.writeError(w, r, http.StatusConflict, "currency_mismatch", err.Error())
	case errors.Is(err, ledger.ErrConflict):
		h.metrics.ObserveTransfer("conflict", elapsed)
		h.writeError(w, r, http.StatusServiceUnavailable, "retries_exhausted", "transfer could not be serialized, retry later")
	default:
		h.metrics.ObserveTransfer("error", elapsed)
		h.logger.Error("transfer failed", zap.Error(err), zap.String("correlation_id", CorrelationID(r.Context())))
		h.writeError(w, r, http.StatusServiceUnavailable, "unavailable", "ledger temporarily unavailable")
	}
}

type balanceResponse struct {
	Account        string `json:"account"`
	AvailableMinor int64  `json:"availableMinor"`
	PendingMinor   int64  `json:"pendingMinor"`
	Currency       string `json:"currency"`
}

func (h *Handlers) Balance(w http.ResponseWriter, r *http.Request) {
	scope, err := tenant.Require(r.Context())
	if err != nil {
		h.writeError(w, r, http.StatusUnauthorized, "unauthenticated", "no tenant scope")
		return
	}
	bal, err := h.ledger.Balance(r.Context(), string(scope.Tenant), r.PathValue("id"))
	switch {
	case err == nil:
		// An account exists in exactly one currency; asking for it in
		// another is the same as asking for an unknown account.
		if want := r.URL.Query().Get("currency"); want != "" && want != string(bal.Currency) {
			h.writeError(w, r, http.StatusNotFound, "not_found", "unknown account")
			return
		}
		writeJSON(w, http.StatusOK, balanceResponse{
			Account:        string(bal.Account),
			AvailableMinor: bal.AvailableMinor,
			PendingMinor:   bal.PendingMinor,
			Currency:       string(bal.Currency),
		})
	case errors.Is(err, ledger.ErrAccountNotFound):
		h.writeError(w, r, http.StatusNotFound, "not_found", "unknown account")
	case ledger.IsValidation(err):
		h.writeError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
	default:
		h.writeError(w, r, http.StatusServiceUnavailable, "unavailable", "ledger temporarily unavailable")
	}
}

type entryLine struct {
	Account string `json:"account"`
	Side    string `json:"side"`
	Amount  int64  `json:"amount"`
}

type entryResponse struct {
	EntryID   string      `json:"entryId"`
	Narration string      `json:"narration"`
	Currency  string      `json:"currency"`
	BookedAt  time.Time   `json:"bookedAt"`
	Lines     []entryLine `json:"lines"`
}

func (h *Handlers) Entries(w http.ResponseWriter, r *http.Request) {
	scope, err := tenant.Require(r.Context())
	if err != nil {
		h.writeError(w, r, http.StatusUnauthorized, "unauthenticated", "no tenant scope")
		return
	}
	limit := queryInt(r, "limit", 0)
	offset := queryInt(r, "offset", 0)
	entries, err := h.ledger.Entries(r.Context(), string(scope.Tenant), r.PathValue("id"), limit, offset)
	if err != nil {
		if ledger.IsValidation(err) {
			h.writeError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
		h.writeError(w, r, http.StatusServiceUnavailable, "unavailable", "ledger temporarily unavailable")
		return
	}
	out := make([]entryResponse, 0, len(entries))
	for _, e := range entries {
		er := entryResponse{
			EntryID:   e.ID.String(),
			Narration: e.Narration,
			Currency:  string(e.Currency),
			BookedAt:  e.BookedAt,
		}
		for _, l := range e.Lines {
			er.Lines = append(er.Lines, entryLine{
				Account: string(l.Account),
				Side:    l.Side.WireCode(),
				Amount:  l.Amount,
			})
		}
		out = append(out, er)
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": out})
}

type offlineOpRequest struct {
	DeviceID  string          `json:"deviceId"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	Nonce     string          `json:"nonce"`
	Signature string          `json:"signature"`
}

// AcceptOfflineOp enqueues one signed device operation. Replays of a
// (device, nonce) pair answer 200 instead of 202; nothing re-runs.
func (h *Handlers) AcceptOfflineOp(w http.ResponseWriter, r *http.Request) {
	scope, err := tenant.Require(r.Context())
	if err != nil {
		h.writeError(w, r, http.StatusUnauthorized, "unauthenticated", "no tenant scope")
		return
	}
	var req offlineOpRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.writeError(w, r, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if len(req.Payload) > offline.MaxPayloadBytes {
		h.metrics.ObserveOfflineOp("oversized")
		h.writeError(w, r, http.StatusRequestEntityTooLarge, "payload_too_large", "operation payload exceeds limit")
		return
	}

	already, err := h.queue.Accept(r.Context(), offline.Operation{
		Tenant:    scope.Tenant,
		DeviceID:  req.DeviceID,
		Kind:      req.Kind,
		Payload:   req.Payload,
		Nonce:     req.Nonce,
		Signature: req.Signature,
	})
	switch {
	case err == nil && already:
		h.metrics.ObserveOfflineOp("replayed")
		writeJSON(w, http.StatusOK, map[string]any{"status": "alreadyQueued", "nonce": req.Nonce})
	case err == nil:
		h.metrics.ObserveOfflineOp("accepted")
		writeJSON(w, http.StatusAccepted, map[string]any{"status": "queued", "nonce": req.Nonce})
	case errors.Is(err, offline.ErrBadSignature):
		h.metrics.ObserveOfflineOp("bad_signature")
		h.writeError(w, r, http.StatusBadRequest, "bad_signature", "operation signature rejected")
	case errors.Is(err, offline.ErrUnknownKind) || ledger.IsValidation(err):
		h.metrics.ObserveOfflineOp("invalid")
		h.writeError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
	default:
		h.metrics.ObserveOfflineOp("error")
		h.writeError(w, r, http.StatusServiceUnavailable, "unavailable", "queue temporarily unavailable")
	}
}

type syncRequest struct {
	DeviceID string `json:"deviceId"`
	Max      int    `json:"max"`
}

func (h *Handlers) SyncOfflineOps(w http.ResponseWriter, r *http.Request) {
	scope, err := tenant.Require(r.Context())
	if err != nil {
		h.writeError(w, r, http.StatusUnauthorized, "unauthenticated", "no tenant scope")
		return
	}
	var req syncRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.writeError(w, r, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if req.DeviceID == "" {
		h.writeError(w, r, http.StatusBadRequest, "invalid_request", "deviceId is required")
		return
	}

	results, err := h.queue.Sync(r.Context(), scope.Tenant, req.DeviceID, req.Max)
	if err != nil {
		if errors.Is(err, offline.ErrSyncInFlight) {
			h.writeError(w, r, http.StatusConflict, "sync_in_flight", "a sync for this device is already running")
			return
		}
		h.writeError(w, r, http.StatusServiceUnavailable, "unavailable", "queue temporarily unavailable")
		return
	}
	for _, res := range results {
		h.metrics.ObserveOfflineOp(string(res.Status))
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.New("undecodable request body")
	}
	return nil
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}
