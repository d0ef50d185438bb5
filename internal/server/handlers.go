package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"PegLedger/internal/core"
	"PegLedger/internal/ingestion"
	"PegLedger/internal/projection"
	"PegLedger/internal/query"
	"PegLedger/internal/state"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	defaultPageSize = 100
	maxPageSize     = 1000
	maxOpBodyBytes  = 64 << 10
)

type handlers struct {
	deps   *Deps
	logger zerolog.Logger
}

// statusRecorder captures the status code for metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (h *handlers) instrument(endpoint string, fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		fn(rec, r)
		if m := h.deps.Metrics; m != nil {
			m.QueryRequests.WithLabelValues(endpoint, strconv.Itoa(rec.status)).Inc()
			m.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
			if rec.status >= 400 {
				m.QueryErrors.WithLabelValues(endpoint, strconv.Itoa(rec.status)).Inc()
			}
		}
	}
}

func (h *handlers) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := h.deps.AdminToken
		if token == "" {
			writeError(w, "admin endpoints are disabled", http.StatusForbidden)
			return
		}
		got := r.Header.Get("X-Admin-Token")
		if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			writeError(w, "invalid admin token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// --- markets & facts ---

func (h *handlers) listMarkets(w http.ResponseWriter, r *http.Request) {
	if !h.needQuery(w) {
		return
	}
	markets, err := h.deps.Query.ListMarkets(r.Context())
	if err != nil {
		h.internal(w, "list markets", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"markets": markets})
}

func (h *handlers) getMarket(w http.ResponseWriter, r *http.Request) {
	if !h.needQuery(w) {
		return
	}
	market, err := h.deps.Query.GetMarket(r.Context(), chi.URLParam(r, "symbol"))
	if errors.Is(err, query.ErrNotFound) {
		writeError(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		h.internal(w, "get market", err)
		return
	}
	writeJSON(w, http.StatusOK, market)
}

// marketFacts serves /markets/{symbol}/facts and /facts?asset=.
func (h *handlers) marketFacts(w http.ResponseWriter, r *http.Request) {
	if !h.needQuery(w) {
		return
	}
	asset := chi.URLParam(r, "symbol")
	if asset == "" {
		asset = r.URL.Query().Get("asset")
	}
	after, ok := int64Param(w, r, "after", -1)
	if !ok {
		return
	}
	limit, ok := limitParam(w, r)
	if !ok {
		return
	}

	facts, err := h.deps.Query.GetFacts(r.Context(), asset, after, limit)
	if err != nil {
		h.internal(w, "get facts", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"facts": facts})
}

// --- accounts ---

func (h *handlers) balances(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerParam(w, r)
	if !ok || !h.needQuery(w) {
		return
	}
	resp, err := h.deps.Query.GetBalances(r.Context(), owner)
	if err != nil {
		h.internal(w, "get balances", err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// holdings reads positions, settlements and bids from the core between
// operations; they are not projected to Postgres.
func (h *handlers) holdings(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerParam(w, r)
	if !ok {
		return
	}
	if h.deps.Ingest == nil {
		writeError(w, "core is not reachable", http.StatusServiceUnavailable)
		return
	}

	resp := &query.HoldingsResponse{Owner: owner}
	err := h.deps.Ingest.Inspect(r.Context(), func(c *core.DeterministicCore) {
		resp.Markets = c.Arena().Holdings(owner)
		resp.AsOfSequence = c.GetSequence() - 1
	})
	if err != nil {
		writeError(w, err.Error(), http.StatusGatewayTimeout)
		return
	}
	if resp.Markets == nil {
		resp.Markets = []state.OwnerHoldings{}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handlers) journals(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerParam(w, r)
	if !ok || !h.needQuery(w) {
		return
	}
	limit, ok := limitParam(w, r)
	if !ok {
		return
	}
	var before *int64
	if s := r.URL.Query().Get("before"); s != "" {
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			writeError(w, "before must be an integer sequence", http.StatusBadRequest)
			return
		}
		before = &v
	}

	entries, err := h.deps.Query.GetJournalHistory(r.Context(), owner, limit, before)
	if err != nil {
		h.internal(w, "get journals", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"journals": entries})
}

// --- submission ---

// opResponse is the JSON form of core.OperationResult.
type opResponse struct {
	Sequence  int64                 `json:"sequence"`
	Duplicate bool                  `json:"duplicate"`
	Created   []state.ObjectRef     `json:"created,omitempty"`
	Updated   []state.ObjectRef     `json:"updated,omitempty"`
	Removed   []state.ObjectRef     `json:"removed,omitempty"`
	Balances  map[string]int64      `json:"balances,omitempty"`
	Facts     []factJSON            `json:"facts,omitempty"`
	Match     *matchJSON            `json:"match,omitempty"`
	Markets   []state.MarketSummary `json:"markets,omitempty"`
}

type factJSON struct {
	Index int         `json:"index"`
	Type  string      `json:"type"`
	Fact  interface{} `json:"fact"`
}

type matchJSON struct {
	Kind      string `json:"kind"`
	Fills     int    `json:"fills"`
	Filled    int64  `json:"filled"`
	Remaining int64  `json:"remaining"`
}

func newOpResponse(result *core.OperationResult) opResponse {
	if result == nil {
		return opResponse{Sequence: -1, Duplicate: true}
	}
	resp := opResponse{
		Sequence: result.Sequence,
		Created:  result.Created,
		Updated:  result.Updated,
		Removed:  result.Removed,
		Markets:  result.Markets,
	}
	if len(result.Balances) > 0 {
		resp.Balances = make(map[string]int64, len(result.Balances))
		for _, b := range result.Balances {
			resp.Balances[b.Key.AccountPath()] = b.Balance
		}
	}
	for _, f := range result.Facts {
		resp.Facts = append(resp.Facts, factJSON{Index: f.Index, Type: f.Type.String(), Fact: f.Fact})
	}
	if m := result.Match; m != nil {
		resp.Match = &matchJSON{Kind: m.Kind.String(), Fills: len(m.Fills), Filled: m.Filled, Remaining: m.Remaining}
	}
	return resp
}

func (h *handlers) submitOp(w http.ResponseWriter, r *http.Request) {
	if h.deps.Ingest == nil {
		writeError(w, "core is not reachable", http.StatusServiceUnavailable)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxOpBodyBytes))
	if err != nil {
		writeError(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}

	opType := chi.URLParam(r, "opType")
	result, err := h.deps.Ingest.Submit(r.Context(), opType, body)
	if err != nil {
		writeError(w, err.Error(), submitStatus(err))
		return
	}
	h.logger.Info().Str("op_type", opType).Bool("duplicate", result == nil).Msg("operation submitted over HTTP")
	writeJSON(w, http.StatusOK, newOpResponse(result))
}

// submitStatus maps core and parse failures to HTTP codes.
func submitStatus(err error) int {
	switch {
	case errors.Is(err, ingestion.ErrMalformed):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrBlockOrder):
		return http.StatusConflict
	case errors.Is(err, state.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, state.ErrNotFound), errors.Is(err, state.ErrUnknownAsset):
		return http.StatusNotFound
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusGatewayTimeout
	}
	return http.StatusUnprocessableEntity
}

// --- admin ---

func (h *handlers) verifyIntegrity(w http.ResponseWriter, r *http.Request) {
	if !h.needQuery(w) {
		return
	}
	report, err := h.deps.Query.VerifyIntegrity(r.Context())
	if err != nil {
		h.internal(w, "verify integrity", err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *handlers) eventLogInfo(w http.ResponseWriter, r *http.Request) {
	if !h.needQuery(w) {
		return
	}
	info, err := h.deps.Query.EventLogInfo(r.Context())
	if err != nil {
		h.internal(w, "event log info", err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (h *handlers) takeSnapshot(w http.ResponseWriter, r *http.Request) {
	if h.deps.TakeSnapshot == nil {
		writeError(w, "snapshots are not configured", http.StatusServiceUnavailable)
		return
	}
	seq, err := h.deps.TakeSnapshot(r.Context())
	if err != nil {
		h.internal(w, "take snapshot", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]int64{"sequence": seq})
}

func (h *handlers) rebuildProjections(w http.ResponseWriter, r *http.Request) {
	if h.deps.DB == nil {
		writeError(w, "database is not configured", http.StatusServiceUnavailable)
		return
	}
	if err := projection.RebuildBalances(r.Context(), h.deps.DB); err != nil {
		h.internal(w, "rebuild projections", err)
		return
	}
	h.logger.Warn().Msg("balance projection rebuilt from journal")
	writeJSON(w, http.StatusOK, map[string]string{"status": "rebuilt"})
}

// --- helpers ---

func (h *handlers) needQuery(w http.ResponseWriter) bool {
	if h.deps.Query == nil {
		writeError(w, "query store is not configured", http.StatusServiceUnavailable)
		return false
	}
	return true
}

func (h *handlers) internal(w http.ResponseWriter, what string, err error) {
	h.logger.Error().Err(err).Msg(what + " failed")
	writeError(w, what+" failed", http.StatusInternalServerError)
}

func ownerParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	owner, err := uuid.Parse(chi.URLParam(r, "owner"))
	if err != nil {
		writeError(w, "owner must be a UUID", http.StatusBadRequest)
		return uuid.Nil, false
	}
	return owner, true
}

func int64Param(w http.ResponseWriter, r *http.Request, name string, def int64) (int64, bool) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return def, true
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		writeError(w, name+" must be an integer", http.StatusBadRequest)
		return 0, false
	}
	return v, true
}

func limitParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	v, ok := int64Param(w, r, "limit", defaultPageSize)
	if !ok {
		return 0, false
	}
	if v <= 0 || v > maxPageSize {
		writeError(w, "limit must be between 1 and 1000", http.StatusBadRequest)
		return 0, false
	}
	return int(v), true
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
