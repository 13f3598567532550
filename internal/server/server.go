// Package server is the thin HTTP front door: it maps requests onto the
// relay engine's operations and the engine's classified errors onto status
// codes. No business rule lives here.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/altice-io/Daqiao-Endorser/internal/config"
	"github.com/altice-io/Daqiao-Endorser/internal/hmacauth"
	"github.com/altice-io/Daqiao-Endorser/internal/idempotency"
	"github.com/altice-io/Daqiao-Endorser/internal/ledger"
	"github.com/altice-io/Daqiao-Endorser/internal/relay"
)

// Engine is the slice of the relay engine the transport consumes.
type Engine interface {
	Pledge(ctx context.Context, chainID uint32, extTxID string) (*relay.PledgeResult, error)
	Withdraw(ctx context.Context, chainID uint32, extTxID string) (*relay.WithdrawResult, error)
	GetRecord(ctx context.Context, chainID uint32, extTxID string) (*ledger.Record, error)
}

type Server struct {
	cfg        *config.AppConfig
	engine     Engine
	store      idempotency.Store
	hmac       *hmacauth.Verifier
	metrics    *metricsRegistry
	logger     zerolog.Logger
	httpServer *http.Server
}

func NewServer(cfg *config.AppConfig, engine Engine, store idempotency.Store, logger zerolog.Logger) *Server {
	verifier := &hmacauth.Verifier{
		Secret:  cfg.Service.WithdrawSecret,
		MaxSkew: time.Minute,
	}

	s := &Server{
		cfg:     cfg,
		engine:  engine,
		store:   store,
		hmac:    verifier,
		metrics: newMetricsRegistry(),
		logger:  logger.With().Str("component", "http_server").Logger(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRoot)
	mux.HandleFunc("/pledge", s.handlePledge)
	mux.Handle("/withdraw", s.hmac.Middleware(http.HandlerFunc(s.handleWithdraw)))
	mux.HandleFunc("/records", s.handleRecords)
	mux.Handle("/metrics", s.metrics.handler())

	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Service.HTTPPort),
		Handler:           requestIDMiddleware(mux),
		ReadHeaderTimeout: 15 * time.Second,
	}
	return s
}

func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.httpServer.Addr).Msg("relayer API listening")
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type relayRequest struct {
	ChainID uint32 `json:"chain_id"`
	ExtTxID string `json:"ext_txid"`
}

type pledgeResponse struct {
	Status       string `json:"status"`
	AccountID    string `json:"account_id"`
	Amount       string `json:"amount"`
	LedgerTxHash string `json:"ledger_tx_hash"`
}

type withdrawResponse struct {
	Status       string `json:"status"`
	PayoutTxHash string `json:"payout_tx_hash"`
	Amount       string `json:"amount"`
	LedgerTxHash string `json:"ledger_tx_hash"`
}

type recordResponse struct {
	ChainID         uint32   `json:"chain_id"`
	ExtTxID         string   `json:"ext_txid"`
	AccountID       string   `json:"account_id"`
	PledgeAmount    string   `json:"pledge_amount"`
	CanWithdraw     bool     `json:"can_withdraw"`
	WithdrawHistory []string `json:"withdraw_history"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// handleRoot is the liveness probe.
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handlePledge(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()

	req, ok := s.decodeRelayRequest(w, r)
	if !ok {
		return
	}

	cacheKey := idempotency.Key("pledge", req.ChainID, req.ExtTxID)
	if s.replayCached(ctx, w, cacheKey, s.metrics.incPledge) {
		return
	}

	result, err := s.engine.Pledge(ctx, req.ChainID, req.ExtTxID)
	if err != nil {
		s.writeEngineError(w, "pledge", req, err)
		return
	}

	body := pledgeResponse{
		Status:       "ok",
		AccountID:    result.AccountID,
		Amount:       result.Amount.String(),
		LedgerTxHash: result.LedgerTxHash,
	}
	s.respondAndCache(ctx, w, cacheKey, http.StatusOK, body)
	s.metrics.incPledge("ok")
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()

	req, ok := s.decodeRelayRequest(w, r)
	if !ok {
		return
	}

	cacheKey := idempotency.Key("withdraw", req.ChainID, req.ExtTxID)
	if s.replayCached(ctx, w, cacheKey, s.metrics.incWithdraw) {
		return
	}

	result, err := s.engine.Withdraw(ctx, req.ChainID, req.ExtTxID)
	if err != nil {
		s.writeEngineError(w, "withdraw", req, err)
		return
	}

	body := withdrawResponse{
		Status:       "ok",
		PayoutTxHash: result.PayoutTxHash,
		Amount:       result.Amount.String(),
		LedgerTxHash: result.LedgerTxHash,
	}
	s.respondAndCache(ctx, w, cacheKey, http.StatusOK, body)
	s.metrics.incWithdraw("ok")
}

func (s *Server) handleRecords(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	chainIDParam := r.URL.Query().Get("chain_id")
	extTxID := r.URL.Query().Get("ext_txid")
	chainID, err := strconv.ParseUint(chainIDParam, 10, 32)
	if err != nil || extTxID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Error:   "invalid_input",
			Message: "chain_id and ext_txid query parameters are required",
		})
		return
	}

	rec, getErr := s.engine.GetRecord(r.Context(), uint32(chainID), extTxID)
	if getErr != nil {
		s.writeEngineError(w, "records", relayRequest{ChainID: uint32(chainID), ExtTxID: extTxID}, getErr)
		return
	}

	history := make([]string, 0, len(rec.WithdrawHistory))
	for _, h := range rec.WithdrawHistory {
		history = append(history, string(h))
	}
	writeJSON(w, http.StatusOK, recordResponse{
		ChainID:         rec.ChainID,
		ExtTxID:         string(rec.ExtTxID),
		AccountID:       rec.AccountID,
		PledgeAmount:    rec.PledgeAmount.String(),
		CanWithdraw:     rec.CanWithdraw,
		WithdrawHistory: history,
	})
}

func (s *Server) decodeRelayRequest(w http.ResponseWriter, r *http.Request) (relayRequest, bool) {
	var req relayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Error:   "invalid_input",
			Message: "invalid json payload",
		})
		return relayRequest{}, false
	}
	return req, true
}

// replayCached serves a previously stored response for the same operation
// and key, if one is within the idempotency window.
func (s *Server) replayCached(ctx context.Context, w http.ResponseWriter, key string, inc func(string)) bool {
	if s.store == nil {
		return false
	}
	existing, err := s.store.Get(ctx, key)
	if err != nil || existing == nil {
		return false
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(existing.StatusCode)
	_, _ = w.Write(existing.Response)
	inc("cached")
	return true
}

func (s *Server) respondAndCache(ctx context.Context, w http.ResponseWriter, key string, status int, body any) {
	blob, _ := json.Marshal(body)
	if s.store != nil {
		_ = s.store.Save(ctx, key, idempotency.Record{
			StatusCode: status,
			Response:   blob,
			CreatedAt:  time.Now(),
			ExpiresAt:  time.Now().Add(s.cfg.Service.IdempotencyWindow),
		})
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(blob)
}

// writeEngineError maps the engine's error taxonomy onto status codes. The
// kind is never collapsed into a generic internal error.
func (s *Server) writeEngineError(w http.ResponseWriter, op string, req relayRequest, err error) {
	kind := relay.KindOf(err)
	status := statusForKind(kind)
	label := "rejected"

	switch kind {
	case relay.KindAdapterUnavailable, relay.KindUpstreamTimeout:
		label = "unavailable"
		var re *relay.Error
		if errors.As(err, &re) {
			s.metrics.incUpstreamFailure(re.Chain)
		}
	case relay.KindPayoutNotRecorded:
		label = "unrecorded"
		s.metrics.incUnrecorded()
	case "":
		label = "error"
		kind = "internal"
	}

	switch op {
	case "pledge":
		s.metrics.incPledge(label)
	case "withdraw":
		s.metrics.incWithdraw(label)
	}

	s.logger.Warn().
		Str("op", op).
		Uint32("chain_id", req.ChainID).
		Str("ext_txid", req.ExtTxID).
		Err(err).
		Msg("request failed")

	writeJSON(w, status, errorResponse{
		Error:   errorCode(kind),
		Message: err.Error(),
	})
}

func statusForKind(kind relay.Kind) int {
	switch kind {
	case relay.KindInvalidInput, relay.KindUnknownChain, relay.KindTxNotFound,
		relay.KindWrongDestination, relay.KindAlreadyPledged,
		relay.KindPledgeNotFound, relay.KindNotWithdrawable,
		relay.KindLedgerRejected:
		return http.StatusBadRequest
	case relay.KindAdapterUnavailable, relay.KindUpstreamTimeout:
		return http.StatusBadGateway
	case relay.KindPayoutNotRecorded:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// errorCode lowercases a Kind into the wire error identifier, e.g.
// PAYOUT_NOT_RECORDED -> payout_not_recorded.
func errorCode(kind relay.Kind) string {
	b := []byte(kind)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Request-Id") == "" {
			r.Header.Set("X-Request-Id", fmt.Sprintf("%d", time.Now().UnixNano()))
		}
		next.ServeHTTP(w, r)
	})
}
