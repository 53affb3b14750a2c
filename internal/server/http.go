// Package server exposes the betting ledger over HTTP JSON. It is a thin
// shim: parse, call the settlement engine or store, map errors to statuses.
// Auth for admin routes is a shared token checked here; the ledger core
// trusts its caller.
package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"betledger/internal/config"
	"betledger/internal/ledger"
	"betledger/internal/observability"
	"betledger/internal/settle"

	"github.com/rs/zerolog"
)

const adminTokenHeader = "X-Admin-Token"

type Server struct {
	engine  *settle.Engine
	store   *ledger.Store
	cfg     *config.Store
	health  *observability.HealthChecker
	metrics *observability.Metrics // may be nil
	log     zerolog.Logger

	adminToken string
	startTime  time.Time
}

func New(
	engine *settle.Engine,
	store *ledger.Store,
	cfg *config.Store,
	health *observability.HealthChecker,
	metrics *observability.Metrics,
	log zerolog.Logger,
	adminToken string,
) *Server {
	return &Server{
		engine:     engine,
		store:      store,
		cfg:        cfg,
		health:     health,
		metrics:    metrics,
		log:        log,
		adminToken: adminToken,
		startTime:  time.Now(),
	}
}

// Router builds the HTTP mux. Every route goes through the instrumentation
// wrapper; admin routes additionally go through the token check.
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/balance", s.route("balance", s.handleBalance))
	mux.HandleFunc("POST /api/deposit", s.route("deposit", s.handleDeposit))
	mux.HandleFunc("POST /api/place_bet", s.route("place_bet", s.handlePlaceBet))
	mux.HandleFunc("POST /api/check_result", s.route("check_result", s.handleCheckResult))

	mux.HandleFunc("POST /api/announce_winner", s.route("announce_winner", s.admin(s.handleAnnounceWinner)))
	mux.HandleFunc("POST /api/clear_round", s.route("clear_round", s.admin(s.handleClearRound)))
	mux.HandleFunc("POST /api/reset", s.route("reset", s.admin(s.handleReset)))
	mux.HandleFunc("POST /api/settings", s.route("settings_update", s.admin(s.handleUpdateSetting)))

	mux.HandleFunc("GET /api/settings", s.route("settings", s.handleSettings))
	mux.HandleFunc("GET /api/stats", s.route("stats", s.handleStats))

	mux.HandleFunc("GET /health", s.route("health", s.handleHealth))
	mux.HandleFunc("GET /ping", s.route("ping", s.handlePing))
	mux.HandleFunc("GET /status", s.route("status", s.handleStatus))

	return mux
}

// statusRecorder captures the response code for metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) route(name string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r)
		if s.metrics != nil {
			s.metrics.HTTPRequests.WithLabelValues(name, http.StatusText(rec.status)).Inc()
			s.metrics.HTTPDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
		}
	}
}

func (s *Server) admin(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.adminToken == "" || r.Header.Get(adminTokenHeader) != s.adminToken {
			s.writeError(w, http.StatusForbidden, "admin token required")
			return
		}
		h(w, r)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error().Err(err).Msg("write response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

// fail maps ledger errors onto HTTP statuses: business rejections are the
// client's fault (400), persistence trouble is ours (500).
func (s *Server) fail(w http.ResponseWriter, err error) {
	var validation *ledger.ValidationError
	var persist *ledger.PersistError

	switch {
	case errors.As(err, &validation),
		errors.Is(err, ledger.ErrAlreadyBet),
		errors.Is(err, ledger.ErrInsufficientFunds),
		errors.Is(err, ledger.ErrInvalidTeam),
		errors.Is(err, ledger.ErrLimitExceeded):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &persist):
		s.log.Error().Err(err).Msg("persistence failure")
		s.writeError(w, http.StatusInternalServerError, "storage unavailable, try again")
	default:
		s.log.Error().Err(err).Msg("unhandled error")
		s.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

type accountRequest struct {
	UserID string `json:"user_id"`
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	var req accountRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" {
		s.writeError(w, http.StatusBadRequest, "user_id required")
		return
	}

	if err := s.store.Reload(r.Context()); err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"user_id": req.UserID,
		"balance": s.store.Balance(req.UserID),
	})
}

type depositRequest struct {
	UserID   string  `json:"user_id"`
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var req depositRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" {
		s.writeError(w, http.StatusBadRequest, "user_id required")
		return
	}

	receipt, err := s.engine.Deposit(r.Context(), req.UserID, req.Amount, req.Currency)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":    "success",
		"user_id":   req.UserID,
		"deposited": receipt.Deposited,
		"balance":   receipt.NewBalance,
		"rate":      receipt.Rate.Value,
	})
}

type placeBetRequest struct {
	UserID   string  `json:"user_id"`
	Team     string  `json:"team"`
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`
	Coef     float64 `json:"coef"`
}

func (s *Server) handlePlaceBet(w http.ResponseWriter, r *http.Request) {
	var req placeBetRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" {
		s.writeError(w, http.StatusBadRequest, "user_id required")
		return
	}

	placed, err := s.engine.PlaceBet(r.Context(), req.UserID, req.Team, req.Currency, req.Amount, req.Coef)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":  "success",
		"user_id": req.UserID,
		"bet":     placed.Bet,
		"balance": placed.NewBalance,
	})
}

func (s *Server) handleCheckResult(w http.ResponseWriter, r *http.Request) {
	var req accountRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" {
		s.writeError(w, http.StatusBadRequest, "user_id required")
		return
	}

	// Settle first so a freshly declared winner resolves this account's bet
	// on the spot; the status read afterwards then sees the cached result.
	if _, err := s.engine.Settle(r.Context(), req.UserID); err != nil {
		s.fail(w, err)
		return
	}
	status, err := s.engine.Status(r.Context(), req.UserID)
	if err != nil {
		s.fail(w, err)
		return
	}

	resp := map[string]any{
		"status":  string(status.State),
		"user_id": req.UserID,
		"balance": status.Balance,
	}
	switch status.State {
	case settle.StatePending:
		resp["bet"] = status.Bet
		resp["potential_win"] = status.Potential
	case settle.StateSettled:
		resp["result"] = status.Result
	}
	s.writeJSON(w, http.StatusOK, resp)
}

type announceWinnerRequest struct {
	Team string `json:"team"`
}

func (s *Server) handleAnnounceWinner(w http.ResponseWriter, r *http.Request) {
	var req announceWinnerRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.engine.DeclareWinner(r.Context(), req.Team); err != nil {
		s.fail(w, err)
		return
	}
	results, err := s.engine.SettleAll(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":  "success",
		"winner":  req.Team,
		"settled": len(results),
		"results": results,
	})
}

func (s *Server) handleClearRound(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.ClearRound(r.Context()); err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

type resetRequest struct {
	Scope  string `json:"scope"` // "account", "balances" or "all"
	UserID string `json:"user_id,omitempty"`
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ctx := r.Context()
	var err error
	switch req.Scope {
	case "account":
		if req.UserID == "" {
			s.writeError(w, http.StatusBadRequest, "user_id required for account reset")
			return
		}
		err = s.store.ResetAccount(ctx, req.UserID)
	case "balances":
		err = s.store.ResetAllBalances(ctx)
	case "all":
		err = s.store.ResetEverything(ctx)
	default:
		s.writeError(w, http.StatusBadRequest, "scope must be account, balances or all")
		return
	}
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "success", "scope": req.Scope})
}

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.cfg.Snapshot()
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, settings)
}

type updateSettingRequest struct {
	Section string `json:"section"`
	Key     string `json:"key"`
	Value   any    `json:"value"`
}

func (s *Server) handleUpdateSetting(w http.ResponseWriter, r *http.Request) {
	var req updateSettingRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.cfg.Set(req.Section, req.Key, req.Value); err != nil {
		var writeErr *config.WriteError
		if errors.As(err, &writeErr) {
			s.log.Error().Err(err).Msg("settings persistence failure")
			s.writeError(w, http.StatusInternalServerError, "storage unavailable, try again")
			return
		}
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Reload(r.Context()); err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.store.Stats())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	// Best effort: a reload failure degrades freshness, not liveness.
	if err := s.store.Reload(r.Context()); err != nil {
		s.log.Warn().Err(err).Msg("health reload failed, serving in-memory stats")
	}
	stats := s.store.Stats()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":       "healthy",
		"total_users":  stats.TotalAccounts,
		"active_bets":  stats.LiveBets,
		"match_result": stats.Winner,
		"uptime":       time.Since(s.startTime).String(),
	})
}

// handlePing exists for external keep-alive probes.
func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status": "running",
		"ready":  s.health.IsReady(),
		"uptime": s.health.Uptime().String(),
	})
}
