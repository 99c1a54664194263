// Package api exposes the settlement engine over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/updown-engine/internal/audit"
	"github.com/atmx/updown-engine/internal/model"
	"github.com/atmx/updown-engine/internal/oracle"
	"github.com/atmx/updown-engine/internal/pool"
	"github.com/atmx/updown-engine/internal/round"
	"github.com/atmx/updown-engine/internal/settlement"
	"github.com/atmx/updown-engine/internal/stake"
	"github.com/atmx/updown-engine/internal/store"
)

// DeadLetters is the scheduler's retry bookkeeping as seen by operators.
type DeadLetters interface {
	ClearDeadLetter(tradeID string) bool
	DeadLetters() []settlement.DeadLetter
}

// Handler serves the HTTP API.
type Handler struct {
	store       store.Store
	stakes      *stake.Controller
	resolver    *settlement.Resolver
	pools       *pool.Accumulator
	rounds      *round.Tracker
	deadLetters DeadLetters
	demoCeiling decimal.Decimal
	logger      *slog.Logger
}

// Deps bundles the Handler's collaborators. DeadLetters may be nil.
type Deps struct {
	Store       store.Store
	Stakes      *stake.Controller
	Resolver    *settlement.Resolver
	Pools       *pool.Accumulator
	Rounds      *round.Tracker
	DeadLetters DeadLetters
	DemoCeiling decimal.Decimal
	Logger      *slog.Logger
}

// NewHandler creates the API handler.
func NewHandler(d Deps) *Handler {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.DemoCeiling.IsZero() {
		d.DemoCeiling = stake.DefaultDemoCeiling
	}
	return &Handler{
		store:       d.Store,
		stakes:      d.Stakes,
		resolver:    d.Resolver,
		pools:       d.Pools,
		rounds:      d.Rounds,
		deadLetters: d.DeadLetters,
		demoCeiling: d.DemoCeiling,
		logger:      d.Logger,
	}
}

// Routes mounts the API on r. ws, if non-nil, serves GET /ws.
func (h *Handler) Routes(r chi.Router, ws http.HandlerFunc) {
	if ws != nil {
		r.Get("/ws", ws)
	}

	r.Post("/users", h.CreateUser)
	r.Get("/users/{userID}", h.GetUser)
	r.Get("/users/{userID}/trades", h.ListTrades)
	r.Get("/users/{userID}/audit", h.ListAudit)
	r.Get("/users/{userID}/reconcile", h.Reconcile)

	r.Post("/stakes", h.PlaceStake)
	r.Get("/trades/{tradeID}", h.GetTrade)
	r.Get("/pools/{scope}", h.GetPool)
	r.Get("/rounds/{roundID}", h.GetRound)

	r.Route("/admin", func(r chi.Router) {
		r.Post("/trades/{tradeID}/resolve", h.ResolveTrade)
		r.Get("/dead-letters", h.ListDeadLetters)
		r.Put("/rounds/{roundID}", h.OverrideRound)
	})
}

// --- Request types ---

// CreateUserRequest is the JSON body for POST /users.
type CreateUserRequest struct {
	ID          string            `json:"id"`
	Balance     decimal.Decimal   `json:"balance"`
	AccountType model.AccountType `json:"account_type"` // "real" (default) or "demo"
}

// StakeRequest is the JSON body for POST /stakes. Either expiry or
// expires_in_seconds must be given.
type StakeRequest struct {
	UserID           string          `json:"user_id"`
	Amount           json.Number     `json:"amount"`
	Direction        model.Direction `json:"direction"`
	StrikePrice      decimal.Decimal `json:"strike_price"`
	Expiry           time.Time       `json:"expiry"`
	ExpiresInSeconds int64           `json:"expires_in_seconds"`
}

// --- Users ---

// CreateUser handles POST /api/v1/users. Demo accounts without an explicit
// balance start at the demo ceiling.
func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req CreateUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.AccountType == "" {
		req.AccountType = model.AccountReal
	}
	if req.AccountType != model.AccountReal && req.AccountType != model.AccountDemo {
		writeError(w, "account_type must be real or demo", http.StatusBadRequest)
		return
	}
	if req.Balance.IsNegative() {
		writeError(w, "balance must not be negative", http.StatusBadRequest)
		return
	}
	if req.AccountType == model.AccountDemo {
		if req.Balance.IsZero() {
			req.Balance = h.demoCeiling
		}
		if req.Balance.GreaterThan(h.demoCeiling) {
			writeError(w, "demo balance exceeds the demo ceiling", http.StatusBadRequest)
			return
		}
	}
	if req.ID == "" {
		req.ID = uuid.New().String()
	}

	user := &model.User{
		ID:             req.ID,
		Balance:        req.Balance,
		InitialBalance: req.Balance,
		AccountType:    req.AccountType,
		CreatedAt:      time.Now().UTC(),
	}
	if err := h.store.CreateUser(r.Context(), user); err != nil {
		h.fail(w, err)
		return
	}

	h.logger.Info("user created", "user_id", user.ID, "account_type", user.AccountType, "balance", user.Balance)
	writeJSON(w, http.StatusCreated, user)
}

// GetUser handles GET /api/v1/users/{userID}
func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	user, err := h.store.GetUser(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// ListTrades handles GET /api/v1/users/{userID}/trades
func (h *Handler) ListTrades(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if _, err := h.store.GetUser(r.Context(), userID); err != nil {
		h.fail(w, err)
		return
	}
	trades, err := h.store.ListTradesByUser(r.Context(), userID)
	if err != nil {
		h.fail(w, err)
		return
	}
	if trades == nil {
		trades = []model.Trade{}
	}
	writeJSON(w, http.StatusOK, trades)
}

// ListAudit handles GET /api/v1/users/{userID}/audit
func (h *Handler) ListAudit(w http.ResponseWriter, r *http.Request) {
	entries, err := h.store.ListAuditByUser(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		h.fail(w, err)
		return
	}
	if entries == nil {
		entries = []model.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// Reconcile handles GET /api/v1/users/{userID}/reconcile
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := chi.URLParam(r, "userID")

	// Balance and history come from one transaction; the user row lock keeps
	// admissions and payouts from committing in between.
	var (
		user    *model.User
		entries []model.AuditEntry
	)
	err := h.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		if user, err = tx.GetUserForUpdate(ctx, userID); err != nil {
			return err
		}
		entries, err = tx.ListAuditByUser(ctx, userID)
		return err
	})
	if err != nil {
		h.fail(w, err)
		return
	}
	report := audit.Reconcile(user, entries)
	if !report.OK {
		h.logger.Error("balance reconciliation failed", "user_id", user.ID, "problem", report.Problem)
	}
	writeJSON(w, http.StatusOK, report)
}

// --- Stakes and trades ---

// PlaceStake handles POST /api/v1/stakes
func (h *Handler) PlaceStake(w http.ResponseWriter, r *http.Request) {
	var req StakeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	amount, err := req.Amount.Int64()
	if err != nil {
		writeError(w, "amount must be an integer", http.StatusBadRequest)
		return
	}
	expiry := req.Expiry
	if expiry.IsZero() && req.ExpiresInSeconds > 0 {
		expiry = time.Now().UTC().Add(time.Duration(req.ExpiresInSeconds) * time.Second)
	}

	trade, err := h.stakes.PlaceStake(r.Context(), stake.Request{
		UserID:      req.UserID,
		Amount:      amount,
		Direction:   req.Direction,
		StrikePrice: req.StrikePrice,
		Expiry:      expiry,
	})
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, model.NewTradeEvent(trade))
}

// GetTrade handles GET /api/v1/trades/{tradeID}
func (h *Handler) GetTrade(w http.ResponseWriter, r *http.Request) {
	trade, err := h.store.GetTrade(r.Context(), chi.URLParam(r, "tradeID"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, trade)
}

// GetPool handles GET /api/v1/pools/{scope}
func (h *Handler) GetPool(w http.ResponseWriter, r *http.Request) {
	p, err := h.pools.Totals(r.Context(), chi.URLParam(r, "scope"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"scope":         p.Scope,
		"up_treasury":   p.UpTreasury,
		"down_treasury": p.DownTreasury,
		"total":         p.Total(),
	})
}

// GetRound handles GET /api/v1/rounds/{roundID}
func (h *Handler) GetRound(w http.ResponseWriter, r *http.Request) {
	rd, err := h.store.GetRound(r.Context(), chi.URLParam(r, "roundID"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rd)
}

// --- Admin ---

// ResolveTrade handles POST /api/v1/admin/trades/{tradeID}/resolve. It
// settles the trade now if it has expired, and clears any dead-letter mark.
func (h *Handler) ResolveTrade(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tradeID := chi.URLParam(r, "tradeID")

	trade, err := h.store.GetTrade(ctx, tradeID)
	if err != nil {
		h.fail(w, err)
		return
	}
	if !trade.Settled() && time.Now().Before(trade.Expiry) {
		writeError(w, "trade has not expired", http.StatusConflict)
		return
	}

	if h.deadLetters != nil && h.deadLetters.ClearDeadLetter(tradeID) {
		h.logger.Info("dead-lettered trade retriggered", "trade_id", tradeID)
	}
	out, err := h.resolver.Resolve(ctx, tradeID)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// ListDeadLetters handles GET /api/v1/admin/dead-letters
func (h *Handler) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	list := []settlement.DeadLetter{}
	if h.deadLetters != nil {
		list = append(list, h.deadLetters.DeadLetters()...)
	}
	writeJSON(w, http.StatusOK, list)
}

// OverrideRound handles PUT /api/v1/admin/rounds/{roundID}
func (h *Handler) OverrideRound(w http.ResponseWriter, r *http.Request) {
	var req round.OverrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	rd, err := h.rounds.Override(r.Context(), chi.URLParam(r, "roundID"), req)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rd)
}

// --- Errors ---

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	var verr *stake.ValidationError
	switch {
	case errors.As(err, &verr), errors.Is(err, round.ErrInvalidOverride):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, stake.ErrInsufficientFunds),
		errors.Is(err, stake.ErrDemoCeilingExceeded),
		errors.Is(err, store.ErrDuplicateKey):
		return http.StatusConflict
	case errors.Is(err, oracle.ErrOracleUnavailable), errors.Is(err, store.ErrTxConflict):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (h *Handler) fail(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", "err", err)
		msg = "internal error"
	}
	writeError(w, msg, status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
