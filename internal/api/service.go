// Package api exposes the pool engine over HTTP.
//
// Amounts cross the wire as decimal whole-coin strings ("1.5") and are
// converted exactly to base units; a value with more than nine decimal
// places is rejected rather than rounded.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/pool-engine/internal/address"
	"github.com/atmx/pool-engine/internal/betting"
	"github.com/atmx/pool-engine/internal/identity"
	"github.com/atmx/pool-engine/internal/model"
)

// Service handles pool operations.
type Service struct {
	engine   *betting.Engine
	verifier identity.Verifier
	funder   address.Address
	window   time.Duration
	now      func() time.Time
	nonces   *nonceCache
}

// Option configures a Service.
type Option func(*Service)

// WithFunder enables the deposit route for one funding identity. Without
// it the route is not registered.
func WithFunder(funder address.Address) Option {
	return func(s *Service) { s.funder = funder }
}

// WithSignatureWindow sets how far a signed request's timestamp may drift
// from the server clock.
func WithSignatureWindow(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.window = d
		}
	}
}

// WithClock overrides the clock used to check request timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a new pool service. Signed requests are checked with
// verifier.
func NewService(engine *betting.Engine, verifier identity.Verifier, opts ...Option) *Service {
	s := &Service{
		engine:   engine,
		verifier: verifier,
		window:   DefaultSignatureWindow,
		now:      time.Now,
		nonces:   newNonceCache(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Routes registers the pool endpoints on r. Mutating routes require a
// signed request.
func (s *Service) Routes(r chi.Router) {
	r.Get("/pools", s.ListPools)
	r.Get("/pools/{pool}", s.GetPool)
	r.Get("/pools/{pool}/bets", s.ListBets)
	r.Get("/pools/{pool}/bets/{bet}", s.GetBet)
	r.Get("/pools/{pool}/bets/{bet}/quote", s.Quote)
	r.Get("/accounts/{identity}/balance", s.GetBalance)

	r.Group(func(r chi.Router) {
		r.Use(s.Authenticate)
		r.Post("/pools", s.CreatePool)
		r.Post("/pools/{pool}/bets", s.PlaceBet)
		r.Post("/pools/{pool}/winner", s.DeclareWinner)
		r.Post("/pools/{pool}/bets/{bet}/payout", s.Payout)
		r.Post("/pools/{pool}/reconcile", s.Reconcile)
		if !s.funder.IsZero() {
			r.Post("/accounts/{identity}/deposit", s.Deposit)
		}
	})
}

// --- Request types ---

// CreatePoolRequest is the JSON body for pool creation. The signer becomes
// the pool admin.
type CreatePoolRequest struct {
	StreamID        string    `json:"stream_id"`
	BettingDeadline time.Time `json:"betting_deadline"`
	Moderator       string    `json:"moderator,omitempty"`
}

// PlaceBetRequest is the JSON body for POST /pools/{pool}/bets. The signer
// is the bettor.
type PlaceBetRequest struct {
	Side          model.Side      `json:"side"` // 1 = A, 2 = B
	Amount        decimal.Decimal `json:"amount"`
	SequenceIndex uint32          `json:"sequence_index"`
}

// DeclareWinnerRequest is the JSON body for POST /pools/{pool}/winner.
type DeclareWinnerRequest struct {
	Side model.Side `json:"side"`
}

// PayoutRequest is the JSON body for POST /pools/{pool}/bets/{bet}/payout.
type PayoutRequest struct {
	Treasury string `json:"treasury"`
}

// DepositRequest is the JSON body for POST /accounts/{identity}/deposit.
type DepositRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// PlaceBetResponse is returned from a successful bet.
type PlaceBetResponse struct {
	Bet  BetView  `json:"bet"`
	Pool PoolView `json:"pool"`
}

// BalanceResponse is returned from balance queries and deposits.
type BalanceResponse struct {
	Identity string          `json:"identity"`
	Balance  decimal.Decimal `json:"balance"`
}

// --- HTTP Handlers ---

// CreatePool handles POST /api/v1/pools
func (s *Service) CreatePool(w http.ResponseWriter, r *http.Request) {
	var req CreatePoolRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	var moderator address.Address
	if req.Moderator != "" {
		var err error
		if moderator, err = address.Parse(req.Moderator); err != nil {
			writeError(w, "invalid moderator: "+err.Error(), http.StatusBadRequest)
			return
		}
	}

	pool, err := s.engine.Initialize(r.Context(), betting.InitializeParams{
		StreamID:  req.StreamID,
		Deadline:  req.BettingDeadline,
		Admin:     caller(r),
		Moderator: moderator,
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, newPoolView(pool))
}

// ListPools handles GET /api/v1/pools
func (s *Service) ListPools(w http.ResponseWriter, r *http.Request) {
	pools, err := s.engine.ListPools(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	views := make([]PoolView, len(pools))
	for i := range pools {
		views[i] = newPoolView(&pools[i])
	}
	writeJSON(w, http.StatusOK, views)
}

// GetPool handles GET /api/v1/pools/{pool}
func (s *Service) GetPool(w http.ResponseWriter, r *http.Request) {
	poolAddr, ok := pathAddress(w, r, "pool")
	if !ok {
		return
	}
	pool, err := s.engine.GetPool(r.Context(), poolAddr)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newPoolView(pool))
}

// PlaceBet handles POST /api/v1/pools/{pool}/bets
func (s *Service) PlaceBet(w http.ResponseWriter, r *http.Request) {
	poolAddr, ok := pathAddress(w, r, "pool")
	if !ok {
		return
	}
	var req PlaceBetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	amount, err := model.UnitsFromCoins(req.Amount)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	bet, pool, err := s.engine.PlaceBet(r.Context(), betting.PlaceBetParams{
		Pool:   poolAddr,
		Side:   req.Side,
		Amount: amount,
		Bettor: caller(r),
		Index:  req.SequenceIndex,
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, PlaceBetResponse{Bet: newBetView(bet), Pool: newPoolView(pool)})
}

// ListBets handles GET /api/v1/pools/{pool}/bets
func (s *Service) ListBets(w http.ResponseWriter, r *http.Request) {
	poolAddr, ok := pathAddress(w, r, "pool")
	if !ok {
		return
	}
	bets, err := s.engine.ListBets(r.Context(), poolAddr)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	views := make([]BetView, len(bets))
	for i := range bets {
		views[i] = newBetView(&bets[i])
	}
	writeJSON(w, http.StatusOK, views)
}

// GetBet handles GET /api/v1/pools/{pool}/bets/{bet}
func (s *Service) GetBet(w http.ResponseWriter, r *http.Request) {
	poolAddr, ok := pathAddress(w, r, "pool")
	if !ok {
		return
	}
	betAddr, ok := pathAddress(w, r, "bet")
	if !ok {
		return
	}
	bet, err := s.engine.GetBet(r.Context(), betAddr)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if bet.Pool != poolAddr.String() {
		writeEngineError(w, betting.ErrBetNotFound)
		return
	}
	writeJSON(w, http.StatusOK, newBetView(bet))
}

// DeclareWinner handles POST /api/v1/pools/{pool}/winner
func (s *Service) DeclareWinner(w http.ResponseWriter, r *http.Request) {
	poolAddr, ok := pathAddress(w, r, "pool")
	if !ok {
		return
	}
	var req DeclareWinnerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	pool, err := s.engine.DeclareWinner(r.Context(), poolAddr, req.Side, caller(r))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newPoolView(pool))
}

// Payout handles POST /api/v1/pools/{pool}/bets/{bet}/payout
// Any signer may relay the claim; funds always go to the bettor.
func (s *Service) Payout(w http.ResponseWriter, r *http.Request) {
	poolAddr, ok := pathAddress(w, r, "pool")
	if !ok {
		return
	}
	betAddr, ok := pathAddress(w, r, "bet")
	if !ok {
		return
	}
	var req PayoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	var treasury address.Address
	if req.Treasury != "" {
		var err error
		if treasury, err = address.Parse(req.Treasury); err != nil {
			writeError(w, "invalid treasury: "+err.Error(), http.StatusBadRequest)
			return
		}
	}

	payout, err := s.engine.Payout(r.Context(), betting.PayoutParams{
		Pool:     poolAddr,
		Bet:      betAddr,
		Caller:   caller(r),
		Treasury: treasury,
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newPayoutView(payout))
}

// Quote handles GET /api/v1/pools/{pool}/bets/{bet}/quote
func (s *Service) Quote(w http.ResponseWriter, r *http.Request) {
	poolAddr, ok := pathAddress(w, r, "pool")
	if !ok {
		return
	}
	betAddr, ok := pathAddress(w, r, "bet")
	if !ok {
		return
	}
	payout, err := s.engine.Quote(r.Context(), poolAddr, betAddr)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newPayoutView(payout))
}

// Reconcile handles POST /api/v1/pools/{pool}/reconcile
func (s *Service) Reconcile(w http.ResponseWriter, r *http.Request) {
	poolAddr, ok := pathAddress(w, r, "pool")
	if !ok {
		return
	}
	settlement, err := s.engine.Reconcile(r.Context(), poolAddr)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newSettlementView(settlement))
}

// GetBalance handles GET /api/v1/accounts/{identity}/balance
func (s *Service) GetBalance(w http.ResponseWriter, r *http.Request) {
	owner, ok := pathAddress(w, r, "identity")
	if !ok {
		return
	}
	bal, err := s.engine.Balance(r.Context(), owner)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceResponse{Identity: owner.String(), Balance: model.CoinsFromUnits(bal)})
}

// Deposit handles POST /api/v1/accounts/{identity}/deposit
// Only the configured funder may credit accounts, and only accounts that
// can sign; derived record addresses are refused.
func (s *Service) Deposit(w http.ResponseWriter, r *http.Request) {
	if err := identity.Authorize(caller(r), s.funder); err != nil {
		writeError(w, "caller is not the funding identity", http.StatusForbidden)
		return
	}
	owner, ok := pathAddress(w, r, "identity")
	if !ok {
		return
	}
	if !owner.OnCurve() {
		writeError(w, "deposits go to signing identities only", http.StatusBadRequest)
		return
	}
	var req DepositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	amount, err := model.UnitsFromCoins(req.Amount)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	bal, err := s.engine.Deposit(r.Context(), owner, amount)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceResponse{Identity: owner.String(), Balance: model.CoinsFromUnits(bal)})
}

// --- helpers ---

func pathAddress(w http.ResponseWriter, r *http.Request, param string) (address.Address, bool) {
	a, err := address.Parse(chi.URLParam(r, param))
	if err != nil {
		writeError(w, "invalid "+param+" address", http.StatusBadRequest)
		return address.Zero, false
	}
	return a, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// statusFor maps an engine error to an HTTP status.
func statusFor(err error) int {
	switch betting.KindOf(err) {
	case betting.KindValidation:
		return http.StatusBadRequest
	case betting.KindAuthorization:
		return http.StatusForbidden
	case betting.KindStateConflict:
		return http.StatusConflict
	case betting.KindResource:
		switch {
		case errors.Is(err, betting.ErrPoolNotFound), errors.Is(err, betting.ErrBetNotFound):
			return http.StatusNotFound
		case errors.Is(err, betting.ErrInsufficientFunds):
			return http.StatusPaymentRequired
		}
		return http.StatusConflict
	case betting.KindArithmetic:
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func writeEngineError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "err", err)
		writeError(w, "internal error", status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"error": err.Error(),
		"kind":  string(betting.KindOf(err)),
	})
}

func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
