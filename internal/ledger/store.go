package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"betledger/internal/config"
	"betledger/internal/observability"

	"github.com/rs/zerolog"
)

// Backend persists the ledger document. The file backend is the default and
// is what both front-end processes share; see internal/persistence.
type Backend interface {
	Load(ctx context.Context) (*Document, error)
	Save(ctx context.Context, doc *Document) error
}

// Store owns the canonical ledger state for one process: balances, live
// bets, the declared winner and the settlement-result cache.
//
// Concurrency model: the mutex serializes every mutation and persist within
// this process. Across processes the persisted document is last-write-wins
// at document granularity — two processes persisting concurrently can clobber
// each other. Reload before each read-modify-write sequence shrinks that
// window but does not close it; this is an accepted trade-off at the
// system's human-paced scale, not a bug to harden away silently.
type Store struct {
	mu      sync.Mutex
	backend Backend
	cfg     *config.Store
	log     zerolog.Logger
	metrics *observability.Metrics // may be nil

	doc *Document
}

// NewStore loads the initial state from the backend. A backend that is
// unavailable at startup is the one unrecoverable condition in the design,
// so the error here should be fatal to the process.
func NewStore(ctx context.Context, backend Backend, cfg *config.Store, log zerolog.Logger, metrics *observability.Metrics) (*Store, error) {
	doc, err := backend.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("initial ledger load: %w", err)
	}
	doc.Normalize()

	s := &Store{
		backend: backend,
		cfg:     cfg,
		log:     log,
		metrics: metrics,
		doc:     doc,
	}
	s.updateGauges()
	return s, nil
}

// Reload replaces the in-memory view with the persisted state, discarding
// any in-memory change that was never persisted. It is advisory: a reload
// followed by a mutation is not atomic with respect to a concurrent writer
// in the other process.
func (s *Store) Reload(ctx context.Context) error {
	doc, err := s.backend.Load(ctx)
	if err != nil {
		if s.metrics != nil {
			s.metrics.PersistErrors.WithLabelValues("load").Inc()
		}
		return &PersistError{Op: "reload", Err: err}
	}
	doc.Normalize()

	s.mu.Lock()
	s.doc = doc
	s.mu.Unlock()
	s.updateGauges()
	return nil
}

// Persist writes the full in-memory state through the backend. On failure
// the in-memory state remains authoritative for this process and the caller
// may retry.
func (s *Store) Persist(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persistLocked(ctx)
}

func (s *Store) persistLocked(ctx context.Context) error {
	start := time.Now()
	err := s.backend.Save(ctx, s.doc.Clone())
	if s.metrics != nil {
		s.metrics.PersistDuration.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		if s.metrics != nil {
			s.metrics.PersistErrors.WithLabelValues("save").Inc()
		}
		s.log.Error().Err(err).Msg("ledger persist failed, in-memory state kept")
		return &PersistError{Op: "persist", Err: err}
	}
	s.updateGaugesLocked()
	return nil
}

// Balance returns the account balance, 0 for an unknown account. Accounts
// are created lazily on first deposit; a plain read does not create one.
func (s *Store) Balance(id string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.UserBalances[id]
}

// AdjustBalance applies a delta to the account balance, clamping at zero on
// the low side, and persists. Returns the new balance.
func (s *Store) AdjustBalance(ctx context.Context, id string, delta float64) (float64, error) {
	if id == "" {
		return 0, &ValidationError{Field: "account", Reason: "empty account id"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	balance := s.doc.UserBalances[id] + delta
	if balance < 0 {
		balance = 0
	}
	s.doc.UserBalances[id] = balance

	if err := s.persistLocked(ctx); err != nil {
		return balance, err
	}
	return balance, nil
}

// SetBalance overwrites the account balance (administrative), clamped at
// zero, and persists.
func (s *Store) SetBalance(ctx context.Context, id string, amount float64) (float64, error) {
	if id == "" {
		return 0, &ValidationError{Field: "account", Reason: "empty account id"}
	}
	if amount < 0 {
		amount = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.doc.UserBalances[id] = amount
	if err := s.persistLocked(ctx); err != nil {
		return amount, err
	}
	return amount, nil
}

// PlaceBet validates and applies a wager: at most one live bet per account
// per round, the frozen reference amount must fit the balance and the
// configured bet limits, and the team must be a round participant. On
// success the balance is debited by the frozen reference amount, the bet is
// recorded and the ledger persisted.
func (s *Store) PlaceBet(ctx context.Context, id string, bet Bet) error {
	if id == "" {
		return &ValidationError{Field: "account", Reason: "empty account id"}
	}
	if bet.Amount <= 0 || bet.RefAmount <= 0 {
		s.reject("place_bet", "non_positive_amount")
		return &ValidationError{Field: "amount", Reason: "must be positive"}
	}

	// Config reads happen outside the state lock; a coefficient changing
	// mid-operation is an accepted property of the configuration contract.
	coefficients, err := s.cfg.Coefficients()
	if err != nil {
		return fmt.Errorf("load coefficients: %w", err)
	}
	limits, err := s.cfg.Limits()
	if err != nil {
		return fmt.Errorf("load limits: %w", err)
	}

	if _, ok := coefficients[bet.Team]; !ok {
		s.reject("place_bet", "invalid_team")
		return fmt.Errorf("%w: %q", ErrInvalidTeam, bet.Team)
	}
	if bet.Coef <= 0 {
		// Front-end did not freeze a coefficient; capture the current one.
		bet.Coef = coefficients[bet.Team]
	}
	if bet.RefAmount < limits.MinBet {
		s.reject("place_bet", "below_min_bet")
		return fmt.Errorf("%w: bet %.2f below minimum %.2f", ErrLimitExceeded, bet.RefAmount, limits.MinBet)
	}
	if bet.RefAmount > limits.MaxBet {
		s.reject("place_bet", "above_max_bet")
		return fmt.Errorf("%w: bet %.2f above maximum %.2f", ErrLimitExceeded, bet.RefAmount, limits.MaxBet)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.doc.HasBet(id) {
		s.reject("place_bet", "already_bet")
		return ErrAlreadyBet
	}
	balance := s.doc.UserBalances[id]
	if balance < bet.RefAmount {
		s.reject("place_bet", "insufficient_funds")
		return fmt.Errorf("%w: balance %.2f, need %.2f", ErrInsufficientFunds, balance, bet.RefAmount)
	}

	s.doc.UserBalances[id] = balance - bet.RefAmount
	s.doc.UserState[id] = bet
	s.doc.addBet(id)
	// A fresh bet invalidates any result cached from a previous round.
	delete(s.doc.UserResults, id)

	if err := s.persistLocked(ctx); err != nil {
		return err
	}

	if s.metrics != nil {
		s.metrics.OpsApplied.WithLabelValues("place_bet").Inc()
		s.metrics.BetVolume.Add(bet.RefAmount)
	}
	s.log.Info().Str("account", id).Str("team", bet.Team).
		Float64("bet_uah", bet.RefAmount).Float64("coef", bet.Coef).
		Float64("balance", s.doc.UserBalances[id]).Msg("bet placed")
	return nil
}

// Winner returns the declared winner for the current round, if any.
func (s *Store) Winner() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.doc.MatchResult == nil {
		return "", false
	}
	return *s.doc.MatchResult, true
}

// DeclareWinner records the round outcome. Balances are untouched here:
// settlement runs as the next step, so front-ends can already read the
// winner while the per-account settlement loop is still going.
func (s *Store) DeclareWinner(ctx context.Context, team string) error {
	coefficients, err := s.cfg.Coefficients()
	if err != nil {
		return fmt.Errorf("load coefficients: %w", err)
	}
	if _, ok := coefficients[team]; !ok {
		s.reject("declare_winner", "invalid_team")
		return fmt.Errorf("%w: %q", ErrInvalidTeam, team)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	winner := team
	s.doc.MatchResult = &winner
	if err := s.persistLocked(ctx); err != nil {
		return err
	}

	if s.metrics != nil {
		s.metrics.OpsApplied.WithLabelValues("declare_winner").Inc()
	}
	s.log.Info().Str("winner", team).Msg("winner declared")
	return nil
}

// ClearRound starts a fresh round: drops all live bets, clears the
// settlement-result cache and resets the winner to undecided. Balances are
// never changed here.
func (s *Store) ClearRound(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.doc.UserBets = []string{}
	s.doc.UserState = make(map[string]Bet)
	s.doc.UserResults = make(map[string]Result)
	s.doc.MatchResult = nil

	if err := s.persistLocked(ctx); err != nil {
		return err
	}

	if s.metrics != nil {
		s.metrics.OpsApplied.WithLabelValues("clear_round").Inc()
	}
	s.log.Info().Msg("round cleared")
	return nil
}

// ResetAccount drops a single account's live bet and cached result, leaving
// its balance alone. A deposit calls this so the account starts the next
// round clean.
func (s *Store) ResetAccount(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetAccountLocked(id)
	return s.persistLocked(ctx)
}

func (s *Store) resetAccountLocked(id string) {
	s.doc.removeBet(id)
	delete(s.doc.UserState, id)
	delete(s.doc.UserResults, id)
}

// ResetAllBalances zeroes every account balance (administrative).
func (s *Store) ResetAllBalances(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id := range s.doc.UserBalances {
		s.doc.UserBalances[id] = 0
	}
	if err := s.persistLocked(ctx); err != nil {
		return err
	}
	s.log.Info().Int("accounts", len(s.doc.UserBalances)).Msg("all balances reset")
	return nil
}

// ResetEverything zeroes all balances and clears the round (administrative
// fresh start).
func (s *Store) ResetEverything(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id := range s.doc.UserBalances {
		s.doc.UserBalances[id] = 0
	}
	s.doc.UserBets = []string{}
	s.doc.UserState = make(map[string]Bet)
	s.doc.UserResults = make(map[string]Result)
	s.doc.MatchResult = nil

	if err := s.persistLocked(ctx); err != nil {
		return err
	}
	s.log.Info().Int("accounts", len(s.doc.UserBalances)).Msg("full reset")
	return nil
}

// BetFor returns the account's live bet, if any.
func (s *Store) BetFor(id string) (Bet, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bet, ok := s.doc.UserState[id]
	if !ok || !s.doc.HasBet(id) {
		return Bet{}, false
	}
	return bet, true
}

// ResultFor returns the cached settlement result for the account, if any.
func (s *Store) ResultFor(id string) (Result, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, ok := s.doc.UserResults[id]
	return res, ok
}

// Bettors returns the ids of all accounts with a live bet.
func (s *Store) Bettors() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string{}, s.doc.UserBets...)
}

// ApplySettlement credits the account (zero for a loss), snapshots the
// post-credit balance into the result and caches it, then persists. If a
// result is already cached for this account the cached value is returned
// unchanged and nothing is applied — the cache is never overwritten until
// the round is cleared.
func (s *Store) ApplySettlement(ctx context.Context, id string, res Result, credit float64) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.doc.UserResults[id]; ok {
		return existing, nil
	}

	balance := s.doc.UserBalances[id] + credit
	if balance < 0 {
		balance = 0
	}
	s.doc.UserBalances[id] = balance
	res.Balance = balance
	s.doc.UserResults[id] = res

	if err := s.persistLocked(ctx); err != nil {
		return res, err
	}

	if s.metrics != nil {
		s.metrics.Settlements.WithLabelValues(string(res.Outcome)).Inc()
		if credit > 0 {
			s.metrics.PayoutVolume.Add(credit)
		}
	}
	return res, nil
}

// Deposit credits the account in reference currency, rejecting the credit if
// the resulting balance would exceed maxBalance, and clears any stale
// bet/result for the account — a deposit opts the account into a fresh
// round.
func (s *Store) Deposit(ctx context.Context, id string, refAmount, maxBalance float64) (float64, error) {
	if id == "" {
		return 0, &ValidationError{Field: "account", Reason: "empty account id"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	balance := s.doc.UserBalances[id]
	if maxBalance > 0 && balance+refAmount > maxBalance {
		s.reject("deposit", "max_balance")
		return balance, fmt.Errorf("%w: balance %.2f + deposit %.2f over cap %.2f",
			ErrLimitExceeded, balance, refAmount, maxBalance)
	}

	balance += refAmount
	s.doc.UserBalances[id] = balance
	s.resetAccountLocked(id)

	if err := s.persistLocked(ctx); err != nil {
		return balance, err
	}

	if s.metrics != nil {
		s.metrics.OpsApplied.WithLabelValues("deposit").Inc()
		s.metrics.DepositVolume.Add(refAmount)
	}
	s.log.Info().Str("account", id).Float64("amount", refAmount).
		Float64("balance", balance).Msg("deposit credited")
	return balance, nil
}

// Stats is an aggregate snapshot for health/status endpoints.
type Stats struct {
	TotalAccounts int            `json:"total_users"`
	LiveBets      int            `json:"total_bets"`
	TeamCounts    map[string]int `json:"team_stats"`
	Winner        *string        `json:"match_result"`
}

// Stats summarizes the current in-memory view.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[string]int)
	for _, id := range s.doc.UserBets {
		if bet, ok := s.doc.UserState[id]; ok {
			counts[bet.Team]++
		}
	}

	stats := Stats{
		TotalAccounts: len(s.doc.UserBalances),
		LiveBets:      len(s.doc.UserBets),
		TeamCounts:    counts,
	}
	if s.doc.MatchResult != nil {
		winner := *s.doc.MatchResult
		stats.Winner = &winner
	}
	return stats
}

func (s *Store) reject(op, reason string) {
	if s.metrics != nil {
		s.metrics.OpsRejected.WithLabelValues(op, reason).Inc()
	}
}

func (s *Store) updateGauges() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updateGaugesLocked()
}

func (s *Store) updateGaugesLocked() {
	if s.metrics == nil {
		return
	}
	s.metrics.Accounts.Set(float64(len(s.doc.UserBalances)))
	s.metrics.LiveBets.Set(float64(len(s.doc.UserBets)))
}
