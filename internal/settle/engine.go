package settle

import (
	"context"
	"time"

	"betledger/internal/config"
	"betledger/internal/currency"
	"betledger/internal/ledger"
	"betledger/internal/notify"
	"betledger/internal/observability"

	"github.com/rs/zerolog"
)

// Engine drives the per-round, per-account settlement state machine
// (NoBet -> BetPlaced -> Settled) on top of the ledger store. Settlement is
// idempotent per account per round: the first call computes and applies the
// balance change, every later call returns the cached result untouched.
//
// The money flow is deliberately asymmetric. The stake is debited eagerly at
// placement, so a win credits the full payout (stake plus profit) and a loss
// touches nothing — re-debiting the stake on a loss is the double-debit bug
// this shape exists to rule out.
type Engine struct {
	store     *ledger.Store
	cfg       *config.Store
	converter *currency.Converter
	events    *notify.Publisher // nil-safe
	log       zerolog.Logger
	metrics   *observability.Metrics // may be nil
}

func NewEngine(
	store *ledger.Store,
	cfg *config.Store,
	converter *currency.Converter,
	events *notify.Publisher,
	log zerolog.Logger,
	metrics *observability.Metrics,
) *Engine {
	return &Engine{
		store:     store,
		cfg:       cfg,
		converter: converter,
		events:    events,
		log:       log,
		metrics:   metrics,
	}
}

// PlacedBet is the receipt for a successful placement.
type PlacedBet struct {
	Bet        ledger.Bet
	NewBalance float64
	Rate       currency.Rate
}

// PlaceBet converts the stake to the reference currency, freezes the
// conversion and coefficient into the bet, and applies it through the ledger
// store. A coef of 0 means the front-end did not freeze one and the current
// configured coefficient is captured instead.
func (e *Engine) PlaceBet(ctx context.Context, id, team, curr string, amount, coef float64) (PlacedBet, error) {
	defer e.timeOp("place_bet")()

	if amount <= 0 {
		return PlacedBet{}, &ledger.ValidationError{Field: "amount", Reason: "must be positive"}
	}

	refAmount, rate, err := e.converter.ToReference(amount, curr)
	if err != nil {
		return PlacedBet{}, err
	}

	if err := e.store.Reload(ctx); err != nil {
		return PlacedBet{}, err
	}

	bet := ledger.Bet{
		Team:      team,
		Currency:  curr,
		Coef:      coef,
		Amount:    amount,
		RefAmount: refAmount,
	}
	if err := e.store.PlaceBet(ctx, id, bet); err != nil {
		return PlacedBet{}, err
	}

	recorded, _ := e.store.BetFor(id)
	e.events.BetPlaced(id, recorded.Team, recorded.RefAmount)
	return PlacedBet{
		Bet:        recorded,
		NewBalance: e.store.Balance(id),
		Rate:       rate,
	}, nil
}

// DepositReceipt is the outcome of a successful deposit.
type DepositReceipt struct {
	Deposited  float64 // reference currency
	NewBalance float64
	Rate       currency.Rate
}

// Deposit converts the amount to the reference currency, enforces the
// per-deposit and balance caps, credits the account and clears any stale
// bet or settlement result for it — a deposit opts the account into a
// fresh round.
func (e *Engine) Deposit(ctx context.Context, id string, amount float64, curr string) (DepositReceipt, error) {
	defer e.timeOp("deposit")()

	if amount <= 0 {
		return DepositReceipt{}, &ledger.ValidationError{Field: "amount", Reason: "must be positive"}
	}

	refAmount, rate, err := e.converter.ToReference(amount, curr)
	if err != nil {
		return DepositReceipt{}, err
	}

	limits, err := e.cfg.Limits()
	if err != nil {
		return DepositReceipt{}, err
	}
	if limits.MaxDeposit > 0 && refAmount > limits.MaxDeposit {
		return DepositReceipt{}, ledger.ErrLimitExceeded
	}

	if err := e.store.Reload(ctx); err != nil {
		return DepositReceipt{}, err
	}

	newBalance, err := e.store.Deposit(ctx, id, refAmount, limits.MaxBalance)
	if err != nil {
		return DepositReceipt{}, err
	}

	e.events.DepositConfirmed(id, refAmount)
	return DepositReceipt{
		Deposited:  refAmount,
		NewBalance: newBalance,
		Rate:       rate,
	}, nil
}

// DeclareWinner records the round outcome and notifies the peer process.
// Balances are untouched; run SettleAll (or let accounts poll Settle) next.
func (e *Engine) DeclareWinner(ctx context.Context, team string) error {
	defer e.timeOp("declare_winner")()

	if err := e.store.Reload(ctx); err != nil {
		return err
	}
	if err := e.store.DeclareWinner(ctx, team); err != nil {
		return err
	}
	e.events.WinnerDeclared(team)
	return nil
}

// Settle resolves one account against the declared winner, or returns the
// cached result if the account was already settled this round. A nil result
// with a nil error means there is nothing to settle: no live bet, or the
// round is still undecided. Both front-ends poll this; the no-op answer is
// not an error.
func (e *Engine) Settle(ctx context.Context, id string) (*ledger.Result, error) {
	defer e.timeOp("settle")()

	if err := e.store.Reload(ctx); err != nil {
		return nil, err
	}
	return e.settleOne(ctx, id)
}

// settleOne assumes the caller has already reloaded.
func (e *Engine) settleOne(ctx context.Context, id string) (*ledger.Result, error) {
	if cached, ok := e.store.ResultFor(id); ok {
		return &cached, nil
	}

	winner, decided := e.store.Winner()
	if !decided {
		return nil, nil
	}
	bet, ok := e.store.BetFor(id)
	if !ok {
		return nil, nil
	}

	var res ledger.Result
	var credit float64

	if bet.Team == winner {
		// The stake was debited at placement, so the full payout goes back:
		// stake plus profit. The user-facing winnings figure is profit only.
		payout := bet.RefAmount * bet.Coef
		profit := payout - bet.RefAmount
		credit = payout
		res = ledger.Result{
			Outcome:     ledger.OutcomeWin,
			Winnings:    &profit,
			WinningTeam: winner,
			UserTeam:    bet.Team,
		}
	} else {
		lost := bet.RefAmount
		res = ledger.Result{
			Outcome:     ledger.OutcomeLose,
			Lost:        &lost,
			WinningTeam: winner,
			UserTeam:    bet.Team,
		}
	}

	applied, err := e.store.ApplySettlement(ctx, id, res, credit)
	if err != nil {
		return &applied, err
	}

	e.log.Info().Str("account", id).Str("outcome", string(applied.Outcome)).
		Float64("balance", applied.Balance).Msg("account settled")
	return &applied, nil
}

// AccountResult pairs an account id with its settlement result.
type AccountResult struct {
	Account string        `json:"user_id"`
	Result  ledger.Result `json:"result"`
}

// SettleAll settles every account with a live bet against the declared
// winner. Accounts already settled this round are returned from the cache
// without a second balance change, so the loop is safe to re-run after a
// partial failure.
func (e *Engine) SettleAll(ctx context.Context) ([]AccountResult, error) {
	defer e.timeOp("settle_all")()

	if err := e.store.Reload(ctx); err != nil {
		return nil, err
	}
	if _, decided := e.store.Winner(); !decided {
		return nil, nil
	}

	var results []AccountResult
	for _, id := range e.store.Bettors() {
		res, err := e.settleOne(ctx, id)
		if err != nil {
			return results, err
		}
		if res != nil {
			results = append(results, AccountResult{Account: id, Result: *res})
		}
	}
	return results, nil
}

// ClearRound starts a fresh round and notifies the peer process.
func (e *Engine) ClearRound(ctx context.Context) error {
	defer e.timeOp("clear_round")()

	if err := e.store.Reload(ctx); err != nil {
		return err
	}
	if err := e.store.ClearRound(ctx); err != nil {
		return err
	}
	e.events.RoundCleared()
	return nil
}

// BetState labels the settlement state machine position of one account.
type BetState string

const (
	StateNoBet   BetState = "no_bet"
	StatePending BetState = "pending"
	StateSettled BetState = "settled"
)

// BetStatus is the answer to "where is my bet".
type BetStatus struct {
	State   BetState
	Bet     *ledger.Bet
	Balance float64
	// Potential is the display-only payout estimate computed with the
	// CURRENT configured coefficient, which may differ from the frozen one.
	// It is cosmetic and never feeds a balance change; settlement always
	// uses the frozen values on the bet.
	Potential float64
	Result    *ledger.Result
}

// Status reports the account's position in the current round.
func (e *Engine) Status(ctx context.Context, id string) (BetStatus, error) {
	if err := e.store.Reload(ctx); err != nil {
		return BetStatus{}, err
	}

	if res, ok := e.store.ResultFor(id); ok {
		return BetStatus{State: StateSettled, Balance: res.Balance, Result: &res}, nil
	}

	bet, ok := e.store.BetFor(id)
	if !ok {
		return BetStatus{State: StateNoBet, Balance: e.store.Balance(id)}, nil
	}

	potential := bet.RefAmount * bet.Coef
	if coefs, err := e.cfg.Coefficients(); err == nil {
		if current, ok := coefs[bet.Team]; ok && current > 0 {
			potential = bet.RefAmount * current
		}
	}

	return BetStatus{
		State:     StatePending,
		Bet:       &bet,
		Balance:   e.store.Balance(id),
		Potential: potential,
	}, nil
}

func (e *Engine) timeOp(op string) func() {
	if e.metrics == nil {
		return func() {}
	}
	start := time.Now()
	return func() {
		e.metrics.OpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
}
