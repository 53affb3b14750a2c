package settle_test

import (
	"context"
	"errors"
	"math"
	"testing"

	"betledger/internal/config"
	"betledger/internal/currency"
	"betledger/internal/ledger"
	"betledger/internal/observability"
	"betledger/internal/settle"
	"betledger/internal/testutil"

	"github.com/rs/zerolog"
)

func newEngine(t *testing.T) (*settle.Engine, *ledger.Store, *config.Store, string) {
	t.Helper()

	cfg := testutil.NewSettings(t)
	store, path := testutil.NewLedgerStore(t, cfg)
	conv := currency.New(cfg, observability.NewLoggerWithLevel("currency", zerolog.Disabled))
	engine := settle.NewEngine(store, cfg, conv, nil,
		observability.NewLoggerWithLevel("settle", zerolog.Disabled), nil)
	return engine, store, cfg, path
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

// ============================================================================
// Test: win path
// ============================================================================

func TestSettle_WinCreditsFullPayoutRecordsProfit(t *testing.T) {
	engine, _, _, _ := newEngine(t)
	ctx := context.Background()

	if _, err := engine.Deposit(ctx, "u1", 1000, "UAH"); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := engine.PlaceBet(ctx, "u1", "Sovkamax", "UAH", 100, 1.82); err != nil {
		t.Fatalf("place bet: %v", err)
	}
	if err := engine.DeclareWinner(ctx, "Sovkamax"); err != nil {
		t.Fatalf("declare winner: %v", err)
	}

	res, err := engine.Settle(ctx, "u1")
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if res == nil || res.Outcome != ledger.OutcomeWin {
		t.Fatalf("result = %+v, want win", res)
	}
	// 1000 deposited, 100 staked at placement, payout 100*1.82=182 credited.
	if !almostEqual(res.Balance, 1082) {
		t.Errorf("balance = %v, want 1082", res.Balance)
	}
	if res.Winnings == nil || !almostEqual(*res.Winnings, 82) {
		t.Errorf("winnings = %v, want 82 (profit only)", res.Winnings)
	}
	if res.Lost != nil {
		t.Errorf("win result carries lost amount: %v", *res.Lost)
	}
}

// ============================================================================
// Test: lose path
// ============================================================================

func TestSettle_LoseLeavesBalanceRecordsStake(t *testing.T) {
	engine, store, _, _ := newEngine(t)
	ctx := context.Background()

	if _, err := engine.Deposit(ctx, "u1", 1000, "UAH"); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := engine.PlaceBet(ctx, "u1", "Faze", "UAH", 100, 2.22); err != nil {
		t.Fatalf("place bet: %v", err)
	}
	if err := engine.DeclareWinner(ctx, "Sovkamax"); err != nil {
		t.Fatalf("declare winner: %v", err)
	}

	res, err := engine.Settle(ctx, "u1")
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if res == nil || res.Outcome != ledger.OutcomeLose {
		t.Fatalf("result = %+v, want lose", res)
	}
	// Stake already debited at placement; a loss re-debits nothing.
	if !almostEqual(res.Balance, 900) {
		t.Errorf("balance = %v, want 900", res.Balance)
	}
	if res.Lost == nil || !almostEqual(*res.Lost, 100) {
		t.Errorf("lost = %v, want 100", res.Lost)
	}
	if got := store.Balance("u1"); !almostEqual(got, 900) {
		t.Errorf("store balance = %v, want 900", got)
	}
}

// ============================================================================
// Test: idempotency
// ============================================================================

func TestSettle_RepeatCallsReturnCachedResult(t *testing.T) {
	engine, store, _, _ := newEngine(t)
	ctx := context.Background()

	if _, err := engine.Deposit(ctx, "u1", 1000, "UAH"); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := engine.PlaceBet(ctx, "u1", "Sovkamax", "UAH", 100, 1.82); err != nil {
		t.Fatalf("place bet: %v", err)
	}
	if err := engine.DeclareWinner(ctx, "Sovkamax"); err != nil {
		t.Fatalf("declare winner: %v", err)
	}

	for i := 0; i < 3; i++ {
		res, err := engine.Settle(ctx, "u1")
		if err != nil {
			t.Fatalf("settle #%d: %v", i+1, err)
		}
		if !almostEqual(res.Balance, 1082) {
			t.Errorf("settle #%d balance = %v, want 1082", i+1, res.Balance)
		}
	}
	if got := store.Balance("u1"); !almostEqual(got, 1082) {
		t.Errorf("balance after repeated settles = %v, want 1082 (single credit)", got)
	}
}

func TestSettle_IdempotentAcrossProcesses(t *testing.T) {
	engine, _, _, path := newEngine(t)
	ctx := context.Background()

	if _, err := engine.Deposit(ctx, "u1", 1000, "UAH"); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := engine.PlaceBet(ctx, "u1", "Sovkamax", "UAH", 100, 1.82); err != nil {
		t.Fatalf("place bet: %v", err)
	}
	if err := engine.DeclareWinner(ctx, "Sovkamax"); err != nil {
		t.Fatalf("declare winner: %v", err)
	}
	if _, err := engine.Settle(ctx, "u1"); err != nil {
		t.Fatalf("settle: %v", err)
	}

	// A second engine over the same file models the peer process settling
	// the same account: it must return the persisted cached result.
	cfg := testutil.NewSettings(t)
	peerStore := testutil.OpenLedgerStore(t, cfg, path)
	conv := currency.New(cfg, observability.NewLoggerWithLevel("currency", zerolog.Disabled))
	peer := settle.NewEngine(peerStore, cfg, conv, nil,
		observability.NewLoggerWithLevel("settle", zerolog.Disabled), nil)

	res, err := peer.Settle(ctx, "u1")
	if err != nil {
		t.Fatalf("peer settle: %v", err)
	}
	if res == nil || res.Outcome != ledger.OutcomeWin {
		t.Fatalf("peer result = %+v, want cached win", res)
	}
	if got := peerStore.Balance("u1"); !almostEqual(got, 1082) {
		t.Errorf("peer balance = %v, want 1082 (no double credit)", got)
	}
}

// ============================================================================
// Test: no-op answers
// ============================================================================

func TestSettle_NoBetIsNoop(t *testing.T) {
	engine, _, _, _ := newEngine(t)
	ctx := context.Background()

	if err := engine.DeclareWinner(ctx, "Sovkamax"); err != nil {
		t.Fatalf("declare winner: %v", err)
	}
	res, err := engine.Settle(ctx, "nobody")
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if res != nil {
		t.Errorf("expected nil result for account without a bet, got %+v", res)
	}
}

func TestSettle_UndecidedRoundIsNoop(t *testing.T) {
	engine, _, _, _ := newEngine(t)
	ctx := context.Background()

	if _, err := engine.Deposit(ctx, "u1", 1000, "UAH"); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := engine.PlaceBet(ctx, "u1", "Sovkamax", "UAH", 100, 1.82); err != nil {
		t.Fatalf("place bet: %v", err)
	}

	res, err := engine.Settle(ctx, "u1")
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if res != nil {
		t.Errorf("expected nil result before a winner is declared, got %+v", res)
	}
}

// ============================================================================
// Test: SettleAll
// ============================================================================

func TestSettleAll_MixedOutcomes(t *testing.T) {
	engine, store, _, _ := newEngine(t)
	ctx := context.Background()

	for _, id := range []string{"winner", "loser"} {
		if _, err := engine.Deposit(ctx, id, 1000, "UAH"); err != nil {
			t.Fatalf("deposit %s: %v", id, err)
		}
	}
	if _, err := engine.PlaceBet(ctx, "winner", "Sovkamax", "UAH", 100, 1.82); err != nil {
		t.Fatalf("place winner bet: %v", err)
	}
	if _, err := engine.PlaceBet(ctx, "loser", "Faze", "UAH", 200, 2.22); err != nil {
		t.Fatalf("place loser bet: %v", err)
	}
	if err := engine.DeclareWinner(ctx, "Sovkamax"); err != nil {
		t.Fatalf("declare winner: %v", err)
	}

	results, err := engine.SettleAll(ctx)
	if err != nil {
		t.Fatalf("settle all: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("settled %d accounts, want 2", len(results))
	}
	if got := store.Balance("winner"); !almostEqual(got, 1082) {
		t.Errorf("winner balance = %v, want 1082", got)
	}
	if got := store.Balance("loser"); !almostEqual(got, 800) {
		t.Errorf("loser balance = %v, want 800", got)
	}

	// Re-running must change nothing.
	if _, err := engine.SettleAll(ctx); err != nil {
		t.Fatalf("repeat settle all: %v", err)
	}
	if got := store.Balance("winner"); !almostEqual(got, 1082) {
		t.Errorf("repeat run credited winner again: %v", got)
	}
}

func TestSettleAll_UndecidedRoundIsNoop(t *testing.T) {
	engine, _, _, _ := newEngine(t)

	results, err := engine.SettleAll(context.Background())
	if err != nil {
		t.Fatalf("settle all: %v", err)
	}
	if results != nil {
		t.Errorf("expected no results before a winner, got %v", results)
	}
}

// ============================================================================
// Test: PlaceBet through the engine (currency conversion)
// ============================================================================

func TestPlaceBet_ConvertsAndFreezes(t *testing.T) {
	engine, store, _, _ := newEngine(t)
	ctx := context.Background()

	if _, err := engine.Deposit(ctx, "u1", 1000, "UAH"); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	placed, err := engine.PlaceBet(ctx, "u1", "Sovkamax", "💵 USD", 10, 1.82)
	if err != nil {
		t.Fatalf("place bet: %v", err)
	}
	if !almostEqual(placed.Bet.RefAmount, 411.8) {
		t.Errorf("frozen reference amount = %v, want 411.8", placed.Bet.RefAmount)
	}
	if placed.Rate.Code != "USD" {
		t.Errorf("rate code = %q, want USD", placed.Rate.Code)
	}
	if got := store.Balance("u1"); !almostEqual(got, 588.2) {
		t.Errorf("balance = %v, want 588.2", got)
	}
}

func TestPlaceBet_NonPositiveAmountRejected(t *testing.T) {
	engine, _, _, _ := newEngine(t)

	var validation *ledger.ValidationError
	_, err := engine.PlaceBet(context.Background(), "u1", "Sovkamax", "UAH", -5, 1.82)
	if !errors.As(err, &validation) {
		t.Fatalf("got %v, want ValidationError", err)
	}
}

// ============================================================================
// Test: Deposit through the engine (limits)
// ============================================================================

func TestDeposit_MaxDepositRejected(t *testing.T) {
	engine, _, _, _ := newEngine(t)

	_, err := engine.Deposit(context.Background(), "u1", 10_001, "UAH")
	if !errors.Is(err, ledger.ErrLimitExceeded) {
		t.Fatalf("got %v, want ErrLimitExceeded", err)
	}
}

func TestDeposit_MaxDepositAppliesToConvertedAmount(t *testing.T) {
	engine, _, _, _ := newEngine(t)

	// 300 USD at 41.18 is 12354 in the reference currency, over the cap.
	_, err := engine.Deposit(context.Background(), "u1", 300, "💵 USD")
	if !errors.Is(err, ledger.ErrLimitExceeded) {
		t.Fatalf("got %v, want ErrLimitExceeded", err)
	}
}

func TestDeposit_NonPositiveRejected(t *testing.T) {
	engine, _, _, _ := newEngine(t)

	var validation *ledger.ValidationError
	_, err := engine.Deposit(context.Background(), "u1", 0, "UAH")
	if !errors.As(err, &validation) {
		t.Fatalf("got %v, want ValidationError", err)
	}
}

// ============================================================================
// Test: Status
// ============================================================================

func TestStatus_WalksTheStateMachine(t *testing.T) {
	engine, _, _, _ := newEngine(t)
	ctx := context.Background()

	status, err := engine.Status(ctx, "u1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.State != settle.StateNoBet {
		t.Errorf("state = %q, want no_bet", status.State)
	}

	if _, err := engine.Deposit(ctx, "u1", 1000, "UAH"); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := engine.PlaceBet(ctx, "u1", "Sovkamax", "UAH", 100, 1.82); err != nil {
		t.Fatalf("place bet: %v", err)
	}

	status, err = engine.Status(ctx, "u1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.State != settle.StatePending {
		t.Errorf("state = %q, want pending", status.State)
	}
	if !almostEqual(status.Potential, 182) {
		t.Errorf("potential = %v, want 182", status.Potential)
	}

	if err := engine.DeclareWinner(ctx, "Sovkamax"); err != nil {
		t.Fatalf("declare winner: %v", err)
	}
	if _, err := engine.Settle(ctx, "u1"); err != nil {
		t.Fatalf("settle: %v", err)
	}

	status, err = engine.Status(ctx, "u1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.State != settle.StateSettled {
		t.Errorf("state = %q, want settled", status.State)
	}
	if status.Result == nil || status.Result.Outcome != ledger.OutcomeWin {
		t.Errorf("result = %+v, want win", status.Result)
	}
}

func TestStatus_PotentialTracksCurrentCoefficient(t *testing.T) {
	engine, _, cfg, _ := newEngine(t)
	ctx := context.Background()

	if _, err := engine.Deposit(ctx, "u1", 1000, "UAH"); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := engine.PlaceBet(ctx, "u1", "Sovkamax", "UAH", 100, 1.82); err != nil {
		t.Fatalf("place bet: %v", err)
	}

	// Admin bumps the coefficient mid-round. The displayed potential follows,
	// but settlement still pays out at the frozen 1.82.
	if err := cfg.Set("coefficients", "team1", 3.0); err != nil {
		t.Fatalf("bump coefficient: %v", err)
	}

	status, err := engine.Status(ctx, "u1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !almostEqual(status.Potential, 300) {
		t.Errorf("potential = %v, want 300 (current coefficient)", status.Potential)
	}

	if err := engine.DeclareWinner(ctx, "Sovkamax"); err != nil {
		t.Fatalf("declare winner: %v", err)
	}
	res, err := engine.Settle(ctx, "u1")
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if res.Winnings == nil || !almostEqual(*res.Winnings, 82) {
		t.Errorf("winnings = %v, want 82 (frozen coefficient)", res.Winnings)
	}
}

// ============================================================================
// Test: round clear through the engine
// ============================================================================

func TestClearRound_EnablesFreshBets(t *testing.T) {
	engine, _, _, _ := newEngine(t)
	ctx := context.Background()

	if _, err := engine.Deposit(ctx, "u1", 1000, "UAH"); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := engine.PlaceBet(ctx, "u1", "Sovkamax", "UAH", 100, 1.82); err != nil {
		t.Fatalf("place bet: %v", err)
	}
	if err := engine.DeclareWinner(ctx, "Faze"); err != nil {
		t.Fatalf("declare winner: %v", err)
	}
	if _, err := engine.Settle(ctx, "u1"); err != nil {
		t.Fatalf("settle: %v", err)
	}

	if err := engine.ClearRound(ctx); err != nil {
		t.Fatalf("clear round: %v", err)
	}
	if _, err := engine.PlaceBet(ctx, "u1", "Faze", "UAH", 50, 2.22); err != nil {
		t.Fatalf("bet after clear: %v", err)
	}
}
