package risk_test

import (
	"testing"

	"tradecore/internal/common"
	"tradecore/internal/risk"
)

func configuredEngine() *risk.Engine {
	e := risk.NewEngine()
	e.ConfigureMarket(1, risk.MarketRiskConfig{
		ContractSize:        1,
		InitialMarginBp:     500,
		MaintenanceMarginBp: 300,
	})
	e.SetMarkPrice(1, 1000)
	return e
}

func fill(account common.AccountID, side common.Side, qty, price int64) risk.FillContext {
	return risk.FillContext{Account: account, Market: 1, Side: side, Quantity: qty, Price: price}
}

func position(t *testing.T, e *risk.Engine, account common.AccountID) risk.PositionState {
	t.Helper()
	state := e.FindAccount(account)
	if state == nil {
		t.Fatalf("account %d not found", account)
	}
	return state.Positions[1]
}

func TestOpenAndIncreaseBlendsVWAP(t *testing.T) {
	e := configuredEngine()

	e.ApplyFill(fill(1, common.SideBuy, 10, 1000))
	pos := position(t, e, 1)
	if pos.Quantity != 10 || pos.EntryPrice != 1000 {
		t.Fatalf("after open: %+v", pos)
	}

	e.ApplyFill(fill(1, common.SideBuy, 10, 1100))
	pos = position(t, e, 1)
	if pos.Quantity != 20 || pos.EntryPrice != 1050 {
		t.Errorf("after increase: %+v", pos)
	}
}

func TestPartialCloseRealizesPnL(t *testing.T) {
	e := configuredEngine()
	e.ApplyFill(fill(1, common.SideBuy, 10, 1000))

	e.ApplyFill(fill(1, common.SideSell, 4, 1100))
	pos := position(t, e, 1)
	if pos.Quantity != 6 || pos.EntryPrice != 1000 {
		t.Errorf("after partial close: %+v", pos)
	}

	state := e.FindAccount(1)
	if state.RealizedPnL != 400 {
		t.Errorf("realized pnl: got %d, want 400", state.RealizedPnL)
	}
	if state.Collateral != 400 {
		t.Errorf("collateral: got %d, want 400", state.Collateral)
	}
}

func TestFullCloseZeroesEntryPrice(t *testing.T) {
	e := configuredEngine()
	e.ApplyFill(fill(1, common.SideSell, 5, 1000))
	e.ApplyFill(fill(1, common.SideBuy, 5, 900))

	pos := position(t, e, 1)
	if pos.Quantity != 0 || pos.EntryPrice != 0 {
		t.Errorf("after full close: %+v", pos)
	}
	if got := e.FindAccount(1).RealizedPnL; got != 500 {
		t.Errorf("short close pnl: got %d, want 500", got)
	}
}

func TestFlipSetsEntryToFillPrice(t *testing.T) {
	e := configuredEngine()
	e.ApplyFill(fill(1, common.SideBuy, 10, 1000))

	// Sell 15: closes 10 (pnl at 1100), opens 5 short at 1100.
	e.ApplyFill(fill(1, common.SideSell, 15, 1100))
	pos := position(t, e, 1)
	if pos.Quantity != -5 || pos.EntryPrice != 1100 {
		t.Errorf("after flip: %+v", pos)
	}
	if got := e.FindAccount(1).RealizedPnL; got != 1000 {
		t.Errorf("flip pnl: got %d, want 1000", got)
	}
}

// Conservation: across maker and taker of the same trade, total
// collateral + realized + unrealized (at trade price) is unchanged.
func TestFillConservation(t *testing.T) {
	e := configuredEngine()
	e.CreditCollateral(1, 100_000)
	e.CreditCollateral(2, 100_000)

	total := func(price int64) int64 {
		var sum int64
		for _, id := range []common.AccountID{1, 2} {
			state := e.FindAccount(id)
			sum += state.Collateral + state.RealizedPnL
			pos := state.Positions[1]
			sum += pos.Quantity * (price - pos.EntryPrice)
		}
		return sum
	}

	before := total(1000)

	// Trade 1: account 1 buys 10 from account 2 at 1000.
	e.ApplyFill(fill(1, common.SideBuy, 10, 1000))
	e.ApplyFill(fill(2, common.SideSell, 10, 1000))
	if got := total(1000); got != before {
		t.Errorf("after open: total %d, want %d", got, before)
	}

	// Trade 2: unwind 6 at 1200.
	e.ApplyFill(fill(1, common.SideSell, 6, 1200))
	e.ApplyFill(fill(2, common.SideBuy, 6, 1200))
	if got := total(1200); got != before {
		t.Errorf("after unwind: total %d, want %d", got, before)
	}
}

func TestEvaluateUnknownMarket(t *testing.T) {
	e := risk.NewEngine()

	result := e.EvaluateOrder(risk.OrderIntent{Account: 1, Market: 99, Side: common.SideBuy, Quantity: 1, LimitPrice: 100})
	if result.Decision != risk.RejectedUnknownMarket || result.RejectCode != 2001 {
		t.Errorf("unknown market: %+v", result)
	}
}

// Scenario: a reduce-only buy that grows a long position is rejected.
func TestEvaluateReduceOnlyReject(t *testing.T) {
	e := configuredEngine()
	e.CreditCollateral(1001, 30_000)
	e.ApplyFill(fill(1001, common.SideBuy, 400, 1000))
	e.SetMarkPrice(1, 960)

	result := e.EvaluateOrder(risk.OrderIntent{
		Account:    1001,
		Market:     1,
		Side:       common.SideBuy,
		Quantity:   10,
		LimitPrice: 950,
		ReduceOnly: true,
	})
	if result.Decision != risk.RejectedReduceOnly || result.RejectCode != 2003 {
		t.Errorf("reduce-only growth: %+v", result)
	}
}

func TestEvaluateReduceOnlyShrinkAccepted(t *testing.T) {
	e := configuredEngine()
	e.CreditCollateral(1, 100_000)
	e.ApplyFill(fill(1, common.SideBuy, 10, 1000))

	result := e.EvaluateOrder(risk.OrderIntent{
		Account:    1,
		Market:     1,
		Side:       common.SideSell,
		Quantity:   5,
		LimitPrice: 1000,
		ReduceOnly: true,
	})
	if result.Decision != risk.Accepted {
		t.Errorf("reduce-only shrink: %+v", result)
	}
}

func TestEvaluateInsufficientMargin(t *testing.T) {
	e := configuredEngine()
	e.CreditCollateral(1, 100)

	// 10 @ 1000 needs 500 initial margin against 100 equity.
	result := e.EvaluateOrder(risk.OrderIntent{
		Account:    1,
		Market:     1,
		Side:       common.SideBuy,
		Quantity:   10,
		LimitPrice: 1000,
	})
	if result.Decision != risk.RejectedInsufficientMargin || result.RejectCode != 2002 {
		t.Errorf("thin account: %+v", result)
	}
	if result.InitialMarginRequired != 500 {
		t.Errorf("initial margin: got %d, want 500", result.InitialMarginRequired)
	}
}

func TestEvaluateAccepted(t *testing.T) {
	e := configuredEngine()
	e.CreditCollateral(1, 10_000)

	result := e.EvaluateOrder(risk.OrderIntent{
		Account:    1,
		Market:     1,
		Side:       common.SideBuy,
		Quantity:   10,
		LimitPrice: 1000,
	})
	if result.Decision != risk.Accepted {
		t.Fatalf("funded account: %+v", result)
	}
	if result.Equity != 10_000 {
		t.Errorf("equity: got %d, want 10000", result.Equity)
	}
	if result.InitialMarginRequired != 500 || result.MaintenanceMarginRequired != 300 {
		t.Errorf("margins: im=%d mm=%d", result.InitialMarginRequired, result.MaintenanceMarginRequired)
	}
}

// Evaluation leaves no trace: a rejected intent must not create
// state.
func TestEvaluateIsPure(t *testing.T) {
	e := configuredEngine()

	e.EvaluateOrder(risk.OrderIntent{Account: 5, Market: 1, Side: common.SideBuy, Quantity: 1000, LimitPrice: 1000})
	if e.FindAccount(5) != nil {
		t.Error("evaluation must not create the account")
	}
}

// Mark fallback: no configured mark uses the intent price, then the
// entry price.
func TestEvaluateMarkPriceFallback(t *testing.T) {
	e := risk.NewEngine()
	e.ConfigureMarket(2, risk.MarketRiskConfig{
		ContractSize:        1,
		InitialMarginBp:     1000,
		MaintenanceMarginBp: 500,
	})
	e.CreditCollateral(1, 10_000)

	result := e.EvaluateOrder(risk.OrderIntent{
		Account:    1,
		Market:     2,
		Side:       common.SideBuy,
		Quantity:   10,
		LimitPrice: 500,
	})
	// notional = 10 * 500, margin at 10% = 500
	if result.InitialMarginRequired != 500 {
		t.Errorf("fallback margin: got %d, want 500", result.InitialMarginRequired)
	}
}

func TestMarginRoundsUp(t *testing.T) {
	e := risk.NewEngine()
	e.ConfigureMarket(1, risk.MarketRiskConfig{
		ContractSize:        1,
		InitialMarginBp:     3,
		MaintenanceMarginBp: 3,
	})
	e.SetMarkPrice(1, 333)
	e.CreditCollateral(1, 1_000_000)
	e.ApplyFill(fill(1, common.SideBuy, 1, 333))

	// notional 333, 3bp = 0.0999 → rounds up to 1
	summary := e.AccountSummary(1)
	if summary.InitialMargin != 1 {
		t.Errorf("rounded margin: got %d, want 1", summary.InitialMargin)
	}
}

func TestAccountSummary(t *testing.T) {
	e := configuredEngine()
	e.CreditCollateral(1001, 30_000)
	e.ApplyFill(fill(1001, common.SideBuy, 400, 1000))
	e.SetMarkPrice(1, 960)

	summary := e.AccountSummary(1001)
	// equity = 30000 + 400 * (960 - 1000) = 14000
	if summary.Equity != 14_000 {
		t.Errorf("equity: got %d, want 14000", summary.Equity)
	}
	// im = 400 * 960 * 5% = 19200; mm = 400 * 960 * 3% = 11520
	if summary.InitialMargin != 19_200 {
		t.Errorf("initial margin: got %d, want 19200", summary.InitialMargin)
	}
	if summary.MaintenanceMargin != 11_520 {
		t.Errorf("maintenance margin: got %d, want 11520", summary.MaintenanceMargin)
	}
}

func TestAccountsSorted(t *testing.T) {
	e := risk.NewEngine()
	for _, id := range []common.AccountID{30, 10, 20} {
		e.CreditCollateral(id, 1)
	}

	ids := e.Accounts()
	if len(ids) != 3 || ids[0] != 10 || ids[1] != 20 || ids[2] != 30 {
		t.Errorf("accounts order: %v", ids)
	}
}

func TestRestoreAccountState(t *testing.T) {
	e := configuredEngine()
	e.RestoreAccountState(5, risk.AccountState{
		Collateral:  1234,
		RealizedPnL: -56,
		Positions: map[common.MarketID]risk.PositionState{
			1: {Quantity: 7, EntryPrice: 990},
		},
	})

	state := e.FindAccount(5)
	if state == nil {
		t.Fatal("restored account missing")
	}
	if state.Collateral != 1234 || state.RealizedPnL != -56 {
		t.Errorf("restored balances: %+v", state)
	}
	if pos := state.Positions[1]; pos.Quantity != 7 || pos.EntryPrice != 990 {
		t.Errorf("restored position: %+v", pos)
	}
}
