// Package risk maintains per-account collateral, positions, and
// realized PnL, evaluates margin for order intents, and drives
// liquidation of unhealthy accounts. All monetary arithmetic is
// fixed-point int64; margins round up (ceiling) at the basis-point step.
package risk

import (
	"sort"

	"tradecore/internal/common"
)

const basisPointDenominator = 10_000

// Decision codes surfaced in RiskResult. Values are part of the
// engine contract.
const (
	RejectCodeUnknownMarket      uint16 = 2001
	RejectCodeInsufficientMargin uint16 = 2002
	RejectCodeReduceOnly         uint16 = 2003
)

// Decision classifies an order intent evaluation.
type Decision int

const (
	Accepted Decision = iota
	RejectedUnknownMarket
	RejectedInsufficientMargin
	RejectedReduceOnly
)

func (d Decision) String() string {
	switch d {
	case Accepted:
		return "accepted"
	case RejectedUnknownMarket:
		return "rejected_unknown_market"
	case RejectedInsufficientMargin:
		return "rejected_insufficient_margin"
	case RejectedReduceOnly:
		return "rejected_reduce_only"
	default:
		return "unknown"
	}
}

// MarketRiskConfig is the per-market margin schedule.
type MarketRiskConfig struct {
	ContractSize        int64
	InitialMarginBp     int32
	MaintenanceMarginBp int32
}

// PositionState is one account's exposure in one market. A flat
// position always has a zero entry price.
type PositionState struct {
	Quantity   int64 // signed, positive = long
	EntryPrice int64
}

// AccountState is the margin account: free collateral, cumulative
// realized PnL, and per-market positions.
type AccountState struct {
	Collateral  int64
	RealizedPnL int64
	Positions   map[common.MarketID]PositionState
}

// MarketState pairs a market's risk config with its mark price.
type MarketState struct {
	Config    MarketRiskConfig
	MarkPrice int64
}

// FillContext describes one executed fill for position accounting.
type FillContext struct {
	Account  common.AccountID
	Market   common.MarketID
	Side     common.Side
	Quantity int64
	Price    int64
}

// OrderIntent is a hypothetical order for pre-trade evaluation.
type OrderIntent struct {
	Account    common.AccountID
	Market     common.MarketID
	Side       common.Side
	Quantity   int64
	LimitPrice int64
	ReduceOnly bool
}

// RiskResult is the evaluation outcome with the projected margins.
type RiskResult struct {
	Decision                  Decision
	RejectCode                uint16
	Equity                    int64
	InitialMarginRequired     int64
	MaintenanceMarginRequired int64
}

// MarginSummary is an account's current margin picture.
type MarginSummary struct {
	Equity            int64
	InitialMargin     int64
	MaintenanceMargin int64
}

// Engine owns all account and market risk state. Accounts and markets
// are created lazily on first reference. Not safe for concurrent use;
// the event loop is the sole caller.
type Engine struct {
	accounts map[common.AccountID]*AccountState
	markets  map[common.MarketID]*MarketState
}

func NewEngine() *Engine {
	return &Engine{
		accounts: make(map[common.AccountID]*AccountState),
		markets:  make(map[common.MarketID]*MarketState),
	}
}

// ConfigureMarket installs or replaces a market's risk schedule.
func (e *Engine) ConfigureMarket(market common.MarketID, config MarketRiskConfig) {
	state := e.ensureMarket(market)
	state.Config = config
}

// SetMarkPrice updates the margin mark for a market.
func (e *Engine) SetMarkPrice(market common.MarketID, markPrice int64) {
	e.ensureMarket(market).MarkPrice = markPrice
}

// MarkPrice returns the configured mark price (zero if unset).
func (e *Engine) MarkPrice(market common.MarketID) int64 {
	if state, ok := e.markets[market]; ok {
		return state.MarkPrice
	}
	return 0
}

// CreditCollateral adds amount to the account's free collateral.
func (e *Engine) CreditCollateral(account common.AccountID, amount int64) {
	e.ensureAccount(account).Collateral += amount
}

// DebitCollateral removes amount from the account's free collateral.
func (e *Engine) DebitCollateral(account common.AccountID, amount int64) {
	e.ensureAccount(account).Collateral -= amount
}

// ApplyFill updates position and PnL state for one executed fill.
// Same-direction fills blend the VWAP entry; opposite-direction fills
// realize PnL on the closed quantity and flip the entry price when
// the position changes sign.
func (e *Engine) ApplyFill(fill FillContext) {
	market := e.ensureMarket(fill.Market)
	account := e.ensureAccount(fill.Account)
	position := account.Positions[fill.Market]

	signedQty := fill.Quantity
	if fill.Side == common.SideSell {
		signedQty = -fill.Quantity
	}
	previousQty := position.Quantity
	contractSize := market.Config.ContractSize

	if previousQty == 0 || (previousQty > 0) == (signedQty > 0) {
		newQty := previousQty + signedQty
		if newQty != 0 {
			totalAbs := abs64(previousQty) + abs64(signedQty)
			weighted := position.EntryPrice*abs64(previousQty) + fill.Price*abs64(signedQty)
			position.EntryPrice = weighted / totalAbs
		} else {
			position.EntryPrice = 0
		}
		position.Quantity = newQty
		account.Positions[fill.Market] = position
		return
	}

	closingQty := abs64(previousQty)
	if abs64(signedQty) < closingQty {
		closingQty = abs64(signedQty)
	}
	pnlPerContract := fill.Price - position.EntryPrice
	if previousQty < 0 {
		pnlPerContract = position.EntryPrice - fill.Price
	}
	realized := closingQty * pnlPerContract * contractSize
	account.RealizedPnL += realized
	account.Collateral += realized

	remainder := previousQty + signedQty
	position.Quantity = remainder
	if remainder == 0 {
		position.EntryPrice = 0
	} else if (previousQty > 0) != (remainder > 0) {
		// Sign flipped: the surplus opens a new position at the fill price.
		position.EntryPrice = fill.Price
	}
	account.Positions[fill.Market] = position
}

// EvaluateOrder projects the intent onto current exposures and
// decides whether the post-fill state satisfies initial margin.
func (e *Engine) EvaluateOrder(intent OrderIntent) RiskResult {
	if _, ok := e.markets[intent.Market]; !ok {
		return RiskResult{Decision: RejectedUnknownMarket, RejectCode: RejectCodeUnknownMarket}
	}

	var existingQty int64
	if account, ok := e.accounts[intent.Account]; ok {
		existingQty = account.Positions[intent.Market].Quantity
	}

	signedQty := intent.Quantity
	if intent.Side == common.SideSell {
		signedQty = -intent.Quantity
	}
	projectedQty := existingQty + signedQty

	if intent.ReduceOnly && abs64(projectedQty) > abs64(existingQty) {
		return RiskResult{Decision: RejectedReduceOnly, RejectCode: RejectCodeReduceOnly}
	}

	delta := FillContext{
		Account:  intent.Account,
		Market:   intent.Market,
		Side:     intent.Side,
		Quantity: intent.Quantity,
		Price:    intent.LimitPrice,
	}
	summary := e.summaryWithDelta(intent.Account, &delta)

	result := RiskResult{
		Equity:                    summary.Equity,
		InitialMarginRequired:     summary.InitialMargin,
		MaintenanceMarginRequired: summary.MaintenanceMargin,
	}
	if summary.InitialMargin > summary.Equity {
		result.Decision = RejectedInsufficientMargin
		result.RejectCode = RejectCodeInsufficientMargin
		return result
	}
	result.Decision = Accepted
	return result
}

// AccountSummary returns the non-hypothetical margin picture.
func (e *Engine) AccountSummary(account common.AccountID) MarginSummary {
	return e.summaryWithDelta(account, nil)
}

// Accounts returns all known account ids in ascending order, for
// deterministic sweeps.
func (e *Engine) Accounts() []common.AccountID {
	ids := make([]common.AccountID, 0, len(e.accounts))
	for id := range e.accounts {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// FindAccount returns a read-only view of an account, or nil.
func (e *Engine) FindAccount(account common.AccountID) *AccountState {
	return e.accounts[account]
}

// FindMarket returns a read-only view of a market, or nil.
func (e *Engine) FindMarket(market common.MarketID) *MarketState {
	return e.markets[market]
}

// RestoreAccountState replaces an account's state wholesale during
// snapshot restore.
func (e *Engine) RestoreAccountState(account common.AccountID, state AccountState) {
	restored := &AccountState{
		Collateral:  state.Collateral,
		RealizedPnL: state.RealizedPnL,
		Positions:   make(map[common.MarketID]PositionState, len(state.Positions)),
	}
	for market, position := range state.Positions {
		restored.Positions[market] = position
	}
	e.accounts[account] = restored
}

func (e *Engine) ensureAccount(account common.AccountID) *AccountState {
	state, ok := e.accounts[account]
	if !ok {
		state = &AccountState{Positions: make(map[common.MarketID]PositionState)}
		e.accounts[account] = state
	}
	return state
}

func (e *Engine) ensureMarket(market common.MarketID) *MarketState {
	state, ok := e.markets[market]
	if !ok {
		state = &MarketState{}
		e.markets[market] = state
	}
	return state
}

type exposure struct {
	market     common.MarketID
	quantity   int64
	entryPrice int64
	existed    bool
}

// summaryWithDelta computes equity and margins over the account's
// exposures, optionally merged with a hypothetical fill. Unrealized
// PnL accrues only on exposures that actually exist.
func (e *Engine) summaryWithDelta(accountID common.AccountID, delta *FillContext) MarginSummary {
	var summary MarginSummary
	account := e.accounts[accountID]
	if account != nil {
		summary.Equity = account.Collateral + account.RealizedPnL
	}

	var exposures []exposure
	if account != nil {
		markets := make([]common.MarketID, 0, len(account.Positions))
		for market := range account.Positions {
			markets = append(markets, market)
		}
		sort.Slice(markets, func(i, j int) bool { return markets[i] < markets[j] })
		for _, market := range markets {
			position := account.Positions[market]
			exposures = append(exposures, exposure{
				market:     market,
				quantity:   position.Quantity,
				entryPrice: position.EntryPrice,
				existed:    true,
			})
		}
	}

	if delta != nil {
		signedQty := delta.Quantity
		if delta.Side == common.SideSell {
			signedQty = -delta.Quantity
		}
		merged := false
		for i := range exposures {
			if exposures[i].market == delta.Market {
				exposures[i].quantity += signedQty
				merged = true
				break
			}
		}
		if !merged {
			exposures = append(exposures, exposure{
				market:     delta.Market,
				quantity:   signedQty,
				entryPrice: delta.Price,
			})
		}
	}

	for _, exp := range exposures {
		if exp.quantity == 0 {
			continue
		}
		market, ok := e.markets[exp.market]
		if !ok {
			continue
		}

		markPrice := market.MarkPrice
		if markPrice == 0 {
			if delta != nil && delta.Market == exp.market && delta.Price != 0 {
				markPrice = delta.Price
			} else if exp.entryPrice != 0 {
				markPrice = exp.entryPrice
			}
		}

		notional := abs64(exp.quantity) * markPrice * market.Config.ContractSize
		summary.InitialMargin += applyBasisPoints(notional, market.Config.InitialMarginBp)
		summary.MaintenanceMargin += applyBasisPoints(notional, market.Config.MaintenanceMarginBp)

		if exp.existed {
			summary.Equity += exp.quantity * (markPrice - exp.entryPrice) * market.Config.ContractSize
		}
	}

	return summary
}

// applyBasisPoints rounds up (ceiling) at the basis-point step.
func applyBasisPoints(notional int64, basisPoints int32) int64 {
	return (notional*int64(basisPoints) + (basisPointDenominator - 1)) / basisPointDenominator
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
