// Package funding computes the perpetual premium and funding rate per
// market and settles the accrued funding against account collateral.
// Rates are basis points; the accumulator integrates rate over
// elapsed seconds.
package funding

import "tradecore/internal/common"

const basisPointDenominator = 10_000

// MarketFundingConfig bounds the mark band and the funding rate.
type MarketFundingConfig struct {
	ClampBp   int64
	MaxRateBp int64
}

// Snapshot is the rolling funding state after an update.
type Snapshot struct {
	MarkPrice   int64
	IndexPrice  int64
	PremiumRate int64
	FundingRate int64
}

type marketState struct {
	config             MarketFundingConfig
	markPrice          int64
	indexPrice         int64
	premiumRate        int64
	fundingAccumulator int64
}

// Engine tracks funding state per market. Not safe for concurrent
// use; the event loop is the sole caller.
type Engine struct {
	markets map[common.MarketID]*marketState
}

func NewEngine() *Engine {
	return &Engine{markets: make(map[common.MarketID]*marketState)}
}

// ConfigureMarket installs or replaces a market's funding bounds.
func (e *Engine) ConfigureMarket(market common.MarketID, config MarketFundingConfig) {
	state := e.ensureMarket(market)
	state.config = config
}

// UpdateMarket folds one observation interval into the market state:
// the mark is the mid clamped to a band around the index, the premium
// is the clamped mid/index spread, and the funding rate is the
// premium clamped to the rate bound, integrated over elapsed seconds.
func (e *Engine) UpdateMarket(market common.MarketID, indexPrice, midPrice, elapsedSeconds int64) Snapshot {
	state := e.ensureMarket(market)
	state.indexPrice = indexPrice

	band := indexPrice * state.config.ClampBp / basisPointDenominator
	state.markPrice = clamp(midPrice, indexPrice-band, indexPrice+band)

	var premium int64
	if indexPrice > 0 {
		premium = (midPrice - indexPrice) * basisPointDenominator / indexPrice
	}
	premium = clamp(premium, -state.config.ClampBp, state.config.ClampBp)
	state.premiumRate = premium

	fundingRate := clamp(premium, -state.config.MaxRateBp, state.config.MaxRateBp)
	state.fundingAccumulator += fundingRate * elapsedSeconds

	return Snapshot{
		MarkPrice:   state.markPrice,
		IndexPrice:  state.indexPrice,
		PremiumRate: state.premiumRate,
		FundingRate: fundingRate,
	}
}

// MarkPrice returns the last computed mark for a market.
func (e *Engine) MarkPrice(market common.MarketID) int64 {
	if state, ok := e.markets[market]; ok {
		return state.markPrice
	}
	return 0
}

// AccumulatedFunding returns the market's unsettled accumulator.
func (e *Engine) AccumulatedFunding(market common.MarketID) int64 {
	if state, ok := e.markets[market]; ok {
		return state.fundingAccumulator
	}
	return 0
}

// ResetAccumulatedFunding zeroes the market's accumulator after
// settlement.
func (e *Engine) ResetAccumulatedFunding(market common.MarketID) {
	if state, ok := e.markets[market]; ok {
		state.fundingAccumulator = 0
	}
}

func (e *Engine) ensureMarket(market common.MarketID) *marketState {
	state, ok := e.markets[market]
	if !ok {
		state = &marketState{}
		e.markets[market] = state
	}
	return state
}

func clamp(value, minValue, maxValue int64) int64 {
	if value < minValue {
		return minValue
	}
	if value > maxValue {
		return maxValue
	}
	return value
}
