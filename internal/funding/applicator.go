package funding

import (
	"tradecore/internal/common"
	"tradecore/internal/risk"
)

// Payment records one account's funding debit (positive = the account
// paid, negative = the account received).
type Payment struct {
	Account     common.AccountID
	Market      common.MarketID
	Payment     int64
	FundingRate int64
}

// Applicator settles accrued funding between the funding engine and
// account collateral. Longs pay when the accumulator is positive,
// shorts receive, and vice versa.
type Applicator struct {
	funding *Engine
	risk    *risk.Engine
}

func NewApplicator(funding *Engine, riskEngine *risk.Engine) *Applicator {
	return &Applicator{funding: funding, risk: riskEngine}
}

// ApplyFunding settles each market with a nonzero accumulator against
// every account holding a position there, then resets the
// accumulator. Accounts iterate in ascending id order so settlement
// is deterministic.
func (a *Applicator) ApplyFunding(markets []common.MarketID) []Payment {
	var payments []Payment

	for _, market := range markets {
		accumulated := a.funding.AccumulatedFunding(market)
		if accumulated == 0 {
			continue
		}

		marketState := a.risk.FindMarket(market)
		if marketState == nil {
			continue
		}
		contractSize := marketState.Config.ContractSize

		for _, account := range a.risk.Accounts() {
			state := a.risk.FindAccount(account)
			if state == nil {
				continue
			}
			position, ok := state.Positions[market]
			if !ok || position.Quantity == 0 {
				continue
			}

			payment := position.Quantity * accumulated * contractSize / basisPointDenominator
			a.risk.CreditCollateral(account, -payment)

			payments = append(payments, Payment{
				Account:     account,
				Market:      market,
				Payment:     payment,
				FundingRate: accumulated,
			})
		}

		a.funding.ResetAccumulatedFunding(market)
	}

	return payments
}
