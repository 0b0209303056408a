package risk

import (
	"math"
	"sort"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"tradecore/internal/common"
	"tradecore/internal/matcher"
)

// LiquidationStatus classifies an account's margin health.
type LiquidationStatus int

const (
	Healthy LiquidationStatus = iota
	NeedsPartial
	NeedsFull
)

func (s LiquidationStatus) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case NeedsPartial:
		return "needs_partial"
	case NeedsFull:
		return "needs_full"
	default:
		return "unknown"
	}
}

// LiquidationResult is one account's health evaluation.
type LiquidationResult struct {
	Status            LiquidationStatus
	Deficit           int64
	Equity            int64
	InitialMargin     int64
	MaintenanceMargin int64
}

// LiquidationMonitor evaluates margin health against the risk engine.
type LiquidationMonitor struct {
	engine *Engine
}

func NewLiquidationMonitor(engine *Engine) *LiquidationMonitor {
	return &LiquidationMonitor{engine: engine}
}

// Evaluate returns the account's health ladder position. An account
// with no maintenance requirement is always healthy.
func (m *LiquidationMonitor) Evaluate(account common.AccountID) LiquidationResult {
	summary := m.engine.AccountSummary(account)
	result := LiquidationResult{
		Equity:            summary.Equity,
		InitialMargin:     summary.InitialMargin,
		MaintenanceMargin: summary.MaintenanceMargin,
	}

	if summary.MaintenanceMargin == 0 {
		return result
	}

	if summary.Equity < summary.MaintenanceMargin {
		result.Status = NeedsFull
		result.Deficit = summary.MaintenanceMargin - summary.Equity
		return result
	}
	if summary.Equity < summary.InitialMargin {
		result.Status = NeedsPartial
		result.Deficit = summary.InitialMargin - summary.Equity
		return result
	}
	return result
}

// MakerLookup resolves the account context of a resting order so
// maker-side fills from a liquidation order can be applied to risk.
type MakerLookup func(encodedOrderID uint64) (FillContext, bool)

// LiquidationOrder is one forced reduce-only order emitted for an
// unhealthy account.
type LiquidationOrder struct {
	LiquidationID uuid.UUID
	Account       common.AccountID
	Market        common.MarketID
	Side          common.Side
	Quantity      int64
	Fills         []matcher.FillEvent
}

// LiquidationExecutor force-closes positions of unhealthy accounts by
// routing IOC reduce-only orders through the matching engine at the
// worst-extreme price.
type LiquidationExecutor struct {
	engine      *Engine
	monitor     *LiquidationMonitor
	matcher     *matcher.Engine
	makerLookup MakerLookup
	log         zerolog.Logger
	nextLocalID common.SequenceID
}

func NewLiquidationExecutor(
	engine *Engine,
	book *matcher.Engine,
	makerLookup MakerLookup,
	log zerolog.Logger,
) *LiquidationExecutor {
	return &LiquidationExecutor{
		engine:      engine,
		monitor:     NewLiquidationMonitor(engine),
		matcher:     book,
		makerLookup: makerLookup,
		log:         log,
		nextLocalID: 1,
	}
}

// CheckAndLiquidate evaluates each account and, for those below the
// maintenance or initial threshold, emits one forced order per
// nonzero position. Fills update risk for both sides of the trade.
func (x *LiquidationExecutor) CheckAndLiquidate(accounts []common.AccountID) []LiquidationOrder {
	var orders []LiquidationOrder

	for _, accountID := range accounts {
		result := x.monitor.Evaluate(accountID)
		if result.Status == Healthy {
			continue
		}

		account := x.engine.FindAccount(accountID)
		if account == nil {
			continue
		}

		markets := make([]common.MarketID, 0, len(account.Positions))
		for market := range account.Positions {
			markets = append(markets, market)
		}
		sortMarkets(markets)

		for _, market := range markets {
			position := account.Positions[market]
			if position.Quantity == 0 {
				continue
			}

			order := LiquidationOrder{
				LiquidationID: uuid.New(),
				Account:       accountID,
				Market:        market,
				Quantity:      abs64(position.Quantity),
			}
			if position.Quantity > 0 {
				order.Side = common.SideSell
			} else {
				order.Side = common.SideBuy
			}

			order.Fills = x.execute(&order)
			orders = append(orders, order)

			x.log.Warn().
				Str("liquidation_id", order.LiquidationID.String()).
				Uint64("account", uint64(order.Account)).
				Uint16("market", uint16(order.Market)).
				Str("side", order.Side.String()).
				Int64("quantity", order.Quantity).
				Int64("deficit", result.Deficit).
				Int("fills", len(order.Fills)).
				Msg("forced liquidation order")
		}
	}

	return orders
}

func (x *LiquidationExecutor) execute(order *LiquidationOrder) []matcher.FillEvent {
	price := int64(math.MaxInt64)
	if order.Side == common.SideSell {
		price = math.MinInt64
	}

	orderID := common.OrderID{
		Market:  order.Market,
		Session: 0,
		Local:   x.nextLocalID,
	}
	x.nextLocalID++

	result := x.matcher.Submit(matcher.OrderRequest{
		ID:       orderID,
		Account:  order.Account,
		Side:     order.Side,
		Quantity: order.Quantity,
		Price:    price,
		Tif:      common.TifIOC,
		Flags:    common.FlagReduceOnly,
	})
	if !result.Accepted {
		return nil
	}

	for _, fill := range result.Fills {
		x.engine.ApplyFill(FillContext{
			Account:  order.Account,
			Market:   order.Market,
			Side:     order.Side,
			Quantity: fill.Quantity,
			Price:    fill.Price,
		})

		if x.makerLookup != nil {
			if makerCtx, ok := x.makerLookup(fill.MakerOrder.Encode()); ok {
				makerCtx.Quantity = fill.Quantity
				makerCtx.Price = fill.Price
				x.engine.ApplyFill(makerCtx)
			}
		}
	}
	return result.Fills
}

func sortMarkets(markets []common.MarketID) {
	sort.Slice(markets, func(i, j int) bool { return markets[i] < markets[j] })
}
