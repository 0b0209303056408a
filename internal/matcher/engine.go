// Package matcher implements the per-market central limit order book:
// price/time priority matching with post-only, IOC/FOK, hidden, and
// iceberg order handling. Submit, Cancel, and Replace are pure state
// transitions; the same inputs always produce the same fills.
package matcher

import "tradecore/internal/common"

// Reject codes surfaced in results. Values are part of the engine
// contract.
const (
	RejectNone                  uint16 = 0
	RejectUnknownMarket         uint16 = 1001
	RejectInsufficientLiquidity uint16 = 1002
	RejectPostOnlyWouldCross    uint16 = 1003
	RejectOrderNotFound         uint16 = 1004
	RejectInvalidQuantity       uint16 = 1005
	RejectDuplicateOrderID      uint16 = 1006
)

const (
	flagPostOnly = common.FlagPostOnly
	flagHidden   = common.FlagHidden
	flagIceberg  = common.FlagIceberg
)

// OrderRequest is a submission into the book.
type OrderRequest struct {
	ID              common.OrderID
	Account         common.AccountID
	Side            common.Side
	Quantity        int64
	Price           int64
	Tif             common.TimeInForce
	Flags           uint16
	DisplayQuantity int64
}

// CancelRequest removes a resting order.
type CancelRequest struct {
	ID common.OrderID
}

// ReplaceRequest atomically cancels and resubmits a resting order,
// preserving account and side but losing time priority.
type ReplaceRequest struct {
	ID          common.OrderID
	NewQuantity int64
	NewPrice    int64
	NewFlags    uint16
	NewTif      common.TimeInForce
}

// FillEvent is one trade produced by a submit or replace.
type FillEvent struct {
	MakerOrder common.OrderID
	TakerOrder common.OrderID
	Quantity   int64
	Price      int64
}

// OrderResult reports the outcome of a submit.
type OrderResult struct {
	Accepted    bool
	Resting     bool
	FullyFilled bool
	RejectCode  uint16
	Fills       []FillEvent
}

// CancelResult reports the outcome of a cancel.
type CancelResult struct {
	Cancelled  bool
	RejectCode uint16
}

// ReplaceResult reports the outcome of a replace.
type ReplaceResult struct {
	Accepted   bool
	Resting    bool
	RejectCode uint16
	Fills      []FillEvent
}

// MarketShard holds one market's books and resting-order table.
type MarketShard struct {
	orders  map[uint64]*orderRecord
	bids    bookSide
	asks    bookSide
	nextSeq uint64
}

func newMarketShard() *MarketShard {
	return &MarketShard{
		orders: make(map[uint64]*orderRecord),
		bids:   bookSide{descending: true},
		asks:   bookSide{},
	}
}

// Config sizes the record arena.
type Config struct {
	ArenaBytes int
}

// Engine is the matching engine: one shard per market, all records in
// a shared arena. Not safe for concurrent use; the event loop is the
// sole caller.
type Engine struct {
	arena   *arena
	markets map[common.MarketID]*MarketShard
}

func NewEngine(config Config) *Engine {
	arenaBytes := config.ArenaBytes
	if arenaBytes <= 0 {
		arenaBytes = 1 << 20
	}
	return &Engine{
		arena:   newArena(arenaBytes),
		markets: make(map[common.MarketID]*MarketShard),
	}
}

// AddMarket registers a market ahead of first use.
func (e *Engine) AddMarket(market common.MarketID) {
	if _, ok := e.markets[market]; !ok {
		e.markets[market] = newMarketShard()
	}
}

// ClearMarket drops all resting state for a market.
func (e *Engine) ClearMarket(market common.MarketID) {
	if shard, ok := e.markets[market]; ok {
		for _, rec := range shard.orders {
			e.arena.release(rec)
		}
	}
	e.markets[market] = newMarketShard()
}

func (e *Engine) ensureMarket(market common.MarketID) *MarketShard {
	shard, ok := e.markets[market]
	if !ok {
		shard = newMarketShard()
		e.markets[market] = shard
	}
	return shard
}

// crosses reports whether a maker price is marketable against the
// taker's limit. Touching prices match.
func crosses(takerSide common.Side, takerPrice, makerPrice int64) bool {
	if takerSide == common.SideBuy {
		return makerPrice <= takerPrice
	}
	return makerPrice >= takerPrice
}

// Submit runs the full order algorithm: validation, post-only and FOK
// checks, the match loop, then rest or expire.
func (e *Engine) Submit(request OrderRequest) OrderResult {
	if request.Quantity <= 0 {
		return OrderResult{RejectCode: RejectInvalidQuantity}
	}
	if request.Flags&flagIceberg != 0 {
		if request.DisplayQuantity <= 0 || request.DisplayQuantity > request.Quantity {
			return OrderResult{RejectCode: RejectInvalidQuantity}
		}
	}

	shard := e.ensureMarket(request.ID.Market)
	return e.placeOrder(shard, request)
}

// Cancel removes a resting order from its book.
func (e *Engine) Cancel(request CancelRequest) CancelResult {
	shard, ok := e.markets[request.ID.Market]
	if !ok {
		return CancelResult{RejectCode: RejectUnknownMarket}
	}

	encoded := request.ID.Encode()
	rec, ok := shard.orders[encoded]
	if !ok {
		return CancelResult{RejectCode: RejectOrderNotFound}
	}

	e.removeFromBook(shard, rec)
	delete(shard.orders, encoded)
	e.arena.release(rec)
	return CancelResult{Cancelled: true}
}

// Replace cancels and resubmits in one step. Account and side come
// from the existing record; the new order gets a fresh FIFO sequence.
func (e *Engine) Replace(request ReplaceRequest) ReplaceResult {
	shard, ok := e.markets[request.ID.Market]
	if !ok {
		return ReplaceResult{RejectCode: RejectUnknownMarket}
	}

	encoded := request.ID.Encode()
	rec, ok := shard.orders[encoded]
	if !ok {
		return ReplaceResult{RejectCode: RejectOrderNotFound}
	}

	newReq := rec.request
	newReq.Quantity = request.NewQuantity
	newReq.Price = request.NewPrice
	newReq.Flags = request.NewFlags
	newReq.Tif = request.NewTif
	newReq.DisplayQuantity = rec.displaySize

	if newReq.Quantity <= 0 {
		return ReplaceResult{RejectCode: RejectInvalidQuantity}
	}
	if newReq.Flags&flagIceberg != 0 {
		if newReq.DisplayQuantity <= 0 || newReq.DisplayQuantity > newReq.Quantity {
			return ReplaceResult{RejectCode: RejectInvalidQuantity}
		}
	}

	e.removeFromBook(shard, rec)
	delete(shard.orders, encoded)
	e.arena.release(rec)

	result := e.placeOrder(shard, newReq)
	return ReplaceResult{
		Accepted:   result.Accepted,
		Resting:    result.Resting,
		RejectCode: result.RejectCode,
		Fills:      result.Fills,
	}
}

func (e *Engine) placeOrder(shard *MarketShard, request OrderRequest) OrderResult {
	var result OrderResult
	encoded := request.ID.Encode()

	// Duplicate ids reject before matching so a rejected submit
	// leaves the book untouched.
	if request.Tif != common.TifIOC && request.Tif != common.TifFOK {
		if _, exists := shard.orders[encoded]; exists {
			result.RejectCode = RejectDuplicateOrderID
			return result
		}
	}

	if request.Flags&flagPostOnly != 0 {
		opposite := &shard.asks
		if request.Side == common.SideSell {
			opposite = &shard.bids
		}
		if best := opposite.best(); best != nil && crosses(request.Side, request.Price, best.price) {
			result.RejectCode = RejectPostOnlyWouldCross
			return result
		}
	}

	if request.Tif == common.TifFOK {
		if e.fillableQuantity(shard, request) < request.Quantity {
			result.RejectCode = RejectInsufficientLiquidity
			return result
		}
	}

	taker := orderRecord{
		request:   request,
		remaining: request.Quantity,
		fifoSeq:   shard.nextSeq,
	}
	shard.nextSeq++

	e.matchOrder(shard, &taker, &result.Fills)

	if taker.remaining > 0 {
		if request.Tif == common.TifIOC || request.Tif == common.TifFOK {
			result.Accepted = true
			return result
		}

		rec := e.arena.alloc()
		rec.request = request
		rec.remaining = taker.remaining
		rec.displaySize = request.DisplayQuantity
		rec.fifoSeq = taker.fifoSeq
		rec.displayRemaining = displayFor(rec)

		shard.orders[encoded] = rec
		e.restOrder(shard, rec)

		result.Accepted = true
		result.Resting = true
		return result
	}

	result.Accepted = true
	result.FullyFilled = true
	return result
}

// fillableQuantity sums opposite-side liquidity marketable at the
// request's limit, stopping once the request quantity is reachable.
func (e *Engine) fillableQuantity(shard *MarketShard, request OrderRequest) int64 {
	book := &shard.asks
	if request.Side == common.SideSell {
		book = &shard.bids
	}

	var total int64
	for _, level := range book.levels {
		if !crosses(request.Side, request.Price, level.price) {
			break
		}
		total += level.totalQty
		if total >= request.Quantity {
			return total
		}
	}
	return total
}

// matchOrder consumes opposite-side levels in book order, orders
// within a level in FIFO order, trading at maker prices.
func (e *Engine) matchOrder(shard *MarketShard, taker *orderRecord, fills *[]FillEvent) {
	book := &shard.asks
	if taker.request.Side == common.SideSell {
		book = &shard.bids
	}

	for taker.remaining > 0 && len(book.levels) > 0 {
		level := book.levels[0]
		if !crosses(taker.request.Side, taker.request.Price, level.price) {
			return
		}

		maker := level.head
		for maker != nil && taker.remaining > 0 {
			traded := taker.remaining
			if maker.remaining < traded {
				traded = maker.remaining
			}

			taker.remaining -= traded
			level.applyFill(maker, traded)

			*fills = append(*fills, FillEvent{
				MakerOrder: maker.request.ID,
				TakerOrder: taker.request.ID,
				Quantity:   traded,
				Price:      level.price,
			})

			if maker.remaining == 0 {
				next := maker.next
				level.remove(maker)
				delete(shard.orders, maker.request.ID.Encode())
				e.arena.release(maker)
				maker = next
			} else {
				maker = maker.next
			}
		}

		if level.empty() {
			book.removeAt(0)
		}
	}
}

func (e *Engine) restOrder(shard *MarketShard, rec *orderRecord) {
	book := &shard.bids
	if rec.request.Side == common.SideSell {
		book = &shard.asks
	}
	book.findOrCreate(rec.request.Price).pushBack(rec)
}

func (e *Engine) removeFromBook(shard *MarketShard, rec *orderRecord) {
	level := rec.level
	if level == nil {
		return
	}
	level.remove(rec)
	if level.empty() {
		book := &shard.bids
		if rec.request.Side == common.SideSell {
			book = &shard.asks
		}
		book.removePrice(level.price)
	}
}

// TopOfBook is the best visible quote on one side.
type TopOfBook struct {
	Price      int64
	TotalQty   int64
	VisibleQty int64
}

// BestBid returns the highest-priced bid level, if any.
func (e *Engine) BestBid(market common.MarketID) (TopOfBook, bool) {
	return e.top(market, common.SideBuy)
}

// BestAsk returns the lowest-priced ask level, if any.
func (e *Engine) BestAsk(market common.MarketID) (TopOfBook, bool) {
	return e.top(market, common.SideSell)
}

func (e *Engine) top(market common.MarketID, side common.Side) (TopOfBook, bool) {
	shard, ok := e.markets[market]
	if !ok {
		return TopOfBook{}, false
	}
	book := &shard.bids
	if side == common.SideSell {
		book = &shard.asks
	}
	level := book.best()
	if level == nil {
		return TopOfBook{}, false
	}
	return TopOfBook{Price: level.price, TotalQty: level.totalQty, VisibleQty: level.visibleQty}, true
}

// RestingOrder is an exported view of one resting order, sufficient
// to rebuild the book with identical priority.
type RestingOrder struct {
	Request   OrderRequest
	Remaining int64
	FifoSeq   uint64
}

// ExportResting returns every resting order across all markets,
// ordered by market then FIFO sequence, for checkpointing.
func (e *Engine) ExportResting() []RestingOrder {
	markets := make([]common.MarketID, 0, len(e.markets))
	for market := range e.markets {
		markets = append(markets, market)
	}
	sortMarketIDs(markets)

	var out []RestingOrder
	for _, market := range markets {
		shard := e.markets[market]
		start := len(out)
		for _, rec := range shard.orders {
			out = append(out, RestingOrder{
				Request:   rec.request,
				Remaining: rec.remaining,
				FifoSeq:   rec.fifoSeq,
			})
		}
		sortByFifo(out[start:])
	}
	return out
}

// RestoreResting reinserts exported orders without matching,
// preserving remaining quantities and FIFO sequence numbers.
func (e *Engine) RestoreResting(orders []RestingOrder) {
	for _, order := range orders {
		shard := e.ensureMarket(order.Request.ID.Market)
		encoded := order.Request.ID.Encode()
		if _, exists := shard.orders[encoded]; exists {
			continue
		}

		rec := e.arena.alloc()
		rec.request = order.Request
		rec.remaining = order.Remaining
		rec.displaySize = order.Request.DisplayQuantity
		rec.fifoSeq = order.FifoSeq
		rec.displayRemaining = displayFor(rec)

		shard.orders[encoded] = rec
		e.restOrder(shard, rec)
		if order.FifoSeq >= shard.nextSeq {
			shard.nextSeq = order.FifoSeq + 1
		}
	}
}

// HasOrder reports whether an order is resting in its market's book.
func (e *Engine) HasOrder(id common.OrderID) bool {
	shard, ok := e.markets[id.Market]
	if !ok {
		return false
	}
	_, ok = shard.orders[id.Encode()]
	return ok
}

// RestingCount returns the number of resting orders in a market.
func (e *Engine) RestingCount(market common.MarketID) int {
	if shard, ok := e.markets[market]; ok {
		return len(shard.orders)
	}
	return 0
}
