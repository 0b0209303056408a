package matcher

import (
	"sort"

	"tradecore/internal/common"
)

func sortMarketIDs(markets []common.MarketID) {
	sort.Slice(markets, func(i, j int) bool { return markets[i] < markets[j] })
}

func sortByFifo(orders []RestingOrder) {
	sort.Slice(orders, func(i, j int) bool { return orders[i].FifoSeq < orders[j].FifoSeq })
}

// orderRecord is the in-book representation of a resting order.
// Records live in the engine arena and are linked into exactly one
// price level while resting. Invariant:
// 0 <= displayRemaining <= remaining <= request.Quantity.
type orderRecord struct {
	request          OrderRequest
	remaining        int64
	displayRemaining int64
	displaySize      int64
	fifoSeq          uint64

	level *priceLevel
	prev  *orderRecord
	next  *orderRecord
}

// priceLevel is a FIFO queue of resting orders at one price.
// totalQty and visibleQty track the sums of member remaining and
// displayRemaining respectively.
type priceLevel struct {
	price      int64
	head       *orderRecord
	tail       *orderRecord
	totalQty   int64
	visibleQty int64
}

func (l *priceLevel) empty() bool {
	return l.head == nil
}

func (l *priceLevel) pushBack(rec *orderRecord) {
	rec.prev = l.tail
	rec.next = nil
	if l.tail != nil {
		l.tail.next = rec
	} else {
		l.head = rec
	}
	l.tail = rec
	rec.level = l
	l.totalQty += rec.remaining
	l.visibleQty += rec.displayRemaining
}

func (l *priceLevel) remove(rec *orderRecord) {
	l.totalQty -= rec.remaining
	l.visibleQty -= rec.displayRemaining
	if rec.prev != nil {
		rec.prev.next = rec.next
	} else {
		l.head = rec.next
	}
	if rec.next != nil {
		rec.next.prev = rec.prev
	} else {
		l.tail = rec.prev
	}
	rec.prev = nil
	rec.next = nil
	rec.level = nil
}

// applyFill consumes traded from rec and refreshes its visible slice.
// An exhausted iceberg slice rolls the next slice into view without
// moving the order in the FIFO.
func (l *priceLevel) applyFill(rec *orderRecord, traded int64) {
	rec.remaining -= traded
	l.totalQty -= traded
	l.visibleQty -= rec.displayRemaining
	rec.displayRemaining = displayFor(rec)
	l.visibleQty += rec.displayRemaining
}

// displayFor computes the resting visible quantity for a record.
func displayFor(rec *orderRecord) int64 {
	if rec.request.Flags&flagHidden != 0 {
		return 0
	}
	if rec.request.Flags&flagIceberg != 0 {
		if rec.displaySize < rec.remaining {
			return rec.displaySize
		}
		return rec.remaining
	}
	return rec.remaining
}

// bookSide is one side's price ladder: a slice of levels kept sorted
// best-first (descending prices for bids, ascending for asks).
type bookSide struct {
	levels     []*priceLevel
	descending bool
}

// searchIndex returns the position where price sits in ladder order.
func (b *bookSide) searchIndex(price int64) int {
	if b.descending {
		return sort.Search(len(b.levels), func(i int) bool {
			return b.levels[i].price <= price
		})
	}
	return sort.Search(len(b.levels), func(i int) bool {
		return b.levels[i].price >= price
	})
}

func (b *bookSide) find(price int64) *priceLevel {
	i := b.searchIndex(price)
	if i < len(b.levels) && b.levels[i].price == price {
		return b.levels[i]
	}
	return nil
}

// findOrCreate returns the level for price, creating it in ladder
// position when absent.
func (b *bookSide) findOrCreate(price int64) *priceLevel {
	i := b.searchIndex(price)
	if i < len(b.levels) && b.levels[i].price == price {
		return b.levels[i]
	}
	level := &priceLevel{price: price}
	b.levels = append(b.levels, nil)
	copy(b.levels[i+1:], b.levels[i:])
	b.levels[i] = level
	return level
}

func (b *bookSide) removePrice(price int64) {
	i := b.searchIndex(price)
	if i < len(b.levels) && b.levels[i].price == price {
		b.removeAt(i)
	}
}

func (b *bookSide) removeAt(i int) {
	copy(b.levels[i:], b.levels[i+1:])
	b.levels[len(b.levels)-1] = nil
	b.levels = b.levels[:len(b.levels)-1]
}

func (b *bookSide) best() *priceLevel {
	if len(b.levels) == 0 {
		return nil
	}
	return b.levels[0]
}
