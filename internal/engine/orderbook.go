package engine

import (
	"time"

	. "hati/internal/common"

	"github.com/tidwall/btree"
)

type PriceLevel struct {
	priceLevel int64
	orders     []*Order
}

type PriceLevels = btree.BTreeG[*PriceLevel]

// OrderBook holds the resting orders of a single instrument. It does no locking of
// its own; the owning Engine serializes every call.
type OrderBook struct {
	// Price levels to orders sat on the price level, sorted by time added
	// as they will be push-back'd.
	bids *PriceLevels
	asks *PriceLevels

	buy  SideStats
	sell SideStats
}

func NewOrderBook() *OrderBook {
	opts := btree.Options{NoLocks: true}
	// Sorted greatest first.
	bids := btree.NewBTreeGOptions(func(a, b *PriceLevel) bool {
		return a.priceLevel > b.priceLevel
	}, opts)
	// Sorted least first.
	asks := btree.NewBTreeGOptions(func(a, b *PriceLevel) bool {
		return a.priceLevel < b.priceLevel
	}, opts)
	return &OrderBook{
		bids: bids,
		asks: asks,
	}
}

func (book *OrderBook) levels(side Side) *PriceLevels {
	if side == Buy {
		return book.bids
	}
	return book.asks
}

func (book *OrderBook) stats(side Side) *SideStats {
	if side == Buy {
		return &book.buy
	}
	return &book.sell
}

// insert appends the order to the tail of its price level, creating the level if
// it does not exist yet. The side must already be validated.
func (book *OrderBook) insert(order *Order) {
	levels := book.levels(order.Side)

	// Levels comparator only accounts for price levels, so we create a dummy price
	// level for the search.
	level, ok := levels.GetMut(&PriceLevel{priceLevel: order.Price})
	if ok {
		level.orders = append(level.orders, order)
	} else {
		levels.Set(&PriceLevel{
			priceLevel: order.Price,
			orders:     []*Order{order},
		})
	}

	stats := book.stats(order.Side)
	stats.Orders++
	stats.Quantity += order.Quantity
}

// popFront removes the front order of a level. Whatever quantity it still carries
// leaves the book with it.
func (book *OrderBook) popFront(level *PriceLevel, side Side) {
	front := level.orders[0]
	level.orders[0] = nil
	level.orders = level.orders[1:]

	stats := book.stats(side)
	stats.Orders--
	stats.Quantity -= front.Quantity
}

// crossing returns the (bid, ask) level pairs that share a price.
func (book *OrderBook) crossing() [][2]*PriceLevel {
	var pairs [][2]*PriceLevel
	book.bids.Scan(func(bid *PriceLevel) bool {
		if ask, ok := book.asks.Get(&PriceLevel{priceLevel: bid.priceLevel}); ok {
			pairs = append(pairs, [2]*PriceLevel{bid, ask})
		}
		return true
	})
	return pairs
}

// match drains every price level present on both sides until one of the two
// queues at that price is empty. Only queue fronts are ever examined: a front
// that has expired or has nothing left is dropped without a fill, otherwise the
// two fronts trade the smaller of their quantities.
func (book *OrderBook) match(now time.Time) Fills {
	fills := make(Fills)

	// Collect first, the indexes cannot be modified while they are scanned.
	for _, pair := range book.crossing() {
		bid, ask := pair[0], pair[1]
		var matched []Fill

		for len(bid.orders) > 0 && len(ask.orders) > 0 {
			buy := bid.orders[0]
			sell := ask.orders[0]

			switch {
			case buy.Expired(now) || buy.Done():
				book.popFront(bid, Buy)
			case sell.Expired(now) || sell.Done():
				book.popFront(ask, Sell)
			default:
				matchQty := min(buy.Quantity, sell.Quantity)
				buy.Quantity -= matchQty
				sell.Quantity -= matchQty
				book.buy.Quantity -= matchQty
				book.sell.Quantity -= matchQty

				matched = append(matched, Fill{
					Quantity: matchQty,
					BuyID:    buy.ID,
					SellID:   sell.ID,
					Price:    bid.priceLevel,
				})

				if buy.Done() {
					book.popFront(bid, Buy)
				}
				if sell.Done() {
					book.popFront(ask, Sell)
				}
			}
		}

		if len(matched) > 0 {
			fills[bid.priceLevel] = matched
		}
		// Full consumption cases (i.e. empty levels).
		if len(bid.orders) == 0 {
			book.bids.Delete(bid)
		}
		if len(ask.orders) == 0 {
			book.asks.Delete(ask)
		}
	}
	return fills
}

// sweep drops every expired or empty order on both sides regardless of its queue
// position, keeping the relative order of the survivors.
func (book *OrderBook) sweep(now time.Time) int {
	removed := book.sweepSide(book.bids, &book.buy, now)
	removed += book.sweepSide(book.asks, &book.sell, now)
	return removed
}

func (book *OrderBook) sweepSide(levels *PriceLevels, stats *SideStats, now time.Time) int {
	var removed int
	var empty []*PriceLevel
	levels.Scan(func(level *PriceLevel) bool {
		kept := level.orders[:0]
		for _, order := range level.orders {
			if order.Expired(now) || order.Done() {
				stats.Orders--
				stats.Quantity -= order.Quantity
				removed++
				continue
			}
			kept = append(kept, order)
		}
		// Clear the tail so dropped orders can be collected.
		for i := len(kept); i < len(level.orders); i++ {
			level.orders[i] = nil
		}
		level.orders = kept
		if len(kept) == 0 {
			empty = append(empty, level)
		}
		return true
	})
	for _, level := range empty {
		levels.Delete(level)
	}
	return removed
}

func (book *OrderBook) view() BookView {
	return BookView{
		Bids: FlattenLevels(book.bids.Items()),
		Asks: FlattenLevels(book.asks.Items()),
		Buy:  book.buy,
		Sell: book.sell,
	}
}

// FlattenLevels copies price levels and their orders into a view that stays valid
// after the book moves on.
func FlattenLevels(levels []*PriceLevel) []FlatPriceLevel {
	flat := make([]FlatPriceLevel, len(levels))
	for i, level := range levels {
		orders := make([]Order, len(level.orders))
		for j, order := range level.orders {
			orders[j] = *order
		}
		flat[i] = FlatPriceLevel{
			PriceLevel: level.priceLevel,
			Orders:     orders,
		}
	}
	return flat
}
