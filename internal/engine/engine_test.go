package engine_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	. "hati/internal/common"
	"hati/internal/engine"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Setup & Helpers --------------------------------------------------------

// at returns a timestamp whole seconds after the epoch, so tests can talk about
// t=0, t=1, ... as the matching rules do.
func at(seconds int64) time.Time {
	return time.Unix(seconds, 0)
}

type testOrder struct {
	id       uint64
	side     Side
	price    int64
	quantity uint64
	created  int64
	ttl      int64
}

func (o testOrder) order() Order {
	return Order{
		ID:        o.id,
		Side:      o.side,
		Price:     o.price,
		Quantity:  o.quantity,
		TTL:       time.Duration(o.ttl) * time.Second,
		Timestamp: at(o.created),
	}
}

func createTestEngine(t *testing.T, orders ...testOrder) *engine.Engine {
	t.Helper()
	eng := engine.New()
	for _, o := range orders {
		require.NoError(t, eng.PlaceOrder(o.order()))
	}
	return eng
}

// restingQuantities flattens one side of a snapshot into id -> remaining quantity.
func restingQuantities(levels []engine.FlatPriceLevel) map[uint64]uint64 {
	out := make(map[uint64]uint64)
	for _, level := range levels {
		for _, order := range level.Orders {
			out[order.ID] = order.Quantity
		}
	}
	return out
}

func restingIDs(levels []engine.FlatPriceLevel, price int64) []uint64 {
	for _, level := range levels {
		if level.PriceLevel == price {
			ids := make([]uint64, len(level.Orders))
			for i, order := range level.Orders {
				ids[i] = order.ID
			}
			return ids
		}
	}
	return nil
}

// --- Ingestion --------------------------------------------------------------

func TestPlaceOrder_RestsInArrivalOrder(t *testing.T) {
	eng := createTestEngine(t,
		testOrder{id: 1, side: Buy, price: 99, quantity: 100, ttl: 10},
		testOrder{id: 2, side: Buy, price: 99, quantity: 90, ttl: 10},
		testOrder{id: 3, side: Buy, price: 98, quantity: 50, ttl: 10},
		testOrder{id: 4, side: Sell, price: 101, quantity: 20, ttl: 10},
		testOrder{id: 5, side: Sell, price: 100, quantity: 80, ttl: 10},
	)

	view := eng.Snapshot()
	require.Len(t, view.Bids, 2)
	require.Len(t, view.Asks, 2)

	assert.Equal(t, int64(99), view.Bids[0].PriceLevel, "Bids should be sorted High -> Low")
	assert.Equal(t, int64(98), view.Bids[1].PriceLevel)
	assert.Equal(t, int64(100), view.Asks[0].PriceLevel, "Asks should be sorted Low -> High")
	assert.Equal(t, int64(101), view.Asks[1].PriceLevel)
	assert.Equal(t, []uint64{1, 2}, restingIDs(view.Bids, 99))

	assert.Equal(t, engine.SideStats{Orders: 3, Quantity: 240}, view.Buy)
	assert.Equal(t, engine.SideStats{Orders: 2, Quantity: 100}, view.Sell)
}

func TestPlaceOrder_InvalidSide(t *testing.T) {
	eng := engine.New()

	for _, side := range []Side{0, 3, -1} {
		err := eng.PlaceOrder(Order{ID: 9, Side: side, Price: 50, Quantity: 1, TTL: time.Second})
		assert.True(t, errors.Is(err, ErrInvalidSide), "side %d", side)
	}

	view := eng.Snapshot()
	assert.Empty(t, view.Bids)
	assert.Empty(t, view.Asks)
	assert.Zero(t, view.Buy.Orders)
	assert.Zero(t, view.Sell.Orders)
}

func TestPlaceOrder_NoOtherValidation(t *testing.T) {
	eng := createTestEngine(t,
		testOrder{id: 1, side: Buy, price: 0, quantity: 0, ttl: 0},
		testOrder{id: 2, side: Sell, price: -5, quantity: 3, ttl: 1},
	)

	view := eng.Snapshot()
	assert.Equal(t, []uint64{1}, restingIDs(view.Bids, 0))
	assert.Equal(t, []uint64{2}, restingIDs(view.Asks, -5))
}

func TestPlaceOrder_StoresCopy(t *testing.T) {
	eng := engine.New()
	order := Order{ID: 1, Side: Buy, Price: 50, Quantity: 10, TTL: time.Minute}
	require.NoError(t, eng.PlaceOrder(order))

	order.Quantity = 1
	assert.Equal(t, uint64(10), restingQuantities(eng.Snapshot().Bids)[1])
}

// --- Matching scenarios -----------------------------------------------------

func TestMatch_PartialFill(t *testing.T) {
	eng := createTestEngine(t,
		testOrder{id: 1, side: Buy, price: 50, quantity: 10, created: 0, ttl: 5},
		testOrder{id: 2, side: Sell, price: 50, quantity: 4, created: 0, ttl: 5},
	)

	fills := eng.Match(at(1))
	assert.Equal(t, Fills{50: {{Quantity: 4, BuyID: 1, SellID: 2, Price: 50}}}, fills)

	view := eng.Snapshot()
	assert.Equal(t, map[uint64]uint64{1: 6}, restingQuantities(view.Bids))
	assert.Empty(t, view.Asks)
}

func TestMatch_NoCounterpartLeavesExpiredOrder(t *testing.T) {
	eng := createTestEngine(t,
		testOrder{id: 3, side: Buy, price: 50, quantity: 5, created: 0, ttl: 2},
	)

	fills := eng.Match(at(5))
	assert.Empty(t, fills)

	view := eng.Snapshot()
	assert.Equal(t, map[uint64]uint64{3: 5}, restingQuantities(view.Bids))
}

func TestMatch_ExpiredFrontDroppedWithoutFill(t *testing.T) {
	eng := createTestEngine(t,
		testOrder{id: 4, side: Buy, price: 50, quantity: 5, created: 0, ttl: 2},
		testOrder{id: 5, side: Sell, price: 50, quantity: 5, created: 0, ttl: 100},
	)

	fills := eng.Match(at(10))
	assert.Empty(t, fills)

	view := eng.Snapshot()
	assert.Empty(t, view.Bids)
	assert.Equal(t, map[uint64]uint64{5: 5}, restingQuantities(view.Asks))
	assert.Equal(t, engine.SideStats{}, view.Buy)
}

func TestMatch_ExpiredSellFront(t *testing.T) {
	eng := createTestEngine(t,
		testOrder{id: 1, side: Sell, price: 50, quantity: 5, created: 0, ttl: 1},
		testOrder{id: 2, side: Sell, price: 50, quantity: 3, created: 0, ttl: 100},
		testOrder{id: 3, side: Buy, price: 50, quantity: 5, created: 0, ttl: 100},
	)

	fills := eng.Match(at(2))
	assert.Equal(t, Fills{50: {{Quantity: 3, BuyID: 3, SellID: 2, Price: 50}}}, fills)
	assert.Equal(t, map[uint64]uint64{3: 2}, restingQuantities(eng.Snapshot().Bids))
}

func TestMatch_AgeEqualToTTLIsLive(t *testing.T) {
	eng := createTestEngine(t,
		testOrder{id: 1, side: Buy, price: 50, quantity: 5, created: 0, ttl: 3},
		testOrder{id: 2, side: Sell, price: 50, quantity: 5, created: 0, ttl: 3},
	)

	fills := eng.Match(at(3))
	assert.Equal(t, Fills{50: {{Quantity: 5, BuyID: 1, SellID: 2, Price: 50}}}, fills)
}

func TestMatch_TimePriority(t *testing.T) {
	eng := createTestEngine(t,
		testOrder{id: 1, side: Buy, price: 50, quantity: 3, ttl: 100},
		testOrder{id: 2, side: Buy, price: 50, quantity: 3, ttl: 100},
		testOrder{id: 3, side: Buy, price: 50, quantity: 3, ttl: 100},
		testOrder{id: 10, side: Sell, price: 50, quantity: 4, ttl: 100},
		testOrder{id: 11, side: Sell, price: 50, quantity: 4, ttl: 100},
	)

	fills := eng.Match(at(1))
	assert.Equal(t, []Fill{
		{Quantity: 3, BuyID: 1, SellID: 10, Price: 50},
		{Quantity: 1, BuyID: 2, SellID: 10, Price: 50},
		{Quantity: 2, BuyID: 2, SellID: 11, Price: 50},
		{Quantity: 2, BuyID: 3, SellID: 11, Price: 50},
	}, fills[50])

	view := eng.Snapshot()
	assert.Equal(t, map[uint64]uint64{3: 1}, restingQuantities(view.Bids))
	assert.Empty(t, view.Asks)
}

func TestMatch_OnlyEqualPrices(t *testing.T) {
	eng := createTestEngine(t,
		testOrder{id: 1, side: Buy, price: 105, quantity: 5, ttl: 100},
		testOrder{id: 2, side: Sell, price: 100, quantity: 5, ttl: 100},
		testOrder{id: 3, side: Buy, price: 95, quantity: 5, ttl: 100},
		testOrder{id: 4, side: Sell, price: 95, quantity: 2, ttl: 100},
		testOrder{id: 5, side: Buy, price: 60, quantity: 1, ttl: 100},
		testOrder{id: 6, side: Sell, price: 60, quantity: 1, ttl: 100},
	)

	fills := eng.Match(at(1))
	assert.Equal(t, Fills{
		95: {{Quantity: 2, BuyID: 3, SellID: 4, Price: 95}},
		60: {{Quantity: 1, BuyID: 5, SellID: 6, Price: 60}},
	}, fills)

	view := eng.Snapshot()
	assert.Equal(t, map[uint64]uint64{1: 5, 3: 3}, restingQuantities(view.Bids))
	assert.Equal(t, map[uint64]uint64{2: 5}, restingQuantities(view.Asks))
}

func TestMatch_ZeroQuantityDroppedAsSatisfied(t *testing.T) {
	eng := createTestEngine(t,
		testOrder{id: 1, side: Buy, price: 50, quantity: 0, ttl: 100},
		testOrder{id: 2, side: Buy, price: 50, quantity: 4, ttl: 100},
		testOrder{id: 3, side: Sell, price: 50, quantity: 0, ttl: 100},
		testOrder{id: 4, side: Sell, price: 50, quantity: 4, ttl: 100},
	)

	fills := eng.Match(at(1))
	assert.Equal(t, Fills{50: {{Quantity: 4, BuyID: 2, SellID: 4, Price: 50}}}, fills)

	view := eng.Snapshot()
	assert.Empty(t, view.Bids)
	assert.Empty(t, view.Asks)
	assert.Equal(t, engine.SideStats{}, view.Buy)
	assert.Equal(t, engine.SideStats{}, view.Sell)
}

func TestMatch_IdenticalFillsAreKept(t *testing.T) {
	// Identifiers are caller assigned, so two fills can carry identical values.
	eng := createTestEngine(t,
		testOrder{id: 1, side: Buy, price: 50, quantity: 5, ttl: 100},
		testOrder{id: 1, side: Buy, price: 50, quantity: 5, ttl: 100},
		testOrder{id: 2, side: Sell, price: 50, quantity: 5, ttl: 100},
		testOrder{id: 2, side: Sell, price: 50, quantity: 5, ttl: 100},
	)

	fills := eng.Match(at(1))
	assert.Len(t, fills[50], 2)
	assert.Equal(t, fills[50][0], fills[50][1])
}

func TestMatch_EmptyIntersectionIsNoop(t *testing.T) {
	eng := createTestEngine(t,
		testOrder{id: 1, side: Buy, price: 40, quantity: 5, ttl: 1},
		testOrder{id: 2, side: Sell, price: 45, quantity: 5, ttl: 1},
	)
	before := eng.Snapshot()

	fills := eng.Match(at(100))
	assert.NotNil(t, fills)
	assert.Empty(t, fills)
	assert.Equal(t, before, eng.Snapshot())

	assert.Empty(t, engine.New().Match(at(0)))
}

func TestMatch_ExpiredNeverTrades(t *testing.T) {
	eng := createTestEngine(t,
		testOrder{id: 1, side: Buy, price: 50, quantity: 5, created: 0, ttl: 1},
		testOrder{id: 2, side: Buy, price: 50, quantity: 5, created: 5, ttl: 10},
		testOrder{id: 3, side: Sell, price: 50, quantity: 5, created: 0, ttl: 2},
		testOrder{id: 4, side: Sell, price: 50, quantity: 8, created: 4, ttl: 10},
	)

	fills := eng.Match(at(6))
	require.Len(t, fills[50], 1)
	for _, f := range fills[50] {
		assert.NotContains(t, []uint64{1, 3}, f.BuyID)
		assert.NotContains(t, []uint64{1, 3}, f.SellID)
	}
	assert.Equal(t, Fill{Quantity: 5, BuyID: 2, SellID: 4, Price: 50}, fills[50][0])
}

func TestMatch_QuantityConservation(t *testing.T) {
	eng := createTestEngine(t,
		testOrder{id: 1, side: Buy, price: 10, quantity: 7, ttl: 100},
		testOrder{id: 2, side: Buy, price: 10, quantity: 9, ttl: 100},
		testOrder{id: 3, side: Sell, price: 10, quantity: 11, ttl: 100},
		testOrder{id: 4, side: Buy, price: 20, quantity: 2, ttl: 100},
		testOrder{id: 5, side: Sell, price: 20, quantity: 6, ttl: 100},
		testOrder{id: 6, side: Sell, price: 20, quantity: 1, ttl: 100},
	)
	before := eng.Snapshot()

	fills := eng.Match(at(1))
	after := eng.Snapshot()

	boughtByLevel := make(map[int64]uint64)
	for price, level := range fills {
		for _, f := range level {
			assert.Equal(t, price, f.Price)
			boughtByLevel[price] += f.Quantity
		}
	}
	assert.Equal(t, map[int64]uint64{10: 11, 20: 2}, boughtByLevel)
	assert.Equal(t, before.Buy.Quantity-after.Buy.Quantity, fills.Volume())
	assert.Equal(t, before.Sell.Quantity-after.Sell.Quantity, fills.Volume())
}

func TestMatch_QuantityMonotonic(t *testing.T) {
	eng := createTestEngine(t,
		testOrder{id: 1, side: Buy, price: 50, quantity: 20, ttl: 100},
	)
	last := uint64(20)
	for i := uint64(0); i < 4; i++ {
		require.NoError(t, eng.PlaceOrder(Order{
			ID: 100 + i, Side: Sell, Price: 50, Quantity: 3, TTL: time.Hour, Timestamp: at(0),
		}))
		eng.Match(at(1))

		remaining := restingQuantities(eng.Snapshot().Bids)[1]
		assert.LessOrEqual(t, remaining, last)
		last = remaining
	}
	assert.Equal(t, uint64(8), last)
}

// --- Sweep ------------------------------------------------------------------

func TestSweep_RemovesExpiredAnywhere(t *testing.T) {
	eng := createTestEngine(t,
		testOrder{id: 1, side: Buy, price: 50, quantity: 5, created: 0, ttl: 100},
		testOrder{id: 2, side: Buy, price: 50, quantity: 5, created: 0, ttl: 1},
		testOrder{id: 3, side: Buy, price: 40, quantity: 5, created: 0, ttl: 1},
		testOrder{id: 4, side: Sell, price: 70, quantity: 5, created: 0, ttl: 1},
		testOrder{id: 5, side: Sell, price: 70, quantity: 0, created: 0, ttl: 100},
	)

	// Lazy expiration keeps them around until swept.
	assert.Empty(t, eng.Match(at(10)))
	assert.Equal(t, uint64(3), eng.Snapshot().Buy.Orders)

	assert.Equal(t, 4, eng.Sweep(at(10)))

	view := eng.Snapshot()
	assert.Equal(t, map[uint64]uint64{1: 5}, restingQuantities(view.Bids))
	assert.Len(t, view.Bids, 1)
	assert.Empty(t, view.Asks)
	assert.Equal(t, engine.SideStats{Orders: 1, Quantity: 5}, view.Buy)
	assert.Equal(t, engine.SideStats{}, view.Sell)
}

// --- Reporters --------------------------------------------------------------

type recordingReporter struct {
	mu     sync.Mutex
	passes []Fills
	err    error
}

func (r *recordingReporter) ReportFills(_ time.Time, fills Fills) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.passes = append(r.passes, fills)
	return r.err
}

func TestMatch_Reporters(t *testing.T) {
	failing := &recordingReporter{err: errors.New("sink down")}
	ok := &recordingReporter{}

	eng := createTestEngine(t,
		testOrder{id: 1, side: Buy, price: 50, quantity: 5, ttl: 100},
		testOrder{id: 2, side: Sell, price: 50, quantity: 5, ttl: 100},
	)
	eng.SetReporter(failing, ok)

	fills := eng.Match(at(1))
	require.Len(t, fills, 1)
	// A pass without fills is not reported.
	eng.Match(at(2))

	assert.Equal(t, []Fills{fills}, failing.passes)
	assert.Equal(t, []Fills{fills}, ok.passes)
}

func TestMatch_ReportersGetTheirOwnCopy(t *testing.T) {
	eng := createTestEngine(t,
		testOrder{id: 1, side: Buy, price: 50, quantity: 5, ttl: 100},
		testOrder{id: 2, side: Sell, price: 50, quantity: 3, ttl: 100},
	)
	clobber := engine.ReporterFunc(func(_ time.Time, fills Fills) error {
		fills[50][0].Quantity = 999
		delete(fills, 50)
		fills[70] = []Fill{{Quantity: 1}}
		return nil
	})
	after := &recordingReporter{}
	eng.SetReporter(clobber, after)

	fills := eng.Match(at(1))

	want := Fills{50: {{Quantity: 3, BuyID: 1, SellID: 2, Price: 50}}}
	assert.Equal(t, want, fills)
	assert.Equal(t, []Fills{want}, after.passes)
}

// --- Concurrency ------------------------------------------------------------

func TestEngine_ConcurrentIngestionAndMatching(t *testing.T) {
	const (
		producers = 4
		perWorker = 250
	)
	eng := engine.New()

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		placedBuy uint64
		placedSel uint64
		traded    uint64
	)

	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				side := Buy
				if (i+p)%2 == 1 {
					side = Sell
				}
				qty := uint64(i%7 + 1)
				assert.NoError(t, eng.PlaceOrder(Order{
					ID:        uint64(p*perWorker + i),
					Side:      side,
					Price:     int64(i%5) * 5,
					Quantity:  qty,
					TTL:       time.Hour,
					Timestamp: at(0),
				}))
				mu.Lock()
				if side == Buy {
					placedBuy += qty
				} else {
					placedSel += qty
				}
				mu.Unlock()
			}
		}(p)
	}

	done := make(chan struct{})
	var matchers sync.WaitGroup
	matchers.Add(2)
	go func() {
		defer matchers.Done()
		for {
			select {
			case <-done:
				return
			default:
				volume := eng.Match(at(1)).Volume()
				mu.Lock()
				traded += volume
				mu.Unlock()
			}
		}
	}()
	go func() {
		defer matchers.Done()
		for {
			select {
			case <-done:
				return
			default:
				// Every observed view must agree with its own book keeping.
				view := eng.Snapshot()
				var buy, sell uint64
				for _, q := range restingQuantities(view.Bids) {
					buy += q
				}
				for _, q := range restingQuantities(view.Asks) {
					sell += q
				}
				assert.Equal(t, view.Buy.Quantity, buy)
				assert.Equal(t, view.Sell.Quantity, sell)
			}
		}
	}()

	wg.Wait()
	close(done)
	matchers.Wait()
	traded += eng.Match(at(1)).Volume()

	view := eng.Snapshot()
	assert.Equal(t, placedBuy, view.Buy.Quantity+traded)
	assert.Equal(t, placedSel, view.Sell.Quantity+traded)
}
