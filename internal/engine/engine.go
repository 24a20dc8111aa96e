package engine

import (
	"fmt"
	"sync"
	"time"

	. "hati/internal/common"

	"github.com/rs/zerolog/log"
)

// This is the main matching engine. It owns a single book and serializes every
// ingestion, match pass, sweep and snapshot against it behind one mutex.
type Engine struct {
	mu        sync.Mutex
	book      *OrderBook
	reporters []Reporter
}

func New() *Engine {
	return &Engine{
		book: NewOrderBook(),
	}
}

// SetReporter replaces the set of reporters notified after each match pass.
func (engine *Engine) SetReporter(reporters ...Reporter) {
	engine.mu.Lock()
	defer engine.mu.Unlock()

	engine.reporters = reporters
}

// PlaceOrder rests a copy of the order at the tail of its side and price level.
// Orders with a side other than Buy or Sell are rejected with ErrInvalidSide and
// leave the book untouched. No other validation is done.
func (engine *Engine) PlaceOrder(order Order) error {
	if !order.Side.Valid() {
		log.Debug().
			Uint64("id", order.ID).
			Int("side", int(order.Side)).
			Msg("rejecting order")
		return fmt.Errorf("order %d: %w", order.ID, ErrInvalidSide)
	}

	engine.mu.Lock()
	defer engine.mu.Unlock()

	engine.book.insert(&order)
	return nil
}

// Match runs one match pass at now and returns the fills grouped by price. Price
// levels that produced no fill are absent, so a pass over a book without any
// shared price returns an empty map.
//
// Reporters are called after the book is released, in the order they were set,
// each with its own copy of the fills. Their errors are logged and do not affect
// the result.
func (engine *Engine) Match(now time.Time) Fills {
	engine.mu.Lock()
	fills := engine.book.match(now)
	reporters := engine.reporters
	engine.mu.Unlock()

	if len(fills) == 0 {
		return fills
	}

	log.Debug().
		Int("levels", len(fills)).
		Int("fills", fills.Len()).
		Uint64("volume", fills.Volume()).
		Msg("match pass")

	for _, reporter := range reporters {
		if err := reporter.ReportFills(now, fills.Clone()); err != nil {
			log.Error().Err(err).Msg("unable to report fills")
		}
	}
	return fills
}

// Sweep proactively removes every expired or fully filled order from the book and
// returns how many were removed. Matching never calls it; expiration is otherwise
// only checked on queue fronts during a match pass.
func (engine *Engine) Sweep(now time.Time) int {
	engine.mu.Lock()
	defer engine.mu.Unlock()

	return engine.book.sweep(now)
}

// Snapshot returns a point-in-time copy of the book.
func (engine *Engine) Snapshot() BookView {
	engine.mu.Lock()
	defer engine.mu.Unlock()

	return engine.book.view()
}
