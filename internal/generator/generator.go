// Package generator synthesizes random order traffic for simulations.
package generator

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	. "hati/internal/common"
	"hati/internal/utils"
)

var (
	ErrInvalidConfig = errors.New("invalid generator config")
)

type Config struct {
	PriceStep   int64         // Prices are rounded to the nearest multiple of this.
	MaxPrice    int64         // Raw prices are drawn from [0, MaxPrice].
	MaxQuantity uint64        // Quantities are drawn from [0, MaxQuantity].
	MinTTL      time.Duration // TTLs are whole seconds in [MinTTL, MaxTTL].
	MaxTTL      time.Duration
}

func DefaultConfig() Config {
	return Config{
		PriceStep:   5,
		MaxPrice:    100,
		MaxQuantity: 100,
		MinTTL:      3 * time.Second,
		MaxTTL:      10 * time.Second,
	}
}

func (cfg Config) Validate() error {
	switch {
	case cfg.PriceStep <= 0:
		return fmt.Errorf("price step %d: %w", cfg.PriceStep, ErrInvalidConfig)
	case cfg.MaxPrice < 0:
		return fmt.Errorf("max price %d: %w", cfg.MaxPrice, ErrInvalidConfig)
	case cfg.MinTTL < 0 || cfg.MaxTTL < cfg.MinTTL:
		return fmt.Errorf("ttl range [%v, %v]: %w", cfg.MinTTL, cfg.MaxTTL, ErrInvalidConfig)
	}
	return nil
}

// Synthesizer produces orders with a random side, price, quantity and TTL. Safe
// for concurrent use.
type Synthesizer struct {
	cfg    Config
	clock  utils.Clock
	mu     sync.Mutex
	rng    *rand.Rand
	nextID atomic.Uint64
}

// New returns a synthesizer whose sequence of orders is fully determined by seed
// and the clock.
func New(cfg Config, clock utils.Clock, seed uint64) (*Synthesizer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Synthesizer{
		cfg:   cfg,
		clock: clock,
		rng:   rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}, nil
}

// Next creates the next order, stamped with the current time of the clock.
func (s *Synthesizer) Next() Order {
	s.mu.Lock()
	side := Buy
	if s.rng.IntN(2) == 1 {
		side = Sell
	}
	price := RoundToStep(s.rng.Int64N(s.cfg.MaxPrice+1), s.cfg.PriceStep)
	quantity := s.rng.Uint64N(s.cfg.MaxQuantity + 1)
	span := int64((s.cfg.MaxTTL - s.cfg.MinTTL) / time.Second)
	ttl := s.cfg.MinTTL + time.Duration(s.rng.Int64N(span+1))*time.Second
	s.mu.Unlock()

	return Order{
		ID:        s.nextID.Add(1),
		Side:      side,
		Price:     price,
		Quantity:  quantity,
		TTL:       ttl,
		Timestamp: s.clock.Now(),
	}
}

// Delay draws a pause in [0, upper) for producers pacing their submissions.
func (s *Synthesizer) Delay(upper time.Duration) time.Duration {
	if upper <= 0 {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Duration(s.rng.Int64N(int64(upper)))
}

// RoundToStep rounds a non-negative x to the nearest multiple of step, halves up.
func RoundToStep(x, step int64) int64 {
	return step * ((x + step/2) / step)
}
