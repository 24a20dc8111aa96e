// Package driver runs the producer and operator activity against a book until it
// is told to stop, and joins both before returning.
package driver

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	. "hati/internal/common"
	"hati/internal/snapshot"
	"hati/internal/utils"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	tomb "gopkg.in/tomb.v2"
)

type Config struct {
	MatchInterval    time.Duration // Pause between operator ticks.
	SnapshotEvery    int           // Every n-th tick snapshots instead of matching, 0 never.
	ProducerMaxDelay time.Duration // Producer pauses a random [0, max) between orders.
	Iterations       int           // Ticks per loop, 0 runs until stopped.
	RunDuration      time.Duration // Wall time budget, 0 runs until stopped.
	SweepExpired     bool          // Proactively sweep expired orders after each match.
}

// Book is the part of the engine the driver works against.
type Book interface {
	PlaceOrder(order Order) error
	Match(now time.Time) Fills
	Sweep(now time.Time) int
}

// Source produces the orders the producer submits.
type Source interface {
	Next() Order
	Delay(upper time.Duration) time.Duration
}

type Recorder interface {
	Record() snapshot.Snapshot
}

type Stats struct {
	Placed    uint64 `json:"placed"`
	Rejected  uint64 `json:"rejected"`
	Passes    uint64 `json:"passes"`
	Fills     uint64 `json:"fills"`
	Volume    uint64 `json:"volume"`
	Snapshots uint64 `json:"snapshots"`
	Swept     uint64 `json:"swept"`
}

type Driver struct {
	id       string
	cfg      Config
	book     Book
	source   Source
	recorder Recorder
	clock    utils.Clock

	placed    atomic.Uint64
	rejected  atomic.Uint64
	passes    atomic.Uint64
	fills     atomic.Uint64
	volume    atomic.Uint64
	snapshots atomic.Uint64
	swept     atomic.Uint64
}

// New creates a driver. A nil source disables the producer, for when orders
// arrive from elsewhere. A nil recorder turns snapshot ticks into match ticks.
func New(cfg Config, book Book, source Source, recorder Recorder, clock utils.Clock) *Driver {
	if clock == nil {
		clock = utils.RealClock{}
	}
	return &Driver{
		id:       uuid.NewString(),
		cfg:      cfg,
		book:     book,
		source:   source,
		recorder: recorder,
		clock:    clock,
	}
}

func (d *Driver) ID() string { return d.id }

func (d *Driver) Stats() Stats {
	return Stats{
		Placed:    d.placed.Load(),
		Rejected:  d.rejected.Load(),
		Passes:    d.passes.Load(),
		Fills:     d.fills.Load(),
		Volume:    d.volume.Load(),
		Snapshots: d.snapshots.Load(),
		Swept:     d.swept.Load(),
	}
}

// Run blocks until the context is cancelled, the run duration elapses, or both
// loops have done their iterations. Both loops have returned by the time Run
// does, so nothing is left touching the book.
func (d *Driver) Run(ctx context.Context) error {
	t, _ := tomb.WithContext(ctx)

	var loops sync.WaitGroup
	start := func(loop func(t *tomb.Tomb) error) {
		loops.Add(1)
		t.Go(func() error {
			defer loops.Done()
			return loop(t)
		})
	}

	log.Info().
		Str("run", d.id).
		Dur("match interval", d.cfg.MatchInterval).
		Int("iterations", d.cfg.Iterations).
		Dur("duration", d.cfg.RunDuration).
		Bool("producer", d.source != nil).
		Msg("driver starting")

	// Loops are started from a tracked goroutine so the tomb cannot die before
	// all of them are registered.
	t.Go(func() error {
		if d.source != nil {
			start(d.produce)
		}
		start(d.operate)

		finished := make(chan struct{})
		go func() {
			loops.Wait()
			close(finished)
		}()

		var deadline <-chan time.Time
		if d.cfg.RunDuration > 0 {
			deadline = d.clock.After(d.cfg.RunDuration)
		}

		select {
		case <-t.Dying():
		case <-finished:
			t.Kill(nil)
		case <-deadline:
			log.Info().Str("run", d.id).Msg("run duration elapsed")
			t.Kill(nil)
		}
		return nil
	})

	err := t.Wait()
	stats := d.Stats()
	log.Info().
		Str("run", d.id).
		Uint64("placed", stats.Placed).
		Uint64("rejected", stats.Rejected).
		Uint64("passes", stats.Passes).
		Uint64("fills", stats.Fills).
		Uint64("volume", stats.Volume).
		Uint64("snapshots", stats.Snapshots).
		Msg("driver stopped")

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

func (d *Driver) more(i int) bool {
	return d.cfg.Iterations == 0 || i < d.cfg.Iterations
}

// produce submits synthesized orders at random intervals.
func (d *Driver) produce(t *tomb.Tomb) error {
	for i := 0; d.more(i); i++ {
		select {
		case <-t.Dying():
			return nil
		case <-d.clock.After(d.source.Delay(d.cfg.ProducerMaxDelay)):
		}

		order := d.source.Next()
		if err := d.book.PlaceOrder(order); err != nil {
			d.rejected.Add(1)
			log.Warn().Err(err).Uint64("id", order.ID).Msg("order rejected")
			continue
		}
		d.placed.Add(1)
	}
	return nil
}

// operate ticks every match interval and either records a snapshot or runs a
// match pass at the current time.
func (d *Driver) operate(t *tomb.Tomb) error {
	for i := 0; d.more(i); i++ {
		select {
		case <-t.Dying():
			return nil
		case <-d.clock.After(d.cfg.MatchInterval):
		}

		if d.recorder != nil && d.cfg.SnapshotEvery > 0 && i%d.cfg.SnapshotEvery == 0 {
			d.recorder.Record()
			d.snapshots.Add(1)
			continue
		}

		now := d.clock.Now()
		fills := d.book.Match(now)
		d.passes.Add(1)
		d.fills.Add(uint64(fills.Len()))
		d.volume.Add(fills.Volume())

		if d.cfg.SweepExpired {
			if n := d.book.Sweep(now); n > 0 {
				d.swept.Add(uint64(n))
				log.Debug().Int("removed", n).Msg("swept expired orders")
			}
		}
	}
	return nil
}
