// Package snapshot keeps a bounded history of book views for visualization.
package snapshot

import (
	"sync"
	"time"

	"hati/internal/engine"
	"hati/internal/utils"

	"github.com/rs/zerolog/log"
)

const DefaultCapacity = 1024

// Source is anything able to hand out a point-in-time book view.
type Source interface {
	Snapshot() engine.BookView
}

type Snapshot struct {
	Seq   uint64          `json:"seq"`
	Taken time.Time       `json:"taken"`
	View  engine.BookView `json:"view"`
}

// Point places one resting order on a time/price plot.
type Point struct {
	Time  time.Time `json:"time"`
	Price int64     `json:"price"`
}

// Series is the plot data of one snapshot: where every resting buy and sell
// order sits in time and price.
type Series struct {
	Seq   uint64    `json:"seq"`
	Taken time.Time `json:"taken"`
	Buys  []Point   `json:"buys"`
	Sells []Point   `json:"sells"`
}

type Summary struct {
	Recorded uint64          `json:"recorded"`
	Retained int             `json:"retained"`
	Last     engine.BookView `json:"last"`
	Taken    time.Time       `json:"taken"`
}

// Recorder takes snapshots from a source and retains the most recent ones.
type Recorder struct {
	source   Source
	clock    utils.Clock
	capacity int

	mu      sync.RWMutex
	seq     uint64
	history []Snapshot
}

func NewRecorder(source Source, clock utils.Clock, capacity int) *Recorder {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Recorder{
		source:   source,
		clock:    clock,
		capacity: capacity,
	}
}

// Record takes a snapshot of the source and appends it to the history, dropping
// the oldest entry when the history is full.
func (r *Recorder) Record() Snapshot {
	view := r.source.Snapshot()
	taken := r.clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	r.seq++
	snap := Snapshot{Seq: r.seq, Taken: taken, View: view}
	if len(r.history) == r.capacity {
		copy(r.history, r.history[1:])
		r.history = r.history[:len(r.history)-1]
	}
	r.history = append(r.history, snap)

	log.Debug().
		Uint64("seq", snap.Seq).
		Uint64("bids", view.Buy.Orders).
		Uint64("asks", view.Sell.Orders).
		Msg("snapshot recorded")
	return snap
}

// All returns the retained snapshots, oldest first.
func (r *Recorder) All() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Snapshot, len(r.history))
	copy(out, r.history)
	return out
}

func (r *Recorder) Latest() (Snapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.history) == 0 {
		return Snapshot{}, false
	}
	return r.history[len(r.history)-1], true
}

// Series converts the retained snapshots into plot data, oldest first.
func (r *Recorder) Series() []Series {
	snaps := r.All()
	out := make([]Series, len(snaps))
	for i, snap := range snaps {
		out[i] = Series{
			Seq:   snap.Seq,
			Taken: snap.Taken,
			Buys:  points(snap.View.Bids),
			Sells: points(snap.View.Asks),
		}
	}
	return out
}

func (r *Recorder) Summary() Summary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	summary := Summary{
		Recorded: r.seq,
		Retained: len(r.history),
	}
	if n := len(r.history); n > 0 {
		summary.Last = r.history[n-1].View
		summary.Taken = r.history[n-1].Taken
	}
	return summary
}

func points(levels []engine.FlatPriceLevel) []Point {
	var out []Point
	for _, level := range levels {
		for _, order := range level.Orders {
			out = append(out, Point{Time: order.Timestamp, Price: order.Price})
		}
	}
	return out
}
