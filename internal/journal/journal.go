// Package journal persists every reported fill to a pebble store. Only fills are
// kept; the book itself is never persisted.
package journal

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	. "hati/internal/common"

	"github.com/cockroachdb/pebble"
	"github.com/rs/zerolog/log"
)

var (
	ErrClosed = errors.New("journal closed")
)

var (
	fillPrefix = []byte("f:")
	seqKey     = []byte("m:seq")
)

// Entry is one journaled fill.
type Entry struct {
	Seq      uint64    `json:"seq"`
	At       time.Time `json:"at"`
	Price    int64     `json:"price"`
	Quantity uint64    `json:"quantity"`
	BuyID    uint64    `json:"buy_id"`
	SellID   uint64    `json:"sell_id"`
}

func (e Entry) Fill() Fill {
	return Fill{Quantity: e.Quantity, BuyID: e.BuyID, SellID: e.SellID, Price: e.Price}
}

type Journal struct {
	mu     sync.Mutex
	db     *pebble.DB
	seq    uint64
	closed bool
}

// Open opens (or creates) the journal at dir. opts may be nil.
func Open(dir string, opts *pebble.Options) (*Journal, error) {
	if opts == nil {
		opts = &pebble.Options{}
	}
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, fmt.Errorf("unable to open journal: %w", err)
	}

	j := &Journal{db: db}
	val, closer, err := db.Get(seqKey)
	switch {
	case err == nil:
		j.seq = binary.BigEndian.Uint64(val)
		closer.Close()
	case errors.Is(err, pebble.ErrNotFound):
	default:
		db.Close()
		return nil, fmt.Errorf("unable to read journal sequence: %w", err)
	}

	log.Info().Str("dir", dir).Uint64("seq", j.seq).Msg("journal opened")
	return j, nil
}

func fillKey(seq uint64) []byte {
	key := make([]byte, len(fillPrefix)+8)
	copy(key, fillPrefix)
	binary.BigEndian.PutUint64(key[len(fillPrefix):], seq)
	return key
}

// keyUpperBound returns the smallest key greater than every key with prefix.
func keyUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

// ReportFills appends the fills of one match pass in a single batch. Levels are
// written lowest price first, fills within a level in the order produced.
func (j *Journal) ReportFills(at time.Time, fills Fills) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return ErrClosed
	}

	prices := make([]int64, 0, len(fills))
	for price := range fills {
		prices = append(prices, price)
	}
	sort.Slice(prices, func(a, b int) bool { return prices[a] < prices[b] })

	batch := j.db.NewBatch()
	defer batch.Close()

	seq := j.seq
	for _, price := range prices {
		for _, f := range fills[price] {
			seq++
			data, err := json.Marshal(Entry{
				Seq:      seq,
				At:       at,
				Price:    price,
				Quantity: f.Quantity,
				BuyID:    f.BuyID,
				SellID:   f.SellID,
			})
			if err != nil {
				return fmt.Errorf("failed to marshal fill: %w", err)
			}
			if err := batch.Set(fillKey(seq), data, nil); err != nil {
				return fmt.Errorf("failed to stage fill: %w", err)
			}
		}
	}

	var raw [8]byte
	binary.BigEndian.PutUint64(raw[:], seq)
	if err := batch.Set(seqKey, raw[:], nil); err != nil {
		return fmt.Errorf("failed to stage sequence: %w", err)
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to commit fills: %w", err)
	}
	j.seq = seq
	return nil
}

// Seq is the sequence number of the last journaled fill.
func (j *Journal) Seq() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.seq
}

// Recent returns up to limit entries, newest first. A non-positive limit returns
// nothing.
func (j *Journal) Recent(limit int) ([]Entry, error) {
	if limit <= 0 {
		return nil, nil
	}
	var entries []Entry
	err := j.scan(func(iter *pebble.Iterator) bool {
		return iter.Last()
	}, func(iter *pebble.Iterator) bool {
		return iter.Prev()
	}, func(e Entry) bool {
		entries = append(entries, e)
		return len(entries) < limit
	})
	return entries, err
}

// Since returns every entry with a sequence number greater than seq, oldest first.
func (j *Journal) Since(seq uint64) ([]Entry, error) {
	var entries []Entry
	err := j.scan(func(iter *pebble.Iterator) bool {
		return iter.SeekGE(fillKey(seq + 1))
	}, func(iter *pebble.Iterator) bool {
		return iter.Next()
	}, func(e Entry) bool {
		entries = append(entries, e)
		return true
	})
	return entries, err
}

func (j *Journal) scan(
	first func(*pebble.Iterator) bool,
	next func(*pebble.Iterator) bool,
	visit func(Entry) bool,
) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return ErrClosed
	}

	iter, err := j.db.NewIter(&pebble.IterOptions{
		LowerBound: fillPrefix,
		UpperBound: keyUpperBound(fillPrefix),
	})
	if err != nil {
		return fmt.Errorf("failed to open iterator: %w", err)
	}
	defer iter.Close()

	for ok := first(iter); ok; ok = next(iter) {
		var e Entry
		if err := json.Unmarshal(iter.Value(), &e); err != nil {
			return fmt.Errorf("failed to unmarshal fill: %w", err)
		}
		if !visit(e) {
			break
		}
	}
	return iter.Error()
}

func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return nil
	}
	j.closed = true
	return j.db.Close()
}
