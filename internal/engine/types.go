package engine

import (
	"time"

	. "hati/internal/common"
)

// Reporter receives the fills of every match pass that produced at least one.
type Reporter interface {
	ReportFills(at time.Time, fills Fills) error
}

// ReporterFunc adapts a function to the Reporter interface.
type ReporterFunc func(at time.Time, fills Fills) error

func (f ReporterFunc) ReportFills(at time.Time, fills Fills) error {
	return f(at, fills)
}

// SideStats is the book keeping of one side of the book.
type SideStats struct {
	Orders   uint64 `json:"orders"`   // Resting orders, expired ones included.
	Quantity uint64 `json:"quantity"` // Sum of remaining quantities.
}

// FlatPriceLevel is a copied, read-only view of one price level.
type FlatPriceLevel struct {
	PriceLevel int64   `json:"price"`
	Orders     []Order `json:"orders"`
}

// BookView is a point-in-time copy of the resting orders on both sides. Bids are
// sorted highest first, asks lowest first.
type BookView struct {
	Bids []FlatPriceLevel `json:"bids"`
	Asks []FlatPriceLevel `json:"asks"`
	Buy  SideStats        `json:"buy"`
	Sell SideStats        `json:"sell"`
}
