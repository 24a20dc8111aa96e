package common

import "fmt"

// Fill records quantity exchanged between one buy and one sell order.
type Fill struct {
	Quantity uint64 `json:"quantity"`
	BuyID    uint64 `json:"buy_id"`
	SellID   uint64 `json:"sell_id"`
	Price    int64  `json:"price"`
}

func (f Fill) String() string {
	return fmt.Sprintf("%d @ %d (buy %d, sell %d)", f.Quantity, f.Price, f.BuyID, f.SellID)
}

// Fills groups the fills of one match pass by price level. Fills within a level
// keep the order they were produced in; identical fills are not collapsed.
type Fills map[int64][]Fill

// Len is the total number of fills across all levels.
func (fills Fills) Len() int {
	n := 0
	for _, level := range fills {
		n += len(level)
	}
	return n
}

// Volume is the total traded quantity across all levels.
func (fills Fills) Volume() uint64 {
	var volume uint64
	for _, level := range fills {
		for _, f := range level {
			volume += f.Quantity
		}
	}
	return volume
}

// Clone copies the fills so the copy can be changed without touching the original.
func (fills Fills) Clone() Fills {
	out := make(Fills, len(fills))
	for price, level := range fills {
		out[price] = append([]Fill(nil), level...)
	}
	return out
}
