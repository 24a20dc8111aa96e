package common

import (
	"fmt"
	"time"
)

type Order struct {
	ID        uint64        // Caller assigned identifier
	Side      Side          // Order side
	Price     int64         // Price level, in integer units
	Quantity  uint64        // Remaining quantity
	TTL       time.Duration // Time to live, measured from Timestamp
	Timestamp time.Time     // Time the order was created
}

// Expired reports whether the order has outlived its TTL at now. An order whose
// age equals its TTL is still live.
func (order *Order) Expired(now time.Time) bool {
	return now.Sub(order.Timestamp) > order.TTL
}

// Done reports whether the order has nothing left to trade.
func (order *Order) Done() bool {
	return order.Quantity == 0
}

func (order Order) String() string {
	return fmt.Sprintf(
		`ID:        %d
Side:      %v
Price:     %d
Quantity:  %d
TTL:       %v
Timestamp: %v`,
		order.ID,
		order.Side,
		order.Price,
		order.Quantity,
		order.TTL,
		order.Timestamp.Format(time.RFC3339), // Formatted for readability
	)
}
