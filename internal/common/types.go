package common

import (
	"errors"
	"strings"
)

var (
	ErrInvalidSide = errors.New("invalid order side")
)

type Side int

// Zero is not a side, so an unset Side is rejected at ingestion.
const (
	Buy Side = iota + 1
	Sell
)

func (s Side) Valid() bool {
	return s == Buy || s == Sell
}

func (s Side) String() string {
	switch s {
	case Buy:
		return "BUY"
	case Sell:
		return "SELL"
	}
	return "UNKNOWN"
}

// ParseSide accepts the case-insensitive names used on the command line.
func ParseSide(s string) (Side, error) {
	switch strings.ToLower(s) {
	case "buy":
		return Buy, nil
	case "sell":
		return Sell, nil
	}
	return 0, ErrInvalidSide
}
