package partitions

import (
	"errors"
	"fmt"
)

// ErrInvalidOrder is returned for unknown iteration orders
var ErrInvalidOrder = errors.New("invalid order")

// Order is the chronological direction transfers are attempted in
type Order int

const (
	// Ascending processes the oldest partition first
	Ascending Order = iota
	// Descending processes the most recent partition first
	Descending
)

// ParseOrder accepts "asc" or "desc"
func ParseOrder(s string) (Order, error) {
	switch s {
	case "asc", "ascending", "":
		return Ascending, nil
	case "desc", "descending":
		return Descending, nil
	default:
		return Ascending, fmt.Errorf("%w: %q (use asc or desc)", ErrInvalidOrder, s)
	}
}

func (o Order) String() string {
	if o == Descending {
		return "desc"
	}
	return "asc"
}
