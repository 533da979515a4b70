// Package payment implements the settlement peer of the engine: exact
// integer revenue splits and on-chain transaction verification.
package payment

import (
	"errors"
	"fmt"
)

// Share is one recipient's percentage of a split.
type Share struct {
	Recipient string `json:"recipient"`
	Percent   int64  `json:"percent"`
}

// Split is an ordered list of shares summing to 100 percent. The first
// share is the primary recipient and absorbs any floor-division remainder,
// so applied shares always sum to the input amount.
type Split []Share

// ErrBadSplit is returned when percentages do not form a valid split.
var ErrBadSplit = errors.New("invalid split")

// NewSplit validates and returns a split.
func NewSplit(shares ...Share) (Split, error) {
	if len(shares) == 0 {
		return nil, fmt.Errorf("%w: no shares", ErrBadSplit)
	}
	var total int64
	for _, share := range shares {
		if share.Percent <= 0 || share.Percent > 100 {
			return nil, fmt.Errorf("%w: percent %d out of range for %s",
				ErrBadSplit, share.Percent, share.Recipient)
		}
		total += share.Percent
	}
	if total != 100 {
		return nil, fmt.Errorf("%w: percents sum to %d, want 100", ErrBadSplit, total)
	}
	return Split(shares), nil
}

// Apply divides amount across the split using integer arithmetic only.
// Each share takes floor(amount * percent / 100); the remainder goes to
// the first share. Monetary amounts never touch floating point.
func (s Split) Apply(amount int64) ([]int64, error) {
	if amount < 0 {
		return nil, fmt.Errorf("amount must be non-negative, got %d", amount)
	}
	shares := make([]int64, len(s))
	var distributed int64
	for i, share := range s {
		shares[i] = amount * share.Percent / 100
		distributed += shares[i]
	}
	shares[0] += amount - distributed
	return shares, nil
}
