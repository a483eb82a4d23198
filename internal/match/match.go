// Package match selects newly discovered listings from search results.
package match

import (
	"errors"
	"fmt"

	"github.com/kalambet/pricewatch/internal/marketplace"
)

// ErrInvalidBounds is returned by Bounds.Validate.
var ErrInvalidBounds = errors.New("invalid price bounds")

// Bounds is an inclusive price range. A nil side is unbounded.
type Bounds struct {
	Min *float64
	Max *float64
}

func (b Bounds) Validate() error {
	if b.Min != nil && *b.Min < 0 {
		return fmt.Errorf("%w: min %v is negative", ErrInvalidBounds, *b.Min)
	}
	if b.Max != nil && *b.Max < 0 {
		return fmt.Errorf("%w: max %v is negative", ErrInvalidBounds, *b.Max)
	}
	if b.Min != nil && b.Max != nil && *b.Min > *b.Max {
		return fmt.Errorf("%w: min %v exceeds max %v", ErrInvalidBounds, *b.Min, *b.Max)
	}
	return nil
}

// Contains reports whether price lies within the bounds.
func (b Bounds) Contains(price float64) bool {
	if b.Min != nil && price < *b.Min {
		return false
	}
	if b.Max != nil && price > *b.Max {
		return false
	}
	return true
}

// FindNew returns the candidates whose id is not in existing and whose price
// is within bounds, in input order. Each id is reported at most once.
func FindNew(existing map[string]struct{}, candidates []marketplace.Listing, bounds Bounds) []marketplace.Listing {
	seen := make(map[string]struct{}, len(candidates))
	var out []marketplace.Listing
	for _, c := range candidates {
		if c.ID == "" {
			continue
		}
		if _, ok := existing[c.ID]; ok {
			continue
		}
		if _, ok := seen[c.ID]; ok {
			continue
		}
		if !bounds.Contains(c.Price) {
			continue
		}
		seen[c.ID] = struct{}{}
		out = append(out, c)
	}
	return out
}
