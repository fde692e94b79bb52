package clock

import (
	"fmt"
	"strings"

	"geocache/pkg/types"
)

// Version is the logical timestamp of a single mutation.
// WallHint is carried for observability only and never takes part in ordering.
type Version struct {
	Region   types.RegionID `json:"region"`
	Counter  types.Counter  `json:"counter"`
	WallHint int64          `json:"wall_hint,omitempty"`
}

func (v Version) IsZero() bool {
	return v.Counter == 0 && v.Region == ""
}

func (v Version) String() string {
	return fmt.Sprintf("%s@%d", v.Region, v.Counter)
}

// Compare orders two versions of the same key: the greater counter wins, equal counters
// are broken by the lexicographically higher region.
func Compare(a, b Version) int {
	switch {
	case a.Counter > b.Counter:
		return 1
	case a.Counter < b.Counter:
		return -1
	}
	return strings.Compare(a.Region, b.Region)
}

// Wins reports whether candidate should replace current under Last-Writer-Wins.
// Equal versions never replace each other, which makes re-delivery a no-op.
func Wins(candidate, current Version) bool {
	return Compare(candidate, current) > 0
}
