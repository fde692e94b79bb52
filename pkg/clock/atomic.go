package clock

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"geocache/pkg/types"
)

// reservation size: the source is written once per block, not once per write
const defaultBlock = 1024

type iTimeProvider interface {
	Now() time.Time
}

type wallTime struct{}

func (wallTime) Now() time.Time { return time.Now() }

// AtomicClock hands out strictly increasing counters for one region.
type AtomicClock struct {
	counter atomic.Uint64

	region types.RegionID
	src    Source
	tp     iTimeProvider
	block  uint64

	mu       sync.Mutex
	reserved uint64
}

// New loads the starting counter from src. floor is the highest counter known to have been
// issued already (e.g. found in the replication journal); a source that starts below it
// has gone backwards and the clock refuses to start.
func New(region types.RegionID, src Source, floor uint64) (*AtomicClock, error) {
	if region == "" {
		return nil, fmt.Errorf("clock: empty region")
	}

	start, err := src.Load()
	if err != nil {
		return nil, fmt.Errorf("load counter: %w", err)
	}
	if start < floor {
		return nil, fmt.Errorf("%w: source starts at %d, counter %d already issued",
			ErrClockRegression, start, floor)
	}

	ac := &AtomicClock{
		region:   region,
		src:      src,
		tp:       wallTime{},
		block:    defaultBlock,
		reserved: start,
	}
	ac.counter.Store(start)

	return ac, nil
}

// WithTimeProvider replaces the wall clock used for version hints.
func (ac *AtomicClock) WithTimeProvider(tp iTimeProvider) *AtomicClock {
	ac.tp = tp
	return ac
}

func (ac *AtomicClock) Region() types.RegionID {
	return ac.region
}

// Val returns the last issued (or observed) counter.
func (ac *AtomicClock) Val() uint64 {
	return ac.counter.Load()
}

// Next stamps a fresh local version.
func (ac *AtomicClock) Next() (Version, error) {
	for {
		cur := ac.counter.Load()
		if cur == math.MaxUint64 {
			return Version{}, ErrCounterOverflow
		}
		if !ac.counter.CompareAndSwap(cur, cur+1) {
			continue
		}

		next := cur + 1
		if err := ac.reserve(next); err != nil {
			return Version{}, err
		}

		return Version{
			Region:   ac.region,
			Counter:  next,
			WallHint: ac.tp.Now().UnixNano(),
		}, nil
	}
}

// Observe moves the counter forward to at least c, so that local writes issued after
// a replicated one order after it.
func (ac *AtomicClock) Observe(c uint64) {
	for {
		cur := ac.counter.Load()
		if c <= cur || ac.counter.CompareAndSwap(cur, c) {
			return
		}
	}
}

func (ac *AtomicClock) reserve(c uint64) error {
	ac.mu.Lock()
	defer ac.mu.Unlock()

	if c <= ac.reserved {
		return nil
	}

	ceiling := c + ac.block
	if ceiling < c {
		ceiling = math.MaxUint64
	}
	if err := ac.src.Reserve(ceiling); err != nil {
		return fmt.Errorf("reserve counter block: %w", err)
	}
	ac.reserved = ceiling

	return nil
}
