package store

import (
	"fmt"
	"sync"
	"time"

	"geocache/pkg/clock"
)

const defaultTombstoneGrace = 5 * time.Minute

type iTimeProvider interface {
	Now() time.Time
}

type iClock interface {
	Next() (clock.Version, error)
	Observe(counter uint64)
}

type wallTime struct{}

func (wallTime) Now() time.Time { return time.Now() }

type Config struct {
	Capacity int
	// TombstoneGrace is how long a delete marker is kept so it can beat late writes.
	TombstoneGrace time.Duration
}

// Store is the bounded LRU+TTL keyspace of one node.
// A single mutex guards the map, the recency list and the expiration index together.
type Store struct {
	mu sync.Mutex

	capacity int
	grace    time.Duration
	tp       iTimeProvider
	clock    iClock
	commit   func(Entry) error

	items  map[string]*item
	lru    lruList
	expiry *expiryIndex

	tombstones  int
	hits        uint64
	misses      uint64
	evictions   uint64
	expirations uint64
}

func New(cfg Config, clk iClock, tp iTimeProvider) (*Store, error) {
	if cfg.Capacity <= 0 {
		return nil, ErrInvalidCapacity
	}
	if clk == nil {
		return nil, fmt.Errorf("store: nil clock")
	}
	if cfg.TombstoneGrace <= 0 {
		cfg.TombstoneGrace = defaultTombstoneGrace
	}
	if tp == nil {
		tp = wallTime{}
	}

	return &Store{
		capacity: cfg.Capacity,
		grace:    cfg.TombstoneGrace,
		tp:       tp,
		clock:    clk,
		items:    make(map[string]*item, cfg.Capacity),
		expiry:   newExpiryIndex(),
	}, nil
}

// WithCommit runs fn for every local mutation after it is versioned and before it becomes
// visible. A failing fn aborts the mutation and leaves the key as it was.
func (s *Store) WithCommit(fn func(Entry) error) *Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commit = fn
	return s
}

// Get returns the value of a live key and promotes it to most recently used.
// Expired entries found here are removed on the spot.
func (s *Store) Get(key string) (Value, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.items[key]
	if !ok || it.entry.Tombstone {
		s.misses++
		return Value{}, false
	}

	if it.entry.Expired(s.tp.Now()) {
		s.removeLocked(it)
		s.expirations++
		s.misses++
		return Value{}, false
	}

	s.lru.moveToHead(it)
	s.hits++

	return it.entry.Value.clone(), true
}

// Lookup returns the full entry for key, tombstones included, without touching recency.
func (s *Store) Lookup(key string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.items[key]
	if !ok {
		return Entry{}, false
	}
	return it.entry.clone(), true
}

func (s *Store) Set(key string, val Value, ttl time.Duration) (Entry, error) {
	return s.SetWithOptions(key, val, SetOptions{TTL: ttl})
}

// SetWithOptions creates or overwrites key under a fresh local version.
func (s *Store) SetWithOptions(key string, val Value, opts SetOptions) (Entry, error) {
	if key == "" {
		return Entry{}, ErrEmptyKey
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ver, err := s.clock.Next()
	if err != nil {
		return Entry{}, fmt.Errorf("stamp version: %w", err)
	}

	now := s.tp.Now()
	entry := Entry{
		Key:     key,
		Value:   val.clone(),
		Version: ver,
	}
	if opts.TTL > 0 {
		entry.ExpiresAt = now.Add(opts.TTL)
	}
	if err := s.commitLocked(entry); err != nil {
		return Entry{}, err
	}

	it := s.installLocked(entry, now)
	it.pinned = opts.Pin

	return entry.clone(), nil
}

// Delete writes a tombstone. The key need not exist: the marker still has to win against
// older writes that may arrive from other regions.
func (s *Store) Delete(key string) (Entry, error) {
	if key == "" {
		return Entry{}, ErrEmptyKey
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ver, err := s.clock.Next()
	if err != nil {
		return Entry{}, fmt.Errorf("stamp version: %w", err)
	}

	now := s.tp.Now()
	entry := Entry{
		Key:       key,
		Version:   ver,
		Tombstone: true,
		ExpiresAt: now.Add(s.grace),
	}
	if err := s.commitLocked(entry); err != nil {
		return Entry{}, err
	}
	s.installLocked(entry, now).pinned = false

	return entry, nil
}

// Expire moves the deadline of a live key; ttl <= 0 removes it. The change is a new
// version so it replicates like any other write.
func (s *Store) Expire(key string, ttl time.Duration) (Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.tp.Now()
	it, ok := s.items[key]
	if !ok || !it.entry.Live(now) {
		return Entry{}, false, nil
	}

	ver, err := s.clock.Next()
	if err != nil {
		return Entry{}, false, fmt.Errorf("stamp version: %w", err)
	}

	entry := it.entry
	entry.Version = ver
	entry.ExpiresAt = time.Time{}
	if ttl > 0 {
		entry.ExpiresAt = now.Add(ttl)
	}
	if err := s.commitLocked(entry); err != nil {
		return Entry{}, false, err
	}
	s.installLocked(entry, now)

	return entry.clone(), true, nil
}

// ApplyReplicated installs a version received from another region if it wins against
// the local one. It never stamps a new version.
func (s *Store) ApplyReplicated(entry Entry) bool {
	if entry.Key == "" {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.clock.Observe(entry.Version.Counter)

	if cur, ok := s.items[entry.Key]; ok && !clock.Wins(entry.Version, cur.entry.Version) {
		return false
	}

	now := s.tp.Now()
	entry = entry.clone()
	switch {
	case entry.Tombstone:
		entry.Value = Value{}
		entry.ExpiresAt = now.Add(s.grace)
	case entry.Expired(now):
		// keep the version around so older writes still lose
		entry.Tombstone = true
		entry.Value = Value{}
		entry.ExpiresAt = now.Add(s.grace)
	}
	// pins are local to the region that set them
	s.installLocked(entry, now).pinned = false

	return true
}

// Sweep removes every entry whose deadline has passed and returns how many it removed.
func (s *Store) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.tp.Now()
	removed := 0
	for _, key := range s.expiry.due(now, 0) {
		it, ok := s.items[key]
		if !ok || !it.entry.Expired(now) {
			continue
		}
		s.removeLocked(it)
		s.expirations++
		removed++
	}

	return removed
}

// Snapshot copies every entry a peer needs to rebuild this node's state, least recently
// used first. Expired live entries are skipped; tombstones are kept.
func (s *Store) Snapshot() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.tp.Now()
	out := make([]Entry, 0, len(s.items))
	for it := s.lru.tail; it != nil; it = it.prev {
		if !it.entry.Tombstone && it.entry.Expired(now) {
			continue
		}
		out = append(out, it.entry.clone())
	}

	return out
}

// Len returns the number of stored entries, tombstones included.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

func (s *Store) Capacity() int {
	return s.capacity
}

func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Stats{
		Entries:     len(s.items),
		Tombstones:  s.tombstones,
		Hits:        s.hits,
		Misses:      s.misses,
		Evictions:   s.evictions,
		Expirations: s.expirations,
	}
}

func (s *Store) commitLocked(entry Entry) error {
	if s.commit == nil {
		return nil
	}
	return s.commit(entry.clone())
}

func (s *Store) installLocked(entry Entry, now time.Time) *item {
	if it, ok := s.items[entry.Key]; ok {
		s.expiry.remove(entry.Key, it.entry.ExpiresAt)
		if it.entry.Tombstone {
			s.tombstones--
		}
		it.entry = entry
		s.trackLocked(it)
		s.lru.moveToHead(it)
		return it
	}

	for len(s.items) >= s.capacity {
		s.evictLocked(now)
	}

	it := &item{entry: entry}
	s.items[entry.Key] = it
	s.trackLocked(it)
	s.lru.addToHead(it)

	return it
}

func (s *Store) trackLocked(it *item) {
	s.expiry.add(it.entry.Key, it.entry.ExpiresAt)
	if it.entry.Tombstone {
		s.tombstones++
	}
}

// evictLocked frees one slot: an already expired entry if there is one, otherwise the
// least recently used entry.
func (s *Store) evictLocked(now time.Time) {
	if due := s.expiry.due(now, 1); len(due) == 1 {
		if it, ok := s.items[due[0]]; ok {
			s.removeLocked(it)
			s.expirations++
			return
		}
	}

	if it := s.lru.victim(); it != nil {
		s.removeLocked(it)
		s.evictions++
	}
}

func (s *Store) removeLocked(it *item) {
	s.expiry.remove(it.entry.Key, it.entry.ExpiresAt)
	if it.entry.Tombstone {
		s.tombstones--
	}
	s.lru.unlink(it)
	delete(s.items, it.entry.Key)
}
