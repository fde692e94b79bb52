package store

import (
	"time"

	"geocache/pkg/clock"
)

// Value is an opaque payload. Type is an optional caller-defined tag (a MIME type,
// a schema name, ...); the cache never interprets either field.
type Value struct {
	Data []byte `json:"data"`
	Type string `json:"type,omitempty"`
}

func (v Value) clone() Value {
	if v.Data == nil {
		return Value{Type: v.Type}
	}
	data := make([]byte, len(v.Data))
	copy(data, v.Data)
	return Value{Data: data, Type: v.Type}
}

// Entry is the current state of one key on this node.
// For tombstones ExpiresAt is the local purge deadline.
type Entry struct {
	Key       string
	Value     Value
	Version   clock.Version
	ExpiresAt time.Time
	Tombstone bool
}

// Expired reports whether the entry's deadline has passed at now.
func (e Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// Live reports whether a read at now would return the entry.
func (e Entry) Live(now time.Time) bool {
	return !e.Tombstone && !e.Expired(now)
}

func (e Entry) clone() Entry {
	e.Value = e.Value.clone()
	return e
}

// SetOptions tune a single write.
type SetOptions struct {
	// TTL <= 0 means no expiration.
	TTL time.Duration
	// Pin keeps the entry out of LRU eviction while unpinned entries remain.
	Pin bool
}

// Stats is a point-in-time view of the store counters.
type Stats struct {
	Entries     int
	Tombstones  int
	Hits        uint64
	Misses      uint64
	Evictions   uint64
	Expirations uint64
}
