package store

import (
	"strings"
	"time"

	"github.com/zhangyunhao116/skipmap"
)

type deadline struct {
	at  int64
	key string
}

// expiryIndex orders keys by deadline so sweeps and eviction never scan the whole keyspace.
type expiryIndex struct {
	set *skipmap.FuncMap[deadline, struct{}]
}

func newExpiryIndex() *expiryIndex {
	return &expiryIndex{
		set: skipmap.NewFunc[deadline, struct{}](func(a, b deadline) bool {
			if a.at != b.at {
				return a.at < b.at
			}
			return strings.Compare(a.key, b.key) < 0
		}),
	}
}

func (x *expiryIndex) add(key string, at time.Time) {
	if at.IsZero() {
		return
	}
	x.set.Store(deadline{at: at.UnixNano(), key: key}, struct{}{})
}

func (x *expiryIndex) remove(key string, at time.Time) {
	if at.IsZero() {
		return
	}
	x.set.Delete(deadline{at: at.UnixNano(), key: key})
}

// due returns up to limit keys whose deadline is not after now, earliest first.
// limit <= 0 means no limit.
func (x *expiryIndex) due(now time.Time, limit int) []string {
	var (
		keys []string
		ts   = now.UnixNano()
	)
	x.set.Range(func(d deadline, _ struct{}) bool {
		if d.at > ts {
			return false
		}
		keys = append(keys, d.key)
		return limit <= 0 || len(keys) < limit
	})
	return keys
}

func (x *expiryIndex) len() int {
	return x.set.Len()
}
