package replog

import (
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"geocache/pkg/clock"
	"geocache/pkg/store"
	"geocache/pkg/wal"

	"github.com/google/uuid"
	"github.com/zhangyunhao116/skipmap"
)

const defaultRewriteEvery = 4096

// Record is an immutable, ordered mutation of the local region.
type Record struct {
	Seq   uint64
	Entry store.Entry
}

type iJournal interface {
	Incarnation() uuid.UUID
	Append(e wal.Entry) error
	Replay(start uint64, callback func(wal.Entry) error) error
	Rewrite(entries []wal.Entry) error
	Close() error
}

type Config struct {
	// Journal is optional; without it the log lives in memory only.
	Journal iJournal
	// RewriteEvery compacts the journal after this many records were truncated.
	RewriteEvery int
}

// Log is the replication log of one node. Sequence numbers are contiguous between
// First and Last; records are dropped once every attached peer acknowledged them.
type Log struct {
	mu sync.Mutex

	records     *skipmap.OrderedMap[uint64, Record]
	first       uint64
	last        uint64
	journal     iJournal
	incarnation uuid.UUID

	acks map[string]uint64

	rewriteEvery int
	dropped      int
	maxCounter   uint64

	subsMu sync.Mutex
	subs   map[chan struct{}]struct{}
}

// Open builds the log, replaying the journal if there is one.
func Open(cfg Config) (*Log, error) {
	if cfg.RewriteEvery <= 0 {
		cfg.RewriteEvery = defaultRewriteEvery
	}

	l := &Log{
		records:      skipmap.New[uint64, Record](),
		first:        1,
		journal:      cfg.Journal,
		incarnation:  uuid.New(),
		acks:         make(map[string]uint64),
		rewriteEvery: cfg.RewriteEvery,
		subs:         make(map[chan struct{}]struct{}),
	}

	if l.journal == nil {
		return l, nil
	}

	l.incarnation = l.journal.Incarnation()
	restored := 0
	err := l.journal.Replay(0, func(e wal.Entry) error {
		rec := fromWAL(e)
		if restored == 0 {
			l.first = rec.Seq
		} else if rec.Seq != l.last+1 {
			return fmt.Errorf("journal gap: %d after %d", rec.Seq, l.last)
		}
		l.records.Store(rec.Seq, rec)
		l.last = rec.Seq
		if rec.Entry.Version.Counter > l.maxCounter {
			l.maxCounter = rec.Entry.Version.Counter
		}
		restored++
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("replay journal: %w", err)
	}
	if restored == 0 {
		l.first = 1
	}

	slog.Info("replication log restored", "records", restored, "first", l.first, "last", l.last,
		"incarnation", l.incarnation)

	return l, nil
}

// Incarnation identifies the sequence space of this log.
func (l *Log) Incarnation() uuid.UUID {
	return l.incarnation
}

// MaxCounter is the highest clock counter found in the restored journal.
func (l *Log) MaxCounter() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.maxCounter
}

// Append assigns the next sequence number to entry. With a journal the record is on disk
// before Append returns.
func (l *Log) Append(entry store.Entry) (Record, error) {
	l.mu.Lock()

	if l.last == math.MaxUint64 {
		l.mu.Unlock()
		return Record{}, fmt.Errorf("replication log: sequence overflow")
	}

	rec := Record{Seq: l.last + 1, Entry: entry}
	if l.journal != nil {
		if err := l.journal.Append(toWAL(rec)); err != nil {
			l.mu.Unlock()
			return Record{}, fmt.Errorf("journal append: %w", err)
		}
	}
	l.records.Store(rec.Seq, rec)
	l.last = rec.Seq
	if entry.Version.Counter > l.maxCounter {
		l.maxCounter = entry.Version.Counter
	}
	l.mu.Unlock()

	l.notify()

	return rec, nil
}

// Range returns up to limit records starting at from, in sequence order.
func (l *Log) Range(from uint64, limit int) []Record {
	l.mu.Lock()
	first, last := l.first, l.last
	l.mu.Unlock()

	if from < first {
		from = first
	}
	if limit <= 0 || from > last {
		return nil
	}

	out := make([]Record, 0, min(uint64(limit), last-from+1))
	for seq := from; seq <= last && len(out) < limit; seq++ {
		rec, ok := l.records.Load(seq)
		if !ok {
			// truncated under our feet
			continue
		}
		out = append(out, rec)
	}

	return out
}

// First is the lowest retained sequence number; First > Last means the log is empty.
func (l *Log) First() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.first
}

func (l *Log) Last() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.last
}

func (l *Log) Len() int {
	return l.records.Len()
}

// Attach makes peer hold back truncation until it acknowledges records.
func (l *Log) Attach(peer string, acked uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cur, ok := l.acks[peer]; ok && cur >= acked {
		return
	}
	l.acks[peer] = acked
}

// Detach stops peer from holding back truncation.
func (l *Log) Detach(peer string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.acks, peer)
}

// Ack records the cumulative acknowledgement of peer. Acks never move backwards.
func (l *Log) Ack(peer string, seq uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cur, ok := l.acks[peer]
	if !ok || seq <= cur {
		return
	}
	if seq > l.last {
		seq = l.last
	}
	l.acks[peer] = seq
}

func (l *Log) Acked(peer string) (uint64, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	seq, ok := l.acks[peer]
	return seq, ok
}

// Laggards returns attached peers more than maxRecords records behind, slowest first.
func (l *Log) Laggards(maxRecords int) []string {
	if maxRecords <= 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	var out []string
	for peer, acked := range l.acks {
		if l.last-acked > uint64(maxRecords) {
			out = append(out, peer)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if l.acks[out[i]] != l.acks[out[j]] {
			return l.acks[out[i]] < l.acks[out[j]]
		}
		return out[i] < out[j]
	})

	return out
}

// Truncate drops every record acknowledged by all attached peers and returns how many
// records it dropped.
func (l *Log) Truncate() (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	upTo := l.last
	for _, acked := range l.acks {
		if acked < upTo {
			upTo = acked
		}
	}

	removed := 0
	for seq := l.first; seq <= upTo; seq++ {
		l.records.Delete(seq)
		removed++
	}
	if upTo >= l.first {
		l.first = upTo + 1
	}
	if removed == 0 {
		return 0, nil
	}

	l.dropped += removed
	if l.journal == nil || l.dropped < l.rewriteEvery {
		return removed, nil
	}

	remaining := make([]wal.Entry, 0, l.records.Len())
	l.records.Range(func(_ uint64, rec Record) bool {
		remaining = append(remaining, toWAL(rec))
		return true
	})
	if err := l.journal.Rewrite(remaining); err != nil {
		return removed, fmt.Errorf("compact journal: %w", err)
	}
	l.dropped = 0

	return removed, nil
}

// Subscribe returns a channel that receives a signal after appends. Signals coalesce.
func (l *Log) Subscribe() chan struct{} {
	ch := make(chan struct{}, 1)
	l.subsMu.Lock()
	l.subs[ch] = struct{}{}
	l.subsMu.Unlock()
	return ch
}

func (l *Log) Unsubscribe(ch chan struct{}) {
	l.subsMu.Lock()
	delete(l.subs, ch)
	l.subsMu.Unlock()
}

func (l *Log) Close() error {
	if l.journal == nil {
		return nil
	}
	return l.journal.Close()
}

func (l *Log) notify() {
	l.subsMu.Lock()
	defer l.subsMu.Unlock()
	for ch := range l.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func toWAL(rec Record) wal.Entry {
	e := rec.Entry
	out := wal.Entry{
		SeqNum:   rec.Seq,
		Counter:  e.Version.Counter,
		WallHint: e.Version.WallHint,
		Region:   []byte(e.Version.Region),
		Key:      []byte(e.Key),
		Type:     []byte(e.Value.Type),
		Value:    e.Value.Data,
	}
	if !e.ExpiresAt.IsZero() && !e.Tombstone {
		out.ExpiresAt = e.ExpiresAt.UnixNano()
	}
	out.SetTombstone(e.Tombstone)
	return out
}

func fromWAL(e wal.Entry) Record {
	entry := store.Entry{
		Key: string(e.Key),
		Version: clock.Version{
			Region:   string(e.Region),
			Counter:  e.Counter,
			WallHint: e.WallHint,
		},
		Tombstone: e.Tombstone(),
	}
	if !entry.Tombstone {
		entry.Value = store.Value{Data: e.Value, Type: string(e.Type)}
	}
	if e.ExpiresAt != 0 {
		entry.ExpiresAt = time.Unix(0, e.ExpiresAt)
	}
	return Record{Seq: e.SeqNum, Entry: entry}
}
