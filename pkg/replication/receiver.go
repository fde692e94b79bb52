package replication

import (
	"fmt"
	"log/slog"
	"sync"

	"geocache/pkg/store"

	"github.com/google/uuid"
)

type iApplier interface {
	ApplyReplicated(entry store.Entry) bool
}

type iFailureReporter interface {
	RecordFailure(region string, reason error)
}

// ReceiveStats describes what happened to the records of one batch.
type ReceiveStats struct {
	Applied    int
	Superseded int
	Duplicates int
	Rejected   int
}

type iReceiveObserver interface {
	BatchReceived(origin string, stats ReceiveStats, snapshot bool)
	ResyncRequested(origin string)
}

type stream struct {
	incarnation uuid.UUID
	lastSeq     uint64
}

// Receiver applies batches from peer regions and tracks, per origin, the highest
// contiguous sequence number it processed.
type Receiver struct {
	self     string
	applier  iApplier
	reporter iFailureReporter
	observer iReceiveObserver

	mu      sync.Mutex
	streams map[string]stream
}

func NewReceiver(self string, applier iApplier, reporter iFailureReporter) *Receiver {
	return &Receiver{
		self:     self,
		applier:  applier,
		reporter: reporter,
		observer: noopObserver{},
		streams:  make(map[string]stream),
	}
}

func (r *Receiver) WithObserver(o iReceiveObserver) *Receiver {
	if o != nil {
		r.observer = o
	}
	return r
}

// SetReporter swaps the failure reporter after a membership change.
func (r *Receiver) SetReporter(reporter iFailureReporter) {
	r.mu.Lock()
	r.reporter = reporter
	r.mu.Unlock()
}

// Cursor returns the last processed sequence number of origin.
func (r *Receiver) Cursor(origin string) (uuid.UUID, uint64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.streams[origin]
	return st.incarnation, st.lastSeq, ok
}

// Apply processes one batch. Malformed records are dropped and still count as processed
// so one bad record cannot stall the stream.
func (r *Receiver) Apply(b Batch) (Ack, error) {
	if b.Origin == "" {
		return Ack{}, fmt.Errorf("%w: missing origin", ErrInvalidBatch)
	}
	if b.Origin == r.self {
		return Ack{}, fmt.Errorf("%w: batch from own region %s", ErrInvalidBatch, b.Origin)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var (
		ack   Ack
		stats ReceiveStats
	)
	if b.Snapshot {
		ack, stats = r.applySnapshotLocked(b)
	} else {
		ack, stats = r.applyStreamLocked(b)
	}

	if ack.Resync {
		slog.Info("requesting resync", "origin", b.Origin, "incarnation", b.Incarnation, "acked", ack.Seq)
		r.observer.ResyncRequested(b.Origin)
	}
	r.observer.BatchReceived(b.Origin, stats, b.Snapshot)

	if stats.Rejected > 0 {
		ack.Rejected = stats.Rejected
		if r.reporter != nil {
			r.reporter.RecordFailure(b.Origin, fmt.Errorf("%w: %d malformed records", ErrInvalidRecord, stats.Rejected))
		}
	}

	return ack, nil
}

func (r *Receiver) applySnapshotLocked(b Batch) (Ack, ReceiveStats) {
	var stats ReceiveStats
	for _, rec := range b.Records {
		r.applyRecordLocked(b, rec, &stats)
	}

	r.streams[b.Origin] = stream{incarnation: b.Incarnation, lastSeq: b.BaseSeq}
	slog.Info("snapshot applied", "origin", b.Origin, "records", len(b.Records), "applied", stats.Applied,
		"base_seq", b.BaseSeq)

	return Ack{Seq: b.BaseSeq}, stats
}

func (r *Receiver) applyStreamLocked(b Batch) (Ack, ReceiveStats) {
	var stats ReceiveStats

	st, ok := r.streams[b.Origin]
	if !ok || st.incarnation != b.Incarnation {
		if len(b.Records) == 0 {
			return Ack{}, stats
		}
		if b.Records[0].Seq != 1 {
			// joined mid-stream: only a snapshot can fill what we missed
			return Ack{Resync: true}, stats
		}
		st = stream{incarnation: b.Incarnation}
	}

	for _, rec := range b.Records {
		if rec.Seq != 0 && rec.Seq <= st.lastSeq {
			stats.Duplicates++
			continue
		}
		if rec.Seq != st.lastSeq+1 {
			if rec.Seq == 0 {
				// without a sequence number the record cannot be placed in the stream
				r.rejectLocked(b.Origin, rec, fmt.Errorf("%w: key %q has no sequence number", ErrInvalidRecord, rec.Key), &stats)
				continue
			}
			r.streams[b.Origin] = st
			return Ack{Seq: st.lastSeq, Resync: true}, stats
		}

		r.applyRecordLocked(b, rec, &stats)
		st.lastSeq = rec.Seq
	}

	r.streams[b.Origin] = st
	return Ack{Seq: st.lastSeq}, stats
}

func (r *Receiver) applyRecordLocked(b Batch, rec WireRecord, stats *ReceiveStats) {
	if err := rec.Validate(b.Origin, b.Snapshot); err != nil {
		r.rejectLocked(b.Origin, rec, err, stats)
		return
	}
	if r.applier.ApplyReplicated(rec.Entry()) {
		stats.Applied++
	} else {
		stats.Superseded++
	}
}

func (r *Receiver) rejectLocked(origin string, rec WireRecord, err error, stats *ReceiveStats) {
	stats.Rejected++
	slog.Warn("dropping malformed replication record", "origin", origin, "seq", rec.Seq, "error", err)
}

type noopObserver struct{}

func (noopObserver) BatchReceived(string, ReceiveStats, bool) {}
func (noopObserver) ResyncRequested(string)                   {}
func (noopObserver) BatchSent(string, int, bool)              {}
func (noopObserver) SendFailed(string)                        {}
