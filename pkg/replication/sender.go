package replication

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"geocache/pkg/membership"
	"geocache/pkg/replog"
	"geocache/pkg/store"

	"github.com/google/uuid"
)

const (
	defaultBatchSize     = 256
	defaultSendTimeout   = 5 * time.Second
	defaultRetryInterval = 500 * time.Millisecond
)

type iLog interface {
	Incarnation() uuid.UUID
	Range(from uint64, limit int) []replog.Record
	First() uint64
	Last() uint64
	Attach(peer string, acked uint64)
	Ack(peer string, seq uint64)
	Acked(peer string) (uint64, bool)
	Subscribe() chan struct{}
	Unsubscribe(ch chan struct{})
}

type iSnapshotter interface {
	Snapshot() []store.Entry
}

type iPeerHealth interface {
	CanSend(region string) bool
	RecordSuccess(region string)
	RecordFailure(region string, reason error)
	SetAcked(region string, seq uint64)
	SetDetached(region string, detached bool)
}

type iSendObserver interface {
	BatchSent(peer string, records int, snapshot bool)
	SendFailed(peer string)
}

type SenderConfig struct {
	// Origin is the region of the sending node.
	Origin        string
	BatchSize     int
	SendTimeout   time.Duration
	RetryInterval time.Duration
}

func (c SenderConfig) withDefaults() SenderConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = defaultSendTimeout
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = defaultRetryInterval
	}
	return c
}

// Sender streams the local replication log to one peer. It keeps at most one request in
// flight and resumes from the peer's last acknowledgement.
type Sender struct {
	cfg       SenderConfig
	peer      membership.PeerConfig
	log       iLog
	snapshots iSnapshotter
	health    iPeerHealth
	transport Transport
	observer  iSendObserver

	wake chan struct{}
}

func NewSender(
	cfg SenderConfig,
	peer membership.PeerConfig,
	log iLog,
	snapshots iSnapshotter,
	health iPeerHealth,
	transport Transport,
) *Sender {
	return &Sender{
		cfg:       cfg.withDefaults(),
		peer:      peer,
		log:       log,
		snapshots: snapshots,
		health:    health,
		transport: transport,
		observer:  noopObserver{},
		wake:      make(chan struct{}, 1),
	}
}

func (s *Sender) WithObserver(o iSendObserver) *Sender {
	if o != nil {
		s.observer = o
	}
	return s
}

func (s *Sender) Peer() string {
	return s.peer.Region
}

// Wake makes a waiting sender retry immediately.
func (s *Sender) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run drains the log to the peer until ctx is done.
func (s *Sender) Run(ctx context.Context) {
	appended := s.log.Subscribe()
	defer s.log.Unsubscribe(appended)

	retry := time.NewTimer(s.cfg.RetryInterval)
	defer retry.Stop()

	for {
		progressed, err := s.Step(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			slog.Debug("replication attempt failed", "peer", s.peer.Region, "error", err)
		}
		if progressed && err == nil {
			continue
		}

		if !retry.Stop() {
			select {
			case <-retry.C:
			default:
			}
		}
		retry.Reset(s.cfg.RetryInterval)

		select {
		case <-ctx.Done():
			return
		case <-appended:
		case <-s.wake:
		case <-retry.C:
		}
	}
}

// Step performs one delivery attempt and reports whether the peer's cursor moved.
func (s *Sender) Step(ctx context.Context) (bool, error) {
	region := s.peer.Region
	if !s.health.CanSend(region) {
		return false, nil
	}

	acked, attached := s.log.Acked(region)
	if !attached || acked+1 < s.log.First() {
		return s.sendSnapshot(ctx)
	}
	if acked >= s.log.Last() {
		return false, nil
	}

	records := s.log.Range(acked+1, s.cfg.BatchSize)
	if len(records) == 0 || records[0].Seq != acked+1 {
		// truncated past the cursor while we were looking
		return s.sendSnapshot(ctx)
	}

	batch := Batch{
		ID:          uuid.New(),
		Origin:      s.cfg.Origin,
		Incarnation: s.log.Incarnation(),
		Records:     make([]WireRecord, 0, len(records)),
	}
	for _, rec := range records {
		batch.Records = append(batch.Records, FromRecord(rec))
	}

	ack, err := s.send(ctx, batch)
	if err != nil {
		return false, err
	}
	if ack.Resync {
		slog.Info("peer requested resync", "peer", region, "acked", ack.Seq)
		return s.sendSnapshot(ctx)
	}

	s.log.Ack(region, ack.Seq)
	s.health.SetAcked(region, ack.Seq)

	return ack.Seq > acked, nil
}

func (s *Sender) sendSnapshot(ctx context.Context) (bool, error) {
	region := s.peer.Region

	// entries appended after base are in the snapshot and get resent; that is harmless
	base := s.log.Last()
	entries := s.snapshots.Snapshot()

	batch := Batch{
		ID:          uuid.New(),
		Origin:      s.cfg.Origin,
		Incarnation: s.log.Incarnation(),
		Records:     make([]WireRecord, 0, len(entries)),
		Snapshot:    true,
		BaseSeq:     base,
	}
	for _, e := range entries {
		batch.Records = append(batch.Records, FromEntry(e))
	}

	slog.Info("sending snapshot", "peer", region, "entries", len(entries), "base_seq", base)

	ack, err := s.send(ctx, batch)
	if err != nil {
		return false, fmt.Errorf("snapshot: %w", err)
	}
	if ack.Resync || ack.Seq != base {
		return false, fmt.Errorf("snapshot: unexpected ack %d for base %d", ack.Seq, base)
	}

	s.log.Attach(region, base)
	s.health.SetDetached(region, false)
	s.health.SetAcked(region, base)

	return true, nil
}

func (s *Sender) send(ctx context.Context, b Batch) (Ack, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
	defer cancel()

	ack, err := s.transport.Send(ctx, s.peer.Address, b)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return Ack{}, err
		}
		s.health.RecordFailure(s.peer.Region, err)
		s.observer.SendFailed(s.peer.Region)
		return Ack{}, err
	}

	s.health.RecordSuccess(s.peer.Region)
	s.observer.BatchSent(s.peer.Region, len(b.Records), b.Snapshot)
	if ack.Rejected > 0 {
		slog.Warn("peer dropped malformed records", "peer", s.peer.Region, "batch", b.ID, "rejected", ack.Rejected)
	}

	return ack, nil
}
