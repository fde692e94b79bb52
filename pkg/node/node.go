package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"geocache/pkg/clock"
	"geocache/pkg/compression"
	"geocache/pkg/listener"
	"geocache/pkg/membership"
	"geocache/pkg/metrics"
	"geocache/pkg/replication"
	"geocache/pkg/replog"
	"geocache/pkg/store"
	"geocache/pkg/wal"
)

var (
	ErrInvalidConfig = errors.New("node: invalid config")
	ErrEmptyKey      = store.ErrEmptyKey

	// ErrVolatileCounter rejects peers on a node whose counter would not survive a restart.
	ErrVolatileCounter = errors.New("node: replication needs a persisted counter (set data_dir)")
)

const (
	defaultSweepInterval = time.Second
	defaultCompression   = "zstd"
)

type ReplicationConfig struct {
	BatchSize     int
	SendTimeout   time.Duration
	RetryInterval time.Duration
	// MaxLogRecords bounds the log: Down peers holding more than this many records back
	// are detached and later resynced by snapshot. 0 disables the bound.
	MaxLogRecords int
	Compression   string
}

type Config struct {
	Region   string
	Peers    []membership.PeerConfig
	Capacity int
	// DefaultTTL applies to writes that pass ttl == 0; a negative ttl means no expiration.
	DefaultTTL     time.Duration
	TombstoneGrace time.Duration
	SweepInterval  time.Duration
	Membership     membership.Config
	Replication    ReplicationConfig
	// DataDir enables the replication journal and the persisted counter.
	DataDir string
}

func (c Config) validate() error {
	if c.Region == "" {
		return fmt.Errorf("%w: empty region", ErrInvalidConfig)
	}
	if c.Capacity <= 0 {
		return fmt.Errorf("%w: capacity must be positive", ErrInvalidConfig)
	}
	for _, p := range c.Peers {
		if p.Region == c.Region {
			return fmt.Errorf("%w: region %s listed as its own peer", ErrInvalidConfig, c.Region)
		}
	}
	return nil
}

// Node is the client facade of one region: reads and writes are served from the local
// store and propagated to peers in the background.
type Node struct {
	cfg  Config
	opts options

	clock     *clock.AtomicClock
	store     *store.Store
	log       *replog.Log
	receiver  *replication.Receiver
	transport replication.Transport
	metrics   *metrics.Metrics

	jobs []listener.Job
	// durable is false when the counter is seeded from the wall clock
	durable bool

	// serializes Start, Stop and Reconfigure
	reconfigMu sync.Mutex

	mu       sync.Mutex
	members  *membership.Membership
	peerJobs []listener.Job
	senders  map[string]*replication.Sender
	runCtx   context.Context
	running  bool
}

func New(cfg Config, opts ...Option) (*Node, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	if cfg.Replication.Compression == "" {
		cfg.Replication.Compression = defaultCompression
	}

	o := options{tp: wallTime{}}
	for _, opt := range opts {
		opt(&o)
	}
	durable := cfg.DataDir != "" || o.source != nil
	if len(cfg.Peers) > 0 && !durable {
		return nil, ErrVolatileCounter
	}

	codec, err := compression.ByName(cfg.Replication.Compression)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	var journal *wal.WAL
	if cfg.DataDir != "" {
		journal, err = wal.New(cfg.DataDir)
		if err != nil {
			return nil, fmt.Errorf("open journal: %w", err)
		}
	}

	logCfg := replog.Config{}
	if journal != nil {
		logCfg.Journal = journal
	}
	rlog, err := replog.Open(logCfg)
	if err != nil {
		if journal != nil {
			_ = journal.Close()
		}
		return nil, fmt.Errorf("open replication log: %w", err)
	}

	n := &Node{
		cfg:     cfg,
		opts:    o,
		log:     rlog,
		durable: durable,
		metrics: metrics.New(cfg.Region),
		senders: make(map[string]*replication.Sender),
	}

	if err := n.initState(); err != nil {
		_ = rlog.Close()
		return nil, err
	}

	n.transport = o.transport
	if n.transport == nil {
		n.transport = replication.NewHTTPTransport(codec, cfg.Replication.SendTimeout)
	}
	n.receiver = replication.NewReceiver(cfg.Region, n.store, nil).WithObserver(n.metrics)
	n.metrics.RegisterStore(n.store.Stats, n.store.Capacity())

	members, err := n.buildMembership(cfg.Peers)
	if err != nil {
		_ = rlog.Close()
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	n.installMembership(members)

	n.jobs = []listener.Job{
		listener.NewPeriodic("sweeper", cfg.SweepInterval, n.sweep),
		listener.NewPeriodic("log-maintenance", cfg.SweepInterval, n.maintainLog),
	}

	slog.Info("node initialized", "region", cfg.Region, "peers", len(cfg.Peers), "capacity", cfg.Capacity,
		"durable", cfg.DataDir != "", "log_first", rlog.First(), "log_last", rlog.Last())

	return n, nil
}

func (n *Node) initState() error {
	src := n.opts.source
	if src == nil {
		if n.cfg.DataDir != "" {
			fs, err := clock.NewFileSource(n.cfg.DataDir)
			if err != nil {
				return fmt.Errorf("open counter state: %w", err)
			}
			src = fs
		} else {
			src = clock.NewWallSource()
		}
	}

	clk, err := clock.New(n.cfg.Region, src, n.log.MaxCounter())
	if err != nil {
		return fmt.Errorf("init clock: %w", err)
	}
	n.clock = clk.WithTimeProvider(n.opts.tp)

	n.store, err = store.New(store.Config{
		Capacity:       n.cfg.Capacity,
		TombstoneGrace: n.cfg.TombstoneGrace,
	}, n.clock, n.opts.tp)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	n.store.WithCommit(n.append)

	// unacknowledged writes survive a restart in the journal; make them visible again
	restored := 0
	for _, rec := range n.log.Range(n.log.First(), n.log.Len()) {
		if n.store.ApplyReplicated(rec.Entry) {
			restored++
		}
	}
	if restored > 0 {
		slog.Info("restored entries from journal", "entries", restored)
	}

	return nil
}

func (n *Node) Region() string {
	return n.cfg.Region
}

func (n *Node) Metrics() *metrics.Metrics {
	return n.metrics
}

// Get returns the value of key if it is present and live on this node.
func (n *Node) Get(key string) (store.Value, bool) {
	start := time.Now()
	v, ok := n.store.Get(key)

	status := "miss"
	if ok {
		status = "hit"
	}
	n.metrics.RecordRequest("get", status, time.Since(start))

	return v, ok
}

func (n *Node) Set(key string, val store.Value, ttl time.Duration) (clock.Version, error) {
	return n.SetWithOptions(key, val, store.SetOptions{TTL: ttl})
}

// SetWithOptions queues the write for every peer and then makes it visible locally. It
// never waits for a peer. If the write cannot be queued the key keeps its previous state.
func (n *Node) SetWithOptions(key string, val store.Value, opts store.SetOptions) (clock.Version, error) {
	start := time.Now()

	if opts.TTL == 0 {
		opts.TTL = n.cfg.DefaultTTL
	}
	e, err := n.store.SetWithOptions(key, val, opts)
	if err != nil {
		n.metrics.RecordRequest("set", "error", time.Since(start))
		return clock.Version{}, err
	}
	n.metrics.RecordRequest("set", "ok", time.Since(start))

	return e.Version, nil
}

// Delete writes a tombstone for key, whether or not the key exists here.
func (n *Node) Delete(key string) (clock.Version, error) {
	start := time.Now()

	e, err := n.store.Delete(key)
	if err != nil {
		n.metrics.RecordRequest("delete", "error", time.Since(start))
		return clock.Version{}, err
	}
	n.metrics.RecordRequest("delete", "ok", time.Since(start))

	return e.Version, nil
}

// Expire changes the deadline of a live key; ttl <= 0 makes it permanent.
func (n *Node) Expire(key string, ttl time.Duration) (bool, error) {
	start := time.Now()

	_, ok, err := n.store.Expire(key, ttl)
	switch {
	case err != nil:
		n.metrics.RecordRequest("expire", "error", time.Since(start))
		return false, err
	case !ok:
		n.metrics.RecordRequest("expire", "miss", time.Since(start))
		return false, nil
	}
	n.metrics.RecordRequest("expire", "ok", time.Since(start))

	return true, nil
}

// ApplyBatch hands a batch received from a peer to the replication receiver.
func (n *Node) ApplyBatch(b replication.Batch) (replication.Ack, error) {
	return n.receiver.Apply(b)
}

// append runs under the store lock, so log order follows counter order.
func (n *Node) append(e store.Entry) error {
	if _, err := n.log.Append(e); err != nil {
		slog.Error("replication log append failed", "key", e.Key, "error", err)
		return fmt.Errorf("append replication log: %w", err)
	}
	return nil
}

// Start launches the sweeper, log maintenance, health checkers and senders.
func (n *Node) Start(ctx context.Context) {
	n.reconfigMu.Lock()
	defer n.reconfigMu.Unlock()
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.running {
		return
	}
	n.running = true
	n.runCtx = ctx

	for _, job := range n.jobs {
		job.Start(ctx)
	}
	for _, job := range n.peerJobs {
		job.Start(ctx)
	}

	slog.Info("node started", "region", n.cfg.Region)
}

// Stop signals every background job and waits for its current unit of work.
func (n *Node) Stop() {
	n.reconfigMu.Lock()
	defer n.reconfigMu.Unlock()

	n.mu.Lock()
	running := n.running
	n.running = false
	peerJobs := n.peerJobs
	n.mu.Unlock()

	if running {
		stopAll(peerJobs)
		stopAll(n.jobs)
	}

	if err := n.log.Close(); err != nil {
		slog.Warn("close replication log", "error", err)
	}
	slog.Info("node stopped", "region", n.cfg.Region)
}

// Reconfigure replaces the peer set. Peers that stay keep their log position; new peers
// are brought up to date with a snapshot; removed peers stop holding the log back.
func (n *Node) Reconfigure(peers []membership.PeerConfig) error {
	if err := (Config{Region: n.cfg.Region, Capacity: 1, Peers: peers}).validate(); err != nil {
		return err
	}
	if len(peers) > 0 && !n.durable {
		return ErrVolatileCounter
	}

	n.reconfigMu.Lock()
	defer n.reconfigMu.Unlock()

	members, err := n.buildMembership(peers)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	n.mu.Lock()
	old := n.members
	oldJobs := n.peerJobs
	running := n.running
	n.mu.Unlock()

	if running {
		stopAll(oldJobs)
	}

	for _, p := range old.Peers() {
		if _, ok := members.Get(p.Region); !ok {
			n.log.Detach(p.Region)
		}
	}

	n.mu.Lock()
	n.installMembership(members)
	if n.running {
		for _, job := range n.peerJobs {
			job.Start(n.runCtx)
		}
	}
	n.mu.Unlock()

	slog.Info("peers reconfigured", "region", n.cfg.Region, "peers", members.Regions())

	return nil
}

func (n *Node) buildMembership(peers []membership.PeerConfig) (*membership.Membership, error) {
	members, err := membership.New(n.cfg.Membership, peers)
	if err != nil {
		return nil, err
	}
	members.WithTimeProvider(n.opts.tp)
	if n.opts.probe != nil {
		members.SetProbe(n.opts.probe)
	}
	return members, nil
}

// installMembership wires members into the log, receiver and senders and builds the
// per-peer jobs. It does not start them.
func (n *Node) installMembership(members *membership.Membership) {
	n.members = members
	n.receiver.SetReporter(members)
	n.senders = make(map[string]*replication.Sender, members.Len())

	senderCfg := replication.SenderConfig{
		Origin:        n.cfg.Region,
		BatchSize:     n.cfg.Replication.BatchSize,
		SendTimeout:   n.cfg.Replication.SendTimeout,
		RetryInterval: n.cfg.Replication.RetryInterval,
	}

	jobs := []listener.Job{
		listener.New(members.Events(), n.onTransition),
	}
	for _, p := range members.Peers() {
		if _, attached := n.log.Acked(p.Region); !attached {
			// records may already be truncated: a new peer starts from a snapshot
			members.SetDetached(p.Region, true)
		}

		s := replication.NewSender(senderCfg, membership.PeerConfig{Region: p.Region, Address: p.Address},
			n.log, n.store, members, n.transport).WithObserver(n.metrics)
		n.senders[p.Region] = s

		jobs = append(jobs,
			listener.NewLoop("health-"+p.Region, members.HealthLoop(p.Region)),
			listener.NewLoop("sender-"+p.Region, s.Run),
		)
	}
	n.peerJobs = jobs
	n.metrics.SetPartitioned(members.Partitioned())
}

func (n *Node) onTransition(tr membership.Transition) error {
	n.metrics.ObserveTransition(tr)

	n.mu.Lock()
	members := n.members
	s := n.senders[tr.Region]
	n.mu.Unlock()

	n.metrics.SetPartitioned(members.Partitioned())
	if tr.To == membership.Healthy && s != nil {
		s.Wake()
	}
	return nil
}

func (n *Node) sweep(context.Context) {
	if removed := n.store.Sweep(); removed > 0 {
		n.metrics.SweepRemoved.Add(float64(removed))
		slog.Debug("expired entries swept", "removed", removed)
	}
}

// maintainLog detaches peers that are gone for too long and drops acknowledged records.
func (n *Node) maintainLog(context.Context) {
	n.mu.Lock()
	members := n.members
	n.mu.Unlock()

	for _, region := range members.Outages() {
		n.detach(members, region, "outage")
	}

	if limit := n.cfg.Replication.MaxLogRecords; limit > 0 && n.log.Len() > limit {
		for _, region := range n.log.Laggards(limit) {
			if p, ok := members.Get(region); ok && p.Health == membership.Down {
				n.detach(members, region, "log_bound")
			}
		}
	}

	removed, err := n.log.Truncate()
	if err != nil {
		slog.Error("replication log truncation failed", "error", err)
	}
	if removed > 0 {
		n.metrics.LogTruncated.Add(float64(removed))
	}
	n.metrics.LogRecords.Set(float64(n.log.Len()))

	last := n.log.Last()
	for _, region := range members.Regions() {
		if acked, ok := n.log.Acked(region); ok {
			n.metrics.ReplicationLagSeq.WithLabelValues(region).Set(float64(last - acked))
		}
	}
}

func (n *Node) detach(members *membership.Membership, region, reason string) {
	n.log.Detach(region)
	members.SetDetached(region, true)
	n.metrics.PeersDetached.WithLabelValues(region, reason).Inc()
	slog.Warn("peer detached from replication log", "peer", region, "reason", reason)
}

func stopAll(jobs []listener.Job) {
	for i := len(jobs) - 1; i >= 0; i-- {
		jobs[i].Stop()
	}
}
