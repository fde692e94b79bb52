package membership

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"
)

const (
	defaultInterval  = 2 * time.Second
	defaultTimeout   = time.Second
	defaultCeiling   = time.Minute
	defaultThreshold = 3

	healthEndpoint = "/health"
	eventsBuffer   = 64
)

var (
	ErrUnknownPeer   = errors.New("membership: unknown peer")
	ErrDuplicatePeer = errors.New("membership: duplicate peer")
	ErrInvalidPeer   = errors.New("membership: invalid peer")
)

type iTimeProvider interface {
	Now() time.Time
}

type wallTime struct{}

func (wallTime) Now() time.Time { return time.Now() }

type Config struct {
	HealthCheckInterval time.Duration
	HealthCheckTimeout  time.Duration
	// SuspectThreshold consecutive failures turn a Suspect peer Down.
	SuspectThreshold int
	// DownBackoffCeiling caps the retry backoff; reaching it also turns a peer Down.
	DownBackoffCeiling time.Duration
	// MaxOutage after which a Down peer is detached from log retention; 0 disables it.
	MaxOutage time.Duration
}

func (c Config) withDefaults() Config {
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = defaultInterval
	}
	if c.HealthCheckTimeout <= 0 {
		c.HealthCheckTimeout = defaultTimeout
	}
	if c.SuspectThreshold <= 0 {
		c.SuspectThreshold = defaultThreshold
	}
	if c.DownBackoffCeiling <= 0 {
		c.DownBackoffCeiling = defaultCeiling
	}
	if c.DownBackoffCeiling < c.HealthCheckInterval {
		c.DownBackoffCeiling = c.HealthCheckInterval
	}
	return c
}

// ProbeFunc checks a peer address and returns nil when the peer is reachable.
type ProbeFunc func(ctx context.Context, address string) error

// Membership is an immutable set of peers with mutable health state.
// Reconfiguration builds a new Membership instead of editing this one.
type Membership struct {
	cfg Config
	tp  iTimeProvider

	mu    sync.RWMutex
	peers map[string]*Peer
	order []string

	probe      ProbeFunc
	httpClient *http.Client
	events     chan Transition
}

func New(cfg Config, peers []PeerConfig) (*Membership, error) {
	cfg = cfg.withDefaults()

	m := &Membership{
		cfg:    cfg,
		tp:     wallTime{},
		peers:  make(map[string]*Peer, len(peers)),
		events: make(chan Transition, eventsBuffer),
		httpClient: &http.Client{
			Timeout: cfg.HealthCheckTimeout,
		},
	}
	m.probe = m.httpProbe

	for _, pc := range peers {
		addr := NormalizeAddress(pc.Address)
		if pc.Region == "" || addr == "" {
			return nil, fmt.Errorf("%w: region=%q address=%q", ErrInvalidPeer, pc.Region, pc.Address)
		}
		if _, ok := m.peers[pc.Region]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicatePeer, pc.Region)
		}
		// peers start healthy and are demoted by the first failed check
		m.peers[pc.Region] = &Peer{Region: pc.Region, Address: addr, Health: Healthy}
		m.order = append(m.order, pc.Region)
	}
	sort.Strings(m.order)

	return m, nil
}

// WithTimeProvider replaces the clock used for backoff deadlines.
func (m *Membership) WithTimeProvider(tp iTimeProvider) *Membership {
	m.tp = tp
	return m
}

// SetProbe replaces the health check; used by tests and custom transports.
func (m *Membership) SetProbe(p ProbeFunc) {
	m.probe = p
}

func (m *Membership) Config() Config {
	return m.cfg
}

// Events delivers health transitions. Events are dropped when nobody drains the channel.
func (m *Membership) Events() <-chan Transition {
	return m.events
}

func (m *Membership) Regions() []string {
	return append([]string(nil), m.order...)
}

func (m *Membership) Len() int {
	return len(m.order)
}

// Peers returns a copy of every peer's state, ordered by region.
func (m *Membership) Peers() []Peer {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Peer, 0, len(m.order))
	for _, region := range m.order {
		out = append(out, *m.peers[region])
	}
	return out
}

func (m *Membership) Get(region string) (Peer, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.peers[region]
	if !ok {
		return Peer{}, false
	}
	return *p, true
}

// Partitioned reports whether this node has peers but can reach none of them.
func (m *Membership) Partitioned() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.peers) == 0 {
		return false
	}
	for _, p := range m.peers {
		if p.Health == Healthy {
			return false
		}
	}
	return true
}

// CanSend reports whether replication may be attempted now: always for healthy peers,
// after the backoff for suspect ones, never for down ones (the health check revives them).
func (m *Membership) CanSend(region string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.peers[region]
	if !ok {
		return false
	}
	switch p.Health {
	case Healthy:
		return true
	case Suspect:
		return !m.tp.Now().Before(p.BackoffUntil)
	}
	return false
}

// NextCheck returns how long the health checker of region should wait.
func (m *Membership) NextCheck(region string) time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.peers[region]
	if !ok || p.Health == Healthy {
		return m.cfg.HealthCheckInterval
	}
	if wait := p.BackoffUntil.Sub(m.tp.Now()); wait > 0 {
		return wait
	}
	return 0
}

// BeginAttempt marks the start of a scheduled retry; a Down peer becomes Suspect again.
func (m *Membership) BeginAttempt(region string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.peers[region]
	if !ok || p.Health != Down {
		return
	}
	m.transitionLocked(p, Suspect, "retry")
}

func (m *Membership) RecordSuccess(region string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.peers[region]
	if !ok {
		return
	}
	p.ConsecutiveFails = 0
	p.BackoffUntil = time.Time{}
	p.LastOK = m.tp.Now()
	p.LastError = ""
	p.DownSince = time.Time{}
	if p.Health != Healthy {
		m.transitionLocked(p, Healthy, "ok")
	}
}

// RecordFailure counts a failed health check, delivery or malformed batch and
// schedules the next attempt with exponential backoff.
func (m *Membership) RecordFailure(region string, reason error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.peers[region]
	if !ok {
		return
	}

	now := m.tp.Now()
	p.ConsecutiveFails++
	if reason != nil {
		p.LastError = reason.Error()
	}

	backoff := m.backoff(p.ConsecutiveFails)
	p.BackoffUntil = now.Add(backoff)

	switch {
	case p.ConsecutiveFails >= m.cfg.SuspectThreshold || backoff >= m.cfg.DownBackoffCeiling:
		if p.DownSince.IsZero() {
			p.DownSince = now
		}
		if p.Health != Down {
			m.transitionLocked(p, Down, p.LastError)
		}
	case p.Health == Healthy:
		m.transitionLocked(p, Suspect, p.LastError)
	}
}

// SetAcked mirrors the log acknowledgement of region for health reporting.
func (m *Membership) SetAcked(region string, seq uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.peers[region]; ok && seq > p.LastAcked {
		p.LastAcked = seq
	}
}

func (m *Membership) SetDetached(region string, detached bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.peers[region]; ok {
		p.Detached = detached
	}
}

// Outages returns attached peers that have been unreachable for longer than MaxOutage.
// Retry attempts in between do not reset the outage.
func (m *Membership) Outages() []string {
	if m.cfg.MaxOutage <= 0 {
		return nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	now := m.tp.Now()
	var out []string
	for _, region := range m.order {
		p := m.peers[region]
		if !p.DownSince.IsZero() && !p.Detached && now.Sub(p.DownSince) > m.cfg.MaxOutage {
			out = append(out, region)
		}
	}
	return out
}

// Check probes region once and records the outcome.
func (m *Membership) Check(ctx context.Context, region string) error {
	p, ok := m.Get(region)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, region)
	}

	m.BeginAttempt(region)

	ctx, cancel := context.WithTimeout(ctx, m.cfg.HealthCheckTimeout)
	defer cancel()

	if err := m.probe(ctx, p.Address); err != nil {
		if ctx.Err() != nil && errors.Is(ctx.Err(), context.Canceled) {
			// shutting down, not the peer's fault
			return err
		}
		m.RecordFailure(region, err)
		return err
	}
	m.RecordSuccess(region)

	return nil
}

// HealthLoop is the per-peer health check task.
func (m *Membership) HealthLoop(region string) func(ctx context.Context) {
	return func(ctx context.Context) {
		timer := time.NewTimer(0)
		defer timer.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
			}

			if err := m.Check(ctx, region); err != nil {
				slog.Debug("health check failed", "peer", region, "error", err)
			}

			wait := m.NextCheck(region)
			if wait <= 0 {
				wait = m.cfg.HealthCheckInterval
			}
			timer.Reset(wait)
		}
	}
}

func (m *Membership) backoff(fails int) time.Duration {
	d := m.cfg.HealthCheckInterval
	for i := 1; i < fails; i++ {
		d *= 2
		if d >= m.cfg.DownBackoffCeiling {
			return m.cfg.DownBackoffCeiling
		}
	}
	return d
}

func (m *Membership) transitionLocked(p *Peer, to Health, reason string) {
	tr := Transition{Region: p.Region, From: p.Health, To: to, At: m.tp.Now(), Reason: reason}
	p.Health = to

	slog.Info("peer health changed", "peer", p.Region, "from", tr.From, "to", tr.To, "reason", reason)

	select {
	case m.events <- tr:
	default:
		slog.Debug("dropping health transition event", "peer", p.Region)
	}
}

func (m *Membership) httpProbe(ctx context.Context, address string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, address+healthEndpoint, nil)
	if err != nil {
		return fmt.Errorf("create health request: %w", err)
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health status %d", resp.StatusCode)
	}
	return nil
}
