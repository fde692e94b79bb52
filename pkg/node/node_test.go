package node

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"geocache/pkg/clock"
	"geocache/pkg/membership"
	"geocache/pkg/replication"
	"geocache/pkg/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockTimeProvider struct {
	mu  sync.Mutex
	now time.Time
}

func (m *mockTimeProvider) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *mockTimeProvider) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

var errLinkDown = errors.New("link down")

// mesh connects in-process nodes and can cut links between regions.
type mesh struct {
	mu    sync.RWMutex
	nodes map[string]*Node
	cut   map[string]bool
}

func newMesh() *mesh {
	return &mesh{nodes: make(map[string]*Node), cut: make(map[string]bool)}
}

func linkKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + "|" + b
}

func (m *mesh) partition(a, b string, down bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cut[linkKey(a, b)] = down
}

func (m *mesh) isolate(region string, down bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for other := range m.nodes {
		if other != region {
			m.cut[linkKey(region, other)] = down
		}
	}
}

func (m *mesh) reach(from, addr string) (*Node, error) {
	to := strings.TrimPrefix(addr, "mem://")

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.cut[linkKey(from, to)] {
		return nil, errLinkDown
	}
	n, ok := m.nodes[to]
	if !ok {
		return nil, errLinkDown
	}
	return n, nil
}

type meshTransport struct {
	from string
	m    *mesh
}

func (t meshTransport) Send(_ context.Context, addr string, b replication.Batch) (replication.Ack, error) {
	n, err := t.m.reach(t.from, addr)
	if err != nil {
		return replication.Ack{}, err
	}
	return n.ApplyBatch(b)
}

func (m *mesh) add(t *testing.T, region string, peers []string, opts ...Option) *Node {
	t.Helper()

	var pcs []membership.PeerConfig
	for _, p := range peers {
		pcs = append(pcs, membership.PeerConfig{Region: p, Address: "mem://" + p})
	}

	opts = append([]Option{
		WithClockSource(&clock.MemorySource{}),
		WithTransport(meshTransport{from: region, m: m}),
		WithProbe(func(_ context.Context, addr string) error {
			_, err := m.reach(region, addr)
			return err
		}),
	}, opts...)

	n, err := New(testConfig(region, pcs), opts...)
	require.NoError(t, err)

	m.mu.Lock()
	m.nodes[region] = n
	m.mu.Unlock()

	return n
}

func testConfig(region string, peers []membership.PeerConfig) Config {
	return Config{
		Region:        region,
		Peers:         peers,
		Capacity:      100,
		SweepInterval: 10 * time.Millisecond,
		Membership: membership.Config{
			HealthCheckInterval: 10 * time.Millisecond,
			HealthCheckTimeout:  50 * time.Millisecond,
			SuspectThreshold:    2,
			DownBackoffCeiling:  40 * time.Millisecond,
		},
		Replication: ReplicationConfig{
			BatchSize:     16,
			SendTimeout:   100 * time.Millisecond,
			RetryInterval: 5 * time.Millisecond,
		},
	}
}

func startAll(t *testing.T, nodes ...*Node) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	for _, n := range nodes {
		n.Start(ctx)
	}
	t.Cleanup(func() {
		cancel()
		for _, n := range nodes {
			n.Stop()
		}
	})
}

func value(s string) store.Value {
	return store.Value{Data: []byte(s), Type: "text/plain"}
}

func eventuallyValue(t *testing.T, n *Node, key, want string) {
	t.Helper()
	require.Eventually(t, func() bool {
		v, ok := n.Get(key)
		return ok && string(v.Data) == want
	}, 2*time.Second, 5*time.Millisecond, "%s never saw %s=%s", n.Region(), key, want)
}

func eventuallyAbsent(t *testing.T, n *Node, key string) {
	t.Helper()
	require.Eventually(t, func() bool {
		_, ok := n.Get(key)
		return !ok
	}, 2*time.Second, 5*time.Millisecond, "%s still has %s", n.Region(), key)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{Capacity: 1})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = New(Config{Region: "eu"})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = New(Config{Region: "eu", Capacity: 1, Peers: []membership.PeerConfig{{Region: "eu", Address: "x"}}})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = New(Config{Region: "eu", Capacity: 1, Replication: ReplicationConfig{Compression: "lz4"}})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestNew_PeersNeedPersistedCounter(t *testing.T) {
	peers := []membership.PeerConfig{{Region: "us", Address: "mem://us"}}

	_, err := New(testConfig("eu", peers))
	assert.ErrorIs(t, err, ErrVolatileCounter)

	standalone, err := New(testConfig("eu", nil))
	require.NoError(t, err, "a node without peers may seed its counter from the wall clock")
	defer standalone.Stop()
	assert.ErrorIs(t, standalone.Reconfigure(peers), ErrVolatileCounter)
	assert.Empty(t, standalone.Health().Peers)

	cfg := testConfig("eu", peers)
	cfg.DataDir = t.TempDir()
	durable, err := New(cfg)
	require.NoError(t, err)
	durable.Stop()
}

func TestNode_ReadYourWrites(t *testing.T) {
	n := newMesh().add(t, "eu", nil)

	ver, err := n.Set("user:1", value("alice"), 0)
	require.NoError(t, err)
	assert.Equal(t, "eu", ver.Region)

	v, ok := n.Get("user:1")
	require.True(t, ok)
	assert.Equal(t, "alice", string(v.Data))
	assert.Equal(t, "text/plain", v.Type)

	_, err = n.Delete("user:1")
	require.NoError(t, err)
	_, ok = n.Get("user:1")
	assert.False(t, ok)

	_, err = n.Set("", value("x"), 0)
	assert.ErrorIs(t, err, ErrEmptyKey)
}

func TestNode_DefaultTTLAndExpire(t *testing.T) {
	tp := &mockTimeProvider{now: time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)}
	cfg := testConfig("eu", nil)
	cfg.DefaultTTL = time.Minute

	n, err := New(cfg, WithClockSource(&clock.MemorySource{}), WithTimeProvider(tp))
	require.NoError(t, err)
	defer n.Stop()

	_, err = n.Set("session", value("s"), 0)
	require.NoError(t, err)
	_, err = n.Set("forever", value("f"), -1)
	require.NoError(t, err)

	ok, err := n.Expire("session", 2*time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = n.Expire("missing", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	tp.Advance(90 * time.Second)
	_, ok = n.Get("session")
	assert.True(t, ok, "expire extended the deadline")

	tp.Advance(time.Minute)
	_, ok = n.Get("session")
	assert.False(t, ok)
	_, ok = n.Get("forever")
	assert.True(t, ok)

	// every mutation went to the log
	assert.Equal(t, uint64(3), n.log.Last())
}

func TestNode_TwoRegionConvergence(t *testing.T) {
	m := newMesh()
	eu := m.add(t, "eu", []string{"us"})
	us := m.add(t, "us", []string{"eu"})
	startAll(t, eu, us)

	_, err := eu.Set("user:1", value("alice"), 0)
	require.NoError(t, err)
	eventuallyValue(t, us, "user:1", "alice")

	_, err = us.Set("user:1", value("alice-updated"), 0)
	require.NoError(t, err)
	eventuallyValue(t, eu, "user:1", "alice-updated")

	_, err = eu.Delete("user:1")
	require.NoError(t, err)
	eventuallyAbsent(t, us, "user:1")
}

func TestNode_ConcurrentConflictingWrites(t *testing.T) {
	m := newMesh()
	a := m.add(t, "A", []string{"B"})
	b := m.add(t, "B", []string{"A"})

	// both writes happen before either side hears from the other
	m.partition("A", "B", true)
	startAll(t, a, b)

	va, err := a.Set("user:1", value("alice"), 0)
	require.NoError(t, err)
	vb, err := b.Set("user:1", value("bob"), 0)
	require.NoError(t, err)
	require.Equal(t, va.Counter, vb.Counter)

	m.partition("A", "B", false)

	eventuallyValue(t, a, "user:1", "bob")
	eventuallyValue(t, b, "user:1", "bob")
}

func TestNode_PartitionAndRecovery(t *testing.T) {
	m := newMesh()
	eu := m.add(t, "eu", []string{"us", "ap"})
	us := m.add(t, "us", []string{"eu", "ap"})
	ap := m.add(t, "ap", []string{"eu", "us"})
	startAll(t, eu, us, ap)

	m.isolate("eu", true)
	require.Eventually(t, func() bool { return eu.Health().Partitioned }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, StatusDegraded, eu.Health().Status)

	// the isolated region keeps serving locally
	_, err := eu.Set("cart:7", value("3 items"), 0)
	require.NoError(t, err)
	v, ok := eu.Get("cart:7")
	require.True(t, ok)
	assert.Equal(t, "3 items", string(v.Data))

	_, err = us.Set("cart:8", value("1 item"), 0)
	require.NoError(t, err)
	eventuallyValue(t, ap, "cart:8", "1 item")

	time.Sleep(50 * time.Millisecond)
	_, ok = us.Get("cart:7")
	assert.False(t, ok, "nothing crosses the partition")

	m.isolate("eu", false)
	eventuallyValue(t, us, "cart:7", "3 items")
	eventuallyValue(t, ap, "cart:7", "3 items")
	eventuallyValue(t, eu, "cart:8", "1 item")

	require.Eventually(t, func() bool { return !eu.Health().Partitioned }, 2*time.Second, 5*time.Millisecond)
}

func TestNode_LogTruncatedOnceAcked(t *testing.T) {
	m := newMesh()
	eu := m.add(t, "eu", []string{"us"})
	us := m.add(t, "us", []string{"eu"})
	startAll(t, eu, us)

	for i := 0; i < 20; i++ {
		_, err := eu.Set("k", value("v"), 0)
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool { return eu.log.Len() == 0 }, 2*time.Second, 5*time.Millisecond)

	h := eu.Health()
	require.Len(t, h.Peers, 1)
	assert.Zero(t, h.Peers[0].Lag)
	assert.Equal(t, uint64(20), h.Peers[0].LastAcked)
}

func TestNode_OutageDetachesAndSnapshotResyncs(t *testing.T) {
	m := newMesh()
	eu := m.add(t, "eu", []string{"us"})
	us := m.add(t, "us", []string{"eu"})
	eu.cfg.Membership.MaxOutage = 20 * time.Millisecond
	require.NoError(t, eu.Reconfigure([]membership.PeerConfig{{Region: "us", Address: "mem://us"}}))
	startAll(t, eu, us)

	_, err := eu.Set("before", value("v"), 0)
	require.NoError(t, err)
	eventuallyValue(t, us, "before", "v")
	_, attached := eu.log.Acked("us")
	require.True(t, attached)

	m.isolate("us", true)
	for i := 0; i < 5; i++ {
		_, err := eu.Set("k"+string(rune('a'+i)), value("v"), 0)
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		p, _ := eu.members.Get("us")
		return p.Detached
	}, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return eu.log.Len() == 0 }, 2*time.Second, 5*time.Millisecond,
		"a detached peer no longer holds the log back")

	m.isolate("us", false)
	for i := 0; i < 5; i++ {
		eventuallyValue(t, us, "k"+string(rune('a'+i)), "v")
	}
}

func TestNode_Reconfigure(t *testing.T) {
	m := newMesh()
	eu := m.add(t, "eu", nil)
	us := m.add(t, "us", []string{"eu"})
	startAll(t, eu, us)

	_, err := eu.Set("early", value("1"), 0)
	require.NoError(t, err)

	require.NoError(t, eu.Reconfigure([]membership.PeerConfig{{Region: "us", Address: "mem://us"}}))
	eventuallyValue(t, us, "early", "1")

	_, err = eu.Set("late", value("2"), 0)
	require.NoError(t, err)
	eventuallyValue(t, us, "late", "2")

	assert.ErrorIs(t, eu.Reconfigure([]membership.PeerConfig{{Region: "eu", Address: "mem://eu"}}), ErrInvalidConfig)

	require.NoError(t, eu.Reconfigure(nil))
	_, attached := eu.log.Acked("us")
	assert.False(t, attached)
	assert.Empty(t, eu.Health().Peers)
}

func TestNode_DurableRestart(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig("eu", nil)
	cfg.DataDir = dir

	n, err := New(cfg)
	require.NoError(t, err)
	first, err := n.Set("user:1", value("alice"), 0)
	require.NoError(t, err)
	n.Stop()

	n, err = New(cfg)
	require.NoError(t, err)
	defer n.Stop()

	v, ok := n.Get("user:1")
	require.True(t, ok, "unacknowledged writes come back from the journal")
	assert.Equal(t, "alice", string(v.Data))

	next, err := n.Set("user:2", value("bob"), 0)
	require.NoError(t, err)
	assert.Greater(t, next.Counter, first.Counter)
}

func TestNode_RestartAfterObservingPeerAhead(t *testing.T) {
	cfg := testConfig("eu", []membership.PeerConfig{{Region: "us", Address: "mem://us"}})
	cfg.DataDir = t.TempDir()

	n, err := New(cfg)
	require.NoError(t, err)

	// a peer whose counters run far ahead of ours
	ahead := clock.Version{Region: "us", Counter: uint64(time.Now().Add(time.Hour).UnixMicro())}
	require.True(t, n.store.ApplyReplicated(store.Entry{Key: "remote", Value: value("x"), Version: ahead}))

	before, err := n.Set("local", value("1"), 0)
	require.NoError(t, err)
	require.Greater(t, before.Counter, ahead.Counter)
	n.Stop()

	n, err = New(cfg)
	require.NoError(t, err)
	defer n.Stop()

	after, err := n.Set("local", value("2"), 0)
	require.NoError(t, err)
	assert.Greater(t, after.Counter, before.Counter, "counter went back across a restart")
}

func TestNode_FailedAppendLeavesNoTrace(t *testing.T) {
	cfg := testConfig("eu", nil)
	cfg.DataDir = t.TempDir()

	n, err := New(cfg)
	require.NoError(t, err)
	defer n.Stop()

	first, err := n.Set("k", value("v1"), 0)
	require.NoError(t, err)
	last := n.log.Last()

	require.NoError(t, n.log.Close())

	_, err = n.Set("k", value("v2"), 0)
	require.Error(t, err)
	_, err = n.Set("fresh", value("x"), 0)
	require.Error(t, err)
	_, err = n.Delete("k")
	require.Error(t, err)
	ok, err := n.Expire("k", time.Second)
	require.Error(t, err)
	assert.False(t, ok)

	v, ok := n.Get("k")
	require.True(t, ok)
	assert.Equal(t, "v1", string(v.Data))
	e, _ := n.store.Lookup("k")
	assert.Equal(t, first, e.Version)
	assert.True(t, e.ExpiresAt.IsZero())

	_, ok = n.Get("fresh")
	assert.False(t, ok)
	assert.Equal(t, last, n.log.Last(), "nothing was queued")
}

type inflightTransport struct {
	inner replication.Transport

	mu       sync.Mutex
	inflight map[string]int
	max      int
}

func (t *inflightTransport) Send(ctx context.Context, addr string, b replication.Batch) (replication.Ack, error) {
	t.mu.Lock()
	t.inflight[addr]++
	t.max = max(t.max, t.inflight[addr])
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		t.inflight[addr]--
		t.mu.Unlock()
	}()

	time.Sleep(time.Millisecond)
	return t.inner.Send(ctx, addr, b)
}

func (t *inflightTransport) peak() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.max
}

func TestNode_ConcurrentReconfigureKeepsOneSenderPerPeer(t *testing.T) {
	m := newMesh()
	tr := &inflightTransport{inner: meshTransport{from: "eu", m: m}, inflight: make(map[string]int)}
	eu := m.add(t, "eu", []string{"us"}, WithTransport(tr))
	us := m.add(t, "us", nil)
	startAll(t, eu, us)

	peers := []membership.PeerConfig{{Region: "us", Address: "mem://us"}}
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				if err := eu.Reconfigure(peers); err != nil {
					t.Errorf("Reconfigure: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	for i := 0; i < 50; i++ {
		_, err := eu.Set(fmt.Sprintf("k%d", i), value("v"), 0)
		require.NoError(t, err)
	}
	eventuallyValue(t, us, "k49", "v")

	assert.Equal(t, 1, tr.peak(), "more than one send in flight to the same peer")
}
