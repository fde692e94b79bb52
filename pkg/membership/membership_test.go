package membership

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockTimeProvider struct {
	now time.Time
}

func (m *mockTimeProvider) Now() time.Time { return m.now }

func (m *mockTimeProvider) Advance(d time.Duration) { m.now = m.now.Add(d) }

var errUnreachable = errors.New("connection refused")

func newTestMembership(t *testing.T, peers ...PeerConfig) (*Membership, *mockTimeProvider) {
	t.Helper()

	tp := &mockTimeProvider{now: time.Unix(1_700_000_000, 0)}
	m, err := New(Config{
		HealthCheckInterval: time.Second,
		HealthCheckTimeout:  100 * time.Millisecond,
		SuspectThreshold:    3,
		DownBackoffCeiling:  8 * time.Second,
		MaxOutage:           time.Minute,
	}, peers)
	require.NoError(t, err)
	m.WithTimeProvider(tp)

	return m, tp
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{}, []PeerConfig{{Region: "eu", Address: ""}})
	assert.ErrorIs(t, err, ErrInvalidPeer)

	_, err = New(Config{}, []PeerConfig{
		{Region: "eu", Address: "a:1"},
		{Region: "eu", Address: "b:1"},
	})
	assert.ErrorIs(t, err, ErrDuplicatePeer)

	m, err := New(Config{}, []PeerConfig{{Region: "us", Address: "us.local:8080/"}, {Region: "ap", Address: "https://ap"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"ap", "us"}, m.Regions())

	p, ok := m.Get("us")
	require.True(t, ok)
	assert.Equal(t, "http://us.local:8080", p.Address)
	assert.Equal(t, Healthy, p.Health)
}

func TestMembership_FailureProgression(t *testing.T) {
	m, tp := newTestMembership(t, PeerConfig{Region: "us", Address: "us:1"})

	m.RecordFailure("us", errUnreachable)
	p, _ := m.Get("us")
	assert.Equal(t, Suspect, p.Health)
	assert.Equal(t, 1, p.ConsecutiveFails)
	assert.Equal(t, tp.now.Add(time.Second), p.BackoffUntil)
	assert.False(t, m.CanSend("us"), "suspect peer waits for its backoff")

	tp.Advance(time.Second)
	assert.True(t, m.CanSend("us"))

	m.RecordFailure("us", errUnreachable)
	p, _ = m.Get("us")
	assert.Equal(t, Suspect, p.Health)
	assert.Equal(t, tp.now.Add(2*time.Second), p.BackoffUntil)

	m.RecordFailure("us", errUnreachable)
	p, _ = m.Get("us")
	assert.Equal(t, Down, p.Health)
	assert.Equal(t, tp.now, p.DownSince)
	assert.Equal(t, "connection refused", p.LastError)

	tp.Advance(time.Hour)
	assert.False(t, m.CanSend("us"), "down peers are only revived by the health checker")
}

func TestMembership_BackoffCeiling(t *testing.T) {
	tp := &mockTimeProvider{now: time.Unix(0, 0)}
	m, err := New(Config{
		HealthCheckInterval: time.Second,
		SuspectThreshold:    100,
		DownBackoffCeiling:  4 * time.Second,
	}, []PeerConfig{{Region: "us", Address: "us:1"}})
	require.NoError(t, err)
	m.WithTimeProvider(tp)

	m.RecordFailure("us", errUnreachable) // 1s
	m.RecordFailure("us", errUnreachable) // 2s
	p, _ := m.Get("us")
	assert.Equal(t, Suspect, p.Health)

	m.RecordFailure("us", errUnreachable) // 4s hits the ceiling
	p, _ = m.Get("us")
	assert.Equal(t, Down, p.Health)

	m.RecordFailure("us", errUnreachable)
	p, _ = m.Get("us")
	assert.Equal(t, tp.now.Add(4*time.Second), p.BackoffUntil, "backoff never exceeds the ceiling")
}

func TestMembership_RecoveryAndEvents(t *testing.T) {
	m, _ := newTestMembership(t, PeerConfig{Region: "us", Address: "us:1"})

	for i := 0; i < 3; i++ {
		m.RecordFailure("us", errUnreachable)
	}
	m.BeginAttempt("us")
	p, _ := m.Get("us")
	assert.Equal(t, Suspect, p.Health)

	m.RecordSuccess("us")
	p, _ = m.Get("us")
	assert.Equal(t, Healthy, p.Health)
	assert.Zero(t, p.ConsecutiveFails)
	assert.True(t, p.DownSince.IsZero())

	var got []Health
	for len(m.Events()) > 0 {
		tr := <-m.Events()
		assert.Equal(t, "us", tr.Region)
		got = append(got, tr.To)
	}
	assert.Equal(t, []Health{Suspect, Down, Suspect, Healthy}, got)
}

func TestMembership_Partitioned(t *testing.T) {
	alone, _ := newTestMembership(t)
	assert.False(t, alone.Partitioned(), "a single-region deployment is never partitioned")

	m, _ := newTestMembership(t,
		PeerConfig{Region: "us", Address: "us:1"},
		PeerConfig{Region: "ap", Address: "ap:1"},
	)
	assert.False(t, m.Partitioned())

	m.RecordFailure("us", errUnreachable)
	assert.False(t, m.Partitioned())

	m.RecordFailure("ap", errUnreachable)
	assert.True(t, m.Partitioned())

	m.RecordSuccess("ap")
	assert.False(t, m.Partitioned())
}

func TestMembership_Outages(t *testing.T) {
	m, tp := newTestMembership(t, PeerConfig{Region: "us", Address: "us:1"})
	for i := 0; i < 3; i++ {
		m.RecordFailure("us", errUnreachable)
	}
	assert.Empty(t, m.Outages())

	tp.Advance(2 * time.Minute)
	assert.Equal(t, []string{"us"}, m.Outages())

	m.SetDetached("us", true)
	assert.Empty(t, m.Outages())
}

func TestMembership_SetAckedMonotone(t *testing.T) {
	m, _ := newTestMembership(t, PeerConfig{Region: "us", Address: "us:1"})
	m.SetAcked("us", 10)
	m.SetAcked("us", 4)

	p, _ := m.Get("us")
	assert.Equal(t, uint64(10), p.LastAcked)
}

func TestMembership_CheckWithProbe(t *testing.T) {
	m, _ := newTestMembership(t, PeerConfig{Region: "us", Address: "us:1"})

	var fail atomic.Bool
	fail.Store(true)
	m.SetProbe(func(_ context.Context, addr string) error {
		assert.Equal(t, "http://us:1", addr)
		if fail.Load() {
			return errUnreachable
		}
		return nil
	})

	require.Error(t, m.Check(context.Background(), "us"))
	p, _ := m.Get("us")
	assert.Equal(t, Suspect, p.Health)

	fail.Store(false)
	require.NoError(t, m.Check(context.Background(), "us"))
	p, _ = m.Get("us")
	assert.Equal(t, Healthy, p.Health)

	assert.ErrorIs(t, m.Check(context.Background(), "nowhere"), ErrUnknownPeer)
}

func TestMembership_HTTPProbe(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		if !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m, err := New(Config{HealthCheckTimeout: time.Second}, []PeerConfig{{Region: "us", Address: srv.URL}})
	require.NoError(t, err)

	require.NoError(t, m.Check(context.Background(), "us"))

	healthy.Store(false)
	require.Error(t, m.Check(context.Background(), "us"))
	p, _ := m.Get("us")
	assert.Equal(t, Suspect, p.Health)
}

func TestMembership_HealthLoop(t *testing.T) {
	m, err := New(Config{
		HealthCheckInterval: 5 * time.Millisecond,
		HealthCheckTimeout:  5 * time.Millisecond,
		SuspectThreshold:    2,
		DownBackoffCeiling:  10 * time.Millisecond,
	}, []PeerConfig{{Region: "us", Address: "us:1"}})
	require.NoError(t, err)

	var up atomic.Bool
	m.SetProbe(func(context.Context, string) error {
		if up.Load() {
			return nil
		}
		return errUnreachable
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.HealthLoop("us")(ctx)

	require.Eventually(t, func() bool {
		p, _ := m.Get("us")
		return p.Health == Down
	}, time.Second, time.Millisecond)

	up.Store(true)
	require.Eventually(t, func() bool {
		p, _ := m.Get("us")
		return p.Health == Healthy
	}, time.Second, time.Millisecond)
}
