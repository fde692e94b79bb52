package discovery

import (
	"context"
	"path"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"geocache/pkg/membership"

	"github.com/go-zookeeper/zk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConn is an in-memory znode tree with a single children watch.
type fakeConn struct {
	mu      sync.Mutex
	nodes   map[string][]byte
	watches []chan zk.Event
	state   zk.State
}

func newFakeConn() *fakeConn {
	return &fakeConn{nodes: make(map[string][]byte), state: zk.StateHasSession}
}

func (f *fakeConn) Exists(p string) (bool, *zk.Stat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.nodes[p]
	return ok, &zk.Stat{}, nil
}

func (f *fakeConn) Create(p string, data []byte, _ int32, _ []zk.ACL) (string, error) {
	f.mu.Lock()
	if _, ok := f.nodes[p]; ok {
		f.mu.Unlock()
		return "", zk.ErrNodeExists
	}
	f.nodes[p] = data
	f.mu.Unlock()
	f.fire(path.Dir(p))
	return p, nil
}

func (f *fakeConn) Set(p string, data []byte, _ int32) (*zk.Stat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.nodes[p]; !ok {
		return nil, zk.ErrNoNode
	}
	f.nodes[p] = data
	return &zk.Stat{}, nil
}

func (f *fakeConn) Get(p string) ([]byte, *zk.Stat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.nodes[p]
	if !ok {
		return nil, nil, zk.ErrNoNode
	}
	return data, &zk.Stat{}, nil
}

func (f *fakeConn) ChildrenW(p string) ([]string, *zk.Stat, <-chan zk.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.nodes[p]; !ok {
		return nil, nil, nil, zk.ErrNoNode
	}
	var children []string
	for k := range f.nodes {
		if path.Dir(k) == p {
			children = append(children, strings.TrimPrefix(k, p+"/"))
		}
	}
	sort.Strings(children)
	ch := make(chan zk.Event, 1)
	f.watches = append(f.watches, ch)
	return children, &zk.Stat{}, ch, nil
}

func (f *fakeConn) State() zk.State { return f.state }

func (f *fakeConn) Close() {}

func (f *fakeConn) remove(p string) {
	f.mu.Lock()
	delete(f.nodes, p)
	f.mu.Unlock()
	f.fire(path.Dir(p))
}

func (f *fakeConn) fire(dir string) {
	f.mu.Lock()
	watches := f.watches
	f.watches = nil
	f.mu.Unlock()
	for _, ch := range watches {
		ch <- zk.Event{Type: zk.EventNodeChildrenChanged, Path: dir}
	}
}

func TestRegistry_RegisterAndPeers(t *testing.T) {
	conn := newFakeConn()
	eu := newRegistry(conn, "/geocache/", "eu", "http://eu:8080")
	us := newRegistry(conn, "geocache", "us", "http://us:8080")

	require.NoError(t, eu.Register(context.Background()))
	require.NoError(t, us.Register(context.Background()))

	data, _, err := conn.Get("/geocache/regions/eu")
	require.NoError(t, err)
	assert.Equal(t, "http://eu:8080", string(data))

	peers, _, err := eu.Peers()
	require.NoError(t, err)
	assert.Equal(t, []membership.PeerConfig{{Region: "us", Address: "http://us:8080"}}, peers)
}

func TestRegistry_RegisterExistingNodeUpdatesAddress(t *testing.T) {
	conn := newFakeConn()
	require.NoError(t, newRegistry(conn, "/g", "eu", "old:1").Register(context.Background()))
	require.NoError(t, newRegistry(conn, "/g", "eu", "new:2").Register(context.Background()))

	data, _, err := conn.Get("/g/regions/eu")
	require.NoError(t, err)
	assert.Equal(t, "new:2", string(data))
}

func TestRegistry_RegisterNotConnected(t *testing.T) {
	conn := newFakeConn()
	conn.state = zk.StateDisconnected

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := newRegistry(conn, "/g", "eu", "a").Register(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRegistry_StaticPeersMerged(t *testing.T) {
	conn := newFakeConn()
	eu := newRegistry(conn, "/g", "eu", "eu:1").WithStaticPeers([]membership.PeerConfig{
		{Region: "us", Address: "static-us:1"},
		{Region: "ap", Address: "ap:1"},
	})
	require.NoError(t, eu.Register(context.Background()))
	require.NoError(t, newRegistry(conn, "/g", "us", "zk-us:1").Register(context.Background()))

	peers, _, err := eu.Peers()
	require.NoError(t, err)
	assert.Equal(t, []membership.PeerConfig{
		{Region: "ap", Address: "ap:1"},
		{Region: "us", Address: "zk-us:1"},
	}, peers)
}

func TestRegistry_Watch(t *testing.T) {
	conn := newFakeConn()
	eu := newRegistry(conn, "/g", "eu", "eu:1")
	require.NoError(t, eu.Register(context.Background()))

	updates := make(chan []membership.PeerConfig, 8)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = eu.Watch(ctx, func(p []membership.PeerConfig) error {
			updates <- p
			return nil
		})
	}()

	next := func() []membership.PeerConfig {
		select {
		case p := <-updates:
			return p
		case <-time.After(2 * time.Second):
			t.Fatal("no peer update")
			return nil
		}
	}

	assert.Empty(t, next())

	require.NoError(t, newRegistry(conn, "/g", "us", "us:1").Register(context.Background()))
	assert.Equal(t, []membership.PeerConfig{{Region: "us", Address: "us:1"}}, next())

	conn.remove("/g/regions/us")
	assert.Empty(t, next())

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not stop")
	}
}
