package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"slices"
	"strings"
	"time"

	"geocache/pkg/membership"

	"github.com/go-zookeeper/zk"
)

const (
	regionsDir     = "regions"
	connectTimeout = 10 * time.Second
	retryDelay     = 2 * time.Second
)

var ErrNotConnected = errors.New("discovery: zookeeper not connected")

type iConn interface {
	Exists(path string) (bool, *zk.Stat, error)
	Create(path string, data []byte, flags int32, acl []zk.ACL) (string, error)
	Set(path string, data []byte, version int32) (*zk.Stat, error)
	Get(path string) ([]byte, *zk.Stat, error)
	ChildrenW(path string) ([]string, *zk.Stat, <-chan zk.Event, error)
	State() zk.State
	Close()
}

// Registry publishes this region under <root>/regions/<region> as an ephemeral node
// holding its address, and turns the other children into a peer list.
type Registry struct {
	conn    iConn
	root    string
	region  string
	address string
	// static peers stay in the list even while they are not registered
	static []membership.PeerConfig
}

// servers: ["zk1:2181", "zk2:2181"]
func NewRegistry(servers []string, sessionTimeout time.Duration, root, region, address string) (*Registry, error) {
	conn, _, err := zk.Connect(servers, sessionTimeout)
	if err != nil {
		return nil, fmt.Errorf("zk connect: %w", err)
	}
	return newRegistry(conn, root, region, address), nil
}

func newRegistry(conn iConn, root, region, address string) *Registry {
	return &Registry{
		conn:    conn,
		root:    "/" + strings.Trim(root, "/"),
		region:  region,
		address: address,
	}
}

// WithStaticPeers keeps configured peers in every published list.
func (r *Registry) WithStaticPeers(peers []membership.PeerConfig) *Registry {
	r.static = slices.Clone(peers)
	return r
}

func (r *Registry) Close() error {
	r.conn.Close()
	return nil
}

func (r *Registry) dir() string {
	return path.Join(r.root, regionsDir)
}

func (r *Registry) ensurePath(p string) error {
	cur := ""
	for _, part := range strings.Split(p, "/") {
		if part == "" {
			continue
		}
		cur = cur + "/" + part
		exists, _, err := r.conn.Exists(cur)
		if err != nil {
			return err
		}
		if !exists {
			_, err = r.conn.Create(cur, nil, 0, zk.WorldACL(zk.PermAll))
			if err != nil && !errors.Is(err, zk.ErrNodeExists) {
				return err
			}
		}
	}
	return nil
}

// Register creates the ephemeral region node. A node left by a previous session of the
// same region gets the current address.
func (r *Registry) Register(ctx context.Context) error {
	if err := r.waitConnected(ctx, connectTimeout); err != nil {
		return err
	}
	if err := r.ensurePath(r.dir()); err != nil {
		return fmt.Errorf("ensure regions path: %w", err)
	}

	nodePath := path.Join(r.dir(), r.region)
	_, err := r.conn.Create(nodePath, []byte(r.address), zk.FlagEphemeral, zk.WorldACL(zk.PermAll))
	switch {
	case errors.Is(err, zk.ErrNodeExists):
		if _, err := r.conn.Set(nodePath, []byte(r.address), -1); err != nil {
			return fmt.Errorf("update region node: %w", err)
		}
	case err != nil:
		return fmt.Errorf("create ephemeral node: %w", err)
	}

	slog.Info("Registered region in zookeeper", "path", nodePath, "address", r.address)
	return nil
}

// Peers reads the registered regions other than this one, merged over the static peers.
func (r *Registry) Peers() ([]membership.PeerConfig, <-chan zk.Event, error) {
	children, _, ch, err := r.conn.ChildrenW(r.dir())
	if err != nil {
		return nil, nil, fmt.Errorf("zk children: %w", err)
	}

	byRegion := make(map[string]string, len(children)+len(r.static))
	for _, p := range r.static {
		byRegion[p.Region] = p.Address
	}
	for _, child := range children {
		if child == r.region {
			continue
		}
		data, _, err := r.conn.Get(path.Join(r.dir(), child))
		if errors.Is(err, zk.ErrNoNode) {
			continue
		}
		if err != nil {
			return nil, nil, fmt.Errorf("zk get %s: %w", child, err)
		}
		if addr := strings.TrimSpace(string(data)); addr != "" {
			byRegion[child] = addr
		}
	}

	return toPeers(byRegion), ch, nil
}

func toPeers(byRegion map[string]string) []membership.PeerConfig {
	peers := make([]membership.PeerConfig, 0, len(byRegion))
	for region, addr := range byRegion {
		peers = append(peers, membership.PeerConfig{Region: region, Address: addr})
	}
	slices.SortFunc(peers, func(a, b membership.PeerConfig) int {
		return strings.Compare(a.Region, b.Region)
	})
	return peers
}

// Watch calls apply with the peer list every time the set of registered regions changes,
// until ctx is done. Unchanged lists are not re-applied.
func (r *Registry) Watch(ctx context.Context, apply func([]membership.PeerConfig) error) error {
	var last []membership.PeerConfig
	applied := false

	for {
		peers, ch, err := r.Peers()
		if err != nil {
			slog.Warn("Zookeeper watch failed", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(retryDelay):
				continue
			}
		}

		if !applied || !slices.Equal(peers, last) {
			if err := apply(peers); err != nil {
				slog.Error("Failed to apply discovered peers", "error", err)
			} else {
				slog.Info("Discovered peers", "peers", peers)
				last, applied = peers, true
			}
		}

		select {
		case ev := <-ch:
			slog.Debug("Zookeeper event", "type", ev.Type, "path", ev.Path)
		case <-ctx.Done():
			slog.Info("Zookeeper watch stopped")
			return nil
		}
	}
}

func (r *Registry) waitConnected(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		st := r.conn.State()
		if st == zk.StateConnected || st == zk.StateHasSession {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w after %s, state=%v", ErrNotConnected, timeout, st)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
}
