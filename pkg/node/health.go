package node

import (
	"geocache/pkg/membership"
)

const (
	StatusOK       = "OK"
	StatusDegraded = "DEGRADED"
)

// PeerStatus is a peer's health plus how far it trails this node's log.
type PeerStatus struct {
	membership.Peer
	Lag uint64 `json:"lag"`
}

type Health struct {
	Region      string       `json:"region"`
	Status      string       `json:"status"`
	Partitioned bool         `json:"partitioned"`
	Peers       []PeerStatus `json:"peers"`
	Entries     int          `json:"entries"`
	Capacity    int          `json:"capacity"`
	LogFirst    uint64       `json:"log_first"`
	LogLast     uint64       `json:"log_last"`
}

// Health reports this node's view of the deployment. A partitioned node keeps serving
// local reads and writes; it only says so here.
func (n *Node) Health() Health {
	n.mu.Lock()
	members := n.members
	n.mu.Unlock()

	last := n.log.Last()
	h := Health{
		Region:      n.cfg.Region,
		Status:      StatusOK,
		Partitioned: members.Partitioned(),
		Entries:     n.store.Len(),
		Capacity:    n.store.Capacity(),
		LogFirst:    n.log.First(),
		LogLast:     last,
	}

	for _, p := range members.Peers() {
		ps := PeerStatus{Peer: p}
		if acked, ok := n.log.Acked(p.Region); ok && acked < last {
			ps.Lag = last - acked
		} else if !ok {
			ps.Lag = last
		}
		if p.Health != membership.Healthy {
			h.Status = StatusDegraded
		}
		h.Peers = append(h.Peers, ps)
	}

	return h
}
