package membership

import (
	"fmt"
	"strings"
	"time"
)

// Health is the failure detector's opinion about a peer.
type Health int

const (
	Healthy Health = iota
	Suspect
	Down
)

func (h Health) String() string {
	switch h {
	case Healthy:
		return "healthy"
	case Suspect:
		return "suspect"
	case Down:
		return "down"
	}
	return fmt.Sprintf("health(%d)", int(h))
}

func (h Health) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

func (h *Health) UnmarshalText(b []byte) error {
	switch string(b) {
	case "healthy":
		*h = Healthy
	case "suspect":
		*h = Suspect
	case "down":
		*h = Down
	default:
		return fmt.Errorf("unknown health %q", string(b))
	}
	return nil
}

// PeerConfig is one entry of the configured peer list.
type PeerConfig struct {
	Region  string `yaml:"region" json:"region"`
	Address string `yaml:"address" json:"address"`
}

// Peer is the state kept for one remote region.
type Peer struct {
	Region  string `json:"region"`
	Address string `json:"address"`

	Health           Health    `json:"health"`
	ConsecutiveFails int       `json:"consecutive_fails"`
	BackoffUntil     time.Time `json:"backoff_until,omitempty"`
	LastOK           time.Time `json:"last_ok,omitempty"`
	LastError        string    `json:"last_error,omitempty"`
	DownSince        time.Time `json:"down_since,omitempty"`

	// LastAcked is the highest contiguous sequence number the peer acknowledged.
	LastAcked uint64 `json:"last_acked"`
	// Detached peers no longer hold back log truncation and need a snapshot to catch up.
	Detached bool `json:"detached"`
}

// Transition is published whenever a peer changes health.
type Transition struct {
	Region string
	From   Health
	To     Health
	At     time.Time
	Reason string
}

// NormalizeAddress turns "host:port" into a base URL without trailing slash.
func NormalizeAddress(addr string) string {
	addr = strings.TrimRight(strings.TrimSpace(addr), "/")
	if addr == "" {
		return ""
	}
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return addr
}
