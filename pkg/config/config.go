package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"geocache/pkg/compression"
	"geocache/pkg/membership"
	"geocache/pkg/node"

	"github.com/goccy/go-yaml"
)

const (
	EnvRegion = "GEOCACHE_REGION"
	EnvPeers  = "GEOCACHE_PEERS"
	EnvAddr   = "GEOCACHE_ADDR"
)

var ErrInvalid = errors.New("config: invalid")

// Config is the root of the YAML configuration of one region.
type Config struct {
	Region   string                  `yaml:"region"`
	Peers    []membership.PeerConfig `yaml:"peers"`
	Capacity int                     `yaml:"capacity"`

	DefaultTTL          Duration `yaml:"default_ttl"`
	HealthCheckInterval Duration `yaml:"health_check_interval"`
	HealthCheckTimeout  Duration `yaml:"health_check_timeout"`
	SuspectThreshold    int      `yaml:"suspect_threshold"`
	DownBackoffCeiling  Duration `yaml:"down_backoff_ceiling"`
	SweepInterval       Duration `yaml:"sweep_interval"`
	TombstoneGrace      Duration `yaml:"tombstone_grace"`
	MaxOutage           Duration `yaml:"max_outage"`

	Replication ReplicationConfig `yaml:"replication"`
	DataDir     string            `yaml:"data_dir"`

	Server    ServerConfig    `yaml:"http-server"`
	Logger    LoggerConfig    `yaml:"logger"`
	Discovery DiscoveryConfig `yaml:"discovery"`
}

type ReplicationConfig struct {
	BatchSize     int      `yaml:"batch_size"`
	SendTimeout   Duration `yaml:"send_timeout"`
	RetryInterval Duration `yaml:"retry_interval"`
	MaxLogRecords int      `yaml:"max_log_records"`
	Compression   string   `yaml:"compression"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
	// Advertise is the address peers and discovery use to reach this region.
	Advertise string `yaml:"advertise"`
}

type LoggerConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

type DiscoveryConfig struct {
	Zookeeper ZookeeperConfig `yaml:"zookeeper"`
}

type ZookeeperConfig struct {
	Servers        []string `yaml:"servers"`
	Root           string   `yaml:"root"`
	SessionTimeout Duration `yaml:"session_timeout"`
}

func (z ZookeeperConfig) Enabled() bool {
	return len(z.Servers) > 0
}

// Default returns a baseline development config.
func Default() Config {
	return Config{
		Region:              "local",
		Capacity:            10000,
		HealthCheckInterval: Duration(2 * time.Second),
		HealthCheckTimeout:  Duration(time.Second),
		SuspectThreshold:    3,
		DownBackoffCeiling:  Duration(time.Minute),
		SweepInterval:       Duration(time.Second),
		TombstoneGrace:      Duration(10 * time.Minute),
		Replication: ReplicationConfig{
			BatchSize:     256,
			SendTimeout:   Duration(5 * time.Second),
			RetryInterval: Duration(500 * time.Millisecond),
			Compression:   compression.Zstd.Name,
		},
		Server: ServerConfig{
			Port: 8080,
		},
		Logger: LoggerConfig{
			Level: "INFO",
		},
		Discovery: DiscoveryConfig{
			Zookeeper: ZookeeperConfig{
				Root:           "/geocache",
				SessionTimeout: Duration(5 * time.Second),
			},
		},
	}
}

// Load reads path over Default, then applies environment overrides. A missing file
// yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		slog.Info("config file not found, using default config", "path", path)
	case err != nil:
		return cfg, err
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// ApplyEnv overrides region, peers and advertised address from the environment.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvRegion); ok && v != "" {
		c.Region = v
	}
	if v, ok := lookup(EnvPeers); ok {
		peers, err := ParsePeers(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvPeers, err)
		}
		c.Peers = peers
	}
	if v, ok := lookup(EnvAddr); ok && v != "" {
		c.Server.Advertise = v
	}
	return nil
}

// ParsePeers reads "region=address,region=address". Blank input means no peers.
func ParsePeers(s string) ([]membership.PeerConfig, error) {
	var peers []membership.PeerConfig
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		region, addr, ok := strings.Cut(part, "=")
		region, addr = strings.TrimSpace(region), strings.TrimSpace(addr)
		if !ok || region == "" || addr == "" {
			return nil, fmt.Errorf("%w: peer %q, want region=address", ErrInvalid, part)
		}
		peers = append(peers, membership.PeerConfig{Region: region, Address: addr})
	}
	return peers, nil
}

func (c Config) Validate() error {
	var errs []error
	if c.Region == "" {
		errs = append(errs, errors.New("region is required"))
	}
	if c.Capacity <= 0 {
		errs = append(errs, errors.New("capacity must be positive"))
	}
	if c.SuspectThreshold < 0 {
		errs = append(errs, errors.New("suspect_threshold must not be negative"))
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("http-server.port %d out of range", c.Server.Port))
	}
	if _, err := compression.ByName(c.Replication.Compression); err != nil {
		errs = append(errs, fmt.Errorf("replication.compression: %w", err))
	}
	if _, err := c.Logger.SlogLevel(); err != nil {
		errs = append(errs, err)
	}

	seen := make(map[string]bool, len(c.Peers))
	for _, p := range c.Peers {
		switch {
		case p.Region == "" || p.Address == "":
			errs = append(errs, fmt.Errorf("peer %+v needs region and address", p))
		case p.Region == c.Region:
			errs = append(errs, fmt.Errorf("region %s listed as its own peer", p.Region))
		case seen[p.Region]:
			errs = append(errs, fmt.Errorf("peer %s listed twice", p.Region))
		}
		seen[p.Region] = true
	}
	if c.DataDir == "" && (len(c.Peers) > 0 || c.Discovery.Zookeeper.Enabled()) {
		errs = append(errs, errors.New("data_dir is required once peers are configured: the counter must survive restarts"))
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
}

// Node converts the file layout into the node's runtime config.
func (c Config) Node() node.Config {
	return node.Config{
		Region:         c.Region,
		Peers:          c.Peers,
		Capacity:       c.Capacity,
		DefaultTTL:     c.DefaultTTL.Std(),
		TombstoneGrace: c.TombstoneGrace.Std(),
		SweepInterval:  c.SweepInterval.Std(),
		Membership: membership.Config{
			HealthCheckInterval: c.HealthCheckInterval.Std(),
			HealthCheckTimeout:  c.HealthCheckTimeout.Std(),
			SuspectThreshold:    c.SuspectThreshold,
			DownBackoffCeiling:  c.DownBackoffCeiling.Std(),
			MaxOutage:           c.MaxOutage.Std(),
		},
		Replication: node.ReplicationConfig{
			BatchSize:     c.Replication.BatchSize,
			SendTimeout:   c.Replication.SendTimeout.Std(),
			RetryInterval: c.Replication.RetryInterval.Std(),
			MaxLogRecords: c.Replication.MaxLogRecords,
			Compression:   c.Replication.Compression,
		},
		DataDir: c.DataDir,
	}
}

func (l LoggerConfig) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("logger.level %q: %w", l.Level, err)
	}
	return lvl, nil
}
