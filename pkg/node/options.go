package node

import (
	"time"

	"geocache/pkg/clock"
	"geocache/pkg/membership"
	"geocache/pkg/replication"
)

type iTimeProvider interface {
	Now() time.Time
}

type wallTime struct{}

func (wallTime) Now() time.Time { return time.Now() }

type options struct {
	tp        iTimeProvider
	source    clock.Source
	transport replication.Transport
	probe     membership.ProbeFunc
}

type Option func(*options)

// WithTimeProvider drives TTLs, tombstone grace and peer backoff from tp.
func WithTimeProvider(tp iTimeProvider) Option {
	return func(o *options) { o.tp = tp }
}

// WithClockSource overrides the counter source chosen from the data dir.
func WithClockSource(src clock.Source) Option {
	return func(o *options) { o.source = src }
}

func WithTransport(t replication.Transport) Option {
	return func(o *options) { o.transport = t }
}

// WithProbe replaces the HTTP health check of peers.
func WithProbe(p membership.ProbeFunc) Option {
	return func(o *options) { o.probe = p }
}
