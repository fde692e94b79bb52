package rpc

import (
	"context"
	"time"

	"geocache/pkg/clock"
	"geocache/pkg/node"
	"geocache/pkg/store"
)

// Cache is the client-facing surface of one region, served either in-process or over HTTP.
type Cache interface {
	Get(ctx context.Context, key string) (store.Value, bool, error)
	Set(ctx context.Context, key string, val store.Value, ttl time.Duration) (clock.Version, error)
	SetWithOptions(ctx context.Context, key string, val store.Value, opts store.SetOptions) (clock.Version, error)
	Delete(ctx context.Context, key string) (clock.Version, error)
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Health(ctx context.Context) (node.Health, error)
}

var (
	_ Cache = (*Client)(nil)
	_ Cache = Local{}
)

// Local adapts an in-process node to Cache.
type Local struct {
	Node *node.Node
}

func (l Local) Get(_ context.Context, key string) (store.Value, bool, error) {
	v, ok := l.Node.Get(key)
	return v, ok, nil
}

func (l Local) Set(_ context.Context, key string, val store.Value, ttl time.Duration) (clock.Version, error) {
	return l.Node.Set(key, val, ttl)
}

func (l Local) SetWithOptions(_ context.Context, key string, val store.Value, opts store.SetOptions) (clock.Version, error) {
	return l.Node.SetWithOptions(key, val, opts)
}

func (l Local) Delete(_ context.Context, key string) (clock.Version, error) {
	return l.Node.Delete(key)
}

func (l Local) Expire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	return l.Node.Expire(key, ttl)
}

func (l Local) Health(context.Context) (node.Health, error) {
	return l.Node.Health(), nil
}
