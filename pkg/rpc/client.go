package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"geocache/pkg/clock"
	"geocache/pkg/membership"
	"geocache/pkg/node"
	"geocache/pkg/store"
)

const defaultTimeout = 3 * time.Second

var ErrBadRequest = errors.New("rpc: bad request")

// Client talks to one region's HTTP API.
type Client struct {
	baseURL string
	client  *http.Client
}

type apiResponse struct {
	Status  string         `json:"status"`
	Value   []byte         `json:"value"`
	Type    string         `json:"type"`
	Version *clock.Version `json:"version"`
	Error   string         `json:"error"`
}

// NewClient accepts "host:port" or a full base URL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: membership.NormalizeAddress(baseURL),
		client:  &http.Client{Timeout: defaultTimeout},
	}
}

// WithHTTPClient replaces the underlying client, e.g. to change the timeout.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.client = hc
	return c
}

func (c *Client) keyURL(key, suffix string) string {
	return c.baseURL + "/api/cache/" + url.PathEscape(key) + suffix
}

func (c *Client) Get(ctx context.Context, key string) (store.Value, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.keyURL(key, ""), nil)
	if err != nil {
		return store.Value{}, false, fmt.Errorf("create GET request: %w", err)
	}

	var ar apiResponse
	status, err := c.do(req, &ar)
	if status == http.StatusNotFound {
		return store.Value{}, false, nil
	}
	if err != nil {
		return store.Value{}, false, fmt.Errorf("GET %s: %w", key, err)
	}
	return store.Value{Data: ar.Value, Type: ar.Type}, true, nil
}

// Set writes key. ttl follows the node convention: 0 selects the server default and a
// negative ttl stores the key without expiration.
func (c *Client) Set(ctx context.Context, key string, val store.Value, ttl time.Duration) (clock.Version, error) {
	return c.SetWithOptions(ctx, key, val, store.SetOptions{TTL: ttl})
}

func (c *Client) SetWithOptions(ctx context.Context, key string, val store.Value, opts store.SetOptions) (clock.Version, error) {
	q := url.Values{}
	switch {
	case opts.TTL < 0:
		q.Set("ttl", "none")
	case opts.TTL > 0:
		q.Set("ttl", opts.TTL.String())
	}
	if opts.Pin {
		q.Set("pin", "true")
	}
	u := c.keyURL(key, "")
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, bytes.NewReader(val.Data))
	if err != nil {
		return clock.Version{}, fmt.Errorf("create PUT request: %w", err)
	}
	if val.Type != "" {
		req.Header.Set("Content-Type", val.Type)
	}

	var ar apiResponse
	if _, err := c.do(req, &ar); err != nil {
		return clock.Version{}, fmt.Errorf("PUT %s: %w", key, err)
	}
	if ar.Version == nil {
		return clock.Version{}, fmt.Errorf("PUT %s: response without version", key)
	}
	return *ar.Version, nil
}

func (c *Client) Delete(ctx context.Context, key string) (clock.Version, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.keyURL(key, ""), nil)
	if err != nil {
		return clock.Version{}, fmt.Errorf("create DELETE request: %w", err)
	}

	var ar apiResponse
	if _, err := c.do(req, &ar); err != nil {
		return clock.Version{}, fmt.Errorf("DELETE %s: %w", key, err)
	}
	if ar.Version == nil {
		return clock.Version{}, fmt.Errorf("DELETE %s: response without version", key)
	}
	return *ar.Version, nil
}

// Expire resets the TTL of a live key and reports whether it existed.
func (c *Client) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	u := c.keyURL(key, "/expire") + "?ttl=" + url.QueryEscape(ttl.String())
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, nil)
	if err != nil {
		return false, fmt.Errorf("create EXPIRE request: %w", err)
	}

	status, err := c.do(req, nil)
	if status == http.StatusNotFound {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("EXPIRE %s: %w", key, err)
	}
	return true, nil
}

func (c *Client) Health(ctx context.Context) (node.Health, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return node.Health{}, fmt.Errorf("create health request: %w", err)
	}

	var h node.Health
	if _, err := c.do(req, &h); err != nil {
		return node.Health{}, fmt.Errorf("health: %w", err)
	}
	return h, nil
}

func (c *Client) do(req *http.Request, out any) (int, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		msg := strings.TrimSpace(string(b))
		var ar apiResponse
		if json.Unmarshal(b, &ar) == nil && ar.Error != "" {
			msg = ar.Error
		}
		if resp.StatusCode == http.StatusBadRequest {
			return resp.StatusCode, fmt.Errorf("%w: %s", ErrBadRequest, msg)
		}
		return resp.StatusCode, fmt.Errorf("status=%d: %s", resp.StatusCode, msg)
	}

	if out == nil {
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("decode: %w", err)
	}
	return resp.StatusCode, nil
}
