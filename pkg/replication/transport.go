package replication

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"geocache/pkg/compression"
)

// Endpoint is the path receivers serve batches on.
const Endpoint = "/internal/replicate"

const maxErrorBody = 4 << 10

var ErrRejected = errors.New("replication: batch rejected by peer")

// Transport delivers a batch to the node at address and returns its acknowledgement.
type Transport interface {
	Send(ctx context.Context, address string, b Batch) (Ack, error)
}

// HTTPTransport posts compressed JSON batches to Endpoint.
type HTTPTransport struct {
	codec  compression.Codec
	client *http.Client
}

func NewHTTPTransport(codec compression.Codec, timeout time.Duration) *HTTPTransport {
	return &HTTPTransport{
		codec:  codec,
		client: &http.Client{Timeout: timeout},
	}
}

func (t *HTTPTransport) Send(ctx context.Context, address string, b Batch) (Ack, error) {
	body, err := EncodeBatch(b, t.codec)
	if err != nil {
		return Ack{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, address+Endpoint, bytes.NewReader(body))
	if err != nil {
		return Ack{}, fmt.Errorf("create replicate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if t.codec.Name != compression.None.Name {
		req.Header.Set("Content-Encoding", t.codec.Name)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return Ack{}, fmt.Errorf("replicate do: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return Ack{}, fmt.Errorf("%w: %d: %s", ErrRejected, resp.StatusCode, bytes.TrimSpace(msg))
		}
		return Ack{}, fmt.Errorf("replicate failed: %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	var ack Ack
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		return Ack{}, fmt.Errorf("decode ack: %w", err)
	}
	return ack, nil
}
