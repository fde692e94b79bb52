package http

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"geocache/pkg/clock"
	"geocache/pkg/compression"
	"geocache/pkg/node"
	"geocache/pkg/replication"

	"github.com/google/uuid"
)

func newTestServer(t *testing.T) (*Server, *node.Node) {
	t.Helper()

	n, err := node.New(node.Config{Region: "eu", Capacity: 16}, node.WithClockSource(&clock.MemorySource{}))
	if err != nil {
		t.Fatalf("failed to create node: %v", err)
	}
	t.Cleanup(n.Stop)

	return NewServer(n, n.Metrics().Handler(), ""), n
}

func serve(s *Server, req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	s.createRouter().ServeHTTP(rr, req)
	return rr
}

func decodeResp(t *testing.T, rr *httptest.ResponseRecorder) Response {
	t.Helper()
	var resp Response
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response JSON: %v, body=%s", err, rr.Body.String())
	}
	return resp
}

func TestHealthHandler(t *testing.T) {
	s, _ := newTestServer(t)

	rr := serve(s, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	var h node.Health
	if err := json.Unmarshal(rr.Body.Bytes(), &h); err != nil {
		t.Fatalf("failed to decode health: %v", err)
	}
	if h.Status != node.StatusOK || h.Region != "eu" || h.Partitioned {
		t.Fatalf("unexpected health: %+v", h)
	}
}

func TestPutGetDeleteFlow(t *testing.T) {
	s, _ := newTestServer(t)

	// PUT
	req := httptest.NewRequest(http.MethodPut, "/api/cache/user:1?ttl=1m", strings.NewReader(`{"name":"alice"}`))
	req.Header.Set("Content-Type", "application/json")
	rr := serve(s, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("put: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	resp := decodeResp(t, rr)
	if resp.Status != StatusSuccess || resp.Version == nil || resp.Version.Region != "eu" {
		t.Fatalf("put: unexpected response %+v", resp)
	}

	// GET
	rr = serve(s, httptest.NewRequest(http.MethodGet, "/api/cache/user:1", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("get: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	resp = decodeResp(t, rr)
	if string(resp.Value) != `{"name":"alice"}` || resp.Type != "application/json" {
		t.Fatalf("get: unexpected value %q type %q", resp.Value, resp.Type)
	}

	// GET raw
	rr = serve(s, httptest.NewRequest(http.MethodGet, "/api/cache/user:1?raw=1", nil))
	if rr.Body.String() != `{"name":"alice"}` || rr.Header().Get("Content-Type") != "application/json" {
		t.Fatalf("raw get: unexpected body %q", rr.Body.String())
	}

	// DELETE
	rr = serve(s, httptest.NewRequest(http.MethodDelete, "/api/cache/user:1", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("delete: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}

	// GET after delete -> 404
	rr = serve(s, httptest.NewRequest(http.MethodGet, "/api/cache/user:1", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("get-after-delete: expected 404, got %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestExpireHandler(t *testing.T) {
	s, n := newTestServer(t)

	rr := serve(s, httptest.NewRequest(http.MethodPost, "/api/cache/missing/expire?ttl=1m", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expire-missing: expected 404, got %d", rr.Code)
	}

	serve(s, httptest.NewRequest(http.MethodPut, "/api/cache/k?ttl=none", strings.NewReader("v")))
	rr = serve(s, httptest.NewRequest(http.MethodPost, "/api/cache/k/expire?ttl=1h", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expire: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if _, ok := n.Get("k"); !ok {
		t.Fatal("expire: key should still be live")
	}

	rr = serve(s, httptest.NewRequest(http.MethodPost, "/api/cache/k/expire", nil))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expire-no-ttl: expected 400, got %d", rr.Code)
	}
}

func TestBadRequests(t *testing.T) {
	s, _ := newTestServer(t)

	rr := serve(s, httptest.NewRequest(http.MethodPut, "/api/cache/k?ttl=soon", strings.NewReader("v")))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("bad-ttl: expected 400, got %d body=%s", rr.Code, rr.Body.String())
	}

	// Method not allowed: POST to /health
	rr = serve(s, httptest.NewRequest(http.MethodPost, "/health", nil))
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("method-not-allowed: expected 405, got %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestReplicateHandler(t *testing.T) {
	s, n := newTestServer(t)

	batch := replication.Batch{
		ID:          uuid.New(),
		Origin:      "us",
		Incarnation: uuid.New(),
		Records: []replication.WireRecord{{
			Seq:     1,
			Key:     "user:1",
			Value:   []byte("bob"),
			Version: clock.Version{Region: "us", Counter: 7},
		}},
	}
	body, err := replication.EncodeBatch(batch, compression.Zstd)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, replication.Endpoint, bytes.NewReader(body))
	req.Header.Set("Content-Encoding", "zstd")
	rr := serve(s, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("replicate: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}

	var ack replication.Ack
	if err := json.Unmarshal(rr.Body.Bytes(), &ack); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if ack.Seq != 1 || ack.Resync {
		t.Fatalf("unexpected ack %+v", ack)
	}
	if v, ok := n.Get("user:1"); !ok || string(v.Data) != "bob" {
		t.Fatalf("replicated value not applied: %q %v", v.Data, ok)
	}

	req = httptest.NewRequest(http.MethodPost, replication.Endpoint, bytes.NewReader(body))
	req.Header.Set("Content-Encoding", "br")
	if rr = serve(s, req); rr.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("unknown encoding: expected 415, got %d", rr.Code)
	}

	req = httptest.NewRequest(http.MethodPost, replication.Endpoint, strings.NewReader("not json"))
	if rr = serve(s, req); rr.Code != http.StatusBadRequest {
		t.Fatalf("garbage: expected 400, got %d", rr.Code)
	}
}

func TestMetricsHandler(t *testing.T) {
	s, n := newTestServer(t)
	n.Get("missing")

	rr := serve(s, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("metrics: expected 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `geocache_requests_total{op="get",region="eu",status="miss"} 1`) {
		t.Fatalf("metrics: request counter missing:\n%s", rr.Body.String())
	}
}
