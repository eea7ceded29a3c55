package transport_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fiberstack/fiber/internal/model"
	"github.com/fiberstack/fiber/internal/testutil"
	"github.com/fiberstack/fiber/internal/transport"
)

const testSecret = "fedsecret"

func newServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func testClient(url string, retry transport.RetryPolicy) *transport.Client {
	return transport.NewClient(transport.Config{
		Name:           "test",
		URL:            url,
		Token:          "tok-123",
		NodeID:         "node-a",
		Secret:         testSecret,
		Retry:          retry,
		RequestTimeout: time.Second,
	}, testutil.TestLogger())
}

func fastRetry() transport.RetryPolicy {
	return transport.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func sample() []model.Metric {
	return []model.Metric{
		{NodeID: "node-a", Country: "GH", Region: "Accra", LatencyMS: 45.5, UptimePct: 99.9, PacketLoss: 0.1, Timestamp: "2026-01-15T10:30:00Z"},
		{NodeID: "node-a", Country: "GH", Region: "Accra", LatencyMS: 51.0, UptimePct: 99.8, PacketLoss: 0.2, Timestamp: "2026-01-15T10:30:30Z"},
	}
}

func TestClient_SignsAndDelivers(t *testing.T) {
	var mu sync.Mutex
	var captured *http.Request
	var body []byte

	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		captured = r.Clone(r.Context())
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusAccepted)
	})

	c := testClient(srv.URL, fastRetry())
	require.NoError(t, c.Push(context.Background(), sample()))

	mu.Lock()
	defer mu.Unlock()
	require.NotNil(t, captured)

	assert.Equal(t, "application/json", captured.Header.Get("Content-Type"))
	assert.Equal(t, "Bearer tok-123", captured.Header.Get("Authorization"))

	batchID := captured.Header.Get(transport.HeaderBatchID)
	nonce := captured.Header.Get(transport.HeaderNonce)
	ts := captured.Header.Get(transport.HeaderTimestamp)
	_, err := uuid.Parse(batchID)
	require.NoError(t, err, "batch id is a UUID")
	_, err = uuid.Parse(nonce)
	require.NoError(t, err, "nonce is a UUID")
	_, err = time.Parse(time.RFC3339, ts)
	require.NoError(t, err, "timestamp is RFC3339")

	// The gateway recomputes the signature over the raw body.
	want := transport.Sign([]byte(testSecret), batchID, ts, nonce, body)
	assert.Equal(t, want, captured.Header.Get(transport.HeaderSignature))

	var batch model.Batch
	require.NoError(t, json.Unmarshal(body, &batch))
	assert.Equal(t, "node-a", batch.NodeID)
	assert.Len(t, batch.Metrics, 2)

	// Body bytes are already canonical.
	canon, err := transport.CanonicalJSON(batch)
	require.NoError(t, err)
	assert.Equal(t, string(canon), string(body))
}

func TestClient_RetriesTransientFailures(t *testing.T) {
	var hits atomic.Int32
	var mu sync.Mutex
	batchIDs := map[string]bool{}

	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		batchIDs[r.Header.Get(transport.HeaderBatchID)] = true
		mu.Unlock()
		if hits.Add(1) <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	c := testClient(srv.URL, fastRetry())
	require.NoError(t, c.Push(context.Background(), sample()))
	assert.Equal(t, int32(3), hits.Load())

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, batchIDs, 1, "retries reuse the batch id so the gateway can dedupe")
}

func TestClient_FreshNoncePerAttempt(t *testing.T) {
	var hits atomic.Int32
	var mu sync.Mutex
	nonces := map[string]bool{}

	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		nonces[r.Header.Get(transport.HeaderNonce)] = true
		mu.Unlock()
		if hits.Add(1) <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})

	c := testClient(srv.URL, fastRetry())
	require.NoError(t, c.Push(context.Background(), sample()))

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, nonces, 3, "each attempt signs with its own nonce so the gateway's replay guard never blocks a retry")
}

func TestClient_RequestTimeoutRetries(t *testing.T) {
	var hits atomic.Int32
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusRequestTimeout)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})

	c := testClient(srv.URL, fastRetry())
	require.NoError(t, c.Push(context.Background(), sample()))
	assert.Equal(t, int32(2), hits.Load(), "408 is retryable")
}

func TestClient_TerminalRejection(t *testing.T) {
	var hits atomic.Int32
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, `{"error":{"code":"INVALID_INPUT"}}`, http.StatusBadRequest)
	})

	c := testClient(srv.URL, fastRetry())
	err := c.Push(context.Background(), sample())
	require.Error(t, err)
	assert.ErrorIs(t, err, transport.ErrRejected)
	assert.Equal(t, int32(1), hits.Load(), "4xx is not retried")
}

func TestClient_RetriesExhausted(t *testing.T) {
	var hits atomic.Int32
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	retry := transport.RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
	c := testClient(srv.URL, retry)
	err := c.Push(context.Background(), sample())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 2 attempts")
	assert.Equal(t, int32(2), hits.Load())
}

func TestClient_CircuitOpensAfterConsecutiveFailures(t *testing.T) {
	var hits atomic.Int32
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	})

	retry := transport.RetryPolicy{MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
	c := testClient(srv.URL, retry)

	for range 5 {
		require.Error(t, c.Push(context.Background(), sample()))
	}
	require.Equal(t, int32(5), hits.Load())

	err := c.Push(context.Background(), sample())
	require.Error(t, err)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, int32(5), hits.Load(), "open circuit never touches the network")
}

func TestClient_RejectionDoesNotTripCircuit(t *testing.T) {
	var hits atomic.Int32
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
	})

	retry := transport.RetryPolicy{MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
	c := testClient(srv.URL, retry)

	for range 8 {
		err := c.Push(context.Background(), sample())
		require.ErrorIs(t, err, transport.ErrRejected)
	}
	assert.Equal(t, int32(8), hits.Load(), "rejections reach the server every time")
}

func TestClient_EmptyBatchIsNoop(t *testing.T) {
	var hits atomic.Int32
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) { hits.Add(1) })

	c := testClient(srv.URL, fastRetry())
	require.NoError(t, c.Push(context.Background(), nil))
	assert.Zero(t, hits.Load())
}

func TestClient_HeartbeatPostsToSiblingRoute(t *testing.T) {
	var mu sync.Mutex
	var gotPath, gotAuth string
	var gotBody []byte

	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	})

	// The batch URL carries the ingest path; heartbeats must land on the
	// sibling route of the same host.
	c := testClient(srv.URL+"/api/ingest", fastRetry())
	err := c.Heartbeat(context.Background(), model.ProbeStatus{
		NodeID:       "node-a",
		ActiveTarget: "primary",
		Timestamp:    "2026-01-15T10:30:00Z",
	})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "/api/probe/heartbeat", gotPath)
	assert.Equal(t, "Bearer tok-123", gotAuth)

	var hb model.ProbeStatus
	require.NoError(t, json.Unmarshal(gotBody, &hb))
	assert.Equal(t, "node-a", hb.NodeID)
	assert.Equal(t, "primary", hb.ActiveTarget)
}

func TestClient_HeartbeatSingleAttempt(t *testing.T) {
	var hits atomic.Int32
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	})

	c := testClient(srv.URL, fastRetry())
	err := c.Heartbeat(context.Background(), model.ProbeStatus{NodeID: "node-a"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 502")
	assert.Equal(t, int32(1), hits.Load(), "heartbeats never retry")
}

func TestSign_InputSensitivity(t *testing.T) {
	secret := []byte("s1")
	body := []byte(`{"metrics":[],"node_id":"n"}`)
	base := transport.Sign(secret, "b1", "2026-01-15T10:30:00Z", "n1", body)

	assert.Len(t, base, 64, "hex SHA-256")
	assert.NotEqual(t, base, transport.Sign(secret, "b2", "2026-01-15T10:30:00Z", "n1", body))
	assert.NotEqual(t, base, transport.Sign(secret, "b1", "2026-01-15T10:30:01Z", "n1", body))
	assert.NotEqual(t, base, transport.Sign(secret, "b1", "2026-01-15T10:30:00Z", "n2", body))
	assert.NotEqual(t, base, transport.Sign(secret, "b1", "2026-01-15T10:30:00Z", "n1", []byte(`{}`)))
	assert.NotEqual(t, base, transport.Sign([]byte("s2"), "b1", "2026-01-15T10:30:00Z", "n1", body))

	again := transport.Sign(secret, "b1", "2026-01-15T10:30:00Z", "n1", body)
	assert.Equal(t, base, again, "deterministic for identical inputs")
}

func TestCanonicalJSON_SortedCompact(t *testing.T) {
	batch := model.Batch{
		NodeID: "node-a",
		Metrics: []model.Metric{{
			NodeID:     "node-a",
			Country:    "GH",
			Region:     "Accra",
			LatencyMS:  45.5,
			UptimePct:  99.9,
			PacketLoss: 0.1,
			Timestamp:  "2026-01-15T10:30:00Z",
		}},
	}

	got, err := transport.CanonicalJSON(batch)
	require.NoError(t, err)

	want := `{"metrics":[{"country":"GH","latency_ms":45.5,"node_id":"node-a","packet_loss":0.1,"region":"Accra","timestamp":"2026-01-15T10:30:00Z","uptime_pct":99.9}],"node_id":"node-a"}`
	assert.Equal(t, want, string(got))
}
