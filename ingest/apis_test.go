package ingest

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/copperline/txrelay/monitoring"
	"github.com/gorilla/mux"
	"github.com/nsf/jsondiff"
	"github.com/stretchr/testify/require"
)

// fixedWorkers stubs the worker pool's occupancy report.
type fixedWorkers int

func (w fixedWorkers) ActiveWorkers() int { return int(w) }

func newTestAPI(t *testing.T, cfg ServiceConfig) (*httptest.Server, *Service) {
	var svc, _, _ = newTestService(t, cfg)

	var api = &API{
		Service:   svc,
		Collector: monitoring.NewCollector(time.Now()),
		Workers:   fixedWorkers(3),
		Budget:    100 * time.Millisecond,
		Version:   "test",
	}
	var router = mux.NewRouter()
	api.Register(router)

	var srv = httptest.NewServer(router)
	t.Cleanup(srv.Close)

	return srv, svc
}

func post(t *testing.T, url, body string) (int, []byte) {
	resp, err := http.Post(url, "application/json", bytes.NewReader([]byte(body)))
	require.NoError(t, err)
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, b
}

func get(t *testing.T, url string) (int, []byte) {
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, b
}

// requireJSON asserts |body| carries at least the fields of |expect|.
func requireJSON(t *testing.T, body []byte, expect string) {
	var opts = jsondiff.DefaultConsoleOptions()
	var diff, desc = jsondiff.Compare(body, []byte(expect), &opts)

	if diff != jsondiff.FullMatch && diff != jsondiff.SupersetMatch {
		t.Fatalf("unexpected response body (%s):\n%s", diff, desc)
	}
}

func TestAPISubmitAndReadStatus(t *testing.T) {
	var srv, _ = newTestAPI(t, ServiceConfig{QueueMaxSize: 100})

	var started = time.Now()
	code, body := post(t, srv.URL+"/api/transactions",
		`{"id": "t1", "amount": 100.0, "currency": "USD", "description": "ok"}`)
	require.Equal(t, http.StatusOK, code)
	require.Less(t, time.Since(started), 100*time.Millisecond)
	requireJSON(t, body, `{"transactionId": "t1", "status": "pending"}`)

	code, body = get(t, srv.URL+"/api/transactions/t1")
	require.Equal(t, http.StatusOK, code)
	requireJSON(t, body, `{"transactionId": "t1", "status": "pending"}`)

	code, body = get(t, srv.URL+"/api/transactions/unknown")
	require.Equal(t, http.StatusNotFound, code)
	requireJSON(t, body, `{"detail": "Transaction not found"}`)
}

func TestAPISubmitDuplicate(t *testing.T) {
	var srv, _ = newTestAPI(t, ServiceConfig{QueueMaxSize: 100})
	const txn = `{"id": "t2", "amount": 50, "currency": "EUR", "description": "dup"}`

	code, body := post(t, srv.URL+"/api/transactions", txn)
	require.Equal(t, http.StatusOK, code)
	requireJSON(t, body, `{"transactionId": "t2"}`)

	// Both responses carry the same transaction id.
	code, body = post(t, srv.URL+"/api/transactions", txn)
	require.Equal(t, http.StatusOK, code)
	requireJSON(t, body, `{"transactionId": "t2", "status": "pending"}`)
}

func TestAPISubmitRejections(t *testing.T) {
	var srv, s = newTestAPI(t, ServiceConfig{QueueMaxSize: 1})

	code, body := post(t, srv.URL+"/api/transactions",
		`{"amount": -1, "currency": "USD", "description": "bad"}`)
	require.Equal(t, http.StatusUnprocessableEntity, code)
	requireJSON(t, body, `{"detail": "invalid transaction: amount must be positive"}`)

	code, _ = post(t, srv.URL+"/api/transactions", `{not json`)
	require.Equal(t, http.StatusUnprocessableEntity, code)

	// Fill the queue; further submissions are rejected as transient.
	code, _ = post(t, srv.URL+"/api/transactions",
		`{"id": "fill", "amount": 1, "currency": "USD", "description": "ok"}`)
	require.Equal(t, http.StatusOK, code)

	code, body = post(t, srv.URL+"/api/transactions",
		`{"id": "over", "amount": 1, "currency": "USD", "description": "ok"}`)
	require.Equal(t, http.StatusServiceUnavailable, code)
	requireJSON(t, body, `{"detail": "submission queue is full"}`)

	// The rejected submission left no trace.
	_, err := s.GetStatus(t.Context(), "over")
	require.Error(t, err)
}

func TestAPIHealth(t *testing.T) {
	var svc, _, mr = newTestService(t, ServiceConfig{})
	var api = &API{
		Service:   svc,
		Collector: monitoring.NewCollector(time.Now()),
		Workers:   fixedWorkers(3),
		Version:   "test",
	}
	var router = mux.NewRouter()
	api.Register(router)

	var srv = httptest.NewServer(router)
	t.Cleanup(srv.Close)

	code, body := get(t, srv.URL+"/api/health")
	require.Equal(t, http.StatusOK, code)
	requireJSON(t, body, `{
		"status": "healthy",
		"queue_depth": 0,
		"error_rate": 0,
		"worker_status": {"active_workers": 3}
	}`)

	// An unreachable store flips the report to unhealthy.
	mr.Close()
	code, body = get(t, srv.URL+"/api/health")
	require.Equal(t, http.StatusServiceUnavailable, code)
	requireJSON(t, body, `{"status": "unhealthy"}`)
}

func TestAPIBanner(t *testing.T) {
	var srv, _ = newTestAPI(t, ServiceConfig{})

	var code, body = get(t, srv.URL+"/")
	require.Equal(t, http.StatusOK, code)
	requireJSON(t, body, `{"service": "txrelay", "version": "test", "status": "running"}`)
}
