package ingest

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/copperline/txrelay/monitoring"
	"github.com/copperline/txrelay/store"
	"github.com/copperline/txrelay/transaction"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// WorkerStatus reports delivery-pool occupancy for the health payload.
type WorkerStatus interface {
	// ActiveWorkers is the count of workers currently delivering a transaction.
	ActiveWorkers() int
}

// API serves the relay's client-facing HTTP surface.
type API struct {
	Service   *Service
	Collector *monitoring.Collector
	Workers   WorkerStatus
	// Budget is the soft latency target of the submission path.
	// Submissions exceeding it are logged with a warning.
	Budget time.Duration
	// Version is reported by the banner endpoint.
	Version string
}

// Register installs all relay APIs on |router|.
func (a *API) Register(router *mux.Router) {
	router.Use(a.instrument)

	router.
		Path("/api/transactions").
		Methods("POST").
		HandlerFunc(a.serveSubmit)
	router.
		Path("/api/transactions/{id}").
		Methods("GET").
		HandlerFunc(a.serveStatus)
	router.
		Path("/api/health").
		Methods("GET").
		HandlerFunc(a.serveHealth)
	router.
		Path("/metrics").
		Methods("GET").
		Handler(promhttp.Handler())
	router.
		Path("/").
		Methods("GET").
		HandlerFunc(a.serveBanner)
}

// statusResponse is the public wire shape of a StatusRecord.
type statusResponse struct {
	TransactionID string            `json:"transactionId"`
	Status        transaction.State `json:"status"`
	SubmittedAt   time.Time         `json:"submittedAt"`
	CompletedAt   *time.Time        `json:"completedAt,omitempty"`
	Error         string            `json:"error,omitempty"`
}

func newStatusResponse(rec *transaction.StatusRecord) statusResponse {
	return statusResponse{
		TransactionID: rec.TransactionID,
		Status:        rec.State,
		SubmittedAt:   rec.SubmittedAt,
		CompletedAt:   rec.CompletedAt,
		Error:         rec.Error,
	}
}

func (a *API) serveSubmit(w http.ResponseWriter, r *http.Request) {
	var txn transaction.Transaction
	if err := json.NewDecoder(r.Body).Decode(&txn); err != nil {
		respondDetail(w, http.StatusUnprocessableEntity, "malformed transaction: "+err.Error())
		return
	}

	var rec, duplicate, err = a.Service.Submit(r.Context(), txn)
	switch {
	case err == nil:
		// Pass.
	case errors.Is(err, transaction.ErrValidation):
		respondDetail(w, http.StatusUnprocessableEntity, err.Error())
		return
	case errors.Is(err, ErrQueueFull):
		respondDetail(w, http.StatusServiceUnavailable, err.Error())
		return
	default:
		// Submission fails only on store round-trips; surface as transient.
		log.WithFields(log.Fields{"err": err, "client": r.RemoteAddr}).
			Error("submission failed")
		respondDetail(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}

	if duplicate {
		log.WithField("id", rec.TransactionID).Debug("returning prior submission state")
	}
	respond(w, http.StatusOK, newStatusResponse(rec))
}

func (a *API) serveStatus(w http.ResponseWriter, r *http.Request) {
	var rec, err = a.Service.GetStatus(r.Context(), mux.Vars(r)["id"])
	if errors.Is(err, store.ErrNotFound) {
		respondDetail(w, http.StatusNotFound, "Transaction not found")
		return
	} else if err != nil {
		log.WithFields(log.Fields{"err": err, "client": r.RemoteAddr}).
			Error("status read failed")
		respondDetail(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	respond(w, http.StatusOK, newStatusResponse(rec))
}

type healthResponse struct {
	Status     string       `json:"status"`
	QueueDepth int64        `json:"queue_depth"`
	ErrorRate  float64      `json:"error_rate"`
	Uptime     float64      `json:"uptime"`
	Workers    workerStatus `json:"worker_status"`
}

type workerStatus struct {
	ActiveWorkers int `json:"active_workers"`
}

func (a *API) serveHealth(w http.ResponseWriter, r *http.Request) {
	if err := a.Service.Healthy(r.Context()); err != nil {
		respond(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}
	var depth, err = a.Service.QueueDepth(r.Context())
	if err != nil {
		respond(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}

	var snap = a.Collector.Snapshot(time.Now())
	var active int
	if a.Workers != nil {
		active = a.Workers.ActiveWorkers()
	}
	respond(w, http.StatusOK, healthResponse{
		Status:     "healthy",
		QueueDepth: depth,
		ErrorRate:  snap.ErrorRate,
		Uptime:     snap.Uptime.Seconds(),
		Workers:    workerStatus{ActiveWorkers: active},
	})
}

func (a *API) serveBanner(w http.ResponseWriter, _ *http.Request) {
	respond(w, http.StatusOK, map[string]string{
		"service": "txrelay",
		"version": a.Version,
		"status":  "running",
	})
}

// instrument times each API request, records it with the collector, and
// warns when a submission exceeds the response budget.
func (a *API) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/api/") {
			next.ServeHTTP(w, r)
			return
		}

		var started = time.Now()
		var sw = &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)
		var elapsed = time.Since(started)

		a.Collector.Record(elapsed, sw.code < http.StatusInternalServerError)
		requestsTotal.WithLabelValues(r.Method, strconv.Itoa(sw.code)).Inc()
		requestDuration.Observe(elapsed.Seconds())

		if a.Budget > 0 && elapsed > a.Budget &&
			r.Method == "POST" && r.URL.Path == "/api/transactions" {
			log.WithFields(log.Fields{
				"elapsed": elapsed,
				"budget":  a.Budget,
			}).Warn("submission response exceeded latency budget")
		}
	})
}

// statusWriter captures the response code written by a handler.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func respond(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithField("err", err).Error("encoding response")
	}
}

// respondDetail writes the {"detail": ...} error shape of the API.
func respondDetail(w http.ResponseWriter, code int, detail string) {
	respond(w, code, map[string]string{"detail": detail})
}
