package ingest

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var submissionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "txrelay_submissions_total",
	Help: "counter of transaction submissions, by outcome",
}, []string{"outcome"})

var requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "txrelay_api_requests_total",
	Help: "counter of client-facing API requests served by the relay",
}, []string{"method", "code"})

var requestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name: "txrelay_api_request_duration_seconds",
	Help: "histogram of client-facing API request durations",
})
