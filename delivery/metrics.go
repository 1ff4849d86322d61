package delivery

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var deliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "txrelay_deliveries_total",
	Help: "counter of transactions driven to a terminal outcome, by result",
}, []string{"result"})

var attemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "txrelay_delivery_attempts_total",
	Help: "counter of individual posting attempts, by result",
}, []string{"result"})

var retriesTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "txrelay_delivery_retries_total",
	Help: "counter of confirmed pre-write failures which were retried with backoff",
})

var workersActive = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "txrelay_workers_active",
	Help: "gauge of workers currently delivering a transaction",
})

var queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "txrelay_queue_depth",
	Help: "gauge of queue entries awaiting delivery, polled by the worker pool",
})

var sweepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "txrelay_sweeps_total",
	Help: "counter of reconciliation sweep passes, by result",
}, []string{"result"})

var sweepRequeuedTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "txrelay_sweep_requeued_total",
	Help: "counter of stale records re-enqueued by the reconciliation sweeper",
})
