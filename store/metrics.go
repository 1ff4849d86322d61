package store

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var opsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "txrelay_store_ops_total",
	Help: "counter of store operations issued by the relay, by operation and result",
}, []string{"op", "result"})

// observe counts one store operation. ErrNotFound and ErrEmpty are expected
// outcomes, not store failures.
func observe(op string, err error) {
	var result = "ok"
	if err != nil && !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrEmpty) {
		result = "error"
	}
	opsCounter.WithLabelValues(op, result).Inc()
}
