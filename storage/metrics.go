package storage

import (
	"errors"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "bluegraph"

type metrics struct {
	loads       *prometheus.CounterVec
	dumps       *prometheus.CounterVec
	filterSkips *prometheus.CounterVec
	operations  *prometheus.CounterVec
	replayed    *prometheus.CounterVec
}

// newMetrics creates the store's collectors and registers them on reg.
// Collectors already registered by another graph sharing reg are reused.
func newMetrics(reg prometheus.Registerer) *metrics {
	return &metrics{
		loads: registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "partition_loads_total",
			Help:      "Partitions read from disk, by family.",
		}, []string{"family"})),
		dumps: registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "partition_dumps_total",
			Help:      "Partitions written to disk, by family.",
		}, []string{"family"})),
		filterSkips: registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "filter_skips_total",
			Help:      "Partition loads avoided by a bloom filter, by family.",
		}, []string{"family"})),
		operations: registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "operations_total",
			Help:      "Store operations, by operation and result.",
		}, []string{"op", "result"})),
		replayed: registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "intents_replayed_total",
			Help:      "Intents replayed during recovery, by op.",
		}, []string{"op"})),
	}
}

func registerCounterVec(reg prometheus.Registerer, c *prometheus.CounterVec) *prometheus.CounterVec {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing
			}
		}
		// Unregistered collectors still count, they just aren't exported
		return c
	}
	return c
}

// Operation results.
const (
	resultOK      = "ok"
	resultFalse   = "false"
	resultError   = "error"
	resultInvalid = "invalid"
)

// boundary is shared by the managers. It turns internal failures into the
// boolean results callers see.
type boundary struct {
	log     *slog.Logger
	metrics *metrics
}

// settle logs err (if any), records the outcome of op and returns the
// boolean result the caller gets.
func (b *boundary) settle(op string, ok bool, err error, attrs ...any) bool {
	switch {
	case err != nil:
		b.log.Error("operation failed", append([]any{"op", op, "err", err}, attrs...)...)
		b.metrics.operations.WithLabelValues(op, resultError).Inc()
		return false
	case ok:
		b.metrics.operations.WithLabelValues(op, resultOK).Inc()
		return true
	default:
		b.metrics.operations.WithLabelValues(op, resultFalse).Inc()
		return false
	}
}

// reject records a validation failure of op.
func (b *boundary) reject(op string, err error) error {
	b.metrics.operations.WithLabelValues(op, resultInvalid).Inc()
	return err
}
