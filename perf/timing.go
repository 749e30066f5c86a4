// Package perf provides performance measurement for lifecycle operations.
package perf

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
)

var (
	operationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dmthin_operation_duration_seconds",
		Help:    "Duration of thin-provisioning lifecycle operations.",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
	}, []string{"operation"})

	operationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dmthin_operations_total",
		Help: "Lifecycle operations by outcome.",
	}, []string{"operation", "outcome"})
)

// Timer tracks one operation's wall time, mirrored to the log and to the
// operation histogram.
type Timer struct {
	name      string
	startTime time.Time
	logger    logrus.FieldLogger
}

// Start begins timing an operation.
func Start(name string, logger logrus.FieldLogger) *Timer {
	return &Timer{
		name:      name,
		startTime: time.Now(),
		logger:    logger,
	}
}

// Stop ends timing, records the observation and logs the duration.
func (t *Timer) Stop() time.Duration {
	duration := time.Since(t.startTime)
	operationDuration.WithLabelValues(t.name).Observe(duration.Seconds())
	if t.logger != nil {
		t.logger.WithFields(logrus.Fields{
			"operation":   t.name,
			"duration_ms": duration.Milliseconds(),
		}).Info("operation completed")
	}
	return duration
}

// StopWithThreshold is Stop with a warning when duration exceeds threshold.
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	duration := time.Since(t.startTime)
	operationDuration.WithLabelValues(t.name).Observe(duration.Seconds())
	fields := logrus.Fields{
		"operation":   t.name,
		"duration_ms": duration.Milliseconds(),
	}
	if t.logger != nil {
		if duration > threshold {
			t.logger.WithFields(fields).Warn("operation exceeded threshold")
		} else {
			t.logger.WithFields(fields).Debug("operation completed")
		}
	}
	return duration
}

// CountOutcome records one completed operation by outcome. Use "ok",
// "error" or "retryable".
func CountOutcome(operation, outcome string) {
	operationsTotal.WithLabelValues(operation, outcome).Inc()
}

// OutcomeOf maps an error to its outcome label. Retryable classification is
// the caller's; this covers the common two.
func OutcomeOf(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
