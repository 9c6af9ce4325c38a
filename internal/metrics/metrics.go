// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/adiadia/visual-replay/internal/domain"
)

var (
	initOnce sync.Once

	executionsTotal    *prometheus.CounterVec
	executionSteps     *prometheus.CounterVec
	executionRetries   *prometheus.CounterVec
	recoveriesTotal    *prometheus.CounterVec
	teachStepsTotal    *prometheus.CounterVec
	stepDurationMetric prometheus.Histogram
)

// Step outcomes.
const (
	StepDone    = "done"
	StepSkipped = "skipped"
)

// Retry reasons.
const (
	ReasonCapture   = "capture"
	ReasonInference = "inference"
	ReasonDispatch  = "dispatch"
)

// Recovery results.
const (
	RecoveryRequested = "requested"
	RecoveryResolved  = "resolved"
	RecoveryStale     = "stale"
	RecoveryCancelled = "cancelled"
)

// Teach step results.
const (
	TeachSubmitted = "submitted"
	TeachFailed    = "failed"
)

// Init registers metrics on the default Prometheus registry exactly once.
func Init() {
	initOnce.Do(func() {
		executionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "executions_total",
			Help: "Executions by lifecycle status.",
		}, []string{"status"})

		executionSteps = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "execution_steps_total",
			Help: "Replayed steps by outcome.",
		}, []string{"outcome"})

		executionRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "execution_retries_total",
			Help: "Loop iterations retried after a transient failure, by reason.",
		}, []string{"reason"})

		recoveriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "recoveries_total",
			Help: "Recovery round trips by result.",
		}, []string{"result"})

		teachStepsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "teach_steps_total",
			Help: "Recorded step submissions by result.",
		}, []string{"result"})

		stepDurationMetric = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "step_duration_seconds",
			Help:    "Wall time of one replayed step from capture to settle.",
			Buckets: []float64{0.25, 0.5, 1, 2, 4, 8, 16, 32, 64},
		})

		prometheus.MustRegister(
			executionsTotal,
			executionSteps,
			executionRetries,
			recoveriesTotal,
			teachStepsTotal,
			stepDurationMetric,
		)

		// Pre-create series so they show up before the first increment.
		for _, s := range []domain.ExecutionState{
			domain.ExecutionRunning,
			domain.ExecutionCompleted,
			domain.ExecutionStopped,
			domain.ExecutionFailed,
		} {
			executionsTotal.WithLabelValues(string(s))
		}
		for _, o := range []string{StepDone, StepSkipped} {
			executionSteps.WithLabelValues(o)
		}
		for _, r := range []string{ReasonCapture, ReasonInference, ReasonDispatch} {
			executionRetries.WithLabelValues(r)
		}
		for _, r := range []string{RecoveryRequested, RecoveryResolved, RecoveryStale, RecoveryCancelled} {
			recoveriesTotal.WithLabelValues(r)
		}
		for _, r := range []string{TeachSubmitted, TeachFailed} {
			teachStepsTotal.WithLabelValues(r)
		}
	})
}

func IncExecution(state domain.ExecutionState) {
	Init()
	executionsTotal.WithLabelValues(string(state)).Inc()
}

func IncExecutionStep(outcome string) {
	Init()
	executionSteps.WithLabelValues(outcome).Inc()
}

func IncRetry(reason string) {
	Init()
	executionRetries.WithLabelValues(reason).Inc()
}

func IncRecovery(result string) {
	Init()
	recoveriesTotal.WithLabelValues(result).Inc()
}

func IncTeachStep(result string) {
	Init()
	teachStepsTotal.WithLabelValues(result).Inc()
}

func ObserveStepDuration(d time.Duration) {
	Init()
	stepDurationMetric.Observe(d.Seconds())
}
