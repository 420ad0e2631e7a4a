package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ticksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "remindflow_scheduler_ticks_total",
			Help: "Total number of scheduler ticks",
		},
	)

	tickDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "remindflow_scheduler_tick_duration_seconds",
			Help:    "Time spent selecting and claiming due tasks per tick",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
	)

	tasksClaimed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remindflow_tasks_claimed_total",
			Help: "Tasks claimed for firing",
		},
		[]string{"trigger", "catch_up"},
	)

	tasksSkipped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "remindflow_tasks_skipped_total",
			Help: "Missed recurring occurrences skipped by the catch-up policy",
		},
	)

	executionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remindflow_executions_total",
			Help: "Executions by overall delivery status",
		},
		[]string{"status"},
	)

	deliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remindflow_channel_deliveries_total",
			Help: "Per-channel delivery outcomes",
		},
		[]string{"channel", "kind", "delivered"},
	)

	deliveryAttempts = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "remindflow_channel_delivery_attempts",
			Help:    "Attempts needed per channel delivery",
			Buckets: []float64{1, 2, 3, 4, 5, 8},
		},
		[]string{"kind"},
	)

	dispatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "remindflow_dispatch_duration_seconds",
			Help:    "Time from fan-out start to the last channel result",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
	)

	inFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "remindflow_executions_in_flight",
			Help: "Executions currently dispatching",
		},
	)

	digestSourceFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remindflow_digest_source_failures_total",
			Help: "Digest source fetch failures",
		},
		[]string{"source"},
	)
)

func Handler() http.Handler {
	return promhttp.Handler()
}

func RecordTick(duration time.Duration) {
	ticksTotal.Inc()
	tickDuration.Observe(duration.Seconds())
}

func RecordClaim(trigger string, catchUp bool) {
	tasksClaimed.WithLabelValues(trigger, strconv.FormatBool(catchUp)).Inc()
}

func RecordSkip() {
	tasksSkipped.Inc()
}

func RecordExecution(status string) {
	executionsTotal.WithLabelValues(status).Inc()
}

func RecordDelivery(channel, kind string, delivered bool, attempts int) {
	deliveriesTotal.WithLabelValues(channel, kind, strconv.FormatBool(delivered)).Inc()
	deliveryAttempts.WithLabelValues(kind).Observe(float64(attempts))
}

func RecordDispatch(duration time.Duration) {
	dispatchDuration.Observe(duration.Seconds())
}

func SetInFlight(n int) {
	inFlight.Set(float64(n))
}

func RecordSourceFailure(source string) {
	digestSourceFailures.WithLabelValues(source).Inc()
}
