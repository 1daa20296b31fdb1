package metrics

import (
	"errors"
	"strconv"
	"time"

	"github.com/MarcoPoloResearchLab/clubhouse/backend/internal/calendar"
	"github.com/MarcoPoloResearchLab/clubhouse/backend/internal/reconcile"
	"github.com/prometheus/client_golang/prometheus"
)

// SyncMetrics exposes counters and histograms for reconciliation and availability.
type SyncMetrics struct {
	passesTotal          *prometheus.CounterVec
	recordsTotal         *prometheus.CounterVec
	pushErrorsTotal      *prometheus.CounterVec
	passDuration         *prometheus.HistogramVec
	availabilityTotal    *prometheus.CounterVec
	availabilityDuration *prometheus.HistogramVec
}

func NewSyncMetrics(reg prometheus.Registerer) *SyncMetrics {
	m := &SyncMetrics{
		passesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clubhouse",
			Subsystem: "reconcile",
			Name:      "passes_total",
			Help:      "Total reconciliation passes by outcome",
		}, []string{"kind", "outcome"}),
		recordsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clubhouse",
			Subsystem: "reconcile",
			Name:      "records_total",
			Help:      "Records touched by reconciliation passes",
		}, []string{"kind", "action"}),
		pushErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clubhouse",
			Subsystem: "reconcile",
			Name:      "push_errors_total",
			Help:      "Calendar pushes that failed and were kept for the next pass",
		}, []string{"kind"}),
		passDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "clubhouse",
			Subsystem: "reconcile",
			Name:      "pass_duration_seconds",
			Help:      "Duration of reconciliation passes",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
		availabilityTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clubhouse",
			Subsystem: "availability",
			Name:      "requests_total",
			Help:      "Availability computations by resource type",
		}, []string{"resource_type", "degraded"}),
		availabilityDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "clubhouse",
			Subsystem: "availability",
			Name:      "duration_seconds",
			Help:      "Latency of availability computations",
			Buckets:   prometheus.DefBuckets,
		}, []string{"resource_type"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.passesTotal, m.recordsTotal, m.pushErrorsTotal, m.passDuration, m.availabilityTotal, m.availabilityDuration)
	return m
}

// ObservePass records the outcome of one reconciliation pass.
func (m *SyncMetrics) ObservePass(result reconcile.Result, elapsed time.Duration) {
	if m == nil {
		return
	}
	kind := string(result.Kind)
	m.passesTotal.WithLabelValues(kind, passOutcome(result)).Inc()
	m.passDuration.WithLabelValues(kind).Observe(elapsed.Seconds())
	for action, count := range map[string]int{
		"created": result.Created,
		"updated": result.Updated,
		"pushed":  result.PushedToCalendar,
		"retired": result.DeactivatedOrDeleted,
	} {
		if count > 0 {
			m.recordsTotal.WithLabelValues(kind, action).Add(float64(count))
		}
	}
	if len(result.Errors) > 0 {
		m.pushErrorsTotal.WithLabelValues(kind).Add(float64(len(result.Errors)))
	}
}

// ObserveAvailability records one availability computation.
func (m *SyncMetrics) ObserveAvailability(resourceType string, degraded bool, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.availabilityTotal.WithLabelValues(resourceType, strconv.FormatBool(degraded)).Inc()
	m.availabilityDuration.WithLabelValues(resourceType).Observe(elapsed.Seconds())
}

func passOutcome(result reconcile.Result) string {
	switch {
	case result.Err == nil && len(result.Errors) == 0:
		return "ok"
	case result.Err == nil:
		return "partial"
	case errors.Is(result.Err, calendar.ErrRemoteUnavailable), errors.Is(result.Err, calendar.ErrCalendarNotFound):
		return "remote_unavailable"
	default:
		return "failed"
	}
}
