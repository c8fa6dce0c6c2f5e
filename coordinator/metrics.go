package coordinator

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	submissions *prometheus.CounterVec
	duration    *prometheus.HistogramVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "custody_submissions_total",
			Help: "Resolved submissions by action and final status.",
		}, []string{"action", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "custody_submission_seconds",
			Help:    "Time from lock acquisition to resolution of a submission.",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"action"}),
	}
	if reg != nil {
		reg.MustRegister(m.submissions, m.duration)
	}
	return m
}

func (m *metrics) observe(rec *Record, elapsed time.Duration) {
	m.submissions.WithLabelValues(string(rec.Action), string(rec.Status)).Inc()
	m.duration.WithLabelValues(string(rec.Action)).Observe(elapsed.Seconds())
}
