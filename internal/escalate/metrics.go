package escalate

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the escalation pipeline.
type Metrics struct {
	MessagesTotal        *prometheus.CounterVec
	ClassificationsTotal *prometheus.CounterVec
	ClassifyDuration     prometheus.Histogram
	UrgencyScores        prometheus.Histogram
	PushesTotal          *prometheus.CounterVec
}

// NewMetrics registers and returns escalation metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		MessagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sift_messages_total",
			Help: "Messages entering the escalation pipeline by outcome.",
		}, []string{"outcome"}),
		ClassificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sift_classifications_total",
			Help: "Urgency classifications by verdict source.",
		}, []string{"source"}),
		ClassifyDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sift_classify_duration_seconds",
			Help:    "Duration of urgency classification calls in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10), // 0.25s .. ~128s
		}),
		UrgencyScores: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sift_urgency_score",
			Help:    "Urgency scores assigned to classified messages.",
			Buckets: prometheus.LinearBuckets(1, 1, 10), // 1 .. 10
		}),
		PushesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sift_pushes_total",
			Help: "Alert push attempts by result.",
		}, []string{"result"}),
	}

	reg.MustRegister(
		m.MessagesTotal,
		m.ClassificationsTotal,
		m.ClassifyDuration,
		m.UrgencyScores,
		m.PushesTotal,
	)

	return m
}
