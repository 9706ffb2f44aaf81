package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the service collectors.
type Metrics struct {
	Scans        *prometheus.CounterVec
	ScanDuration prometheus.Histogram
	QRIssued     *prometheus.CounterVec
	Reviews      *prometheus.CounterVec
}

// New creates the collectors and registers them on reg when non-nil.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Scans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "attendance_scans_total",
			Help: "QR scans by outcome.",
		}, []string{"outcome"}),
		ScanDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "attendance_scan_duration_seconds",
			Help:    "Time spent validating and recording a scan.",
			Buckets: prometheus.DefBuckets,
		}),
		QRIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "qr_sessions_issued_total",
			Help: "QR tokens handed out by session mode.",
		}, []string{"mode"}),
		Reviews: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "attendance_reviews_total",
			Help: "Review decisions by resulting status.",
		}, []string{"status"}),
	}
	if reg != nil {
		reg.MustRegister(m.Scans, m.ScanDuration, m.QRIssued, m.Reviews)
	}
	return m
}

// ObserveScan counts one scan outcome and its latency. Safe on a nil receiver.
func (m *Metrics) ObserveScan(outcome string, started time.Time, now time.Time) {
	if m == nil {
		return
	}
	m.Scans.WithLabelValues(outcome).Inc()
	m.ScanDuration.Observe(now.Sub(started).Seconds())
}

// IssuedQR counts an issued token.
func (m *Metrics) IssuedQR(mode string) {
	if m == nil {
		return
	}
	m.QRIssued.WithLabelValues(mode).Inc()
}

// Reviewed counts a review decision.
func (m *Metrics) Reviewed(status string) {
	if m == nil {
		return
	}
	m.Reviews.WithLabelValues(status).Inc()
}
