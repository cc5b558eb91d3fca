package notifications

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the notification delivery metrics
type Metrics struct {
	deliveredTotal   *prometheus.CounterVec
	deliveryDuration prometheus.Histogram
	retriesTotal     *prometheus.CounterVec
	queueDepth       prometheus.Gauge
}

var (
	metricsOnce     sync.Once
	metricsInstance *Metrics
)

// NewMetrics returns the process-wide notification metrics.
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		metricsInstance = &Metrics{
			deliveredTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "finance_notifications_delivered_total",
					Help: "Finance event webhook deliveries by outcome",
				},
				[]string{"event_type", "status"},
			),
			deliveryDuration: promauto.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "finance_notification_delivery_duration_seconds",
					Help:    "Finance event webhook delivery duration in seconds",
					Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10},
				},
			),
			retriesTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "finance_notification_retries_total",
					Help: "Finance event webhook retry attempts",
				},
				[]string{"attempt"},
			),
			queueDepth: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "finance_notification_retry_queue_depth",
					Help: "Deliveries waiting for a retry",
				},
			),
		}
	})
	return metricsInstance
}

func (m *Metrics) RecordDelivery(eventType, status string, duration time.Duration) {
	m.deliveredTotal.WithLabelValues(eventType, status).Inc()
	m.deliveryDuration.Observe(duration.Seconds())
}

func (m *Metrics) RecordRetry(attempt int) {
	m.retriesTotal.WithLabelValues(strconv.Itoa(attempt)).Inc()
}

func (m *Metrics) SetQueueDepth(depth int) {
	m.queueDepth.Set(float64(depth))
}
