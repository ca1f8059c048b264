package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	paymentEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payment_events_total",
			Help: "Payment events by provider and reconciliation result",
		},
		[]string{"provider", "result"},
	)

	receiptDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "receipt_decisions_total",
			Help: "Receipt review decisions by result",
		},
		[]string{"decision", "result"},
	)

	anomaliesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "reconciliation_anomalies_total",
			Help: "Contradictory payment outcomes flagged for manual review",
		},
	)

	stockCommittedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stock_committed_units_total",
			Help: "Units permanently decremented on confirmed payment",
		},
	)

	ordersExpiredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "orders_expired_total",
			Help: "Orders cancelled because the payment window elapsed",
		},
	)

	notificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifications_total",
			Help: "Notification delivery attempts by outcome",
		},
		[]string{"success"},
	)

	remindersSentTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "review_reminders_sent_total",
			Help: "Pending receipt reminders sent to sellers",
		},
	)
)

func init() {
	prometheus.MustRegister(httpRequestsTotal)
	prometheus.MustRegister(httpRequestDuration)
	prometheus.MustRegister(paymentEventsTotal)
	prometheus.MustRegister(receiptDecisionsTotal)
	prometheus.MustRegister(anomaliesTotal)
	prometheus.MustRegister(stockCommittedTotal)
	prometheus.MustRegister(ordersExpiredTotal)
	prometheus.MustRegister(notificationsTotal)
	prometheus.MustRegister(remindersSentTotal)
}

// Middleware счетчики и длительность HTTP-запросов
func Middleware(endpoint string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

		h(sw, r)

		httpRequestsTotal.WithLabelValues(r.Method, endpoint, strconv.Itoa(sw.status)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, endpoint).Observe(time.Since(start).Seconds())
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func Handler() http.Handler {
	return promhttp.Handler()
}

func RecordPaymentEvent(provider string, result string) {
	paymentEventsTotal.WithLabelValues(provider, result).Inc()
}

func RecordReceiptDecision(decision string, result string) {
	receiptDecisionsTotal.WithLabelValues(decision, result).Inc()
}

func RecordAnomaly() {
	anomaliesTotal.Inc()
}

func RecordStockCommitted(qty int) {
	stockCommittedTotal.Add(float64(qty))
}

func RecordOrderExpired() {
	ordersExpiredTotal.Inc()
}

func RecordNotification(success bool) {
	notificationsTotal.WithLabelValues(strconv.FormatBool(success)).Inc()
}

func RecordReminderSent() {
	remindersSentTotal.Inc()
}
