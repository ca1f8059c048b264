package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMiddleware(t *testing.T) {
	h := Middleware("test_endpoint", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	})

	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodPost, "test_endpoint", "409"))
	h(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/", nil))
	after := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodPost, "test_endpoint", "409"))
	assert.Equal(t, before+1, after)
}

func TestRecorders(t *testing.T) {
	before := testutil.ToFloat64(paymentEventsTotal.WithLabelValues("billplz", "applied"))
	RecordPaymentEvent("billplz", "applied")
	assert.Equal(t, before+1, testutil.ToFloat64(paymentEventsTotal.WithLabelValues("billplz", "applied")))

	before = testutil.ToFloat64(stockCommittedTotal)
	RecordStockCommitted(3)
	assert.Equal(t, before+3, testutil.ToFloat64(stockCommittedTotal))
}

func TestHandler(t *testing.T) {
	RecordAnomaly()

	w := httptest.NewRecorder()
	Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "reconciliation_anomalies_total"))
}
