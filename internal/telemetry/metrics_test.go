package telemetry

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPacketCounters(t *testing.T) {
	before := testutil.ToFloat64(PacketsTotal.WithLabelValues("in", "message"))
	bytesBefore := testutil.ToFloat64(BytesTotal.WithLabelValues("in"))

	PacketIn("message", 30)
	PacketIn("message", 10)

	assert.Equal(t, before+2, testutil.ToFloat64(PacketsTotal.WithLabelValues("in", "message")))
	assert.Equal(t, bytesBefore+40, testutil.ToFloat64(BytesTotal.WithLabelValues("in")))
}

func TestInstrumentRecordsStatusClass(t *testing.T) {
	h := Instrument("probe", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/probe", nil))

	assert.Equal(t, 1.0, testutil.ToFloat64(RequestsTotal.WithLabelValues("probe", "5xx")))
}

func TestMetricsHandlerExposesNamespace(t *testing.T) {
	Drop(DropNoPermit)

	rec := httptest.NewRecorder()
	MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `zephyrbus_drops_total{reason="no_permit"}`))
}
