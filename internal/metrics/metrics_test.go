package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordDrop(t *testing.T) {
	before := testutil.ToFloat64(SignalsDroppedTotal.WithLabelValues(DropSelf))
	RecordDrop(DropSelf)
	assert.Equal(t, before+1, testutil.ToFloat64(SignalsDroppedTotal.WithLabelValues(DropSelf)))
}

func TestHandlerExposesCallMetrics(t *testing.T) {
	RecordCall("ended")
	RecordSignal("invite", "event")

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `callsig_calls_total{status="ended"}`))
	assert.True(t, strings.Contains(body, `callsig_signals_total{channel="event",kind="invite"}`))
}
