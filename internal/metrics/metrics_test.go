package metrics

import (
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestObserveIncrementsCounterByOutcome(t *testing.T) {
	before := testutil.ToFloat64(OpsTotal.WithLabelValues("put", "ok"))

	Observe("put", nil)

	after := testutil.ToFloat64(OpsTotal.WithLabelValues("put", "ok"))
	require.Equal(t, before+1, after)
}

func TestObserveRecordsErrorOutcomeSeparately(t *testing.T) {
	before := testutil.ToFloat64(OpsTotal.WithLabelValues("diff", "error"))

	Observe("diff", errors.New("boom"))

	after := testutil.ToFloat64(OpsTotal.WithLabelValues("diff", "error"))
	require.Equal(t, before+1, after)
}

func TestHandlerServesExpositionFormat(t *testing.T) {
	QueueDepth.WithLabelValues("0").Set(3)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	require.Contains(t, rec.Body.String(), "henhouse_worker_queue_depth")
}

