package telemetry

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryandielhenn/echomesh/pkg/wave"
)

func TestWaveObserverCounts(t *testing.T) {
	o := WaveObserver{Node: "obs-a"}
	before := testutil.ToFloat64(RoundsFinalized.WithLabelValues("min", "initiator"))
	active := testutil.ToFloat64(ActiveRounds.WithLabelValues("obs-a"))

	o.RoundStarted(wave.KindMin, true)
	assert.Equal(t, active+1, testutil.ToFloat64(ActiveRounds.WithLabelValues("obs-a")))
	o.RoundFinalized(wave.KindMin, true, 3*time.Millisecond)
	assert.Equal(t, active, testutil.ToFloat64(ActiveRounds.WithLabelValues("obs-a")))
	assert.Equal(t, before+1, testutil.ToFloat64(RoundsFinalized.WithLabelValues("min", "initiator")))

	o.Violation("kind_mismatch")
	assert.GreaterOrEqual(t, testutil.ToFloat64(Violations.WithLabelValues("kind_mismatch")), 1.0)
}

func TestInstrumentRecordsStatusClass(t *testing.T) {
	h := Instrument("test_op", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusNotFound)
	}))
	before := testutil.ToFloat64(RequestsTotal.WithLabelValues("test_op", "4xx"))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Equal(t, before+1, testutil.ToFloat64(RequestsTotal.WithLabelValues("test_op", "4xx")))

	rec := httptest.NewRecorder()
	MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "echomesh_requests_total"))
}

func TestPerNodeGaugesDoNotOverwrite(t *testing.T) {
	a, b := WaveObserver{Node: "gauge-a"}, WaveObserver{Node: "gauge-b"}
	a.RoundStarted(wave.KindGraph, true)
	a.RoundStarted(wave.KindGraph, false)
	b.RoundStarted(wave.KindGraph, true)

	assert.Equal(t, 2.0, testutil.ToFloat64(ActiveRounds.WithLabelValues("gauge-a")))
	assert.Equal(t, 1.0, testutil.ToFloat64(ActiveRounds.WithLabelValues("gauge-b")))

	Neighbors.WithLabelValues("gauge-a").Set(3)
	Neighbors.WithLabelValues("gauge-b").Set(1)
	assert.Equal(t, 3.0, testutil.ToFloat64(Neighbors.WithLabelValues("gauge-a")))
}
