package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/search-index-builder/pkg/health"
)

func TestBuildMetrics_Record(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.WorkItemFinished("build", 2*time.Millisecond, nil)
	m.WorkItemFinished("build", time.Millisecond, errors.New("boom"))
	m.GroupCoalesced("_INVERTEDINDEX_x_@_0")
	m.BatchFinished(3, 10*time.Millisecond, map[string]int{"add": 2, "delete": 1, "skipped": 0}, nil)
	m.SectionOverflows(2)
	m.SectionOverflows(0)
	m.Resources(12, 4, 100)
	m.SegmentDumped(nil)
	m.HookFailed("redis_checkpoint")
	m.BreakerState("kafka", 1)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.WorkItemsTotal.WithLabelValues("build", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.WorkItemsTotal.WithLabelValues("build", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.GroupsCoalescedTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BatchesTotal.WithLabelValues("ok")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.DocsBuiltTotal.WithLabelValues("add")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DocsBuiltTotal.WithLabelValues("delete")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.SectionOverflowsTotal))
	assert.Equal(t, 12.0, testutil.ToFloat64(m.MemoryQuotaUsed))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.QueueDepth))
	assert.Equal(t, 100.0, testutil.ToFloat64(m.BuildingSegmentDocs))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SegmentsDumpedTotal.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HookFailuresTotal.WithLabelValues("redis_checkpoint")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CircuitBreakerState.WithLabelValues("kafka")))
}

func TestBuildMetrics_NilIsNoop(t *testing.T) {
	var m *BuildMetrics
	assert.NotPanics(t, func() {
		m.WorkItemFinished("build", time.Millisecond, nil)
		m.GroupCoalesced("g")
		m.BatchFinished(1, time.Millisecond, nil, nil)
		m.SectionOverflows(1)
		m.Resources(1, 1, 1)
		m.SegmentDumped(nil)
		m.HookFailed("h")
		m.BreakerState("b", 0)
	})
}

func TestNewMux(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.SegmentDumped(nil)
	checker := health.NewChecker()
	srv := httptest.NewServer(NewMux(reg, checker))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), "index_builder_segments_dumped_total")

	resp, err = http.Get(srv.URL + "/readyz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
