package orchestrator

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lllllllleong/ocrflow/internal/metrics"
)

func TestDegradedRunError_AllFallback(t *testing.T) {
	// A backend that never answers leaves every page as a fallback stub.
	// Result files still get written, but the run must not exit cleanly.
	sink := metrics.NewSink(prometheus.NewRegistry())
	for i := 0; i < 6; i++ {
		sink.ObservePage(true, 0, 0, time.Millisecond)
	}

	err := degradedRunError(sink.Snapshot())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fallback")
}

func TestDegradedRunError_PartialFallback(t *testing.T) {
	sink := metrics.NewSink(prometheus.NewRegistry())
	sink.ObservePage(true, 0, 0, time.Millisecond)
	sink.ObservePage(false, 100, 40, time.Millisecond)

	assert.NoError(t, degradedRunError(sink.Snapshot()))
}

func TestDegradedRunError_NoPages(t *testing.T) {
	sink := metrics.NewSink(prometheus.NewRegistry())
	assert.NoError(t, degradedRunError(sink.Snapshot()))
}
