package analytics

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/inletworks/bridge/buffer"
)

func findAnomaly(t *testing.T, list []Anomaly, typ string) Anomaly {
	t.Helper()
	for _, an := range list {
		if an.Type == typ {
			return an
		}
	}
	t.Fatalf("no %s anomaly in %v", typ, list)
	return Anomaly{}
}

func TestDetectHealthyBufferIsQuiet(t *testing.T) {
	var a, buf = newTestAnalyzer(t)
	plant(t, buf, seed{createdAt: h(11, 50)})
	plant(t, buf, seed{createdAt: h(11, 0), status: buffer.StatusCompleted, processedAt: h(11, 0).Add(time.Second)})

	var found, err = a.DetectAnomalies(context.Background())
	require.NoError(t, err)
	require.Empty(t, found)
}

func TestDetectStuckProcessing(t *testing.T) {
	var a, buf = newTestAnalyzer(t)
	plant(t, buf, seed{createdAt: h(11, 58), status: buffer.StatusProcessing}) // fresh lease
	plant(t, buf, seed{createdAt: h(11, 40), status: buffer.StatusProcessing})
	plant(t, buf, seed{createdAt: h(11, 30), status: buffer.StatusProcessing})

	var found, err = a.DetectAnomalies(context.Background())
	require.NoError(t, err)

	var an = findAnomaly(t, found, "stuck_processing")
	require.Equal(t, SeverityHigh, an.Severity)
	require.Equal(t, 2, an.Details["count"])
	require.Equal(t, "2025-08-15 11:30:00.000", an.Details["oldest"])
}

func TestDetectFailureRate(t *testing.T) {
	var a, buf = newTestAnalyzer(t)

	// Ten created in the last hour, two failed: a 20% rate.
	for i := 0; i < 8; i++ {
		plant(t, buf, seed{createdAt: h(11, 10+i), status: buffer.StatusCompleted, processedAt: h(11, 10+i).Add(time.Second)})
	}
	plant(t, buf, seed{createdAt: h(11, 30), status: buffer.StatusFailed})
	plant(t, buf, seed{createdAt: h(11, 31), status: buffer.StatusFailed})

	var found, err = a.DetectAnomalies(context.Background())
	require.NoError(t, err)
	var an = findAnomaly(t, found, "high_failure_rate")
	require.Equal(t, SeverityMedium, an.Severity)
	require.InDelta(t, 20.0, an.Details["rate"].(float64), 0.01)
	require.Equal(t, 2, an.Details["failed"])
	require.Equal(t, 10, an.Details["total"])

	// Past 2.5 times the bound the severity escalates.
	for i := 0; i < 3; i++ {
		plant(t, buf, seed{createdAt: h(11, 40+i), status: buffer.StatusFailed})
	}
	found, err = a.DetectAnomalies(context.Background())
	require.NoError(t, err)
	require.Equal(t, SeverityHigh, findAnomaly(t, found, "high_failure_rate").Severity)
}

func TestDetectBacklogAndCongestion(t *testing.T) {
	var a, buf = newTestAnalyzer(t)
	a.thresholds = Thresholds{MaxPending: 5, RouteBacklog: 3}.withDefaults()

	plantMany(t, buf, 8, h(11, 45))

	var found, err = a.DetectAnomalies(context.Background())
	require.NoError(t, err)

	var backlog = findAnomaly(t, found, "large_backlog")
	require.Equal(t, SeverityMedium, backlog.Severity)
	require.Equal(t, 8, backlog.Details["pending"])
	require.Equal(t, "2025-08-15 11:45:00.000", backlog.Details["oldest"])

	var route = findAnomaly(t, found, "route_congestion")
	require.Equal(t, SeverityMedium, route.Severity)
	require.Equal(t, "pubsub", route.Details["source"])
	require.Equal(t, "variable", route.Details["destination"])
	require.Equal(t, 8, route.Details["count"])

	// Five times the bound escalates both detectors.
	plantMany(t, buf, 20, h(11, 50))
	found, err = a.DetectAnomalies(context.Background())
	require.NoError(t, err)
	require.Equal(t, SeverityHigh, findAnomaly(t, found, "large_backlog").Severity)
	require.Equal(t, SeverityHigh, findAnomaly(t, found, "route_congestion").Severity)
}

func TestDetectRetryExhaustion(t *testing.T) {
	var a, buf = newTestAnalyzer(t)
	plant(t, buf, seed{createdAt: h(11, 0), retryCount: 2})
	plant(t, buf, seed{createdAt: h(11, 1), retryCount: 1})
	plant(t, buf, seed{createdAt: h(11, 2), retryCount: 2, status: buffer.StatusProcessing})
	// Terminal rows no longer count.
	plant(t, buf, seed{createdAt: h(11, 3), retryCount: 3, status: buffer.StatusFailed})

	var found, err = a.DetectAnomalies(context.Background())
	require.NoError(t, err)
	var an = findAnomaly(t, found, "retries_exhausting")
	require.Equal(t, SeverityMedium, an.Severity)
	require.Equal(t, 2, an.Details["count"])
}

func TestDetectSlowProcessing(t *testing.T) {
	var a, buf = newTestAnalyzer(t)
	plant(t, buf, seed{createdAt: h(11, 0), status: buffer.StatusCompleted, processedAt: h(11, 0).Add(15 * time.Second)})
	plant(t, buf, seed{createdAt: h(11, 5), status: buffer.StatusCompleted, processedAt: h(11, 5).Add(25 * time.Second)})

	var found, err = a.DetectAnomalies(context.Background())
	require.NoError(t, err)

	var an = findAnomaly(t, found, "slow_processing")
	require.Equal(t, SeverityMedium, an.Severity)
	require.InDelta(t, 20.0, an.Details["avg_seconds"].(float64), 0.05)
	require.InDelta(t, 25.0, an.Details["max_seconds"].(float64), 0.05)
}
