package analytics

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/inletworks/bridge/buffer"
)

func TestAnalyzePerformanceBucketsAndSummary(t *testing.T) {
	var a, buf = newTestAnalyzer(t)
	var ctx = context.Background()

	// Hour 10: two completions taking 2s and 4s, one failure.
	plant(t, buf, seed{createdAt: h(10, 5), status: buffer.StatusCompleted, processedAt: h(10, 5).Add(2 * time.Second)})
	plant(t, buf, seed{createdAt: h(10, 10), status: buffer.StatusCompleted, processedAt: h(10, 10).Add(4 * time.Second)})
	plant(t, buf, seed{createdAt: h(10, 20), status: buffer.StatusFailed})
	// Hour 11: one completion taking 1s, one still pending.
	plant(t, buf, seed{createdAt: h(11, 0), status: buffer.StatusCompleted, processedAt: h(11, 0).Add(time.Second)})
	plant(t, buf, seed{createdAt: h(11, 30)})
	// Before the two hour window.
	plant(t, buf, seed{createdAt: h(9, 59), status: buffer.StatusCompleted, processedAt: h(10, 0)})

	var report, err = a.AnalyzePerformance(ctx, 2)
	require.NoError(t, err)

	require.Len(t, report.Buckets, 2)
	var b0 = report.Buckets[0]
	require.Equal(t, "2025-08-15 10:00", b0.Hour)
	require.Equal(t, 3, b0.Created)
	require.Equal(t, 2, b0.Completed)
	require.Equal(t, 1, b0.Failed)
	require.InDelta(t, 3.0, b0.AvgProcessingSeconds, 0.01)
	require.InDelta(t, 4.0, b0.MaxProcessingSeconds, 0.01)
	require.InDelta(t, 66.7, b0.SuccessRate, 0.1)

	require.Equal(t, "2025-08-15 11:00", report.Buckets[1].Hour)
	require.Equal(t, 2, report.Buckets[1].Created)

	require.Equal(t, 5, report.TotalCreated)
	require.Equal(t, 3, report.TotalCompleted)
	require.Equal(t, 1, report.TotalFailed)
	require.InDelta(t, 60.0, report.SuccessRate, 0.01)
	require.InDelta(t, 1.5, report.AvgThroughput, 0.01)
	require.InDelta(t, 2.0, report.AvgProcessingSeconds, 0.01)
	require.Equal(t, TrendStable, report.Trend)
}

func TestAnalyzePerformanceTrend(t *testing.T) {
	var cases = []struct {
		name   string
		counts []int
		want   string
	}{
		{"rising", []int{2, 2, 2, 10, 10, 10}, TrendIncreasing},
		{"falling", []int{10, 10, 10, 2, 2, 2}, TrendDecreasing},
		{"flat", []int{5, 5, 5, 5, 5, 5}, TrendStable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var a, buf = newTestAnalyzer(t)
			for i, n := range tc.counts {
				var at = testNow.Add(time.Duration(i-len(tc.counts)) * time.Hour)
				for j := 0; j < n; j++ {
					var created = at.Add(time.Duration(j+1) * time.Minute)
					plant(t, buf, seed{
						createdAt:   created,
						status:      buffer.StatusCompleted,
						processedAt: created.Add(time.Second),
					})
				}
			}

			var report, err = a.AnalyzePerformance(context.Background(), len(tc.counts))
			require.NoError(t, err)
			require.Equal(t, tc.want, report.Trend)
		})
	}
}

func TestAnalyzePerformanceSparseWindows(t *testing.T) {
	var a, buf = newTestAnalyzer(t)
	var ctx = context.Background()

	var report, err = a.AnalyzePerformance(ctx, 4)
	require.NoError(t, err)
	require.Equal(t, TrendNoData, report.Trend)
	require.Empty(t, report.Buckets)
	require.Zero(t, report.TotalCreated)

	// A single active hour cannot carry a trend.
	plant(t, buf, seed{createdAt: h(11, 15)})
	report, err = a.AnalyzePerformance(ctx, 4)
	require.NoError(t, err)
	require.Equal(t, TrendInsufficient, report.Trend)
	require.Len(t, report.Buckets, 1)
	require.Equal(t, 1, report.TotalCreated)
	require.Zero(t, report.SuccessRate)
}
