package analytics

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPredictLoadFromWeekdayPatterns(t *testing.T) {
	var a, buf = newTestAnalyzer(t)
	var ctx = context.Background()

	// The pinned clock is a Friday noon. Two prior Fridays saw 13:00
	// activity: three arrivals, then five.
	for i := 0; i < 3; i++ {
		plant(t, buf, seed{createdAt: time.Date(2025, 8, 8, 13, 5+i, 0, 0, time.UTC)})
	}
	for i := 0; i < 5; i++ {
		plant(t, buf, seed{createdAt: time.Date(2025, 8, 1, 13, 5+i, 0, 0, time.UTC)})
	}

	var forecast, err = a.PredictLoad(ctx, 1)
	require.NoError(t, err)
	require.Len(t, forecast.Hours, 1)

	var fc = forecast.Hours[0]
	require.Equal(t, time.Date(2025, 8, 15, 13, 0, 0, 0, time.UTC), fc.Hour)
	require.Equal(t, 4, fc.Predicted)   // mean of 3 and 5
	require.Equal(t, 54, fc.Confidence) // 50 plus 2 per sample
	require.Equal(t, 2, fc.RangeMin)    // mean minus stddev, truncated
	require.Equal(t, 5, fc.RangeMax)

	require.Equal(t, 4, forecast.TotalPredicted)
	require.Equal(t, 8, forecast.CurrentPending)
	require.Equal(t, 12, forecast.EstimatedLoad)
	require.Contains(t, forecast.Recommendation, "Normal")
}

func TestPredictLoadFallsBackToRecentAverage(t *testing.T) {
	var a, buf = newTestAnalyzer(t)
	var ctx = context.Background()

	// Only a Tuesday morning burst exists, so Friday afternoon hours
	// have no weekday pattern and fall back to the seven day hourly
	// average of four.
	for i := 0; i < 4; i++ {
		plant(t, buf, seed{createdAt: time.Date(2025, 8, 12, 9, 10+i, 0, 0, time.UTC)})
	}

	var forecast, err = a.PredictLoad(ctx, 3)
	require.NoError(t, err)
	require.Len(t, forecast.Hours, 3)

	for _, fc := range forecast.Hours {
		require.Equal(t, 4, fc.Predicted)
		require.Equal(t, 30, fc.Confidence)
		require.Equal(t, 2, fc.RangeMin)
		require.Equal(t, 6, fc.RangeMax)
	}
	require.Equal(t, 12, forecast.TotalPredicted)
}

func TestPredictLoadDefaultsWithNoHistory(t *testing.T) {
	var a, _ = newTestAnalyzer(t)

	var forecast, err = a.PredictLoad(context.Background(), 2)
	require.NoError(t, err)

	for _, fc := range forecast.Hours {
		require.Equal(t, 50, fc.Predicted)
		require.Equal(t, 30, fc.Confidence)
		require.Equal(t, 25, fc.RangeMin)
		require.Equal(t, 75, fc.RangeMax)
	}
	require.Equal(t, 100, forecast.TotalPredicted)
	require.Equal(t, 0, forecast.CurrentPending)
}

func TestLoadRecommendationBands(t *testing.T) {
	require.Contains(t, recommendFor(500), "Normal")
	require.Contains(t, recommendFor(3000), "Moderate")
	require.Contains(t, recommendFor(7000), "High")
	require.Contains(t, recommendFor(20000), "Critical")
}

func TestMeanStddev(t *testing.T) {
	var mean, dev = meanStddev([]float64{4})
	require.Equal(t, 4.0, mean)
	require.Zero(t, dev)

	mean, dev = meanStddev([]float64{3, 5})
	require.Equal(t, 4.0, mean)
	require.InDelta(t, 1.414, dev, 0.001)
}
