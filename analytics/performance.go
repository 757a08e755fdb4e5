package analytics

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/inletworks/bridge/buffer"
)

// Trend classifications of a performance window.
const (
	TrendIncreasing   = "increasing"
	TrendDecreasing   = "decreasing"
	TrendStable       = "stable"
	TrendInsufficient = "insufficient_data"
	TrendNoData       = "no_data"
)

// HourlyBucket aggregates one hour of message activity.
type HourlyBucket struct {
	Hour                 string // "2006-01-02 15:00", UTC
	Created              int
	Completed            int
	Failed               int
	AvgProcessingSeconds float64
	MaxProcessingSeconds float64
	SuccessRate          float64 // percent of created
}

// PerformanceReport summarizes processing over a trailing window.
type PerformanceReport struct {
	WindowHours          int
	Buckets              []HourlyBucket
	TotalCreated         int
	TotalCompleted       int
	TotalFailed          int
	SuccessRate          float64 // percent of created
	AvgThroughput        float64 // completed messages per active hour
	AvgProcessingSeconds float64 // mean over non-empty bucket averages
	Trend                string
}

// AnalyzePerformance groups the trailing window into hourly buckets and
// reports per-bucket and aggregate throughput, failure, and latency
// figures. A non-positive hours argument means the last day.
func (a *Analyzer) AnalyzePerformance(ctx context.Context, hours int) (PerformanceReport, error) {
	if hours <= 0 {
		hours = 24
	}
	var out = PerformanceReport{WindowHours: hours}
	var cutoff = buffer.FormatTime(a.now().Add(-time.Duration(hours) * time.Hour))

	var rows, err = a.db.QueryContext(ctx, `
		SELECT strftime('%Y-%m-%d %H:00', created_at) AS hour,
			COUNT(*),
			SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END),
			SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END),
			AVG(CASE WHEN status = 'completed' AND processed_at IS NOT NULL
				THEN (julianday(processed_at) - julianday(created_at)) * 86400 END),
			MAX(CASE WHEN status = 'completed' AND processed_at IS NOT NULL
				THEN (julianday(processed_at) - julianday(created_at)) * 86400 END)
		FROM messages
		WHERE created_at > ?
		GROUP BY hour
		ORDER BY hour ASC`, cutoff)
	if err != nil {
		return out, fmt.Errorf("bucketing messages by hour: %w", err)
	}
	for rows.Next() {
		var b HourlyBucket
		var avg, max sql.NullFloat64
		if err = rows.Scan(&b.Hour, &b.Created, &b.Completed, &b.Failed, &avg, &max); err != nil {
			rows.Close()
			return out, fmt.Errorf("scanning hourly bucket: %w", err)
		}
		b.AvgProcessingSeconds = avg.Float64
		b.MaxProcessingSeconds = max.Float64
		if b.Created > 0 {
			b.SuccessRate = float64(b.Completed) / float64(b.Created) * 100
		}
		out.Buckets = append(out.Buckets, b)
	}
	if err = rows.Close(); err != nil {
		return out, fmt.Errorf("reading hourly buckets: %w", err)
	}

	for _, b := range out.Buckets {
		out.TotalCreated += b.Created
		out.TotalCompleted += b.Completed
		out.TotalFailed += b.Failed
	}
	if out.TotalCreated > 0 {
		out.SuccessRate = float64(out.TotalCompleted) / float64(out.TotalCreated) * 100
	}
	if n := len(out.Buckets); n > 0 {
		out.AvgThroughput = float64(out.TotalCompleted) / float64(n)
	}

	var busy int
	for _, b := range out.Buckets {
		if b.AvgProcessingSeconds > 0 {
			out.AvgProcessingSeconds += b.AvgProcessingSeconds
			busy++
		}
	}
	if busy > 0 {
		out.AvgProcessingSeconds /= float64(busy)
	}

	out.Trend = trendOf(out.Buckets)
	return out, nil
}

// trendOf compares completion volume of the last three buckets against
// the buckets before them.
func trendOf(buckets []HourlyBucket) string {
	switch len(buckets) {
	case 0:
		return TrendNoData
	case 1:
		return TrendInsufficient
	}

	var meanCompleted = func(bs []HourlyBucket) float64 {
		var sum float64
		for _, b := range bs {
			sum += float64(b.Completed)
		}
		return sum / float64(len(bs))
	}

	var tail = buckets
	if len(tail) > 3 {
		tail = tail[len(tail)-3:]
	}
	var recent = meanCompleted(tail)

	// With three or fewer buckets there is no older half to compare
	// against, and the window reads as stable.
	var older = recent
	if len(buckets) > 3 {
		older = meanCompleted(buckets[:len(buckets)-3])
	}

	switch {
	case recent > older*1.1:
		return TrendIncreasing
	case recent < older*0.9:
		return TrendDecreasing
	default:
		return TrendStable
	}
}
