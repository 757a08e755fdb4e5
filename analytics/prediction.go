package analytics

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"time"

	"github.com/inletworks/bridge/buffer"
)

// HourForecast predicts arrivals for one future hour.
type HourForecast struct {
	Hour       time.Time // start of the hour, UTC
	Predicted  int
	RangeMin   int
	RangeMax   int
	Confidence int // percent
}

// LoadForecast aggregates hourly predictions with a capacity
// recommendation.
type LoadForecast struct {
	Hours          []HourForecast
	TotalPredicted int
	CurrentPending int
	EstimatedLoad  int
	Recommendation string
}

// PredictLoad projects arrival volume for the coming hours from thirty
// days of history. Each sample is the created count of one past
// (date, hour); samples sharing a weekday and hour of day form the
// pattern matched against future hours. Hours with no pattern fall
// back to the average hourly volume of the last seven days.
func (a *Analyzer) PredictLoad(ctx context.Context, nextHours int) (LoadForecast, error) {
	if nextHours <= 0 {
		nextHours = 6
	}
	var out LoadForecast
	var now = a.now().UTC()

	// SQLite's %w and Go's time.Weekday both number Sunday zero.
	var rows, err = a.db.QueryContext(ctx, `
		SELECT CAST(strftime('%w', created_at) AS INTEGER),
			CAST(strftime('%H', created_at) AS INTEGER),
			COUNT(*)
		FROM messages
		WHERE created_at > ?
		GROUP BY strftime('%Y-%m-%d', created_at), strftime('%H', created_at)`,
		buffer.FormatTime(now.AddDate(0, 0, -30)))
	if err != nil {
		return out, fmt.Errorf("reading arrival history: %w", err)
	}
	var patterns = make(map[[2]int][]float64)
	for rows.Next() {
		var dow, hod, n int
		if err = rows.Scan(&dow, &hod, &n); err != nil {
			rows.Close()
			return out, fmt.Errorf("scanning arrival sample: %w", err)
		}
		var key = [2]int{dow, hod}
		patterns[key] = append(patterns[key], float64(n))
	}
	if err = rows.Close(); err != nil {
		return out, fmt.Errorf("reading arrival history: %w", err)
	}

	// The fallback is resolved once, on the first hour which needs it.
	var fallback = -1.0
	for h := 1; h <= nextHours; h++ {
		var future = now.Add(time.Duration(h) * time.Hour).Truncate(time.Hour)
		var fc = HourForecast{Hour: future}

		if samples := patterns[[2]int{int(future.Weekday()), future.Hour()}]; len(samples) > 0 {
			var mean, dev = meanStddev(samples)
			fc.Predicted = int(mean)
			fc.RangeMin = int(math.Max(0, mean-dev))
			fc.RangeMax = int(mean + dev)
			fc.Confidence = 50 + 2*len(samples)
			if fc.Confidence > 90 {
				fc.Confidence = 90
			}
		} else {
			if fallback < 0 {
				if fallback, err = a.hourlyAverage(ctx, now); err != nil {
					return out, err
				}
			}
			fc.Predicted = int(fallback)
			fc.RangeMin = int(fallback * 0.5)
			fc.RangeMax = int(fallback * 1.5)
			fc.Confidence = 30
		}
		out.TotalPredicted += fc.Predicted
		out.Hours = append(out.Hours, fc)
	}

	if err = a.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE status = 'pending'`,
	).Scan(&out.CurrentPending); err != nil {
		return out, fmt.Errorf("counting pending messages: %w", err)
	}
	out.EstimatedLoad = out.CurrentPending + out.TotalPredicted
	out.Recommendation = recommendFor(out.EstimatedLoad)
	return out, nil
}

// hourlyAverage is the mean created count per active hour of the last
// seven days, with a nominal default when there is no history at all.
func (a *Analyzer) hourlyAverage(ctx context.Context, now time.Time) (float64, error) {
	var avg sql.NullFloat64
	var err = a.db.QueryRowContext(ctx, `
		SELECT AVG(n) FROM (
			SELECT COUNT(*) AS n FROM messages
			WHERE created_at > ?
			GROUP BY strftime('%Y-%m-%d %H', created_at)
		)`, buffer.FormatTime(now.AddDate(0, 0, -7)),
	).Scan(&avg)
	if err != nil {
		return 0, fmt.Errorf("averaging recent hourly volume: %w", err)
	}
	if !avg.Valid {
		return 50, nil
	}
	return avg.Float64, nil
}

// meanStddev returns the mean and sample standard deviation. A single
// sample has no spread.
func meanStddev(samples []float64) (float64, float64) {
	var mean float64
	for _, s := range samples {
		mean += s
	}
	mean /= float64(len(samples))

	if len(samples) < 2 {
		return mean, 0
	}
	var sq float64
	for _, s := range samples {
		sq += (s - mean) * (s - mean)
	}
	return mean, math.Sqrt(sq / float64(len(samples)-1))
}

func recommendFor(estimated int) string {
	switch {
	case estimated < 1000:
		return "Normal load expected. No action needed."
	case estimated < 5000:
		return "Moderate load expected. Watch queue depth and worker utilization."
	case estimated < 10000:
		return "High load expected. Consider raising worker_threads or batch_size."
	default:
		return "Critical load expected. Scale workers and verify downstream capacity."
	}
}
