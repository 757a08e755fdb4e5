package analytics

import (
	"fmt"
	"io"
	"strings"
)

// WritePerformanceText renders a performance report as fixed-width
// terminal text.
func WritePerformanceText(w io.Writer, r PerformanceReport) {
	fmt.Fprintf(w, "PERFORMANCE, LAST %d HOURS\n", r.WindowHours)
	fmt.Fprintln(w, strings.Repeat("=", 60))

	if r.Trend == TrendNoData {
		fmt.Fprintln(w, "no messages in the window")
		return
	}

	fmt.Fprintf(w, "created:        %d\n", r.TotalCreated)
	fmt.Fprintf(w, "completed:      %d\n", r.TotalCompleted)
	fmt.Fprintf(w, "failed:         %d\n", r.TotalFailed)
	fmt.Fprintf(w, "success rate:   %.1f%%\n", r.SuccessRate)
	fmt.Fprintf(w, "throughput:     %.1f messages/hour\n", r.AvgThroughput)
	fmt.Fprintf(w, "avg processing: %.2fs\n", r.AvgProcessingSeconds)
	fmt.Fprintf(w, "trend:          %s\n", r.Trend)
	fmt.Fprintln(w)

	fmt.Fprintf(w, "%-16s %8s %10s %7s %8s %9s\n",
		"hour", "created", "completed", "failed", "avg (s)", "success")
	for _, b := range r.Buckets {
		fmt.Fprintf(w, "%-16s %8d %10d %7d %8.2f %8.1f%%\n",
			b.Hour, b.Created, b.Completed, b.Failed, b.AvgProcessingSeconds, b.SuccessRate)
	}
}

// WriteAnomaliesText renders detector findings as terminal text.
func WriteAnomaliesText(w io.Writer, anomalies []Anomaly) {
	if len(anomalies) == 0 {
		fmt.Fprintln(w, "no anomalies detected")
		return
	}
	for _, an := range anomalies {
		fmt.Fprintf(w, "[%s] %s: %s\n", strings.ToUpper(string(an.Severity)), an.Type, an.Message)
	}
}

// WriteForecastText renders a load forecast as terminal text.
func WriteForecastText(w io.Writer, f LoadForecast) {
	fmt.Fprintf(w, "%-16s %10s %13s %11s\n", "hour", "predicted", "range", "confidence")
	for _, h := range f.Hours {
		fmt.Fprintf(w, "%-16s %10d %6d-%-6d %10d%%\n",
			h.Hour.Format("2006-01-02 15:00"), h.Predicted, h.RangeMin, h.RangeMax, h.Confidence)
	}
	fmt.Fprintf(w, "\ntotal predicted: %d\n", f.TotalPredicted)
	fmt.Fprintf(w, "current pending: %d\n", f.CurrentPending)
	fmt.Fprintf(w, "estimated load:  %d\n", f.EstimatedLoad)
	fmt.Fprintf(w, "\n%s\n", f.Recommendation)
}
