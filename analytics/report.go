package analytics

import (
	"context"
	"fmt"
	"html/template"
	"io"
	"time"
)

// Snapshot bundles every analysis for report rendering.
type Snapshot struct {
	GeneratedAt   time.Time
	DatabasePath  string
	TotalMessages int
	StatusCounts  map[string]int
	Performance   PerformanceReport
	Anomalies     []Anomaly
	Forecast      LoadForecast
}

// Snapshot runs the full set of analyses: a day of performance, the
// anomaly detectors, and a six hour forecast.
func (a *Analyzer) Snapshot(ctx context.Context) (Snapshot, error) {
	var out = Snapshot{
		GeneratedAt:  a.now().UTC(),
		DatabasePath: a.path,
	}

	var err error
	if out.StatusCounts, out.TotalMessages, err = a.statusCounts(ctx); err != nil {
		return out, err
	}
	if out.Performance, err = a.AnalyzePerformance(ctx, 24); err != nil {
		return out, err
	}
	if out.Anomalies, err = a.DetectAnomalies(ctx); err != nil {
		return out, err
	}
	if out.Forecast, err = a.PredictLoad(ctx, 6); err != nil {
		return out, err
	}
	return out, nil
}

// WriteHTMLReport renders a snapshot as a self-contained HTML document.
func WriteHTMLReport(w io.Writer, s Snapshot) error {
	if err := reportTemplate.Execute(w, s); err != nil {
		return fmt.Errorf("rendering report: %w", err)
	}
	return nil
}

var reportTemplate = template.Must(template.New("report").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>Bridge Buffer Report</title>
<style>
body { font-family: -apple-system, "Segoe UI", sans-serif; margin: 2em; color: #222; }
h1 { border-bottom: 2px solid #336; padding-bottom: 0.3em; }
.cards { display: flex; gap: 1em; margin: 1em 0; }
.card { flex: 1; background: #f4f6fb; border-radius: 6px; padding: 1em; text-align: center; }
.card .value { font-size: 2em; font-weight: bold; color: #336; }
.card .label { color: #667; text-transform: uppercase; font-size: 0.8em; }
.alert { border-radius: 4px; padding: 0.7em 1em; margin: 0.4em 0; }
.alert-high { background: #fdecea; border-left: 4px solid #c0392b; }
.alert-medium { background: #fef5e7; border-left: 4px solid #e67e22; }
.ok { background: #eafaf1; border-left: 4px solid #27ae60; border-radius: 4px; padding: 0.7em 1em; }
table { border-collapse: collapse; margin: 1em 0; }
th, td { border: 1px solid #ccd; padding: 0.4em 0.9em; text-align: left; }
th { background: #f4f6fb; }
.footer { margin-top: 2em; color: #889; font-size: 0.85em; }
</style>
</head>
<body>
<h1>Bridge Buffer Report</h1>

<div class="cards">
<div class="card"><div class="value">{{.TotalMessages}}</div><div class="label">total</div></div>
<div class="card"><div class="value">{{index .StatusCounts "pending"}}</div><div class="label">pending</div></div>
<div class="card"><div class="value">{{index .StatusCounts "processing"}}</div><div class="label">processing</div></div>
<div class="card"><div class="value">{{index .StatusCounts "completed"}}</div><div class="label">completed</div></div>
</div>

<h2>Anomalies</h2>
{{if .Anomalies}}{{range .Anomalies}}<div class="alert alert-{{.Severity}}"><strong>{{.Type}}</strong> {{.Message}}</div>
{{end}}{{else}}<div class="ok">No anomalies detected.</div>
{{end}}
<h2>Performance, last {{.Performance.WindowHours}} hours</h2>
<p>Trend {{.Performance.Trend}}.
Success rate {{printf "%.1f" .Performance.SuccessRate}}%,
throughput {{printf "%.1f" .Performance.AvgThroughput}} messages per hour,
average processing {{printf "%.2f" .Performance.AvgProcessingSeconds}}s.</p>

<h2>Load forecast</h2>
<table>
<tr><th>Hour</th><th>Predicted</th><th>Range</th><th>Confidence</th></tr>
{{range .Forecast.Hours}}<tr><td>{{.Hour.Format "2006-01-02 15:00"}}</td><td>{{.Predicted}}</td><td>{{.RangeMin}} to {{.RangeMax}}</td><td>{{.Confidence}}%</td></tr>
{{end}}</table>
<p>{{.Forecast.Recommendation}}</p>

<div class="footer">Generated {{.GeneratedAt.Format "2006-01-02 15:04:05 MST"}} from {{.DatabasePath}}</div>
</body>
</html>
`))
