package analytics

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/inletworks/bridge/buffer"
)

// Severity grades an anomaly for alerting and report styling.
type Severity string

const (
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Anomaly is one detected operational problem.
type Anomaly struct {
	Type     string
	Severity Severity
	Message  string
	Details  map[string]interface{}
}

// DetectAnomalies runs every detector against the current store state
// and returns the findings. An empty result means a healthy buffer.
func (a *Analyzer) DetectAnomalies(ctx context.Context) ([]Anomaly, error) {
	var out []Anomaly
	for _, detect := range []func(context.Context) ([]Anomaly, error){
		a.detectStuck,
		a.detectFailureRate,
		a.detectBacklog,
		a.detectRetryExhaustion,
		a.detectRouteCongestion,
		a.detectSlowProcessing,
	} {
		var found, err = detect(ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, found...)
	}
	return out, nil
}

// detectStuck finds processing leases older than the stuck bound.
// ResetProcessing recovers them at startup, so live occurrences point
// at a wedged worker rather than a crash.
func (a *Analyzer) detectStuck(ctx context.Context) ([]Anomaly, error) {
	var count int
	var oldest sql.NullString
	var err = a.db.QueryRowContext(ctx, `
		SELECT COUNT(*), MIN(created_at) FROM messages
		WHERE status = 'processing' AND created_at < ?`,
		buffer.FormatTime(a.now().Add(-a.thresholds.StuckAge)),
	).Scan(&count, &oldest)
	if err != nil {
		return nil, fmt.Errorf("counting stuck messages: %w", err)
	}
	if count == 0 {
		return nil, nil
	}
	return []Anomaly{{
		Type:     "stuck_processing",
		Severity: SeverityHigh,
		Message:  fmt.Sprintf("%d messages have held a processing lease for over %s", count, a.thresholds.StuckAge),
		Details:  map[string]interface{}{"count": count, "oldest": oldest.String},
	}}, nil
}

func (a *Analyzer) detectFailureRate(ctx context.Context) ([]Anomaly, error) {
	var total int
	var failed sql.NullInt64
	var err = a.db.QueryRowContext(ctx, `
		SELECT COUNT(*), SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END)
		FROM messages WHERE created_at > ?`,
		buffer.FormatTime(a.now().Add(-time.Hour)),
	).Scan(&total, &failed)
	if err != nil {
		return nil, fmt.Errorf("reading recent failure rate: %w", err)
	}

	var rate float64
	if total > 0 {
		rate = float64(failed.Int64) / float64(total) * 100
	}
	if rate <= a.thresholds.MaxFailureRate {
		return nil, nil
	}
	var severity = SeverityMedium
	if rate > a.thresholds.MaxFailureRate*2.5 {
		severity = SeverityHigh
	}
	return []Anomaly{{
		Type:     "high_failure_rate",
		Severity: severity,
		Message:  fmt.Sprintf("%.1f%% of messages created in the last hour failed", rate),
		Details:  map[string]interface{}{"failed": int(failed.Int64), "total": total, "rate": rate},
	}}, nil
}

func (a *Analyzer) detectBacklog(ctx context.Context) ([]Anomaly, error) {
	var count int
	var oldest sql.NullString
	var err = a.db.QueryRowContext(ctx,
		`SELECT COUNT(*), MIN(created_at) FROM messages WHERE status = 'pending'`,
	).Scan(&count, &oldest)
	if err != nil {
		return nil, fmt.Errorf("counting pending backlog: %w", err)
	}
	if count <= a.thresholds.MaxPending {
		return nil, nil
	}
	var severity = SeverityMedium
	if count > a.thresholds.MaxPending*5 {
		severity = SeverityHigh
	}
	return []Anomaly{{
		Type:     "large_backlog",
		Severity: severity,
		Message:  fmt.Sprintf("%d messages pending, oldest from %s", count, oldest.String),
		Details:  map[string]interface{}{"pending": count, "oldest": oldest.String},
	}}, nil
}

// detectRetryExhaustion counts live messages on their final attempt.
// One more failure dead-letters each of them.
func (a *Analyzer) detectRetryExhaustion(ctx context.Context) ([]Anomaly, error) {
	var count int
	var err = a.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages
		WHERE retry_count >= max_retries - 1 AND status IN ('pending', 'processing')`,
	).Scan(&count)
	if err != nil {
		return nil, fmt.Errorf("counting near-exhausted retries: %w", err)
	}
	if count == 0 {
		return nil, nil
	}
	return []Anomaly{{
		Type:     "retries_exhausting",
		Severity: SeverityMedium,
		Message:  fmt.Sprintf("%d messages are on their final retry", count),
		Details:  map[string]interface{}{"count": count},
	}}, nil
}

func (a *Analyzer) detectRouteCongestion(ctx context.Context) ([]Anomaly, error) {
	var rows, err = a.db.QueryContext(ctx, `
		SELECT source, destination, COUNT(*) FROM messages
		WHERE status IN ('pending', 'processing')
		GROUP BY source, destination HAVING COUNT(*) > ?`,
		a.thresholds.RouteBacklog)
	if err != nil {
		return nil, fmt.Errorf("counting route congestion: %w", err)
	}

	var out []Anomaly
	for rows.Next() {
		var source, destination string
		var count int
		if err = rows.Scan(&source, &destination, &count); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning congested route: %w", err)
		}
		var severity = SeverityMedium
		if count > a.thresholds.RouteBacklog*5 {
			severity = SeverityHigh
		}
		out = append(out, Anomaly{
			Type:     "route_congestion",
			Severity: severity,
			Message:  fmt.Sprintf("route %s -> %s has %d queued messages", source, destination, count),
			Details:  map[string]interface{}{"source": source, "destination": destination, "count": count},
		})
	}
	if err = rows.Close(); err != nil {
		return nil, fmt.Errorf("reading congested routes: %w", err)
	}
	return out, nil
}

func (a *Analyzer) detectSlowProcessing(ctx context.Context) ([]Anomaly, error) {
	var avg, max sql.NullFloat64
	var err = a.db.QueryRowContext(ctx, `
		SELECT AVG((julianday(processed_at) - julianday(created_at)) * 86400),
			MAX((julianday(processed_at) - julianday(created_at)) * 86400)
		FROM messages WHERE status = 'completed' AND processed_at > ?`,
		buffer.FormatTime(a.now().Add(-time.Hour)),
	).Scan(&avg, &max)
	if err != nil {
		return nil, fmt.Errorf("reading recent processing latency: %w", err)
	}
	if !avg.Valid || avg.Float64 <= a.thresholds.MaxAvgLatency.Seconds() {
		return nil, nil
	}
	return []Anomaly{{
		Type:     "slow_processing",
		Severity: SeverityMedium,
		Message:  fmt.Sprintf("completed messages averaged %.1fs over the last hour", avg.Float64),
		Details:  map[string]interface{}{"avg_seconds": avg.Float64, "max_seconds": max.Float64},
	}}, nil
}
