package analytics

import (
	"context"
	"fmt"
)

// WorkerRecommendation is a suggested egress worker count.
type WorkerRecommendation struct {
	Current   int
	Suggested int
	Reason    string
}

// RecommendWorkers sizes the egress pool against the pending backlog.
// The tuning task logs the suggestion; nothing applies it live.
func (a *Analyzer) RecommendWorkers(ctx context.Context, current int) (WorkerRecommendation, error) {
	if current < 1 {
		current = 1
	}
	var out = WorkerRecommendation{Current: current, Suggested: current}

	var pending int
	if err := a.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE status = 'pending'`).Scan(&pending); err != nil {
		return out, fmt.Errorf("counting pending messages: %w", err)
	}

	var perWorker = pending / current
	switch {
	case perWorker > 500:
		out.Suggested = current * 2
		if out.Suggested > 32 {
			out.Suggested = 32
		}
		out.Reason = fmt.Sprintf("backlog of %d messages leaves %d per worker", pending, perWorker)
	case pending < current*10 && current > 1:
		out.Suggested = current / 2
		out.Reason = fmt.Sprintf("backlog of %d messages leaves workers idle", pending)
	default:
		out.Reason = fmt.Sprintf("backlog of %d messages is within range for %d workers", pending, current)
	}
	return out, nil
}
