package buffer

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

// Retention bounds applied by Sweep to terminal rows.
const (
	completedRetention  = 24 * time.Hour
	expiredRetention    = 7 * 24 * time.Hour
	statisticsRetention = 30 * 24 * time.Hour
)

// SweepResult reports the effects of a single Sweep pass.
type SweepResult struct {
	Expired           int64
	DeletedCompleted  int64
	DeletedExpired    int64
	DeletedStatistics int64
}

// Sweep expires messages past their time-to-live and applies retention
// to terminal rows: completed messages are kept 24 hours past
// processed_at, expired messages 7 days past expire_at, and statistics
// samples 30 days. It is called periodically by the maintenance task.
func (b *Buffer) Sweep(ctx context.Context) (SweepResult, error) {
	var out SweepResult
	var now = FormatTime(b.now())

	var res, err = b.db.ExecContext(ctx, `
		UPDATE messages SET status = 'expired', processed_at = ?
		WHERE status IN ('pending', 'processing') AND expire_at <= ?`,
		now, now,
	)
	if err != nil {
		return out, fmt.Errorf("expiring messages: %w", err)
	}
	out.Expired, _ = res.RowsAffected()

	if res, err = b.db.ExecContext(ctx,
		`DELETE FROM messages WHERE status = 'completed' AND processed_at < ?`,
		FormatTime(b.now().Add(-completedRetention)),
	); err != nil {
		return out, fmt.Errorf("deleting old completed messages: %w", err)
	}
	out.DeletedCompleted, _ = res.RowsAffected()

	if res, err = b.db.ExecContext(ctx,
		`DELETE FROM messages WHERE status = 'expired' AND expire_at < ?`,
		FormatTime(b.now().Add(-expiredRetention)),
	); err != nil {
		return out, fmt.Errorf("deleting old expired messages: %w", err)
	}
	out.DeletedExpired, _ = res.RowsAffected()

	if res, err = b.db.ExecContext(ctx,
		`DELETE FROM statistics WHERE timestamp < ?`,
		FormatTime(b.now().Add(-statisticsRetention)),
	); err != nil {
		return out, fmt.Errorf("deleting old statistics: %w", err)
	}
	out.DeletedStatistics, _ = res.RowsAffected()

	if out.Expired > 0 {
		atomic.AddInt64(&b.counters.expired, out.Expired)
		expiredTotal.Add(float64(out.Expired))
	}
	if out != (SweepResult{}) {
		log.WithFields(log.Fields{
			"expired":          out.Expired,
			"deletedCompleted": out.DeletedCompleted,
			"deletedExpired":   out.DeletedExpired,
			"deletedStats":     out.DeletedStatistics,
		}).Info("swept buffer")
	}
	return out, nil
}

// CleanupResult reports rows removed by CleanupOlderThan.
type CleanupResult struct {
	Completed   int64
	Expired     int64
	DeadLetters int64
}

// CleanupOlderThan removes terminal messages and dead-letters older than
// the given age. It backs the operator cleanup command and is safe to
// run while the bridge is live.
func (b *Buffer) CleanupOlderThan(ctx context.Context, age time.Duration) (CleanupResult, error) {
	var out CleanupResult
	var cutoff = FormatTime(b.now().Add(-age))

	var res, err = b.db.ExecContext(ctx,
		`DELETE FROM messages WHERE status = 'completed' AND processed_at < ?`, cutoff)
	if err != nil {
		return out, fmt.Errorf("deleting completed messages: %w", err)
	}
	out.Completed, _ = res.RowsAffected()

	if res, err = b.db.ExecContext(ctx,
		`DELETE FROM messages WHERE status = 'expired' AND expire_at < ?`, cutoff); err != nil {
		return out, fmt.Errorf("deleting expired messages: %w", err)
	}
	out.Expired, _ = res.RowsAffected()

	if res, err = b.db.ExecContext(ctx,
		`DELETE FROM failed_messages WHERE failed_at < ?`, cutoff); err != nil {
		return out, fmt.Errorf("deleting dead-letters: %w", err)
	}
	out.DeadLetters, _ = res.RowsAffected()

	return out, nil
}
