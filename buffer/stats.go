package buffer

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"sync/atomic"
	"time"
)

// RuntimeStats are in-memory counters accumulated since Open.
type RuntimeStats struct {
	Added     int64
	Processed int64
	Failed    int64
	Expired   int64
}

// Stats is a point-in-time snapshot of the buffer.
type Stats struct {
	BufferSize   int
	MaxSize      int
	Utilization  float64
	StatusCounts map[Status]int
	RouteCounts  map[string]int
	// PriorityCounts counts pending messages per priority.
	PriorityCounts map[Priority]int
	// WeightedBacklog is the pending count weighted by priority.
	WeightedBacklog float64
	OldestPending   time.Time
	NewestPending   time.Time
	// DeadLetters counts rows of the dead-letter table.
	DeadLetters int
	Runtime     RuntimeStats
}

// Stats reads a consistent snapshot for the operator surface. Reads are
// plain queries; no lease or write lock is held.
func (b *Buffer) Stats(ctx context.Context) (Stats, error) {
	var out = Stats{
		MaxSize:        b.opts.MaxSize,
		StatusCounts:   make(map[Status]int),
		RouteCounts:    make(map[string]int),
		PriorityCounts: make(map[Priority]int),
	}

	var rows, err = b.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM messages GROUP BY status`)
	if err != nil {
		return out, fmt.Errorf("counting messages by status: %w", err)
	}
	for rows.Next() {
		var status string
		var n int
		if err = rows.Scan(&status, &n); err != nil {
			rows.Close()
			return out, fmt.Errorf("scanning status count: %w", err)
		}
		out.StatusCounts[Status(status)] = n
	}
	if err = rows.Close(); err != nil {
		return out, fmt.Errorf("reading status counts: %w", err)
	}

	if rows, err = b.db.QueryContext(ctx, `
		SELECT source || ' -> ' || destination, COUNT(*)
		FROM messages WHERE status IN ('pending', 'processing')
		GROUP BY source, destination`); err != nil {
		return out, fmt.Errorf("counting messages by route: %w", err)
	}
	for rows.Next() {
		var route string
		var n int
		if err = rows.Scan(&route, &n); err != nil {
			rows.Close()
			return out, fmt.Errorf("scanning route count: %w", err)
		}
		out.RouteCounts[route] = n
	}
	if err = rows.Close(); err != nil {
		return out, fmt.Errorf("reading route counts: %w", err)
	}

	if rows, err = b.db.QueryContext(ctx, `
		SELECT priority, COUNT(*) FROM messages
		WHERE status = 'pending' GROUP BY priority`); err != nil {
		return out, fmt.Errorf("counting messages by priority: %w", err)
	}
	for rows.Next() {
		var priority, n int
		if err = rows.Scan(&priority, &n); err != nil {
			rows.Close()
			return out, fmt.Errorf("scanning priority count: %w", err)
		}
		out.PriorityCounts[Priority(priority)] = n

		var weight = 1.0
		if w, ok := b.opts.PriorityWeights[Priority(priority)]; ok {
			weight = w
		}
		out.WeightedBacklog += float64(n) * weight
	}
	if err = rows.Close(); err != nil {
		return out, fmt.Errorf("reading priority counts: %w", err)
	}

	var oldest, newest sql.NullString
	if err = b.db.QueryRowContext(ctx,
		`SELECT MIN(created_at), MAX(created_at) FROM messages WHERE status = 'pending'`,
	).Scan(&oldest, &newest); err != nil {
		return out, fmt.Errorf("reading pending age bounds: %w", err)
	}
	if oldest.Valid {
		if out.OldestPending, err = ParseTime(oldest.String); err != nil {
			return out, err
		}
	}
	if newest.Valid {
		if out.NewestPending, err = ParseTime(newest.String); err != nil {
			return out, err
		}
	}

	if err = b.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM failed_messages`,
	).Scan(&out.DeadLetters); err != nil {
		return out, fmt.Errorf("counting dead-letters: %w", err)
	}

	out.BufferSize = out.StatusCounts[StatusPending]
	if out.MaxSize > 0 {
		out.Utilization = float64(out.BufferSize) / float64(out.MaxSize) * 100
	}
	out.Runtime = RuntimeStats{
		Added:     atomic.LoadInt64(&b.counters.added),
		Processed: atomic.LoadInt64(&b.counters.processed),
		Failed:    atomic.LoadInt64(&b.counters.failed),
		Expired:   atomic.LoadInt64(&b.counters.expired),
	}
	return out, nil
}

// RecordStatistics persists a snapshot of gauge metrics to the
// statistics table. The maintenance task calls it on a fixed interval,
// building the history consumed by load prediction.
func (b *Buffer) RecordStatistics(ctx context.Context) error {
	var stats, err = b.Stats(ctx)
	if err != nil {
		return err
	}

	var txn *sql.Tx
	if txn, err = b.db.BeginTx(ctx, nil); err != nil {
		return fmt.Errorf("beginning statistics transaction: %w", err)
	}
	defer txn.Rollback()

	var now = FormatTime(b.now())
	for _, sample := range []struct {
		name  string
		value float64
	}{
		{"pending_count", float64(stats.StatusCounts[StatusPending])},
		{"processing_count", float64(stats.StatusCounts[StatusProcessing])},
		{"utilization_percent", stats.Utilization},
		{"weighted_backlog", stats.WeightedBacklog},
		{"added_total", float64(stats.Runtime.Added)},
		{"processed_total", float64(stats.Runtime.Processed)},
		{"failed_total", float64(stats.Runtime.Failed)},
		{"expired_total", float64(stats.Runtime.Expired)},
	} {
		if _, err = txn.ExecContext(ctx,
			`INSERT INTO statistics (timestamp, metric_name, metric_value) VALUES (?, ?, ?)`,
			now, sample.name, sample.value,
		); err != nil {
			return fmt.Errorf("recording statistic %s: %w", sample.name, err)
		}
	}
	if err = txn.Commit(); err != nil {
		return fmt.Errorf("committing statistics: %w", err)
	}
	return nil
}

// Pending returns up to limit pending messages in lease order.
func (b *Buffer) Pending(ctx context.Context, limit int) ([]Message, error) {
	var rows, err = b.db.QueryContext(ctx, `
		SELECT id, source, destination, topic_or_node, value, data_type, mapping_id,
			status, priority, retry_count, max_retries, created_at, processed_at,
			expire_at, error_message, metadata
		FROM messages WHERE status = 'pending'
		ORDER BY priority DESC, created_at ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("selecting pending messages: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var msg Message
		if msg, err = scanMessage(rows); err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

// RecentCompleted returns up to limit completed messages, most recently
// processed first.
func (b *Buffer) RecentCompleted(ctx context.Context, limit int) ([]Message, error) {
	var rows, err = b.db.QueryContext(ctx, `
		SELECT id, source, destination, topic_or_node, value, data_type, mapping_id,
			status, priority, retry_count, max_retries, created_at, processed_at,
			expire_at, error_message, metadata
		FROM messages WHERE status = 'completed'
		ORDER BY processed_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("selecting completed messages: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var msg Message
		if msg, err = scanMessage(rows); err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

// DeadLetters returns up to limit dead-letters, newest first.
func (b *Buffer) DeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	var rows, err = b.db.QueryContext(ctx, `
		SELECT id, original_id, source, destination, topic_or_node, value,
			error_message, failed_at, retry_count, metadata
		FROM failed_messages
		ORDER BY failed_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("selecting dead-letters: %w", err)
	}
	defer rows.Close()

	var letters []DeadLetter
	for rows.Next() {
		var dl DeadLetter
		if dl, err = scanDeadLetter(rows); err != nil {
			return nil, err
		}
		letters = append(letters, dl)
	}
	return letters, rows.Err()
}

// deadLetterExport is the wire shape of one exported dead-letter.
type deadLetterExport struct {
	OriginalID   int64                  `json:"original_id"`
	Source       string                 `json:"source"`
	Destination  string                 `json:"destination"`
	TopicOrNode  string                 `json:"topic_or_node"`
	Value        interface{}            `json:"value"`
	ErrorMessage string                 `json:"error_message"`
	FailedAt     string                 `json:"failed_at"`
	RetryCount   int                    `json:"retry_count"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// ExportDeadLetters writes all dead-letters to w as a JSON array,
// newest first, with failed_at rendered as UTC ISO-8601. It returns the
// number of rows written.
func (b *Buffer) ExportDeadLetters(ctx context.Context, w io.Writer) (int, error) {
	var letters, err = b.DeadLetters(ctx, 1<<31-1)
	if err != nil {
		return 0, err
	}

	var out = make([]deadLetterExport, 0, len(letters))
	for _, dl := range letters {
		out = append(out, deadLetterExport{
			OriginalID:   dl.OriginalID,
			Source:       dl.Source,
			Destination:  dl.Destination,
			TopicOrNode:  dl.TopicOrNode,
			Value:        dl.Value,
			ErrorMessage: dl.ErrorMessage,
			FailedAt:     dl.FailedAt.UTC().Format("2006-01-02T15:04:05Z"),
			RetryCount:   dl.RetryCount,
			Metadata:     dl.Metadata,
		})
	}

	var enc = json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err = enc.Encode(out); err != nil {
		return 0, fmt.Errorf("encoding dead-letters: %w", err)
	}
	return len(out), nil
}

func scanDeadLetter(rows *sql.Rows) (DeadLetter, error) {
	var (
		dl       DeadLetter
		value    sql.NullString
		errMsg   sql.NullString
		failedAt string
		metadata sql.NullString
	)
	var err = rows.Scan(
		&dl.ID, &dl.OriginalID, &dl.Source, &dl.Destination, &dl.TopicOrNode,
		&value, &errMsg, &failedAt, &dl.RetryCount, &metadata,
	)
	if err != nil {
		return DeadLetter{}, fmt.Errorf("scanning dead-letter row: %w", err)
	}
	dl.ErrorMessage = errMsg.String

	if value.Valid {
		if err = json.Unmarshal([]byte(value.String), &dl.Value); err != nil {
			return DeadLetter{}, fmt.Errorf("decoding value of dead-letter %d: %w", dl.ID, err)
		}
	}
	if metadata.Valid {
		if err = json.Unmarshal([]byte(metadata.String), &dl.Metadata); err != nil {
			return DeadLetter{}, fmt.Errorf("decoding metadata of dead-letter %d: %w", dl.ID, err)
		}
	}
	if dl.FailedAt, err = ParseTime(failedAt); err != nil {
		return DeadLetter{}, err
	}
	return dl, nil
}
