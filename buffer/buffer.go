package buffer

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3" // Import for register side-effects.
	log "github.com/sirupsen/logrus"
)

// ErrBufferFull is returned by Enqueue when capacity is exhausted and the
// overflow policy could not reclaim space. Callers apply backpressure.
var ErrBufferFull = errors.New("buffer is full")

// ErrNotFound is returned when an operation names a message id that does
// not exist or is not in an eligible state.
var ErrNotFound = errors.New("message not found")

// Options configure an opened Buffer.
type Options struct {
	// MaxSize bounds the number of pending messages.
	MaxSize int
	// TTL is the default time-to-live applied at enqueue.
	TTL time.Duration
	// MaxRetries is the default per-message retry bound.
	MaxRetries int
	// WAL enables write-ahead journaling.
	WAL bool
	// PriorityLimits optionally bounds pending messages per priority.
	// A non-positive limit means unbounded.
	PriorityLimits map[Priority]int
	// PriorityWeights weight each priority in the backlog gauge.
	// A missing priority weighs 1.
	PriorityWeights map[Priority]float64
}

func (o Options) withDefaults() Options {
	if o.MaxSize <= 0 {
		o.MaxSize = 10000
	}
	if o.TTL <= 0 {
		o.TTL = time.Hour
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	return o
}

// Buffer is the durable, prioritized message queue at the core of the
// bridge. It is the single gateway to the store and is safe for
// concurrent use by ingress adapters, egress workers, and operator reads.
type Buffer struct {
	db   *sql.DB
	path string
	opts Options

	// now is the clock used for all timestamps. Tests override it.
	now func() time.Time

	counters struct {
		added     int64
		processed int64
		failed    int64
		expired   int64
	}
}

// SQLite / go-sqlite3 is a bit fickle about raced opens of a newly created
// database, often returning "database is locked" errors. Ensuring one
// sql.Open completes before the next starts resolves it.
var sqliteOpenMu sync.Mutex

// Open opens or creates the durable store at path and prepares its schema.
func Open(path string, opts Options) (*Buffer, error) {
	opts = opts.withDefaults()

	var journal = "DELETE"
	if opts.WAL {
		journal = "WAL"
	}
	// _txlock=immediate makes each transaction a writer from the start,
	// removing the shared-to-reserved lock upgrade race between
	// concurrent lease transactions.
	var dsn = fmt.Sprintf("file:%s?_journal_mode=%s&_synchronous=NORMAL&_busy_timeout=5000&_txlock=immediate",
		path, journal)

	sqliteOpenMu.Lock()
	var db, err = sql.Open("sqlite3", dsn)
	if err == nil {
		err = db.Ping()
	}
	sqliteOpenMu.Unlock()

	if err != nil {
		return nil, fmt.Errorf("opening buffer database %q: %w", path, err)
	}

	var b = &Buffer{
		db:   db,
		path: path,
		opts: opts,
		now:  time.Now,
	}
	if err = b.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing buffer schema: %w", err)
	}

	log.WithFields(log.Fields{
		"path":    path,
		"maxSize": opts.MaxSize,
		"ttl":     opts.TTL,
		"journal": journal,
	}).Info("opened persistent buffer")

	return b, nil
}

func (b *Buffer) initSchema() error {
	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			source TEXT NOT NULL,
			destination TEXT NOT NULL,
			topic_or_node TEXT NOT NULL,
			value TEXT,
			data_type TEXT NOT NULL,
			mapping_id TEXT,
			status TEXT NOT NULL DEFAULT 'pending',
			priority INTEGER NOT NULL DEFAULT 1,
			retry_count INTEGER NOT NULL DEFAULT 0,
			max_retries INTEGER NOT NULL DEFAULT 3,
			created_at TIMESTAMP NOT NULL,
			processed_at TIMESTAMP,
			expire_at TIMESTAMP NOT NULL,
			error_message TEXT,
			metadata TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS failed_messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			original_id INTEGER,
			source TEXT,
			destination TEXT,
			topic_or_node TEXT,
			value TEXT,
			error_message TEXT,
			failed_at TIMESTAMP NOT NULL,
			retry_count INTEGER,
			metadata TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS statistics (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp TIMESTAMP NOT NULL,
			metric_name TEXT NOT NULL,
			metric_value REAL NOT NULL,
			metadata TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_status ON messages(status)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_lease ON messages(priority DESC, created_at ASC)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_route ON messages(source, destination)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_expire ON messages(expire_at)`,
	} {
		if _, err := b.db.Exec(stmt); err != nil {
			return fmt.Errorf("exec %q: %w", strings.Fields(stmt)[2], err)
		}
	}
	return nil
}

// Enqueue durably inserts a message as pending and returns its id.
// CreatedAt and ExpireAt default to now and now+TTL. When the pending
// count has reached MaxSize the overflow policy runs once before the
// enqueue is rejected with ErrBufferFull.
func (b *Buffer) Enqueue(ctx context.Context, msg Message) (int64, error) {
	if msg.Priority < PriorityLow || msg.Priority > PriorityCritical {
		return 0, fmt.Errorf("unknown priority %d", msg.Priority)
	}

	var now = b.now()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}
	if msg.ExpireAt.IsZero() {
		var ttl = b.opts.TTL
		if msg.TTL > 0 {
			ttl = msg.TTL
		}
		msg.ExpireAt = msg.CreatedAt.Add(ttl)
	}
	if msg.MaxRetries <= 0 {
		msg.MaxRetries = b.opts.MaxRetries
	}

	var value, err = json.Marshal(msg.Value)
	if err != nil {
		return 0, fmt.Errorf("encoding message value: %w", err)
	}
	var metadata sql.NullString
	if msg.Metadata != nil {
		var enc []byte
		if enc, err = json.Marshal(msg.Metadata); err != nil {
			return 0, fmt.Errorf("encoding message metadata: %w", err)
		}
		metadata = sql.NullString{String: string(enc), Valid: true}
	}

	if limit := b.opts.PriorityLimits[msg.Priority]; limit > 0 {
		var n int
		if err = b.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM messages WHERE status = 'pending' AND priority = ?`,
			int(msg.Priority),
		).Scan(&n); err != nil {
			return 0, fmt.Errorf("counting pending by priority: %w", err)
		}
		if n >= limit {
			rejectedTotal.Inc()
			return 0, fmt.Errorf("priority %s at capacity (%d): %w", msg.Priority, limit, ErrBufferFull)
		}
	}

	var pending int
	if pending, err = b.PendingCount(ctx); err != nil {
		return 0, err
	}
	if pending >= b.opts.MaxSize {
		if err = b.handleOverflow(ctx); err != nil {
			return 0, err
		}
		if pending, err = b.PendingCount(ctx); err != nil {
			return 0, err
		}
		if pending >= b.opts.MaxSize {
			rejectedTotal.Inc()
			return 0, ErrBufferFull
		}
	}

	var res sql.Result
	res, err = b.db.ExecContext(ctx, `
		INSERT INTO messages (
			source, destination, topic_or_node, value, data_type, mapping_id,
			status, priority, retry_count, max_retries, created_at, expire_at, metadata
		) VALUES (?, ?, ?, ?, ?, ?, 'pending', ?, 0, ?, ?, ?, ?)`,
		msg.Source, msg.Destination, msg.TopicOrNode, string(value), msg.DataType, msg.MappingID,
		int(msg.Priority), msg.MaxRetries, FormatTime(msg.CreatedAt), FormatTime(msg.ExpireAt), metadata,
	)
	if err != nil {
		return 0, fmt.Errorf("inserting message: %w", err)
	}
	var id int64
	if id, err = res.LastInsertId(); err != nil {
		return 0, fmt.Errorf("reading inserted id: %w", err)
	}

	atomic.AddInt64(&b.counters.added, 1)
	enqueuedTotal.WithLabelValues(msg.Source, msg.Destination).Inc()

	return id, nil
}

// handleOverflow reclaims space: up to 100 oldest completed rows are
// deleted; if fewer than 50 were reclaimed, up to 100 expired rows follow.
func (b *Buffer) handleOverflow(ctx context.Context) error {
	var res, err = b.db.ExecContext(ctx, `
		DELETE FROM messages WHERE id IN (
			SELECT id FROM messages
			WHERE status = 'completed'
			ORDER BY processed_at ASC LIMIT 100
		)`)
	if err != nil {
		return fmt.Errorf("deleting completed messages on overflow: %w", err)
	}
	var completed, _ = res.RowsAffected()

	var expired int64
	if completed < 50 {
		if res, err = b.db.ExecContext(ctx, `
			DELETE FROM messages WHERE id IN (
				SELECT id FROM messages
				WHERE status = 'expired'
				ORDER BY expire_at ASC LIMIT 100
			)`); err != nil {
			return fmt.Errorf("deleting expired messages on overflow: %w", err)
		}
		expired, _ = res.RowsAffected()
	}

	log.WithFields(log.Fields{
		"deletedCompleted": completed,
		"deletedExpired":   expired,
	}).Warn("buffer overflow policy ran")

	return nil
}

// LeaseFilter narrows a LeaseBatch to one route side.
type LeaseFilter struct {
	Source      string
	Destination string
}

// LeaseBatch atomically transitions up to limit eligible pending messages
// to processing and returns them in lease order: priority descending,
// then created_at ascending. Eligible rows are unexpired and under their
// retry bound. A lease has no timeout; crashed workers are recovered by
// ResetProcessing at startup.
func (b *Buffer) LeaseBatch(ctx context.Context, limit int, filter LeaseFilter) ([]Message, error) {
	var txn, err = b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning lease transaction: %w", err)
	}
	defer txn.Rollback()

	var query = `
		SELECT id, source, destination, topic_or_node, value, data_type, mapping_id,
			status, priority, retry_count, max_retries, created_at, processed_at,
			expire_at, error_message, metadata
		FROM messages
		WHERE status = 'pending' AND expire_at > ? AND retry_count < max_retries`
	var args = []interface{}{FormatTime(b.now())}

	if filter.Source != "" {
		query += " AND source = ?"
		args = append(args, filter.Source)
	}
	if filter.Destination != "" {
		query += " AND destination = ?"
		args = append(args, filter.Destination)
	}
	query += " ORDER BY priority DESC, created_at ASC LIMIT ?"
	args = append(args, limit)

	var rows *sql.Rows
	if rows, err = txn.QueryContext(ctx, query, args...); err != nil {
		return nil, fmt.Errorf("selecting pending messages: %w", err)
	}
	var msgs []Message
	for rows.Next() {
		var msg Message
		if msg, err = scanMessage(rows); err != nil {
			rows.Close()
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	if err = rows.Close(); err != nil {
		return nil, fmt.Errorf("reading pending messages: %w", err)
	}
	if len(msgs) == 0 {
		return nil, nil
	}

	var ids = make([]string, len(msgs))
	var idArgs = make([]interface{}, len(msgs))
	for i := range msgs {
		ids[i] = "?"
		idArgs[i] = msgs[i].ID
		msgs[i].Status = StatusProcessing
	}
	if _, err = txn.ExecContext(ctx,
		fmt.Sprintf(`UPDATE messages SET status = 'processing' WHERE id IN (%s)`,
			strings.Join(ids, ",")),
		idArgs...,
	); err != nil {
		return nil, fmt.Errorf("marking messages processing: %w", err)
	}
	if err = txn.Commit(); err != nil {
		return nil, fmt.Errorf("committing lease: %w", err)
	}

	return msgs, nil
}

// Complete transitions a pending or processing message to completed.
func (b *Buffer) Complete(ctx context.Context, id int64) error {
	var res, err = b.db.ExecContext(ctx, `
		UPDATE messages SET status = 'completed', processed_at = ?
		WHERE id = ? AND status IN ('pending', 'processing')`,
		FormatTime(b.now()), id,
	)
	if err != nil {
		return fmt.Errorf("completing message %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("completing message %d: %w", id, ErrNotFound)
	}

	atomic.AddInt64(&b.counters.processed, 1)
	completedTotal.Inc()

	return nil
}

// Fail records a failed delivery attempt. A message still under its retry
// bound returns to pending with an incremented retry_count; one already at
// the bound is dead-lettered exactly once and marked failed, with
// retry_count unchanged. Failing an already-failed id is a no-op.
func (b *Buffer) Fail(ctx context.Context, id int64, errMsg string) error {
	var txn, err = b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning fail transaction: %w", err)
	}
	defer txn.Rollback()

	var (
		source, destination, topicOrNode string
		value                            sql.NullString
		metadata                         sql.NullString
		status                           string
		retryCount, maxRetries           int
	)
	err = txn.QueryRowContext(ctx, `
		SELECT source, destination, topic_or_node, value, metadata, status, retry_count, max_retries
		FROM messages WHERE id = ?`, id,
	).Scan(&source, &destination, &topicOrNode, &value, &metadata, &status, &retryCount, &maxRetries)
	if err == sql.ErrNoRows {
		return fmt.Errorf("failing message %d: %w", id, ErrNotFound)
	} else if err != nil {
		return fmt.Errorf("reading message %d: %w", id, err)
	}

	if Status(status) == StatusFailed {
		return nil // Already dead-lettered.
	}

	if retryCount >= maxRetries {
		if _, err = txn.ExecContext(ctx, `
			INSERT INTO failed_messages (
				original_id, source, destination, topic_or_node, value,
				error_message, failed_at, retry_count, metadata
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id, source, destination, topicOrNode, value,
			errMsg, FormatTime(b.now()), retryCount, metadata,
		); err != nil {
			return fmt.Errorf("writing dead-letter for message %d: %w", id, err)
		}
		if _, err = txn.ExecContext(ctx, `
			UPDATE messages SET status = 'failed', processed_at = ?, error_message = ?
			WHERE id = ?`,
			FormatTime(b.now()), errMsg, id,
		); err != nil {
			return fmt.Errorf("marking message %d failed: %w", id, err)
		}

		if err = txn.Commit(); err != nil {
			return fmt.Errorf("committing fail: %w", err)
		}
		atomic.AddInt64(&b.counters.failed, 1)
		failedTotal.Inc()
		deadLettersTotal.Inc()

		log.WithFields(log.Fields{
			"id":         id,
			"route":      source + "->" + destination,
			"retryCount": retryCount,
			"err":        errMsg,
		}).Warn("message exhausted retries and was dead-lettered")
		return nil
	}

	if _, err = txn.ExecContext(ctx, `
		UPDATE messages SET status = 'pending', retry_count = retry_count + 1, error_message = ?
		WHERE id = ?`,
		errMsg, id,
	); err != nil {
		return fmt.Errorf("requeueing message %d: %w", id, err)
	}
	if err = txn.Commit(); err != nil {
		return fmt.Errorf("committing fail: %w", err)
	}

	log.WithFields(log.Fields{
		"id":         id,
		"retryCount": retryCount + 1,
		"err":        errMsg,
	}).Debug("message failed and was requeued")

	return nil
}

// ResetProcessing returns every processing message to pending.
// Called once at startup to recover leases of a crashed process.
func (b *Buffer) ResetProcessing(ctx context.Context) (int64, error) {
	var res, err = b.db.ExecContext(ctx,
		`UPDATE messages SET status = 'pending' WHERE status = 'processing'`)
	if err != nil {
		return 0, fmt.Errorf("resetting processing messages: %w", err)
	}
	var n, _ = res.RowsAffected()
	if n > 0 {
		log.WithField("count", n).Info("reset in-flight messages to pending")
	}
	return n, nil
}

// ResetStuck returns processing messages older than olderThan to pending.
func (b *Buffer) ResetStuck(ctx context.Context, olderThan time.Duration) (int64, error) {
	var res, err = b.db.ExecContext(ctx,
		`UPDATE messages SET status = 'pending' WHERE status = 'processing' AND created_at < ?`,
		FormatTime(b.now().Add(-olderThan)),
	)
	if err != nil {
		return 0, fmt.Errorf("resetting stuck messages: %w", err)
	}
	var n, _ = res.RowsAffected()
	return n, nil
}

// PendingCount returns the number of pending messages.
func (b *Buffer) PendingCount(ctx context.Context) (int, error) {
	var n int
	if err := b.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE status = 'pending'`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting pending messages: %w", err)
	}
	return n, nil
}

// DB exposes the underlying handle for read-only operator queries.
func (b *Buffer) DB() *sql.DB { return b.db }

// Close closes the underlying database.
func (b *Buffer) Close() error {
	if err := b.db.Close(); err != nil {
		return fmt.Errorf("closing buffer database: %w", err)
	}
	return nil
}

// scanner abstracts *sql.Row and *sql.Rows for scanMessage.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanMessage(s scanner) (Message, error) {
	var (
		msg                 Message
		value               sql.NullString
		mappingID           sql.NullString
		status              string
		priority            int
		createdAt, expireAt string
		processedAt, errMsg sql.NullString
		metadata            sql.NullString
	)
	var err = s.Scan(
		&msg.ID, &msg.Source, &msg.Destination, &msg.TopicOrNode, &value,
		&msg.DataType, &mappingID, &status, &priority, &msg.RetryCount,
		&msg.MaxRetries, &createdAt, &processedAt, &expireAt, &errMsg, &metadata,
	)
	if err != nil {
		return Message{}, fmt.Errorf("scanning message row: %w", err)
	}

	msg.MappingID = mappingID.String
	msg.Status = Status(status)
	msg.Priority = Priority(priority)
	msg.ErrorMessage = errMsg.String

	if value.Valid {
		if err = json.Unmarshal([]byte(value.String), &msg.Value); err != nil {
			return Message{}, fmt.Errorf("decoding value of message %d: %w", msg.ID, err)
		}
	}
	if metadata.Valid {
		if err = json.Unmarshal([]byte(metadata.String), &msg.Metadata); err != nil {
			return Message{}, fmt.Errorf("decoding metadata of message %d: %w", msg.ID, err)
		}
	}
	if msg.CreatedAt, err = ParseTime(createdAt); err != nil {
		return Message{}, err
	}
	if msg.ExpireAt, err = ParseTime(expireAt); err != nil {
		return Message{}, err
	}
	if processedAt.Valid {
		if msg.ProcessedAt, err = ParseTime(processedAt.String); err != nil {
			return Message{}, err
		}
	}
	return msg, nil
}
