package analytics

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/inletworks/bridge/buffer"
)

// statsExport is the wire shape of WriteStatsExport.
type statsExport struct {
	StatusCounts map[string]int `json:"status_counts"`
	HourlyStats  []hourlyStat   `json:"hourly_stats"`
	TopTopics    []topicCount   `json:"top_topics"`
}

type hourlyStat struct {
	Hour      string `json:"hour"`
	Created   int    `json:"created"`
	Completed int    `json:"completed"`
	Failed    int    `json:"failed"`
}

type topicCount struct {
	Topic string `json:"topic"`
	Count int    `json:"count"`
}

// WriteStatsExport writes a JSON snapshot of store activity to w:
// counts by status, hourly creation and completion figures for the
// last day, and the twenty busiest topics.
func (a *Analyzer) WriteStatsExport(ctx context.Context, w io.Writer) error {
	var counts, _, err = a.statusCounts(ctx)
	if err != nil {
		return err
	}
	var out = statsExport{
		StatusCounts: counts,
		HourlyStats:  []hourlyStat{},
		TopTopics:    []topicCount{},
	}

	var rows *sql.Rows
	if rows, err = a.db.QueryContext(ctx, `
		SELECT strftime('%Y-%m-%d %H:00', created_at) AS hour,
			COUNT(*),
			SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END),
			SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END)
		FROM messages
		WHERE created_at > ?
		GROUP BY hour
		ORDER BY hour ASC`,
		buffer.FormatTime(a.now().Add(-24*time.Hour))); err != nil {
		return fmt.Errorf("bucketing messages by hour: %w", err)
	}
	for rows.Next() {
		var h hourlyStat
		if err = rows.Scan(&h.Hour, &h.Created, &h.Completed, &h.Failed); err != nil {
			rows.Close()
			return fmt.Errorf("scanning hourly stat: %w", err)
		}
		out.HourlyStats = append(out.HourlyStats, h)
	}
	if err = rows.Close(); err != nil {
		return fmt.Errorf("reading hourly stats: %w", err)
	}

	if rows, err = a.db.QueryContext(ctx, `
		SELECT topic_or_node, COUNT(*) AS n FROM messages
		GROUP BY topic_or_node ORDER BY n DESC LIMIT 20`); err != nil {
		return fmt.Errorf("ranking topics: %w", err)
	}
	for rows.Next() {
		var tc topicCount
		if err = rows.Scan(&tc.Topic, &tc.Count); err != nil {
			rows.Close()
			return fmt.Errorf("scanning topic count: %w", err)
		}
		out.TopTopics = append(out.TopTopics, tc)
	}
	if err = rows.Close(); err != nil {
		return fmt.Errorf("reading topic counts: %w", err)
	}

	var enc = json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err = enc.Encode(out); err != nil {
		return fmt.Errorf("encoding statistics export: %w", err)
	}
	return nil
}
