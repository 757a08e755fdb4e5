// Package analytics derives operator insight from a bridge buffer
// database: performance reports, anomaly detection, load prediction,
// and rendered reports. Every query is read-only; the package never
// writes to the store.
package analytics

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/inletworks/bridge/config"
)

// Thresholds tune the anomaly detector. Zero-valued fields take the
// balanced defaults.
type Thresholds struct {
	// StuckAge is how long a processing message may hold its lease
	// before it counts as stuck.
	StuckAge time.Duration
	// MaxPending is the pending backlog above which an anomaly fires.
	// Five times the value raises the severity to high.
	MaxPending int
	// MaxFailureRate is the tolerated percentage of messages created
	// in the last hour which failed. 2.5 times the value raises the
	// severity to high.
	MaxFailureRate float64
	// MaxAvgLatency bounds the mean completion latency over the last
	// hour.
	MaxAvgLatency time.Duration
	// RouteBacklog bounds the queued (pending plus processing) count
	// of a single source/destination route. Five times the value
	// raises the severity to high.
	RouteBacklog int
}

func (t Thresholds) withDefaults() Thresholds {
	if t.StuckAge <= 0 {
		t.StuckAge = 5 * time.Minute
	}
	if t.MaxPending <= 0 {
		t.MaxPending = 1000
	}
	if t.MaxFailureRate <= 0 {
		t.MaxFailureRate = 10
	}
	if t.MaxAvgLatency <= 0 {
		t.MaxAvgLatency = 10 * time.Second
	}
	if t.RouteBacklog <= 0 {
		t.RouteBacklog = 100
	}
	return t
}

// ProfileThresholds returns the detector presets of a named
// optimization profile. Unknown names fall back to the balanced
// presets.
func ProfileThresholds(profile string) Thresholds {
	switch profile {
	case "throughput":
		// Deep queues are expected; alert late.
		return Thresholds{
			StuckAge:       10 * time.Minute,
			MaxPending:     5000,
			MaxFailureRate: 15,
			MaxAvgLatency:  30 * time.Second,
			RouteBacklog:   500,
		}
	case "latency":
		// Small queues and fast turnaround; alert early.
		return Thresholds{
			StuckAge:       2 * time.Minute,
			MaxPending:     500,
			MaxFailureRate: 5,
			MaxAvgLatency:  2 * time.Second,
			RouteBacklog:   50,
		}
	default:
		return Thresholds{}.withDefaults()
	}
}

// ThresholdsFromConfig composes profile presets with explicit
// alert_thresholds overrides. Zero overrides keep the preset value,
// and a disabled optimizer ignores the profile.
func ThresholdsFromConfig(opt config.Optimization, mon config.Monitoring) Thresholds {
	var t Thresholds
	if opt.Enabled {
		t = ProfileThresholds(opt.Profile)
	} else {
		t = t.withDefaults()
	}

	var o = mon.AlertThresholds
	if o.StuckMinutes > 0 {
		t.StuckAge = time.Duration(o.StuckMinutes) * time.Minute
	}
	if o.MaxPendingMessages > 0 {
		t.MaxPending = o.MaxPendingMessages
	}
	if o.MaxFailureRate > 0 {
		t.MaxFailureRate = o.MaxFailureRate
	}
	if o.MaxLatencySeconds > 0 {
		t.MaxAvgLatency = time.Duration(o.MaxLatencySeconds * float64(time.Second))
	}
	return t
}

// Analyzer runs analyses over a buffer database. It shares the schema
// with package buffer but opens no leases and takes no locks, so it
// may point at the live database of a running bridge or at a
// read-only handle of a copied one.
type Analyzer struct {
	db         *sql.DB
	path       string
	thresholds Thresholds

	// now anchors every SQL time window. Tests override it.
	now func() time.Time
}

// New returns an Analyzer over db. The path is informational and
// appears in rendered reports.
func New(db *sql.DB, path string, thresholds Thresholds) *Analyzer {
	return &Analyzer{
		db:         db,
		path:       path,
		thresholds: thresholds.withDefaults(),
		now:        time.Now,
	}
}

func (a *Analyzer) statusCounts(ctx context.Context) (map[string]int, int, error) {
	var counts = make(map[string]int)
	var total int

	var rows, err = a.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM messages GROUP BY status`)
	if err != nil {
		return nil, 0, fmt.Errorf("counting messages by status: %w", err)
	}
	for rows.Next() {
		var status string
		var n int
		if err = rows.Scan(&status, &n); err != nil {
			rows.Close()
			return nil, 0, fmt.Errorf("scanning status count: %w", err)
		}
		counts[status] = n
		total += n
	}
	if err = rows.Close(); err != nil {
		return nil, 0, fmt.Errorf("reading status counts: %w", err)
	}
	return counts, total, nil
}
