package main

import (
	"context"
	"time"

	"github.com/inletworks/bridge/analytics"
	"github.com/inletworks/bridge/buffer"
	"github.com/inletworks/bridge/config"
	log "github.com/sirupsen/logrus"
	"go.gazette.dev/core/task"
)

// queueMaintenance queues the periodic housekeeping tasks of a serving
// bridge: expiry sweeps, statistics snapshots, anomaly alerts, and
// worker tuning recommendations.
func queueMaintenance(tasks *task.Group, buf *buffer.Buffer, analyzer *analytics.Analyzer, cfg config.Config) {
	queueTicker(tasks, "buffer.sweep",
		time.Duration(cfg.Buffer.CleanupInterval)*time.Second,
		func(ctx context.Context) {
			if _, err := buf.Sweep(ctx); err != nil && ctx.Err() == nil {
				log.WithField("err", err).Error("buffer sweep failed")
			}
		})

	if cfg.Monitoring.Enabled {
		queueTicker(tasks, "buffer.statistics",
			time.Duration(cfg.Monitoring.MetricsInterval)*time.Second,
			func(ctx context.Context) {
				if err := buf.RecordStatistics(ctx); err != nil && ctx.Err() == nil {
					log.WithField("err", err).Error("recording buffer statistics failed")
				}
			})
	}
	if cfg.Monitoring.Enabled && cfg.Monitoring.AlertsEnabled {
		queueTicker(tasks, "monitor.alerts",
			time.Duration(cfg.Monitoring.MetricsInterval)*time.Second,
			func(ctx context.Context) { logAnomalies(ctx, analyzer) })
	}
	if cfg.Optimization.Enabled && cfg.Optimization.AutoAdjust {
		queueTicker(tasks, "optimize.workers",
			time.Duration(cfg.Optimization.CheckInterval)*time.Second,
			func(ctx context.Context) {
				logWorkerRecommendation(ctx, analyzer, cfg.Buffer.WorkerThreads)
			})
	}
}

// queueTicker queues a task which invokes fn every interval until the
// group is cancelled. A non-positive interval disables the task.
func queueTicker(tasks *task.Group, name string, interval time.Duration, fn func(context.Context)) {
	if interval <= 0 {
		log.WithField("task", name).Warn("non-positive interval; task disabled")
		return
	}
	tasks.Queue(name, func() error {
		var ticker = time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				fn(tasks.Context())
			case <-tasks.Context().Done():
				return nil
			}
		}
	})
}

func logAnomalies(ctx context.Context, analyzer *analytics.Analyzer) {
	var anomalies, err = analyzer.DetectAnomalies(ctx)
	if err != nil {
		if ctx.Err() == nil {
			log.WithField("err", err).Error("anomaly detection failed")
		}
		return
	}
	for _, a := range anomalies {
		var entry = log.WithFields(log.Fields{
			"type":     a.Type,
			"severity": a.Severity,
			"details":  a.Details,
		})
		if a.Severity == analytics.SeverityHigh {
			entry.Error(a.Message)
		} else {
			entry.Warn(a.Message)
		}
	}
}

func logWorkerRecommendation(ctx context.Context, analyzer *analytics.Analyzer, current int) {
	var rec, err = analyzer.RecommendWorkers(ctx, current)
	if err != nil {
		if ctx.Err() == nil {
			log.WithField("err", err).Error("worker recommendation failed")
		}
		return
	}
	if rec.Suggested == rec.Current {
		return
	}
	log.WithFields(log.Fields{
		"current":   rec.Current,
		"suggested": rec.Suggested,
		"reason":    rec.Reason,
	}).Info("egress worker pool recommendation")
}
