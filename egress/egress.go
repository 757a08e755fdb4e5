// Package egress drains the buffer into destination appliers through
// per-destination worker pools.
package egress

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/inletworks/bridge/buffer"
	"github.com/inletworks/bridge/mapping"
	"github.com/inletworks/bridge/transform"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
	"go.gazette.dev/core/task"
)

var (
	processedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_egress_processed_total",
		Help: "Completed message deliveries by destination.",
	}, []string{"destination"})
	failuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_egress_failures_total",
		Help: "Failed message deliveries by destination.",
	}, []string{"destination"})
	latencySeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name: "bridge_egress_latency_seconds",
		Help: "Delivery latency by destination.",
	}, []string{"destination"})
)

// Applier applies a transformed buffer message at its destination.
// Adapters implement it for their side.
type Applier interface {
	Apply(ctx context.Context, msg buffer.Message) error
}

// Options tune the worker pools of a Manager.
type Options struct {
	Workers      int
	BatchSize    int
	PollInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 20
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	return o
}

// Manager drains buffered messages into registered destinations.
type Manager struct {
	buf         *buffer.Buffer
	registry    *mapping.Registry
	transformer *transform.Transformer
	opts        Options
	appliers    map[string]Applier
}

// NewManager returns a Manager with no destinations registered.
func NewManager(buf *buffer.Buffer, registry *mapping.Registry, transformer *transform.Transformer, opts Options) *Manager {
	return &Manager{
		buf:         buf,
		registry:    registry,
		transformer: transformer,
		opts:        opts.withDefaults(),
		appliers:    make(map[string]Applier),
	}
}

// Register binds an applier to a destination. Messages addressed to a
// destination with no applier stay pending until one is registered at a
// future startup.
func (m *Manager) Register(destination string, applier Applier) {
	m.appliers[destination] = applier
}

// QueueTasks queues a pool of drain workers for each registered
// destination.
func (m *Manager) QueueTasks(tasks *task.Group) {
	for destination, applier := range m.appliers {
		var destination, applier = destination, applier

		for i := 0; i != m.opts.Workers; i++ {
			tasks.Queue(fmt.Sprintf("egress.%s.%d", destination, i), func() error {
				return m.drain(tasks.Context(), destination, applier)
			})
		}
	}
}

// drain leases batches addressed to the destination and delivers them
// until ctx is cancelled. An empty lease sleeps for the poll interval;
// failed deliveries re-lease through the buffer's retry accounting and
// are never retried in place.
func (m *Manager) drain(ctx context.Context, destination string, applier Applier) error {
	for {
		var msgs, err = m.buf.LeaseBatch(ctx, m.opts.BatchSize, buffer.LeaseFilter{Destination: destination})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("leasing messages for %s: %w", destination, err)
		}

		if len(msgs) == 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(m.opts.PollInterval):
			}
			continue
		}

		for _, msg := range msgs {
			m.deliver(ctx, destination, applier, msg)

			if ctx.Err() != nil {
				// Messages still leased by this batch re-pend
				// through the processing reset at next startup.
				return nil
			}
		}
	}
}

func (m *Manager) deliver(ctx context.Context, destination string, applier Applier, msg buffer.Message) {
	var began = time.Now()

	var err = m.transform(&msg)
	if err == nil {
		err = applier.Apply(ctx, msg)
	}
	if errors.Is(err, context.Canceled) {
		// Shutdown raced this delivery. Leave the lease for the
		// processing reset at next startup.
		return
	}

	// Bookkeeping lands even when shutdown begins mid-delivery.
	var bctx = context.Background()
	latencySeconds.WithLabelValues(destination).Observe(time.Since(began).Seconds())

	if err != nil {
		failuresTotal.WithLabelValues(destination).Inc()
		log.WithFields(log.Fields{
			"id":          msg.ID,
			"destination": destination,
			"address":     msg.TopicOrNode,
			"err":         err,
		}).Warn("failed to deliver message")

		if err = m.buf.Fail(bctx, msg.ID, err.Error()); err != nil {
			log.WithFields(log.Fields{"id": msg.ID, "err": err}).
				Error("failed to record delivery failure")
		}
		return
	}

	processedTotal.WithLabelValues(destination).Inc()
	if err = m.buf.Complete(bctx, msg.ID); err != nil {
		log.WithFields(log.Fields{"id": msg.ID, "err": err}).
			Error("failed to record delivery")
	}
}

// transform converts msg.Value for delivery. The custom transform of
// the message's mapping applies when that mapping is still registered
// and routes to the message's destination; otherwise the message's own
// recorded fields drive a plain conversion, which also covers routes
// outside the registry such as enterprise ones.
func (m *Manager) transform(msg *buffer.Message) error {
	var from = mapping.Side(msg.Source)

	if mp, ok := m.registry.ByID(msg.MappingID); ok && string(mapping.DestinationOf(from)) == msg.Destination {
		var out, err = m.transformer.Apply(mp, from, msg.Value)
		if err != nil {
			return err
		}
		msg.Value = out
		return nil
	}

	var out, err = m.transformer.Convert(
		msg.Value, from, mapping.Side(msg.Destination), mapping.DataType(msg.DataType))
	if err != nil {
		return err
	}
	msg.Value = out
	return nil
}
