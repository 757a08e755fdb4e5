// Package ingress is the shared path by which adapter observations
// enter the buffer.
package ingress

import (
	"context"
	"errors"

	"github.com/inletworks/bridge/buffer"
	"github.com/inletworks/bridge/mapping"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
)

var (
	observedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_ingress_observed_total",
		Help: "Adapter observations offered for buffering.",
	}, []string{"source"})
	droppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_ingress_dropped_total",
		Help: "Observations dropped because the buffer was full.",
	}, []string{"source"})
)

// Observation is one value change seen by an adapter at an external
// address.
type Observation struct {
	Source   mapping.Side
	Address  string
	Value    interface{}
	Metadata map[string]interface{}
}

// Router contributes buffer messages for an observation beyond the
// routes of the mapping registry, as the enterprise connector does for
// its outbound routes.
type Router interface {
	Route(obs Observation) []buffer.Message
}

// Ingress fans observations into the buffer under every route which
// accepts them.
type Ingress struct {
	buf      *buffer.Buffer
	registry *mapping.Registry
	routers  []Router
}

// New builds an Ingress over the registry and any additional routers.
func New(buf *buffer.Buffer, registry *mapping.Registry, routers ...Router) *Ingress {
	return &Ingress{buf: buf, registry: registry, routers: routers}
}

// Enqueue buffers one message per route accepting the observation and
// returns the number enqueued. A full buffer drops the observation's
// remaining messages; repeat values are never de-duplicated.
func (i *Ingress) Enqueue(ctx context.Context, obs Observation) int {
	observedTotal.WithLabelValues(string(obs.Source)).Inc()

	var msgs = i.route(obs)
	if len(msgs) == 0 {
		log.WithFields(log.Fields{
			"source":  obs.Source,
			"address": obs.Address,
		}).Debug("observation matched no mapping")
		return 0
	}

	var enqueued int
	for _, msg := range msgs {
		var _, err = i.buf.Enqueue(ctx, msg)
		if errors.Is(err, buffer.ErrBufferFull) {
			droppedTotal.WithLabelValues(string(obs.Source)).Inc()
			log.WithFields(log.Fields{
				"source":  obs.Source,
				"address": obs.Address,
				"mapping": msg.MappingID,
			}).Warn("buffer full; observation dropped")
			continue
		} else if err != nil {
			log.WithFields(log.Fields{
				"source":  obs.Source,
				"address": obs.Address,
				"mapping": msg.MappingID,
				"err":     err,
			}).Error("failed to buffer observation")
			continue
		}
		enqueued++
	}
	return enqueued
}

func (i *Ingress) route(obs Observation) []buffer.Message {
	var out []buffer.Message

	for _, m := range i.registry.Lookup(obs.Source, obs.Address) {
		if !m.AllowsSource(obs.Source) {
			continue
		}
		var destination = mapping.DestinationOf(obs.Source)

		out = append(out, buffer.Message{
			Source:      string(obs.Source),
			Destination: string(destination),
			TopicOrNode: m.AddressOn(destination),
			Value:       obs.Value,
			DataType:    string(m.DataType),
			MappingID:   m.ID,
			Priority:    m.Priority,
			MaxRetries:  m.MaxRetries,
			TTL:         m.TTL,
			Metadata:    obs.Metadata,
		})
	}
	for _, r := range i.routers {
		out = append(out, r.Route(obs)...)
	}
	return out
}
