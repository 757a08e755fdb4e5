package enterprise

import (
	"context"
	"fmt"
	"time"

	"github.com/inletworks/bridge/buffer"
	"github.com/inletworks/bridge/config"
	"github.com/inletworks/bridge/ingress"
	"github.com/inletworks/bridge/mapping"
	"github.com/inletworks/bridge/transform"
	log "github.com/sirupsen/logrus"
	"go.gazette.dev/core/task"
)

// Connector routes between the buffer and the enterprise endpoint. It
// serves three roles: an ingress Router fanning bridge-side
// observations into enterprise-bound messages, an egress Applier
// pushing drained messages to their resource paths, and a poll loop
// fetching inbound resources into the buffer.
type Connector struct {
	cfg    config.Enterprise
	client *Client
	buf    *buffer.Buffer

	byID     map[string]config.EnterpriseMapping
	outbound map[string]transform.Func
	inbound  map[string]transform.Func
}

// NewConnector builds a Connector over the client and buffer. Mapping
// transform names resolve through resolver once, up front; a name which
// doesn't resolve passes values through unchanged, with one warning.
func NewConnector(cfg config.Enterprise, client *Client, buf *buffer.Buffer, resolver transform.Resolver) *Connector {
	if resolver == nil {
		resolver = func(string) (transform.Func, error) { return transform.Identity, nil }
	}
	var c = &Connector{
		cfg:      cfg,
		client:   client,
		buf:      buf,
		byID:     make(map[string]config.EnterpriseMapping),
		outbound: make(map[string]transform.Func),
		inbound:  make(map[string]transform.Func),
	}

	for _, m := range cfg.Mappings {
		c.byID[m.MappingID] = m

		if m.Direction == "bridge_to_enterprise" || m.Direction == "bidirectional" {
			var name string
			if m.Outbound != nil {
				name = m.Outbound.Transform
			}
			c.outbound[m.MappingID] = resolveOrIdentity(resolver, name, m.MappingID)
		}
		if (m.Direction == "enterprise_to_bridge" || m.Direction == "bidirectional") && m.Inbound != nil {
			c.inbound[m.MappingID] = resolveOrIdentity(resolver, m.Inbound.Transform, m.MappingID)
		}
	}
	return c
}

func resolveOrIdentity(resolver transform.Resolver, name, mappingID string) transform.Func {
	if name == "" {
		return transform.Identity
	}
	var fn, err = resolver(name)
	if err != nil {
		log.WithFields(log.Fields{
			"transform": name,
			"mapping":   mappingID,
			"err":       err,
		}).Warn("transform not resolved; passing values through")
		return transform.Identity
	}
	return fn
}

// Route fans an observation into enterprise-bound messages, one per
// outbound mapping of the observed address.
func (c *Connector) Route(obs ingress.Observation) []buffer.Message {
	var out []buffer.Message
	for _, m := range c.cfg.Mappings {
		if _, ok := c.outbound[m.MappingID]; !ok {
			continue
		}
		switch obs.Source {
		case mapping.SidePubSub:
			if m.PubSubTopic != obs.Address {
				continue
			}
		case mapping.SideVariable:
			if m.VariableNode != obs.Address {
				continue
			}
		default:
			continue
		}

		out = append(out, buffer.Message{
			Source:      string(obs.Source),
			Destination: string(mapping.SideEnterprise),
			TopicOrNode: obs.Address,
			Value:       obs.Value,
			DataType:    string(mapping.DataTypeJSON),
			MappingID:   m.MappingID,
			Priority:    priorityOf(m.Priority),
			Metadata:    obs.Metadata,
		})
	}
	return out
}

// Apply pushes a drained buffer message through its mapping's outbound
// transform to the mapped resource path.
func (c *Connector) Apply(ctx context.Context, msg buffer.Message) error {
	var fn, ok = c.outbound[msg.MappingID]
	if !ok {
		return fmt.Errorf("no outbound enterprise mapping %q", msg.MappingID)
	}
	var m = c.byID[msg.MappingID]

	value, err := fn(msg.Value)
	if err != nil {
		return fmt.Errorf("applying outbound transform of mapping %q: %w", msg.MappingID, err)
	}
	return c.client.Push(ctx, m.PushPath(), document(value), m.Retry)
}

// document shapes a value as a JSON object body. Non-object values nest
// under a "value" member.
func document(value interface{}) interface{} {
	if doc, ok := value.(map[string]interface{}); ok {
		return doc
	}
	return map[string]interface{}{"value": value}
}

// QueueTasks queues the inbound poll loop against the task group.
func (c *Connector) QueueTasks(tasks *task.Group) {
	tasks.Queue("enterprise.poll", func() error {
		return c.poll(tasks.Context())
	})
}

func (c *Connector) poll(ctx context.Context) error {
	var interval = time.Duration(c.cfg.PollInterval) * time.Second
	if interval <= 0 {
		interval = 20 * time.Second
	}

	for {
		c.pollOnce(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(interval):
		}
	}
}

// pollOnce fetches every inbound resource and buffers its items for
// delivery. Fetch and transform failures skip the mapping or item; the
// next round retries from scratch.
func (c *Connector) pollOnce(ctx context.Context) {
	for _, m := range c.cfg.Mappings {
		if ctx.Err() != nil {
			return
		}
		var fn, ok = c.inbound[m.MappingID]
		if !ok {
			continue
		}

		var items, err = c.client.Fetch(ctx, m.ResourcePath, m.QueryParams)
		if err != nil {
			if ctx.Err() == nil {
				log.WithFields(log.Fields{
					"mapping": m.MappingID,
					"err":     err,
				}).Warn("failed to fetch enterprise resource")
			}
			continue
		}
		for _, item := range items {
			c.enqueue(ctx, m, fn, item)
		}
	}
}

func (c *Connector) enqueue(ctx context.Context, m config.EnterpriseMapping, fn transform.Func, item interface{}) {
	var value, err = fn(item)
	if err != nil {
		log.WithFields(log.Fields{
			"mapping": m.MappingID,
			"err":     err,
		}).Warn("failed to transform fetched item")
		return
	}

	var dataType = m.Inbound.DataType
	if dataType == "" {
		dataType = string(mapping.DataTypeJSON)
	}
	if _, err = c.buf.Enqueue(ctx, buffer.Message{
		Source:      string(mapping.SideEnterprise),
		Destination: m.Inbound.Destination,
		TopicOrNode: m.Inbound.Target,
		Value:       value,
		DataType:    dataType,
		MappingID:   m.MappingID,
		Priority:    priorityOf(m.Priority),
		Metadata: map[string]interface{}{
			"mapping":       m.MappingID,
			"resource_path": m.ResourcePath,
		},
	}); err != nil {
		log.WithFields(log.Fields{
			"mapping": m.MappingID,
			"err":     err,
		}).Warn("failed to buffer fetched item")
	}
}

func priorityOf(name string) buffer.Priority {
	if p, err := buffer.ParsePriority(name); err == nil {
		return p
	}
	return buffer.PriorityNormal
}
