// Package variable adapts the address-space side of the bridge. Data
// changes of mapped nodes are fanned into the buffer, and drained
// buffer messages are applied back as node value writes.
package variable

import (
	"context"
	"fmt"
	"time"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/monitor"
	"github.com/gopcua/opcua/ua"
	"github.com/inletworks/bridge/buffer"
	"github.com/inletworks/bridge/config"
	"github.com/inletworks/bridge/ingress"
	"github.com/inletworks/bridge/mapping"
	log "github.com/sirupsen/logrus"
)

// Adapter is a connected address-space client bound to the mapping
// registry.
type Adapter struct {
	cfg      config.Variable
	registry *mapping.Registry
	ingress  *ingress.Ingress

	client *opcua.Client
}

// NewAdapter returns an Adapter which is not yet connected.
func NewAdapter(cfg config.Variable, registry *mapping.Registry, ing *ingress.Ingress) *Adapter {
	return &Adapter{cfg: cfg, registry: registry, ingress: ing}
}

// Connect dials the endpoint and establishes a session. Dropped
// sessions are re-established by the client at the subscription
// publish interval.
func (a *Adapter) Connect(ctx context.Context) error {
	var client, err = opcua.NewClient(a.cfg.Endpoint, a.clientOptions()...)
	if err != nil {
		return fmt.Errorf("building client for %s: %w", a.cfg.Endpoint, err)
	}
	if err = client.Connect(ctx); err != nil {
		return fmt.Errorf("connecting to %s: %w", a.cfg.Endpoint, err)
	}
	a.client = client

	log.WithFields(log.Fields{
		"endpoint":       a.cfg.Endpoint,
		"securityPolicy": a.cfg.SecurityPolicy,
	}).Info("connected to address space")
	return nil
}

// Close tears down the session.
func (a *Adapter) Close(ctx context.Context) error {
	if a.client == nil {
		return nil
	}
	return a.client.Close(ctx)
}

// Run monitors data changes of all mapped nodes and pumps them into
// the buffer until ctx is cancelled.
func (a *Adapter) Run(ctx context.Context) error {
	var nodes = a.registry.Topics(mapping.SideVariable)
	if len(nodes) == 0 {
		<-ctx.Done()
		return nil
	}

	var m, err = monitor.NewNodeMonitor(a.client)
	if err != nil {
		return fmt.Errorf("creating node monitor: %w", err)
	}

	var ch = make(chan *monitor.DataChangeMessage, 64)
	var interval = time.Duration(a.cfg.SubscriptionInterval) * time.Millisecond

	sub, err := m.ChanSubscribe(ctx, &opcua.SubscriptionParameters{Interval: interval}, ch, nodes...)
	if err != nil {
		return fmt.Errorf("subscribing to %d nodes: %w", len(nodes), err)
	}
	defer sub.Unsubscribe(context.Background())

	log.WithFields(log.Fields{
		"nodes":    len(nodes),
		"interval": interval,
	}).Info("monitoring node data changes")

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-ch:
			if msg.Error != nil {
				log.WithField("err", msg.Error).Warn("node data change error")
			} else if msg.Value != nil {
				a.observe(ctx, msg)
			}
		}
	}
}

func (a *Adapter) observe(ctx context.Context, msg *monitor.DataChangeMessage) {
	var node = msg.NodeID.String()
	var metadata = map[string]interface{}{"node": node}
	if !msg.SourceTimestamp.IsZero() {
		metadata["source_timestamp"] = msg.SourceTimestamp.UTC().Format(time.RFC3339)
	}

	a.ingress.Enqueue(ctx, ingress.Observation{
		Source:   mapping.SideVariable,
		Address:  node,
		Value:    msg.Value.Value(),
		Metadata: metadata,
	})
}

// Apply writes a drained buffer message to the value attribute of its
// node.
func (a *Adapter) Apply(ctx context.Context, msg buffer.Message) error {
	var req, err = writeRequest(msg)
	if err != nil {
		return err
	}

	resp, err := a.client.Write(ctx, req)
	if err != nil {
		return fmt.Errorf("writing node %q: %w", msg.TopicOrNode, err)
	}
	if len(resp.Results) != 0 && resp.Results[0] != ua.StatusOK {
		return fmt.Errorf("writing node %q: %w", msg.TopicOrNode, resp.Results[0])
	}
	return nil
}

func writeRequest(msg buffer.Message) (*ua.WriteRequest, error) {
	var id, err = ua.ParseNodeID(msg.TopicOrNode)
	if err != nil {
		return nil, fmt.Errorf("parsing node id %q: %w", msg.TopicOrNode, err)
	}
	v, err := ua.NewVariant(msg.Value)
	if err != nil {
		return nil, fmt.Errorf("building variant for node %q: %w", msg.TopicOrNode, err)
	}

	return &ua.WriteRequest{
		NodesToWrite: []*ua.WriteValue{{
			NodeID:      id,
			AttributeID: ua.AttributeIDValue,
			Value: &ua.DataValue{
				EncodingMask: ua.DataValueValue,
				Value:        v,
			},
		}},
	}, nil
}

func (a *Adapter) clientOptions() []opcua.Option {
	var opts = []opcua.Option{
		opcua.SecurityPolicy(a.cfg.SecurityPolicy),
		opcua.SecurityModeString(a.cfg.SecurityMode),
		opcua.SessionTimeout(time.Duration(a.cfg.SessionTimeout) * time.Second),
		opcua.AutoReconnect(true),
	}
	if a.cfg.Certificate != "" {
		opts = append(opts,
			opcua.CertificateFile(a.cfg.Certificate),
			opcua.PrivateKeyFile(a.cfg.PrivateKey),
		)
	}
	if a.cfg.Username != "" {
		opts = append(opts, opcua.AuthUsername(a.cfg.Username, a.cfg.Password))
	} else {
		opts = append(opts, opcua.AuthAnonymous())
	}
	return opts
}
