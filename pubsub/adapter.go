// Package pubsub adapts the broker side of the bridge. Observed topic
// publications are fanned into the buffer, and drained buffer messages
// are applied back to the broker as publications.
package pubsub

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"os"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/inletworks/bridge/buffer"
	"github.com/inletworks/bridge/config"
	"github.com/inletworks/bridge/ingress"
	"github.com/inletworks/bridge/mapping"
	log "github.com/sirupsen/logrus"
)

// Adapter is a connected broker client bound to the mapping registry.
type Adapter struct {
	cfg      config.PubSub
	registry *mapping.Registry
	ingress  *ingress.Ingress

	ctx    context.Context
	client mqtt.Client
}

// NewAdapter returns an Adapter which is not yet connected.
func NewAdapter(cfg config.PubSub, registry *mapping.Registry, ing *ingress.Ingress) *Adapter {
	return &Adapter{cfg: cfg, registry: registry, ingress: ing}
}

// Connect dials the broker and blocks until a session is established,
// retrying up to the configured attempt bound. Topic subscriptions are
// installed by the connect handler, which also re-installs them after
// an automatic reconnect (the broker may have dropped session state).
func (a *Adapter) Connect(ctx context.Context) error {
	var opts, err = a.clientOptions()
	if err != nil {
		return err
	}
	a.ctx = ctx
	a.client = mqtt.NewClient(opts)

	for attempt := 1; true; attempt++ {
		var token = a.client.Connect()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-token.Done():
		}

		if err := token.Error(); err == nil {
			return nil
		} else if attempt >= a.cfg.MaxReconnectAttempts {
			return fmt.Errorf("connecting to broker %s: %w", a.cfg.BrokerURL(), err)
		} else {
			log.WithFields(log.Fields{
				"broker":  a.cfg.BrokerURL(),
				"attempt": attempt,
				"err":     err,
			}).Warn("failed to connect to broker (will retry)")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(a.cfg.ReconnectDelay) * time.Second):
		}
	}
	panic("not reached")
}

// Close disconnects from the broker, allowing a short drain of
// in-flight acknowledgements.
func (a *Adapter) Close() {
	if a.client != nil && a.client.IsConnected() {
		a.client.Disconnect(250)
	}
}

// Apply publishes a drained buffer message to its topic. String values
// are published as raw payload bytes and all other values as JSON.
func (a *Adapter) Apply(ctx context.Context, msg buffer.Message) error {
	payload, err := encodePayload(msg.Value)
	if err != nil {
		return fmt.Errorf("encoding payload for topic %q: %w", msg.TopicOrNode, err)
	}

	var token = a.client.Publish(msg.TopicOrNode, byte(a.cfg.QoS), false, payload)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-token.Done():
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publishing to topic %q: %w", msg.TopicOrNode, err)
	}
	return nil
}

func (a *Adapter) clientOptions() (*mqtt.ClientOptions, error) {
	var opts = mqtt.NewClientOptions().
		AddBroker(a.cfg.BrokerURL()).
		SetClientID(a.cfg.ClientID).
		SetKeepAlive(time.Duration(a.cfg.KeepAlive) * time.Second).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(time.Duration(a.cfg.ReconnectDelay) * time.Second).
		SetOnConnectHandler(a.onConnect).
		SetConnectionLostHandler(a.onConnectionLost)

	if a.cfg.Username != "" {
		opts.SetUsername(a.cfg.Username)
		opts.SetPassword(a.cfg.Password)
	}
	if a.cfg.TLSEnabled {
		var tlsCfg, err = newTLSConfig(a.cfg)
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsCfg)
	}
	return opts, nil
}

func (a *Adapter) onConnect(client mqtt.Client) {
	log.WithField("broker", a.cfg.BrokerURL()).Info("connected to broker")

	for _, topic := range a.registry.Topics(mapping.SidePubSub) {
		if token := client.Subscribe(topic, byte(a.cfg.QoS), a.onMessage); token.Wait() && token.Error() != nil {
			log.WithFields(log.Fields{
				"topic": topic,
				"err":   token.Error(),
			}).Error("failed to subscribe to topic")
		} else {
			log.WithField("topic", topic).Info("subscribed to topic")
		}
	}
}

func (a *Adapter) onConnectionLost(_ mqtt.Client, err error) {
	log.WithFields(log.Fields{
		"broker": a.cfg.BrokerURL(),
		"err":    err,
	}).Warn("lost connection to broker")
}

// onMessage buffers an observed publication under each mapping of its
// topic. Payloads which don't parse as JSON pass through as strings.
func (a *Adapter) onMessage(_ mqtt.Client, msg mqtt.Message) {
	var value interface{}
	if err := json.Unmarshal(msg.Payload(), &value); err != nil {
		value = string(msg.Payload())
	}

	a.ingress.Enqueue(a.ctx, ingress.Observation{
		Source:  mapping.SidePubSub,
		Address: msg.Topic(),
		Value:   value,
		Metadata: map[string]interface{}{
			"topic": msg.Topic(),
			"qos":   int(msg.Qos()),
		},
	})
}

func encodePayload(value interface{}) ([]byte, error) {
	if s, ok := value.(string); ok {
		return []byte(s), nil
	}
	return json.Marshal(value)
}

func newTLSConfig(cfg config.PubSub) (*tls.Config, error) {
	var out = new(tls.Config)

	if cfg.CACert != "" {
		var pem, err = os.ReadFile(cfg.CACert)
		if err != nil {
			return nil, fmt.Errorf("reading ca_cert: %w", err)
		}
		var pool = x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("ca_cert %q holds no PEM certificates", cfg.CACert)
		}
		out.RootCAs = pool
	}
	if cfg.ClientCert != "" {
		var cert, err = tls.LoadX509KeyPair(cfg.ClientCert, cfg.ClientKey)
		if err != nil {
			return nil, fmt.Errorf("loading client certificate: %w", err)
		}
		out.Certificates = []tls.Certificate{cert}
	}
	return out, nil
}
