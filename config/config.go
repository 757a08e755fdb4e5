// Package config loads and validates the bridge configuration file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/inletworks/bridge/buffer"
	"github.com/inletworks/bridge/mapping"
	"gopkg.in/yaml.v3"
)

// Config is the full configuration document.
type Config struct {
	PubSub       PubSub         `yaml:"pubsub"`
	Variable     Variable       `yaml:"variable"`
	Mappings     []mapping.Spec `yaml:"mappings"`
	Buffer       Buffer         `yaml:"buffer"`
	Optimization Optimization   `yaml:"optimization"`
	Monitoring   Monitoring     `yaml:"monitoring"`
	Enterprise   Enterprise     `yaml:"enterprise"`
}

// PubSub configures the broker-side adapter.
type PubSub struct {
	Enabled              bool   `yaml:"enabled"`
	BrokerHost           string `yaml:"broker_host"`
	BrokerPort           int    `yaml:"broker_port"`
	ClientID             string `yaml:"client_id"`
	Username             string `yaml:"username"`
	Password             string `yaml:"password"`
	KeepAlive            int    `yaml:"keep_alive"`
	QoS                  int    `yaml:"qos"`
	TLSEnabled           bool   `yaml:"tls_enabled"`
	CACert               string `yaml:"ca_cert"`
	ClientCert           string `yaml:"client_cert"`
	ClientKey            string `yaml:"client_key"`
	ReconnectDelay       int    `yaml:"reconnect_delay"`
	MaxReconnectAttempts int    `yaml:"max_reconnect_attempts"`
}

// BrokerURL renders the broker address for the client library.
func (p PubSub) BrokerURL() string {
	var scheme = "tcp"
	if p.TLSEnabled {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, p.BrokerHost, p.BrokerPort)
}

// Variable configures the address-space-side adapter.
type Variable struct {
	Enabled              bool   `yaml:"enabled"`
	Endpoint             string `yaml:"endpoint"`
	Namespace            string `yaml:"namespace"`
	SecurityPolicy       string `yaml:"security_policy"`
	SecurityMode         string `yaml:"security_mode"`
	Username             string `yaml:"username"`
	Password             string `yaml:"password"`
	Certificate          string `yaml:"certificate"`
	PrivateKey           string `yaml:"private_key"`
	SessionTimeout       int    `yaml:"session_timeout"`
	SubscriptionInterval int    `yaml:"subscription_interval_ms"`
}

// Buffer configures the durable store and its egress workers.
type Buffer struct {
	Enabled          bool               `yaml:"enabled"`
	DBPath           string             `yaml:"db_path"`
	MaxSize          int                `yaml:"max_size"`
	TTLMinutes       int                `yaml:"ttl_minutes"`
	CleanupInterval  int                `yaml:"cleanup_interval"`
	BatchSize        int                `yaml:"batch_size"`
	WorkerThreads    int                `yaml:"worker_threads"`
	RetryMaxAttempts int                `yaml:"retry_max_attempts"`
	PollIntervalMS   int                `yaml:"poll_interval_ms"`
	WALEnabled       bool               `yaml:"wal_enabled"`
	PriorityWeights  map[string]float64 `yaml:"priority_weights"`
	PriorityLimits   map[string]int     `yaml:"priority_limits"`
}

// Options maps the section onto buffer open options.
func (b Buffer) Options() (buffer.Options, error) {
	var opts = buffer.Options{
		MaxSize:    b.MaxSize,
		TTL:        time.Duration(b.TTLMinutes) * time.Minute,
		MaxRetries: b.RetryMaxAttempts,
		WAL:        b.WALEnabled,
	}
	if len(b.PriorityLimits) != 0 {
		opts.PriorityLimits = make(map[buffer.Priority]int)
		for name, limit := range b.PriorityLimits {
			var p, err = buffer.ParsePriority(name)
			if err != nil {
				return opts, fmt.Errorf("priority_limits: %w", err)
			}
			opts.PriorityLimits[p] = limit
		}
	}
	if len(b.PriorityWeights) != 0 {
		opts.PriorityWeights = make(map[buffer.Priority]float64)
		for name, w := range b.PriorityWeights {
			var p, err = buffer.ParsePriority(name)
			if err != nil {
				return opts, fmt.Errorf("priority_weights: %w", err)
			}
			opts.PriorityWeights[p] = w
		}
	}
	return opts, nil
}

// Optimization selects anomaly threshold presets and the tuning task.
type Optimization struct {
	Enabled       bool   `yaml:"enabled"`
	Profile       string `yaml:"profile"`
	AutoAdjust    bool   `yaml:"auto_adjust"`
	CheckInterval int    `yaml:"check_interval"`
}

// Monitoring configures the statistics recorder and alert loop.
type Monitoring struct {
	Enabled         bool            `yaml:"enabled"`
	MetricsInterval int             `yaml:"metrics_interval"`
	AlertsEnabled   bool            `yaml:"alerts_enabled"`
	AlertThresholds AlertThresholds `yaml:"alert_thresholds"`
}

// AlertThresholds override anomaly detector defaults; zero means default.
type AlertThresholds struct {
	MaxPendingMessages int     `yaml:"max_pending_messages"`
	MaxFailureRate     float64 `yaml:"max_failure_rate"`
	MaxLatencySeconds  float64 `yaml:"max_latency_seconds"`
	StuckMinutes       int     `yaml:"stuck_minutes"`
}

// Enterprise configures the REST-side connector.
type Enterprise struct {
	Enabled      bool                `yaml:"enabled"`
	Endpoint     string              `yaml:"endpoint"`
	Timeout      int                 `yaml:"timeout"`
	PollInterval int                 `yaml:"poll_interval"`
	Auth         EnterpriseAuth      `yaml:"auth"`
	Mappings     []EnterpriseMapping `yaml:"mappings"`
}

// EnterpriseAuth selects and configures request authentication.
type EnterpriseAuth struct {
	Type         string `yaml:"type"`
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	TokenURL     string `yaml:"token_url"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	Scope        string `yaml:"scope"`
}

// EnterpriseMapping routes between a bridge address and a resource path.
// ResourcePath is the fetch path of inbound routes and the push fallback
// when outbound.resource_path is unset.
type EnterpriseMapping struct {
	MappingID    string              `yaml:"mapping_id"`
	PubSubTopic  string              `yaml:"pubsub_topic"`
	VariableNode string              `yaml:"variable_node"`
	Direction    string              `yaml:"direction"`
	Priority     string              `yaml:"priority"`
	ResourcePath string              `yaml:"resource_path"`
	Outbound     *EnterpriseOutbound `yaml:"outbound"`
	Inbound      *EnterpriseInbound  `yaml:"inbound"`
	Retry        EnterpriseRetry     `yaml:"retry"`
	QueryParams  map[string]string   `yaml:"query_params"`
}

// PushPath returns the resource path of outbound pushes.
func (m EnterpriseMapping) PushPath() string {
	if m.Outbound != nil && m.Outbound.ResourcePath != "" {
		return m.Outbound.ResourcePath
	}
	return m.ResourcePath
}

// EnterpriseOutbound shapes bridge → enterprise pushes.
type EnterpriseOutbound struct {
	ResourcePath string `yaml:"resource_path"`
	Transform    string `yaml:"transform"`
}

// EnterpriseInbound shapes enterprise → bridge fetches.
type EnterpriseInbound struct {
	Destination string `yaml:"destination"`
	Target      string `yaml:"target"`
	DataType    string `yaml:"data_type"`
	Transform   string `yaml:"transform"`
}

// EnterpriseRetry bounds push delivery attempts per mapping.
type EnterpriseRetry struct {
	MaxAttempts    int `yaml:"max_attempts"`
	BackoffSeconds int `yaml:"backoff_seconds"`
}

// WithDefaults returns the policy with unset fields defaulted.
func (r EnterpriseRetry) WithDefaults() EnterpriseRetry {
	if r.MaxAttempts <= 0 {
		r.MaxAttempts = 3
	}
	if r.BackoffSeconds <= 0 {
		r.BackoffSeconds = 5
	}
	return r
}

// Default returns the configuration used when a section or field is absent.
func Default() Config {
	return Config{
		PubSub: PubSub{
			Enabled:              true,
			BrokerHost:           "localhost",
			BrokerPort:           1883,
			ClientID:             "bridge",
			KeepAlive:            60,
			QoS:                  1,
			ReconnectDelay:       5,
			MaxReconnectAttempts: 10,
		},
		Variable: Variable{
			Enabled:              true,
			Endpoint:             "opc.tcp://localhost:4840",
			SecurityPolicy:       "None",
			SecurityMode:         "None",
			SessionTimeout:       3600,
			SubscriptionInterval: 500,
		},
		Buffer: Buffer{
			Enabled:          true,
			DBPath:           "bridge-buffer.db",
			MaxSize:          10000,
			TTLMinutes:       60,
			CleanupInterval:  300,
			BatchSize:        20,
			WorkerThreads:    4,
			RetryMaxAttempts: 3,
			PollIntervalMS:   1000,
			WALEnabled:       true,
			PriorityWeights: map[string]float64{
				"critical": 3.0, "high": 1.8, "normal": 1.0, "low": 0.6,
			},
			PriorityLimits: map[string]int{
				"critical": 0, "high": 5000, "normal": 3000, "low": 1000,
			},
		},
		Optimization: Optimization{
			Enabled:       true,
			Profile:       "balanced",
			CheckInterval: 300,
		},
		Monitoring: Monitoring{
			Enabled:         true,
			MetricsInterval: 30,
			AlertsEnabled:   true,
		},
		Enterprise: Enterprise{
			Timeout:      15,
			PollInterval: 20,
			Auth:         EnterpriseAuth{Type: "basic"},
		},
	}
}

// Load reads, parses, and validates the configuration at path.
// Unknown keys are rejected.
func Load(path string) (Config, error) {
	var doc, err = os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config %q: %w", path, err)
	}
	return Parse(doc)
}

// Parse decodes a configuration document over the defaults.
func Parse(doc []byte) (Config, error) {
	var cfg = Default()

	var dec = yaml.NewDecoder(bytes.NewReader(doc))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks scalar and enterprise rules. Mapping specs are
// validated separately when the registry is built.
func (c *Config) Validate() error {
	if c.PubSub.Enabled {
		if c.PubSub.BrokerHost == "" {
			return fmt.Errorf("pubsub: missing broker_host")
		}
		if c.PubSub.BrokerPort <= 0 || c.PubSub.BrokerPort > 65535 {
			return fmt.Errorf("pubsub: invalid broker_port %d", c.PubSub.BrokerPort)
		}
		if c.PubSub.QoS < 0 || c.PubSub.QoS > 2 {
			return fmt.Errorf("pubsub: invalid qos %d", c.PubSub.QoS)
		}
	}
	if c.Variable.Enabled && c.Variable.Endpoint == "" {
		return fmt.Errorf("variable: missing endpoint")
	}
	if c.Buffer.MaxSize <= 0 {
		return fmt.Errorf("buffer: max_size must be positive")
	}
	if c.Buffer.BatchSize <= 0 {
		return fmt.Errorf("buffer: batch_size must be positive")
	}
	if c.Buffer.WorkerThreads <= 0 {
		return fmt.Errorf("buffer: worker_threads must be positive")
	}
	if _, err := c.Buffer.Options(); err != nil {
		return fmt.Errorf("buffer: %w", err)
	}

	switch c.Optimization.Profile {
	case "", "balanced", "throughput", "latency":
	default:
		return fmt.Errorf("optimization: unknown profile %q", c.Optimization.Profile)
	}

	if c.Enterprise.Enabled {
		if err := c.validateEnterprise(); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) validateEnterprise() error {
	var e = &c.Enterprise
	if e.Endpoint == "" {
		return fmt.Errorf("enterprise: missing endpoint")
	}

	switch e.Auth.Type {
	case "basic":
		if e.Auth.Username == "" {
			return fmt.Errorf("enterprise: basic auth requires username")
		}
	case "oauth2":
		if e.Auth.TokenURL == "" || e.Auth.ClientID == "" || e.Auth.ClientSecret == "" {
			return fmt.Errorf("enterprise: oauth2 auth requires token_url, client_id, and client_secret")
		}
	default:
		return fmt.Errorf("enterprise: unknown auth type %q", e.Auth.Type)
	}

	for i, m := range e.Mappings {
		if m.MappingID == "" {
			return fmt.Errorf("enterprise mapping %d: missing mapping_id", i)
		}

		switch m.Direction {
		case "bridge_to_enterprise", "enterprise_to_bridge", "bidirectional":
		default:
			return fmt.Errorf("enterprise mapping %q: unknown direction %q", m.MappingID, m.Direction)
		}

		if m.Priority != "" {
			if _, err := buffer.ParsePriority(m.Priority); err != nil {
				return fmt.Errorf("enterprise mapping %q: %w", m.MappingID, err)
			}
		}

		var outbound = m.Direction == "bridge_to_enterprise" || m.Direction == "bidirectional"
		var inbound = m.Direction == "enterprise_to_bridge" || m.Direction == "bidirectional"

		if outbound {
			if m.PubSubTopic == "" && m.VariableNode == "" {
				return fmt.Errorf("enterprise mapping %q: outbound route requires pubsub_topic or variable_node", m.MappingID)
			}
			if m.PushPath() == "" {
				return fmt.Errorf("enterprise mapping %q: outbound route requires a resource_path", m.MappingID)
			}
		}
		if inbound {
			if m.ResourcePath == "" {
				return fmt.Errorf("enterprise mapping %q: inbound route requires resource_path", m.MappingID)
			}
			if m.Inbound == nil || m.Inbound.Target == "" {
				return fmt.Errorf("enterprise mapping %q: inbound route requires inbound.target", m.MappingID)
			}
			switch m.Inbound.Destination {
			case "pubsub", "variable":
			default:
				return fmt.Errorf("enterprise mapping %q: unknown inbound destination %q", m.MappingID, m.Inbound.Destination)
			}
		}
	}
	return nil
}
