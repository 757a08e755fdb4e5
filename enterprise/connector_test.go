package enterprise

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/inletworks/bridge/buffer"
	"github.com/inletworks/bridge/config"
	"github.com/inletworks/bridge/ingress"
	"github.com/inletworks/bridge/mapping"
	"github.com/inletworks/bridge/transform"
	"github.com/stretchr/testify/require"
)

func newTestConnector(t *testing.T, endpoint string, mappings []config.EnterpriseMapping, resolver transform.Resolver) (*Connector, *buffer.Buffer) {
	var buf, err = buffer.Open(filepath.Join(t.TempDir(), "buffer.db"), buffer.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { buf.Close() })

	var cfg = basicConfig(endpoint)
	cfg.Mappings = mappings

	client, err := NewClient(cfg)
	require.NoError(t, err)

	return NewConnector(cfg, client, buf, resolver), buf
}

type push struct {
	path string
	body map[string]interface{}
}

func pushServer(t *testing.T) (*httptest.Server, chan push) {
	var pushes = make(chan push, 4)
	var server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var b, _ = io.ReadAll(r.Body)
		var p = push{path: r.URL.Path}
		json.Unmarshal(b, &p.body)
		pushes <- p
		w.WriteHeader(http.StatusCreated)
	}))
	t.Cleanup(server.Close)
	return server, pushes
}

func TestApplyPushesTransformedDocument(t *testing.T) {
	var server, pushes = pushServer(t)

	var c, _ = newTestConnector(t, server.URL, []config.EnterpriseMapping{
		{
			MappingID:   "erp_measurements",
			PubSubTopic: "plant/temp",
			Direction:   "bridge_to_enterprise",
			Outbound: &config.EnterpriseOutbound{
				ResourcePath: "/odata/Measurements",
				Transform:    "wrap_reading",
			},
		},
		{
			MappingID:    "erp_raw",
			PubSubTopic:  "plant/raw",
			Direction:    "bridge_to_enterprise",
			ResourcePath: "/odata/Raw",
		},
	}, transform.MapResolver(map[string]transform.Func{
		"wrap_reading": func(v interface{}) (interface{}, error) {
			return map[string]interface{}{"reading": v}, nil
		},
	}))

	var err = c.Apply(context.Background(), buffer.Message{MappingID: "erp_measurements", Value: 21.5})
	require.NoError(t, err)

	var p = <-pushes
	require.Equal(t, "/odata/Measurements", p.path)
	require.Equal(t, map[string]interface{}{"reading": 21.5}, p.body)

	// Without an outbound transform, a scalar wraps under "value" and the
	// push falls back to the mapping resource path.
	err = c.Apply(context.Background(), buffer.Message{MappingID: "erp_raw", Value: 21.5})
	require.NoError(t, err)

	p = <-pushes
	require.Equal(t, "/odata/Raw", p.path)
	require.Equal(t, map[string]interface{}{"value": 21.5}, p.body)
}

func TestApplyRejectsUnknownMapping(t *testing.T) {
	var server, _ = pushServer(t)

	var c, _ = newTestConnector(t, server.URL, []config.EnterpriseMapping{
		{
			MappingID:    "erp_orders",
			Direction:    "enterprise_to_bridge",
			ResourcePath: "/odata/Orders",
			Inbound:      &config.EnterpriseInbound{Destination: "pubsub", Target: "erp/orders"},
		},
	}, nil)

	var err = c.Apply(context.Background(), buffer.Message{MappingID: "nope", Value: 1.0})
	require.ErrorContains(t, err, `no outbound enterprise mapping "nope"`)

	// Inbound-only mappings don't accept pushes either.
	err = c.Apply(context.Background(), buffer.Message{MappingID: "erp_orders", Value: 1.0})
	require.ErrorContains(t, err, `no outbound enterprise mapping "erp_orders"`)
}

func TestApplyUnresolvedTransformPassesThrough(t *testing.T) {
	var server, pushes = pushServer(t)

	var c, _ = newTestConnector(t, server.URL, []config.EnterpriseMapping{
		{
			MappingID:    "erp_measurements",
			PubSubTopic:  "plant/temp",
			Direction:    "bridge_to_enterprise",
			ResourcePath: "/odata/Measurements",
			Outbound:     &config.EnterpriseOutbound{Transform: "mystery"},
		},
	}, transform.MapResolver(nil))

	require.NoError(t, c.Apply(context.Background(), buffer.Message{MappingID: "erp_measurements", Value: 21.5}))
	require.Equal(t, map[string]interface{}{"value": 21.5}, (<-pushes).body)
}

func TestRouteMatchesOutboundAddresses(t *testing.T) {
	var c, _ = newTestConnector(t, "http://erp.local", []config.EnterpriseMapping{
		{
			MappingID:    "erp_measurements",
			PubSubTopic:  "plant/temp",
			Direction:    "bridge_to_enterprise",
			Priority:     "high",
			ResourcePath: "/odata/Measurements",
		},
		{
			MappingID:    "erp_state",
			VariableNode: "ns=2;s=State",
			Direction:    "bidirectional",
			ResourcePath: "/odata/State",
			Inbound:      &config.EnterpriseInbound{Destination: "variable", Target: "ns=2;s=State"},
		},
		{
			MappingID:    "erp_orders",
			Direction:    "enterprise_to_bridge",
			ResourcePath: "/odata/Orders",
			Inbound:      &config.EnterpriseInbound{Destination: "pubsub", Target: "erp/orders"},
		},
	}, nil)

	var msgs = c.Route(ingress.Observation{
		Source:  mapping.SidePubSub,
		Address: "plant/temp",
		Value:   21.5,
	})
	require.Len(t, msgs, 1)
	require.Equal(t, "pubsub", msgs[0].Source)
	require.Equal(t, "enterprise", msgs[0].Destination)
	require.Equal(t, "plant/temp", msgs[0].TopicOrNode)
	require.Equal(t, "JSON", msgs[0].DataType)
	require.Equal(t, "erp_measurements", msgs[0].MappingID)
	require.Equal(t, buffer.PriorityHigh, msgs[0].Priority)
	require.Equal(t, 21.5, msgs[0].Value)

	msgs = c.Route(ingress.Observation{
		Source:  mapping.SideVariable,
		Address: "ns=2;s=State",
		Value:   true,
	})
	require.Len(t, msgs, 1)
	require.Equal(t, "erp_state", msgs[0].MappingID)
	require.Equal(t, buffer.PriorityNormal, msgs[0].Priority)

	// Unmapped addresses and inbound-only mappings route nothing.
	require.Empty(t, c.Route(ingress.Observation{Source: mapping.SidePubSub, Address: "plant/other"}))
	require.Empty(t, c.Route(ingress.Observation{Source: mapping.SidePubSub, Address: "erp/orders"}))
}

func TestPollOnceBuffersInboundItems(t *testing.T) {
	var server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"value": [{"order": "A-1"}, {"order": "A-2"}]}`))
	}))
	defer server.Close()

	var c, buf = newTestConnector(t, server.URL, []config.EnterpriseMapping{
		{
			MappingID:    "erp_orders",
			Direction:    "enterprise_to_bridge",
			Priority:     "critical",
			ResourcePath: "/odata/Orders",
			QueryParams:  map[string]string{"$top": "5"},
			Inbound: &config.EnterpriseInbound{
				Destination: "pubsub",
				Target:      "erp/orders",
				Transform:   "flag",
			},
		},
		{
			MappingID:    "erp_measurements",
			PubSubTopic:  "plant/temp",
			Direction:    "bridge_to_enterprise",
			ResourcePath: "/odata/Measurements",
		},
	}, transform.MapResolver(map[string]transform.Func{
		"flag": func(v interface{}) (interface{}, error) {
			var doc = v.(map[string]interface{})
			doc["fetched"] = true
			return doc, nil
		},
	}))

	c.pollOnce(context.Background())

	var msgs, err = buf.Pending(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	require.Equal(t, "enterprise", msgs[0].Source)
	require.Equal(t, "pubsub", msgs[0].Destination)
	require.Equal(t, "erp/orders", msgs[0].TopicOrNode)
	require.Equal(t, "JSON", msgs[0].DataType)
	require.Equal(t, "erp_orders", msgs[0].MappingID)
	require.Equal(t, buffer.PriorityCritical, msgs[0].Priority)
	require.Equal(t, map[string]interface{}{"order": "A-1", "fetched": true}, msgs[0].Value)
	require.Equal(t, map[string]interface{}{
		"mapping":       "erp_orders",
		"resource_path": "/odata/Orders",
	}, msgs[0].Metadata)
	require.Equal(t, map[string]interface{}{"order": "A-2", "fetched": true}, msgs[1].Value)
}

func TestPollOnceSkipsFailedFetch(t *testing.T) {
	var server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	var c, buf = newTestConnector(t, server.URL, []config.EnterpriseMapping{
		{
			MappingID:    "erp_orders",
			Direction:    "enterprise_to_bridge",
			ResourcePath: "/odata/Orders",
			Inbound:      &config.EnterpriseInbound{Destination: "pubsub", Target: "erp/orders"},
		},
	}, nil)

	c.pollOnce(context.Background())

	var n, err = buf.PendingCount(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)
}
