package ingress

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/inletworks/bridge/buffer"
	"github.com/inletworks/bridge/mapping"
	"github.com/stretchr/testify/require"
)

func testRegistry(t *testing.T) *mapping.Registry {
	var r, err = mapping.NewRegistry([]mapping.Spec{
		{
			ID: "temp_a", Topic: "plant/temp", Node: "ns=2;s=TempA",
			DataType: "Float", Direction: "pubsub_to_variable", Priority: "high",
		},
		{
			ID: "temp_b", Topic: "plant/temp", Node: "ns=2;s=TempB",
			DataType: "Float", Direction: "pubsub_to_variable",
		},
		{
			ID: "status", Topic: "plant/status", Node: "ns=2;s=Status",
			DataType: "Boolean", Direction: "variable_to_pubsub",
		},
	})
	require.NoError(t, err)
	return r
}

func newTestIngress(t *testing.T, opts buffer.Options, routers ...Router) (*Ingress, *buffer.Buffer) {
	var buf, err = buffer.Open(filepath.Join(t.TempDir(), "buffer.db"), opts)
	require.NoError(t, err)
	t.Cleanup(func() { buf.Close() })

	return New(buf, testRegistry(t), routers...), buf
}

func TestEnqueueFansOutAcrossMappings(t *testing.T) {
	var ing, buf = newTestIngress(t, buffer.Options{})
	var ctx = context.Background()

	// One topic observation reaches both mappings of that topic.
	var n = ing.Enqueue(ctx, Observation{
		Source:   mapping.SidePubSub,
		Address:  "plant/temp",
		Value:    21.5,
		Metadata: map[string]interface{}{"qos": 1.0},
	})
	require.Equal(t, 2, n)

	msgs, err := buf.Pending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	// The high priority mapping leases first.
	require.Equal(t, "temp_a", msgs[0].MappingID)
	require.Equal(t, "ns=2;s=TempA", msgs[0].TopicOrNode)
	require.Equal(t, "pubsub", msgs[0].Source)
	require.Equal(t, "variable", msgs[0].Destination)
	require.Equal(t, 21.5, msgs[0].Value)
	require.Equal(t, map[string]interface{}{"qos": 1.0}, msgs[0].Metadata)
	require.Equal(t, "temp_b", msgs[1].MappingID)
}

func TestEnqueueRespectsDirection(t *testing.T) {
	var ing, buf = newTestIngress(t, buffer.Options{})
	var ctx = context.Background()

	// The status mapping only accepts changes from the variable side.
	var n = ing.Enqueue(ctx, Observation{
		Source:  mapping.SidePubSub,
		Address: "plant/status",
		Value:   true,
	})
	require.Zero(t, n)

	n = ing.Enqueue(ctx, Observation{
		Source:  mapping.SideVariable,
		Address: "ns=2;s=Status",
		Value:   true,
	})
	require.Equal(t, 1, n)

	msgs, err := buf.Pending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "plant/status", msgs[0].TopicOrNode)
	require.Equal(t, "pubsub", msgs[0].Destination)
}

func TestEnqueueDropsOnFullBuffer(t *testing.T) {
	var ing, buf = newTestIngress(t, buffer.Options{MaxSize: 1})
	var ctx = context.Background()
	var obs = Observation{Source: mapping.SideVariable, Address: "ns=2;s=Status", Value: true}

	require.Equal(t, 1, ing.Enqueue(ctx, obs))
	require.Zero(t, ing.Enqueue(ctx, obs))

	n, err := buf.PendingCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

// staticRouter routes every observation of one address to a fixed
// message.
type staticRouter struct {
	address string
	msg     buffer.Message
}

func (r staticRouter) Route(obs Observation) []buffer.Message {
	if obs.Address != r.address {
		return nil
	}
	var msg = r.msg
	msg.Value = obs.Value
	return []buffer.Message{msg}
}

func TestEnqueueIncludesRouterRoutes(t *testing.T) {
	var router = staticRouter{
		address: "plant/temp",
		msg: buffer.Message{
			Source:      "pubsub",
			Destination: "enterprise",
			TopicOrNode: "plant/temp",
			DataType:    "JSON",
			MappingID:   "erp_measurements",
		},
	}
	var ing, buf = newTestIngress(t, buffer.Options{}, router)
	var ctx = context.Background()

	// Registry fanout plus the router's enterprise route.
	var n = ing.Enqueue(ctx, Observation{
		Source:  mapping.SidePubSub,
		Address: "plant/temp",
		Value:   21.5,
	})
	require.Equal(t, 3, n)

	stats, err := buf.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, stats.RouteCounts["pubsub -> variable"])
	require.Equal(t, 1, stats.RouteCounts["pubsub -> enterprise"])
}
