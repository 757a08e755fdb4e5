package variable

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/gopcua/opcua/monitor"
	"github.com/gopcua/opcua/ua"
	"github.com/inletworks/bridge/buffer"
	"github.com/inletworks/bridge/config"
	"github.com/inletworks/bridge/ingress"
	"github.com/inletworks/bridge/mapping"
	"github.com/stretchr/testify/require"
)

func newTestAdapter(t *testing.T) (*Adapter, *buffer.Buffer) {
	var buf, err = buffer.Open(filepath.Join(t.TempDir(), "buffer.db"), buffer.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { buf.Close() })

	registry, err := mapping.NewRegistry([]mapping.Spec{
		{
			ID: "temperature", Topic: "plant/line1/temperature", Node: "ns=2;s=Temp",
			DataType: "Float", Direction: "variable_to_pubsub", Priority: "high",
		},
	})
	require.NoError(t, err)

	return NewAdapter(config.Default().Variable, registry, ingress.New(buf, registry)), buf
}

func TestObserveBuffersDataChange(t *testing.T) {
	var a, buf = newTestAdapter(t)
	var stamp = time.Date(2025, 8, 15, 12, 0, 0, 0, time.UTC)

	a.observe(context.Background(), &monitor.DataChangeMessage{
		DataValue: &ua.DataValue{
			Value:           ua.MustVariant(float32(21.5)),
			SourceTimestamp: stamp,
		},
		NodeID: ua.MustParseNodeID("ns=2;s=Temp"),
	})

	var msgs, err = buf.Pending(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	require.Equal(t, "temperature", msgs[0].MappingID)
	require.Equal(t, "variable", msgs[0].Source)
	require.Equal(t, "pubsub", msgs[0].Destination)
	require.Equal(t, "plant/line1/temperature", msgs[0].TopicOrNode)
	require.Equal(t, buffer.PriorityHigh, msgs[0].Priority)
	require.Equal(t, 21.5, msgs[0].Value)
	require.Equal(t, map[string]interface{}{
		"node":             "ns=2;s=Temp",
		"source_timestamp": "2025-08-15T12:00:00Z",
	}, msgs[0].Metadata)
}

func TestObserveIgnoresUnmappedNode(t *testing.T) {
	var a, buf = newTestAdapter(t)

	a.observe(context.Background(), &monitor.DataChangeMessage{
		DataValue: &ua.DataValue{Value: ua.MustVariant(true)},
		NodeID:    ua.MustParseNodeID("ns=9;s=Other"),
	})

	var n, err = buf.PendingCount(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestWriteRequestVariantTypes(t *testing.T) {
	var cases = []struct {
		value  interface{}
		typeID ua.TypeID
	}{
		{true, ua.TypeIDBoolean},
		{int32(42), ua.TypeIDInt32},
		{float32(21.5), ua.TypeIDFloat},
		{3.14159, ua.TypeIDDouble},
		{"running", ua.TypeIDString},
		{time.Date(2025, 8, 15, 12, 0, 0, 0, time.UTC), ua.TypeIDDateTime},
	}
	for _, tc := range cases {
		var req, err = writeRequest(buffer.Message{TopicOrNode: "ns=2;s=Temp", Value: tc.value})
		require.NoError(t, err)
		require.Len(t, req.NodesToWrite, 1)

		var wv = req.NodesToWrite[0]
		require.Equal(t, "ns=2;s=Temp", wv.NodeID.String())
		require.EqualValues(t, ua.AttributeIDValue, wv.AttributeID)
		require.Equal(t, tc.typeID, wv.Value.Value.Type())
	}
}

func TestWriteRequestErrors(t *testing.T) {
	var _, err = writeRequest(buffer.Message{TopicOrNode: "ns=2", Value: 1.0})
	require.ErrorContains(t, err, "parsing node id")

	_, err = writeRequest(buffer.Message{
		TopicOrNode: "ns=2;s=Temp",
		Value:       map[string]interface{}{"not": "writable"},
	})
	require.ErrorContains(t, err, "building variant")
}
