package egress

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/inletworks/bridge/buffer"
	"github.com/inletworks/bridge/mapping"
	"github.com/inletworks/bridge/transform"
	"github.com/stretchr/testify/require"
	"go.gazette.dev/core/task"
)

func newTestManager(t *testing.T, opts Options) (*Manager, *buffer.Buffer) {
	var buf, err = buffer.Open(filepath.Join(t.TempDir(), "buffer.db"), buffer.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { buf.Close() })

	registry, err := mapping.NewRegistry([]mapping.Spec{
		{
			ID: "temperature", Topic: "plant/line1/temperature", Node: "ns=2;s=Temp",
			DataType: "Float", Direction: "pubsub_to_variable",
		},
		{
			ID: "running", Topic: "plant/line1/running", Node: "ns=2;s=Running",
			DataType: "Boolean", Direction: "pubsub_to_variable",
		},
		{
			ID: "scaled", Topic: "plant/line1/scaled", Node: "ns=2;s=Scaled",
			DataType: "Float", Direction: "pubsub_to_variable", Transform: "x10",
		},
	})
	require.NoError(t, err)

	transformer, err := transform.New(transform.MapResolver(map[string]transform.Func{
		"x10": func(v interface{}) (interface{}, error) {
			return v.(float64) * 10, nil
		},
	}))
	require.NoError(t, err)

	return NewManager(buf, registry, transformer, opts), buf
}

func enqueue(t *testing.T, buf *buffer.Buffer, mappingID, address, dataType string, value interface{}) int64 {
	t.Helper()
	var id, err = buf.Enqueue(context.Background(), buffer.Message{
		Source:      "pubsub",
		Destination: "variable",
		TopicOrNode: address,
		Value:       value,
		DataType:    dataType,
		MappingID:   mappingID,
	})
	require.NoError(t, err)
	return id
}

// chanApplier forwards applied messages to a channel.
type chanApplier struct {
	ch chan buffer.Message
}

func (a *chanApplier) Apply(_ context.Context, msg buffer.Message) error {
	a.ch <- msg
	return nil
}

// errApplier fails every application.
type errApplier struct{ err error }

func (a errApplier) Apply(context.Context, buffer.Message) error { return a.err }

func TestDrainDeliversAndCompletes(t *testing.T) {
	var m, buf = newTestManager(t, Options{PollInterval: 10 * time.Millisecond})
	var applier = &chanApplier{ch: make(chan buffer.Message, 4)}

	enqueue(t, buf, "temperature", "ns=2;s=Temp", "Float", 21.5)
	enqueue(t, buf, "scaled", "ns=2;s=Scaled", "Float", 2.0)

	var ctx, cancel = context.WithCancel(context.Background())
	var done = make(chan error, 1)
	go func() { done <- m.drain(ctx, "variable", applier) }()

	var got = make(map[string]buffer.Message)
	for len(got) != 2 {
		select {
		case msg := <-applier.ch:
			got[msg.MappingID] = msg
		case <-time.After(10 * time.Second):
			t.Fatal("timed out waiting for deliveries")
		}
	}
	cancel()
	require.NoError(t, <-done)

	// Values reach the applier in the variable side's native form, with
	// the custom transform of the scaled mapping applied first.
	require.Equal(t, float32(21.5), got["temperature"].Value)
	require.Equal(t, float32(20), got["scaled"].Value)

	stats, err := buf.Stats(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, stats.StatusCounts["completed"])
	require.Equal(t, int64(2), stats.Runtime.Processed)
}

func TestDrainRecordsDeliveryFailures(t *testing.T) {
	var m, buf = newTestManager(t, Options{PollInterval: 10 * time.Millisecond})

	enqueue(t, buf, "temperature", "ns=2;s=Temp", "Float", 21.5)

	var ctx, cancel = context.WithCancel(context.Background())
	var done = make(chan error, 1)
	go func() {
		done <- m.drain(ctx, "variable", errApplier{err: fmt.Errorf("node write rejected")})
	}()

	// Each failed delivery re-leases immediately, until the retry bound
	// makes the message unleasable.
	require.Eventually(t, func() bool {
		var msgs, err = buf.Pending(context.Background(), 10)
		return err == nil && len(msgs) == 1 && msgs[0].RetryCount == 3
	}, 10*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	msgs, err := buf.Pending(context.Background(), 10)
	require.NoError(t, err)
	require.Contains(t, msgs[0].ErrorMessage, "node write rejected")

	letters, err := buf.DeadLetters(context.Background(), 10)
	require.NoError(t, err)
	require.Empty(t, letters)
}

func TestDrainFailsUnconvertibleValues(t *testing.T) {
	var m, buf = newTestManager(t, Options{PollInterval: 10 * time.Millisecond})
	var applier = &chanApplier{ch: make(chan buffer.Message, 4)}

	enqueue(t, buf, "running", "ns=2;s=Running", "Boolean", "maybe")

	var ctx, cancel = context.WithCancel(context.Background())
	var done = make(chan error, 1)
	go func() { done <- m.drain(ctx, "variable", applier) }()

	require.Eventually(t, func() bool {
		var msgs, err = buf.Pending(context.Background(), 10)
		return err == nil && len(msgs) == 1 && msgs[0].RetryCount == 3
	}, 10*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	// The applier never saw the message.
	require.Empty(t, applier.ch)

	msgs, err := buf.Pending(context.Background(), 10)
	require.NoError(t, err)
	require.Contains(t, msgs[0].ErrorMessage, `cannot convert "maybe" to Boolean`)
}

func TestQueueTasksDrainsAcrossWorkers(t *testing.T) {
	var m, buf = newTestManager(t, Options{
		Workers:      2,
		BatchSize:    5,
		PollInterval: 10 * time.Millisecond,
	})
	var applier = &chanApplier{ch: make(chan buffer.Message, 16)}
	m.Register("variable", applier)

	for i := 0; i != 6; i++ {
		enqueue(t, buf, "temperature", "ns=2;s=Temp", "Float", 20.0+float64(i))
	}

	var tasks = task.NewGroup(context.Background())
	m.QueueTasks(tasks)
	tasks.GoRun()

	var got = make(map[float32]bool)
	for len(got) != 6 {
		select {
		case msg := <-applier.ch:
			got[msg.Value.(float32)] = true
		case <-time.After(10 * time.Second):
			t.Fatal("timed out waiting for deliveries")
		}
	}
	tasks.Cancel()
	require.NoError(t, tasks.Wait())

	stats, err := buf.Stats(context.Background())
	require.NoError(t, err)
	require.Equal(t, 6, stats.StatusCounts["completed"])
}

func TestTransformRoutesOutsideRegistry(t *testing.T) {
	var m, _ = newTestManager(t, Options{})

	// A route the registry doesn't know converts by the message's own
	// recorded fields.
	var msg = buffer.Message{
		Source:      "pubsub",
		Destination: "enterprise",
		MappingID:   "erp_measurements",
		DataType:    "Float",
		Value:       21.5,
	}
	require.NoError(t, m.transform(&msg))
	require.Equal(t, 21.5, msg.Value)

	msg = buffer.Message{
		Source:      "variable",
		Destination: "enterprise",
		MappingID:   "erp_measurements",
		DataType:    "DateTime",
		Value:       "2025-08-15T12:00:00Z",
	}
	require.NoError(t, m.transform(&msg))
	require.Equal(t, "2025-08-15T12:00:00Z", msg.Value)
}
