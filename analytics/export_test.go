package analytics

import (
	"bytes"
	"context"
	"testing"

	"github.com/inletworks/bridge/buffer"
	"github.com/nsf/jsondiff"
	"github.com/stretchr/testify/require"
)

func TestWriteStatsExport(t *testing.T) {
	var a, buf = newTestAnalyzer(t)

	plant(t, buf, seed{createdAt: h(10, 15), status: buffer.StatusCompleted, processedAt: h(10, 16)})
	plant(t, buf, seed{createdAt: h(10, 20), status: buffer.StatusCompleted, processedAt: h(10, 21)})
	plant(t, buf, seed{createdAt: h(10, 40), topic: "plant/pressure", status: buffer.StatusFailed})
	plant(t, buf, seed{createdAt: h(11, 5)})
	plant(t, buf, seed{createdAt: h(11, 5), topic: "plant/pressure"})
	// Created before the window: counted by status and topic, not hourly.
	plant(t, buf, seed{createdAt: h(11, 0).AddDate(0, 0, -2), topic: "plant/legacy"})

	var out bytes.Buffer
	require.NoError(t, a.WriteStatsExport(context.Background(), &out))

	var want = `{
		"status_counts": {"completed": 2, "failed": 1, "pending": 3},
		"hourly_stats": [
			{"hour": "2025-08-15 10:00", "created": 3, "completed": 2, "failed": 1},
			{"hour": "2025-08-15 11:00", "created": 2, "completed": 0, "failed": 0}
		],
		"top_topics": [
			{"topic": "plant/temp", "count": 3},
			{"topic": "plant/pressure", "count": 2},
			{"topic": "plant/legacy", "count": 1}
		]
	}`

	var opts = jsondiff.DefaultConsoleOptions()
	var diff, desc = jsondiff.Compare(out.Bytes(), []byte(want), &opts)
	require.Equal(t, jsondiff.FullMatch, diff, desc)
}

func TestWriteStatsExportEmptyStore(t *testing.T) {
	var a, _ = newTestAnalyzer(t)

	var out bytes.Buffer
	require.NoError(t, a.WriteStatsExport(context.Background(), &out))

	var opts = jsondiff.DefaultConsoleOptions()
	var diff, desc = jsondiff.Compare(out.Bytes(), []byte(
		`{"status_counts": {}, "hourly_stats": [], "top_topics": []}`), &opts)
	require.Equal(t, jsondiff.FullMatch, diff, desc)
}
