package main

import (
	"github.com/jessevdk/go-flags"
	mbp "go.gazette.dev/core/mainboilerplate"
)

const iniFilename = "bridge.ini"

func main() {
	var parser = flags.NewParser(nil, flags.HelpFlag|flags.PassDoubleDash)

	addCmd(parser, "stats", "Show buffer status", `
Show message counts by status, route, and priority, along with
utilization, backlog age, and dead-letter totals.
`, &cmdStats{})

	addCmd(parser, "pending", "List pending messages", `
List pending messages in the order egress workers will lease them.
`, &cmdPending{})

	addCmd(parser, "failed", "List dead-lettered messages", `
List messages which exhausted their delivery attempts, newest first,
or export them all as JSON.
`, &cmdFailed{})

	addCmd(parser, "monitor", "Continuously watch the buffer", `
Refresh a live view of buffer counts, delivery rates, recent
completions, and active anomalies until interrupted (via SIGINT).
`, &cmdMonitor{})

	addCmd(parser, "cleanup", "Delete old terminal messages", `
Delete completed and expired messages, and dead-letter rows, which are
older than a retention window of days.
`, &cmdCleanup{})

	addCmd(parser, "reset", "Re-queue stuck messages", `
Return messages stuck in processing to pending. Safe against a live
bridge: only leases older than the threshold are released, so workers
actively delivering are left alone.
`, &cmdReset{})

	addCmd(parser, "export", "Export buffer statistics as JSON", `
Write a JSON snapshot of buffer statistics: status and route counts,
hourly throughput, and failure groupings.
`, &cmdExport{})

	addCmd(parser, "report", "Write an HTML buffer report", `
Write a self-contained HTML report of buffer health, performance over
the last day, detected anomalies, and the load forecast.
`, &cmdReport{})

	addCmd(parser, "performance", "Analyze recent throughput and latency", `
Analyze hourly throughput, latency, and failures over a trailing
window of hours.
`, &cmdPerformance{})

	addCmd(parser, "anomalies", "Detect buffer anomalies", `
Run the anomaly detectors against the buffer and print findings.
`, &cmdAnomalies{})

	addCmd(parser, "predict", "Forecast upcoming load", `
Forecast expected message volume for upcoming hours from recorded
statistics history.
`, &cmdPredict{})

	mbp.AddPrintConfigCmd(parser, iniFilename)
	mbp.MustParseConfig(parser, iniFilename)
}

func addCmd(to interface {
	AddCommand(string, string, string, interface{}) (*flags.Command, error)
}, a, b, c string, iface interface{}) *flags.Command {
	var cmd, err = to.AddCommand(a, b, c, iface)
	mbp.Must(err, "failed to add flags parser command")
	return cmd
}
