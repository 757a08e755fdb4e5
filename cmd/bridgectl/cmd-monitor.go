package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/inletworks/bridge/analytics"
	"github.com/inletworks/bridge/buffer"
	"github.com/olekukonko/tablewriter"
)

type cmdMonitor struct {
	Interval int `long:"interval" default:"5" description:"Seconds between refreshes"`
	storeFlags
}

func (cmd cmdMonitor) Execute(_ []string) error {
	var analyzer, buf, err = cmd.openAnalyzer()
	if err != nil {
		return err
	}
	defer buf.Close()

	if cmd.Interval <= 0 {
		cmd.Interval = 5
	}
	var interval = time.Duration(cmd.Interval) * time.Second

	var signalCh = make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGTERM, syscall.SIGINT)

	var prev *buffer.Stats
	for {
		var stats, err = buf.Stats(context.Background())
		if err != nil {
			return err
		}
		recent, err := buf.RecentCompleted(context.Background(), 5)
		if err != nil {
			return err
		}
		anomalies, err := analyzer.DetectAnomalies(context.Background())
		if err != nil {
			return err
		}

		cmd.render(stats, prev, interval, recent, anomalies)
		prev = &stats

		select {
		case <-signalCh:
			fmt.Println()
			return nil
		case <-time.After(interval):
		}
	}
}

func (cmd cmdMonitor) render(stats buffer.Stats, prev *buffer.Stats, interval time.Duration,
	recent []buffer.Message, anomalies []analytics.Anomaly) {
	// Clear the terminal and home the cursor.
	fmt.Print("\033[2J\033[H")

	heading("Bridge buffer monitor: %s", cmd.DB)
	fmt.Printf("refreshed %s, every %s, ctrl-c to exit\n\n",
		time.Now().Format("15:04:05"), interval)

	var completedRate, failedRate = "", ""
	if prev != nil {
		completedRate = rate(stats.StatusCounts[buffer.StatusCompleted]-
			prev.StatusCounts[buffer.StatusCompleted], interval)
		failedRate = rate(stats.StatusCounts[buffer.StatusFailed]-
			prev.StatusCounts[buffer.StatusFailed], interval)
	}

	var table = tablewriter.NewTable(os.Stdout)
	table.Header([]string{"Status", "Count", "Rate"})
	for _, row := range []struct {
		status buffer.Status
		rate   string
	}{
		{buffer.StatusPending, ""},
		{buffer.StatusProcessing, ""},
		{buffer.StatusCompleted, completedRate},
		{buffer.StatusFailed, failedRate},
		{buffer.StatusExpired, ""},
	} {
		table.Append([]string{
			string(row.status),
			humanize.Comma(int64(stats.StatusCounts[row.status])),
			row.rate,
		})
	}
	table.Render()

	fmt.Printf("\nutilization %.1f%%, weighted backlog %.1f, oldest pending %s\n",
		stats.Utilization, stats.WeightedBacklog, age(stats.OldestPending))

	if len(stats.RouteCounts) != 0 {
		var routes []string
		for route, n := range stats.RouteCounts {
			routes = append(routes, fmt.Sprintf("%s %d", route, n))
		}
		sort.Strings(routes)
		fmt.Printf("routes: %s\n", strings.Join(routes, ", "))
	}

	if len(recent) != 0 {
		fmt.Println()
		heading("Recently completed")
		for _, m := range recent {
			fmt.Printf("  #%d %s -> %s %s (%s)\n",
				m.ID, m.Source, m.Destination, m.TopicOrNode, age(m.ProcessedAt))
		}
	}

	type alert struct {
		high bool
		text string
	}
	var alerts []alert

	// Alert on a failure burst between refreshes, which the hourly
	// failure-rate detector would miss.
	if prev != nil {
		var burst = float64(stats.StatusCounts[buffer.StatusFailed]-
			prev.StatusCounts[buffer.StatusFailed]) / interval.Seconds()
		if burst > 1 {
			alerts = append(alerts, alert{true,
				fmt.Sprintf("[HIGH] failures at %.1f/s since last refresh", burst)})
		}
	}
	for _, a := range anomalies {
		alerts = append(alerts, alert{a.Severity == analytics.SeverityHigh,
			fmt.Sprintf("[%s] %s", strings.ToUpper(string(a.Severity)), a.Message)})
	}

	fmt.Println()
	if len(alerts) == 0 {
		color.Green("no anomalies")
		return
	}
	heading("Anomalies")
	for _, a := range alerts {
		if a.high {
			color.Red("  " + a.text)
		} else {
			color.Yellow("  " + a.text)
		}
	}
}

// rate renders a count delta per second, clamping negative deltas which
// arise when a cleanup deletes terminal rows between refreshes.
func rate(delta int, interval time.Duration) string {
	if delta < 0 {
		delta = 0
	}
	return fmt.Sprintf("%.1f/s", float64(delta)/interval.Seconds())
}
