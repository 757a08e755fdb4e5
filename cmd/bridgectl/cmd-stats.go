package main

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/dustin/go-humanize"
	"github.com/inletworks/bridge/buffer"
	"github.com/olekukonko/tablewriter"
)

type cmdStats struct {
	storeFlags
}

func (cmd cmdStats) Execute(_ []string) error {
	var buf, err = cmd.openBuffer()
	if err != nil {
		return err
	}
	defer buf.Close()

	stats, err := buf.Stats(context.Background())
	if err != nil {
		return err
	}

	var total int
	for _, n := range stats.StatusCounts {
		total += n
	}

	heading("Buffer %s", cmd.DB)
	fmt.Printf("%s messages total, %s dead letters\n",
		humanize.Comma(int64(total)), humanize.Comma(int64(stats.DeadLetters)))
	fmt.Printf("%s pending of %s capacity (%.1f%% full), weighted backlog %.1f\n",
		humanize.Comma(int64(stats.BufferSize)), humanize.Comma(int64(stats.MaxSize)),
		stats.Utilization, stats.WeightedBacklog)
	fmt.Printf("oldest pending %s, newest pending %s\n\n",
		age(stats.OldestPending), age(stats.NewestPending))

	var table = tablewriter.NewTable(os.Stdout)
	table.Header([]string{"Status", "Count"})
	for _, s := range []buffer.Status{
		buffer.StatusPending, buffer.StatusProcessing, buffer.StatusCompleted,
		buffer.StatusFailed, buffer.StatusExpired,
	} {
		table.Append([]string{string(s), humanize.Comma(int64(stats.StatusCounts[s]))})
	}
	table.Render()

	if len(stats.RouteCounts) != 0 {
		var routes []string
		for route := range stats.RouteCounts {
			routes = append(routes, route)
		}
		sort.Strings(routes)

		fmt.Println()
		heading("Queued by route")
		table = tablewriter.NewTable(os.Stdout)
		table.Header([]string{"Route", "Queued"})
		for _, route := range routes {
			table.Append([]string{route, humanize.Comma(int64(stats.RouteCounts[route]))})
		}
		table.Render()
	}

	if len(stats.PriorityCounts) != 0 {
		fmt.Println()
		heading("Pending by priority")
		table = tablewriter.NewTable(os.Stdout)
		table.Header([]string{"Priority", "Pending"})
		for p := buffer.PriorityCritical; p >= buffer.PriorityLow; p-- {
			if n, ok := stats.PriorityCounts[p]; ok {
				table.Append([]string{p.String(), humanize.Comma(int64(n))})
			}
		}
		table.Render()
	}
	return nil
}
