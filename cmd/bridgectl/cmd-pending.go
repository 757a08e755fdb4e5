package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/olekukonko/tablewriter"
)

type cmdPending struct {
	Limit int `long:"limit" default:"20" description:"Maximum number of messages to list"`
	storeFlags
}

func (cmd cmdPending) Execute(_ []string) error {
	var buf, err = cmd.openBuffer()
	if err != nil {
		return err
	}
	defer buf.Close()

	msgs, err := buf.Pending(context.Background(), cmd.Limit)
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		fmt.Println("no pending messages")
		return nil
	}

	heading("Pending messages in lease order")
	var table = tablewriter.NewTable(os.Stdout)
	table.Header([]string{"ID", "Priority", "Route", "Address", "Age", "Retries", "Value"})
	for _, m := range msgs {
		table.Append([]string{
			strconv.FormatInt(m.ID, 10),
			m.Priority.String(),
			m.Source + " -> " + m.Destination,
			m.TopicOrNode,
			age(m.CreatedAt),
			fmt.Sprintf("%d/%d", m.RetryCount, m.MaxRetries),
			truncate(fmt.Sprintf("%v", m.Value), 32),
		})
	}
	table.Render()
	return nil
}
