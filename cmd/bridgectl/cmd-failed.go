package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/olekukonko/tablewriter"
)

type cmdFailed struct {
	Limit  int    `long:"limit" default:"20" description:"Maximum number of dead-letters to list"`
	Export string `long:"export" description:"Export every dead-letter as JSON to this path instead of listing"`
	storeFlags
}

func (cmd cmdFailed) Execute(_ []string) error {
	var buf, err = cmd.openBuffer()
	if err != nil {
		return err
	}
	defer buf.Close()

	if cmd.Export != "" {
		var f *os.File
		if f, err = os.Create(cmd.Export); err != nil {
			return fmt.Errorf("creating %s: %w", cmd.Export, err)
		}
		n, err := buf.ExportDeadLetters(context.Background(), f)
		if err != nil {
			f.Close()
			return err
		}
		if err = f.Close(); err != nil {
			return err
		}
		fmt.Printf("exported %d dead-letters to %s\n", n, cmd.Export)
		return nil
	}

	letters, err := buf.DeadLetters(context.Background(), cmd.Limit)
	if err != nil {
		return err
	}
	if len(letters) == 0 {
		fmt.Println("no dead-lettered messages")
		return nil
	}

	heading("Dead-lettered messages, newest first")
	var table = tablewriter.NewTable(os.Stdout)
	table.Header([]string{"ID", "Route", "Address", "Failed", "Retries", "Error"})
	for _, dl := range letters {
		table.Append([]string{
			strconv.FormatInt(dl.OriginalID, 10),
			dl.Source + " -> " + dl.Destination,
			dl.TopicOrNode,
			age(dl.FailedAt),
			strconv.Itoa(dl.RetryCount),
			truncate(dl.ErrorMessage, 48),
		})
	}
	table.Render()
	return nil
}
