package main

import (
	"context"
	"fmt"
	"os"

	"github.com/inletworks/bridge/analytics"
)

type cmdReport struct {
	Output string `long:"output" default:"buffer_report.html" description:"Path of the HTML file to write"`
	storeFlags
}

func (cmd cmdReport) Execute(_ []string) error {
	var analyzer, buf, err = cmd.openAnalyzer()
	if err != nil {
		return err
	}
	defer buf.Close()

	snapshot, err := analyzer.Snapshot(context.Background())
	if err != nil {
		return err
	}

	f, err := os.Create(cmd.Output)
	if err != nil {
		return fmt.Errorf("creating %s: %w", cmd.Output, err)
	}
	if err = analytics.WriteHTMLReport(f, snapshot); err != nil {
		f.Close()
		return err
	}
	if err = f.Close(); err != nil {
		return err
	}
	fmt.Printf("wrote %s\n", cmd.Output)
	return nil
}
