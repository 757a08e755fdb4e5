package main

import (
	"context"
	"fmt"
	"os"
)

type cmdExport struct {
	Output string `long:"output" default:"buffer_stats.json" description:"Path of the JSON file to write"`
	storeFlags
}

func (cmd cmdExport) Execute(_ []string) error {
	var analyzer, buf, err = cmd.openAnalyzer()
	if err != nil {
		return err
	}
	defer buf.Close()

	f, err := os.Create(cmd.Output)
	if err != nil {
		return fmt.Errorf("creating %s: %w", cmd.Output, err)
	}
	if err = analyzer.WriteStatsExport(context.Background(), f); err != nil {
		f.Close()
		return err
	}
	if err = f.Close(); err != nil {
		return err
	}
	fmt.Printf("wrote %s\n", cmd.Output)
	return nil
}
