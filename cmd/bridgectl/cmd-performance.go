package main

import (
	"context"
	"os"

	"github.com/inletworks/bridge/analytics"
)

type cmdPerformance struct {
	Hours int `long:"hours" default:"24" description:"Trailing window of hours to analyze"`
	storeFlags
}

func (cmd cmdPerformance) Execute(_ []string) error {
	var analyzer, buf, err = cmd.openAnalyzer()
	if err != nil {
		return err
	}
	defer buf.Close()

	report, err := analyzer.AnalyzePerformance(context.Background(), cmd.Hours)
	if err != nil {
		return err
	}
	analytics.WritePerformanceText(os.Stdout, report)
	return nil
}
