package main

import (
	"context"
	"os"

	"github.com/inletworks/bridge/analytics"
)

type cmdAnomalies struct {
	storeFlags
}

func (cmd cmdAnomalies) Execute(_ []string) error {
	var analyzer, buf, err = cmd.openAnalyzer()
	if err != nil {
		return err
	}
	defer buf.Close()

	found, err := analyzer.DetectAnomalies(context.Background())
	if err != nil {
		return err
	}
	analytics.WriteAnomaliesText(os.Stdout, found)
	return nil
}
