package main

import (
	"context"
	"os"

	"github.com/inletworks/bridge/analytics"
)

type cmdPredict struct {
	Hours int `long:"hours" default:"6" description:"Number of upcoming hours to forecast"`
	storeFlags
}

func (cmd cmdPredict) Execute(_ []string) error {
	var analyzer, buf, err = cmd.openAnalyzer()
	if err != nil {
		return err
	}
	defer buf.Close()

	forecast, err := analyzer.PredictLoad(context.Background(), cmd.Hours)
	if err != nil {
		return err
	}
	analytics.WriteForecastText(os.Stdout, forecast)
	return nil
}
