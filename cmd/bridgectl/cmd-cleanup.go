package main

import (
	"context"
	"fmt"
	"time"
)

type cmdCleanup struct {
	Days int `long:"days" default:"7" description:"Delete terminal rows older than this many days"`
	storeFlags
}

func (cmd cmdCleanup) Execute(_ []string) error {
	if cmd.Days <= 0 {
		return fmt.Errorf("--days must be positive")
	}

	var buf, err = cmd.openBuffer()
	if err != nil {
		return err
	}
	defer buf.Close()

	res, err := buf.CleanupOlderThan(context.Background(),
		time.Duration(cmd.Days)*24*time.Hour)
	if err != nil {
		return err
	}
	fmt.Printf("deleted %d completed, %d expired, and %d dead-letter rows older than %d days\n",
		res.Completed, res.Expired, res.DeadLetters, cmd.Days)
	return nil
}
