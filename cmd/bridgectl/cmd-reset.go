package main

import (
	"context"
	"fmt"
	"time"
)

type cmdReset struct {
	OlderThan int `long:"older-than" default:"5" description:"Re-queue messages in processing longer than this many minutes"`
	storeFlags
}

func (cmd cmdReset) Execute(_ []string) error {
	if cmd.OlderThan < 0 {
		return fmt.Errorf("--older-than must not be negative")
	}
	var buf, err = cmd.openBuffer()
	if err != nil {
		return err
	}
	defer buf.Close()

	n, err := buf.ResetStuck(context.Background(), time.Duration(cmd.OlderThan)*time.Minute)
	if err != nil {
		return err
	}
	if n == 0 {
		fmt.Println("no stuck messages")
		return nil
	}
	fmt.Printf("re-queued %d stuck messages\n", n)
	return nil
}
