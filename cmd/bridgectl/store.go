package main

import (
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/inletworks/bridge/analytics"
	"github.com/inletworks/bridge/buffer"
	mbp "go.gazette.dev/core/mainboilerplate"
)

// storeFlags address the buffer database and are shared by every
// command.
type storeFlags struct {
	DB  string        `long:"db" env:"BRIDGE_DB" default:"bridge-buffer.db" description:"Path of the buffer database"`
	Log mbp.LogConfig `group:"Logging" namespace:"log" env-namespace:"LOG"`
}

// openBuffer initializes logging and opens the named database, refusing
// to create one which doesn't already exist.
func (f storeFlags) openBuffer() (*buffer.Buffer, error) {
	mbp.InitLog(f.Log)

	if _, err := os.Stat(f.DB); err != nil {
		return nil, fmt.Errorf("buffer database %q is not accessible: %w", f.DB, err)
	}
	return buffer.Open(f.DB, buffer.Options{WAL: true})
}

// openAnalyzer opens the database and wraps it in an Analyzer using the
// balanced threshold presets.
func (f storeFlags) openAnalyzer() (*analytics.Analyzer, *buffer.Buffer, error) {
	var buf, err = f.openBuffer()
	if err != nil {
		return nil, nil, err
	}
	return analytics.New(buf.DB(), f.DB, analytics.Thresholds{}), buf, nil
}

// heading prints a bold section heading.
func heading(format string, args ...interface{}) {
	color.New(color.Bold).Printf(format+"\n", args...)
}

// age renders a timestamp as a relative age, or a dash when zero.
func age(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return humanize.Time(t)
}

// truncate bounds cell width of free-form values.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
