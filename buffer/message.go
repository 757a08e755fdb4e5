package buffer

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of a buffered message.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusExpired    Status = "expired"
)

// Terminal returns whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusExpired
}

// Priority orders messages for leasing. Higher priorities lease first.
type Priority int

const (
	PriorityLow      Priority = 0
	PriorityNormal   Priority = 1
	PriorityHigh     Priority = 2
	PriorityCritical Priority = 3
)

// ParsePriority maps a configuration name to its Priority.
func ParsePriority(name string) (Priority, error) {
	switch name {
	case "low":
		return PriorityLow, nil
	case "normal":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	case "critical":
		return PriorityCritical, nil
	default:
		return 0, fmt.Errorf("unknown priority %q", name)
	}
}

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// Message is a unit of work flowing between sides of the bridge.
// The zero value of ProcessedAt means the message is not yet terminal.
type Message struct {
	ID          int64
	Source      string
	Destination string
	TopicOrNode string
	Value       interface{}
	DataType    string
	MappingID   string
	Status      Status
	Priority    Priority
	RetryCount  int
	MaxRetries  int
	// TTL overrides the buffer default at enqueue when non-zero.
	// It is not persisted; ExpireAt carries the resolved deadline.
	TTL          time.Duration
	CreatedAt    time.Time
	ProcessedAt  time.Time
	ExpireAt     time.Time
	ErrorMessage string
	Metadata     map[string]interface{}
}

// DeadLetter is the durable record of a message which exhausted its retries.
type DeadLetter struct {
	ID           int64
	OriginalID   int64
	Source       string
	Destination  string
	TopicOrNode  string
	Value        interface{}
	ErrorMessage string
	FailedAt     time.Time
	RetryCount   int
	Metadata     map[string]interface{}
}

// timeLayout is the fixed-width UTC encoding of timestamps on disk.
// Fixed fractional digits keep lexicographic order equal to time order,
// so SQL comparisons against a bound `now` parameter are correct.
const timeLayout = "2006-01-02 15:04:05.000"

// FormatTime encodes a timestamp the way the store persists them.
// Tooling which reads the database directly, via DB, must bind
// cutoff parameters in this encoding for comparisons to hold.
func FormatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// ParseTime decodes a timestamp written by FormatTime.
func ParseTime(s string) (time.Time, error) {
	var t, err = time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing timestamp %q: %w", s, err)
	}
	return t, nil
}
