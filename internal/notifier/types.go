package notifier

import (
	"context"
	"time"
)

// Config controls the async notification pipeline.
type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
	PersistDedup    bool
}

type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityWarning:
		return "warning"
	case SeverityCritical:
		return "critical"
	default:
		return "info"
	}
}

// Prefix is the short marker chat sinks put in front of the title.
func (s Severity) Prefix() string {
	switch s {
	case SeverityCritical:
		return "🚨 "
	case SeverityWarning:
		return "⚠️ "
	default:
		return "ℹ️ "
	}
}

type Field struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Notification is one operator-facing message.
type Notification struct {
	Event      string    `json:"event"`
	Severity   Severity  `json:"-"`
	Title      string    `json:"title"`
	Text       string    `json:"text"`
	DeviceID   string    `json:"tank_id,omitempty"`
	DeviceName string    `json:"tank_name,omitempty"`
	Fields     []Field   `json:"fields,omitempty"`
	At         time.Time `json:"at"`
	// Data is the structured source event, for machine-facing sinks.
	Data any `json:"data,omitempty"`
}

// Sink delivers notifications to one destination.
type Sink interface {
	Name() string
	Send(ctx context.Context, n Notification) error
}

type HistoryItem struct {
	At    time.Time
	Event string
	Title string
	Sinks []string
}

// NotificationEvent is emitted on the event bus for notifier lifecycle events.
type NotificationEvent struct {
	Sink     string    `json:"sink,omitempty"`
	Event    string    `json:"event"`
	DeviceID string    `json:"tank_id,omitempty"`
	Key      string    `json:"key,omitempty"`
	At       time.Time `json:"at"`
	Error    string    `json:"error,omitempty"`
}
