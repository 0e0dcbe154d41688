package cliutil

import (
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/Paintersrp/sidecar/internal/runtime"
	"github.com/Paintersrp/sidecar/internal/supervisor"
)

// LogRecord represents a structured log event ready for JSON encoding.
type LogRecord struct {
	Timestamp time.Time `json:"ts"`
	Service   string    `json:"service"`
	Session   string    `json:"session,omitempty"`
	PID       int       `json:"pid,omitempty"`
	Type      string    `json:"type"`
	Level     string    `json:"level"`
	Message   string    `json:"msg"`
	Source    string    `json:"source"`
	Reason    string    `json:"reason,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// NewLogRecord converts a supervisor event into a structured log record.
func NewLogRecord(event supervisor.Event) LogRecord {
	level := event.Level
	if level == "" {
		if inferred := inferLogLevel(event.Message); inferred != "" {
			level = inferred
		} else {
			level = "info"
		}
	}
	source := event.Source
	if source == "" {
		source = runtime.LogSourceSystem
	}
	typ := string(event.Type)
	if typ == "" {
		typ = string(supervisor.EventTypeLog)
	}
	record := LogRecord{
		Timestamp: event.Timestamp,
		Service:   event.Service,
		Session:   event.Session,
		PID:       event.PID,
		Type:      typ,
		Level:     level,
		Message:   RedactSecrets(event.Message),
		Source:    source,
		Reason:    event.Reason,
	}
	if event.Err != nil {
		record.Error = RedactSecrets(event.Err.Error())
	}
	return record
}

var levelTokenPattern = regexp.MustCompile(`(?i)\b(error|warn|warning|info|debug)\b`)

func inferLogLevel(message string) string {
	matches := levelTokenPattern.FindStringSubmatch(message)
	if len(matches) < 2 {
		return ""
	}
	switch strings.ToLower(matches[1]) {
	case "error":
		return "error"
	case "warn", "warning":
		return "warn"
	case "info":
		return "info"
	case "debug":
		return "debug"
	default:
		return ""
	}
}

// EncodeLogEvent encodes a log event to JSON, reporting errors to stderr if needed.
func EncodeLogEvent(enc *json.Encoder, stderr io.Writer, event supervisor.Event) {
	if enc == nil {
		return
	}
	record := NewLogRecord(event)
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now()
	}
	if err := enc.Encode(&record); err != nil {
		fmt.Fprintf(stderr, "error: encode log: %v\n", err)
	}
}

// FormatEventText renders an event as a single human readable line.
func FormatEventText(event supervisor.Event) string {
	record := NewLogRecord(event)
	ts := record.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	var b strings.Builder
	b.WriteString(ts.Format("15:04:05.000"))
	b.WriteByte(' ')
	if event.Type == supervisor.EventTypeLog {
		fmt.Fprintf(&b, "%s[%s]", record.Service, record.Source)
	} else {
		fmt.Fprintf(&b, "%s %s", record.Service, strings.ToUpper(record.Level))
	}
	if record.Message != "" {
		b.WriteByte(' ')
		b.WriteString(record.Message)
	}
	if record.Error != "" && !strings.Contains(record.Message, record.Error) {
		b.WriteString(": ")
		b.WriteString(record.Error)
	}
	return b.String()
}
