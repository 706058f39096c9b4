package models

import "time"

// LogStream identifies where a log line came from.
type LogStream string

const (
	LogStreamSystem LogStream = "system"
	LogStreamStdout LogStream = "stdout"
	LogStreamStderr LogStream = "stderr"
	LogStreamInput  LogStream = "input"
)

// IsValid returns true if the stream is a known stream.
func (s LogStream) IsValid() bool {
	switch s {
	case LogStreamSystem, LogStreamStdout, LogStreamStderr, LogStreamInput:
		return true
	default:
		return false
	}
}

// LogLine is a single journal line of a deployment.
// IDs are unique within a deployment and strictly increase in append order.
type LogLine struct {
	ID        int64     `json:"id"`
	Stream    LogStream `json:"stream"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}
