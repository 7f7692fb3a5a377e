// Package audit records one structured, redacted record per request.
//
// The Logger interface is implemented by two sinks: ConsoleLogger writes
// records through zerolog (the default, stateless), and SQLiteLogger
// persists them to a local database with a retention sweep. Records never
// contain file contents, argument values, or the bearer token itself; the
// caller identity is an opaque hash.
package audit

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Record is a single per-request audit entry, written after the response is
// fully sent or aborted.
type Record struct {
	ID         string    `json:"id"`
	RequestID  string    `json:"request_id"`
	Timestamp  time.Time `json:"timestamp"`
	DurationMS int64     `json:"duration_ms"`
	Method     string    `json:"method,omitempty"`
	Tool       string    `json:"tool,omitempty"`
	TokenHash  string    `json:"token_hash,omitempty"`
	BytesIn    int64     `json:"bytes_in"`
	BytesOut   int64     `json:"bytes_out"`
	Outcome    string    `json:"outcome"`
	// ExecProgram is the resolved absolute program path for exec requests,
	// with the argument count appended. Argument contents are never stored.
	ExecProgram string `json:"exec_program,omitempty"`
	// ExecDurationMS is the child's spawn-to-reap wall clock for exec
	// requests; DurationMS above covers the whole request.
	ExecDurationMS int64 `json:"exec_duration_ms,omitempty"`
	Streamed       bool  `json:"streamed,omitempty"`
}

// QueryFilter selects records from sinks that support querying.
type QueryFilter struct {
	StartTime *time.Time
	EndTime   *time.Time
	Outcome   string
	Tool      string
	Limit     int
	Offset    int
}

// Logger is the audit sink interface. Implementations must be safe for
// concurrent use; Query may return nothing for sinks without storage.
type Logger interface {
	Log(record Record) error
	Query(filter QueryFilter) ([]Record, error)
	Close() error
}

var (
	globalLogger Logger
	loggerMu     sync.RWMutex
)

// SetLogger installs the global audit sink. Called once at startup.
func SetLogger(l Logger) {
	loggerMu.Lock()
	defer loggerMu.Unlock()
	globalLogger = l
}

// GetLogger returns the global sink, defaulting to the console sink.
func GetLogger() Logger {
	loggerMu.RLock()
	l := globalLogger
	loggerMu.RUnlock()
	if l != nil {
		return l
	}

	loggerMu.Lock()
	defer loggerMu.Unlock()
	if globalLogger == nil {
		globalLogger = NewConsoleLogger()
	}
	return globalLogger
}

// Close closes the global sink if one was installed.
func Close() error {
	loggerMu.RLock()
	l := globalLogger
	loggerMu.RUnlock()
	if l == nil {
		return nil
	}
	return l.Close()
}

// Log stamps and writes a record through the global sink. A sink failure is
// logged but never fails the request that produced the record.
func Log(record Record) {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now()
	}
	if err := GetLogger().Log(record); err != nil {
		log.Error().Err(err).Str("request_id", record.RequestID).Msg("Failed to write audit record")
	}
}

// ConsoleLogger writes records through zerolog. It is the default sink and
// keeps no state.
type ConsoleLogger struct{}

// NewConsoleLogger creates the zerolog-backed sink.
func NewConsoleLogger() *ConsoleLogger {
	return &ConsoleLogger{}
}

// Log writes one record as a structured log line.
func (c *ConsoleLogger) Log(record Record) error {
	evt := log.Info().
		Str("audit_id", record.ID).
		Str("request_id", record.RequestID).
		Time("timestamp", record.Timestamp).
		Int64("duration_ms", record.DurationMS).
		Str("outcome", record.Outcome).
		Int64("bytes_in", record.BytesIn).
		Int64("bytes_out", record.BytesOut)
	if record.Method != "" {
		evt = evt.Str("method", record.Method)
	}
	if record.Tool != "" {
		evt = evt.Str("tool", record.Tool)
	}
	if record.TokenHash != "" {
		evt = evt.Str("token_hash", record.TokenHash)
	}
	if record.ExecProgram != "" {
		evt = evt.Str("exec_program", record.ExecProgram)
	}
	if record.ExecDurationMS > 0 {
		evt = evt.Int64("exec_duration_ms", record.ExecDurationMS)
	}
	if record.Streamed {
		evt = evt.Bool("streamed", true)
	}
	evt.Msg("audit")
	return nil
}

// Query always returns nothing; the console sink has no storage.
func (c *ConsoleLogger) Query(QueryFilter) ([]Record, error) {
	return nil, nil
}

// Close is a no-op.
func (c *ConsoleLogger) Close() error {
	return nil
}
