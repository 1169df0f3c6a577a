// Package eventlog records operator-visible events (streaming, recordings,
// waveforms, archive uploads and test tones) in a JSON lines file.
package eventlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// EventType represents the type of event.
type EventType string

// Stream event types.
const (
	StreamStarted EventType = "stream_started"
	StreamStopped EventType = "stream_stopped"
	ToneStarted   EventType = "tone_started"
	ToneFailed    EventType = "tone_failed"
)

// Recording event types.
const (
	RecordingStarted   EventType = "recording_started"
	RecordingFinalized EventType = "recording_finalized"
	RecordingDeleted   EventType = "recording_deleted"
	DeviceChanged      EventType = "device_changed"
)

// Waveform event types.
const (
	WaveformGenerated EventType = "waveform_generated"
	WaveformFailed    EventType = "waveform_failed"
)

// Archive event types.
const (
	ArchiveQueued    EventType = "archive_queued"
	ArchiveCompleted EventType = "archive_completed"
	ArchiveFailed    EventType = "archive_failed"
	ArchiveRetry     EventType = "archive_retry"
	ArchiveAbandoned EventType = "archive_abandoned"
)

// Event represents a single log entry.
type Event struct {
	Timestamp time.Time `json:"ts"`
	Type      EventType `json:"type"`
	Message   string    `json:"msg,omitempty"`
	Details   *Details  `json:"details,omitempty"`
}

// Details holds the optional fields of an event.
type Details struct {
	Filename   string  `json:"filename,omitempty"`
	Device     string  `json:"device,omitempty"`
	Hash       string  `json:"hash,omitempty"`
	Key        string  `json:"key,omitempty"`
	SizeBytes  int64   `json:"size_bytes,omitempty"`
	Duration   float64 `json:"duration,omitempty"`
	RetryCount int     `json:"retry,omitempty"`
	Error      string  `json:"error,omitempty"`
}

// Logger writes events to a JSON lines file.
type Logger struct {
	mu       sync.Mutex
	filePath string
	file     *os.File
	encoder  *json.Encoder
}

// NewLogger creates a new event logger at the specified path.
func NewLogger(filePath string) (*Logger, error) {
	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	return &Logger{
		filePath: filePath,
		file:     file,
		encoder:  json.NewEncoder(file),
	}, nil
}

// Log writes an event to the log file.
func (l *Logger) Log(event *Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	return l.encoder.Encode(event)
}

// Record logs an event of type t with optional details. A nil Logger
// discards the event.
func (l *Logger) Record(t EventType, message string, details *Details) error {
	if l == nil {
		return nil
	}
	return l.Log(&Event{Type: t, Message: message, Details: details})
}

// Close closes the log file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// Path returns the path to the log file.
func (l *Logger) Path() string {
	return l.filePath
}

// TypeFilter specifies which event types to include when reading.
type TypeFilter string

// Filter constants for ReadLast.
const (
	FilterAll       TypeFilter = ""
	FilterStream    TypeFilter = "stream"
	FilterRecording TypeFilter = "recording"
	FilterWaveform  TypeFilter = "waveform"
	FilterArchive   TypeFilter = "archive"
)

var categories = map[EventType]TypeFilter{
	StreamStarted:      FilterStream,
	StreamStopped:      FilterStream,
	ToneStarted:        FilterStream,
	ToneFailed:         FilterStream,
	RecordingStarted:   FilterRecording,
	RecordingFinalized: FilterRecording,
	RecordingDeleted:   FilterRecording,
	DeviceChanged:      FilterRecording,
	WaveformGenerated:  FilterWaveform,
	WaveformFailed:     FilterWaveform,
	ArchiveQueued:      FilterArchive,
	ArchiveCompleted:   FilterArchive,
	ArchiveFailed:      FilterArchive,
	ArchiveRetry:       FilterArchive,
	ArchiveAbandoned:   FilterArchive,
}

// ParseFilter validates a filter name.
func ParseFilter(s string) (TypeFilter, bool) {
	switch f := TypeFilter(s); f {
	case FilterAll, FilterStream, FilterRecording, FilterWaveform, FilterArchive:
		return f, true
	}
	return FilterAll, false
}

// Matches reports whether an event type passes the filter.
func (f TypeFilter) Matches(t EventType) bool {
	return f == FilterAll || categories[t] == f
}

// MaxReadLimit is the maximum number of events that can be read at once.
const MaxReadLimit = 500

// ReadLast reads events from the log file with pagination support.
// It returns up to n events after skipping offset matching events, newest
// first, and whether more matching events exist.
func ReadLast(filePath string, n, offset int, filter TypeFilter) ([]Event, bool, error) {
	n = min(n, MaxReadLimit)
	if n <= 0 {
		return []Event{}, false, nil
	}
	offset = max(offset, 0)

	file, err := os.Open(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return []Event{}, false, nil
		}
		return nil, false, err
	}
	defer file.Close() //nolint:errcheck // Read-only operation, close error not critical

	var lines []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, false, err
	}

	events := make([]Event, 0, n)
	skipped := 0
	for i := len(lines) - 1; i >= 0; i-- {
		var event Event
		if err := json.Unmarshal([]byte(lines[i]), &event); err != nil {
			continue // Skip malformed lines
		}
		if !filter.Matches(event.Type) {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		if len(events) == n {
			return events, true, nil
		}
		events = append(events, event)
	}
	return events, false, nil
}
