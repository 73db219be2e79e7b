// Package audit is the append-only structured event stream: a bounded
// in-memory ring buffer for queries plus a date-partitioned JSONL file
// for forensics. Writes never fail the caller.
package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Event types recorded by the sandbox.
const (
	TypeExecuteStart   = "EXECUTE_START"
	TypeExecuteEnd     = "EXECUTE_END"
	TypeExecuteBlocked = "EXECUTE_BLOCKED"
	TypeInstallStart   = "INSTALL_START"
	TypeInstallEnd     = "INSTALL_END"
	TypeInstallBlocked = "INSTALL_BLOCKED"
	TypeSecurityViolation = "SECURITY_VIOLATION"
	TypeSessionCreate  = "SESSION_CREATE"
	TypeSessionDestroy = "SESSION_DESTROY"
	TypePoolAcquire    = "POOL_ACQUIRE"
	TypePoolRelease    = "POOL_RELEASE"
	TypePoolEvict      = "POOL_EVICT"
	TypeFileOp         = "FILE_OP"
	TypeRateLimited    = "RATE_LIMITED"
)

// Severity levels, lowest to highest.
const (
	SeverityInfo     = "INFO"
	SeverityWarn     = "WARN"
	SeverityError    = "ERROR"
	SeverityCritical = "CRITICAL"
)

// Event is an immutable audit record.
type Event struct {
	Timestamp   time.Time         `json:"timestamp"`
	ID          string            `json:"id"`
	Type        string            `json:"type"`
	Severity    string            `json:"severity"`
	Language    string            `json:"language,omitempty"`
	SessionID   string            `json:"session_id,omitempty"`
	ContainerID string            `json:"container_id,omitempty"`
	Details     map[string]any    `json:"details,omitempty"`
	DurationMs  int64             `json:"duration_ms,omitempty"`
	Success     bool              `json:"success"`
	Error       string            `json:"error,omitempty"`
}

// Filter narrows Recent queries. Zero values match everything.
type Filter struct {
	Type     string
	Severity string
	Language string
}

// Stats summarizes the ring buffer contents.
type Stats struct {
	Total             int            `json:"total"`
	ByType            map[string]int `json:"by_type"`
	BySeverity        map[string]int `json:"by_severity"`
	Violations        int            `json:"violations"`
	BlockedExecutions int            `json:"blocked_executions"`
	AvgExecuteMs      float64        `json:"avg_execute_ms"`
	LastHour          int            `json:"last_hour"`
}

// Logger owns the ring buffer and the JSONL sink.
type Logger struct {
	mu      sync.Mutex
	ring    []Event
	next    int
	full    bool
	dir     string
	curDay  string
	curFile *os.File
}

// DefaultRingSize bounds the in-memory buffer.
const DefaultRingSize = 1000

// New creates a Logger writing JSONL files under dir. ringSize <= 0
// selects the default.
func New(dir string, ringSize int) *Logger {
	if ringSize <= 0 {
		ringSize = DefaultRingSize
	}
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Warn().Err(err).Str("dir", dir).Msg("Audit log directory unavailable; file sink disabled")
			dir = ""
		}
	}
	return &Logger{
		ring: make([]Event, ringSize),
		dir:  dir,
	}
}

// Record appends an event, filling in id, timestamp, and inferred
// severity. It never returns an error; file failures are logged.
func (l *Logger) Record(ev Event) Event {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Severity == "" {
		ev.Severity = inferSeverity(ev.Type)
		if ev.Type == TypeExecuteEnd && ev.Error != "" {
			ev.Severity = SeverityError
		}
	}

	l.mu.Lock()
	l.ring[l.next] = ev
	l.next++
	if l.next == len(l.ring) {
		l.next = 0
		l.full = true
	}
	l.writeFileLocked(ev)
	l.mu.Unlock()

	return ev
}

func inferSeverity(eventType string) string {
	switch eventType {
	case TypeSecurityViolation:
		return SeverityCritical
	case TypeExecuteBlocked, TypeInstallBlocked, TypeRateLimited:
		return SeverityWarn
	case TypeExecuteEnd:
		return SeverityInfo
	default:
		return SeverityInfo
	}
}

func (l *Logger) writeFileLocked(ev Event) {
	if l.dir == "" {
		return
	}
	day := ev.Timestamp.Format("2006-01-02")
	if day != l.curDay {
		if l.curFile != nil {
			l.curFile.Close()
			l.curFile = nil
		}
		path := filepath.Join(l.dir, "audit-"+day+".jsonl")
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			log.Warn().Err(err).Str("path", path).Msg("Failed to open audit log file")
			return
		}
		l.curFile = f
		l.curDay = day
	}
	if l.curFile == nil {
		return
	}
	line, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if _, err := l.curFile.Write(append(line, '\n')); err != nil {
		log.Warn().Err(err).Msg("Failed to append audit event")
	}
}

// snapshot returns events oldest-first.
func (l *Logger) snapshot() []Event {
	var out []Event
	if l.full {
		out = append(out, l.ring[l.next:]...)
	}
	out = append(out, l.ring[:l.next]...)
	return out
}

// Recent returns up to n most recent events matching the filter, newest
// first.
func (l *Logger) Recent(n int, f Filter) []Event {
	if n <= 0 {
		n = 20
	}
	l.mu.Lock()
	events := l.snapshot()
	l.mu.Unlock()

	out := make([]Event, 0, n)
	for i := len(events) - 1; i >= 0 && len(out) < n; i-- {
		ev := events[i]
		if f.Type != "" && ev.Type != f.Type {
			continue
		}
		if f.Severity != "" && ev.Severity != f.Severity {
			continue
		}
		if f.Language != "" && ev.Language != f.Language {
			continue
		}
		out = append(out, ev)
	}
	return out
}

// SecurityEvents returns the most recent security-relevant events.
func (l *Logger) SecurityEvents(n int) []Event {
	if n <= 0 {
		n = 20
	}
	l.mu.Lock()
	events := l.snapshot()
	l.mu.Unlock()

	out := make([]Event, 0, n)
	for i := len(events) - 1; i >= 0 && len(out) < n; i-- {
		ev := events[i]
		switch ev.Type {
		case TypeSecurityViolation, TypeExecuteBlocked, TypeInstallBlocked:
			out = append(out, ev)
		}
	}
	return out
}

// Stats computes counters over the ring buffer.
func (l *Logger) Stats() Stats {
	l.mu.Lock()
	events := l.snapshot()
	l.mu.Unlock()

	s := Stats{
		Total:      len(events),
		ByType:     make(map[string]int),
		BySeverity: make(map[string]int),
	}
	var execCount int
	var execTotalMs int64
	hourAgo := time.Now().Add(-time.Hour)

	for _, ev := range events {
		s.ByType[ev.Type]++
		s.BySeverity[ev.Severity]++
		if ev.Type == TypeSecurityViolation {
			s.Violations++
		}
		if ev.Type == TypeExecuteBlocked {
			s.BlockedExecutions++
		}
		if ev.Type == TypeExecuteEnd {
			execCount++
			execTotalMs += ev.DurationMs
		}
		if ev.Timestamp.After(hourAgo) {
			s.LastHour++
		}
	}
	if execCount > 0 {
		s.AvgExecuteMs = float64(execTotalMs) / float64(execCount)
	}
	return s
}

// Close releases the current file handle.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.curFile != nil {
		err := l.curFile.Close()
		l.curFile = nil
		return err
	}
	return nil
}
