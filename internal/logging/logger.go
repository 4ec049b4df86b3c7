package logging

import (
	"fmt"
	"io"
	"log"
	"sync"
	"time"
)

// Level is the severity of a log entry.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "unknown"
	}
}

// MarshalText encodes the level by name so API consumers see "info" etc.
func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

func (l *Level) UnmarshalText(text []byte) error {
	level, ok := ParseLevel(string(text))
	if !ok {
		return fmt.Errorf("unknown log level %q", text)
	}
	*l = level
	return nil
}

// ParseLevel converts a level name; unknown names report false.
func ParseLevel(s string) (Level, bool) {
	switch s {
	case "debug", "DEBUG":
		return LevelDebug, true
	case "info", "INFO":
		return LevelInfo, true
	case "warn", "WARN", "warning":
		return LevelWarn, true
	case "error", "ERROR":
		return LevelError, true
	}
	return LevelInfo, false
}

// Category groups entries by subsystem.
type Category string

const (
	CatSystem    Category = "system"
	CatReader    Category = "reader"
	CatCard      Category = "card"
	CatHTTP      Category = "http"
	CatWebSocket Category = "websocket"
)

// Entry is a single log record.
type Entry struct {
	Time     time.Time      `json:"time"`
	Level    Level          `json:"level"`
	Category Category       `json:"category"`
	Message  string         `json:"message"`
	Data     map[string]any `json:"data,omitempty"`
}

// Stats summarises the buffer contents.
type Stats struct {
	Total    int           `json:"total"`
	Capacity int           `json:"capacity"`
	ByLevel  map[Level]int `json:"byLevel"`
	Dropped  uint64        `json:"dropped"`
}

// Logger keeps the most recent entries in a fixed-size ring buffer.
type Logger struct {
	mu       sync.RWMutex
	entries  []Entry
	next     int
	full     bool
	minLevel Level
	dropped  uint64
	echo     *log.Logger
}

// New creates a logger holding up to capacity entries at or above minLevel.
func New(capacity int, minLevel Level) *Logger {
	if capacity <= 0 {
		capacity = 1000
	}
	return &Logger{
		entries:  make([]Entry, capacity),
		minLevel: minLevel,
	}
}

var (
	defaultLogger *Logger
	defaultMu     sync.RWMutex
)

// Init replaces the package logger.
func Init(capacity int, minLevel Level) {
	defaultMu.Lock()
	defaultLogger = New(capacity, minLevel)
	defaultMu.Unlock()
}

// Get returns the package logger, creating a default one on first use.
func Get() *Logger {
	defaultMu.RLock()
	l := defaultLogger
	defaultMu.RUnlock()
	if l != nil {
		return l
	}

	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultLogger == nil {
		defaultLogger = New(1000, LevelInfo)
	}
	return defaultLogger
}

// SetEcho mirrors every accepted entry to w. Pass nil to stop.
func (l *Logger) SetEcho(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if w == nil {
		l.echo = nil
		return
	}
	l.echo = log.New(w, "", log.LstdFlags)
}

// SetLevel changes the minimum accepted level.
func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	l.minLevel = level
	l.mu.Unlock()
}

// Log records an entry.
func (l *Logger) Log(level Level, cat Category, msg string, data map[string]any) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if level < l.minLevel {
		return
	}

	if l.full {
		l.dropped++
	}
	l.entries[l.next] = Entry{
		Time:     time.Now(),
		Level:    level,
		Category: cat,
		Message:  msg,
		Data:     data,
	}
	l.next = (l.next + 1) % len(l.entries)
	if l.next == 0 {
		l.full = true
	}

	if l.echo != nil {
		if len(data) > 0 {
			l.echo.Printf("[%s] [%s] %s %v", level, cat, msg, data)
		} else {
			l.echo.Printf("[%s] [%s] %s", level, cat, msg)
		}
	}
}

// GetEntries returns up to limit entries, newest first, optionally filtered
// by minimum level and category.
func (l *Logger) GetEntries(limit int, minLevel *Level, category *Category) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	n := l.next
	if l.full {
		n = len(l.entries)
	}

	out := make([]Entry, 0, min(limit, n))
	for i := 0; i < n && len(out) < limit; i++ {
		idx := (l.next - 1 - i + len(l.entries)) % len(l.entries)
		e := l.entries[idx]
		if minLevel != nil && e.Level < *minLevel {
			continue
		}
		if category != nil && e.Category != *category {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Stats returns counts for the buffered entries.
func (l *Logger) Stats() Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	n := l.next
	if l.full {
		n = len(l.entries)
	}
	s := Stats{
		Total:    n,
		Capacity: len(l.entries),
		ByLevel:  make(map[Level]int),
		Dropped:  l.dropped,
	}
	for i := 0; i < n; i++ {
		s.ByLevel[l.entries[i].Level]++
	}
	return s
}

// Clear empties the buffer.
func (l *Logger) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = make([]Entry, len(l.entries))
	l.next = 0
	l.full = false
	l.dropped = 0
}

func Debug(cat Category, msg string, data map[string]any) {
	Get().Log(LevelDebug, cat, msg, data)
}

func Info(cat Category, msg string, data map[string]any) {
	Get().Log(LevelInfo, cat, msg, data)
}

func Warn(cat Category, msg string, data map[string]any) {
	Get().Log(LevelWarn, cat, msg, data)
}

// Error records an error entry. Errors carrying an "error" field are also
// forwarded to Sentry when it is enabled.
func Error(cat Category, msg string, data map[string]any) {
	Get().Log(LevelError, cat, msg, data)
	if e, ok := data["error"].(string); ok && SentryEnabled() {
		CaptureError(fmt.Errorf("%s: %s", msg, e), string(cat), data)
	}
}
