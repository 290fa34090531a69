// Package log provides structured logging for tdswire.
//
// The logging system supports multiple categories:
//   - System: driver lifecycle, configuration, resource management
//   - Transport: socket and shim activity, handshake progress
//   - Codec: wire-format encoding and decoding
//   - Performance: timing, throughput
//
// Each category can be configured independently with its own level and
// output.
package log

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Level represents a logging severity level.
type Level int32

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelFatal
	LevelOff // Disable logging entirely
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	case LevelFatal:
		return "FATAL"
	case LevelOff:
		return "OFF"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel parses a level string.
func ParseLevel(s string) (Level, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return LevelDebug, nil
	case "INFO":
		return LevelInfo, nil
	case "WARN", "WARNING":
		return LevelWarn, nil
	case "ERROR", "ERR":
		return LevelError, nil
	case "FATAL":
		return LevelFatal, nil
	case "OFF", "NONE":
		return LevelOff, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level: %s", s)
	}
}

// Category identifies the logging category.
type Category string

const (
	CategorySystem      Category = "system"      // Driver lifecycle, config, resources
	CategoryTransport   Category = "transport"   // Socket and shim activity
	CategoryCodec       Category = "codec"       // Wire-format encode/decode
	CategoryPerformance Category = "performance" // Timing and metrics
)

// Format specifies the output format.
type Format int

const (
	FormatText Format = iota // Human-readable text
	FormatJSON               // Structured JSON
)

// Entry represents a single log entry.
type Entry struct {
	Time     time.Time              `json:"time"`
	Level    Level                  `json:"level"`
	Category Category               `json:"category"`
	Message  string                 `json:"message"`
	Fields   map[string]interface{} `json:"fields,omitempty"`
	Error    error                  `json:"-"`
	ErrorStr string                 `json:"error,omitempty"`
	Caller   string                 `json:"caller,omitempty"`
}

// Logger is the main logging interface.
type Logger struct {
	mu sync.RWMutex

	// Per-category configuration
	levels  map[Category]Level
	outputs map[Category]io.Writer

	// Global settings
	format        Format
	includeCaller bool

	// Async writing
	asyncEnabled bool
	entryChan    chan *Entry
	wg           sync.WaitGroup
	closed       int32

	// Metrics
	entriesLogged  int64
	entriesDropped int64
}

// Config holds logger configuration.
type Config struct {
	// Default level for all categories
	DefaultLevel Level

	// Per-category level overrides
	CategoryLevels map[Category]Level

	// Output configuration
	Output io.Writer // Default output (os.Stderr if nil)
	Format Format

	// Optional features
	IncludeCaller bool // Include file:line in log entries
	AsyncBuffer   int  // Async buffer size (0 = sync logging)
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() Config {
	return Config{
		DefaultLevel:  LevelInfo,
		Output:        os.Stderr,
		Format:        FormatText,
		IncludeCaller: false,
		AsyncBuffer:   0,
	}
}

// New creates a new logger with the given configuration.
func New(cfg Config) *Logger {
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}

	l := &Logger{
		levels:        make(map[Category]Level),
		outputs:       make(map[Category]io.Writer),
		format:        cfg.Format,
		includeCaller: cfg.IncludeCaller,
	}

	categories := []Category{
		CategorySystem,
		CategoryTransport,
		CategoryCodec,
		CategoryPerformance,
	}
	for _, cat := range categories {
		l.levels[cat] = cfg.DefaultLevel
		l.outputs[cat] = cfg.Output
	}

	for cat, level := range cfg.CategoryLevels {
		l.levels[cat] = level
	}

	if cfg.AsyncBuffer > 0 {
		l.asyncEnabled = true
		l.entryChan = make(chan *Entry, cfg.AsyncBuffer)
		l.wg.Add(1)
		go l.asyncWriter()
	}

	return l
}

// SetLevel sets the log level for a category.
func (l *Logger) SetLevel(cat Category, level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.levels[cat] = level
}

// SetOutput sets the output writer for a category.
func (l *Logger) SetOutput(cat Category, w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.outputs[cat] = w
}

// Close shuts down the logger, flushing any buffered entries.
func (l *Logger) Close() error {
	if !l.asyncEnabled {
		return nil
	}
	if !atomic.CompareAndSwapInt32(&l.closed, 0, 1) {
		return nil // Already closed
	}
	close(l.entryChan)
	l.wg.Wait()
	return nil
}

// Stats returns logging statistics.
func (l *Logger) Stats() (logged, dropped int64) {
	return atomic.LoadInt64(&l.entriesLogged), atomic.LoadInt64(&l.entriesDropped)
}

// Convenience methods for each level

func (l *Logger) Debug(cat Category, msg string, fields ...interface{}) {
	l.log(LevelDebug, cat, msg, nil, fields...)
}

func (l *Logger) Info(cat Category, msg string, fields ...interface{}) {
	l.log(LevelInfo, cat, msg, nil, fields...)
}

func (l *Logger) Warn(cat Category, msg string, fields ...interface{}) {
	l.log(LevelWarn, cat, msg, nil, fields...)
}

func (l *Logger) Error(cat Category, msg string, err error, fields ...interface{}) {
	l.log(LevelError, cat, msg, err, fields...)
}

// Category-specific loggers

// System returns a category logger for driver lifecycle events.
func (l *Logger) System() *CategoryLogger {
	return &CategoryLogger{logger: l, category: CategorySystem}
}

// Transport returns a category logger for socket and shim events.
func (l *Logger) Transport() *CategoryLogger {
	return &CategoryLogger{logger: l, category: CategoryTransport}
}

// Codec returns a category logger for wire-format events.
func (l *Logger) Codec() *CategoryLogger {
	return &CategoryLogger{logger: l, category: CategoryCodec}
}

// Performance returns a category logger for timing events.
func (l *Logger) Performance() *CategoryLogger {
	return &CategoryLogger{logger: l, category: CategoryPerformance}
}

// log is the internal logging implementation.
func (l *Logger) log(level Level, cat Category, msg string, err error, fields ...interface{}) {
	l.mu.RLock()
	catLevel := l.levels[cat]
	output := l.outputs[cat]
	format := l.format
	includeCaller := l.includeCaller
	l.mu.RUnlock()

	if level < catLevel {
		return
	}

	entry := &Entry{
		Time:     time.Now(),
		Level:    level,
		Category: cat,
		Message:  msg,
		Error:    err,
	}

	if err != nil {
		entry.ErrorStr = err.Error()
	}

	// Parse fields (key-value pairs)
	if len(fields) > 0 {
		entry.Fields = make(map[string]interface{})
		for i := 0; i < len(fields)-1; i += 2 {
			if key, ok := fields[i].(string); ok {
				entry.Fields[key] = fields[i+1]
			}
		}
	}

	if includeCaller {
		if _, file, line, ok := runtime.Caller(3); ok {
			if idx := strings.LastIndex(file, "/"); idx >= 0 {
				file = file[idx+1:]
			}
			entry.Caller = fmt.Sprintf("%s:%d", file, line)
		}
	}

	if l.asyncEnabled && atomic.LoadInt32(&l.closed) == 0 {
		select {
		case l.entryChan <- entry:
			atomic.AddInt64(&l.entriesLogged, 1)
		default:
			atomic.AddInt64(&l.entriesDropped, 1)
		}
	} else {
		l.writeEntry(output, format, entry)
		atomic.AddInt64(&l.entriesLogged, 1)
	}
}

// writeEntry formats and writes an entry.
func (l *Logger) writeEntry(w io.Writer, format Format, entry *Entry) {
	var line string

	switch format {
	case FormatJSON:
		data, _ := json.Marshal(entry)
		line = string(data) + "\n"
	default:
		line = formatText(entry)
	}

	w.Write([]byte(line))
}

// formatText formats an entry as human-readable text.
func formatText(entry *Entry) string {
	var buf strings.Builder

	buf.WriteString(entry.Time.Format("2006-01-02 15:04:05.000"))
	buf.WriteString(" ")
	buf.WriteString(fmt.Sprintf("%-5s", entry.Level.String()))
	buf.WriteString(" [")
	buf.WriteString(string(entry.Category))
	buf.WriteString("] ")

	if entry.Caller != "" {
		buf.WriteString(entry.Caller)
		buf.WriteString(" ")
	}

	buf.WriteString(entry.Message)

	if entry.ErrorStr != "" {
		buf.WriteString(" error=\"")
		buf.WriteString(entry.ErrorStr)
		buf.WriteString("\"")
	}

	if len(entry.Fields) > 0 {
		for k, v := range entry.Fields {
			buf.WriteString(" ")
			buf.WriteString(k)
			buf.WriteString("=")
			buf.WriteString(fmt.Sprintf("%v", v))
		}
	}

	buf.WriteString("\n")
	return buf.String()
}

// asyncWriter processes the entry channel.
func (l *Logger) asyncWriter() {
	defer l.wg.Done()

	for entry := range l.entryChan {
		l.mu.RLock()
		output := l.outputs[entry.Category]
		format := l.format
		l.mu.RUnlock()

		l.writeEntry(output, format, entry)
	}
}

// CategoryLogger is a logger bound to a specific category.
type CategoryLogger struct {
	logger   *Logger
	category Category
}

func (cl *CategoryLogger) Debug(msg string, fields ...interface{}) {
	cl.logger.log(LevelDebug, cl.category, msg, nil, fields...)
}

func (cl *CategoryLogger) Info(msg string, fields ...interface{}) {
	cl.logger.log(LevelInfo, cl.category, msg, nil, fields...)
}

func (cl *CategoryLogger) Warn(msg string, fields ...interface{}) {
	cl.logger.log(LevelWarn, cl.category, msg, nil, fields...)
}

func (cl *CategoryLogger) Error(msg string, err error, fields ...interface{}) {
	cl.logger.log(LevelError, cl.category, msg, err, fields...)
}

// WithFields returns a FieldLogger with preset fields.
func (cl *CategoryLogger) WithFields(fields ...interface{}) *FieldLogger {
	return &FieldLogger{
		categoryLogger: cl,
		fields:         fields,
	}
}

// FieldLogger is a category logger with preset fields.
type FieldLogger struct {
	categoryLogger *CategoryLogger
	fields         []interface{}
}

func (fl *FieldLogger) Debug(msg string, extraFields ...interface{}) {
	fl.categoryLogger.logger.log(LevelDebug, fl.categoryLogger.category, msg, nil, append(fl.fields, extraFields...)...)
}

func (fl *FieldLogger) Info(msg string, extraFields ...interface{}) {
	fl.categoryLogger.logger.log(LevelInfo, fl.categoryLogger.category, msg, nil, append(fl.fields, extraFields...)...)
}

func (fl *FieldLogger) Warn(msg string, extraFields ...interface{}) {
	fl.categoryLogger.logger.log(LevelWarn, fl.categoryLogger.category, msg, nil, append(fl.fields, extraFields...)...)
}

func (fl *FieldLogger) Error(msg string, err error, extraFields ...interface{}) {
	fl.categoryLogger.logger.log(LevelError, fl.categoryLogger.category, msg, err, append(fl.fields, extraFields...)...)
}

// Default logger instance
var (
	defaultLogger     *Logger
	defaultLoggerOnce sync.Once
)

// Default returns the default logger instance.
func Default() *Logger {
	defaultLoggerOnce.Do(func() {
		defaultLogger = New(DefaultConfig())
	})
	return defaultLogger
}

// SetDefault sets the default logger instance.
func SetDefault(l *Logger) {
	defaultLogger = l
}
