package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/term"
)

// Level represents logging level
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
	FATAL
)

var levelNames = map[Level]string{
	DEBUG: "DEBUG",
	INFO:  "INFO",
	WARN:  "WARN",
	ERROR: "ERROR",
	FATAL: "FATAL",
}

var levelColors = map[Level]string{
	DEBUG: "\033[36m", // Cyan
	INFO:  "\033[32m", // Green
	WARN:  "\033[33m", // Yellow
	ERROR: "\033[31m", // Red
	FATAL: "\033[35m", // Magenta
}

const (
	colorReset      = "\033[0m"
	timestampLayout = "2006-01-02 15:04:05.000"
)

// Logger provides structured logging capabilities
type Logger struct {
	mu          *sync.Mutex
	level       Level
	output      io.Writer
	component   string
	format      string // "text" or "json"
	colorOutput bool
}

// Fields represents structured logging fields
type Fields map[string]interface{}

var (
	defaultLogger *Logger
	once          sync.Once
)

// Init initializes the default logger
func Init(level, format, component string) {
	once.Do(func() {
		defaultLogger = New(level, format, component)
	})
}

// New creates a new logger instance writing to stdout
func New(levelStr, format, component string) *Logger {
	return &Logger{
		mu:          &sync.Mutex{},
		level:       parseLevel(levelStr),
		output:      os.Stdout,
		component:   component,
		format:      format,
		colorOutput: format == "text" && isTerminal(os.Stdout),
	}
}

// Discard returns a logger that drops everything. Used by tests.
func Discard() *Logger {
	l := New("fatal", "text", "")
	l.output = io.Discard
	l.colorOutput = false
	return l
}

// WithComponent creates a new logger with a specific component name.
// The returned logger shares the parent's output lock.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		mu:          l.mu,
		level:       l.level,
		output:      l.output,
		component:   component,
		format:      l.format,
		colorOutput: l.colorOutput,
	}
}

// SetOutput redirects log output. Color is disabled unless w is a terminal.
func (l *Logger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.output = w
	l.colorOutput = l.format == "text" && isTerminal(w)
}

// Component returns the component name the logger tags entries with
func (l *Logger) Component() string {
	return l.component
}

// Debug logs a debug message
func (l *Logger) Debug(msg string, fields ...Fields) {
	l.log(DEBUG, msg, mergeFields(fields...))
}

// Info logs an info message
func (l *Logger) Info(msg string, fields ...Fields) {
	l.log(INFO, msg, mergeFields(fields...))
}

// Warn logs a warning message
func (l *Logger) Warn(msg string, fields ...Fields) {
	l.log(WARN, msg, mergeFields(fields...))
}

// Error logs an error message
func (l *Logger) Error(msg string, fields ...Fields) {
	l.log(ERROR, msg, mergeFields(fields...))
}

// Fatal logs a fatal message and exits
func (l *Logger) Fatal(msg string, fields ...Fields) {
	l.log(FATAL, msg, mergeFields(fields...))
	os.Exit(1)
}

func (l *Logger) log(level Level, msg string, fields Fields) {
	if level < l.level {
		return
	}

	timestamp := time.Now().Format(timestampLayout)

	var line string
	if l.format == "json" {
		line = l.formatJSON(timestamp, level, msg, fields)
	} else {
		line = l.formatText(timestamp, level, msg, fields)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprint(l.output, line)
}

// formatText renders: [TIMESTAMP] LEVEL [COMPONENT] message key=value key=value
func (l *Logger) formatText(timestamp string, level Level, msg string, fields Fields) string {
	var b strings.Builder

	if l.colorOutput {
		b.WriteString(levelColors[level])
	}
	fmt.Fprintf(&b, "[%s] %-5s", timestamp, levelNames[level])
	if l.colorOutput {
		b.WriteString(colorReset)
	}

	if l.component != "" {
		fmt.Fprintf(&b, " [%s]", l.component)
	}
	b.WriteString(" ")
	b.WriteString(msg)

	for _, k := range sortedKeys(fields) {
		fmt.Fprintf(&b, " %s=%v", k, fields[k])
	}

	b.WriteString("\n")
	return b.String()
}

func (l *Logger) formatJSON(timestamp string, level Level, msg string, fields Fields) string {
	entry := make(map[string]interface{}, len(fields)+5)
	for k, v := range fields {
		switch val := v.(type) {
		case error:
			entry[k] = val.Error()
		case time.Duration:
			entry[k] = val.String()
		case fmt.Stringer:
			entry[k] = val.String()
		default:
			entry[k] = val
		}
	}

	entry["timestamp"] = timestamp
	entry["level"] = levelNames[level]
	entry["message"] = msg
	if l.component != "" {
		entry["component"] = l.component
	}

	// Caller info for errors and above
	if level >= ERROR {
		if _, file, line, ok := runtime.Caller(3); ok {
			entry["caller"] = fmt.Sprintf("%s:%d", file, line)
		}
	}

	data, err := json.Marshal(entry)
	if err != nil {
		data, _ = json.Marshal(map[string]string{
			"timestamp": timestamp,
			"level":     levelNames[level],
			"message":   msg,
			"log_error": err.Error(),
		})
	}
	return string(data) + "\n"
}

// parseLevel converts string to Level
func parseLevel(levelStr string) Level {
	switch strings.ToUpper(levelStr) {
	case "DEBUG":
		return DEBUG
	case "INFO":
		return INFO
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	case "FATAL":
		return FATAL
	default:
		return INFO
	}
}

func mergeFields(fields ...Fields) Fields {
	result := Fields{}
	for _, f := range fields {
		for k, v := range f {
			result[k] = v
		}
	}
	return result
}

func sortedKeys(fields Fields) []string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return term.IsTerminal(int(f.Fd()))
}

// Default logger convenience functions
func Debug(msg string, fields ...Fields) {
	if defaultLogger != nil {
		defaultLogger.Debug(msg, fields...)
	} else {
		log.Printf("[DEBUG] %s", msg)
	}
}

func Info(msg string, fields ...Fields) {
	if defaultLogger != nil {
		defaultLogger.Info(msg, fields...)
	} else {
		log.Printf("[INFO] %s", msg)
	}
}

func Warn(msg string, fields ...Fields) {
	if defaultLogger != nil {
		defaultLogger.Warn(msg, fields...)
	} else {
		log.Printf("[WARN] %s", msg)
	}
}

func Error(msg string, fields ...Fields) {
	if defaultLogger != nil {
		defaultLogger.Error(msg, fields...)
	} else {
		log.Printf("[ERROR] %s", msg)
	}
}

func Fatal(msg string, fields ...Fields) {
	if defaultLogger != nil {
		defaultLogger.Fatal(msg, fields...)
	} else {
		log.Fatalf("[FATAL] %s", msg)
	}
}

// GetDefault returns the default logger
func GetDefault() *Logger {
	return defaultLogger
}

// ForComponent returns the default logger tagged with component, creating an
// info/text logger when Init has not been called.
func ForComponent(component string) *Logger {
	if defaultLogger == nil {
		return New("info", "text", component)
	}
	return defaultLogger.WithComponent(component)
}
