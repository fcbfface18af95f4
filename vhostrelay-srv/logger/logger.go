package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync/atomic"
)

// LogLevel represents the severity of a log message
type LogLevel int32

const (
	// TRACE level for byte-level relay details
	TRACE LogLevel = iota
	// DEBUG level for detailed troubleshooting information
	DEBUG
	// INFO level for general operational information
	INFO
	// WARN level for non-critical issues
	WARN
	// ERROR level for error conditions
	ERROR
	// FATAL level for critical errors that prevent operation
	FATAL
)

var (
	// currentLevel is read on every log call from many session goroutines
	currentLevel atomic.Int32
	stdLogger    = log.New(os.Stdout, "", log.LstdFlags|log.Lmicroseconds)
)

func init() {
	currentLevel.Store(int32(INFO))
}

// SetLevel sets the current logging level
func SetLevel(level LogLevel) {
	currentLevel.Store(int32(level))
}

// GetLevel returns the current logging level
func GetLevel() LogLevel {
	return LogLevel(currentLevel.Load())
}

// SetOutput redirects all log output to w.
func SetOutput(w io.Writer) {
	stdLogger.SetOutput(w)
}

func IsLevelEnabled(level LogLevel) bool {
	return level >= GetLevel()
}

// GetLevelFromString converts a string level to LogLevel
func GetLevelFromString(level string) LogLevel {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "TRACE":
		return TRACE
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

func (l LogLevel) String() string {
	switch l {
	case TRACE:
		return "TRACE"
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	case FATAL:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

func logMessage(level LogLevel, format string, v ...any) {
	if !IsLevelEnabled(level) {
		return
	}
	stdLogger.Printf("[%s] %s", level, fmt.Sprintf(format, v...))
}

// Trace logs relay internals.
// Arguments are handled in the manner of [fmt.Printf].
func Trace(format string, v ...any) {
	logMessage(TRACE, format, v...)
}

// Debug logs a debug message
// Arguments are handled in the manner of [fmt.Printf].
func Debug(format string, v ...any) {
	logMessage(DEBUG, format, v...)
}

// Info logs an informational message
// Arguments are handled in the manner of [fmt.Printf].
func Info(format string, v ...any) {
	logMessage(INFO, format, v...)
}

// Warn logs a warning message
// Arguments are handled in the manner of [fmt.Printf].
func Warn(format string, v ...any) {
	logMessage(WARN, format, v...)
}

// Error logs an error message
// Arguments are handled in the manner of [fmt.Printf].
func Error(format string, v ...any) {
	logMessage(ERROR, format, v...)
}

// Fatal logs a fatal message and exits
// Arguments are handled in the manner of [fmt.Printf].
func Fatal(format string, v ...any) {
	logMessage(FATAL, format, v...)
	os.Exit(1)
}

// WithRequestID prefixes a formatted message with a request ID.
// Arguments are handled in the manner of [fmt.Printf].
func WithRequestID(requestID, format string, v ...any) string {
	return fmt.Sprintf("[%s] %s", requestID, fmt.Sprintf(format, v...))
}

// Scoped is a logger bound to one session or request id.
type Scoped struct {
	id string
}

// For returns a logger that prefixes every message with id.
func For(id string) Scoped {
	return Scoped{id: id}
}

func (s Scoped) Trace(format string, v ...any) {
	if IsLevelEnabled(TRACE) {
		logMessage(TRACE, "%s", WithRequestID(s.id, format, v...))
	}
}

func (s Scoped) Debug(format string, v ...any) {
	if IsLevelEnabled(DEBUG) {
		logMessage(DEBUG, "%s", WithRequestID(s.id, format, v...))
	}
}

func (s Scoped) Info(format string, v ...any) {
	logMessage(INFO, "%s", WithRequestID(s.id, format, v...))
}

func (s Scoped) Warn(format string, v ...any) {
	logMessage(WARN, "%s", WithRequestID(s.id, format, v...))
}

func (s Scoped) Error(format string, v ...any) {
	logMessage(ERROR, "%s", WithRequestID(s.id, format, v...))
}
