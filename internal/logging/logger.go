package logging

// Levelled logging for plcsim

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	charmlog "github.com/charmbracelet/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogLevel represents the logging level
type LogLevel int

const (
	LogLevelSilent LogLevel = iota
	LogLevelError
	LogLevelInfo
	LogLevelVerbose
	LogLevelDebug
)

func (l LogLevel) String() string {
	switch l {
	case LogLevelSilent:
		return "silent"
	case LogLevelError:
		return "error"
	case LogLevelInfo:
		return "info"
	case LogLevelVerbose:
		return "verbose"
	case LogLevelDebug:
		return "debug"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// ParseLevel maps a level name to a LogLevel.
func ParseLevel(name string) (LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "silent", "off", "none":
		return LogLevelSilent, nil
	case "error":
		return LogLevelError, nil
	case "", "info":
		return LogLevelInfo, nil
	case "verbose":
		return LogLevelVerbose, nil
	case "debug":
		return LogLevelDebug, nil
	default:
		return LogLevelInfo, fmt.Errorf("invalid log level %q (want silent, error, info, verbose or debug)", name)
	}
}

// Rotation configures size-based rotation of the log file.
type Rotation struct {
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Options configures a Logger.
type Options struct {
	Level    LogLevel
	File     string
	Format   string // "text" (default) or "json"
	LogEvery int    // console sampling for non-error messages; 0 or 1 logs all
	Rotation Rotation
	Stdout   io.Writer
	Stderr   io.Writer
}

type sink struct {
	mu       sync.Mutex
	level    LogLevel
	format   string
	logEvery int
	counter  uint64
	file     io.Closer
	fileLog  *charmlog.Logger
	stdout   *charmlog.Logger
	stderr   *charmlog.Logger
}

// Logger writes levelled printf-style messages to the console and,
// optionally, a rotated log file. Loggers returned by With share the
// parent's outputs and level.
type Logger struct {
	*sink
	fields []interface{}
}

// NewLogger creates a text logger.
func NewLogger(level LogLevel, logFile string) (*Logger, error) {
	return New(Options{Level: level, File: logFile})
}

// NewLoggerWithOptions creates a logger with an output format and console
// sampling rate.
func NewLoggerWithOptions(level LogLevel, logFile string, format string, logEvery int) (*Logger, error) {
	return New(Options{Level: level, File: logFile, Format: format, LogEvery: logEvery})
}

// New creates a logger from options.
func New(opts Options) (*Logger, error) {
	format := strings.ToLower(opts.Format)
	if format == "" {
		format = "text"
	}
	if format != "text" && format != "json" {
		return nil, fmt.Errorf("invalid log format %q (want text or json)", opts.Format)
	}
	logEvery := opts.LogEvery
	if logEvery < 1 {
		logEvery = 1
	}
	stdout := opts.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}
	stderr := opts.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}

	s := &sink{
		level:    opts.Level,
		format:   format,
		logEvery: logEvery,
		stdout:   newBackend(stdout, format, false),
		stderr:   newBackend(stderr, format, false),
	}

	if opts.File != "" {
		// lumberjack opens lazily; fail early on an unusable path.
		probe, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("create log file: %w", err)
		}
		probe.Close()

		rotator := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.Rotation.MaxSizeMB,
			MaxBackups: opts.Rotation.MaxBackups,
			MaxAge:     opts.Rotation.MaxAgeDays,
			Compress:   opts.Rotation.Compress,
		}
		s.file = rotator
		s.fileLog = newBackend(rotator, format, true)
	}

	return &Logger{sink: s}, nil
}

func newBackend(w io.Writer, format string, timestamps bool) *charmlog.Logger {
	l := charmlog.NewWithOptions(w, charmlog.Options{
		Level:           charmlog.DebugLevel,
		ReportTimestamp: timestamps,
		TimeFormat:      time.RFC3339,
	})
	if format == "json" {
		l.SetFormatter(charmlog.JSONFormatter)
	}
	return l
}

// With returns a child logger that adds key/value pairs to every message.
func (l *Logger) With(keyvals ...interface{}) *Logger {
	fields := make([]interface{}, 0, len(l.fields)+len(keyvals))
	fields = append(fields, l.fields...)
	fields = append(fields, keyvals...)
	return &Logger{sink: l.sink, fields: fields}
}

// Close closes the logger and flushes all data
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		err := l.file.Close()
		l.file = nil
		l.fileLog = nil
		return err
	}
	return nil
}

// Error logs an error message
func (l *Logger) Error(format string, v ...interface{}) {
	if l.GetLevel() >= LogLevelError {
		l.write(charmlog.ErrorLevel, fmt.Sprintf(format, v...), true)
	}
}

// Info logs an info message
func (l *Logger) Info(format string, v ...interface{}) {
	if l.GetLevel() >= LogLevelInfo {
		l.write(charmlog.InfoLevel, fmt.Sprintf(format, v...), false)
	}
}

// Verbose logs a verbose message
func (l *Logger) Verbose(format string, v ...interface{}) {
	if l.GetLevel() >= LogLevelVerbose {
		l.write(charmlog.InfoLevel, fmt.Sprintf(format, v...), false)
	}
}

// Debug logs a debug message
func (l *Logger) Debug(format string, v ...interface{}) {
	if l.GetLevel() >= LogLevelDebug {
		l.write(charmlog.DebugLevel, fmt.Sprintf(format, v...), false)
	}
}

// write sends a message to the file (always) and the console. Errors go to
// stderr; other messages reach stdout only at verbose or debug, sampled by
// logEvery.
func (l *Logger) write(level charmlog.Level, msg string, isError bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.fileLog != nil {
		l.fileLog.Log(level, msg, l.fields...)
	}

	if isError {
		l.stderr.Log(level, msg, l.fields...)
		return
	}
	if l.level < LogLevelVerbose {
		return
	}
	l.counter++
	if l.logEvery > 1 && l.counter%uint64(l.logEvery) != 0 {
		return
	}
	l.stdout.Log(level, msg, l.fields...)
}

// SetLevel sets the logging level
func (l *Logger) SetLevel(level LogLevel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// GetLevel returns the current logging level
func (l *Logger) GetLevel() LogLevel {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.level
}

// LogRequest logs one served CIP request. Failures are logged at info,
// successes at verbose.
func (l *Logger) LogRequest(service, tag string, status uint8, elapsed time.Duration, err error) {
	outcome := "OK"
	if status != 0 || err != nil {
		outcome = "FAILED"
	}

	var errStr string
	if err != nil {
		errStr = fmt.Sprintf(" - error: %v", err)
	}

	msg := fmt.Sprintf("%s %s on %s (status: 0x%02X, %.3fms)%s",
		outcome, service, tag, status, float64(elapsed.Microseconds())/1000.0, errStr)

	if outcome == "OK" {
		l.Verbose("%s", msg)
	} else {
		l.Info("%s", msg)
	}
}

// LogHex logs hex data (for debug level)
func (l *Logger) LogHex(label string, data []byte) {
	if l.GetLevel() < LogLevelDebug {
		return
	}
	var b strings.Builder
	for i, c := range data {
		if i > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%02x", c)
	}
	l.Debug("%s: %s", label, b.String())
}
