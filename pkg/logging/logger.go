package logging

import (
	"bufio"
	"io"
	"os"
	"sync"

	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"

	"frameworks/api_tunnel/pkg/config"
)

// Logger represents a logger instance
type Logger = *logrus.Logger

// Fields represents structured logging fields
type Fields = logrus.Fields

// Entry is a logger with fields attached
type Entry = logrus.Entry

// Level represents a log level
type Level = logrus.Level

// Log levels
const (
	DebugLevel = logrus.DebugLevel
	InfoLevel  = logrus.InfoLevel
	WarnLevel  = logrus.WarnLevel
	ErrorLevel = logrus.ErrorLevel
)

// NewLogger creates a logger writing to stderr. Terminals get the text
// formatter, everything else gets JSON.
func NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	if isatty.IsTerminal(os.Stderr.Fd()) {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	logger.SetLevel(config.GetLogLevel())
	return logger
}

// NewLoggerWithService creates a logger that tags every entry with the service name
func NewLoggerWithService(serviceName string) *logrus.Logger {
	logger := NewLogger()
	logger.AddHook(serviceHook{service: serviceName})
	return logger
}

// NewDiscardLogger returns a logger that drops everything. Used by tests.
func NewDiscardLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

type serviceHook struct {
	service string
}

func (h serviceHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h serviceHook) Fire(entry *logrus.Entry) error {
	if _, ok := entry.Data["service"]; !ok {
		entry.Data["service"] = h.service
	}
	return nil
}

// BufferedOutput is a goroutine-safe buffered writer for log output that
// must be flushed explicitly (the monitor loop flushes on shutdown).
type BufferedOutput struct {
	mu sync.Mutex
	w  *bufio.Writer
}

// NewBufferedOutput wraps w in a buffer.
func NewBufferedOutput(w io.Writer) *BufferedOutput {
	return &BufferedOutput{w: bufio.NewWriter(w)}
}

func (b *BufferedOutput) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.w.Write(p)
}

// Flush writes any buffered lines to the underlying writer.
func (b *BufferedOutput) Flush() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.w.Flush()
}

// Buffer switches logger output to a BufferedOutput over its current writer
// and returns it so the caller can flush.
func Buffer(logger *logrus.Logger) *BufferedOutput {
	buf := NewBufferedOutput(logger.Out)
	logger.SetOutput(buf)
	return buf
}
