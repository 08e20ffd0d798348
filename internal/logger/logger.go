package logger

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

const timestampFormat = "2006-01-02T15:04:05.000Z07:00"

// Logger is the process-wide logger. Packages log through the helpers below
// so every entry carries the same formatter and level.
var Logger = logrus.New()

func init() {
	Logger.SetOutput(os.Stdout)
	Setup(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))
}

// Setup applies a level name (debug, info, warn, error) and a format name
// (json, text). Unknown names fall back to info and json.
func Setup(level, format string) {
	Logger.SetLevel(parseLevel(level))
	Logger.SetFormatter(formatter(format))
}

// SetOutput redirects all entries, tests use it to capture them
func SetOutput(w io.Writer) {
	Logger.SetOutput(w)
}

func parseLevel(name string) logrus.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return logrus.DebugLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

func formatter(name string) logrus.Formatter {
	if strings.EqualFold(strings.TrimSpace(name), "text") {
		return &logrus.TextFormatter{FullTimestamp: true, TimestampFormat: timestampFormat}
	}
	return &logrus.JSONFormatter{TimestampFormat: timestampFormat}
}

// WithFields creates a new entry with the given fields
func WithFields(fields logrus.Fields) *logrus.Entry {
	return Logger.WithFields(fields)
}

// WithField creates a new entry with a single field
func WithField(key string, value interface{}) *logrus.Entry {
	return Logger.WithField(key, value)
}

// WithError creates a new entry with an error field
func WithError(err error) *logrus.Entry {
	return Logger.WithError(err)
}

// WithComponent tags entries with the subsystem that wrote them
func WithComponent(name string) *logrus.Entry {
	return Logger.WithField("component", name)
}

// WithAnalysis tags an entry with a queued analysis ID
func WithAnalysis(id string) *logrus.Entry {
	return Logger.WithField("analysis_id", id)
}

// Info logs an info message
func Info(msg string) {
	Logger.Info(msg)
}
