package log

import (
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

var Logger *logrus.Logger

// warned holds the keys already reported through WarnOnce.
var warned sync.Map

func Init(level string) {
	InitWithFormat(level, "json")
}

// InitWithFormat initializes the package logger. format is "json" or "text".
func InitWithFormat(level, format string) {
	InitWithOutput(os.Stdout, level, format)
}

// InitWithOutput is InitWithFormat writing to an arbitrary writer. The TUI
// uses it to keep log lines off the terminal it is drawing on.
func InitWithOutput(out io.Writer, level, format string) {
	logger := logrus.New()
	logger.SetOutput(out)
	switch format {
	case "text":
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "15:04:05.000",
		})
	default:
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
		})
	}

	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	logger.SetLevel(logLevel)
	Logger = logger
}

// WithFields returns an entry carrying the given fields. When the logger has
// not been initialized the entry writes to a discarding logger.
func WithFields(fields logrus.Fields) *logrus.Entry {
	if Logger == nil {
		return logrus.NewEntry(discard).WithFields(fields)
	}
	return Logger.WithFields(fields)
}

var discard = func() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}()

// WarnOnce logs a warning the first time key is seen and ignores later calls
// with the same key.
func WarnOnce(key string, format string, args ...interface{}) {
	if _, loaded := warned.LoadOrStore(key, struct{}{}); loaded {
		return
	}
	Warnf(format, args...)
}

// Convenience functions
func Debug(args ...interface{}) {
	if Logger != nil {
		Logger.Debug(args...)
	}
}

func Debugf(format string, args ...interface{}) {
	if Logger != nil {
		Logger.Debugf(format, args...)
	}
}

func Info(args ...interface{}) {
	if Logger != nil {
		Logger.Info(args...)
	}
}

func Infof(format string, args ...interface{}) {
	if Logger != nil {
		Logger.Infof(format, args...)
	}
}

func Warn(args ...interface{}) {
	if Logger != nil {
		Logger.Warn(args...)
	}
}

func Warnf(format string, args ...interface{}) {
	if Logger != nil {
		Logger.Warnf(format, args...)
	}
}

func Error(args ...interface{}) {
	if Logger != nil {
		Logger.Error(args...)
	}
}

func Errorf(format string, args ...interface{}) {
	if Logger != nil {
		Logger.Errorf(format, args...)
	}
}

func Fatal(args ...interface{}) {
	if Logger != nil {
		Logger.Fatal(args...)
	}
	os.Exit(1)
}

func Fatalf(format string, args ...interface{}) {
	if Logger != nil {
		Logger.Fatalf(format, args...)
	}
	os.Exit(1)
}
