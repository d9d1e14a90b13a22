package observ

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogConfig mirrors the log section of the config file.
type LogConfig struct {
	Level      string
	Output     string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

var (
	logMu  sync.RWMutex
	logger = defaultLogger()
)

func defaultLogger() *logrus.Logger {
	l := logrus.New()
	l.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02T15:04:05.000Z07:00"})
	l.SetOutput(os.Stdout)
	return l
}

// InitLogging configures the process-wide logger. Safe to call once at startup;
// before it runs, Log falls back to JSON on stdout at info level.
func InitLogging(cfg LogConfig) {
	l := logrus.New()
	l.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02T15:04:05.000Z07:00"})

	switch strings.ToLower(cfg.Level) {
	case "debug":
		l.SetLevel(logrus.DebugLevel)
	case "warn":
		l.SetLevel(logrus.WarnLevel)
	case "error":
		l.SetLevel(logrus.ErrorLevel)
	default:
		l.SetLevel(logrus.InfoLevel)
	}

	var w io.Writer = os.Stdout
	if cfg.Output != "" && cfg.Output != "stdout" {
		w = &lumberjack.Logger{
			Filename:   cfg.Output,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
			LocalTime:  true,
		}
	}
	l.SetOutput(w)

	logMu.Lock()
	logger = l
	logMu.Unlock()
}

// Log emits one structured event line. kv may be nil.
func Log(event string, kv map[string]any) {
	logMu.RLock()
	l := logger
	logMu.RUnlock()

	fields := make(logrus.Fields, len(kv))
	for k, v := range kv {
		fields[k] = v
	}
	l.WithFields(fields).Info(event)
}

// LogWarn is Log at warn level for degraded-but-running conditions.
func LogWarn(event string, kv map[string]any) {
	logMu.RLock()
	l := logger
	logMu.RUnlock()

	fields := make(logrus.Fields, len(kv))
	for k, v := range kv {
		fields[k] = v
	}
	l.WithFields(fields).Warn(event)
}

// LogError is Log at error level; err may be nil.
func LogError(event string, err error, kv map[string]any) {
	logMu.RLock()
	l := logger
	logMu.RUnlock()

	fields := make(logrus.Fields, len(kv))
	for k, v := range kv {
		fields[k] = v
	}
	e := l.WithFields(fields)
	if err != nil {
		e = e.WithError(err)
	}
	e.Error(event)
}

// LogDebug is Log at debug level for per-cycle chatter.
func LogDebug(event string, kv map[string]any) {
	logMu.RLock()
	l := logger
	logMu.RUnlock()

	fields := make(logrus.Fields, len(kv))
	for k, v := range kv {
		fields[k] = v
	}
	l.WithFields(fields).Debug(event)
}
