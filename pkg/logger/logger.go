// Package logger wraps logrus with the substrate's convention of one
// named sub-logger per component (bus, sentinel, orchestrator, each
// agent Runtime, ...). Every line a sub-logger emits carries a
// "component" field, so an operator tailing combined output can filter
// by which part of the system produced it without each call site
// remembering to attach the tag itself.
package logger

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger is a wrapper around logrus.Logger.
type Logger struct {
	*logrus.Logger
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	FilePrefix string `mapstructure:"file_prefix"`
	// Component, if set, is attached to every entry this logger emits.
	Component string `mapstructure:"component"`
}

// componentHook stamps every entry passing through a logger with the
// component that owns it.
type componentHook struct {
	component string
}

func (h componentHook) Levels() []logrus.Level { return logrus.AllLevels }

func (h componentHook) Fire(entry *logrus.Entry) error {
	entry.Data["component"] = h.component
	return nil
}

// New creates a new logger instance from cfg.
func New(cfg LoggingConfig) *Logger {
	log := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	switch strings.ToLower(cfg.Format) {
	case "json":
		log.SetFormatter(&logrus.JSONFormatter{})
	default:
		log.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}

	switch strings.ToLower(cfg.Output) {
	case "file":
		if cfg.FilePrefix == "" {
			cfg.FilePrefix = "evolutiond"
		}
		logDir := "logs"
		if err := os.MkdirAll(logDir, 0755); err != nil {
			log.Errorf("failed to create logs directory: %v", err)
		} else {
			logPath := filepath.Join(logDir, cfg.FilePrefix+".log")
			file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
			if err != nil {
				log.Errorf("failed to open log file: %v", err)
			} else {
				log.SetOutput(io.MultiWriter(os.Stdout, file))
			}
		}
	default:
		log.SetOutput(os.Stdout)
	}

	if cfg.Component != "" {
		log.AddHook(componentHook{component: cfg.Component})
	}

	return &Logger{Logger: log}
}

// NewDefault creates a logger with the substrate's default settings
// (info level, timestamped text output to stdout), tagged as
// component on every entry it emits.
func NewDefault(component string) *Logger {
	log := logrus.New()
	log.SetLevel(logrus.InfoLevel)
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	log.SetOutput(os.Stdout)
	if component != "" {
		log.AddHook(componentHook{component: component})
	}

	return &Logger{Logger: log}
}

// WithField returns a new log entry with a field.
func (l *Logger) WithField(key string, value interface{}) *logrus.Entry {
	return l.Logger.WithField(key, value)
}

// WithFields returns a new log entry with multiple fields.
func (l *Logger) WithFields(fields logrus.Fields) *logrus.Entry {
	return l.Logger.WithFields(fields)
}
