// Package logging builds the logrus logger used by filecachectl.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/unkn0wn-root/filecache/internal/config"
)

// New returns a JSON logrus logger writing to cfg.FilePath through lumberjack,
// or to fallback when no file is configured. A log file that cannot be
// prepared degrades to fallback with a warning rather than failing.
func New(cfg config.LogConfig, fallback io.Writer) (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("logging: %w", err)
	}

	output, outErr := buildOutput(cfg, fallback)

	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetOutput(output)
	logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})

	if outErr != nil {
		logger.WithFields(logrus.Fields{
			"action": "logger_fallback",
			"path":   cfg.FilePath,
		}).Warn(outErr.Error())
	}
	return logger, nil
}

func buildOutput(cfg config.LogConfig, fallback io.Writer) (io.Writer, error) {
	if fallback == nil {
		fallback = os.Stderr
	}
	if cfg.FilePath == "" {
		return fallback, nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0o755); err != nil {
		return fallback, fmt.Errorf("create log directory: %w", err)
	}
	return &lumberjack.Logger{
		Filename:   cfg.FilePath,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		Compress:   cfg.Compress,
		LocalTime:  true,
	}, nil
}
