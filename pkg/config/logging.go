package config

import (
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
)

// ParseLevel parses a logrus level name.
func ParseLevel(level string) (logrus.Level, error) {
	l, err := logrus.ParseLevel(level)
	if err != nil {
		return 0, fmt.Errorf("log-level: %w", err)
	}
	return l, nil
}

// NewLogger creates the process logger. JSON output uses timestamp, severity
// and message keys so collectors can ingest it without remapping.
func NewLogger(w io.Writer, level, format string) (*logrus.Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	logger := logrus.New()
	logger.SetOutput(w)
	logger.SetLevel(lvl)
	switch format {
	case "text":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		logger.SetFormatter(&logrus.JSONFormatter{
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "severity",
				logrus.FieldKeyMsg:   "message",
			},
		})
	}
	return logger, nil
}
