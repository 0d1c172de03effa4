package common

import (
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"
)

// InitLogger configures the process-wide logger. Called once per command,
// before any component logs.
func InitLogger(level string) error {
	parsed, err := parseLogLevel(level)
	if err != nil {
		return err
	}
	log.SetLevel(parsed)
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
	return nil
}

func parseLogLevel(level string) (log.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return log.DebugLevel, nil
	case "info":
		return log.InfoLevel, nil
	case "warning", "warn":
		return log.WarnLevel, nil
	case "error":
		return log.ErrorLevel, nil
	default:
		return 0, fmt.Errorf("invalid log level %q, must be one of debug, info, warn, error", level)
	}
}
