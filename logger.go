package nicd

import (
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/nicd/config"
)

var logFormats = []string{"text", "json"}

// configLogger applies the logging section of the config to l. Nothing is
// changed unless the whole section is valid.
func configLogger(l *logrus.Logger, c *config.C) error {
	level, err := logrus.ParseLevel(strings.ToLower(c.GetString("logging.level", "info")))
	if err != nil {
		return fmt.Errorf("%s; possible levels: %s", err, logrus.AllLevels)
	}

	formatter, err := logFormatter(c)
	if err != nil {
		return err
	}

	l.SetLevel(level)
	l.Formatter = formatter
	return nil
}

// logFormatter builds the formatter named by logging.format. A custom
// logging.timestamp_format also turns on full timestamps for text output.
func logFormatter(c *config.C) (logrus.Formatter, error) {
	disableTimestamp := c.GetBool("logging.disable_timestamp", false)
	timestampFormat := c.GetString("logging.timestamp_format", "")
	fullTimestamp := timestampFormat != ""
	if !fullTimestamp {
		timestampFormat = time.RFC3339
	}

	switch format := strings.ToLower(c.GetString("logging.format", "text")); format {
	case "text":
		return &logrus.TextFormatter{
			TimestampFormat:  timestampFormat,
			FullTimestamp:    fullTimestamp,
			DisableTimestamp: disableTimestamp,
		}, nil
	case "json":
		return &logrus.JSONFormatter{
			TimestampFormat:  timestampFormat,
			DisableTimestamp: disableTimestamp,
		}, nil
	default:
		return nil, fmt.Errorf("unknown log format `%s`. possible formats: %s", format, logFormats)
	}
}

// reloadLogger is the reload callback for the logging section. A bad section
// is logged and the current settings stay in effect.
func reloadLogger(l *logrus.Logger, c *config.C) {
	if !c.HasChanged("logging") {
		return
	}

	if err := configLogger(l, c); err != nil {
		l.WithError(err).Error("Failed to configure the logger")
		return
	}
	l.WithField("level", l.GetLevel().String()).Info("Logger reconfigured")
}
