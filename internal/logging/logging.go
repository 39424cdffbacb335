// Package logging builds the root zerodha/logf logger the rest of the engine
// derives component loggers from, mirroring the Log logf.Logger field the
// pack's worker code carries.
package logging

import (
	"strings"

	"github.com/zerodha/logf"
)

// New builds a root logger from the level/format config strings.
func New(level, format string) logf.Logger {
	opts := logf.Opts{
		EnableCaller: true,
		Level:        parseLevel(level),
	}
	if strings.EqualFold(format, "console") {
		opts.EnableColor = true
		opts.TimestampFormat = "15:04:05"
	} else {
		opts.EnableJSON = true
	}
	return logf.New(opts)
}

func parseLevel(level string) logf.Level {
	switch strings.ToLower(level) {
	case "debug":
		return logf.DebugLevel
	case "warn", "warning":
		return logf.WarnLevel
	case "error":
		return logf.ErrorLevel
	default:
		return logf.InfoLevel
	}
}
