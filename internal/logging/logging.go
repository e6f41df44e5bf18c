// Package logging configures the process-wide zerolog logger.
package logging

import (
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Options struct {
	Level      string
	Format     string // "console" or "json"
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// Init replaces the global logger. The returned closer flushes the rotating
// file, if one was configured.
func Init(opts Options) io.Closer {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(opts.Level)))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	var stdout io.Writer = os.Stdout
	if opts.Format != "json" {
		stdout = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	var closer io.Closer = nopCloser{}
	writer := stdout
	if opts.File != "" {
		rotating := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    defaultInt(opts.MaxSizeMB, 64),
			MaxBackups: defaultInt(opts.MaxBackups, 7),
			MaxAge:     defaultInt(opts.MaxAgeDays, 7),
		}
		writer = zerolog.MultiLevelWriter(stdout, rotating)
		closer = rotating
	}

	log.Logger = zerolog.New(writer).With().Timestamp().Logger()
	log.Info().Str("level", level.String()).Str("file", opts.File).Msg("logger initialized")
	return closer
}

// LogRequest writes one access-log line; the level follows the status class.
func LogRequest(r *http.Request, status int, clientIP string, latency time.Duration) {
	var event *zerolog.Event
	switch {
	case status >= 500:
		event = log.Error()
	case status >= 400:
		event = log.Warn()
	default:
		event = log.Info()
	}
	event.Str("method", r.Method).
		Str("path", r.URL.Path).
		Int("status", status).
		Str("client_ip", clientIP).
		Dur("latency", latency).
		Str("user_agent", r.UserAgent()).
		Msg("request processed")
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func defaultInt(v, fallback int) int {
	if v < 1 {
		return fallback
	}
	return v
}
