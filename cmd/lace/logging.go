package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// setupLogging builds the process-wide slog handler from the
// --log-level / --log-file flags, writing to stderr unless a file is
// given, mirroring the teacher's JSON-to-stderr default.
func setupLogging(level, file string) (io.Closer, error) {
	var lvl slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "info":
		lvl = slog.LevelInfo
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown --log-level %q", level)
	}

	var w io.Writer = os.Stderr
	var closer io.Closer = nopCloser{}
	if strings.TrimSpace(file) != "" {
		f, err := os.OpenFile(file, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open --log-file %s: %w", file, err)
		}
		w = f
		closer = f
	}

	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(handler))
	return closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
