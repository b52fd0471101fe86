// Package logging builds the linker's diagnostic logger. It fans one
// logical log stream out to multiple slog handlers with
// github.com/samber/slog-multi, the way the teacher repo
// (Manu343726-cucaracha) depends on slog-multi for routing a single
// logical stream to several destinations.
package logging

import (
	"io"
	"log/slog"
	"os"

	slogmulti "github.com/samber/slog-multi"
)

// New builds the process-wide logger. verbosity 0 logs warnings and
// errors only; verbosity 1 (-v) adds info-level progress messages;
// verbosity 2+ (-vv) adds a second, source-annotated handler alongside
// the human-readable one, matching spec.md §2's "verbose" tiering.
func New(verbosity int, stderr io.Writer) *slog.Logger {
	level := slog.LevelWarn
	if verbosity >= 1 {
		level = slog.LevelInfo
	}

	text := slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level})
	if verbosity < 2 {
		return slog.New(text)
	}

	detailed := slog.NewTextHandler(stderr, &slog.HandlerOptions{
		Level:     slog.LevelDebug,
		AddSource: true,
	})
	return slog.New(slogmulti.Fanout(text, detailed))
}

// Default is a convenience logger for callers (e.g. package-level test
// helpers) that don't need custom verbosity; it writes warnings and
// errors to stderr.
func Default() *slog.Logger {
	return New(0, os.Stderr)
}
