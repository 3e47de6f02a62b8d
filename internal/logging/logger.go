package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

// LevelAlert sits above error and marks conditions an operator must act on,
// such as a failed compensation that may leave the ledger inconsistent.
const LevelAlert = slog.Level(12)

// New creates a JSON slog logger configured at the provided level. If the
// level string is invalid it defaults to info.
func New(level string) *slog.Logger {
	return newLogger(os.Stdout, level)
}

func newLogger(w io.Writer, level string) *slog.Logger {
	lvl := new(slog.LevelVar)
	if strings.EqualFold(level, "alert") {
		lvl.Set(LevelAlert)
	} else if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl.Set(slog.LevelInfo)
	}

	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl, ReplaceAttr: renameAlert})
	return slog.New(handler)
}

func renameAlert(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.LevelKey {
		if lvl, ok := a.Value.Any().(slog.Level); ok && lvl >= LevelAlert {
			a.Value = slog.StringValue("ALERT")
		}
	}
	return a
}

// Alert logs msg at LevelAlert.
func Alert(ctx context.Context, logger *slog.Logger, msg string, attrs ...slog.Attr) {
	logger.LogAttrs(ctx, LevelAlert, msg, attrs...)
}

// Discard returns a logger that drops all output. Useful for tests.
func Discard() *slog.Logger {
	handler := slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError})
	return slog.New(handler)
}
