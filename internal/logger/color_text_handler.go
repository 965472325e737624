package logger

import (
	"context"
	"io"
	"log/slog"
)

// ColorTextHandler wraps slog.TextHandler to prefix the message with a
// level tag, colored with ANSI codes when enabled.
type ColorTextHandler struct {
	*slog.TextHandler
	color bool
}

// NewColorTextHandler creates a handler writing to w. Pass color=false when
// the output is not a terminal.
func NewColorTextHandler(w io.Writer, opts *slog.HandlerOptions, color bool) *ColorTextHandler {
	return &ColorTextHandler{
		TextHandler: slog.NewTextHandler(w, opts),
		color:       color,
	}
}

// Handle implements slog.Handler.
func (h *ColorTextHandler) Handle(ctx context.Context, r slog.Record) error {
	if h.color {
		var colorCode string
		switch r.Level {
		case slog.LevelDebug:
			colorCode = "\033[36m" // Cyan
		case slog.LevelInfo:
			colorCode = "\033[32m" // Green
		case slog.LevelWarn:
			colorCode = "\033[33m" // Yellow
		case slog.LevelError:
			colorCode = "\033[31m" // Red
		default:
			colorCode = "\033[0m"
		}
		r.Message = colorCode + r.Level.String() + "\033[0m  " + r.Message
	}
	return h.TextHandler.Handle(ctx, r)
}
