package build

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"

	btclogv1 "github.com/btcsuite/btclog"
	"github.com/btcsuite/btclog/v2"
)

const (
	resetSeq = "\033[0m"
	boldSeq  = "\033[1m"
	faintSeq = "\033[2m"
)

// levelColors maps each level to the ANSI color its label is printed in.
var levelColors = map[btclogv1.Level]string{
	btclogv1.LevelTrace:    "\033[90m",
	btclogv1.LevelDebug:    "\033[36m",
	btclogv1.LevelInfo:     "\033[32m",
	btclogv1.LevelWarn:     "\033[33m",
	btclogv1.LevelError:    "\033[31m",
	btclogv1.LevelCritical: "\033[35m",
}

// styledOptions returns the handler options that color the level, the call
// site and the attribute keys of console output.
func styledOptions() []btclog.HandlerOption {
	return []btclog.HandlerOption{
		btclog.WithStyledLevel(styleLevel),
		btclog.WithStyledCallSite(func(file string, line int) string {
			return faintSeq + fmt.Sprintf("%s:%d", filepath.Base(file),
				line) + resetSeq
		}),
		btclog.WithStyledKeys(func(key string) string {
			return boldSeq + key + resetSeq
		}),
	}
}

// styleLevel renders a level label in its color.
func styleLevel(level btclogv1.Level) string {
	color, ok := levelColors[level]
	if !ok {
		return "[" + level.String() + "]"
	}

	return color + "[" + level.String() + "]" + resetSeq
}

// NewDefaultLogHandlers returns the console handler and the rotating log file
// handler that a circuit client normally logs to. Disabled loggers are left
// out of the returned slice.
func NewDefaultLogHandlers(cfg *LogConfig, console io.Writer,
	rotator *RotatingLogWriter) []btclog.Handler {

	var handlers []btclog.Handler

	if !cfg.Console.Disable {
		opts := cfg.Console.HandlerOptions()
		if cfg.Console.Style {
			opts = append(opts, styledOptions()...)
		}

		handlers = append(
			handlers, btclog.NewDefaultHandler(console, opts...),
		)
	}

	if !cfg.File.Disable && rotator != nil {
		handlers = append(handlers, btclog.NewDefaultHandler(
			rotator, cfg.File.HandlerOptions()...,
		))
	}

	return handlers
}

// handlerSet fans every record out to a set of btclog handlers that share a
// single level.
type handlerSet struct {
	level btclogv1.Level
	set   []btclog.Handler
}

// A compile-time check that handlerSet implements btclog.Handler.
var _ btclog.Handler = (*handlerSet)(nil)

// newHandlerSet constructs a handlerSet and applies level to all members.
func newHandlerSet(level btclogv1.Level,
	set ...btclog.Handler) *handlerSet {

	h := &handlerSet{
		set:   set,
		level: level,
	}
	h.SetLevel(level)

	return h
}

// Enabled reports whether any of the members would handle a record at the
// given level.
func (h *handlerSet) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.set {
		if handler.Enabled(ctx, level) {
			return true
		}
	}

	return false
}

// Handle passes the record to every member of the set.
func (h *handlerSet) Handle(ctx context.Context, record slog.Record) error {
	for _, handler := range h.set {
		if !handler.Enabled(ctx, record.Level) {
			continue
		}

		if err := handler.Handle(ctx, record.Clone()); err != nil {
			return err
		}
	}

	return nil
}

// WithAttrs returns a new set whose members all carry attrs.
func (h *handlerSet) WithAttrs(attrs []slog.Attr) slog.Handler {
	return h.derive(func(handler btclog.Handler) btclog.Handler {
		return handler.WithAttrs(attrs).(btclog.Handler)
	})
}

// WithGroup returns a new set whose members all open the named group.
func (h *handlerSet) WithGroup(name string) slog.Handler {
	return h.derive(func(handler btclog.Handler) btclog.Handler {
		return handler.WithGroup(name).(btclog.Handler)
	})
}

// SubSystem returns a copy of the set tagged with the given subsystem.
func (h *handlerSet) SubSystem(tag string) btclog.Handler {
	return h.derive(func(handler btclog.Handler) btclog.Handler {
		return handler.SubSystem(tag)
	})
}

// WithPrefix returns a copy of the set whose members prefix every message.
func (h *handlerSet) WithPrefix(prefix string) btclog.Handler {
	return h.derive(func(handler btclog.Handler) btclog.Handler {
		return handler.WithPrefix(prefix)
	})
}

// SetLevel changes the level of every member.
func (h *handlerSet) SetLevel(level btclogv1.Level) {
	for _, handler := range h.set {
		handler.SetLevel(level)
	}
	h.level = level
}

// Level returns the level shared by the members.
func (h *handlerSet) Level() btclogv1.Level {
	return h.level
}

func (h *handlerSet) derive(
	f func(btclog.Handler) btclog.Handler) *handlerSet {

	set := make([]btclog.Handler, 0, len(h.set))
	for _, handler := range h.set {
		set = append(set, f(handler))
	}

	return &handlerSet{
		level: h.level,
		set:   set,
	}
}
