// Package klog wraps log/slog with the kernel's double-fault logging
// discipline: on panic, the kernel logs the message to the raw console
// directly, bypassing the logger lock, then panics; it makes no SBI call
// to stop the hart. Everyday
// logging goes through the structured *slog.Logger with a level-gated text
// handler; a panic path instead writes a plain line straight to a raw
// console handle so a wedged or contended logger can never suppress the
// last message the kernel gets to emit.
package klog

import (
	"fmt"
	"io"
	"log/slog"
	"os"
)

// Logger is the kernel's logging handle: a *slog.Logger for ordinary
// structured logging, plus the raw console write used only for the
// panic/double-fault path.
type Logger struct {
	*slog.Logger
	console io.Writer
}

// New builds a Logger whose structured output goes to w at the given
// level, via slog.NewTextHandler + slog.HandlerOptions. console receives
// only the raw Fatal path's direct write; pass w itself when there is no
// separate early-boot console.
func New(w io.Writer, console io.Writer, level slog.Leveler) *Logger {
	return &Logger{
		Logger:  slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})),
		console: console,
	}
}

// Default returns a Logger writing to os.Stderr at slog.LevelInfo, the
// harness's out-of-the-box choice absent a `log-filter` bootarg.
func Default() *Logger {
	return New(os.Stderr, os.Stderr, slog.LevelInfo)
}

// Fatal writes msg directly to the raw console, bypassing the structured
// logger entirely, then panics with msg. This is the kernel's
// double-fault path: a logger whose own lock is the thing wedged must
// never be the thing a panic tries to acquire.
func (l *Logger) Fatal(msg string, args ...any) {
	fmt.Fprintf(l.console, "panic: %s %v\n", msg, args)
	panic(msg)
}

// SetLevel adjusts verbosity at runtime for a Logger built with a
// *slog.LevelVar. The boot harness passes New a fixed slog.Level chosen
// from the log-filter bootarg and does not call SetLevel.
func SetLevel(v *slog.LevelVar, level slog.Level) {
	v.Set(level)
}
