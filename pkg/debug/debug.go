// Package debug holds the gateway's logger setup and its per-subsystem
// debug switches.
//
// A category (gateway, transformer, resilience, abtest, tools, mcp, auth,
// transport, config or "all") turns on debug records for one subsystem.
// The level decides which records reach the output at all, so a category
// only shows up when the level is DEBUG or TRACE.
//
//	debug.Log("resilience", "breaker opened", "engine", name)
//
// CHATGATE_DEBUG and CHATGATE_LOG_LEVEL override the configured values.
package debug

import (
	"context"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"
	"sync/atomic"
)

// LevelTrace sits below slog.LevelDebug and is rendered as "TRACE".
const LevelTrace = slog.LevelDebug - 4

// Options configure Setup.
type Options struct {
	Categories string
	Level      string
	Format     string // "json" or "text"
	Output     io.Writer
}

var (
	active atomic.Pointer[set]
	level  slog.LevelVar
)

type set map[string]struct{}

func init() {
	enable(os.Getenv("CHATGATE_DEBUG"))
}

// Setup applies opts, with the environment taking precedence, and installs
// the resulting logger as the slog default.
func Setup(opts Options) {
	enable(firstNonEmpty(os.Getenv("CHATGATE_DEBUG"), opts.Categories))
	level.Set(ParseLevel(firstNonEmpty(os.Getenv("CHATGATE_LOG_LEVEL"), opts.Level)))

	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	slog.SetDefault(slog.New(NewHandler(out, opts.Format, &level)))
}

// SetLevel changes the level of the logger installed by Setup.
func SetLevel(l slog.Level) { level.Set(l) }

// NewHandler returns a JSON or text handler that prints LevelTrace by name.
func NewHandler(w io.Writer, format string, lvl slog.Leveler) slog.Handler {
	opts := &slog.HandlerOptions{Level: lvl, ReplaceAttr: traceName}
	if strings.EqualFold(format, "json") {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

func traceName(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.LevelKey {
		if l, ok := a.Value.Any().(slog.Level); ok && l == LevelTrace {
			a.Value = slog.StringValue("TRACE")
		}
	}
	return a
}

// Enabled reports whether category is switched on.
func Enabled(category string) bool {
	s := *active.Load()
	if _, ok := s["all"]; ok {
		return true
	}
	_, ok := s[category]
	return ok
}

// Log writes a debug record tagged with category when it is enabled.
func Log(category, msg string, args ...any) {
	emit(slog.LevelDebug, category, msg, args)
}

// Trace is Log at LevelTrace.
func Trace(category, msg string, args ...any) {
	emit(LevelTrace, category, msg, args)
}

func emit(l slog.Level, category, msg string, args []any) {
	if !Enabled(category) {
		return
	}
	slog.Default().With(slog.String("debug", category)).Log(context.Background(), l, msg, args...)
}

// ParseLevel maps a level name to a slog.Level. Unknown names mean INFO.
func ParseLevel(s string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "TRACE":
		return LevelTrace
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// Categories lists the enabled categories in sorted order.
func Categories() []string {
	s := *active.Load()
	out := make([]string, 0, len(s))
	for c := range s {
		out = append(out, c)
	}
	slices.Sort(out)
	return out
}

func enable(list string) {
	s := set{}
	for c := range strings.SplitSeq(list, ",") {
		if c = strings.ToLower(strings.TrimSpace(c)); c != "" {
			s[c] = struct{}{}
		}
	}
	active.Store(&s)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
