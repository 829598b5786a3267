// Package logging holds the small amount of glue the daemon needs around
// pslog: a discard logger for optional dependencies, subsystem tagging and
// construction of the process-wide base logger.
package logging

import (
	"context"
	"io"
	"os"
	"strings"

	"pkt.systems/pslog"
)

// EnvPrefix is the environment prefix read by pslog.LoggerFromEnv,
// e.g. PHANTOM_LOG_LEVEL=debug.
const EnvPrefix = "PHANTOM_LOG_"

// Ensure returns l, or a disabled logger when l is nil.
func Ensure(l pslog.Logger) pslog.Logger {
	if l != nil {
		return l
	}
	return pslog.NoopLogger()
}

// Subsystem joins non-empty parts with dots.
func Subsystem(parts ...string) string {
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.Trim(p, ". ")
		if p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, ".")
}

// WithSubsystem tags every entry written through the returned logger.
func WithSubsystem(l pslog.Logger, parts ...string) pslog.Logger {
	name := Subsystem(parts...)
	l = Ensure(l)
	if name == "" {
		return l
	}
	return l.With("subsystem", name)
}

// New builds the base logger for a binary. level overrides the environment
// when it parses; w defaults to stderr.
func New(app string, level string, w io.Writer) pslog.Logger {
	if w == nil {
		w = os.Stderr
	}
	l := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix(EnvPrefix),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(w),
	)
	if lvl, ok := pslog.ParseLevel(strings.TrimSpace(level)); ok && level != "" {
		l = l.LogLevel(lvl)
	}
	if app != "" {
		l = l.With("app", app)
	}
	return l
}
