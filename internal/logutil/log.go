// Package logutil provides the small, context-carrying logging surface
// used throughout storagecore. It mirrors the Infof/Warningf/VEventf
// shape call sites expect, backed by log/slog. Messages are formatted
// with redact.Sprintf and then stripped of redaction markers, so the
// text written to the sink is the plain, unredacted message.
package logutil

import (
	"context"
	"log/slog"
	"os"

	"github.com/cockroachdb/redact"
)

var sink = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{}))

// SetOutput redirects subsequent log output to h.
func SetOutput(h slog.Handler) {
	sink = slog.New(h)
}

// Infof logs at informational level.
func Infof(ctx context.Context, format string, args ...interface{}) {
	sink.InfoContext(ctx, redact.Sprintf(format, args...).StripMarkers())
}

// Warningf logs at warning level, used for contention and retries that
// are expected but worth a human's attention.
func Warningf(ctx context.Context, format string, args ...interface{}) {
	sink.WarnContext(ctx, redact.Sprintf(format, args...).StripMarkers())
}

// Errorf logs at error level for failures the caller is about to
// propagate.
func Errorf(ctx context.Context, format string, args ...interface{}) {
	sink.ErrorContext(ctx, redact.Sprintf(format, args...).StripMarkers())
}

// VEventf logs at informational level. The level argument mirrors call
// sites that carry a verbosity; it is accepted but does not filter
// output, so every VEventf call is logged.
func VEventf(ctx context.Context, level int32, format string, args ...interface{}) {
	_ = level
	Infof(ctx, format, args...)
}

// Fatalf logs at error level and then panics, matching the teacher's
// practice of treating truly unreachable states as process-fatal rather
// than silently continuing.
func Fatalf(ctx context.Context, format string, args ...interface{}) {
	msg := redact.Sprintf(format, args...).StripMarkers()
	sink.ErrorContext(ctx, msg)
	panic(msg)
}
