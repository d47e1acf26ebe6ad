// Package logging provides structured, context-scoped logging shared by
// every component of the downloader.
package logging

import (
	"context"
	"os"

	charm "github.com/charmbracelet/log"
)

type ctxKey struct{}

// RequestIDKey is the context key under which a run or book correlation
// ID is stored.
var RequestIDKey = ctxKey{}

var handler = charm.NewWithOptions(os.Stderr, charm.Options{
	ReportTimestamp: true,
	Level:           charm.InfoLevel,
})

// SetVerbose raises the global log level to debug.
func SetVerbose(v bool) {
	if v {
		handler.SetLevel(charm.DebugLevel)
	}
}

// WithID attaches a correlation ID (book ID, run ID) to ctx so every log
// line emitted further down the call chain carries it.
func WithID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, RequestIDKey, id)
}

// Log returns a logger scoped to whatever correlation ID is present on ctx.
func Log(ctx context.Context) *charm.Logger {
	if id, ok := ctx.Value(RequestIDKey).(string); ok && id != "" {
		return handler.With("id", id)
	}
	return handler
}
