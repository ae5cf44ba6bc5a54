package buildsys

import (
	"context"

	"github.com/rs/zerolog"
)

type logKey struct{}

// WithLogger attaches the given logger to the context. Everything in this
// package logs through the context so callers control the sink.
func WithLogger(ctx context.Context, logger *zerolog.Logger) context.Context {
	return context.WithValue(ctx, logKey{}, logger)
}

func log(ctx context.Context) *zerolog.Logger {
	logger, ok := ctx.Value(logKey{}).(*zerolog.Logger)
	if !ok {
		panic("Logger is missing in context!")
	}

	return logger
}

// taskLog returns a logger scoped to the given task. The console writer
// renders the task field as a line prefix.
func taskLog(ctx context.Context, short string) *zerolog.Logger {
	logger := log(ctx).With().Str("task", short).Logger()
	return &logger
}
