package pg

import "context"

// logger is the minimal surface migrate needs to route goose output through
// the application's structured logger instead of stdout. *slog.Logger
// satisfies it.
type logger interface {
	InfoContext(ctx context.Context, msg string, args ...any)
	ErrorContext(ctx context.Context, msg string, args ...any)
}
