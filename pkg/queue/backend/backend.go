package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dmitrymomot/queuekit/pkg/config"
	"github.com/dmitrymomot/queuekit/pkg/pg"
	"github.com/dmitrymomot/queuekit/pkg/queue"
	"github.com/dmitrymomot/queuekit/pkg/queue/pgqueue"
	"github.com/dmitrymomot/queuekit/pkg/queue/redisqueue"
	"github.com/dmitrymomot/queuekit/pkg/queue/sqlitequeue"
	redispkg "github.com/dmitrymomot/queuekit/pkg/redis"
)

// Supported backend names
const (
	Memory   = "memory"
	Postgres = "postgres"
	SQLite   = "sqlite"
	Redis    = "redis"
)

// ErrUnknownBackend is returned when QUEUE_BACKEND names no known driver
var ErrUnknownBackend = errors.New("unknown queue backend")

// Config selects the storage backend from the environment
type Config struct {
	Backend    string `env:"QUEUE_BACKEND" envDefault:"memory"`
	SQLitePath string `env:"QUEUE_SQLITE_PATH" envDefault:"queue.db"`
}

// Open reads QUEUE_BACKEND and returns the matching driver, connected and
// migrated where applicable.
func Open(ctx context.Context, logger *slog.Logger) (queue.Driver, error) {
	var cfg Config
	if err := config.Load(&cfg); err != nil {
		return nil, err
	}
	return OpenBackend(ctx, cfg, logger)
}

// OpenBackend opens the named backend with an explicit config, bypassing
// the environment for the selection itself.
func OpenBackend(ctx context.Context, cfg Config, logger *slog.Logger) (queue.Driver, error) {
	switch cfg.Backend {
	case Memory, "":
		return queue.NewMemoryDriver(), nil

	case Postgres:
		var pgCfg pg.Config
		if err := config.Load(&pgCfg); err != nil {
			return nil, err
		}
		return pgqueue.Open(ctx, pgCfg, logger)

	case SQLite:
		return sqlitequeue.Open(cfg.SQLitePath)

	case Redis:
		var redisCfg redispkg.Config
		if err := config.Load(&redisCfg); err != nil {
			return nil, err
		}
		return redisqueue.Open(ctx, redisCfg, logger)

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Backend)
	}
}
