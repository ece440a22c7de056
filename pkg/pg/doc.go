// Package pg provides utilities for interacting with PostgreSQL using the
// pgx/v5 driver: connection pooling with retry, embedded schema migrations
// via goose/v3, health checks, and common error helpers.
//
// # Usage
//
//	var cfg pg.Config
//	if err := env.Parse(&cfg); err != nil {
//	    panic(err)
//	}
//
//	pool, err := pg.Connect(ctx, cfg)
//	if err != nil {
//	    panic(err)
//	}
//	defer pool.Close()
//
//	if err := pg.MigrateFS(ctx, pool, migrationsFS, "migrations", cfg, slog.Default()); err != nil {
//	    panic(err)
//	}
//
// # Error Handling
//
// Helpers such as [pg.IsDuplicateKeyError] unwrap `*pgconn.PgError` values
// returned by pgx and make error classification trivial inside business
// logic.
package pg
