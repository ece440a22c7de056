// Package backend selects and opens a queue driver from environment
// configuration, so applications bind a backend at startup without
// backend-specific code at enqueue or worker call sites.
//
// Usage:
//
//	drv, err := backend.Open(ctx, logger)
//	if err != nil {
//		return err
//	}
//	defer drv.Close()
//
//	client := queue.NewClient(drv)
//
// QUEUE_BACKEND picks the driver: memory (default), postgres, sqlite, or
// redis. The postgres and redis backends read their connection settings
// from the pg and redis package environments (PG_CONN_URL, REDIS_URL and
// friends); the sqlite backend reads QUEUE_SQLITE_PATH.
package backend
