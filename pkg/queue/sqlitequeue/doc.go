// Package sqlitequeue implements queue.Driver on SQLite via database/sql
// and mattn/go-sqlite3, for single-process deployments that need durability
// without a database server.
//
// The pool is capped at one connection, so every statement is serialized by
// construction and the claim is a single UPDATE with a nested SELECT plus
// RETURNING (SQLite 3.35+). Timestamps are stored as integer milliseconds
// since the Unix epoch to keep comparisons exact across writers.
//
// SQLite has no push notification channel, so the driver reports
// NativeNotify false and workers fall back to queue.PollingListener or
// plain interval polling.
//
// Usage:
//
//	drv, err := sqlitequeue.Open("queue.db")
//	if err != nil {
//		return err
//	}
//	defer drv.Close()
//
//	client := queue.NewClient(drv)
package sqlitequeue
