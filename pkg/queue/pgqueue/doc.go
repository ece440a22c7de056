// Package pgqueue implements the queue.Driver contract on PostgreSQL using
// pgx/v5.
//
// Claims run inside a transaction as SELECT ... FOR UPDATE SKIP LOCKED
// followed by a conditional UPDATE: concurrent claimants skip rows already
// row-locked by another transaction, guaranteeing no double-claim without
// blocking. Fencing is a conditional update on lock_token.
//
// Push-based wakeup uses LISTEN/NOTIFY: every successful enqueue emits a
// pg_notify on the queuekit_enqueue channel with the queue name as payload,
// and Listener exposes those notifications through the queue.Listener
// contract. A notification without a payload broadcasts to all subscribers.
//
// The schema is migrated on Open from migrations embedded in the package,
// using goose through pkg/pg.
package pgqueue
