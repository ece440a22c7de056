// Package redisqueue implements queue.Driver on Redis via go-redis. Every
// state transition runs as an embedded Lua script, so claims, fenced
// completions, and key-based replacement are atomic without client-side
// locking.
//
// Layout per queue, under the "queuekit:" prefix: a hash per job, a ready
// sorted set scored by priority and enqueue sequence, a delayed sorted set
// scored by due time, a processing sorted set scored by lease expiry, and a
// recovery sorted set for reaped expired leases. Claims drain recovery
// before ready, so crashed work is retried first. Enqueues publish the
// queue name on a pub/sub channel that the Listener feeds into worker
// waitlists.
//
// Two capability limitations versus the SQL drivers: linear backoff
// degrades to fixed, and retried jobs are represented as delayed pending
// jobs rather than a distinct retry state. Key construction inside the
// scripts assumes a non-clustered deployment.
package redisqueue
