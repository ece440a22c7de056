package pgqueue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dmitrymomot/queuekit/pkg/logger"
	"github.com/dmitrymomot/queuekit/pkg/queue"
)

// notifyChannel is the NOTIFY channel the driver publishes queue names to
// on every enqueue
const notifyChannel = "queuekit_enqueue"

// reconnectDelay paces LISTEN reconnect attempts after a dropped connection
const reconnectDelay = time.Second

// Listener implements queue.Listener over PostgreSQL LISTEN/NOTIFY. It
// holds one dedicated connection out of the pool and fans each received
// notification out to an in-process listener, so subscription semantics
// match the other transports exactly. An empty notification payload
// broadcasts to all subscribers.
type Listener struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	inner  *queue.InProcessListener

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func newListener(pool *pgxpool.Pool, logger *slog.Logger) *Listener {
	ctx, cancel := context.WithCancel(context.Background())
	l := &Listener{
		pool:   pool,
		logger: logger,
		inner:  queue.NewInProcessListener(),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go l.run(ctx)
	return l
}

// Subscribe implements queue.Listener
func (l *Listener) Subscribe(queueName string, fn func()) (func(), error) {
	return l.inner.Subscribe(queueName, fn)
}

// Close implements queue.Listener
func (l *Listener) Close() error {
	l.once.Do(func() {
		l.cancel()
		<-l.done
	})
	return l.inner.Close()
}

func (l *Listener) run(ctx context.Context) {
	defer close(l.done)

	for {
		if err := l.listen(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			l.logger.Warn("queue notification connection lost, reconnecting",
				slog.String("channel", notifyChannel),
				logger.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}

func (l *Listener) listen(ctx context.Context) error {
	pooled, err := l.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	// A connection that held LISTEN state must not return to the pool
	conn := pooled.Hijack()
	defer conn.Close(context.Background())

	if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		return err
	}

	for {
		notification, err := conn.WaitForNotification(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		l.inner.Notify(notification.Payload)
	}
}
