package redisqueue

import (
	"context"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/dmitrymomot/queuekit/pkg/queue"
)

// Listener implements queue.Listener over Redis pub/sub. The enqueue
// script publishes the queue name on one shared channel; each message fans
// out to the in-process subscribers for that queue.
type Listener struct {
	pubsub *redis.PubSub
	logger *slog.Logger
	inner  *queue.InProcessListener

	done chan struct{}
	once sync.Once
}

func newListener(client redis.UniversalClient, logger *slog.Logger) *Listener {
	l := &Listener{
		pubsub: client.Subscribe(context.Background(), keyPrefix+"notify"),
		logger: logger,
		inner:  queue.NewInProcessListener(),
		done:   make(chan struct{}),
	}
	go l.run()
	return l
}

// Subscribe implements queue.Listener
func (l *Listener) Subscribe(queueName string, fn func()) (func(), error) {
	return l.inner.Subscribe(queueName, fn)
}

// Close implements queue.Listener
func (l *Listener) Close() error {
	var err error
	l.once.Do(func() {
		err = l.pubsub.Close()
		<-l.done
	})
	if cerr := l.inner.Close(); err == nil {
		err = cerr
	}
	return err
}

func (l *Listener) run() {
	defer close(l.done)

	// Channel closes when the pubsub is closed; go-redis reconnects
	// underneath on transient failures
	for msg := range l.pubsub.Channel() {
		l.inner.Notify(msg.Payload)
	}
}
