package queue

import (
	"sync"
	"time"
)

// Listener delivers queue-name notifications to subscribed callbacks. Three
// interchangeable transports exist: the in-process listener below (for
// single-process deployments and the memory driver), the polling listener
// (for backends without native notification), and the native push listeners
// shipped by the Postgres and Redis drivers. All expose identical
// subscribe semantics: unsubscribing one callback never affects other
// callbacks on the same or different queue names, and a notification
// without a queue payload broadcasts to all subscribers.
type Listener interface {
	// Subscribe registers fn for notifications on the named queue and
	// returns a function that removes exactly this registration.
	Subscribe(queue string, fn func()) (unsubscribe func(), err error)

	// Close tears the listener down; all subscriptions are dropped
	Close() error
}

// InProcessListener dispatches notifications synchronously to callbacks in
// the same process. The memory driver publishes into one on every enqueue.
type InProcessListener struct {
	mu     sync.RWMutex
	subs   map[string]map[int]func()
	nextID int
	closed bool
}

// NewInProcessListener creates an in-process notification listener
func NewInProcessListener() *InProcessListener {
	return &InProcessListener{
		subs: make(map[string]map[int]func()),
	}
}

// Subscribe implements Listener
func (l *InProcessListener) Subscribe(queue string, fn func()) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, ErrClosed
	}

	id := l.nextID
	l.nextID++
	if l.subs[queue] == nil {
		l.subs[queue] = make(map[int]func())
	}
	l.subs[queue][id] = fn

	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if cbs, ok := l.subs[queue]; ok {
			delete(cbs, id)
			if len(cbs) == 0 {
				delete(l.subs, queue)
			}
		}
	}, nil
}

// Notify fires all callbacks subscribed to the named queue. An empty queue
// name broadcasts to every subscriber.
func (l *InProcessListener) Notify(queue string) {
	l.mu.RLock()
	var fns []func()
	if queue == "" {
		for _, cbs := range l.subs {
			for _, fn := range cbs {
				fns = append(fns, fn)
			}
		}
	} else {
		for _, fn := range l.subs[queue] {
			fns = append(fns, fn)
		}
	}
	l.mu.RUnlock()

	// Callbacks run outside the lock so they may resubscribe or unsubscribe
	for _, fn := range fns {
		fn()
	}
}

// Close implements Listener
func (l *InProcessListener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	l.subs = make(map[string]map[int]func())
	return nil
}

// PollingListener fires every subscribed callback on a fixed interval,
// regardless of whether anything changed. It is the fallback transport for
// backends without native notification support.
type PollingListener struct {
	inner    *InProcessListener
	interval time.Duration
	done     chan struct{}
	once     sync.Once
}

// NewPollingListener creates a polling listener ticking at the given interval
func NewPollingListener(interval time.Duration) *PollingListener {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	p := &PollingListener{
		inner:    NewInProcessListener(),
		interval: interval,
		done:     make(chan struct{}),
	}
	go p.run()
	return p
}

func (p *PollingListener) run() {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.inner.Notify("")
		}
	}
}

// Subscribe implements Listener
func (p *PollingListener) Subscribe(queue string, fn func()) (func(), error) {
	return p.inner.Subscribe(queue, fn)
}

// Close implements Listener
func (p *PollingListener) Close() error {
	p.once.Do(func() { close(p.done) })
	return p.inner.Close()
}
