package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/queuekit/pkg/logger"
)

// WakeReason tells a waiter why its wait resolved
type WakeReason int

const (
	// WakeNotified means work was announced for the queue
	WakeNotified WakeReason = iota
	// WakeTimeout means the wait timed out without a notification
	WakeTimeout
)

// maxWakeupHorizon bounds how far ahead a scheduled wakeup timer may be
// armed. Anything further out is re-evaluated after the horizon elapses.
const maxWakeupHorizon = 24 * time.Hour

// minWakeupDelay floors the self-re-arming timer so a due time stuck in the
// past cannot spin the notify loop
const minWakeupDelay = 50 * time.Millisecond

// NextDueFunc reports the earliest upcoming time at which delayed or
// scheduled work becomes due on a queue, nil when there is none. Drivers
// expose this as NextScheduledAt.
type NextDueFunc func(ctx context.Context, queue string) (*time.Time, error)

type waiter struct {
	workerID uuid.UUID
	wake     chan struct{}
}

// Waitlist is a per-process registry of idle workers awaiting notification
// of new or due work. It exists so idle workers block instead of busy-poll,
// and sleep past delayed jobs instead of waking on every poll interval.
//
// Construct one per process or queue manager and inject it into workers and
// schedulers; it is deliberately not package-level state. Lifecycle is
// explicit: NewWaitlist then Close.
type Waitlist struct {
	mu      sync.Mutex
	waiters map[string][]*waiter
	timers  map[string]*time.Timer
	unsubs  []func()
	closed  bool

	nextDue NextDueFunc
	logger  *slog.Logger
}

// WaitlistOption is a functional option for configuring a Waitlist
type WaitlistOption func(*Waitlist)

// WithNextDue injects the function used by ScheduleNextWakeup to find the
// earliest upcoming due time for a queue
func WithNextDue(fn NextDueFunc) WaitlistOption {
	return func(w *Waitlist) {
		if fn != nil {
			w.nextDue = fn
		}
	}
}

// WithWaitlistLogger sets the logger for the waitlist
func WithWaitlistLogger(logger *slog.Logger) WaitlistOption {
	return func(w *Waitlist) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// NewWaitlist creates an empty waitlist
func NewWaitlist(opts ...WaitlistOption) *Waitlist {
	w := &Waitlist{
		waiters: make(map[string][]*waiter),
		timers:  make(map[string]*time.Timer),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Wait registers the worker on the queue's waitlist and blocks until a
// notification arrives, the timeout lapses, or ctx is cancelled. The waiter
// is always removed from the list when Wait returns, whatever the cause.
// Context cancellation reports as WakeTimeout so callers re-check their own
// shutdown state.
func (w *Waitlist) Wait(ctx context.Context, queue string, workerID uuid.UUID, timeout time.Duration) WakeReason {
	wt := &waiter{workerID: workerID, wake: make(chan struct{})}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return WakeTimeout
	}
	w.waiters[queue] = append(w.waiters[queue], wt)
	w.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-wt.wake:
		return WakeNotified
	case <-timer.C:
		w.remove(queue, wt)
		return WakeTimeout
	case <-ctx.Done():
		w.remove(queue, wt)
		return WakeTimeout
	}
}

// Notify wakes up to count waiters on the queue in FIFO registration order
// and returns the number actually woken.
func (w *Waitlist) Notify(queue string, count int) int {
	if count <= 0 {
		return 0
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	list := w.waiters[queue]
	n := min(count, len(list))
	for _, wt := range list[:n] {
		close(wt.wake)
	}
	w.waiters[queue] = append([]*waiter(nil), list[n:]...)
	return n
}

// NotifyAll wakes every waiter currently registered on the queue
func (w *Waitlist) NotifyAll(queue string) int {
	w.mu.Lock()
	defer w.mu.Unlock()

	list := w.waiters[queue]
	for _, wt := range list {
		close(wt.wake)
	}
	delete(w.waiters, queue)
	return len(list)
}

// ScheduleNextWakeup asks the injected next-due function for the earliest
// upcoming due time on the queue, bounded to the wakeup horizon, and arms a
// timer that calls NotifyAll at that time. The timer re-arms itself after
// firing, so one call keeps the queue's future wakeups flowing. Each call
// replaces the queue's previously armed timer.
func (w *Waitlist) ScheduleNextWakeup(ctx context.Context, queue string) {
	if w.nextDue == nil {
		return
	}

	due, err := w.nextDue(ctx, queue)
	if err != nil {
		w.logger.Warn("failed to look up next scheduled job time",
			logger.Queue(queue),
			logger.Error(err))
		return
	}

	delay := maxWakeupHorizon
	if due != nil {
		if d := time.Until(*due); d < delay {
			delay = d
		}
	}
	if delay < minWakeupDelay {
		delay = minWakeupDelay
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if t, ok := w.timers[queue]; ok {
		t.Stop()
	}
	w.timers[queue] = time.AfterFunc(delay, func() {
		w.NotifyAll(queue)
		w.ScheduleNextWakeup(ctx, queue)
	})
}

// Bind subscribes the waitlist to a listener transport so each notification
// on a queue wakes one waiting worker. The subscription is released on Close.
func (w *Waitlist) Bind(l Listener, queues ...string) error {
	for _, q := range queues {
		queue := q
		unsub, err := l.Subscribe(queue, func() {
			w.Notify(queue, 1)
		})
		if err != nil {
			return err
		}
		w.mu.Lock()
		w.unsubs = append(w.unsubs, unsub)
		w.mu.Unlock()
	}
	return nil
}

// Close wakes all remaining waiters, stops armed timers, and releases
// listener subscriptions. The waitlist must not be reused afterwards.
func (w *Waitlist) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	for _, list := range w.waiters {
		for _, wt := range list {
			close(wt.wake)
		}
	}
	w.waiters = make(map[string][]*waiter)
	for _, t := range w.timers {
		t.Stop()
	}
	w.timers = make(map[string]*time.Timer)
	unsubs := w.unsubs
	w.unsubs = nil
	w.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	return nil
}

func (w *Waitlist) remove(queue string, target *waiter) {
	w.mu.Lock()
	defer w.mu.Unlock()

	list := w.waiters[queue]
	for i, wt := range list {
		if wt == target {
			w.waiters[queue] = append(list[:i:i], list[i+1:]...)
			return
		}
	}
}
