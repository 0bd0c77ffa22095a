// Package dispatch runs task callbacks on a single foreground goroutine.
//
// Callbacks are executed one at a time in the order they were dispatched.
// Dispatch never waits for a callback, so it is safe to call from workers.
package dispatch

import (
	"log/slog"
	"sync"

	"github.com/objectfs/tiercache/pkg/errors"
)

// Loop is an unbounded multi-producer single-consumer callback queue with
// its own consumer goroutine.
type Loop struct {
	logger *slog.Logger

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []func()
	closed bool

	done chan struct{}
}

// NewLoop starts a dispatch loop. A nil logger uses slog.Default.
func NewLoop(logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Loop{
		logger: logger.With("component", "dispatch"),
		done:   make(chan struct{}),
	}
	l.cond = sync.NewCond(&l.mu)
	go l.consume()
	return l
}

// Dispatch queues fn. Callbacks dispatched after Close are dropped.
func (l *Loop) Dispatch(fn func()) {
	if fn == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		l.logger.Warn("callback dropped after close")
		return
	}
	l.queue = append(l.queue, fn)
	l.cond.Signal()
}

// Flush blocks until every callback dispatched before it has run.
func (l *Loop) Flush() error {
	marker := make(chan struct{})

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return errors.NewError(errors.ErrCodeShutdownInProgress, "dispatch loop is closed").
			WithComponent("dispatch")
	}
	l.queue = append(l.queue, func() { close(marker) })
	l.cond.Signal()
	l.mu.Unlock()

	<-marker
	return nil
}

// Close runs the callbacks still queued, then stops the loop.
func (l *Loop) Close() {
	l.mu.Lock()
	if !l.closed {
		l.closed = true
		l.cond.Broadcast()
	}
	l.mu.Unlock()
	<-l.done
}

func (l *Loop) consume() {
	defer close(l.done)

	for {
		l.mu.Lock()
		for len(l.queue) == 0 && !l.closed {
			l.cond.Wait()
		}
		if len(l.queue) == 0 {
			l.mu.Unlock()
			return
		}
		batch := l.queue
		l.queue = nil
		l.mu.Unlock()

		for _, fn := range batch {
			l.run(fn)
		}
	}
}

func (l *Loop) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("callback panicked", "panic", r)
		}
	}()
	fn()
}

// Inline runs callbacks on the calling goroutine.
type Inline struct{}

// Dispatch calls fn immediately.
func (Inline) Dispatch(fn func()) {
	if fn != nil {
		fn()
	}
}
