package worker

import (
	"container/list"
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/objectfs/tiercache/pkg/errors"
)

// Func is the body of a task. It receives the task's current value as input
// and returns the output. The context is canceled when the task is canceled
// with interruption allowed; observing it is up to the body.
type Func func(ctx context.Context, in any) (any, error)

// Status is the lifecycle state of a task.
type Status int32

const (
	StatusReady Status = iota
	StatusPending
	StatusStarted
	StatusFinished
	StatusCanceled
	StatusException
)

// String returns the state name
func (s Status) String() string {
	switch s {
	case StatusReady:
		return "READY"
	case StatusPending:
		return "PENDING"
	case StatusStarted:
		return "STARTED"
	case StatusFinished:
		return "FINISHED"
	case StatusCanceled:
		return "CANCELED"
	case StatusException:
		return "EXCEPTION"
	default:
		return "UNKNOWN"
	}
}

// IsTerminal reports whether s is FINISHED, CANCELED or EXCEPTION.
func (s Status) IsTerminal() bool {
	return s == StatusFinished || s == StatusCanceled || s == StatusException
}

// Task is a unit of asynchronous work: a body, its current value and a
// lifecycle state. A task is queued at most once at a time.
type Task struct {
	name string
	fn   Func

	mu         sync.Mutex
	status     Status
	value      any
	err        error
	next       *Task
	priority   Priority
	pool       *Pool
	gen        uint64
	done       chan struct{}
	closed     bool
	cancel     context.CancelFunc
	ctx        context.Context
	onCanceled func(*Task)
	onFinished func(*Task)

	// queue position, guarded by pool.mu
	lane *lane
	elem *list.Element
}

// NewTask creates a READY task that will run fn with input.
func NewTask(fn Func, input any) *Task {
	return &Task{
		fn:       fn,
		value:    input,
		status:   StatusReady,
		priority: PriorityNormal,
		done:     make(chan struct{}),
	}
}

// Completed returns a task that is already FINISHED with value.
func Completed(value any) *Task {
	t := NewTask(nil, value)
	t.status = StatusFinished
	t.closeDone()
	return t
}

// Named sets a name used in logs.
func (t *Task) Named(name string) *Task {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.name = name
	return t
}

// Name returns the task name.
func (t *Task) Name() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.name == "" {
		return fmt.Sprintf("task-%p", t)
	}
	return t.name
}

// OnCanceled registers a hook run on the UI dispatcher when the task ends
// CANCELED or EXCEPTION.
func (t *Task) OnCanceled(hook func(*Task)) *Task {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onCanceled = hook
	return t
}

// OnFinished registers a hook run on the UI dispatcher when the task ends FINISHED.
func (t *Task) OnFinished(hook func(*Task)) *Task {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onFinished = hook
	return t
}

// Status returns the current state.
func (t *Task) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Value returns the current value: the input until the task runs, the output after.
func (t *Task) Value() any {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.value
}

// Err returns the error recorded by a CANCELED or EXCEPTION task.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Priority returns the priority of the last submission.
func (t *Task) Priority() Priority {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.priority
}

// SetInput replaces the input of a task that is not queued or running.
func (t *Task) SetInput(input any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status == StatusPending || t.status == StatusStarted {
		return t.stateError("SetInput")
	}
	t.value = input
	return nil
}

// Done returns a channel closed when the current run reaches a terminal state.
func (t *Task) Done() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.done
}

// Chain makes next run with this task's output once this task finishes,
// and returns next so chains can be built fluently. A failure or
// cancellation of this task cancels next and everything chained after it.
// Chaining onto a task that already finished submits next to the pool.
func (t *Task) Chain(next *Task) *Task {
	t.mu.Lock()
	t.next = next
	status, value, pool, priority, err := t.status, t.value, t.pool, t.priority, t.err
	t.mu.Unlock()

	switch status {
	case StatusFinished:
		if next.SetInput(value) == nil {
			if pool != nil {
				if serr := pool.Submit(next, priority); serr != nil {
					next.cancelChain(serr)
				}
			} else {
				next.runChained(value, nil)
			}
		}
	case StatusCanceled, StatusException:
		next.cancelChain(err)
	}
	return next
}

// Fork submits the task to the pool it is bound to.
func (t *Task) Fork(priority Priority) error {
	t.mu.Lock()
	pool := t.pool
	t.mu.Unlock()
	if pool == nil {
		return errors.NewError(errors.ErrCodeInvalidState, "task is not bound to a pool").
			WithComponent("worker").
			WithOperation("Fork")
	}
	return pool.Submit(t, priority)
}

// Cancel moves a READY or PENDING task to CANCELED and removes it from its
// queue. A STARTED task is canceled only when mayInterrupt is set, in which
// case its context is canceled and the body may still run to completion.
// Cancel returns false when nothing changed.
func (t *Task) Cancel(mayInterrupt bool) bool {
	t.mu.Lock()
	prev := t.status
	switch prev {
	case StatusReady, StatusPending:
	case StatusStarted:
		if !mayInterrupt {
			t.mu.Unlock()
			return false
		}
	default:
		t.mu.Unlock()
		return false
	}

	t.status = StatusCanceled
	t.err = errors.NewError(errors.ErrCodeOperationCanceled, "task canceled").
		WithComponent("worker").
		WithContext("task", t.nameLocked())
	t.stopLocked()
	next, pool, cause := t.next, t.pool, t.err
	t.mu.Unlock()

	if prev == StatusPending && pool != nil {
		pool.TryUnsubmit(t)
	}
	t.notify(StatusCanceled)
	if next != nil {
		next.cancelChain(cause)
	}
	return true
}

// Join waits up to timeout for the task to reach a terminal state. A task
// still PENDING is taken off its queue and run on the calling goroutine.
// Join returns the output, or fails with OPERATION_TIMEOUT,
// OPERATION_CANCELED or EXECUTION_FAILED. A timeout does not cancel the task.
func (t *Task) Join(timeout time.Duration) (any, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return t.JoinContext(ctx)
}

// JoinContext is Join bounded by ctx instead of a timeout.
func (t *Task) JoinContext(ctx context.Context) (any, error) {
	t.mu.Lock()
	status, pool := t.status, t.pool
	t.mu.Unlock()

	if status == StatusPending && pool != nil && pool.TryUnsubmit(t) {
		pool.execute(t, laneInline)
	}

	done := t.Done()
	select {
	case <-done:
		return t.result()
	default:
	}

	select {
	case <-done:
		return t.result()
	case <-ctx.Done():
		if stderrors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, errors.NewError(errors.ErrCodeOperationTimeout, "join timed out").
				WithComponent("worker").
				WithOperation("Join").
				WithContext("task", t.Name())
		}
		return nil, errors.Wrap(ctx.Err(), errors.ErrCodeOperationCanceled, "join abandoned").
			WithComponent("worker").
			WithOperation("Join")
	}
}

func (t *Task) result() (any, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch t.status {
	case StatusFinished:
		return t.value, nil
	case StatusCanceled:
		return nil, t.err
	case StatusException:
		return nil, errors.Wrap(t.err, errors.ErrCodeExecutionFailed, "task failed").
			WithComponent("worker").
			WithContext("task", t.nameLocked())
	default:
		return nil, t.stateError("Join")
	}
}

// prepare moves the task to PENDING for a new run. Called with pool.mu held.
func (t *Task) prepare(p *Pool, priority Priority) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch t.status {
	case StatusReady, StatusFinished, StatusCanceled:
	default:
		return t.stateError("Submit")
	}

	t.resetLocked()
	t.status = StatusPending
	t.pool = p
	t.priority = priority
	return nil
}

// abandon undoes prepare when the task could not be queued.
func (t *Task) abandon(cause error) {
	t.mu.Lock()
	if t.status != StatusPending {
		t.mu.Unlock()
		return
	}
	t.status = StatusCanceled
	t.err = cause
	t.stopLocked()
	next := t.next
	t.mu.Unlock()

	if next != nil {
		next.cancelChain(cause)
	}
}

func (t *Task) resetLocked() {
	if t.closed {
		t.done = make(chan struct{})
		t.closed = false
	}
	t.gen++
	t.err = nil
	t.ctx, t.cancel = context.WithCancel(context.Background())
}

// run executes a PENDING task on the calling goroutine and returns the
// state it ended in. Tasks canceled before they start are skipped.
func (t *Task) run() Status {
	t.mu.Lock()
	if t.status != StatusPending {
		status := t.status
		t.mu.Unlock()
		return status
	}
	t.status = StatusStarted
	in, ctx, gen, fn := t.value, t.ctx, t.gen, t.fn
	t.mu.Unlock()

	out, err := invoke(ctx, fn, in)
	return t.complete(gen, out, err)
}

func invoke(ctx context.Context, fn Func, in any) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf(errors.ErrCodePanicRecovered, "task body panicked: %v", r).
				WithComponent("worker").
				WithStack()
		}
	}()
	if fn == nil {
		return in, nil
	}
	return fn(ctx, in)
}

func (t *Task) complete(gen uint64, out any, err error) Status {
	t.mu.Lock()
	if t.gen != gen || t.status != StatusStarted {
		// canceled with interruption, or already resubmitted
		status := t.status
		t.mu.Unlock()
		return status
	}

	switch {
	case err == nil:
		t.status = StatusFinished
		t.value = out
	case isCancellation(err):
		t.status = StatusCanceled
		if errors.HasCode(err, errors.ErrCodeOperationCanceled) {
			t.err = err
		} else {
			t.err = errors.Wrap(err, errors.ErrCodeOperationCanceled, "task body canceled").
				WithComponent("worker")
		}
	default:
		t.status = StatusException
		t.err = err
	}
	t.stopLocked()
	status, next, value, cause, pool := t.status, t.next, t.value, t.err, t.pool
	t.mu.Unlock()

	if status == StatusException && pool != nil {
		pool.logger.Warn("task failed", "task", t.Name(), "error", cause)
	}
	t.notify(status)

	if next != nil {
		if status == StatusFinished {
			next.runChained(value, pool)
		} else {
			next.cancelChain(cause)
		}
	}
	return status
}

// runChained runs a chained task synchronously with the parent's output.
func (t *Task) runChained(input any, pool *Pool) {
	t.mu.Lock()
	switch t.status {
	case StatusReady, StatusFinished:
	default:
		// canceled on its own, queued elsewhere, or failed for good
		t.mu.Unlock()
		return
	}
	t.resetLocked()
	t.value = input
	t.status = StatusPending
	if t.pool == nil {
		t.pool = pool
	}
	t.mu.Unlock()

	t.run()
}

// cancelChain cancels t and every task chained after it because a
// predecessor did not finish.
func (t *Task) cancelChain(cause error) {
	for n := t; n != nil; {
		n.mu.Lock()
		prev := n.status
		if prev == StatusStarted || prev == StatusException {
			n.mu.Unlock()
			return
		}
		changed := prev != StatusCanceled
		if changed {
			n.status = StatusCanceled
			n.err = errors.Wrap(cause, errors.ErrCodeOperationCanceled, "predecessor did not finish").
				WithComponent("worker").
				WithContext("task", n.nameLocked())
			n.stopLocked()
		}
		next, pool := n.next, n.pool
		n.mu.Unlock()

		if prev == StatusPending && pool != nil {
			pool.TryUnsubmit(n)
		}
		if changed {
			n.notify(StatusCanceled)
		}
		n = next
	}
}

// stopLocked cancels the body context and releases joiners.
func (t *Task) stopLocked() {
	if t.cancel != nil {
		t.cancel()
	}
	t.closeDone()
}

func (t *Task) closeDone() {
	if !t.closed {
		close(t.done)
		t.closed = true
	}
}

// notify schedules the completion or cancellation hook on the dispatcher.
func (t *Task) notify(status Status) {
	t.mu.Lock()
	hook := t.onCanceled
	if status == StatusFinished {
		hook = t.onFinished
	}
	pool := t.pool
	t.mu.Unlock()

	if hook == nil {
		return
	}
	if pool == nil {
		hook(t)
		return
	}
	pool.Dispatch(func() { hook(t) })
}

func (t *Task) nameLocked() string {
	if t.name == "" {
		return fmt.Sprintf("task-%p", t)
	}
	return t.name
}

func (t *Task) stateError(operation string) error {
	return errors.Newf(errors.ErrCodeInvalidState, "task %s is %s", t.nameLocked(), t.status).
		WithComponent("worker").
		WithOperation(operation)
}

func isCancellation(err error) bool {
	return errors.HasCode(err, errors.ErrCodeOperationCanceled) || stderrors.Is(err, context.Canceled)
}
