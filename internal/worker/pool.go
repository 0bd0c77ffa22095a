package worker

import (
	"container/list"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/objectfs/tiercache/internal/metrics"
	"github.com/objectfs/tiercache/pkg/errors"
	"github.com/objectfs/tiercache/pkg/types"
)

// Priority selects the shared lane a task is queued on.
type Priority int

const (
	PriorityHigh Priority = iota
	PriorityNormal
	PriorityLow
)

// String returns the lane name for the priority
func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return laneHigh
	case PriorityNormal:
		return laneNormal
	case PriorityLow:
		return laneLow
	default:
		return "unknown"
	}
}

// ParsePriority converts a lane name into a Priority
func ParsePriority(s string) (Priority, error) {
	switch s {
	case laneHigh, "HIGH":
		return PriorityHigh, nil
	case laneNormal, "NORMAL", "":
		return PriorityNormal, nil
	case laneLow, "LOW":
		return PriorityLow, nil
	default:
		return PriorityNormal, errors.Newf(errors.ErrCodeInvalidArgument, "unknown priority %q", s).
			WithComponent("worker")
	}
}

const (
	laneHigh     = "high"
	laneNormal   = "normal"
	laneLow      = "low"
	laneSerial   = "serial"
	laneShutdown = "shutdown"
	laneInline   = "inline"
)

type lane struct {
	name  string
	tasks *list.List
}

func newLane(name string) *lane {
	return &lane{name: name, tasks: list.New()}
}

// Config represents worker pool configuration
type Config struct {
	// Workers is the number of worker goroutines
	Workers int `yaml:"workers"`

	// ShutdownGrace bounds how long a blocking Shutdown waits for workers
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`

	// Dispatcher runs completion and cancellation hooks; nil runs them
	// on the goroutine that completed the task.
	Dispatcher types.Dispatcher `yaml:"-"`

	Metrics *metrics.Collector `yaml:"-"`
	Logger  *slog.Logger       `yaml:"-"`
}

// Pool is a fixed set of workers draining prioritized lanes. Every worker
// owns a serial lane whose tasks only it runs, in submission order. LOW
// tasks are only started while another worker stays available for
// HIGH and NORMAL work.
type Pool struct {
	config     *Config
	dispatcher types.Dispatcher
	metrics    *metrics.Collector
	logger     *slog.Logger

	mu       sync.Mutex
	cond     *sync.Cond
	high     *lane
	normal   *lane
	low      *lane
	shutdown *lane
	serial   []*lane
	idle     int
	live     int
	draining bool

	wg sync.WaitGroup

	completed atomic.Uint64
	failed    atomic.Uint64
	canceled  atomic.Uint64
}

// NewPool creates a pool and starts its workers
func NewPool(config *Config) (*Pool, error) {
	if config == nil {
		config = &Config{
			Workers:       4,
			ShutdownGrace: 3 * time.Second,
		}
	}
	if config.Workers <= 0 {
		return nil, errors.Newf(errors.ErrCodeInvalidArgument, "worker count must be positive, got %d", config.Workers).
			WithComponent("worker")
	}
	if config.ShutdownGrace <= 0 {
		config.ShutdownGrace = 3 * time.Second
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	p := &Pool{
		config:     config,
		dispatcher: config.Dispatcher,
		metrics:    config.Metrics,
		logger:     logger.With("component", "worker"),
		high:       newLane(laneHigh),
		normal:     newLane(laneNormal),
		low:        newLane(laneLow),
		shutdown:   newLane(laneShutdown),
		serial:     make([]*lane, config.Workers),
		live:       config.Workers,
	}
	p.cond = sync.NewCond(&p.mu)

	for i := range p.serial {
		p.serial[i] = newLane(laneSerial)
	}

	p.wg.Add(config.Workers)
	for i := 0; i < config.Workers; i++ {
		go p.worker(i)
	}

	p.logger.Debug("worker pool started", "workers", config.Workers)
	return p, nil
}

// Size returns the number of workers
func (p *Pool) Size() int {
	return p.config.Workers
}

// NewTask creates a READY task bound to this pool so it can be forked.
func (p *Pool) NewTask(fn Func, input any) *Task {
	t := NewTask(fn, input)
	t.pool = p
	return t
}

// Go creates a task and submits it in one step.
func (p *Pool) Go(fn Func, input any, priority Priority) (*Task, error) {
	t := p.NewTask(fn, input)
	if err := p.Submit(t, priority); err != nil {
		return t, err
	}
	return t, nil
}

// Dispatch runs fn on the configured dispatcher, or on the caller when the
// pool has none.
func (p *Pool) Dispatch(fn func()) {
	if p.dispatcher == nil {
		fn()
		return
	}
	p.dispatcher.Dispatch(fn)
}

// Submit queues a READY, FINISHED or CANCELED task on the shared lane for
// priority. HIGH tasks go to the front of their lane.
func (p *Pool) Submit(t *Task, priority Priority) error {
	var target *lane
	switch priority {
	case PriorityHigh:
		target = p.high
	case PriorityNormal:
		target = p.normal
	case PriorityLow:
		target = p.low
	default:
		return errors.Newf(errors.ErrCodeInvalidArgument, "unknown priority %d", priority).
			WithComponent("worker").
			WithOperation("Submit")
	}
	return p.enqueue(t, priority, target, priority == PriorityHigh, "Submit")
}

// SubmitSerial queues a task on the serial lane of worker idx.
func (p *Pool) SubmitSerial(t *Task, idx int) error {
	if idx < 0 || idx >= len(p.serial) {
		return errors.Newf(errors.ErrCodeInvalidArgument, "serial worker %d out of range [0,%d)", idx, len(p.serial)).
			WithComponent("worker").
			WithOperation("SubmitSerial")
	}
	return p.enqueue(t, PriorityNormal, p.serial[idx], false, "SubmitSerial")
}

// SubmitShutdown queues a task that only runs once the pool drains. It is
// the one submission accepted while a shutdown is in progress.
func (p *Pool) SubmitShutdown(t *Task) error {
	return p.enqueue(t, PriorityLow, p.shutdown, false, "SubmitShutdown")
}

// TryUnsubmit removes a queued task from its lane. It returns false when the
// task is not queued, e.g. a worker already took it.
func (p *Pool) TryUnsubmit(t *Task) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if t.lane == nil {
		return false
	}
	t.lane.tasks.Remove(t.elem)
	p.metrics.SetQueueDepth(t.lane.name, t.lane.tasks.Len())
	t.lane, t.elem = nil, nil
	return true
}

// Shutdown stops accepting new work. Workers finish every queued task,
// then the shutdown lane, then exit. A blocking Shutdown waits for that
// up to the grace period and fails with OPERATION_TIMEOUT past it.
func (p *Pool) Shutdown(blocking bool) error {
	p.mu.Lock()
	if !p.draining {
		p.draining = true
		p.logger.Info("worker pool draining")
	}
	p.cond.Broadcast()
	p.mu.Unlock()

	if !blocking {
		return nil
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(p.config.ShutdownGrace)
	defer timer.Stop()

	select {
	case <-done:
		p.logger.Info("worker pool stopped")
		return nil
	case <-timer.C:
		return errors.Newf(errors.ErrCodeOperationTimeout, "workers still busy after %v", p.config.ShutdownGrace).
			WithComponent("worker").
			WithOperation("Shutdown")
	}
}

// Stats returns a snapshot of the pool
func (p *Pool) Stats() types.PoolStats {
	p.mu.Lock()
	serial := 0
	for _, l := range p.serial {
		serial += l.tasks.Len()
	}
	stats := types.PoolStats{
		Workers:  p.live,
		Idle:     p.idle,
		High:     p.high.tasks.Len(),
		Normal:   p.normal.tasks.Len(),
		Low:      p.low.tasks.Len(),
		Serial:   serial,
		Shutdown: p.shutdown.tasks.Len(),
		Draining: p.draining,
	}
	p.mu.Unlock()

	stats.Completed = p.completed.Load()
	stats.Failed = p.failed.Load()
	stats.Canceled = p.canceled.Load()
	return stats
}

// Helper methods

func (p *Pool) enqueue(t *Task, priority Priority, target *lane, front bool, operation string) error {
	if t == nil {
		return errors.NewError(errors.ErrCodeInvalidArgument, "nil task").
			WithComponent("worker").
			WithOperation(operation)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.draining && (target != p.shutdown || p.live == 0) {
		return errors.NewError(errors.ErrCodeShutdownInProgress, "worker pool is shutting down").
			WithComponent("worker").
			WithOperation(operation)
	}
	if t.lane != nil {
		return errors.NewError(errors.ErrCodeInvalidState, "task is already queued").
			WithComponent("worker").
			WithOperation(operation)
	}
	if err := t.prepare(p, priority); err != nil {
		return err
	}

	if front {
		t.elem = target.tasks.PushFront(t)
	} else {
		t.elem = target.tasks.PushBack(t)
	}
	t.lane = target
	p.metrics.SetQueueDepth(target.name, target.tasks.Len())

	if target.name == laneSerial || target == p.shutdown {
		// only one worker can take it
		p.cond.Broadcast()
	} else {
		p.cond.Signal()
	}
	return nil
}

func (p *Pool) worker(idx int) {
	defer p.wg.Done()
	counted := true
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("worker exited after internal panic", "worker", idx, "panic", r)
		}
		if counted {
			p.mu.Lock()
			p.live--
			p.cond.Broadcast()
			p.mu.Unlock()
		}
	}()

	for {
		t, laneName, ok := p.next(idx)
		if !ok {
			// next already took this worker out of live
			counted = false
			return
		}
		p.execute(t, laneName)
	}
}

// next blocks until worker idx has a task to run, or returns false once
// the pool is draining and nothing is left for it. A worker leaves live in
// the same critical section, so SubmitShutdown never admits a task that no
// worker will pick up.
func (p *Pool) next(idx int) (*Task, string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for {
		if t := p.pop(p.serial[idx]); t != nil {
			return t, laneSerial, true
		}
		if t := p.pop(p.high); t != nil {
			return t, laneHigh, true
		}
		if t := p.pop(p.normal); t != nil {
			return t, laneNormal, true
		}
		if p.draining {
			if t := p.pop(p.shutdown); t != nil {
				return t, laneShutdown, true
			}
		}
		if p.low.tasks.Len() > 0 && (p.idle > 0 || p.config.Workers == 1 || p.draining) {
			return p.pop(p.low), laneLow, true
		}
		if p.draining {
			p.live--
			p.cond.Broadcast()
			return nil, "", false
		}

		p.idle++
		p.cond.Wait()
		p.idle--
	}
}

func (p *Pool) pop(l *lane) *Task {
	elem := l.tasks.Front()
	if elem == nil {
		return nil
	}
	t := l.tasks.Remove(elem).(*Task)
	t.lane, t.elem = nil, nil
	p.metrics.SetQueueDepth(l.name, l.tasks.Len())
	return t
}

func (p *Pool) execute(t *Task, laneName string) {
	start := time.Now()
	status := t.run()

	switch status {
	case StatusFinished:
		p.completed.Add(1)
	case StatusException:
		p.failed.Add(1)
	case StatusCanceled:
		p.canceled.Add(1)
	}
	p.metrics.RecordTask(laneName, status.String(), time.Since(start))
}
