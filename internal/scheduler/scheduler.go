// Package scheduler retires transient UI decorations after a delay.
//
// Tasks count down independently but execute strictly in enqueue order, one
// at a time, so that parallel cleanups never trip the platform's per-actor
// rate limit. Cleanup is best effort: a failed action is logged and dropped.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var ErrAlreadyQueued = errors.New("scheduler: target already queued")

// Action performs the cleanup of a single target.
type Action[T comparable] func(ctx context.Context, target T) error

// Outcome classifies how a task left the queue.
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeBestEffortFailure
	OutcomeCancelled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeBestEffortFailure:
		return "best_effort_failure"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Result reports a finished task. Err is set only for OutcomeBestEffortFailure.
type Result[T comparable] struct {
	Target  T
	Outcome Outcome
	Err     error
}

type Config struct {
	// Tick is the countdown granularity; one tick removes one second of delay.
	Tick time.Duration
	// Poll is how often a ready task checks whether it reached the head of the queue.
	Poll time.Duration
	// ActionsPerSecond paces consecutive actions. Zero disables pacing.
	ActionsPerSecond float64
}

func DefaultConfig() Config {
	return Config{
		Tick:             time.Second,
		Poll:             100 * time.Millisecond,
		ActionsPerSecond: 1,
	}
}

type task struct {
	remaining atomic.Int64
	order     uint64
}

type Scheduler[T comparable] struct {
	cfg      Config
	action   Action[T]
	pacer    *rate.Limiter
	onResult func(Result[T])
	logger   *zap.Logger

	mu    sync.Mutex
	tasks map[T]*task
	queue []T
	seq   uint64

	// execMu keeps actions serialized even when a running task gets cancelled.
	execMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a scheduler running action for every due target. onResult may be nil.
func New[T comparable](cfg Config, action Action[T], onResult func(Result[T]), logger *zap.Logger) *Scheduler[T] {
	def := DefaultConfig()
	if cfg.Tick <= 0 {
		cfg.Tick = def.Tick
	}
	if cfg.Poll <= 0 {
		cfg.Poll = def.Poll
	}

	pacer := rate.NewLimiter(rate.Inf, 1)
	if cfg.ActionsPerSecond > 0 {
		pacer = rate.NewLimiter(rate.Limit(cfg.ActionsPerSecond), 1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler[T]{
		cfg:      cfg,
		action:   action,
		pacer:    pacer,
		onResult: onResult,
		logger:   logger.With(zap.String("component", "scheduler")),
		tasks:    make(map[T]*task),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Enqueue appends target to the queue with the given delay.
func (s *Scheduler[T]) Enqueue(target T, delaySeconds int) error {
	s.mu.Lock()
	if _, exists := s.tasks[target]; exists {
		s.mu.Unlock()
		return ErrAlreadyQueued
	}
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		return s.ctx.Err()
	}

	s.seq++
	t := &task{order: s.seq}
	t.remaining.Store(int64(delaySeconds))
	s.tasks[target] = t
	s.queue = append(s.queue, target)
	s.wg.Add(1)
	s.mu.Unlock()

	go s.run(target, t)
	return nil
}

// Extend replaces the remaining delay of a waiting task. It reports false when
// the target is unknown or its delay already elapsed.
func (s *Scheduler[T]) Extend(target T, newDelaySeconds int) bool {
	s.mu.Lock()
	t, exists := s.tasks[target]
	s.mu.Unlock()
	if !exists {
		return false
	}

	for {
		current := t.remaining.Load()
		if current <= 0 {
			return false
		}
		if t.remaining.CompareAndSwap(current, int64(newDelaySeconds)) {
			return true
		}
	}
}

// Cancel removes target from the queue. A task whose action already started
// still completes.
func (s *Scheduler[T]) Cancel(target T) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, exists := s.tasks[target]
	if !exists {
		return false
	}
	s.removeLocked(target, t)
	return true
}

// Pending describes a queued task.
type Pending[T comparable] struct {
	Target           T
	RemainingSeconds int
	EnqueueOrder     uint64
}

// Pending returns the queued tasks in execution order.
func (s *Scheduler[T]) Pending() []Pending[T] {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Pending[T], 0, len(s.queue))
	for _, target := range s.queue {
		t := s.tasks[target]
		out = append(out, Pending[T]{
			Target:           target,
			RemainingSeconds: int(t.remaining.Load()),
			EnqueueOrder:     t.order,
		})
	}
	return out
}

// Len returns the number of queued tasks.
func (s *Scheduler[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Close cancels all pending tasks without running their actions and waits for them to exit.
func (s *Scheduler[T]) Close() {
	s.cancel()
	s.wg.Wait()
}

func (s *Scheduler[T]) run(target T, t *task) {
	defer s.wg.Done()

	tick := time.NewTicker(s.cfg.Tick)
	defer tick.Stop()

	for t.remaining.Load() > 0 {
		select {
		case <-s.ctx.Done():
			s.finish(target, t, OutcomeCancelled, nil)
			return
		case <-tick.C:
		}
		if !s.queued(target, t) {
			s.report(Result[T]{Target: target, Outcome: OutcomeCancelled})
			return
		}
		t.remaining.Add(-1)
	}

	poll := time.NewTicker(s.cfg.Poll)
	defer poll.Stop()

	for {
		head, queued := s.headOfQueue(target, t)
		if !queued {
			s.report(Result[T]{Target: target, Outcome: OutcomeCancelled})
			return
		}
		if head {
			break
		}
		select {
		case <-s.ctx.Done():
			s.finish(target, t, OutcomeCancelled, nil)
			return
		case <-poll.C:
		}
	}

	s.execMu.Lock()
	defer s.execMu.Unlock()

	if err := s.pacer.Wait(s.ctx); err != nil {
		s.finish(target, t, OutcomeCancelled, nil)
		return
	}

	// Cancel may have landed while waiting for the pacer.
	if !s.queued(target, t) {
		s.report(Result[T]{Target: target, Outcome: OutcomeCancelled})
		return
	}

	if err := s.action(s.ctx, target); err != nil {
		s.logger.Warn("Failed to clean up decorations", zap.Error(err), zap.Any("target", target))
		s.finish(target, t, OutcomeBestEffortFailure, err)
		return
	}
	s.finish(target, t, OutcomeOK, nil)
}

func (s *Scheduler[T]) queued(target T, t *task) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tasks[target] == t
}

func (s *Scheduler[T]) headOfQueue(target T, t *task) (head, queued bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tasks[target] != t {
		return false, false
	}
	return len(s.queue) > 0 && s.queue[0] == target, true
}

func (s *Scheduler[T]) finish(target T, t *task, outcome Outcome, err error) {
	s.mu.Lock()
	if s.tasks[target] == t {
		s.removeLocked(target, t)
	}
	s.mu.Unlock()

	s.report(Result[T]{Target: target, Outcome: outcome, Err: err})
}

func (s *Scheduler[T]) report(r Result[T]) {
	if s.onResult != nil {
		s.onResult(r)
	}
}

func (s *Scheduler[T]) removeLocked(target T, t *task) {
	delete(s.tasks, target)
	for i, queued := range s.queue {
		if queued == target {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			break
		}
	}
}
