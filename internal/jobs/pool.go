// Package jobs runs background tasks on a bounded queue with a fixed number
// of workers and per-task cancellation.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/neurolens/neurolens/internal/redact"
)

var (
	ErrQueueFull = errors.New("job queue full")
	ErrClosed    = errors.New("job pool closed")
	ErrDuplicate = errors.New("job id already submitted")
	ErrPanicked  = errors.New("job panicked")
)

const (
	DefaultWorkers   = 4
	DefaultQueueSize = 64
)

// Task is one unit of background work.
type Task struct {
	ID  string
	Run func(ctx context.Context)
	// Skipped, when set, runs instead of Run for a task cancelled before it
	// started. err is context.Canceled for Cancel and ErrClosed for shutdown.
	Skipped func(err error)
	// Failed, when set, runs after Run panics with an error wrapping
	// ErrPanicked.
	Failed func(err error)
}

type job struct {
	task   Task
	ctx    context.Context
	cancel context.CancelFunc
}

// Pool executes tasks in submission order on a fixed set of workers.
type Pool struct {
	queue  chan *job
	base   context.Context
	stop   context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
	jobs   map[string]*job
}

// New starts workers goroutines consuming a queue of queueSize tasks.
func New(workers, queueSize int) *Pool {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	base, stop := context.WithCancel(context.Background())
	p := &Pool{
		queue: make(chan *job, queueSize),
		base:  base,
		stop:  stop,
		jobs:  make(map[string]*job),
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// Submit enqueues t without blocking.
func (p *Pool) Submit(t Task) error {
	if t.ID == "" || t.Run == nil {
		return errors.New("task needs an id and a run function")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if _, ok := p.jobs[t.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, t.ID)
	}
	ctx, cancel := context.WithCancel(p.base)
	j := &job{task: t, ctx: ctx, cancel: cancel}
	select {
	case p.queue <- j:
		p.jobs[t.ID] = j
		return nil
	default:
		cancel()
		return ErrQueueFull
	}
}

// Cancel cancels a queued or running task. It reports whether the id was
// known and not yet finished.
func (p *Pool) Cancel(id string) bool {
	p.mu.Lock()
	j, ok := p.jobs[id]
	p.mu.Unlock()
	if !ok {
		return false
	}
	j.cancel()
	return true
}

// Pending returns the number of tasks queued or running.
func (p *Pool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.jobs)
}

// Close stops accepting tasks and waits for the queue to drain. When ctx
// expires first, remaining tasks are cancelled and Close waits for the
// running ones to return.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.stop()
		return nil
	case <-ctx.Done():
		redact.Logf("jobs: shutdown timeout, cancelling %d tasks", p.Pending())
		p.stop()
		<-done
		return ctx.Err()
	}
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for j := range p.queue {
		p.run(j)
	}
}

func (p *Pool) run(j *job) {
	defer func() {
		j.cancel()
		p.mu.Lock()
		delete(p.jobs, j.task.ID)
		p.mu.Unlock()
	}()
	if err := j.ctx.Err(); err != nil {
		if p.base.Err() != nil {
			err = ErrClosed
		}
		if j.task.Skipped != nil {
			j.task.Skipped(err)
		}
		return
	}
	defer func() {
		if r := recover(); r != nil {
			redact.Logf("jobs: task %s panicked: %v", j.task.ID, r)
			if j.task.Failed != nil {
				j.task.Failed(fmt.Errorf("%w: %v", ErrPanicked, r))
			}
		}
	}()
	j.task.Run(j.ctx)
}
