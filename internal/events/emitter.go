package events

import (
	"context"
	"sync"
	"time"

	"github.com/neurolens/neurolens/internal/redact"
)

// Sink consumes events.
type Sink interface {
	Name() string
	Deliver(context.Context, *Event) error
	Close(context.Context) error
}

// Metrics holds delivery counters.
type Metrics struct {
	enqueued uint64
	dropped  uint64

	sinkSuccess map[string]uint64
	sinkFailure map[string]uint64
}

func (m Metrics) Enqueued() uint64 { return m.enqueued }
func (m Metrics) Dropped() uint64  { return m.dropped }
func (m Metrics) SinkSuccess(name string) uint64 {
	return m.sinkSuccess[name]
}
func (m Metrics) SinkFailure(name string) uint64 {
	return m.sinkFailure[name]
}

// Options control worker and queue sizing.
type Options struct {
	QueueSize       int
	Workers         int
	ShutdownTimeout time.Duration
	// Log additionally prints every delivered event through redact.Logf.
	Log bool
}

// Emitter buffers events and fans them out to sinks from background workers.
// A nil *Emitter discards everything.
type Emitter struct {
	queue           chan *Event
	sinks           []Sink
	shutdownTimeout time.Duration
	log             bool

	mu      sync.RWMutex
	closed  bool
	wg      sync.WaitGroup
	statsMu sync.Mutex
	stats   Metrics
}

// NewEmitter starts opts.Workers goroutines delivering to sinks.
func NewEmitter(opts Options, sinks []Sink) *Emitter {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 2 * time.Second
	}
	e := &Emitter{
		queue:           make(chan *Event, opts.QueueSize),
		sinks:           sinks,
		shutdownTimeout: opts.ShutdownTimeout,
		log:             opts.Log,
		stats: Metrics{
			sinkSuccess: make(map[string]uint64, len(sinks)),
			sinkFailure: make(map[string]uint64, len(sinks)),
		},
	}
	for i := 0; i < opts.Workers; i++ {
		e.wg.Add(1)
		go e.worker()
	}
	return e
}

// Emit enqueues ev, dropping it when the queue is full or the emitter closed.
func (e *Emitter) Emit(ev *Event) {
	if e == nil || ev == nil {
		return
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		e.count(func(m *Metrics) { m.dropped++ })
		return
	}
	select {
	case e.queue <- ev:
		e.count(func(m *Metrics) { m.enqueued++ })
	default:
		e.count(func(m *Metrics) { m.dropped++ })
	}
}

// Close stops accepting events, waits up to the shutdown timeout for the
// queue to drain, then closes the sinks.
func (e *Emitter) Close(ctx context.Context) {
	if e == nil {
		return
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	close(e.queue)
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	waitCtx, cancel := context.WithTimeout(ctx, e.shutdownTimeout)
	defer cancel()
	select {
	case <-done:
	case <-waitCtx.Done():
		redact.Logf("events: shutdown timeout with undelivered events")
	}
	for _, s := range e.sinks {
		if err := s.Close(waitCtx); err != nil {
			redact.Logf("events: sink %s close error: %v", s.Name(), err)
		}
	}
}

// Snapshot copies the current counters.
func (e *Emitter) Snapshot() Metrics {
	if e == nil {
		return Metrics{}
	}
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	out := Metrics{
		enqueued:    e.stats.enqueued,
		dropped:     e.stats.dropped,
		sinkSuccess: make(map[string]uint64, len(e.stats.sinkSuccess)),
		sinkFailure: make(map[string]uint64, len(e.stats.sinkFailure)),
	}
	for k, v := range e.stats.sinkSuccess {
		out.sinkSuccess[k] = v
	}
	for k, v := range e.stats.sinkFailure {
		out.sinkFailure[k] = v
	}
	return out
}

func (e *Emitter) count(f func(*Metrics)) {
	e.statsMu.Lock()
	f(&e.stats)
	e.statsMu.Unlock()
}

func (e *Emitter) worker() {
	defer e.wg.Done()
	for ev := range e.queue {
		if e.log {
			LogEvent(ev)
		}
		for _, s := range e.sinks {
			name := s.Name()
			if err := s.Deliver(context.Background(), ev); err != nil {
				redact.Logf("events: sink %s failed: %v", name, err)
				e.count(func(m *Metrics) { m.sinkFailure[name]++ })
				continue
			}
			e.count(func(m *Metrics) { m.sinkSuccess[name]++ })
		}
	}
}
