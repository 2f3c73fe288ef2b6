package logging

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

type Clock interface {
	Now() time.Time
}

type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time {
	return f()
}

type Sink interface {
	Write(Event) error
	Close(context.Context) error
}

type NamedSink struct {
	Name string
	Sink Sink
}

const (
	sinkBackoffBase = time.Second
	sinkBackoffMax  = 32 * time.Second
)

// Router decouples publishers from sinks. Publish never blocks: a full queue
// counts the event as dropped. One dispatcher stamps and filters events and
// hands each sink its own bounded backlog, so a stalled sink only loses its
// own events.
type Router struct {
	cfg      Config
	clock    Clock
	fallback *log.Logger
	queue    chan Event
	workers  []*sinkWorker
	floor    Severity

	stop   chan struct{}
	done   chan struct{}
	closed atomic.Bool

	forwarded atomic.Uint64
	dropped   atomic.Uint64
	warnAfter atomic.Int64
}

// RouterStats counts events the dispatcher forwarded and events refused
// because the router queue or a sink backlog was full.
type RouterStats struct {
	EventsTotal  uint64
	DroppedTotal uint64
	SinkDropped  map[string]uint64
}

func NewRouter(clock Clock, cfg Config, namedSinks []NamedSink) *Router {
	if clock == nil {
		clock = ClockFunc(time.Now)
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}
	cfg.Fields = cfg.CloneFields()
	r := &Router{
		cfg:      cfg,
		clock:    clock,
		fallback: log.New(os.Stderr, "[logging] ", log.LstdFlags),
		queue:    make(chan Event, cfg.BufferSize),
		floor:    cfg.MinimumSeverity,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}

	backlog := max(32, min(cfg.BufferSize, 1024))
	for _, named := range namedSinks {
		if named.Sink == nil {
			continue
		}
		threshold := cfg.SeverityFor(named.Name)
		r.floor = min(r.floor, threshold)
		r.workers = append(r.workers, &sinkWorker{
			name:      named.Name,
			sink:      named.Sink,
			threshold: threshold,
			events:    make(chan Event, backlog),
			fallback:  r.fallback,
		})
	}

	var workers sync.WaitGroup
	for _, worker := range r.workers {
		workers.Add(1)
		go func() {
			defer workers.Done()
			worker.run()
		}()
	}
	go func() {
		r.dispatch()
		for _, worker := range r.workers {
			close(worker.events)
		}
		workers.Wait()
		close(r.done)
	}()
	return r
}

// dispatch forwards queued events until Close, then flushes what is left.
func (r *Router) dispatch() {
	for {
		select {
		case event := <-r.queue:
			r.forward(event)
		case <-r.stop:
			for {
				select {
				case event := <-r.queue:
					r.forward(event)
				default:
					return
				}
			}
		}
	}
}

func (r *Router) forward(event Event) {
	if event.Severity < r.floor {
		return
	}
	if event.Time.IsZero() {
		event.Time = r.clock.Now()
	}
	event = mergeFields(event, r.cfg.Fields)
	r.forwarded.Add(1)
	for _, worker := range r.workers {
		worker.offer(event)
	}
}

// Publish implements Publisher. Untyped events and events published after
// Close are ignored.
func (r *Router) Publish(_ context.Context, event Event) {
	if event.Type == "" || r.closed.Load() {
		return
	}
	select {
	case r.queue <- event:
	default:
		r.dropped.Add(1)
		r.warnDropped(event)
	}
}

func (r *Router) warnDropped(event Event) {
	interval := r.cfg.DropWarnInterval
	if interval <= 0 {
		interval = DefaultConfig().DropWarnInterval
	}
	now := time.Now().UnixNano()
	after := r.warnAfter.Load()
	if now < after || !r.warnAfter.CompareAndSwap(after, now+int64(interval)) {
		return
	}
	r.fallback.Printf("router queue full: dropped %d events so far (latest type=%s tick=%d)", r.dropped.Load(), event.Type, event.Tick)
}

// Close stops accepting events, lets every sink drain its backlog and then
// closes the sinks. It returns ctx.Err() if draining outlives ctx.
func (r *Router) Close(ctx context.Context) error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(r.stop)
	select {
	case <-r.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	var errs []error
	for _, worker := range r.workers {
		if err := worker.sink.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close sink %s: %w", worker.name, err))
		}
	}
	return errors.Join(errs...)
}

func (r *Router) Stats() RouterStats {
	stats := RouterStats{
		EventsTotal:  r.forwarded.Load(),
		DroppedTotal: r.dropped.Load(),
	}
	for _, worker := range r.workers {
		if n := worker.dropped.Load(); n > 0 {
			if stats.SinkDropped == nil {
				stats.SinkDropped = make(map[string]uint64)
			}
			stats.SinkDropped[worker.name] = n
		}
	}
	return stats
}

// Sink returns the sink registered under name, or nil.
func (r *Router) Sink(name string) Sink {
	for _, worker := range r.workers {
		if worker.name == name {
			return worker.sink
		}
	}
	return nil
}

type sinkWorker struct {
	name      string
	sink      Sink
	threshold Severity
	events    chan Event
	fallback  *log.Logger
	dropped   atomic.Uint64

	failures int
	retryAt  time.Time
}

func (w *sinkWorker) offer(event Event) {
	if event.Severity < w.threshold {
		return
	}
	select {
	case w.events <- cloneEvent(event):
	default:
		// Report on powers of two.
		if n := w.dropped.Add(1); n&(n-1) == 0 {
			w.fallback.Printf("sink %s backlog full: dropped %d events", w.name, n)
		}
	}
}

func (w *sinkWorker) run() {
	for event := range w.events {
		if w.failures > 0 {
			if wait := time.Until(w.retryAt); wait > 0 {
				time.Sleep(wait)
			}
		}
		if err := w.sink.Write(event); err != nil {
			w.backoff(err)
			continue
		}
		w.failures = 0
	}
}

// backoff doubles the pause after each consecutive failed write.
func (w *sinkWorker) backoff(err error) {
	w.failures++
	delay := min(sinkBackoffBase<<min(w.failures-1, 5), sinkBackoffMax)
	w.retryAt = time.Now().Add(delay)
	w.fallback.Printf("sink %s write failed: %v (retrying in %s)", w.name, err, delay)
}
