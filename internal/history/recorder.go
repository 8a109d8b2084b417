package history

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// sendTimeout bounds one sink write so a slow database cannot back up the
// recorder worker indefinitely.
const sendTimeout = 5 * time.Second

// Recorder decouples the orchestrator loop from sink latency: entries are
// queued on a buffered channel and written by a single worker goroutine.
// When the queue is full the entry is dropped and counted; the journal is
// an audit trail, not a correctness dependency.
type Recorder struct {
	sinks   []Sink
	ch      chan Entry
	log     *slog.Logger
	wg      sync.WaitGroup
	once    sync.Once
	dropped int64
	mu      sync.Mutex
}

func NewRecorder(sinks []Sink, buffer int, log *slog.Logger) *Recorder {
	if buffer <= 0 {
		buffer = 512
	}
	if log == nil {
		log = slog.Default()
	}
	r := &Recorder{
		sinks: sinks,
		ch:    make(chan Entry, buffer),
		log:   log,
	}
	r.wg.Add(1)
	go r.run()
	return r
}

// Record enqueues an entry without blocking.
func (r *Recorder) Record(e Entry) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	select {
	case r.ch <- e:
	default:
		r.mu.Lock()
		r.dropped++
		n := r.dropped
		r.mu.Unlock()
		r.log.Warn("history queue full, entry dropped", "service", e.Service, "dropped_total", n)
	}
}

// Dropped returns how many entries were discarded because the queue was
// full.
func (r *Recorder) Dropped() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

func (r *Recorder) run() {
	defer r.wg.Done()
	for e := range r.ch {
		for _, s := range r.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
			if err := s.Send(ctx, e); err != nil {
				r.log.Warn("history sink write failed", "service", e.Service, "error", err)
			}
			cancel()
		}
	}
}

// Close drains the queue, closes every sink, and returns the first close
// error. Record must not be called after Close.
func (r *Recorder) Close() error {
	var first error
	r.once.Do(func() {
		close(r.ch)
		r.wg.Wait()
		for _, s := range r.sinks {
			if err := s.Close(); err != nil && first == nil {
				first = err
			}
		}
	})
	return first
}
