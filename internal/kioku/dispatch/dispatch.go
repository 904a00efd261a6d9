// Package dispatch runs gateway events as independent units of work.
//
// Jobs submitted under the same key run one at a time in submission order;
// jobs under different keys run concurrently. A panicking job is recovered
// and logged so one bad event cannot take the process down.
package dispatch

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
)

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("dispatch: closed")

// Dispatcher serializes jobs per key.
type Dispatcher struct {
	mu     sync.Mutex
	queues map[string]*queue
	closed bool
	wg     conc.WaitGroup
	logger *slog.Logger
}

type queue struct {
	pending []func()
}

// New creates a Dispatcher. If logger is nil, the default slog logger is
// used.
func New(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{queues: make(map[string]*queue), logger: logger}
}

// Submit queues job under key. It never blocks on the job itself.
func (d *Dispatcher) Submit(key string, job func()) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrClosed
	}
	if q, ok := d.queues[key]; ok {
		q.pending = append(q.pending, job)
		return nil
	}

	q := &queue{pending: []func(){job}}
	d.queues[key] = q
	// Spawned under d.mu so Close cannot start waiting between the closed
	// check and the Add inside Go.
	d.wg.Go(func() { d.drain(key, q) })
	return nil
}

// drain runs q's jobs until it is empty, then retires the key.
func (d *Dispatcher) drain(key string, q *queue) {
	for {
		d.mu.Lock()
		if len(q.pending) == 0 {
			delete(d.queues, key)
			d.mu.Unlock()
			return
		}
		job := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		d.mu.Unlock()

		d.run(key, job)
	}
}

func (d *Dispatcher) run(key string, job func()) {
	var pc panics.Catcher
	pc.Try(job)
	if r := pc.Recovered(); r != nil {
		d.logger.Error("dispatched job panicked", "key", key, "err", r.AsError())
	}
}

// Pending reports the number of keys with queued or running work.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queues)
}

// Close stops accepting jobs and waits for queued ones to finish.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.wg.Wait()
}
