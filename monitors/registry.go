package monitors

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/eapache/queue"
)

// ErrPanic wraps a value recovered from a crashed worker.
var ErrPanic = errors.New("worker panicked")

// Worker is the handle of one session goroutine.
type Worker struct {
	ID      string
	Remote  string
	Started time.Time

	done chan struct{}
	err  error
}

// Done is closed once the worker has returned.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

// Err reports the worker's error without blocking. ok is false while the
// worker is still running.
func (w *Worker) Err() (err error, ok bool) {
	select {
	case <-w.done:
		return w.err, true
	default:
		return nil, false
	}
}

// Registry keeps the handles of spawned workers so their failures can be
// reported at shutdown.
type Registry struct {
	mu      sync.Mutex
	workers *queue.Queue
	wg      sync.WaitGroup
}

func NewRegistry() *Registry {
	return &Registry{workers: queue.New()}
}

// Spawn runs fn on a new goroutine. A panic in fn is recovered and becomes
// the worker's error.
func (r *Registry) Spawn(id, remote string, fn func() error) *Worker {
	w := &Worker{
		ID:      id,
		Remote:  remote,
		Started: time.Now(),
		done:    make(chan struct{}),
	}

	r.mu.Lock()
	r.workers.Add(w)
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer close(w.done)
		defer func() {
			if p := recover(); p != nil {
				w.err = fmt.Errorf("%w: %v", ErrPanic, p)
			}
		}()

		w.err = fn()
	}()

	return w
}

// Len is the number of handles held.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.workers.Length()
}

// Prune forgets workers that finished without error and returns how many
// were removed. Running and failed workers keep their order.
func (r *Registry) Prune() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for range r.workers.Length() {
		w := r.workers.Remove().(*Worker)
		if err, ok := w.Err(); ok && err == nil {
			removed++
			continue
		}
		r.workers.Add(w)
	}
	return removed
}

// Failures returns the finished workers that returned an error.
func (r *Registry) Failures() []*Worker {
	r.mu.Lock()
	defer r.mu.Unlock()

	var failed []*Worker
	for i := range r.workers.Length() {
		w := r.workers.Get(i).(*Worker)
		if err, ok := w.Err(); ok && err != nil {
			failed = append(failed, w)
		}
	}
	return failed
}

// Running counts workers that have not returned yet.
func (r *Registry) Running() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for i := range r.workers.Length() {
		if _, ok := r.workers.Get(i).(*Worker).Err(); !ok {
			n++
		}
	}
	return n
}

// Wait blocks until every spawned worker returned or ctx is done.
func (r *Registry) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
