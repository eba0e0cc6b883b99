// Package timer keeps at most one pending delayed task per key and runs
// fired tasks on a bounded pool of workers.
//
// Replacing a task stops the previous one without interrupting it: a task
// whose callback already started is allowed to finish, but it can no longer
// remove the entry that replaced it. Entries are matched by a per-schedule
// sequence number, so fire and reset behave like a compare-and-delete on the
// key.
package timer

import (
	"sync"
	"time"

	"github.com/wchat/relay/internal/metrics"
)

// Task is the work run when a key's timer fires.
type Task func(key string)

// Options tunes a Registry.
type Options struct {
	Kind    string // metrics label, e.g. "inactivity"
	Workers int    // size of the firing pool; 0 runs tasks on the timer's goroutine
	Clock   Clock  // defaults to Real()
}

// Registry is a keyed table of pending one-shot tasks.
type Registry struct {
	kind  string
	clock Clock

	mu    sync.Mutex
	tasks map[string]*entry
	seq   uint64

	workers int
	work    chan func()
	done    chan struct{}
	wg      sync.WaitGroup
	closed  bool
}

type entry struct {
	id       uint64
	deadline time.Time
	timer    Stopper
}

// NewRegistry creates a Registry and starts its worker pool.
func NewRegistry(opts Options) *Registry {
	if opts.Clock == nil {
		opts.Clock = Real()
	}
	r := &Registry{
		kind:    opts.Kind,
		clock:   opts.Clock,
		tasks:   make(map[string]*entry),
		workers: opts.Workers,
		done:    make(chan struct{}),
	}
	if r.workers > 0 {
		r.work = make(chan func(), r.workers*16)
		r.wg.Add(r.workers)
		for i := 0; i < r.workers; i++ {
			go r.worker()
		}
	}
	return r
}

func (r *Registry) worker() {
	defer r.wg.Done()
	for {
		select {
		case <-r.done:
			return
		case job := <-r.work:
			job()
		}
	}
}

// Schedule installs task to run after d, replacing any pending task for
// key. It returns the new deadline.
func (r *Registry) Schedule(key string, d time.Duration, task Task) time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return time.Time{}
	}
	if old, ok := r.tasks[key]; ok {
		old.timer.Stop()
	}

	r.seq++
	e := &entry{id: r.seq, deadline: r.clock.Now().Add(d)}
	id := e.id
	e.timer = r.clock.AfterFunc(d, func() { r.fire(key, id, task) })
	r.tasks[key] = e
	r.updateGauge()
	return e.deadline
}

// Cancel stops the pending task for key. It reports whether a task was
// pending. A task that already started keeps running.
func (r *Registry) Cancel(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.tasks[key]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(r.tasks, key)
	r.updateGauge()
	return true
}

// Deadline returns the pending deadline for key.
func (r *Registry) Deadline(key string) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.tasks[key]
	if !ok {
		return time.Time{}, false
	}
	return e.deadline, true
}

// Len returns the number of pending tasks.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

// fire consumes the entry only if it is still the one that scheduled this
// callback, then hands the task to the pool.
func (r *Registry) fire(key string, id uint64, task Task) {
	r.mu.Lock()
	e, ok := r.tasks[key]
	if r.closed || !ok || e.id != id {
		r.mu.Unlock()
		return
	}
	delete(r.tasks, key)
	r.updateGauge()
	r.mu.Unlock()

	metrics.TimersFired.WithLabelValues(r.kind).Inc()

	job := func() { task(key) }
	if r.workers == 0 {
		job()
		return
	}
	select {
	case r.work <- job:
	case <-r.done:
	}
}

// Close stops every pending timer and waits for the workers to exit. Tasks
// queued but not yet started are dropped.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	for key, e := range r.tasks {
		e.timer.Stop()
		delete(r.tasks, key)
	}
	r.updateGauge()
	r.mu.Unlock()

	close(r.done)
	r.wg.Wait()
}

// updateGauge must be called with r.mu held.
func (r *Registry) updateGauge() {
	if r.kind == "" {
		return
	}
	metrics.TimersPending.WithLabelValues(r.kind).Set(float64(len(r.tasks)))
}
