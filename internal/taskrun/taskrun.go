// Package taskrun implements the background task runtime: a work queue
// of Task records executed by a bounded worker pool, with a reservation
// discipline that grants at most one writer per resource key while never
// blocking readers.
package taskrun

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/opencrate/registry/metrics"
)

// Kind names the kinds of background work the runtime executes.
type Kind string

const (
	KindSync    Kind = "sync"
	KindSign    Kind = "sign"
	KindCommit  Kind = "commit"
	KindReclaim Kind = "reclaim"
	KindExport  Kind = "export"
)

// State is a Task's lifecycle state.
type State string

const (
	StateWaiting   State = "waiting"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCanceled  State = "canceled"
)

// ResourceKey identifies a mutable resource a Task reserves exclusive
// write access to, a Repository or a Namespace.
type ResourceKey string

func RepositoryResource(fullName string) ResourceKey { return ResourceKey("repository:" + fullName) }
func NamespaceResource(name string) ResourceKey       { return ResourceKey("namespace:" + name) }

// Progress is the handle a running task's fn uses to report status.
type Progress struct {
	mu    sync.Mutex
	done  int
	total int
	notes []string
}

func (p *Progress) Set(done, total int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.done, p.total = done, total
}

func (p *Progress) Note(s string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.notes = append(p.notes, s)
}

func (p *Progress) Snapshot() (done, total int, notes []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done, p.total, append([]string(nil), p.notes...)
}

// Task is one submitted unit of background work.
type Task struct {
	ID        string
	Kind      Kind
	Resources []ResourceKey
	Progress  *Progress

	mu    sync.Mutex
	state State
	err   error

	cancel context.CancelFunc
	done   chan struct{}
}

func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *Task) setState(s State, err error) {
	t.mu.Lock()
	t.state = s
	t.err = err
	t.mu.Unlock()
}

// finish transitions to a terminal state and records the outcome.
func (t *Task) finish(s State, err error) {
	t.setState(s, err)
	metrics.ObserveTask(string(t.Kind), string(s))
}

// Cancel requests cancellation; fn observes it through ctx.Done().
func (t *Task) Cancel() {
	if t.cancel != nil {
		t.cancel()
	}
}

// Wait blocks until the task reaches a terminal state.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// reservation serializes writers on one resource key; readers never
// consult this at all.
type reservation struct {
	mu sync.Mutex
}

// Runtime is the TaskRuntime: a bounded worker pool plus a reservation
// table keyed by ResourceKey.
type Runtime struct {
	sem chan struct{} // worker pool capacity
	signSem chan struct{} // bounds concurrent KindSign tasks

	mu           sync.Mutex
	reservations map[ResourceKey]*reservation
	tasks        map[string]*Task
}

// New constructs a Runtime with workers concurrent task slots, and
// maxSigningTasks concurrently-running KindSign tasks (0 means unbounded).
func New(workers, maxSigningTasks int) *Runtime {
	if workers <= 0 {
		workers = 4
	}
	r := &Runtime{
		sem:          make(chan struct{}, workers),
		reservations: make(map[ResourceKey]*reservation),
		tasks:        make(map[string]*Task),
	}
	if maxSigningTasks > 0 {
		r.signSem = make(chan struct{}, maxSigningTasks)
	}
	return r
}

func (r *Runtime) reservationFor(key ResourceKey) *reservation {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, ok := r.reservations[key]
	if !ok {
		res = &reservation{}
		r.reservations[key] = res
	}
	return res
}

// Submit enqueues fn as a task of kind reserving exclusive write access to
// resources. It returns immediately with a Task handle; fn runs on a
// worker once a pool slot and every reservation are acquired, in the order
// resources is given (callers should pass resources pre-sorted to avoid
// lock-ordering deadlocks across concurrent Submits touching overlapping
// sets).
func (r *Runtime) Submit(ctx context.Context, kind Kind, resources []ResourceKey, fn func(ctx context.Context, p *Progress) error) *Task {
	taskCtx, cancel := context.WithCancel(ctx)
	t := &Task{
		ID:        uuid.NewString(),
		Kind:      kind,
		Resources: resources,
		Progress:  &Progress{},
		state:     StateWaiting,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	r.mu.Lock()
	r.tasks[t.ID] = t
	r.mu.Unlock()

	go r.run(taskCtx, t, fn)
	return t
}

func (r *Runtime) run(ctx context.Context, t *Task, fn func(context.Context, *Progress) error) {
	defer close(t.done)

	if err := ctx.Err(); err != nil {
		t.finish(StateCanceled, err)
		return
	}

	select {
	case r.sem <- struct{}{}:
		defer func() { <-r.sem }()
	case <-ctx.Done():
		t.finish(StateCanceled, ctx.Err())
		return
	}

	if t.Kind == KindSign && r.signSem != nil {
		select {
		case r.signSem <- struct{}{}:
			defer func() { <-r.signSem }()
		case <-ctx.Done():
			t.finish(StateCanceled, ctx.Err())
			return
		}
	}

	locked := make([]*reservation, 0, len(t.Resources))
	defer func() {
		for i := len(locked) - 1; i >= 0; i-- {
			locked[i].mu.Unlock()
		}
	}()
	for _, key := range t.Resources {
		res := r.reservationFor(key)
		lockCh := make(chan struct{})
		go func(res *reservation) { res.mu.Lock(); close(lockCh) }(res)
		select {
		case <-lockCh:
			locked = append(locked, res)
		case <-ctx.Done():
			// The goroutine above is still trying to acquire res.mu and may
			// succeed after we give up waiting on it; since we never append
			// res to locked, nothing else will ever unlock it for us, so we
			// must release it ourselves once it lands.
			go func(res *reservation) {
				<-lockCh
				res.mu.Unlock()
			}(res)
			t.finish(StateCanceled, ctx.Err())
			return
		}
	}

	t.setState(StateRunning, nil)

	err := func() (err error) {
		defer func() {
			if rec := recover(); rec != nil {
				err = fmt.Errorf("taskrun: task %s panicked: %v", t.ID, rec)
			}
		}()
		return fn(ctx, t.Progress)
	}()

	if err != nil {
		if ctx.Err() != nil {
			t.finish(StateCanceled, err)
		} else {
			t.finish(StateFailed, err)
		}
		return
	}
	t.finish(StateCompleted, nil)
}

// Get returns a previously submitted task by id.
func (r *Runtime) Get(id string) (*Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	return t, ok
}
