package agency

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/agencyhost/core"
	"github.com/hupe1980/agencyhost/runtime"
)

// RunStatus is the state of a running agency.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Terminal reports whether s is final.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunCancelled
}

// RoleStatus is the state of one role within a run.
type RoleStatus string

const (
	RolePending   RoleStatus = "pending"
	RoleWaiting   RoleStatus = "waiting"
	RoleRunning   RoleStatus = "running"
	RoleCompleted RoleStatus = "completed"
	RoleFailed    RoleStatus = "failed"
	RoleCancelled RoleStatus = "cancelled"
)

// RoleUpdate is delivered to Handlers.OnRoleUpdate on every transition.
type RoleUpdate struct {
	AgencyID string
	RoleID   string
	TaskID   string
	Status   RoleStatus
	Err      error
}

// RoleState is a point-in-time view of one role.
type RoleState struct {
	RoleID string
	TaskID string
	Status RoleStatus
	Chunks int
	Err    error
}

type task struct {
	index int
	role  Role
	id    string
	input core.Input

	// settled is closed once the role reached its final chunk or stopped.
	settled    chan struct{}
	settleOnce sync.Once
	satisfied  bool

	mu     sync.Mutex
	status RoleStatus
	err    error
	chunks int
	cancel runtime.CancelFunc
}

func (t *task) settle(ok bool) {
	t.settleOnce.Do(func() {
		t.satisfied = ok
		close(t.settled)
	})
}

func (t *task) setCancel(fn runtime.CancelFunc) {
	t.mu.Lock()
	t.cancel = fn
	t.mu.Unlock()
}

func (t *task) state() RoleState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return RoleState{RoleID: t.role.ID, TaskID: t.id, Status: t.status, Chunks: t.chunks, Err: t.err}
}

// Run is one execution of an agency request. Terminal runs are never
// resumed; start a new run instead.
type Run struct {
	id       string
	coord    *Coordinator
	req      Request
	handlers Handlers
	tasks    []*task
	byRole   map[string]*task

	ctx     context.Context
	stop    context.CancelFunc
	aborted atomic.Bool

	sinkMu  sync.Mutex
	errOnce sync.Once

	mu       sync.Mutex
	status   RunStatus
	firstErr error
	started  time.Time
	finished time.Time
	done     chan struct{}
}

func newRun(c *Coordinator, req Request, h Handlers) *Run {
	ctx, stop := context.WithCancel(context.Background())
	r := &Run{
		id:       uuid.NewString(),
		coord:    c,
		req:      req,
		handlers: h,
		tasks:    make([]*task, len(req.Roles)),
		byRole:   make(map[string]*task, len(req.Roles)),
		ctx:      ctx,
		stop:     stop,
		status:   RunPending,
		done:     make(chan struct{}),
	}
	for i, role := range req.Roles {
		t := &task{index: i, role: role, id: TaskID(req.AgencyID, i, role.ID), settled: make(chan struct{}), status: RolePending}
		r.tasks[i] = t
		r.byRole[role.ID] = t
	}
	return r
}

// ID returns the run id.
func (r *Run) ID() string { return r.id }

// AgencyID returns the agency id of the run.
func (r *Run) AgencyID() string { return r.req.AgencyID }

// Status returns the run status.
func (r *Run) Status() RunStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Err returns the first role failure, if any.
func (r *Run) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.firstErr
}

// RoleStatus returns the status of one role.
func (r *Run) RoleStatus(roleID string) (RoleStatus, bool) {
	t, ok := r.byRole[roleID]
	if !ok {
		return "", false
	}
	return t.state().Status, true
}

// Roles returns the state of every role in declaration order.
func (r *Run) Roles() []RoleState {
	out := make([]RoleState, len(r.tasks))
	for i, t := range r.tasks {
		out[i] = t.state()
	}
	return out
}

// Done is closed when the run reached a terminal status.
func (r *Run) Done() <-chan struct{} { return r.done }

// Wait blocks until the run terminates or ctx ends. It returns nil for a
// completed run, the first role failure for a failed run and ErrCancelled
// for a cancelled one.
func (r *Run) Wait(ctx context.Context) error {
	select {
	case <-r.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	switch r.status {
	case RunCancelled:
		return ErrCancelled
	case RunFailed:
		return r.firstErr
	}
	return nil
}

// Cancel stops forwarding for every role and cancels their streams. Roles
// already handed to the engine are asked to stop, not forced. Cancelling a
// terminated run is a no-op.
func (r *Run) Cancel() {
	r.mu.Lock()
	if r.status.Terminal() || r.aborted.Load() {
		r.mu.Unlock()
		return
	}
	r.aborted.Store(true)
	r.mu.Unlock()

	r.stop()
	for _, t := range r.tasks {
		t.mu.Lock()
		cancel := t.cancel
		t.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	}
}

func (r *Run) execute() {
	r.mu.Lock()
	r.status = RunRunning
	r.started = time.Now()
	r.mu.Unlock()

	var g errgroup.Group
	for _, t := range r.tasks {
		t := t
		g.Go(func() error { return r.runTask(t) })
	}
	err := g.Wait()
	r.finish(err)
}

func (r *Run) runTask(t *task) error {
	defer t.settle(false)

	if dep, ok := r.byRole[t.role.DependsOn]; ok {
		r.updateRole(t, RoleWaiting, nil)
		select {
		case <-dep.settled:
		case <-r.ctx.Done():
			r.updateRole(t, RoleCancelled, nil)
			return nil
		}
		if !dep.satisfied {
			if r.aborted.Load() {
				r.updateRole(t, RoleCancelled, nil)
				return nil
			}
			err := &RoleError{RoleID: t.role.ID, TaskID: t.id, Err: &core.StreamError{
				StreamID: t.id,
				Code:     core.CodeDependency,
				Err:      fmt.Errorf("%w: %s", ErrDependencyFailed, dep.role.ID),
			}}
			r.updateRole(t, RoleFailed, err)
			r.reportError(err)
			return err
		}
	}

	if sem := r.coord.sem; sem != nil {
		if err := sem.Acquire(r.ctx, 1); err != nil {
			r.updateRole(t, RoleCancelled, nil)
			return nil
		}
		defer sem.Release(1)
	}
	if r.aborted.Load() {
		r.updateRole(t, RoleCancelled, nil)
		return nil
	}

	done := make(chan error, 1)
	r.updateRole(t, RoleRunning, nil)
	cancel := r.coord.streamer.OpenStream(t.input, runtime.Handlers{
		OnChunk: func(c core.Chunk) {
			r.forward(t, c)
			if c.IsFinal && c.Type != core.ChunkError {
				t.settle(true)
			}
		},
		OnDone:  func() { done <- nil },
		OnError: func(err error) { done <- err },
	})
	t.setCancel(cancel)
	if r.aborted.Load() {
		cancel()
	}

	select {
	case err := <-done:
		if err != nil {
			roleErr := &RoleError{RoleID: t.role.ID, TaskID: t.id, Err: err}
			t.settle(false)
			r.updateRole(t, RoleFailed, roleErr)
			r.reportError(roleErr)
			return roleErr
		}
		t.settle(true)
		r.updateRole(t, RoleCompleted, nil)
		return nil
	case <-r.ctx.Done():
		cancel()
		r.updateRole(t, RoleCancelled, nil)
		return nil
	}
}

func (r *Run) forward(t *task, c core.Chunk) {
	r.sinkMu.Lock()
	defer r.sinkMu.Unlock()
	if r.aborted.Load() {
		return
	}
	t.mu.Lock()
	t.chunks++
	t.mu.Unlock()
	if r.handlers.OnChunk != nil {
		r.handlers.OnChunk(c)
	}
}

func (r *Run) updateRole(t *task, status RoleStatus, err error) {
	t.mu.Lock()
	t.status = status
	t.err = err
	t.mu.Unlock()

	r.sinkMu.Lock()
	defer r.sinkMu.Unlock()
	if r.aborted.Load() || r.handlers.OnRoleUpdate == nil {
		return
	}
	r.handlers.OnRoleUpdate(RoleUpdate{AgencyID: r.req.AgencyID, RoleID: t.role.ID, TaskID: t.id, Status: status, Err: err})
}

func (r *Run) reportError(err error) {
	r.errOnce.Do(func() {
		r.mu.Lock()
		r.firstErr = err
		r.mu.Unlock()

		r.sinkMu.Lock()
		defer r.sinkMu.Unlock()
		if r.aborted.Load() || r.handlers.OnError == nil {
			return
		}
		r.handlers.OnError(err)
	})
}

func (r *Run) finish(err error) {
	r.mu.Lock()
	status := RunCompleted
	switch {
	case r.aborted.Load():
		status = RunCancelled
	case err != nil:
		status = RunFailed
	}
	r.status = status
	r.finished = time.Now()
	dur := r.finished.Sub(r.started)
	firstErr := r.firstErr
	r.mu.Unlock()

	r.stop()
	r.coord.forget(r)
	r.coord.logRun(r, status, dur, firstErr)

	if status == RunCompleted {
		r.sinkMu.Lock()
		if r.handlers.OnDone != nil {
			r.handlers.OnDone()
		}
		r.sinkMu.Unlock()
	}
	close(r.done)
}
