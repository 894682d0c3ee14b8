package agency

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/hupe1980/agencyhost/core"
	"github.com/hupe1980/agencyhost/logging"
	"github.com/hupe1980/agencyhost/runtime"
)

// Streamer opens cancellable chunk streams. *runtime.Host implements it.
type Streamer interface {
	OpenStream(input core.Input, handlers runtime.Handlers) runtime.CancelFunc
}

var _ Streamer = (*runtime.Host)(nil)

// ErrCancelled is returned by Run.Wait for a cancelled run.
var ErrCancelled = errors.New("agency run cancelled")

// ErrDependencyFailed is wrapped when a role never started because the role
// it depends on failed.
var ErrDependencyFailed = errors.New("dependency failed")

// RoleError attributes a failure to one role of a run.
type RoleError struct {
	RoleID string
	TaskID string
	Err    error
}

func (e *RoleError) Error() string {
	return fmt.Sprintf("role %s (%s): %v", e.RoleID, e.TaskID, e.Err)
}

func (e *RoleError) Unwrap() error { return e.Err }

// Handlers receive the merged output of a run. All callbacks of one run are
// serialized; none are invoked after Cancel.
type Handlers struct {
	// OnChunk receives every role chunk, unmodified, in arrival order.
	OnChunk func(core.Chunk)
	// OnRoleUpdate reports role status transitions.
	OnRoleUpdate func(RoleUpdate)
	// OnDone fires once after every role completed successfully.
	OnDone func()
	// OnError fires once with the first role failure. Other roles keep
	// running and OnDone is not called for the run.
	OnError func(error)
}

// Options configures a Coordinator.
type Options struct {
	// MaxConcurrency bounds role streams running at once across all runs.
	// 0 means unlimited.
	MaxConcurrency int
	// Composer builds role inputs. Defaults to DefaultComposer.
	Composer Composer
	Logger   logging.Logger
}

// Coordinator fans agency requests out into per-role streams.
type Coordinator struct {
	streamer Streamer
	opts     Options
	logger   logging.Logger
	sem      *semaphore.Weighted

	mu   sync.Mutex
	runs map[string]*Run
}

// NewCoordinator creates a coordinator on top of streamer.
func NewCoordinator(streamer Streamer, optFns ...func(o *Options)) *Coordinator {
	opts := Options{Composer: DefaultComposer}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Composer == nil {
		opts.Composer = DefaultComposer
	}
	c := &Coordinator{
		streamer: streamer,
		opts:     opts,
		logger:   logging.OrNoOp(opts.Logger),
		runs:     make(map[string]*Run),
	}
	if opts.MaxConcurrency > 0 {
		c.sem = semaphore.NewWeighted(int64(opts.MaxConcurrency))
	}
	return c
}

// StartAgency validates req, starts its roles and returns immediately.
// Roles without a dependency start at once; a role with a dependency starts
// when the dependency's stream emits its final chunk.
func (c *Coordinator) StartAgency(req Request, h Handlers) (*Run, error) {
	if req.AgencyID == "" {
		req.AgencyID = uuid.NewString()
	}
	if req.ConversationID == "" {
		req.ConversationID = req.AgencyID
	}
	if req.OutputFormat == "" {
		req.OutputFormat = FormatMarkdown
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	run := newRun(c, req, h)
	for i, role := range req.Roles {
		text, err := c.opts.Composer(req, role)
		if err != nil {
			return nil, err
		}
		run.tasks[i].input = buildInput(req, run.id, i, role, text)
	}

	c.mu.Lock()
	c.runs[run.id] = run
	c.mu.Unlock()

	c.logger.Info("Agency run started", "agency_id", req.AgencyID, "run_id", run.id, "role_count", len(req.Roles))
	go run.execute()
	return run, nil
}

// Run returns an active run by id.
func (c *Coordinator) Run(id string) (*Run, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.runs[id]
	return r, ok
}

// ActiveRuns returns the number of runs that have not terminated.
func (c *Coordinator) ActiveRuns() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.runs)
}

// CancelAll cancels every active run and waits for them to settle or for
// ctx to end.
func (c *Coordinator) CancelAll(ctx context.Context) error {
	c.mu.Lock()
	runs := make([]*Run, 0, len(c.runs))
	for _, r := range c.runs {
		runs = append(runs, r)
	}
	c.mu.Unlock()

	for _, r := range runs {
		r.Cancel()
	}
	for _, r := range runs {
		select {
		case <-r.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (c *Coordinator) forget(r *Run) {
	c.mu.Lock()
	delete(c.runs, r.id)
	c.mu.Unlock()
}

func (c *Coordinator) logRun(r *Run, status RunStatus, dur time.Duration, err error) {
	if hl, ok := c.logger.(interface {
		LogAgencyRun(agencyID string, roles int, dur time.Duration, status string, err error)
	}); ok {
		hl.LogAgencyRun(r.req.AgencyID, len(r.tasks), dur, string(status), err)
		return
	}
	if err != nil {
		c.logger.Error("Agency run failed", "agency_id", r.req.AgencyID, "status", status, "error", err)
		return
	}
	c.logger.Info("Agency run completed", "agency_id", r.req.AgencyID, "status", status, "duration", dur)
}

func buildInput(req Request, runID string, index int, role Role, text string) core.Input {
	taskID := TaskID(req.AgencyID, index, role.ID)
	meta := map[string]any{"task_id": taskID, "output_format": string(req.OutputFormat)}
	for k, v := range req.Metadata {
		meta[k] = v
	}
	in := core.Input{
		UserID:            req.UserID,
		SessionID:         taskID,
		ConversationID:    req.ConversationID,
		SelectedPersonaID: role.PersonaID,
		TextInput:         text,
		UserAPIKeys:       req.UserAPIKeys,
		AgencyRequest: &core.AgencyRequest{
			AgencyID: req.AgencyID,
			RunID:    runID,
			Goal:     req.Goal,
			RoleID:   role.ID,
			Seats:    req.Seats(),
			Metadata: meta,
		},
		Options: &core.RequestOptions{OutputFormat: string(req.OutputFormat)},
	}
	if req.WorkflowID != "" {
		in.WorkflowRequest = &core.WorkflowRequest{WorkflowID: req.WorkflowID, TaskID: taskID}
	}
	return in.Clone()
}
