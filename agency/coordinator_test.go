package agency

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/hupe1980/agencyhost/core"
	"github.com/hupe1980/agencyhost/credential"
	"github.com/hupe1980/agencyhost/internal/testutil"
	"github.com/hupe1980/agencyhost/runtime"
)

func newHost(t *testing.T, eng *testutil.ScriptedEngine) *runtime.Host {
	t.Helper()
	h, err := runtime.New(func(o *runtime.Options) {
		o.EngineFactory = func(context.Context, runtime.Config) (core.Engine, error) { return eng, nil }
		o.Credentials = func() credential.Set { return credential.Set{credential.OpenAIAPIKey: "sk-test"} }
	})
	assert.NoError(t, err)
	return h
}

type recorder struct {
	mu      sync.Mutex
	chunks  []core.Chunk
	updates []RoleUpdate
	done    int
	errs    []error
}

func (r *recorder) handlers() Handlers {
	return Handlers{
		OnChunk: func(c core.Chunk) {
			r.mu.Lock()
			r.chunks = append(r.chunks, c)
			r.mu.Unlock()
		},
		OnRoleUpdate: func(u RoleUpdate) {
			r.mu.Lock()
			r.updates = append(r.updates, u)
			r.mu.Unlock()
		},
		OnDone: func() {
			r.mu.Lock()
			r.done++
			r.mu.Unlock()
		},
		OnError: func(err error) {
			r.mu.Lock()
			r.errs = append(r.errs, err)
			r.mu.Unlock()
		},
	}
}

func (r *recorder) chunksFor(streamID string) []core.Chunk {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []core.Chunk
	for _, c := range r.chunks {
		if c.StreamID == streamID {
			out = append(out, c)
		}
	}
	return out
}

func (r *recorder) counts() (chunks, done, errs int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.chunks), r.done, len(r.errs)
}

func waitRun(t *testing.T, run *Run) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := run.Wait(ctx)
	assert.NotErrorIs(t, err, context.DeadlineExceeded)
	return err
}

func roles(ids ...string) []Role {
	out := make([]Role, len(ids))
	for i, id := range ids {
		out[i] = Role{ID: id, PersonaID: "assistant"}
	}
	return out
}

func TestStartAgency_FanOutJoinsAll(t *testing.T) {
	eng := testutil.NewScriptedEngine("e")
	coord := NewCoordinator(newHost(t, eng))
	rec := &recorder{}

	run, err := coord.StartAgency(Request{AgencyID: "ag", Goal: "ship it", Roles: roles("a", "b", "c", "d")}, rec.handlers())
	assert.NoError(t, err)
	assert.NoError(t, waitRun(t, run))

	assert.Len(t, eng.Calls(), 4)
	chunks, done, errs := rec.counts()
	assert.Equal(t, 8, chunks)
	assert.Equal(t, 1, done)
	assert.Zero(t, errs)
	assert.Equal(t, RunCompleted, run.Status())
	for i, id := range []string{"a", "b", "c", "d"} {
		got := rec.chunksFor(TaskID("ag", i, id))
		assert.Len(t, got, 2, id)
		st, ok := run.RoleStatus(id)
		assert.True(t, ok)
		assert.Equal(t, RoleCompleted, st)
	}
	assert.Equal(t, 0, coord.ActiveRuns())

	_, ok := run.RoleStatus("nope")
	assert.False(t, ok)
}

func TestStartAgency_PartialFailureIsolation(t *testing.T) {
	gate := make(chan struct{})
	boom := errors.New("model overloaded")
	eng := testutil.NewScriptedEngine("e")
	for _, id := range []string{"a", "c", "d"} {
		eng.On(id, testutil.Script{Chunks: testutil.TextStream("", id, "x", "y"), Gate: gate, GateAt: 1})
	}
	eng.On("b", testutil.Script{Chunks: []core.Chunk{testutil.NewChunkBuilder().Stream("").Text("partial").Build()}, Err: boom})

	coord := NewCoordinator(newHost(t, eng))
	rec := &recorder{}
	run, err := coord.StartAgency(Request{AgencyID: "ag", Goal: "g", Roles: roles("a", "b", "c", "d")}, rec.handlers())
	assert.NoError(t, err)

	assert.Eventually(t, func() bool {
		_, _, errs := rec.counts()
		return errs == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, RunRunning, run.Status())
	close(gate)

	err = waitRun(t, run)
	var roleErr *RoleError
	assert.ErrorAs(t, err, &roleErr)
	assert.Equal(t, "b", roleErr.RoleID)
	assert.Equal(t, TaskID("ag", 1, "b"), roleErr.TaskID)
	assert.ErrorIs(t, err, boom)

	_, done, errs := rec.counts()
	assert.Zero(t, done)
	assert.Equal(t, 1, errs)
	assert.Equal(t, RunFailed, run.Status())
	assert.Same(t, err, run.Err())

	for i, id := range []string{"a", "c", "d"} {
		idx := []int{0, 2, 3}[i]
		assert.Len(t, rec.chunksFor(TaskID("ag", idx, id)), 3, id)
		st, _ := run.RoleStatus(id)
		assert.Equal(t, RoleCompleted, st)
	}
	assert.Len(t, rec.chunksFor(TaskID("ag", 1, "b")), 1)
	st, _ := run.RoleStatus("b")
	assert.Equal(t, RoleFailed, st)
}

func TestStartAgency_DependencyWaitsForFinalChunk(t *testing.T) {
	gate := make(chan struct{})
	eng := testutil.NewScriptedEngine("e")
	eng.On("researcher", testutil.Script{Chunks: testutil.TextStream("", "researcher", "r1", "r2"), Gate: gate, GateAt: 1})

	coord := NewCoordinator(newHost(t, eng))
	rec := &recorder{}
	run, err := coord.StartAgency(Request{
		AgencyID: "ag",
		Goal:     "g",
		Roles:    []Role{{ID: "writer", DependsOn: "researcher"}, {ID: "researcher"}},
	}, rec.handlers())
	assert.NoError(t, err)

	assert.Eventually(t, func() bool {
		st, _ := run.RoleStatus("writer")
		return st == RoleWaiting && len(rec.chunksFor(TaskID("ag", 1, "researcher"))) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Len(t, eng.Calls(), 1)

	close(gate)
	assert.NoError(t, waitRun(t, run))
	assert.Len(t, eng.Calls(), 2)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	lastResearcher, firstWriter := -1, -1
	for i, c := range rec.chunks {
		switch c.StreamID {
		case TaskID("ag", 1, "researcher"):
			lastResearcher = i
		case TaskID("ag", 0, "writer"):
			if firstWriter < 0 {
				firstWriter = i
			}
		}
	}
	assert.Greater(t, firstWriter, lastResearcher)
}

func TestStartAgency_DependencyFailureSkipsDependent(t *testing.T) {
	eng := testutil.NewScriptedEngine("e")
	eng.On("researcher", testutil.Script{Err: errors.New("boom")})

	coord := NewCoordinator(newHost(t, eng))
	rec := &recorder{}
	run, err := coord.StartAgency(Request{
		Goal:  "g",
		Roles: []Role{{ID: "researcher"}, {ID: "writer", DependsOn: "researcher"}},
	}, rec.handlers())
	assert.NoError(t, err)

	err = waitRun(t, run)
	var roleErr *RoleError
	assert.ErrorAs(t, err, &roleErr)
	assert.Equal(t, "researcher", roleErr.RoleID)
	assert.Len(t, eng.Calls(), 1)

	states := run.Roles()
	assert.Equal(t, RoleFailed, states[1].Status)
	assert.ErrorIs(t, states[1].Err, ErrDependencyFailed)
	var se *core.StreamError
	assert.ErrorAs(t, states[1].Err, &se)
	assert.Equal(t, core.CodeDependency, se.Code)

	_, _, errs := rec.counts()
	assert.Equal(t, 1, errs)
}

func TestRun_Cancel(t *testing.T) {
	gate := make(chan struct{})
	eng := testutil.NewScriptedEngine("e")
	for _, id := range []string{"a", "b"} {
		eng.On(id, testutil.Script{Chunks: testutil.TextStream("", id, "x", "y"), Gate: gate, GateAt: 1})
	}

	coord := NewCoordinator(newHost(t, eng))
	rec := &recorder{}
	run, err := coord.StartAgency(Request{AgencyID: "ag", Goal: "g", Roles: roles("a", "b")}, rec.handlers())
	assert.NoError(t, err)

	assert.Eventually(t, func() bool {
		chunks, _, _ := rec.counts()
		return chunks == 2
	}, 2*time.Second, 5*time.Millisecond)

	run.Cancel()
	run.Cancel()
	close(gate)

	assert.ErrorIs(t, waitRun(t, run), ErrCancelled)
	chunks, done, errs := rec.counts()
	assert.Equal(t, 2, chunks)
	assert.Zero(t, done)
	assert.Zero(t, errs)
	assert.Equal(t, RunCancelled, run.Status())
	for _, rs := range run.Roles() {
		assert.Equal(t, RoleCancelled, rs.Status)
	}

	// Terminal runs ignore further cancellation.
	run.Cancel()
	assert.Equal(t, RunCancelled, run.Status())
}

func TestCoordinator_CancelAll(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	eng := testutil.NewScriptedEngine("e")
	eng.On("a", testutil.Script{Chunks: testutil.TextStream("", "a", "x"), Gate: gate})

	coord := NewCoordinator(newHost(t, eng))
	run, err := coord.StartAgency(Request{Goal: "g", Roles: roles("a")}, Handlers{})
	assert.NoError(t, err)

	got, ok := coord.Run(run.ID())
	assert.True(t, ok)
	assert.Same(t, run, got)
	assert.Equal(t, 1, coord.ActiveRuns())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.NoError(t, coord.CancelAll(ctx))
	assert.Equal(t, RunCancelled, run.Status())
	assert.Equal(t, 0, coord.ActiveRuns())
}

// fakeStreamer completes every stream after a delay and tracks how many are
// open at once.
type fakeStreamer struct {
	delay time.Duration
	fail  map[string]error

	mu        sync.Mutex
	active    int
	maxActive int
	inputs    []core.Input
}

func (f *fakeStreamer) OpenStream(in core.Input, h runtime.Handlers) runtime.CancelFunc {
	f.mu.Lock()
	f.inputs = append(f.inputs, in)
	f.active++
	if f.active > f.maxActive {
		f.maxActive = f.active
	}
	f.mu.Unlock()

	go func() {
		time.Sleep(f.delay)
		h.OnChunk(testutil.NewChunkBuilder().Stream(in.SessionID).Final("ok", 0, 0).Build())
		f.mu.Lock()
		f.active--
		f.mu.Unlock()
		if err := f.fail[in.AgencyRequest.RoleID]; err != nil {
			h.OnError(err)
			return
		}
		h.OnDone()
	}()
	return func() {}
}

func TestCoordinator_MaxConcurrency(t *testing.T) {
	fs := &fakeStreamer{delay: 10 * time.Millisecond}
	coord := NewCoordinator(fs, func(o *Options) { o.MaxConcurrency = 2 })

	run, err := coord.StartAgency(Request{Goal: "g", Roles: roles("a", "b", "c", "d", "e")}, Handlers{})
	assert.NoError(t, err)
	assert.NoError(t, waitRun(t, run))

	fs.mu.Lock()
	defer fs.mu.Unlock()
	assert.Len(t, fs.inputs, 5)
	assert.LessOrEqual(t, fs.maxActive, 2)
}

func TestStartAgency_BuildsRoleInputs(t *testing.T) {
	fs := &fakeStreamer{}
	coord := NewCoordinator(fs)

	run, err := coord.StartAgency(Request{
		AgencyID:     "ag",
		UserID:       "u1",
		Goal:         "Plan a trip",
		WorkflowID:   "wf",
		OutputFormat: FormatStructured,
		UserAPIKeys:  map[string]string{credential.OpenAIAPIKey: "user"},
		Metadata:     map[string]any{"origin": "cli"},
		Roles: []Role{
			{ID: "planner", PersonaID: "researcher", Instruction: "Find options"},
			{ID: "writer", PersonaID: "writer", DependsOn: "planner"},
		},
	}, Handlers{})
	assert.NoError(t, err)
	assert.NoError(t, waitRun(t, run))

	fs.mu.Lock()
	defer fs.mu.Unlock()
	assert.Len(t, fs.inputs, 2)
	in := fs.inputs[0]
	assert.Equal(t, "ag:0:planner", in.SessionID)
	assert.Equal(t, "ag", in.ConversationID)
	assert.Equal(t, "u1", in.UserID)
	assert.Equal(t, "researcher", in.SelectedPersonaID)
	assert.Equal(t, "user", in.UserAPIKeys[credential.OpenAIAPIKey])
	assert.Contains(t, in.TextInput, "Plan a trip")
	assert.Contains(t, in.TextInput, "Find options")
	assert.Contains(t, in.TextInput, `"findings"`)
	assert.Equal(t, "planner", in.AgencyRequest.RoleID)
	assert.Len(t, in.AgencyRequest.Seats, 2)
	assert.Equal(t, "ag:0:planner", in.AgencyRequest.Metadata["task_id"])
	assert.Equal(t, run.ID(), in.AgencyRequest.RunID)
	assert.Equal(t, run.ID(), fs.inputs[1].AgencyRequest.RunID)
	assert.Equal(t, "cli", in.AgencyRequest.Metadata["origin"])
	assert.Equal(t, "wf", in.WorkflowRequest.WorkflowID)
	assert.Equal(t, "ag:0:planner", in.WorkflowRequest.TaskID)
	assert.Equal(t, string(FormatStructured), in.Options.OutputFormat)
	assert.Equal(t, "ag:1:writer", fs.inputs[1].SessionID)
}

func TestStartAgency_Validation(t *testing.T) {
	coord := NewCoordinator(&fakeStreamer{})
	tests := []struct {
		name string
		req  Request
	}{
		{"empty goal", Request{Goal: "  ", Roles: roles("a")}},
		{"no roles", Request{Goal: "g"}},
		{"duplicate role", Request{Goal: "g", Roles: roles("a", "a")}},
		{"empty role", Request{Goal: "g", Roles: roles("")}},
		{"unknown dependency", Request{Goal: "g", Roles: []Role{{ID: "a", DependsOn: "x"}}}},
		{"self dependency", Request{Goal: "g", Roles: []Role{{ID: "a", DependsOn: "a"}}}},
		{"cycle", Request{Goal: "g", Roles: []Role{{ID: "a", DependsOn: "b"}, {ID: "b", DependsOn: "a"}}}},
		{"bad format", Request{Goal: "g", Roles: roles("a"), OutputFormat: "xml"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			run, err := coord.StartAgency(tt.req, Handlers{})
			assert.ErrorIs(t, err, ErrInvalidRequest)
			assert.Nil(t, run)
		})
	}
	assert.Equal(t, 0, coord.ActiveRuns())
}

func TestRolesFromWorkflow(t *testing.T) {
	def := core.WorkflowDefinition{
		ID: "wf",
		Roles: []core.WorkflowRole{
			{RoleID: "researcher", PersonaID: "researcher"},
			{RoleID: "writer", PersonaID: "writer", Instruction: "Write clearly."},
		},
		Tasks: []core.WorkflowTask{
			{ID: "t1", RoleID: "researcher", Description: "Collect sources"},
			{ID: "t2", RoleID: "researcher", Description: "Summarize", DependsOn: []string{"t1"}},
			{ID: "t3", RoleID: "writer", Description: "Draft", DependsOn: []string{"t2"}},
		},
	}
	got, err := RolesFromWorkflow(def)
	assert.NoError(t, err)
	assert.Equal(t, []Role{
		{ID: "researcher", PersonaID: "researcher", Instruction: "- Collect sources\n- Summarize"},
		{ID: "writer", PersonaID: "writer", Instruction: "Write clearly.\n- Draft", DependsOn: "researcher"},
	}, got)
	assert.NoError(t, Request{Goal: "g", Roles: got}.Validate())

	def.Tasks = append(def.Tasks, core.WorkflowTask{ID: "t4", RoleID: "ghost"})
	_, err = RolesFromWorkflow(def)
	assert.ErrorIs(t, err, ErrInvalidRequest)
}
