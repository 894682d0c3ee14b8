package testutil

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hupe1980/agencyhost/core"
)

// Script describes how a ScriptedEngine answers one request.
type Script struct {
	// Chunks are emitted in order. Empty StreamID fields are filled with the
	// input's stream key.
	Chunks []core.Chunk
	// Err is delivered on the error channel after Chunks have been emitted.
	Err error
	// Delay is applied before every chunk.
	Delay time.Duration
	// Gate, when set, blocks emission of chunk GateAt until it is closed.
	Gate   <-chan struct{}
	GateAt int
}

// ScriptedEngine is a core.Engine fake answering requests from scripts keyed
// by text input (or by agency role id when an agency request is present).
// Unscripted requests echo the input back as a single text delta plus final
// response.
type ScriptedEngine struct {
	mu      sync.Mutex
	scripts map[string]Script
	calls   []core.Input

	shutdowns atomic.Int32
	label     string
}

// NewScriptedEngine creates an engine with no scripts. The label is exposed as
// a metadata key so tests can tell engine instances apart.
func NewScriptedEngine(label string) *ScriptedEngine {
	return &ScriptedEngine{scripts: make(map[string]Script), label: label}
}

var _ core.Engine = (*ScriptedEngine)(nil)

// On registers a script for the given key (chainable).
func (e *ScriptedEngine) On(key string, s Script) *ScriptedEngine {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.scripts[key] = s
	return e
}

// Label returns the engine label.
func (e *ScriptedEngine) Label() string { return e.label }

// Calls returns a copy of all inputs received so far.
func (e *ScriptedEngine) Calls() []core.Input {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]core.Input(nil), e.calls...)
}

// ShutdownCount reports how often Shutdown was called.
func (e *ScriptedEngine) ShutdownCount() int { return int(e.shutdowns.Load()) }

// ProcessRequest implements core.Engine.
func (e *ScriptedEngine) ProcessRequest(ctx context.Context, input core.Input) (<-chan core.Chunk, <-chan error) {
	out := make(chan core.Chunk)
	errCh := make(chan error, 1)

	e.mu.Lock()
	e.calls = append(e.calls, input.Clone())
	script, ok := e.scripts[scriptKey(input)]
	e.mu.Unlock()
	if !ok {
		script = Script{Chunks: TextStream("", input.SelectedPersonaID, "echo: "+input.TextInput)}
	}

	go func() {
		defer close(out)
		defer close(errCh)
		for i, c := range script.Chunks {
			if script.Gate != nil && i == script.GateAt {
				select {
				case <-script.Gate:
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				}
			}
			if script.Delay > 0 {
				select {
				case <-time.After(script.Delay):
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				}
			}
			if c.StreamID == "" {
				c.StreamID = input.StreamKey()
			}
			select {
			case out <- c:
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			}
		}
		if script.Err != nil {
			errCh <- script.Err
		}
	}()
	return out, errCh
}

// Shutdown implements core.Engine.
func (e *ScriptedEngine) Shutdown(context.Context) error {
	e.shutdowns.Add(1)
	return nil
}

func scriptKey(in core.Input) string {
	if in.AgencyRequest != nil && in.AgencyRequest.RoleID != "" {
		return in.AgencyRequest.RoleID
	}
	return in.TextInput
}
