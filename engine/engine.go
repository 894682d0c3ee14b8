package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/hupe1980/agencyhost/core"
	"github.com/hupe1980/agencyhost/logging"
	"github.com/hupe1980/agencyhost/model"
	"github.com/hupe1980/agencyhost/storage"
)

var (
	// ErrShutdown is returned for requests made after Shutdown.
	ErrShutdown = errors.New("engine is shut down")

	// ErrPersonaNotFound is returned when the selected persona is not in the catalog.
	ErrPersonaNotFound = errors.New("persona not found")

	// ErrEmptyInput is returned when an input carries no text.
	ErrEmptyInput = errors.New("empty text input")
)

// Config defines tuning parameters for the Engine's operational behavior.
//
// Example:
//
//	cfg := Config{
//	    MaxConcurrentRequests: 8,
//	    ChunkBufferSize: 64,
//	    HistoryLimit: 20,
//	}
type Config struct {
	// MaxConcurrentRequests limits the number of requests that generate at
	// the same time. Excess requests wait for a slot. 0 means unlimited.
	MaxConcurrentRequests int

	// ChunkBufferSize sets the buffer size of the chunk channel returned by
	// ProcessRequest. Larger buffers decouple slow consumers from the model.
	ChunkBufferSize int

	// HistoryLimit caps the number of prior messages per conversation sent to
	// the model. 0 disables history.
	HistoryLimit int
}

// DefaultConfig provides production-ready default configuration values.
//
// Configuration values:
//   - MaxConcurrentRequests: 10 (safe for most provider rate limits)
//   - ChunkBufferSize: 100 (balances memory usage and latency)
//   - HistoryLimit: 20 (keeps prompts small)
var DefaultConfig = Config{
	MaxConcurrentRequests: 10,
	ChunkBufferSize:       100,
	HistoryLimit:          20,
}

// Options configures an Engine instance using the functional options pattern.
type Options struct {
	// Config contains operational parameters for the engine behavior.
	// Defaults to DefaultConfig if not specified.
	Config Config

	// Model generates responses. Required.
	Model model.Model

	// Catalog resolves persona definitions. Required.
	Catalog core.PersonaCatalog

	// Storage persists conversation history. Optional; history is kept only
	// for the lifetime of the request when nil.
	Storage storage.Adapter

	// DefaultPersonaID is used when an input selects no persona.
	DefaultPersonaID string

	// DefaultModel overrides the model name when neither the request nor the
	// persona specifies one.
	DefaultModel string

	// Callbacks observe and guard the request lifecycle. Optional.
	Callbacks *CallbackManager

	// Logger provides structured logging for debugging and monitoring.
	// Defaults to NoOp logger if nil.
	Logger logging.Logger
}

// Engine is the default LLM-backed implementation of core.Engine.
//
// For every request it resolves the persona, binds an agent instance id,
// streams the model's text as text_delta chunks and finishes with a single
// final_response chunk carrying usage. Requests that belong to an agency
// additionally publish complete seat snapshots via agency_update chunks.
//
// Concurrency Model:
//   - Every request runs in its own goroutine with its own cancellable context
//   - A weighted semaphore bounds concurrent generation
//   - Shutdown cancels all active requests and waits for them to drain
//
// Error Handling:
//   - Persona and model failures emit an error chunk followed by an error on
//     the error channel
//   - Context cancellation ends the stream without an error chunk
type Engine struct {
	model            model.Model
	catalog          core.PersonaCatalog
	history          *historyStore
	logger           logging.Logger
	config           Config
	callbacks        *CallbackManager
	defaultPersonaID string
	defaultModel     string

	sem   *semaphore.Weighted
	seats *seatRegistry

	mu       sync.Mutex
	closed   bool
	active   map[string]context.CancelFunc
	inflight sync.WaitGroup
}

// Compile-time check that Engine implements core.Engine.
var _ core.Engine = (*Engine)(nil)

// New creates a new Engine. Model and Catalog are required.
//
// Example:
//
//	eng, err := engine.New(func(o *engine.Options) {
//	    o.Model = openai.NewModel()
//	    o.Catalog = persona.Builtin()
//	    o.Storage = storage.NewMemory()
//	})
func New(optFns ...func(o *Options)) (*Engine, error) {
	opts := Options{
		Config: DefaultConfig,
		Logger: logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Model == nil {
		return nil, errors.New("engine: model is required")
	}
	if opts.Catalog == nil {
		return nil, errors.New("engine: persona catalog is required")
	}
	if opts.Config.ChunkBufferSize <= 0 {
		opts.Config.ChunkBufferSize = DefaultConfig.ChunkBufferSize
	}
	if opts.Callbacks == nil {
		opts.Callbacks = NewCallbackManager()
	}

	e := &Engine{
		model:            opts.Model,
		catalog:          opts.Catalog,
		history:          newHistoryStore(opts.Storage, opts.Config.HistoryLimit),
		logger:           logging.OrNoOp(opts.Logger),
		config:           opts.Config,
		callbacks:        opts.Callbacks,
		defaultPersonaID: opts.DefaultPersonaID,
		defaultModel:     opts.DefaultModel,
		seats:            newSeatRegistry(),
		active:           make(map[string]context.CancelFunc),
	}
	if opts.Config.MaxConcurrentRequests > 0 {
		e.sem = semaphore.NewWeighted(int64(opts.Config.MaxConcurrentRequests))
	}
	return e, nil
}

// ProcessRequest implements core.Engine. The returned chunk channel is closed
// when the request finishes; the error channel carries at most one error.
func (e *Engine) ProcessRequest(ctx context.Context, input core.Input) (<-chan core.Chunk, <-chan error) {
	out := make(chan core.Chunk, e.config.ChunkBufferSize)
	errCh := make(chan error, 1)

	input = input.Clone()
	streamID := input.StreamKey()
	if streamID == "" {
		streamID = uuid.NewString()
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		errCh <- ErrShutdown
		close(out)
		close(errCh)
		return out, errCh
	}
	streamCtx, cancel := context.WithCancel(ctx)
	key := streamID + "#" + uuid.NewString()
	e.active[key] = cancel
	e.inflight.Add(1)
	e.mu.Unlock()

	go func() {
		defer func() {
			cancel()
			e.mu.Lock()
			delete(e.active, key)
			e.mu.Unlock()
			close(out)
			close(errCh)
			e.inflight.Done()
		}()

		if err := e.run(streamCtx, streamID, input, out); err != nil {
			errCh <- err
		}
	}()

	return out, errCh
}

// ActiveRequests returns the number of requests currently in flight.
func (e *Engine) ActiveRequests() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}

// AgencySnapshot returns the current seat snapshot of an agency the engine
// has served, or false when unknown.
func (e *Engine) AgencySnapshot(agencyID string) (core.AgencyUpdate, bool) {
	return e.seats.snapshot(agencyID)
}

// Shutdown rejects new requests, cancels the active ones and waits until they
// have drained or ctx is done.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	for _, cancel := range e.active {
		cancel()
	}
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		e.logger.Debug("Engine shut down")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("engine shutdown: %w", ctx.Err())
	}
}

// run drives one request. It returns the terminal error, if any, after the
// matching error chunk has been emitted.
func (e *Engine) run(ctx context.Context, streamID string, input core.Input, out chan<- core.Chunk) error {
	if e.sem != nil {
		if err := e.sem.Acquire(ctx, 1); err != nil {
			return err
		}
		defer e.sem.Release(1)
	}

	emit := func(c core.Chunk) error {
		if err := e.callbacks.ExecuteCallbacks(ctx, CallbackOnChunk, &CallbackContext{Input: &input, Chunk: &c}); err != nil {
			return err
		}
		select {
		case out <- c:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	fail := func(instanceID, personaID, code string, err error) error {
		_ = e.callbacks.ExecuteCallbacks(ctx, CallbackOnError, &CallbackContext{Input: &input, Err: err})
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if emitErr := emit(core.NewErrorChunk(streamID, instanceID, personaID, code, err.Error())); emitErr != nil {
			return emitErr
		}
		return err
	}

	if input.TextInput == "" {
		return fail("", input.SelectedPersonaID, core.CodeEngine, ErrEmptyInput)
	}

	p, err := e.resolvePersona(ctx, input)
	if err != nil {
		return fail("", input.SelectedPersonaID, core.CodeEngine, err)
	}

	if err := e.callbacks.ExecuteCallbacks(ctx, CallbackBeforeRequest, &CallbackContext{Input: &input, PersonaID: p.ID}); err != nil {
		return fail("", p.ID, core.CodeEngine, fmt.Errorf("request rejected: %w", err))
	}

	instanceID := uuid.NewString()
	var agencyUpdate *core.AgencyUpdate
	if ar := input.AgencyRequest; ar != nil {
		id, update := e.seats.bind(ar, p.ID)
		instanceID = id
		agencyUpdate = &update
	}

	if err := emit(core.NewProgressChunk(streamID, instanceID, p.ID, fmt.Sprintf("%s is preparing a response", p.Name))); err != nil {
		return err
	}

	info := e.model.Info()
	if err := emit(core.NewMetadataChunk(streamID, instanceID, p.ID, map[string]any{
		"gmi_instance_id": instanceID,
		"persona_id":      p.ID,
		"conversation_id": input.ConversationID,
		"provider":        info.Provider,
		"model":           e.modelName(input, p, info),
	})); err != nil {
		return err
	}
	if agencyUpdate != nil {
		if err := emit(core.NewAgencyUpdateChunk(streamID, instanceID, p.ID, *agencyUpdate)); err != nil {
			return err
		}
	}
	if wr := input.WorkflowRequest; wr != nil {
		if err := emit(core.NewWorkflowUpdateChunk(streamID, instanceID, p.ID, core.WorkflowUpdate{
			WorkflowID: wr.WorkflowID, TaskID: wr.TaskID, Status: "running",
		})); err != nil {
			return err
		}
	}

	history := e.history.load(ctx, input.ConversationID, e.logger)
	req := model.Request{
		Instructions: buildInstructions(p, input),
		Messages:     append(history, model.Message{Role: model.RoleUser, Content: input.TextInput}),
		Model:        e.modelName(input, p, info),
		Stream:       true,
	}
	if o := input.Options; o != nil {
		req.Temperature = o.Temperature
		req.MaxTokens = o.MaxTokens
	}

	final, err := e.generate(ctx, req, func(delta string) error {
		return emit(core.NewTextDeltaChunk(streamID, instanceID, p.ID, delta))
	})
	if err != nil {
		if ar := input.AgencyRequest; ar != nil && ctx.Err() == nil {
			e.seats.finish(ar.AgencyID, ar.RoleID, instanceID, "failed")
		}
		return fail(instanceID, p.ID, core.CodeEngine, err)
	}

	if len(final.ToolCalls) > 0 {
		calls := make([]core.ToolCall, len(final.ToolCalls))
		for i, tc := range final.ToolCalls {
			calls[i] = core.ToolCall{ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments}
		}
		c := core.NewChunk(core.ChunkToolCallRequest, streamID, instanceID, p.ID)
		c.ToolCalls = &core.ToolCallRequest{Calls: calls}
		if err := emit(c); err != nil {
			return err
		}
	}

	if wr := input.WorkflowRequest; wr != nil {
		if err := emit(core.NewWorkflowUpdateChunk(streamID, instanceID, p.ID, core.WorkflowUpdate{
			WorkflowID: wr.WorkflowID, TaskID: wr.TaskID, Status: "completed",
		})); err != nil {
			return err
		}
	}
	if ar := input.AgencyRequest; ar != nil {
		update := e.seats.finish(ar.AgencyID, ar.RoleID, instanceID, "completed")
		if err := emit(core.NewAgencyUpdateChunk(streamID, instanceID, p.ID, update)); err != nil {
			return err
		}
	}

	e.history.append(ctx, input.ConversationID, e.logger,
		model.Message{Role: model.RoleUser, Content: input.TextInput},
		model.Message{Role: model.RoleAssistant, Content: final.Text},
	)

	resp := core.FinalResponse{Text: final.Text, FinishReason: final.FinishReason}
	if u := final.Usage; u != nil {
		resp.Usage = &core.Usage{PromptTokens: u.PromptTokens, CompletionTokens: u.CompletionTokens, TotalTokens: u.TotalTokens}
	}
	if err := emit(core.NewFinalResponseChunk(streamID, instanceID, p.ID, resp)); err != nil {
		return err
	}

	_ = e.callbacks.ExecuteCallbacks(ctx, CallbackAfterRequest, &CallbackContext{Input: &input, PersonaID: p.ID, InstanceID: instanceID})
	return nil
}

// generate consumes the model stream, forwarding partial text to onDelta,
// and returns the final response.
func (e *Engine) generate(ctx context.Context, req model.Request, onDelta func(string) error) (model.Response, error) {
	respCh, errCh := e.model.Generate(ctx, req)
	var (
		final    model.Response
		gotFinal bool
		streamed string
	)
	for resp := range respCh {
		if resp.Partial {
			if resp.Text == "" {
				continue
			}
			streamed += resp.Text
			if err := onDelta(resp.Text); err != nil {
				return model.Response{}, err
			}
			continue
		}
		final = resp
		gotFinal = true
	}
	if err := <-errCh; err != nil {
		return model.Response{}, fmt.Errorf("generate: %w", err)
	}
	if !gotFinal {
		final = model.Response{Text: streamed, FinishReason: "stop"}
	}
	if final.Text == "" {
		final.Text = streamed
	}
	if streamed == "" && final.Text != "" {
		if err := onDelta(final.Text); err != nil {
			return model.Response{}, err
		}
	}
	return final, nil
}

func (e *Engine) resolvePersona(ctx context.Context, input core.Input) (core.Persona, error) {
	id := input.SelectedPersonaID
	if id == "" && input.AgencyRequest != nil {
		for _, s := range input.AgencyRequest.Seats {
			if s.RoleID == input.AgencyRequest.RoleID {
				id = s.PersonaID
				break
			}
		}
	}
	if id == "" {
		id = e.defaultPersonaID
	}
	p, ok, err := e.catalog.LoadPersonaByID(ctx, id)
	if err != nil {
		return core.Persona{}, fmt.Errorf("load persona %s: %w", id, err)
	}
	if !ok {
		return core.Persona{}, fmt.Errorf("%w: %q", ErrPersonaNotFound, id)
	}
	return p, nil
}

func (e *Engine) modelName(input core.Input, p core.Persona, info model.Info) string {
	switch {
	case input.Options != nil && input.Options.Model != "":
		return input.Options.Model
	case p.DefaultModel != "":
		return p.DefaultModel
	case e.defaultModel != "":
		return e.defaultModel
	default:
		return info.Name
	}
}
