// Package agencyhost provides a high-level façade over the runtime host and
// the agency coordinator. Most applications interact with this package by:
//  1. Creating a Host via New() (optionally overriding storage, catalog and
//     engine construction)
//  2. Opening single persona streams (OpenStream) or starting agencies
//     (StartAgency)
//  3. Reading conversation state (Sessions) and usage (Telemetry)
//
// Every chunk that flows through the façade, including the chunks of agency
// roles, is folded into the session store and the telemetry aggregator
// before it reaches the caller's handlers.
package agencyhost

import (
	"context"
	"errors"
	"os"

	"github.com/hupe1980/agencyhost/agency"
	"github.com/hupe1980/agencyhost/core"
	"github.com/hupe1980/agencyhost/credential"
	"github.com/hupe1980/agencyhost/engine"
	"github.com/hupe1980/agencyhost/gateway"
	"github.com/hupe1980/agencyhost/logging"
	"github.com/hupe1980/agencyhost/persona"
	"github.com/hupe1980/agencyhost/runtime"
	"github.com/hupe1980/agencyhost/session"
	"github.com/hupe1980/agencyhost/storage"
	"github.com/hupe1980/agencyhost/telemetry"
)

// Options configures the Host instance.
type Options struct {
	// Catalog resolves personas. Defaults to persona.Builtin().
	Catalog core.PersonaCatalog

	// StorageFactory builds the engine's storage adapter. Defaults to
	// storage.MemoryFactory.
	StorageFactory storage.Factory

	// State persists agency definitions and saved conversations. It is
	// independent of the engine storage, which is rebuilt whenever the
	// credentials change. Defaults to an in-memory adapter.
	State storage.Adapter

	// EngineFactory builds the engine. Defaults to NewEngineFactory with
	// EngineConfig.
	EngineFactory runtime.EngineFactory
	EngineConfig  engine.Config

	Defaults runtime.Defaults

	// Credentials supplies the base credential set. Defaults to the
	// process environment.
	Credentials func() credential.Set

	// MaxAgencyConcurrency bounds role streams across all agency runs.
	// 0 means unlimited.
	MaxAgencyConcurrency int

	// Logger (defaults to NoOp logger if nil)
	Logger logging.Logger
}

// Host is the high-level façade aggregating the runtime host, the agency
// coordinator and the observing consumers.
type Host struct {
	opts   Options
	logger logging.Logger

	runtime     *runtime.Host
	agencies    *agency.Coordinator
	sessions    *session.Store
	telemetry   *telemetry.Aggregator
	definitions *agency.DefinitionStore
}

var (
	_ agency.Streamer       = (*Host)(nil)
	_ gateway.AgencyStarter = (*Host)(nil)
)

// New creates a new Host. The engine is not built until the first stream
// or an explicit EnsureReady.
func New(ctx context.Context, optFns ...func(o *Options)) (*Host, error) {
	opts := Options{
		StorageFactory: storage.MemoryFactory,
		EngineConfig:   engine.DefaultConfig,
		Logger:         logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	logger := logging.OrNoOp(opts.Logger)

	if opts.Catalog == nil {
		opts.Catalog = persona.Builtin()
	}
	if opts.Credentials == nil {
		opts.Credentials = func() credential.Set { return credential.FromEnv(os.LookupEnv) }
	}
	if opts.EngineFactory == nil {
		opts.EngineFactory = NewEngineFactory(opts.EngineConfig, logger)
	}
	if opts.Defaults.DefaultPersonaID == "" {
		opts.Defaults.DefaultPersonaID = persona.DefaultPersonaID
	}
	if opts.State == nil {
		opts.State = storage.NewMemory()
	}
	if err := opts.State.Open(ctx); err != nil {
		return nil, &core.InitializationError{Stage: "state", Err: err}
	}

	rt, err := runtime.New(func(o *runtime.Options) {
		o.EngineFactory = opts.EngineFactory
		o.StorageFactory = opts.StorageFactory
		o.PersonaCatalog = opts.Catalog
		o.Defaults = opts.Defaults
		o.Credentials = opts.Credentials
		o.Logger = logger
	})
	if err != nil {
		_ = opts.State.Close()
		return nil, err
	}

	h := &Host{
		opts:        opts,
		logger:      logger,
		runtime:     rt,
		sessions:    session.New(func(o *session.Options) { o.Adapter = opts.State; o.Logger = logger }),
		telemetry:   telemetry.New(),
		definitions: agency.NewDefinitionStore(opts.State),
	}
	h.agencies = agency.NewCoordinator(h, func(o *agency.Options) {
		o.MaxConcurrency = opts.MaxAgencyConcurrency
		o.Logger = logger
	})
	return h, nil
}

// Runtime returns the underlying runtime host.
func (h *Host) Runtime() *runtime.Host { return h.runtime }

// Agencies returns the agency coordinator.
func (h *Host) Agencies() *agency.Coordinator { return h.agencies }

// Sessions returns the conversation store fed by every stream.
func (h *Host) Sessions() *session.Store { return h.sessions }

// Telemetry returns the usage aggregator fed by every stream.
func (h *Host) Telemetry() *telemetry.Aggregator { return h.telemetry }

// Definitions returns the store of saved agency definitions.
func (h *Host) Definitions() *agency.DefinitionStore { return h.definitions }

// Logger returns the host logger.
func (h *Host) Logger() logging.Logger { return h.logger }

// Catalog returns the persona catalog handed to the engine.
func (h *Host) Catalog() core.PersonaCatalog { return h.opts.Catalog }

// EnsureReady builds the engine for the configured credentials ahead of the
// first stream.
func (h *Host) EnsureReady(ctx context.Context) error {
	return h.runtime.EnsureReady(ctx, h.opts.Credentials())
}

// OpenStream opens a stream on the runtime host. Chunks are recorded in the
// session store under the input's conversation and observed by telemetry
// before they reach handlers.
func (h *Host) OpenStream(input core.Input, handlers runtime.Handlers) runtime.CancelFunc {
	conversationID := input.ConversationID
	if conversationID == "" {
		conversationID = input.StreamKey()
	}
	streamID := input.StreamKey()

	return h.runtime.OpenStream(input, runtime.Handlers{
		OnChunk: func(c core.Chunk) {
			h.sessions.Apply(conversationID, c)
			h.telemetry.Observe(c)
			if handlers.OnChunk != nil {
				handlers.OnChunk(c)
			}
		},
		OnDone: handlers.OnDone,
		OnError: func(err error) {
			id := streamID
			var se *core.StreamError
			if errors.As(err, &se) && se.StreamID != "" {
				id = se.StreamID
			}
			h.sessions.MarkFailed(conversationID, id, err)
			h.telemetry.RecordFailure(id)
			if handlers.OnError != nil {
				handlers.OnError(err)
			}
		},
	})
}

// StartAgency starts an agency run. Failed roles are flagged on the seat
// snapshot of the run's conversation.
func (h *Host) StartAgency(req agency.Request, handlers agency.Handlers) (*agency.Run, error) {
	onRole := handlers.OnRoleUpdate
	conversationID := func(u agency.RoleUpdate) string {
		if req.ConversationID != "" {
			return req.ConversationID
		}
		return u.AgencyID
	}
	handlers.OnRoleUpdate = func(u agency.RoleUpdate) {
		if u.Status == agency.RoleFailed {
			h.sessions.MarkRoleFailed(conversationID(u), u.AgencyID, u.RoleID, u.Err)
		}
		if onRole != nil {
			onRole(u)
		}
	}
	return h.agencies.StartAgency(req, handlers)
}

// StartDefinition runs a saved agency definition. A non-empty goal replaces
// the stored one.
func (h *Host) StartDefinition(ctx context.Context, id, goal string, format agency.OutputFormat, handlers agency.Handlers) (*agency.Run, error) {
	def, err := h.definitions.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	req := agency.RequestFromAgency(def, format)
	if goal != "" {
		req.Goal = goal
	}
	return h.StartAgency(req, handlers)
}

// Gateway returns a WebSocket handler serving chats and agencies through
// this host.
func (h *Host) Gateway(optFns ...func(o *gateway.Options)) (*gateway.Handler, error) {
	return gateway.New(append([]func(o *gateway.Options){func(o *gateway.Options) {
		o.Streamer = h
		o.Agencies = h
		o.Logger = h.logger
	}}, optFns...)...)
}

// Close cancels all agency runs, disposes the runtime host and closes the
// state adapter.
func (h *Host) Close(ctx context.Context) error {
	errs := []error{h.agencies.CancelAll(ctx), h.runtime.Dispose(ctx), h.opts.State.Close()}
	return errors.Join(errs...)
}
