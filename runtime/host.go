package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/hupe1980/agencyhost/core"
	"github.com/hupe1980/agencyhost/credential"
	"github.com/hupe1980/agencyhost/logging"
	"github.com/hupe1980/agencyhost/storage"
)

// ErrDisposed is returned by every operation on a disposed Host.
var ErrDisposed = errors.New("runtime host disposed")

// State is the lifecycle state of the engine owned by a Host.
type State string

const (
	StateAbsent       State = "absent"
	StateInitializing State = "initializing"
	StateReady        State = "ready"
	StateTearingDown  State = "tearing_down"
	StateDisposed     State = "disposed"
)

// EngineFactory constructs an engine for a configuration.
type EngineFactory func(ctx context.Context, cfg Config) (core.Engine, error)

// Options configures a Host.
type Options struct {
	// EngineFactory builds the engine. Required.
	EngineFactory EngineFactory

	// StorageFactory builds a fresh storage adapter per initialization.
	// Defaults to storage.MemoryFactory.
	StorageFactory storage.Factory

	// PersonaCatalog is handed to the engine. Its definitions are loaded once
	// per initialization to verify the catalog is usable.
	PersonaCatalog core.PersonaCatalog

	// Defaults for the runtime configuration.
	Defaults Defaults

	// Credentials supplies the base credential set used by OpenStream.
	// Defaults to the set most recently passed to EnsureReady.
	Credentials func() credential.Set

	// TeardownTimeout bounds engine shutdown and storage close. Defaults to 10s.
	TeardownTimeout time.Duration

	// Logger defaults to NoOpLogger.
	Logger logging.Logger
}

// Host owns exactly one execution engine and one storage adapter. It builds
// them lazily, rebuilds them when the credential fingerprint changes and
// hands out cancellable streams. The engine itself is never exposed.
type Host struct {
	opts   Options
	logger logging.Logger

	// group joins concurrent initializations; lifecycle serializes
	// initialization against teardown.
	group     singleflight.Group
	lifecycle sync.Mutex

	mu          sync.Mutex
	state       State
	engine      core.Engine
	adapter     storage.Adapter
	config      *Config
	fingerprint credential.Fingerprint
	lastCreds   credential.Set
	streams     map[uint64]*stream
	nextStream  uint64
}

// New creates a Host in state absent.
func New(optFns ...func(o *Options)) (*Host, error) {
	opts := Options{
		StorageFactory:  storage.MemoryFactory,
		TeardownTimeout: 10 * time.Second,
		Logger:          logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.EngineFactory == nil {
		return nil, errors.New("runtime: engine factory is required")
	}
	if opts.StorageFactory == nil {
		opts.StorageFactory = storage.MemoryFactory
	}
	return &Host{
		opts:    opts,
		logger:  logging.OrNoOp(opts.Logger),
		state:   StateAbsent,
		streams: make(map[uint64]*stream),
	}, nil
}

// State returns the current lifecycle state.
func (h *Host) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Fingerprint returns the fingerprint of the ready engine, or "" when none.
func (h *Host) Fingerprint() credential.Fingerprint {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != StateReady {
		return ""
	}
	return h.fingerprint
}

// Config returns a copy of the configuration of the ready engine.
func (h *Host) Config() (Config, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != StateReady || h.config == nil {
		return Config{}, false
	}
	return *h.config, true
}

// Storage returns the live storage adapter, or nil when no engine is ready.
func (h *Host) Storage() storage.Adapter {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != StateReady {
		return nil
	}
	return h.adapter
}

// EnsureReady makes sure an engine built from creds is ready. It builds one
// when none exists and rebuilds when the fingerprint changed. Concurrent
// callers join the initialization in flight and observe its outcome. On
// failure the host is left absent so the next call retries from scratch.
//
// Cancelling ctx abandons the wait but not the initialization itself.
func (h *Host) EnsureReady(ctx context.Context, creds credential.Set) error {
	creds = creds.Clone()
	fp := creds.Fingerprint()

	for {
		h.mu.Lock()
		switch {
		case h.state == StateDisposed:
			h.mu.Unlock()
			return ErrDisposed
		case h.state == StateReady && h.fingerprint == fp:
			h.lastCreds = creds
			h.mu.Unlock()
			return nil
		}
		h.lastCreds = creds
		h.mu.Unlock()

		ch := h.group.DoChan("init", func() (any, error) {
			return fp, h.initialize(context.WithoutCancel(ctx), creds, fp)
		})
		select {
		case res := <-ch:
			if built, _ := res.Val.(credential.Fingerprint); built == fp {
				return res.Err
			}
			// Joined a flight for other credentials; try again for ours.
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (h *Host) initialize(ctx context.Context, creds credential.Set, fp credential.Fingerprint) error {
	h.lifecycle.Lock()
	defer h.lifecycle.Unlock()

	h.mu.Lock()
	if h.state == StateDisposed {
		h.mu.Unlock()
		return ErrDisposed
	}
	if h.state == StateReady && h.fingerprint == fp {
		h.mu.Unlock()
		return nil
	}
	oldEngine, oldAdapter := h.engine, h.adapter
	h.engine, h.adapter, h.config, h.fingerprint = nil, nil, nil, ""
	if oldEngine != nil || oldAdapter != nil {
		h.state = StateTearingDown
	}
	h.mu.Unlock()

	if oldEngine != nil || oldAdapter != nil {
		h.logger.Info("Credentials changed, rebuilding engine")
		h.release(ctx, oldEngine, oldAdapter)
	}

	h.setState(StateInitializing)
	start := time.Now()
	cfg, eng, adapter, err := h.build(ctx, creds)
	h.logBuild(cfg, fp, time.Since(start), err)
	if err != nil {
		h.mu.Lock()
		if h.state != StateDisposed {
			h.state = StateAbsent
		}
		h.mu.Unlock()
		return err
	}

	h.mu.Lock()
	if h.state == StateDisposed {
		h.mu.Unlock()
		h.release(ctx, eng, adapter)
		return ErrDisposed
	}
	h.engine, h.adapter, h.config, h.fingerprint = eng, adapter, &cfg, fp
	h.state = StateReady
	h.mu.Unlock()
	return nil
}

// build assembles a Config and constructs storage and engine. Partially
// built resources are released on failure.
func (h *Host) build(ctx context.Context, creds credential.Set) (Config, core.Engine, storage.Adapter, error) {
	cfg, err := BuildConfig(creds, h.opts.Defaults)
	if err != nil {
		return cfg, nil, nil, err
	}

	if h.opts.PersonaCatalog != nil {
		if _, err := h.opts.PersonaCatalog.LoadAllPersonaDefinitions(ctx); err != nil {
			return cfg, nil, nil, &core.InitializationError{Stage: "catalog", Err: err}
		}
	}

	adapter, err := h.opts.StorageFactory(ctx)
	if err != nil {
		return cfg, nil, nil, &core.InitializationError{Stage: "storage", Err: err}
	}
	if err := adapter.Open(ctx); err != nil {
		_ = adapter.Close()
		return cfg, nil, nil, &core.InitializationError{Stage: "storage", Err: err}
	}

	cfg.Catalog = h.opts.PersonaCatalog
	cfg.Storage = adapter

	eng, err := h.opts.EngineFactory(ctx, cfg)
	if err == nil && eng == nil {
		err = errors.New("engine factory returned nil engine")
	}
	if err != nil {
		_ = adapter.Close()
		var cfgErr *core.ConfigurationError
		if errors.As(err, &cfgErr) {
			return cfg, nil, nil, err
		}
		return cfg, nil, nil, &core.InitializationError{Stage: "engine", Err: err}
	}
	return cfg, eng, adapter, nil
}

// release shuts the engine down and closes storage. Failures are logged.
func (h *Host) release(ctx context.Context, eng core.Engine, adapter storage.Adapter) {
	ctx, cancel := context.WithTimeout(ctx, h.opts.TeardownTimeout)
	defer cancel()
	if eng != nil {
		if err := eng.Shutdown(ctx); err != nil {
			h.logger.Warn("Engine shutdown failed", "error", err)
		}
	}
	if adapter != nil {
		if err := adapter.Close(); err != nil {
			h.logger.Warn("Storage close failed", "error", err)
		}
	}
}

func (h *Host) logBuild(cfg Config, fp credential.Fingerprint, dur time.Duration, err error) {
	if hl, ok := h.logger.(interface {
		LogEngineBuild(provider, fingerprint string, dur time.Duration, err error)
	}); ok {
		hl.LogEngineBuild(string(cfg.Provider), string(fp), dur, err)
		return
	}
	if err != nil {
		h.logger.Error("Engine build failed", "provider", cfg.Provider, "error", err)
		return
	}
	h.logger.Info("Engine build completed", "provider", cfg.Provider, "duration", dur)
}

func (h *Host) setState(s State) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != StateDisposed {
		h.state = s
	}
}

// Teardown releases the engine and storage adapter. It is idempotent and
// safe to call when nothing is initialised. It waits for an initialization
// in flight to finish first.
func (h *Host) Teardown(ctx context.Context) error {
	h.lifecycle.Lock()
	defer h.lifecycle.Unlock()
	return h.teardownLocked(ctx, false)
}

// Dispose tears down and moves the host to its terminal state. Active
// streams are cancelled; later calls fail with ErrDisposed.
func (h *Host) Dispose(ctx context.Context) error {
	h.mu.Lock()
	streams := make([]*stream, 0, len(h.streams))
	for _, s := range h.streams {
		streams = append(streams, s)
	}
	h.mu.Unlock()
	for _, s := range streams {
		s.Cancel()
	}

	h.lifecycle.Lock()
	defer h.lifecycle.Unlock()
	return h.teardownLocked(ctx, true)
}

func (h *Host) teardownLocked(ctx context.Context, dispose bool) error {
	h.mu.Lock()
	if h.state == StateDisposed {
		h.mu.Unlock()
		return nil
	}
	eng, adapter := h.engine, h.adapter
	h.engine, h.adapter, h.config, h.fingerprint = nil, nil, nil, ""
	if eng != nil || adapter != nil {
		h.state = StateTearingDown
	}
	h.mu.Unlock()

	if eng != nil || adapter != nil {
		h.release(ctx, eng, adapter)
	}

	h.mu.Lock()
	if dispose {
		h.state = StateDisposed
	} else {
		h.state = StateAbsent
	}
	h.mu.Unlock()
	return nil
}

// currentEngine returns the ready engine, or ErrEngineAbsent.
func (h *Host) currentEngine() (core.Engine, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch {
	case h.state == StateDisposed:
		return nil, ErrDisposed
	case h.state != StateReady || h.engine == nil:
		return nil, core.ErrEngineAbsent
	}
	return h.engine, nil
}

func (h *Host) credentials() credential.Set {
	if h.opts.Credentials != nil {
		return h.opts.Credentials()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastCreds.Clone()
}

// ActiveStreams returns the number of streams that have not terminated.
func (h *Host) ActiveStreams() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.streams)
}

func (h *Host) String() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return fmt.Sprintf("runtime.Host(state=%s, streams=%d)", h.state, len(h.streams))
}
