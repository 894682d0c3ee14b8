package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/hupe1980/agencyhost/core"
	"github.com/hupe1980/agencyhost/credential"
	"github.com/hupe1980/agencyhost/internal/testutil"
	"github.com/hupe1980/agencyhost/storage"
)

type recordingFactory struct {
	builds atomic.Int32
	delay  time.Duration
	gate   chan struct{}
	fail   func(n int) error
	setup  func(e *testutil.ScriptedEngine)

	mu      sync.Mutex
	engines []*testutil.ScriptedEngine
	configs []Config
}

func (f *recordingFactory) build(_ context.Context, cfg Config) (core.Engine, error) {
	n := int(f.builds.Add(1))
	if f.gate != nil {
		<-f.gate
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.fail != nil {
		if err := f.fail(n); err != nil {
			return nil, err
		}
	}
	e := testutil.NewScriptedEngine(fmt.Sprintf("engine-%d", n))
	if f.setup != nil {
		f.setup(e)
	}
	f.mu.Lock()
	f.engines = append(f.engines, e)
	f.configs = append(f.configs, cfg)
	f.mu.Unlock()
	return e, nil
}

func (f *recordingFactory) engine(i int) *testutil.ScriptedEngine {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.engines[i]
}

func newTestHost(t *testing.T, f *recordingFactory, optFns ...func(o *Options)) *Host {
	t.Helper()
	h, err := New(append([]func(o *Options){func(o *Options) { o.EngineFactory = f.build }}, optFns...)...)
	assert.NoError(t, err)
	return h
}

var openAICreds = credential.Set{credential.OpenAIAPIKey: "sk-test"}

func TestNew_RequiresFactory(t *testing.T) {
	_, err := New()
	assert.Error(t, err)
}

func TestEnsureReady_SingleInitialization(t *testing.T) {
	f := &recordingFactory{delay: 20 * time.Millisecond}
	h := newTestHost(t, f)

	var wg sync.WaitGroup
	errs := make([]error, 16)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = h.EnsureReady(context.Background(), openAICreds)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(1), f.builds.Load())
	assert.Equal(t, StateReady, h.State())
	assert.Equal(t, openAICreds.Fingerprint(), h.Fingerprint())
}

func TestEnsureReady_SameCredentialsReuseEngine(t *testing.T) {
	f := &recordingFactory{}
	h := newTestHost(t, f)
	ctx := context.Background()

	assert.NoError(t, h.EnsureReady(ctx, openAICreds))
	assert.NoError(t, h.EnsureReady(ctx, credential.Set{credential.OpenAIAPIKey: "  sk-test  "}))
	assert.Equal(t, int32(1), f.builds.Load())
}

func TestEnsureReady_RebuildsOnCredentialChange(t *testing.T) {
	f := &recordingFactory{}
	h := newTestHost(t, f)
	ctx := context.Background()

	k1 := credential.Set{credential.OpenRouterAPIKey: "k1"}
	k2 := credential.Set{credential.OpenRouterAPIKey: "k2"}

	assert.NoError(t, h.EnsureReady(ctx, k1))
	fp1 := h.Fingerprint()
	cfg, ok := h.Config()
	assert.True(t, ok)
	assert.Equal(t, credential.ProviderOpenRouter, cfg.Provider)
	assert.Equal(t, credential.OpenRouterBaseURL, cfg.BaseURL)
	assert.Equal(t, DefaultOpenRouterModel, cfg.Model)

	assert.NoError(t, h.EnsureReady(ctx, k2))
	fp2 := h.Fingerprint()

	assert.NotEqual(t, fp1, fp2)
	assert.Equal(t, int32(2), f.builds.Load())
	assert.Equal(t, 1, f.engine(0).ShutdownCount())
	assert.Equal(t, 0, f.engine(1).ShutdownCount())
	assert.Equal(t, StateReady, h.State())
}

func TestEnsureReady_ConcurrentDifferentCredentials(t *testing.T) {
	f := &recordingFactory{delay: 10 * time.Millisecond}
	h := newTestHost(t, f)
	ctx := context.Background()

	a := credential.Set{credential.OpenAIAPIKey: "a"}
	b := credential.Set{credential.OpenAIAPIKey: "b"}

	var wg sync.WaitGroup
	for _, creds := range []credential.Set{a, b, a, b} {
		wg.Add(1)
		go func(c credential.Set) {
			defer wg.Done()
			assert.NoError(t, h.EnsureReady(ctx, c))
		}(creds)
	}
	wg.Wait()

	assert.Equal(t, StateReady, h.State())
	fp := h.Fingerprint()
	assert.True(t, fp == a.Fingerprint() || fp == b.Fingerprint())
	assert.LessOrEqual(t, f.builds.Load(), int32(4))
}

func TestEnsureReady_NoCredential(t *testing.T) {
	f := &recordingFactory{}
	h := newTestHost(t, f)

	err := h.EnsureReady(context.Background(), credential.Set{"unrelated": "x"})

	var cfgErr *core.ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)
	assert.ErrorIs(t, err, core.ErrNoProviderCredential)
	assert.Equal(t, StateAbsent, h.State())
	assert.Equal(t, int32(0), f.builds.Load())
}

func TestEnsureReady_FailureResetsToAbsent(t *testing.T) {
	boom := errors.New("boom")
	f := &recordingFactory{fail: func(n int) error {
		if n == 1 {
			return boom
		}
		return nil
	}}
	h := newTestHost(t, f)
	ctx := context.Background()

	err := h.EnsureReady(ctx, openAICreds)
	var initErr *core.InitializationError
	assert.ErrorAs(t, err, &initErr)
	assert.Equal(t, "engine", initErr.Stage)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, StateAbsent, h.State())
	assert.Nil(t, h.Storage())

	assert.NoError(t, h.EnsureReady(ctx, openAICreds))
	assert.Equal(t, StateReady, h.State())
	assert.Equal(t, int32(2), f.builds.Load())
}

func TestEnsureReady_StorageFailure(t *testing.T) {
	f := &recordingFactory{}
	h := newTestHost(t, f, func(o *Options) {
		o.StorageFactory = func(context.Context) (storage.Adapter, error) {
			return nil, errors.New("disk full")
		}
	})

	err := h.EnsureReady(context.Background(), openAICreds)
	var initErr *core.InitializationError
	assert.ErrorAs(t, err, &initErr)
	assert.Equal(t, "storage", initErr.Stage)
	assert.Equal(t, int32(0), f.builds.Load())
}

func TestEnsureReady_ContextCancelAbandonsWaitOnly(t *testing.T) {
	f := &recordingFactory{gate: make(chan struct{})}
	h := newTestHost(t, f)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, h.EnsureReady(ctx, openAICreds), context.Canceled)

	close(f.gate)
	assert.Eventually(t, func() bool { return h.State() == StateReady }, time.Second, 5*time.Millisecond)
}

func TestTeardown(t *testing.T) {
	f := &recordingFactory{}
	h := newTestHost(t, f)
	ctx := context.Background()

	assert.NoError(t, h.Teardown(ctx))
	assert.Equal(t, StateAbsent, h.State())

	assert.NoError(t, h.EnsureReady(ctx, openAICreds))
	assert.NotNil(t, h.Storage())

	assert.NoError(t, h.Teardown(ctx))
	assert.NoError(t, h.Teardown(ctx))
	assert.Equal(t, StateAbsent, h.State())
	assert.Equal(t, 1, f.engine(0).ShutdownCount())
	assert.Nil(t, h.Storage())
	assert.Equal(t, credential.Fingerprint(""), h.Fingerprint())

	assert.NoError(t, h.EnsureReady(ctx, openAICreds))
	assert.Equal(t, int32(2), f.builds.Load())
}

func TestDispose(t *testing.T) {
	f := &recordingFactory{}
	h := newTestHost(t, f)
	ctx := context.Background()

	assert.NoError(t, h.EnsureReady(ctx, openAICreds))
	assert.NoError(t, h.Dispose(ctx))
	assert.Equal(t, StateDisposed, h.State())
	assert.Equal(t, 1, f.engine(0).ShutdownCount())

	assert.ErrorIs(t, h.EnsureReady(ctx, openAICreds), ErrDisposed)
	assert.NoError(t, h.Teardown(ctx))

	errCh := make(chan error, 1)
	h.OpenStream(core.Input{SessionID: "s1", TextInput: "hi"}, Handlers{OnError: func(err error) { errCh <- err }})
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrDisposed)
	case <-time.After(time.Second):
		t.Fatal("expected error")
	}
}

func TestBuildConfig(t *testing.T) {
	tests := []struct {
		name     string
		creds    credential.Set
		defaults Defaults
		provider credential.Provider
		model    string
		tier     string
		maxConc  int
	}{
		{"openai default", openAICreds, Defaults{}, credential.ProviderOpenAI, DefaultOpenAIModel, "", 0},
		{"anthropic default", credential.Set{credential.AnthropicAPIKey: "a"}, Defaults{}, credential.ProviderAnthropic, DefaultAnthropicModel, "", 0},
		{"free tier", openAICreds, Defaults{Tier: "free"}, credential.ProviderOpenAI, DefaultOpenAIModel, "free", 2},
		{"defaults model", openAICreds, Defaults{Model: "gpt-4.1", Tier: "pro"}, credential.ProviderOpenAI, "gpt-4.1", "pro", 8},
		{"credential overrides", credential.Set{
			credential.OpenAIAPIKey: "k",
			credential.DefaultModel: "o3",
			credential.UserTier:     "enterprise",
		}, Defaults{Model: "gpt-4.1"}, credential.ProviderOpenAI, "o3", "enterprise", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := BuildConfig(tt.creds, tt.defaults)
			assert.NoError(t, err)
			assert.Equal(t, tt.provider, cfg.Provider)
			assert.Equal(t, tt.model, cfg.Model)
			assert.Equal(t, tt.tier, cfg.Auth.Tier)
			assert.Equal(t, tt.maxConc, cfg.Subscription.MaxConcurrentStreams)
			assert.Equal(t, "local-user", cfg.Auth.UserID)
			assert.Equal(t, tt.creds.Fingerprint(), cfg.Fingerprint)
		})
	}
}
