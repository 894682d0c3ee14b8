package runtime

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
)

// collector records handler invocations of one stream.
type collector struct {
	mu     sync.Mutex
	chunks []core.Chunk
	done   int
	errs   []error
	term   chan struct{}
	once   sync.Once
}

func newCollector() *collector { return &collector{term: make(chan struct{})} }

func (c *collector) handlers() Handlers {
	return Handlers{
		OnChunk: func(ch core.Chunk) {
			c.mu.Lock()
			c.chunks = append(c.chunks, ch)
			c.mu.Unlock()
		},
		OnDone: func() {
			c.mu.Lock()
			c.done++
			c.mu.Unlock()
			c.once.Do(func() { close(c.term) })
		},
		OnError: func(err error) {
			c.mu.Lock()
			c.errs = append(c.errs, err)
			c.mu.Unlock()
			c.once.Do(func() { close(c.term) })
		},
	}
}

func (c *collector) wait(t *testing.T) {
	t.Helper()
	select {
	case <-c.term:
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not terminate")
	}
}

func (c *collector) snapshot() ([]core.Chunk, int, []error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]core.Chunk(nil), c.chunks...), c.done, append([]error(nil), c.errs...)
}

func readyHost(t *testing.T, f *recordingFactory) *Host {
	t.Helper()
	h := newTestHost(t, f)
	assert.NoError(t, h.EnsureReady(context.Background(), openAICreds))
	return h
}

func TestOpenStream_DeliversChunksInOrder(t *testing.T) {
	f := &recordingFactory{setup: func(e *testutil.ScriptedEngine) {
		e.On("hello", testutil.Script{Chunks: testutil.TextStream("", "assistant", "Hel", "lo", "!")})
	}}
	h := readyHost(t, f)

	c := newCollector()
	h.OpenStream(core.Input{SessionID: "s1", TextInput: "hello"}, c.handlers())
	c.wait(t)

	chunks, done, errs := c.snapshot()
	assert.Equal(t, 1, done)
	assert.Empty(t, errs)
	assert.Len(t, chunks, 4)
	for _, ch := range chunks {
		assert.Equal(t, "s1", ch.StreamID)
	}
	assert.Equal(t, "Hel", chunks[0].TextContent())
	assert.Equal(t, "lo", chunks[1].TextContent())
	assert.Equal(t, core.ChunkFinalResponse, chunks[3].Type)
	assert.Equal(t, "Hello!", chunks[3].TextContent())
	assert.Eventually(t, func() bool { return h.ActiveStreams() == 0 }, time.Second, 5*time.Millisecond)
}

func TestOpenStream_ConcurrentStreamsShareEngine(t *testing.T) {
	f := &recordingFactory{}
	h := newTestHost(t, f, func(o *Options) {
		o.Credentials = func() credential.Set { return openAICreds }
	})

	collectors := make([]*collector, 5)
	for i := range collectors {
		collectors[i] = newCollector()
		h.OpenStream(core.Input{SessionID: "s", TextInput: "x"}, collectors[i].handlers())
	}
	for _, c := range collectors {
		c.wait(t)
		_, done, _ := c.snapshot()
		assert.Equal(t, 1, done)
	}
	assert.Equal(t, int32(1), f.builds.Load())
	assert.Len(t, f.engine(0).Calls(), 5)
}

func TestOpenStream_CancelBeforeReady(t *testing.T) {
	f := &recordingFactory{gate: make(chan struct{})}
	h := newTestHost(t, f, func(o *Options) {
		o.Credentials = func() credential.Set { return openAICreds }
	})

	c := newCollector()
	cancel := h.OpenStream(core.Input{SessionID: "s1", TextInput: "hi"}, c.handlers())
	cancel()
	cancel()

	assert.Eventually(t, func() bool { return h.ActiveStreams() == 0 }, time.Second, 5*time.Millisecond)
	close(f.gate)
	assert.Eventually(t, func() bool { return h.State() == StateReady }, time.Second, 5*time.Millisecond)

	chunks, done, errs := c.snapshot()
	assert.Empty(t, chunks)
	assert.Zero(t, done)
	assert.Empty(t, errs)
	assert.Empty(t, f.engine(0).Calls())
}

func TestOpenStream_CancelMidStream(t *testing.T) {
	gate := make(chan struct{})
	f := &recordingFactory{setup: func(e *testutil.ScriptedEngine) {
		e.On("long", testutil.Script{
			Chunks: testutil.TextStream("", "assistant", "a", "b", "c", "d"),
			Gate:   gate,
			GateAt: 2,
		})
	}}
	h := readyHost(t, f)

	c := newCollector()
	cancel := h.OpenStream(core.Input{SessionID: "s1", TextInput: "long"}, c.handlers())
	assert.Eventually(t, func() bool {
		chunks, _, _ := c.snapshot()
		return len(chunks) == 2
	}, time.Second, 5*time.Millisecond)

	cancel()
	close(gate)
	assert.Eventually(t, func() bool { return h.ActiveStreams() == 0 }, time.Second, 5*time.Millisecond)

	chunks, done, errs := c.snapshot()
	assert.Len(t, chunks, 2)
	assert.Zero(t, done)
	assert.Empty(t, errs)

	// Cancelling a finished stream is a no-op.
	cancel()
}

func TestOpenStream_EngineError(t *testing.T) {
	boom := errors.New("provider unavailable")
	f := &recordingFactory{setup: func(e *testutil.ScriptedEngine) {
		e.On("fail", testutil.Script{
			Chunks: []core.Chunk{testutil.NewChunkBuilder().Stream("").Text("partial").Build()},
			Err:    boom,
		})
	}}
	h := readyHost(t, f)

	c := newCollector()
	h.OpenStream(core.Input{SessionID: "s1", TextInput: "fail"}, c.handlers())
	c.wait(t)

	chunks, done, errs := c.snapshot()
	assert.Len(t, chunks, 1)
	assert.Zero(t, done)
	assert.Len(t, errs, 1)

	var se *core.StreamError
	assert.ErrorAs(t, errs[0], &se)
	assert.Equal(t, "s1", se.StreamID)
	assert.Equal(t, core.CodeStream, se.Code)
	assert.ErrorIs(t, errs[0], boom)
}

func TestOpenStream_ConfigurationError(t *testing.T) {
	f := &recordingFactory{}
	h := newTestHost(t, f)

	c := newCollector()
	h.OpenStream(core.Input{SessionID: "s1", TextInput: "hi"}, c.handlers())
	c.wait(t)

	_, _, errs := c.snapshot()
	assert.Len(t, errs, 1)
	var se *core.StreamError
	assert.ErrorAs(t, errs[0], &se)
	assert.Equal(t, core.CodeConfiguration, se.Code)
	assert.ErrorIs(t, errs[0], core.ErrNoProviderCredential)
	assert.Equal(t, int32(0), f.builds.Load())
}

func TestOpenStream_UserAPIKeysSelectEngine(t *testing.T) {
	f := &recordingFactory{}
	h := newTestHost(t, f)

	c := newCollector()
	h.OpenStream(core.Input{
		SessionID:   "s1",
		TextInput:   "hi",
		UserAPIKeys: map[string]string{credential.AnthropicAPIKey: "user-key"},
	}, c.handlers())
	c.wait(t)

	_, done, _ := c.snapshot()
	assert.Equal(t, 1, done)
	cfg, ok := h.Config()
	assert.True(t, ok)
	assert.Equal(t, credential.ProviderAnthropic, cfg.Provider)
	assert.Equal(t, "user-key", cfg.APIKey)
}

func TestOpenStream_TeardownDuringStream(t *testing.T) {
	gate := make(chan struct{})
	f := &recordingFactory{setup: func(e *testutil.ScriptedEngine) {
		e.On("slow", testutil.Script{Chunks: testutil.TextStream("", "assistant", "x", "y"), Gate: gate, GateAt: 1})
	}}
	h := readyHost(t, f)

	c := newCollector()
	h.OpenStream(core.Input{SessionID: "s1", TextInput: "slow"}, c.handlers())
	assert.Eventually(t, func() bool {
		chunks, _, _ := c.snapshot()
		return len(chunks) == 1
	}, time.Second, 5*time.Millisecond)

	// The fake engine keeps streaming after Shutdown; teardown must not block.
	assert.NoError(t, h.Teardown(context.Background()))
	assert.Equal(t, StateAbsent, h.State())
	close(gate)
	c.wait(t)

	_, done, _ := c.snapshot()
	assert.Equal(t, 1, done)
}
