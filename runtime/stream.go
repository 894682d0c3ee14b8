package runtime

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hupe1980/agencyhost/core"
)

// StreamState is the completion state of a stream handle.
type StreamState string

const (
	StreamOpen      StreamState = "open"
	StreamDone      StreamState = "done"
	StreamError     StreamState = "error"
	StreamCancelled StreamState = "cancelled"
)

// Handlers receive the output of one stream. OnChunk is called for each
// chunk in arrival order. Exactly one of OnDone and OnError is called when
// the stream terminates on its own; neither is called for a cancelled
// stream. Handlers are invoked from a single goroutine per stream.
type Handlers struct {
	OnChunk func(core.Chunk)
	OnDone  func()
	// OnError always receives a *core.StreamError.
	OnError func(error)
}

// CancelFunc stops a stream. Calling it on a terminated or already cancelled
// stream is a no-op.
type CancelFunc func()

type stream struct {
	id       uint64
	streamID string
	cancel   context.CancelFunc

	mu        sync.Mutex
	state     StreamState
	cancelled atomic.Bool
}

func (s *stream) transition(to StreamState) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StreamOpen {
		return false
	}
	s.state = to
	return true
}

// Cancel implements CancelFunc.
func (s *stream) Cancel() {
	if !s.transition(StreamCancelled) {
		return
	}
	s.cancelled.Store(true)
	s.cancel()
}

// OpenStream starts streaming input through the engine and returns
// immediately with a cancellation function. The engine is made ready first
// using the host's credentials merged with input.UserAPIKeys. Cancelling
// before the engine is ready prevents the request from starting at all.
func (h *Host) OpenStream(input core.Input, handlers Handlers) CancelFunc {
	input = input.Clone()
	ctx, cancel := context.WithCancel(context.Background())
	s := &stream{streamID: input.StreamKey(), cancel: cancel, state: StreamOpen}

	h.mu.Lock()
	h.nextStream++
	s.id = h.nextStream
	h.streams[s.id] = s
	h.mu.Unlock()

	go h.runStream(ctx, s, input, handlers)
	return s.Cancel
}

func (h *Host) runStream(ctx context.Context, s *stream, input core.Input, hd Handlers) {
	start := time.Now()
	var delivered int
	defer func() {
		s.cancel()
		h.mu.Lock()
		delete(h.streams, s.id)
		h.mu.Unlock()
		s.mu.Lock()
		outcome := s.state
		s.mu.Unlock()
		h.logStream(s.streamID, delivered, time.Since(start), outcome)
	}()

	fail := func(err error) {
		if s.transition(StreamError) && hd.OnError != nil {
			hd.OnError(core.NormalizeError(s.streamID, err))
		}
	}

	creds := h.credentials().Merge(input.UserAPIKeys)
	if err := h.EnsureReady(ctx, creds); err != nil {
		if s.cancelled.Load() {
			return
		}
		fail(err)
		return
	}
	if s.cancelled.Load() {
		return
	}

	eng, err := h.currentEngine()
	if err != nil {
		fail(err)
		return
	}

	chunks, errs := eng.ProcessRequest(ctx, input)
	for c := range chunks {
		if s.cancelled.Load() {
			return
		}
		delivered++
		if hd.OnChunk != nil {
			hd.OnChunk(c)
		}
	}
	if s.cancelled.Load() {
		return
	}
	if err := <-errs; err != nil {
		fail(err)
		return
	}
	if s.transition(StreamDone) && hd.OnDone != nil {
		hd.OnDone()
	}
}

func (h *Host) logStream(streamID string, chunks int, dur time.Duration, outcome StreamState) {
	if hl, ok := h.logger.(interface {
		LogStreamCompletion(streamID string, chunks int, dur time.Duration, outcome string)
	}); ok {
		hl.LogStreamCompletion(streamID, chunks, dur, string(outcome))
		return
	}
	h.logger.Debug("Stream finished", "stream_id", streamID, "chunk_count", chunks, "outcome", outcome)
}
