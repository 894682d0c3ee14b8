// Package telemetry aggregates usage metrics from chunk streams: chunk counts
// per type and persona, token usage, tool activity and stream outcomes.
package telemetry

import (
	"sort"
	"sync"
	"time"

	"github.com/hupe1980/agencyhost/core"
	"github.com/hupe1980/agencyhost/logging"
)

// PersonaStats aggregates activity attributed to one persona.
type PersonaStats struct {
	Chunks  int
	Streams int
	Usage   core.Usage
}

// StreamCounts tracks stream outcomes.
type StreamCounts struct {
	Started   int
	Completed int
	Failed    int
}

// Snapshot is a point-in-time copy of the aggregated metrics.
type Snapshot struct {
	Chunks    map[core.ChunkType]int
	Unknown   int
	ByPersona map[string]PersonaStats
	Models    map[string]int
	Usage     core.Usage
	ToolCalls int
	Streams   StreamCounts
	// AvgTimeToFirstChunk is measured from the first chunk of a stream to its
	// first text delta.
	AvgTimeToFirstChunk time.Duration
	Since               time.Time
}

// Personas returns persona ids sorted by descending total tokens.
func (s Snapshot) Personas() []string {
	ids := make([]string, 0, len(s.ByPersona))
	for id := range s.ByPersona {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := s.ByPersona[ids[i]].Usage.TotalTokens, s.ByPersona[ids[j]].Usage.TotalTokens
		if a != b {
			return a > b
		}
		return ids[i] < ids[j]
	})
	return ids
}

// finishedWindow bounds how many finished stream ids are remembered to
// absorb a failure reported after the stream's own error chunk.
const finishedWindow = 1024

type streamState struct {
	start     time.Time
	firstText bool
	persona   string
}

// Aggregator is a concurrency-safe chunk consumer.
type Aggregator struct {
	mu        sync.Mutex
	chunks    map[core.ChunkType]int
	unknown   int
	personas  map[string]*PersonaStats
	models    map[string]int
	usage     core.Usage
	toolCalls int
	counts    StreamCounts
	streams   map[string]*streamState
	finished  map[string]struct{}
	ring      []string
	ringNext  int
	ttfcTotal time.Duration
	ttfcN     int
	since     time.Time
	now       func() time.Time
}

// New creates an empty aggregator.
func New() *Aggregator {
	a := &Aggregator{now: time.Now}
	a.reset()
	return a
}

func (a *Aggregator) reset() {
	a.chunks = make(map[core.ChunkType]int)
	a.unknown = 0
	a.personas = make(map[string]*PersonaStats)
	a.models = make(map[string]int)
	a.usage = core.Usage{}
	a.toolCalls = 0
	a.counts = StreamCounts{}
	a.streams = make(map[string]*streamState)
	a.finished = make(map[string]struct{})
	a.ring, a.ringNext = nil, 0
	a.ttfcTotal, a.ttfcN = 0, 0
	a.since = a.now()
}

// Observe records one chunk. Unknown chunk types are counted and otherwise
// ignored.
func (a *Aggregator) Observe(c core.Chunk) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !c.Type.Known() {
		a.unknown++
		return
	}
	a.chunks[c.Type]++

	st, ok := a.streams[c.StreamID]
	if !ok {
		// A finished id seen again is a new turn on the same stream key.
		delete(a.finished, c.StreamID)
		st = &streamState{start: a.now(), persona: c.PersonaID}
		a.streams[c.StreamID] = st
		a.counts.Started++
	}
	if st.persona == "" {
		st.persona = c.PersonaID
	}
	ps := a.persona(c.PersonaID)
	if ps != nil {
		ps.Chunks++
		if !ok {
			ps.Streams++
		}
	}

	switch c.Type {
	case core.ChunkTextDelta:
		if !st.firstText {
			st.firstText = true
			a.ttfcTotal += a.now().Sub(st.start)
			a.ttfcN++
		}
	case core.ChunkToolCallRequest:
		if c.ToolCalls != nil {
			a.toolCalls += len(c.ToolCalls.Calls)
		}
	case core.ChunkFinalResponse:
		if c.Final != nil && c.Final.Usage != nil {
			a.addUsage(ps, *c.Final.Usage)
		}
		a.finish(c.StreamID, true)
	case core.ChunkError:
		a.finish(c.StreamID, false)
	case core.ChunkMetadataUpdate:
		if c.Metadata == nil {
			break
		}
		if m, ok := c.Metadata.Updates["model"].(string); ok && m != "" {
			a.models[m]++
		}
		if u, ok := usageFrom(c.Metadata.Updates["usage"]); ok {
			a.addUsage(ps, u)
		}
	}
}

// Sink returns Observe as a chunk handler.
func (a *Aggregator) Sink() func(core.Chunk) { return a.Observe }

// RecordFailure counts a stream failure reported outside the chunk sequence.
// A stream that already finished is not counted again.
func (a *Aggregator) RecordFailure(streamID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.finished[streamID]; ok {
		return
	}
	if _, ok := a.streams[streamID]; !ok {
		a.counts.Started++
	}
	a.finish(streamID, false)
}

// finish counts the outcome and drops the stream's state.
func (a *Aggregator) finish(streamID string, ok bool) {
	delete(a.streams, streamID)
	if ok {
		a.counts.Completed++
	} else {
		a.counts.Failed++
	}

	if len(a.ring) < finishedWindow {
		a.ring = append(a.ring, streamID)
	} else {
		delete(a.finished, a.ring[a.ringNext])
		a.ring[a.ringNext] = streamID
		a.ringNext = (a.ringNext + 1) % finishedWindow
	}
	a.finished[streamID] = struct{}{}
}

func (a *Aggregator) persona(id string) *PersonaStats {
	if id == "" {
		return nil
	}
	ps, ok := a.personas[id]
	if !ok {
		ps = &PersonaStats{}
		a.personas[id] = ps
	}
	return ps
}

func (a *Aggregator) addUsage(ps *PersonaStats, u core.Usage) {
	if u.TotalTokens == 0 {
		u.TotalTokens = u.PromptTokens + u.CompletionTokens
	}
	add := func(dst *core.Usage) {
		dst.PromptTokens += u.PromptTokens
		dst.CompletionTokens += u.CompletionTokens
		dst.TotalTokens += u.TotalTokens
		dst.CostUSD += u.CostUSD
	}
	add(&a.usage)
	if ps != nil {
		add(&ps.Usage)
	}
}

// usageFrom accepts a core.Usage or a decoded map with snake_case keys.
func usageFrom(v any) (core.Usage, bool) {
	switch u := v.(type) {
	case core.Usage:
		return u, true
	case *core.Usage:
		if u != nil {
			return *u, true
		}
	case map[string]any:
		return core.Usage{
			PromptTokens:     toInt(u["prompt_tokens"]),
			CompletionTokens: toInt(u["completion_tokens"]),
			TotalTokens:      toInt(u["total_tokens"]),
			CostUSD:          toFloat(u["cost_usd"]),
		}, true
	}
	return core.Usage{}, false
}

func toInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	}
	return 0
}

// Snapshot returns a copy of the current metrics.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := Snapshot{
		Chunks:    make(map[core.ChunkType]int, len(a.chunks)),
		Unknown:   a.unknown,
		ByPersona: make(map[string]PersonaStats, len(a.personas)),
		Models:    make(map[string]int, len(a.models)),
		Usage:     a.usage,
		ToolCalls: a.toolCalls,
		Streams:   a.counts,
		Since:     a.since,
	}
	for k, v := range a.chunks {
		s.Chunks[k] = v
	}
	for k, v := range a.personas {
		s.ByPersona[k] = *v
	}
	for k, v := range a.models {
		s.Models[k] = v
	}
	if a.ttfcN > 0 {
		s.AvgTimeToFirstChunk = a.ttfcTotal / time.Duration(a.ttfcN)
	}
	return s
}

// Reset clears all metrics.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reset()
}

// Log writes a one-line summary of the current metrics.
func (a *Aggregator) Log(l logging.Logger) {
	s := a.Snapshot()
	logging.OrNoOp(l).Info("Usage summary",
		"streams_started", s.Streams.Started,
		"streams_completed", s.Streams.Completed,
		"streams_failed", s.Streams.Failed,
		"prompt_tokens", s.Usage.PromptTokens,
		"completion_tokens", s.Usage.CompletionTokens,
		"total_tokens", s.Usage.TotalTokens,
		"tool_calls", s.ToolCalls,
		"unknown_chunks", s.Unknown,
	)
}
