package testutil

import (
	"time"

	"github.com/hupe1980/agencyhost/core"
)

// ChunkBuilder provides a fluent helper for constructing chunks in tests.
// Example:
//
//	c := NewChunkBuilder().Stream("s1").Persona("writer").Text("hello").Build()
//
// Chain only the parts you need; sensible defaults are applied.
type ChunkBuilder struct {
	c core.Chunk
}

// NewChunkBuilder creates a builder for a text delta chunk on stream "stream".
func NewChunkBuilder() *ChunkBuilder {
	return &ChunkBuilder{c: core.Chunk{Type: core.ChunkTextDelta, StreamID: "stream", Timestamp: time.Now().UTC()}}
}

// Stream sets the stream id (chainable).
func (b *ChunkBuilder) Stream(id string) *ChunkBuilder { b.c.StreamID = id; return b }

// Instance sets the agent instance id (chainable).
func (b *ChunkBuilder) Instance(id string) *ChunkBuilder { b.c.GMIInstanceID = id; return b }

// Persona sets the persona id (chainable).
func (b *ChunkBuilder) Persona(id string) *ChunkBuilder { b.c.PersonaID = id; return b }

// At overrides the timestamp (chainable).
func (b *ChunkBuilder) At(t time.Time) *ChunkBuilder { b.c.Timestamp = t; return b }

// Text makes the chunk a text delta (chainable).
func (b *ChunkBuilder) Text(delta string) *ChunkBuilder {
	b.reset(core.ChunkTextDelta)
	b.c.Text = &core.TextDelta{Delta: delta}
	return b
}

// Progress makes the chunk a system progress chunk (chainable).
func (b *ChunkBuilder) Progress(msg string) *ChunkBuilder {
	b.reset(core.ChunkSystemProgress)
	b.c.Progress = &core.SystemProgress{Message: msg}
	return b
}

// Final makes the chunk a final response with optional token usage (chainable).
func (b *ChunkBuilder) Final(text string, prompt, completion int) *ChunkBuilder {
	b.reset(core.ChunkFinalResponse)
	b.c.Final = &core.FinalResponse{Text: text, FinishReason: "stop"}
	if prompt > 0 || completion > 0 {
		b.c.Final.Usage = &core.Usage{PromptTokens: prompt, CompletionTokens: completion, TotalTokens: prompt + completion}
	}
	b.c.IsFinal = true
	return b
}

// Error makes the chunk an error chunk (chainable).
func (b *ChunkBuilder) Error(code, msg string) *ChunkBuilder {
	b.reset(core.ChunkError)
	b.c.Error = &core.ErrorInfo{Code: code, Message: msg}
	b.c.IsFinal = true
	return b
}

// Metadata makes the chunk a metadata update (chainable).
func (b *ChunkBuilder) Metadata(updates map[string]any) *ChunkBuilder {
	b.reset(core.ChunkMetadataUpdate)
	b.c.Metadata = &core.MetadataUpdate{Updates: updates}
	return b
}

// Agency makes the chunk an agency update with the given seats (chainable).
func (b *ChunkBuilder) Agency(agencyID string, seats ...core.SeatSnapshot) *ChunkBuilder {
	b.reset(core.ChunkAgencyUpdate)
	b.c.Agency = &core.AgencyUpdate{AgencyID: agencyID, Seats: seats}
	return b
}

// Workflow makes the chunk a workflow update (chainable).
func (b *ChunkBuilder) Workflow(workflowID, taskID, status string) *ChunkBuilder {
	b.reset(core.ChunkWorkflowUpdate)
	b.c.Workflow = &core.WorkflowUpdate{WorkflowID: workflowID, TaskID: taskID, Status: status}
	return b
}

// ToolCall makes the chunk a tool call request for one call (chainable).
func (b *ChunkBuilder) ToolCall(id, name, args string) *ChunkBuilder {
	b.reset(core.ChunkToolCallRequest)
	b.c.ToolCalls = &core.ToolCallRequest{Calls: []core.ToolCall{{ID: id, Name: name, Arguments: []byte(args)}}}
	return b
}

// ToolResult makes the chunk a tool result emission (chainable).
func (b *ChunkBuilder) ToolResult(callID, name string, output any) *ChunkBuilder {
	b.reset(core.ChunkToolResultEmission)
	b.c.ToolResult = &core.ToolResult{ToolCallID: callID, ToolName: name, Output: output, IsSuccess: true}
	return b
}

// Type forces an arbitrary chunk type, e.g. an unknown future kind (chainable).
func (b *ChunkBuilder) Type(t core.ChunkType) *ChunkBuilder { b.reset(t); return b }

// Build returns the chunk value.
func (b *ChunkBuilder) Build() core.Chunk { return b.c }

func (b *ChunkBuilder) reset(t core.ChunkType) {
	b.c.Type = t
	b.c.IsFinal = false
	b.c.Text, b.c.Progress, b.c.ToolCalls, b.c.ToolResult = nil, nil, nil, nil
	b.c.Final, b.c.Error, b.c.Metadata, b.c.Workflow, b.c.Agency = nil, nil, nil, nil, nil
}

// TextStream returns text deltas for each fragment followed by a final
// response holding their concatenation.
func TextStream(streamID, personaID string, fragments ...string) []core.Chunk {
	out := make([]core.Chunk, 0, len(fragments)+1)
	var full string
	for _, f := range fragments {
		full += f
		out = append(out, NewChunkBuilder().Stream(streamID).Persona(personaID).Text(f).Build())
	}
	return append(out, NewChunkBuilder().Stream(streamID).Persona(personaID).Final(full, 1, len(fragments)).Build())
}
