package core

import (
	"encoding/json"
	"time"
)

// ChunkType discriminates the closed set of response chunk kinds emitted by an
// execution engine. Consumers switch on the type and must ignore values they
// do not recognise.
type ChunkType string

const (
	// ChunkTextDelta carries an incremental fragment of assistant text.
	ChunkTextDelta ChunkType = "text_delta"
	// ChunkSystemProgress reports engine-side progress (planning, loading, ...).
	ChunkSystemProgress ChunkType = "system_progress"
	// ChunkToolCallRequest announces one or more tool invocations.
	ChunkToolCallRequest ChunkType = "tool_call_request"
	// ChunkToolResultEmission carries the outcome of a tool invocation.
	ChunkToolResultEmission ChunkType = "tool_result_emission"
	// ChunkFinalResponse is the completed assistant turn for a stream.
	ChunkFinalResponse ChunkType = "final_response"
	// ChunkError reports an engine-side error for a stream.
	ChunkError ChunkType = "error"
	// ChunkMetadataUpdate carries arbitrary key/value metadata changes.
	ChunkMetadataUpdate ChunkType = "metadata_update"
	// ChunkWorkflowUpdate reports workflow/task progress.
	ChunkWorkflowUpdate ChunkType = "workflow_update"
	// ChunkAgencyUpdate carries a complete seat snapshot for an agency.
	ChunkAgencyUpdate ChunkType = "agency_update"
)

var knownChunkTypes = map[ChunkType]struct{}{
	ChunkTextDelta:          {},
	ChunkSystemProgress:     {},
	ChunkToolCallRequest:    {},
	ChunkToolResultEmission: {},
	ChunkFinalResponse:      {},
	ChunkError:              {},
	ChunkMetadataUpdate:     {},
	ChunkWorkflowUpdate:     {},
	ChunkAgencyUpdate:       {},
}

// Known reports whether t is one of the nine chunk kinds understood by this
// version of the contract.
func (t ChunkType) Known() bool {
	_, ok := knownChunkTypes[t]
	return ok
}

// String implements fmt.Stringer.
func (t ChunkType) String() string { return string(t) }

// Chunk is one discrete unit of streamed engine output. Exactly one payload
// pointer matching Type is expected to be set; the remaining payloads are nil.
// Chunks are values and should be treated as immutable once emitted.
//
// IsFinal marks the end of the stream identified by StreamID only. For agency
// runs it never signals completion of the whole agency.
type Chunk struct {
	Type          ChunkType `json:"type" msgpack:"type"`
	StreamID      string    `json:"stream_id" msgpack:"stream_id"`
	GMIInstanceID string    `json:"gmi_instance_id" msgpack:"gmi_instance_id"`
	PersonaID     string    `json:"persona_id" msgpack:"persona_id"`
	IsFinal       bool      `json:"is_final" msgpack:"is_final"`
	Timestamp     time.Time `json:"timestamp" msgpack:"timestamp"`

	Text       *TextDelta       `json:"text,omitempty" msgpack:"text,omitempty"`
	Progress   *SystemProgress  `json:"progress,omitempty" msgpack:"progress,omitempty"`
	ToolCalls  *ToolCallRequest `json:"tool_calls,omitempty" msgpack:"tool_calls,omitempty"`
	ToolResult *ToolResult      `json:"tool_result,omitempty" msgpack:"tool_result,omitempty"`
	Final      *FinalResponse   `json:"final,omitempty" msgpack:"final,omitempty"`
	Error      *ErrorInfo       `json:"error,omitempty" msgpack:"error,omitempty"`
	Metadata   *MetadataUpdate  `json:"metadata,omitempty" msgpack:"metadata,omitempty"`
	Workflow   *WorkflowUpdate  `json:"workflow,omitempty" msgpack:"workflow,omitempty"`
	Agency     *AgencyUpdate    `json:"agency,omitempty" msgpack:"agency,omitempty"`
}

// TextDelta is the payload of a ChunkTextDelta.
type TextDelta struct {
	Delta string `json:"delta" msgpack:"delta"`
}

// SystemProgress is the payload of a ChunkSystemProgress.
type SystemProgress struct {
	Message    string `json:"message" msgpack:"message"`
	Percentage *int   `json:"percentage,omitempty" msgpack:"percentage,omitempty"`
}

// ToolCall describes a single tool invocation requested by an agent.
type ToolCall struct {
	ID        string          `json:"id" msgpack:"id"`
	Name      string          `json:"name" msgpack:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty" msgpack:"arguments,omitempty"`
}

// ToolCallRequest is the payload of a ChunkToolCallRequest.
type ToolCallRequest struct {
	Calls     []ToolCall `json:"calls" msgpack:"calls"`
	Rationale string     `json:"rationale,omitempty" msgpack:"rationale,omitempty"`
}

// ToolResult is the payload of a ChunkToolResultEmission.
type ToolResult struct {
	ToolCallID   string `json:"tool_call_id" msgpack:"tool_call_id"`
	ToolName     string `json:"tool_name" msgpack:"tool_name"`
	Output       any    `json:"output,omitempty" msgpack:"output,omitempty"`
	IsSuccess    bool   `json:"is_success" msgpack:"is_success"`
	ErrorMessage string `json:"error_message,omitempty" msgpack:"error_message,omitempty"`
}

// Usage captures token accounting reported by the engine.
type Usage struct {
	PromptTokens     int     `json:"prompt_tokens" msgpack:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens" msgpack:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens" msgpack:"total_tokens"`
	CostUSD          float64 `json:"cost_usd,omitempty" msgpack:"cost_usd,omitempty"`
}

// FinalResponse is the payload of a ChunkFinalResponse.
type FinalResponse struct {
	Text         string `json:"text" msgpack:"text"`
	FinishReason string `json:"finish_reason,omitempty" msgpack:"finish_reason,omitempty"`
	Usage        *Usage `json:"usage,omitempty" msgpack:"usage,omitempty"`
}

// ErrorInfo is the payload of a ChunkError.
type ErrorInfo struct {
	Code    string `json:"code" msgpack:"code"`
	Message string `json:"message" msgpack:"message"`
	Details any    `json:"details,omitempty" msgpack:"details,omitempty"`
}

// MetadataUpdate is the payload of a ChunkMetadataUpdate.
type MetadataUpdate struct {
	Updates map[string]any `json:"updates" msgpack:"updates"`
}

// WorkflowUpdate is the payload of a ChunkWorkflowUpdate.
type WorkflowUpdate struct {
	WorkflowID string         `json:"workflow_id" msgpack:"workflow_id"`
	TaskID     string         `json:"task_id,omitempty" msgpack:"task_id,omitempty"`
	Status     string         `json:"status" msgpack:"status"`
	Details    map[string]any `json:"details,omitempty" msgpack:"details,omitempty"`
}

// AgencyUpdate is the payload of a ChunkAgencyUpdate. Seats is the complete,
// authoritative seat list; consumers replace rather than merge.
type AgencyUpdate struct {
	AgencyID string         `json:"agency_id" msgpack:"agency_id"`
	Goal     string         `json:"goal,omitempty" msgpack:"goal,omitempty"`
	Seats    []SeatSnapshot `json:"seats" msgpack:"seats"`
	Metadata map[string]any `json:"metadata,omitempty" msgpack:"metadata,omitempty"`
}

// NewChunk creates a bare chunk stamped with the current UTC time. Prefer the
// typed constructors below for the common kinds.
func NewChunk(t ChunkType, streamID, instanceID, personaID string) Chunk {
	return Chunk{
		Type:          t,
		StreamID:      streamID,
		GMIInstanceID: instanceID,
		PersonaID:     personaID,
		Timestamp:     time.Now().UTC(),
	}
}

// NewTextDeltaChunk creates a text fragment chunk.
func NewTextDeltaChunk(streamID, instanceID, personaID, delta string) Chunk {
	c := NewChunk(ChunkTextDelta, streamID, instanceID, personaID)
	c.Text = &TextDelta{Delta: delta}
	return c
}

// NewProgressChunk creates a system progress chunk.
func NewProgressChunk(streamID, instanceID, personaID, message string) Chunk {
	c := NewChunk(ChunkSystemProgress, streamID, instanceID, personaID)
	c.Progress = &SystemProgress{Message: message}
	return c
}

// NewFinalResponseChunk creates the terminal response chunk of a stream.
func NewFinalResponseChunk(streamID, instanceID, personaID string, final FinalResponse) Chunk {
	c := NewChunk(ChunkFinalResponse, streamID, instanceID, personaID)
	c.Final = &final
	c.IsFinal = true
	return c
}

// NewErrorChunk creates an error chunk. Error chunks are final for their stream.
func NewErrorChunk(streamID, instanceID, personaID, code, message string) Chunk {
	c := NewChunk(ChunkError, streamID, instanceID, personaID)
	c.Error = &ErrorInfo{Code: code, Message: message}
	c.IsFinal = true
	return c
}

// NewMetadataChunk creates a metadata update chunk. The map is copied.
func NewMetadataChunk(streamID, instanceID, personaID string, updates map[string]any) Chunk {
	c := NewChunk(ChunkMetadataUpdate, streamID, instanceID, personaID)
	c.Metadata = &MetadataUpdate{Updates: cloneAnyMap(updates)}
	return c
}

// NewAgencyUpdateChunk creates an agency snapshot chunk. The seat slice is
// copied so later mutation by the producer cannot leak into consumers.
func NewAgencyUpdateChunk(streamID, instanceID, personaID string, update AgencyUpdate) Chunk {
	c := NewChunk(ChunkAgencyUpdate, streamID, instanceID, personaID)
	update.Seats = CloneSeatSnapshots(update.Seats)
	update.Metadata = cloneAnyMap(update.Metadata)
	c.Agency = &update
	return c
}

// NewWorkflowUpdateChunk creates a workflow progress chunk.
func NewWorkflowUpdateChunk(streamID, instanceID, personaID string, update WorkflowUpdate) Chunk {
	c := NewChunk(ChunkWorkflowUpdate, streamID, instanceID, personaID)
	update.Details = cloneAnyMap(update.Details)
	c.Workflow = &update
	return c
}

// TextContent returns the textual content carried by text delta and final
// response chunks, or "" for every other kind.
func (c Chunk) TextContent() string {
	switch c.Type {
	case ChunkTextDelta:
		if c.Text != nil {
			return c.Text.Delta
		}
	case ChunkFinalResponse:
		if c.Final != nil {
			return c.Final.Text
		}
	}
	return ""
}

// UnixSeconds returns the timestamp as fractional seconds since Unix epoch.
func (c Chunk) UnixSeconds() float64 { return float64(c.Timestamp.UnixNano()) / 1e9 }

func cloneAnyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
