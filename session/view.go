package session

import (
	"time"

	"github.com/hupe1980/agencyhost/core"
)

// StreamStatus is the display status of one stream.
type StreamStatus string

const (
	StreamStreaming StreamStatus = "streaming"
	StreamCompleted StreamStatus = "completed"
	StreamFailed    StreamStatus = "failed"
)

// StreamView is the accumulated state of one stream.
type StreamView struct {
	StreamID      string               `msgpack:"stream_id"`
	PersonaID     string               `msgpack:"persona_id"`
	GMIInstanceID string               `msgpack:"gmi_instance_id"`
	Text          string               `msgpack:"text"`
	Status        StreamStatus         `msgpack:"status"`
	Progress      string               `msgpack:"progress,omitempty"`
	ToolCalls     []core.ToolCall      `msgpack:"tool_calls,omitempty"`
	ToolResults   []core.ToolResult    `msgpack:"tool_results,omitempty"`
	Workflow      *core.WorkflowUpdate `msgpack:"workflow,omitempty"`
	Usage         *core.Usage          `msgpack:"usage,omitempty"`
	Error         *core.ErrorInfo      `msgpack:"error,omitempty"`
	UpdatedAt     time.Time            `msgpack:"updated_at"`
}

// AgencyView is the latest seat snapshot of one agency.
type AgencyView struct {
	AgencyID  string              `msgpack:"agency_id"`
	Goal      string              `msgpack:"goal,omitempty"`
	Seats     []core.SeatSnapshot `msgpack:"seats"`
	Metadata  map[string]any      `msgpack:"metadata,omitempty"`
	UpdatedAt time.Time           `msgpack:"updated_at"`
}

// Seat returns the seat bound to roleID.
func (a AgencyView) Seat(roleID string) (core.SeatSnapshot, bool) {
	for _, s := range a.Seats {
		if s.RoleID == roleID {
			return s, true
		}
	}
	return core.SeatSnapshot{}, false
}

// Conversation is the display state of one conversation.
type Conversation struct {
	ID string `msgpack:"id"`
	// StreamOrder lists stream ids in first-seen order.
	StreamOrder []string              `msgpack:"stream_order"`
	Streams     map[string]StreamView `msgpack:"streams"`
	Agencies    map[string]AgencyView `msgpack:"agencies"`
	Metadata    map[string]any        `msgpack:"metadata,omitempty"`
	UpdatedAt   time.Time             `msgpack:"updated_at"`
}

func newConversation(id string) *Conversation {
	return &Conversation{
		ID:       id,
		Streams:  make(map[string]StreamView),
		Agencies: make(map[string]AgencyView),
	}
}

// Transcript returns the text of every stream in first-seen order.
func (c Conversation) Transcript() []StreamView {
	out := make([]StreamView, 0, len(c.StreamOrder))
	for _, id := range c.StreamOrder {
		if v, ok := c.Streams[id]; ok {
			out = append(out, v)
		}
	}
	return out
}

// Clone returns a deep copy.
func (c Conversation) Clone() Conversation {
	out := c
	out.StreamOrder = append([]string(nil), c.StreamOrder...)
	out.Streams = make(map[string]StreamView, len(c.Streams))
	for k, v := range c.Streams {
		out.Streams[k] = v.clone()
	}
	out.Agencies = make(map[string]AgencyView, len(c.Agencies))
	for k, v := range c.Agencies {
		out.Agencies[k] = v.clone()
	}
	out.Metadata = cloneMap(c.Metadata)
	return out
}

func (v StreamView) clone() StreamView {
	out := v
	out.ToolCalls = append([]core.ToolCall(nil), v.ToolCalls...)
	out.ToolResults = append([]core.ToolResult(nil), v.ToolResults...)
	if v.Workflow != nil {
		w := *v.Workflow
		w.Details = cloneMap(v.Workflow.Details)
		out.Workflow = &w
	}
	if v.Usage != nil {
		u := *v.Usage
		out.Usage = &u
	}
	if v.Error != nil {
		e := *v.Error
		out.Error = &e
	}
	return out
}

func (a AgencyView) clone() AgencyView {
	out := a
	out.Seats = core.CloneSeatSnapshots(a.Seats)
	out.Metadata = cloneMap(a.Metadata)
	return out
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
