package gateway

import (
	"github.com/hupe1980/agencyhost/agency"
	"github.com/hupe1980/agencyhost/core"
)

// Client message types.
const (
	TypeChat   = "chat"
	TypeAgency = "agency"
	TypeCancel = "cancel"
)

// Server message types.
const (
	TypeChunk     = "chunk"
	TypeRole      = "role"
	TypeDone      = "done"
	TypeError     = "error"
	TypeCancelled = "cancelled"
)

// ClientMessage is a request sent by the client.
type ClientMessage struct {
	Type string `json:"type"`
	// ID names the handle for later cancellation. Defaults to the input's
	// stream key for chat and to the agency id for agency runs.
	ID       string         `json:"id,omitempty"`
	Input    *core.Input    `json:"input,omitempty"`
	Agency   *AgencyMessage `json:"agency,omitempty"`
	StreamID string         `json:"stream_id,omitempty"`
}

// AgencyMessage is the wire form of an agency run request.
type AgencyMessage struct {
	AgencyID       string        `json:"agency_id,omitempty"`
	ConversationID string        `json:"conversation_id,omitempty"`
	UserID         string        `json:"user_id,omitempty"`
	Goal           string        `json:"goal"`
	OutputFormat   string        `json:"output_format,omitempty"`
	WorkflowID     string        `json:"workflow_id,omitempty"`
	Roles          []RoleMessage `json:"roles"`
}

// RoleMessage is the wire form of one agency role.
type RoleMessage struct {
	ID          string `json:"id"`
	PersonaID   string `json:"persona_id,omitempty"`
	Instruction string `json:"instruction,omitempty"`
	DependsOn   string `json:"depends_on,omitempty"`
}

// Request converts the message to a coordinator request.
func (m AgencyMessage) Request() agency.Request {
	roles := make([]agency.Role, len(m.Roles))
	for i, r := range m.Roles {
		roles[i] = agency.Role{ID: r.ID, PersonaID: r.PersonaID, Instruction: r.Instruction, DependsOn: r.DependsOn}
	}
	return agency.Request{
		AgencyID:       m.AgencyID,
		ConversationID: m.ConversationID,
		UserID:         m.UserID,
		Goal:           m.Goal,
		Roles:          roles,
		OutputFormat:   agency.OutputFormat(m.OutputFormat),
		WorkflowID:     m.WorkflowID,
	}
}

// ServerMessage is an event sent to the client.
type ServerMessage struct {
	Type   string       `json:"type"`
	ID     string       `json:"id,omitempty"`
	Chunk  *core.Chunk  `json:"chunk,omitempty"`
	Role   *RoleEvent   `json:"role,omitempty"`
	Status string       `json:"status,omitempty"`
	Error  *ErrorDetail `json:"error,omitempty"`
}

// RoleEvent reports an agency role transition.
type RoleEvent struct {
	RoleID string `json:"role_id"`
	TaskID string `json:"task_id"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// ErrorDetail carries a normalized error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
