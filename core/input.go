package core

// Input is a single request handed to an execution engine. It identifies the
// caller (UserID), the logical stream (SessionID), the conversation the stream
// belongs to and the persona that should answer. At most one of
// WorkflowRequest and AgencyRequest is normally set.
type Input struct {
	UserID            string            `json:"user_id"`
	SessionID         string            `json:"session_id"`
	ConversationID    string            `json:"conversation_id"`
	SelectedPersonaID string            `json:"selected_persona_id"`
	TextInput         string            `json:"text_input"`
	UserAPIKeys       map[string]string `json:"user_api_keys,omitempty"`
	WorkflowRequest   *WorkflowRequest  `json:"workflow_request,omitempty"`
	AgencyRequest     *AgencyRequest    `json:"agency_request,omitempty"`
	Options           *RequestOptions   `json:"options,omitempty"`
}

// WorkflowRequest asks the engine to run the request as part of a workflow.
type WorkflowRequest struct {
	WorkflowID string         `json:"workflow_id"`
	TaskID     string         `json:"task_id,omitempty"`
	Context    map[string]any `json:"context,omitempty"`
}

// AgencyRequest binds a request to one seat of an agency. Seats carries the
// full seat list so the engine can publish complete snapshots.
type AgencyRequest struct {
	AgencyID string `json:"agency_id"`
	// RunID identifies one execution of the agency. Seats bound under a
	// previous run id are reset to pending.
	RunID    string         `json:"run_id,omitempty"`
	Goal     string         `json:"goal"`
	RoleID   string         `json:"role_id"`
	Seats    []Seat         `json:"seats,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// RequestOptions carries per-request overrides. Zero values mean "use the
// runtime default".
type RequestOptions struct {
	Model        string         `json:"model,omitempty"`
	Temperature  *float64       `json:"temperature,omitempty"`
	MaxTokens    int            `json:"max_tokens,omitempty"`
	OutputFormat string         `json:"output_format,omitempty"`
	CustomFlags  map[string]any `json:"custom_flags,omitempty"`
}

// StreamKey returns the identifier used for chunks produced by this input:
// the session id when present, otherwise the conversation id.
func (in Input) StreamKey() string {
	if in.SessionID != "" {
		return in.SessionID
	}
	return in.ConversationID
}

// Clone returns a deep copy of the input so the receiver may be handed to
// another goroutine without sharing maps or slices.
func (in Input) Clone() Input {
	out := in
	out.UserAPIKeys = cloneStringMap(in.UserAPIKeys)
	if in.WorkflowRequest != nil {
		wr := *in.WorkflowRequest
		wr.Context = cloneAnyMap(in.WorkflowRequest.Context)
		out.WorkflowRequest = &wr
	}
	if in.AgencyRequest != nil {
		ar := *in.AgencyRequest
		ar.Seats = CloneSeats(in.AgencyRequest.Seats)
		ar.Metadata = cloneAnyMap(in.AgencyRequest.Metadata)
		out.AgencyRequest = &ar
	}
	if in.Options != nil {
		opts := *in.Options
		if in.Options.Temperature != nil {
			t := *in.Options.Temperature
			opts.Temperature = &t
		}
		opts.CustomFlags = cloneAnyMap(in.Options.CustomFlags)
		out.Options = &opts
	}
	return out
}
