package core

import (
	"errors"
	"fmt"
	"time"
)

// ErrDuplicateRole is returned when two seats of one agency share a role id.
var ErrDuplicateRole = errors.New("duplicate role id")

// ErrEmptyRole is returned when a seat has no role id.
var ErrEmptyRole = errors.New("empty role id")

// Seat binds a role to a persona. PersonaID may be empty for a seat that has
// not been assigned yet. DependsOn names the role whose stream must reach its
// final chunk before this seat starts; empty means "start immediately".
type Seat struct {
	RoleID      string `json:"role_id" yaml:"role_id" msgpack:"role_id"`
	PersonaID   string `json:"persona_id,omitempty" yaml:"persona_id,omitempty" msgpack:"persona_id,omitempty"`
	Instruction string `json:"instruction,omitempty" yaml:"instruction,omitempty" msgpack:"instruction,omitempty"`
	DependsOn   string `json:"depends_on,omitempty" yaml:"depends_on,omitempty" msgpack:"depends_on,omitempty"`
}

// Assigned reports whether a persona is bound to the seat.
func (s Seat) Assigned() bool { return s.PersonaID != "" }

// SeatSnapshot is the live view of a seat: the seat plus the agent instance
// currently bound to it.
type SeatSnapshot struct {
	RoleID        string         `json:"role_id" msgpack:"role_id"`
	PersonaID     string         `json:"persona_id,omitempty" msgpack:"persona_id,omitempty"`
	GMIInstanceID string         `json:"gmi_instance_id,omitempty" msgpack:"gmi_instance_id,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty" msgpack:"metadata,omitempty"`
}

// Pending reports whether no instance is bound to the seat yet.
func (s SeatSnapshot) Pending() bool { return s.GMIInstanceID == "" }

// Agency is a user-defined group of seats pursuing one shared goal. It is a
// configuration entity and exists independently of any running execution.
type Agency struct {
	ID        string            `json:"id" yaml:"id" msgpack:"id"`
	Name      string            `json:"name" yaml:"name" msgpack:"name"`
	Goal      string            `json:"goal" yaml:"goal" msgpack:"goal"`
	Seats     []Seat            `json:"seats" yaml:"seats" msgpack:"seats"`
	Metadata  map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty" msgpack:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at" yaml:"-" msgpack:"created_at"`
	UpdatedAt time.Time         `json:"updated_at" yaml:"-" msgpack:"updated_at"`
}

// Validate checks that every seat has a unique, non-empty role id.
func (a Agency) Validate() error {
	return ValidateSeats(a.Seats)
}

// Clone returns a deep copy of the agency.
func (a Agency) Clone() Agency {
	out := a
	out.Seats = CloneSeats(a.Seats)
	out.Metadata = cloneStringMap(a.Metadata)
	return out
}

// Snapshots returns the pending seat snapshots for the agency definition.
func (a Agency) Snapshots() []SeatSnapshot {
	out := make([]SeatSnapshot, len(a.Seats))
	for i, s := range a.Seats {
		out[i] = SeatSnapshot{RoleID: s.RoleID, PersonaID: s.PersonaID}
	}
	return out
}

// ValidateSeats enforces role id uniqueness within one seat list.
func ValidateSeats(seats []Seat) error {
	seen := make(map[string]struct{}, len(seats))
	for i, s := range seats {
		if s.RoleID == "" {
			return fmt.Errorf("seat %d: %w", i, ErrEmptyRole)
		}
		if _, dup := seen[s.RoleID]; dup {
			return fmt.Errorf("seat %d (%s): %w", i, s.RoleID, ErrDuplicateRole)
		}
		seen[s.RoleID] = struct{}{}
	}
	return nil
}

// CloneSeats copies a seat slice.
func CloneSeats(seats []Seat) []Seat {
	if seats == nil {
		return nil
	}
	return append([]Seat(nil), seats...)
}

// CloneSeatSnapshots copies a snapshot slice including each metadata map.
func CloneSeatSnapshots(seats []SeatSnapshot) []SeatSnapshot {
	if seats == nil {
		return nil
	}
	out := make([]SeatSnapshot, len(seats))
	for i, s := range seats {
		s.Metadata = cloneAnyMap(s.Metadata)
		out[i] = s
	}
	return out
}

// WorkflowDefinition is an externally supplied template that seeds an
// agency's seats and imposes task ordering. It is read-only input.
type WorkflowDefinition struct {
	ID          string         `json:"id" yaml:"id"`
	DisplayName string         `json:"display_name" yaml:"display_name"`
	Roles       []WorkflowRole `json:"roles" yaml:"roles"`
	Tasks       []WorkflowTask `json:"tasks" yaml:"tasks"`
}

// WorkflowRole declares one role of a workflow and its default persona.
type WorkflowRole struct {
	RoleID      string `json:"role_id" yaml:"role_id"`
	PersonaID   string `json:"persona_id,omitempty" yaml:"persona_id,omitempty"`
	Instruction string `json:"instruction,omitempty" yaml:"instruction,omitempty"`
}

// WorkflowTask is one unit of work executed by a role. DependsOn lists task
// ids that must finish first.
type WorkflowTask struct {
	ID          string   `json:"id" yaml:"id"`
	RoleID      string   `json:"role_id" yaml:"role_id"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	DependsOn   []string `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
}
