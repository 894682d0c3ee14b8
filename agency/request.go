package agency

import (
	"errors"
	"fmt"
	"strings"

	"github.com/hupe1980/agencyhost/core"
)

// ErrInvalidRequest is wrapped by every StartAgency validation failure.
var ErrInvalidRequest = errors.New("invalid agency request")

// OutputFormat selects the composition guidance given to each role.
type OutputFormat string

const (
	FormatMarkdown   OutputFormat = "markdown"
	FormatStructured OutputFormat = "structured"
)

// Role is one seat of a running agency.
type Role struct {
	ID          string
	PersonaID   string
	Instruction string
	// DependsOn names a role that must reach its final chunk first.
	DependsOn string
}

// Request describes one agency run.
type Request struct {
	// AgencyID identifies the agency. A random id is used when empty.
	AgencyID string
	// ConversationID is shared by all role streams. Defaults to AgencyID.
	ConversationID string
	UserID         string
	Goal           string
	Roles          []Role
	// OutputFormat defaults to FormatMarkdown.
	OutputFormat OutputFormat
	// WorkflowID, when set, tags every role input with a workflow request.
	WorkflowID  string
	UserAPIKeys map[string]string
	Metadata    map[string]any
}

// RequestFromAgency builds a run request from a stored agency definition.
func RequestFromAgency(a core.Agency, format OutputFormat) Request {
	roles := make([]Role, len(a.Seats))
	for i, s := range a.Seats {
		roles[i] = Role{ID: s.RoleID, PersonaID: s.PersonaID, Instruction: s.Instruction, DependsOn: s.DependsOn}
	}
	var meta map[string]any
	if len(a.Metadata) > 0 {
		meta = make(map[string]any, len(a.Metadata))
		for k, v := range a.Metadata {
			meta[k] = v
		}
	}
	return Request{AgencyID: a.ID, Goal: a.Goal, Roles: roles, OutputFormat: format, Metadata: meta}
}

// Seats converts the roles to seat definitions.
func (r Request) Seats() []core.Seat {
	seats := make([]core.Seat, len(r.Roles))
	for i, role := range r.Roles {
		seats[i] = core.Seat{RoleID: role.ID, PersonaID: role.PersonaID, Instruction: role.Instruction, DependsOn: role.DependsOn}
	}
	return seats
}

// RoleIDs returns the role ids in declaration order.
func (r Request) RoleIDs() []string {
	ids := make([]string, len(r.Roles))
	for i, role := range r.Roles {
		ids[i] = role.ID
	}
	return ids
}

// TaskID returns the deterministic task id of the role at index.
func TaskID(agencyID string, index int, roleID string) string {
	return fmt.Sprintf("%s:%d:%s", agencyID, index, roleID)
}

// Validate checks the request: a goal, at least one role, unique role ids,
// known dependencies, no dependency cycles and a supported output format.
func (r Request) Validate() error {
	if strings.TrimSpace(r.Goal) == "" {
		return fmt.Errorf("%w: goal is required", ErrInvalidRequest)
	}
	if len(r.Roles) == 0 {
		return fmt.Errorf("%w: at least one role is required", ErrInvalidRequest)
	}
	switch r.OutputFormat {
	case "", FormatMarkdown, FormatStructured:
	default:
		return fmt.Errorf("%w: unsupported output format %q", ErrInvalidRequest, r.OutputFormat)
	}
	if err := core.ValidateSeats(r.Seats()); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	deps := make(map[string]string, len(r.Roles))
	for _, role := range r.Roles {
		deps[role.ID] = role.DependsOn
	}
	for _, role := range r.Roles {
		if role.DependsOn == "" {
			continue
		}
		if _, ok := deps[role.DependsOn]; !ok {
			return fmt.Errorf("%w: role %s depends on unknown role %s", ErrInvalidRequest, role.ID, role.DependsOn)
		}
	}
	// Each role has at most one dependency, so a walk longer than the role
	// count means a cycle.
	for _, role := range r.Roles {
		cur := role.ID
		for steps := 0; deps[cur] != ""; steps++ {
			if steps >= len(r.Roles) {
				return fmt.Errorf("%w: dependency cycle through role %s", ErrInvalidRequest, role.ID)
			}
			cur = deps[cur]
		}
	}
	return nil
}

// RolesFromWorkflow seeds roles from a workflow definition. Task
// descriptions are appended to the owning role's instruction, and a task
// depending on a task of another role becomes a role dependency. A role may
// depend on at most one other role.
func RolesFromWorkflow(def core.WorkflowDefinition) ([]Role, error) {
	roles := make([]Role, len(def.Roles))
	index := make(map[string]int, len(def.Roles))
	for i, wr := range def.Roles {
		if _, dup := index[wr.RoleID]; dup {
			return nil, fmt.Errorf("%w: workflow %s declares role %s twice", ErrInvalidRequest, def.ID, wr.RoleID)
		}
		index[wr.RoleID] = i
		roles[i] = Role{ID: wr.RoleID, PersonaID: wr.PersonaID, Instruction: wr.Instruction}
	}

	taskRole := make(map[string]string, len(def.Tasks))
	for _, task := range def.Tasks {
		if _, ok := index[task.RoleID]; !ok {
			return nil, fmt.Errorf("%w: task %s references unknown role %s", ErrInvalidRequest, task.ID, task.RoleID)
		}
		taskRole[task.ID] = task.RoleID
	}

	for _, task := range def.Tasks {
		r := &roles[index[task.RoleID]]
		if task.Description != "" {
			if r.Instruction != "" {
				r.Instruction += "\n"
			}
			r.Instruction += "- " + task.Description
		}
		for _, dep := range task.DependsOn {
			depRole, ok := taskRole[dep]
			if !ok {
				return nil, fmt.Errorf("%w: task %s depends on unknown task %s", ErrInvalidRequest, task.ID, dep)
			}
			if depRole == r.ID {
				continue
			}
			if r.DependsOn != "" && r.DependsOn != depRole {
				return nil, fmt.Errorf("%w: role %s depends on both %s and %s", ErrInvalidRequest, r.ID, r.DependsOn, depRole)
			}
			r.DependsOn = depRole
		}
	}
	return roles, nil
}
