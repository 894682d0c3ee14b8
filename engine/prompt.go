package engine

import (
	"strings"

	"github.com/hupe1980/agencyhost/core"
)

// buildInstructions derives the system prompt for a request from the persona
// and, for agency requests, the seat the instance occupies.
func buildInstructions(p core.Persona, input core.Input) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(p.SystemPrompt))

	if ar := input.AgencyRequest; ar != nil {
		b.WriteString("\n\nYou are the \"")
		b.WriteString(ar.RoleID)
		b.WriteString("\" seat of a team working toward a shared goal.")
		if ar.Goal != "" {
			b.WriteString("\nShared goal: ")
			b.WriteString(ar.Goal)
		}
		var others []string
		for _, s := range ar.Seats {
			if s.RoleID != ar.RoleID {
				others = append(others, s.RoleID)
			}
		}
		if len(others) > 0 {
			b.WriteString("\nOther seats: ")
			b.WriteString(strings.Join(others, ", "))
			b.WriteString(". Focus on your own role and do not do their work.")
		}
	}

	if wr := input.WorkflowRequest; wr != nil && wr.TaskID != "" {
		b.WriteString("\n\nCurrent workflow task: ")
		b.WriteString(wr.TaskID)
	}

	return strings.TrimSpace(b.String())
}
