package agency

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/template"

	"github.com/hupe1980/agencyhost/internal/util"
)

// Composer builds the text input handed to the engine for one role.
type Composer func(req Request, role Role) (string, error)

// RoleReport is the object a role returns when the structured output
// format is requested.
type RoleReport struct {
	Role       string   `json:"role" description:"the role id answering"`
	Summary    string   `json:"summary" description:"one paragraph summary of the contribution"`
	Findings   []string `json:"findings" description:"key points, one per entry"`
	NextSteps  []string `json:"next_steps,omitempty" description:"suggested follow-up actions"`
	Confidence float64  `json:"confidence,omitempty" description:"self-assessed confidence between 0 and 1"`
}

var (
	markdownTemplate = util.MustParseTemplate("markdown", `{{.goal}}

You are the {{.role}} in a team of {{len .roles}} roles ({{join ", " .roles}}).
{{- if .instruction}}
Your assignment:
{{.instruction}}
{{- end}}
{{- if .depends_on}}
The {{.depends_on}} role works before you. Build on its result instead of repeating it.
{{- end}}

Answer in Markdown. Start with a level-two heading naming your role and stay focused on your part of the goal.`)

	structuredTemplate = util.MustParseTemplate("structured", `{{.goal}}

You are the {{.role}} in a team of {{len .roles}} roles ({{join ", " .roles}}).
{{- if .instruction}}
Your assignment:
{{.instruction}}
{{- end}}
{{- if .depends_on}}
The {{.depends_on}} role works before you. Build on its result instead of repeating it.
{{- end}}

Answer with a single JSON object and nothing else. The object must match this JSON schema:
{{.schema}}`)

	reportSchema     = util.MustSchemaOf(RoleReport{})
	reportSchemaJSON = mustIndent(reportSchema)
)

func mustIndent(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		panic(err)
	}
	return string(data)
}

// DefaultComposer combines the shared goal, the role's instruction and the
// output format guidance.
func DefaultComposer(req Request, role Role) (string, error) {
	data := map[string]any{
		"goal":        strings.TrimSpace(req.Goal),
		"role":        role.ID,
		"roles":       req.RoleIDs(),
		"instruction": strings.TrimSpace(role.Instruction),
		"depends_on":  role.DependsOn,
	}
	tmpl := markdownTemplate
	if req.OutputFormat == FormatStructured {
		tmpl = structuredTemplate
		data["schema"] = reportSchemaJSON
	}
	return executeRoleTemplate(tmpl, data)
}

func executeRoleTemplate(tmpl *template.Template, data map[string]any) (string, error) {
	text, err := util.ExecuteTemplate(tmpl, data)
	if err != nil {
		return "", fmt.Errorf("compose role %v: %w", data["role"], err)
	}
	return text, nil
}

// ErrNoReport is returned by ParseRoleReport when the text holds no JSON object.
var ErrNoReport = errors.New("no structured report found")

// ParseRoleReport extracts and validates the structured report from a role's
// final response. Surrounding prose and Markdown code fences are ignored.
func ParseRoleReport(text string) (RoleReport, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end < start {
		return RoleReport{}, ErrNoReport
	}
	raw := []byte(text[start : end+1])

	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return RoleReport{}, fmt.Errorf("decode report: %w", err)
	}
	if err := reportSchema.Validate(obj); err != nil {
		return RoleReport{}, err
	}
	var report RoleReport
	if err := json.Unmarshal(raw, &report); err != nil {
		return RoleReport{}, fmt.Errorf("decode report: %w", err)
	}
	return report, nil
}
