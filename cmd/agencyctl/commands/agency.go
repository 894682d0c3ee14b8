package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/goccy/go-yaml"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/hupe1980/agencyhost"
	"github.com/hupe1980/agencyhost/agency"
	"github.com/hupe1980/agencyhost/core"
)

var (
	agencyFile   string
	agencyID     string
	agencyGoal   string
	agencyFormat string
)

// agencyDocument is the YAML form of an agency accepted by run and save.
// Roles may be given directly or derived from a workflow.
type agencyDocument struct {
	ID       string                   `yaml:"id,omitempty"`
	Name     string                   `yaml:"name,omitempty"`
	Goal     string                   `yaml:"goal"`
	Format   string                   `yaml:"format,omitempty"`
	Roles    []roleDocument           `yaml:"roles,omitempty"`
	Workflow *core.WorkflowDefinition `yaml:"workflow,omitempty"`
	Metadata map[string]any           `yaml:"metadata,omitempty"`
}

type roleDocument struct {
	ID          string `yaml:"id"`
	Persona     string `yaml:"persona,omitempty"`
	Instruction string `yaml:"instruction,omitempty"`
	DependsOn   string `yaml:"depends_on,omitempty"`
}

func loadAgencyDocument(path string) (agencyDocument, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return agencyDocument{}, fmt.Errorf("read %s: %w", path, err)
	}
	var doc agencyDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return agencyDocument{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return doc, nil
}

func (d agencyDocument) roles() ([]agency.Role, error) {
	if d.Workflow != nil {
		if len(d.Roles) > 0 {
			return nil, errors.New("agency document sets both roles and workflow")
		}
		return agency.RolesFromWorkflow(*d.Workflow)
	}
	roles := make([]agency.Role, len(d.Roles))
	for i, r := range d.Roles {
		roles[i] = agency.Role{ID: r.ID, PersonaID: r.Persona, Instruction: r.Instruction, DependsOn: r.DependsOn}
	}
	return roles, nil
}

func (d agencyDocument) request() (agency.Request, error) {
	roles, err := d.roles()
	if err != nil {
		return agency.Request{}, err
	}
	req := agency.Request{
		AgencyID:     d.ID,
		Goal:         d.Goal,
		Roles:        roles,
		OutputFormat: agency.OutputFormat(d.Format),
		Metadata:     d.Metadata,
	}
	if d.Workflow != nil {
		req.WorkflowID = d.Workflow.ID
	}
	return req, nil
}

func (d agencyDocument) definition() (core.Agency, error) {
	req, err := d.request()
	if err != nil {
		return core.Agency{}, err
	}
	var meta map[string]string
	if len(d.Metadata) > 0 {
		meta = make(map[string]string, len(d.Metadata))
		for k, v := range d.Metadata {
			meta[k] = fmt.Sprint(v)
		}
	}
	return core.Agency{ID: d.ID, Name: d.Name, Goal: d.Goal, Seats: req.Seats(), Metadata: meta}, nil
}

var agencyCmd = &cobra.Command{
	Use:   "agency",
	Short: "Run and manage agencies",
	Long: `Run multi-role agencies and manage saved agency definitions.

An agency file lists the goal and the roles that work on it:

  name: launch
  goal: Plan the launch of a note taking app
  roles:
    - id: research
      persona: researcher
    - id: write
      persona: writer
      depends_on: research

Saved definitions persist only with a durable storage driver.`,
}

var agencyRunCmd = &cobra.Command{
	Use:   "run (-f <file> | --id <definition>)",
	Short: "Run an agency and print role output",
	Long: `Run an agency from a YAML file ('-' reads stdin) or a saved definition.
Every line of output is tagged with the role that produced it. The command
exits non-zero when any role fails.

Examples:
  agencyctl agency run -f agency.yaml
  agencyctl agency run --id 3f2c... --goal "Plan the beta"`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if (agencyFile == "") == (agencyID == "") {
			return fmt.Errorf("exactly one of -f and --id is required")
		}
		var req agency.Request
		if agencyFile != "" {
			doc, err := loadAgencyDocument(agencyFile)
			if err != nil {
				return err
			}
			if req, err = doc.request(); err != nil {
				return err
			}
		}

		ctx := cmd.Context()
		h, err := openHost(ctx)
		if err != nil {
			return err
		}
		defer closeHost(h)

		if agencyID != "" {
			def, err := h.Definitions().Get(ctx, agencyID)
			if err != nil {
				return err
			}
			req = agency.RequestFromAgency(def, "")
		}
		if agencyGoal != "" {
			req.Goal = agencyGoal
		}
		if agencyFormat != "" {
			req.OutputFormat = agency.OutputFormat(agencyFormat)
		}
		return runAgency(ctx, h, req, cmd.OutOrStdout())
	},
}

func runAgency(ctx context.Context, h *agencyhost.Host, req agency.Request, out io.Writer) error {
	if req.AgencyID == "" {
		req.AgencyID = uuid.NewString()
	}
	p := newRolePrinter(out, req)
	run, err := h.StartAgency(req, agency.Handlers{
		OnChunk:      p.chunk,
		OnRoleUpdate: p.role,
	})
	if err != nil {
		return err
	}

	err = run.Wait(ctx)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		run.Cancel()
	}
	if err != nil {
		var failed []string
		for _, rs := range run.Roles() {
			if rs.Status == agency.RoleFailed {
				failed = append(failed, rs.RoleID)
			}
		}
		if len(failed) > 0 {
			return fmt.Errorf("agency %s: roles failed: %s: %w", req.AgencyID, strings.Join(failed, ", "), err)
		}
		return err
	}
	return nil
}

// rolePrinter writes role output as "[role] text" lines. Text deltas are
// buffered per role and flushed on the final response.
type rolePrinter struct {
	out    io.Writer
	byTask map[string]string
	text   map[string]*strings.Builder
}

func newRolePrinter(out io.Writer, req agency.Request) *rolePrinter {
	p := &rolePrinter{out: out, byTask: make(map[string]string, len(req.Roles)), text: make(map[string]*strings.Builder)}
	for i, r := range req.Roles {
		p.byTask[agency.TaskID(req.AgencyID, i, r.ID)] = r.ID
	}
	return p
}

func (p *rolePrinter) roleOf(c core.Chunk) string {
	if id, ok := p.byTask[c.StreamID]; ok {
		return id
	}
	return c.StreamID
}

func (p *rolePrinter) chunk(c core.Chunk) {
	role := p.roleOf(c)
	switch c.Type {
	case core.ChunkTextDelta:
		if c.Text == nil {
			return
		}
		b, ok := p.text[role]
		if !ok {
			b = &strings.Builder{}
			p.text[role] = b
		}
		b.WriteString(c.Text.Delta)
	case core.ChunkFinalResponse:
		text := ""
		if b, ok := p.text[role]; ok {
			text = b.String()
			delete(p.text, role)
		}
		if c.Final != nil && c.Final.Text != "" {
			text = c.Final.Text
		}
		p.print(role, strings.TrimSpace(text))
	case core.ChunkError:
		if c.Error != nil {
			p.print(role, fmt.Sprintf("error %s: %s", c.Error.Code, c.Error.Message))
		}
	case core.ChunkSystemProgress:
		if IsVerbose() && c.Progress != nil {
			p.print(role, "progress: "+c.Progress.Message)
		}
	}
}

func (p *rolePrinter) role(u agency.RoleUpdate) {
	switch {
	case u.Status == agency.RoleFailed:
		p.print(u.RoleID, fmt.Sprintf("failed (%s): %v", streamErrorCode(u.Err), u.Err))
	case IsVerbose():
		p.print(u.RoleID, string(u.Status))
	}
}

func (p *rolePrinter) print(role, text string) {
	for _, line := range strings.Split(text, "\n") {
		fmt.Fprintf(p.out, "[%s] %s\n", role, line)
	}
}

var agencySaveCmd = &cobra.Command{
	Use:   "save -f <file>",
	Short: "Save an agency definition",
	RunE: func(cmd *cobra.Command, args []string) error {
		if agencyFile == "" {
			return fmt.Errorf("flag -f is required")
		}
		doc, err := loadAgencyDocument(agencyFile)
		if err != nil {
			return err
		}
		def, err := doc.definition()
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		h, err := openHost(ctx)
		if err != nil {
			return err
		}
		defer closeHost(h)

		saved, err := h.Definitions().Create(ctx, def)
		if errors.Is(err, agency.ErrAgencyExists) {
			saved, err = h.Definitions().Update(ctx, def)
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "agency %s saved\n", saved.ID)
		return nil
	},
}

var agencyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List saved agency definitions",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		h, err := openHost(ctx)
		if err != nil {
			return err
		}
		defer closeHost(h)

		defs, err := h.Definitions().List(ctx)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tROLES\tGOAL")
		for _, d := range defs {
			roles := make([]string, len(d.Seats))
			for i, s := range d.Seats {
				roles[i] = s.RoleID
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", d.ID, d.Name, strings.Join(roles, ","), d.Goal)
		}
		return w.Flush()
	},
}

var agencyDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a saved agency definition",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		h, err := openHost(ctx)
		if err != nil {
			return err
		}
		defer closeHost(h)

		if err := h.Definitions().Delete(ctx, args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "agency %s deleted\n", args[0])
		return nil
	},
}

func init() {
	agencyRunCmd.Flags().StringVarP(&agencyFile, "file", "f", "", "agency YAML file ('-' for stdin)")
	agencyRunCmd.Flags().StringVar(&agencyID, "id", "", "saved agency definition id")
	agencyRunCmd.Flags().StringVar(&agencyGoal, "goal", "", "override the goal")
	agencyRunCmd.Flags().StringVar(&agencyFormat, "format", "", "output format (markdown, structured)")
	agencySaveCmd.Flags().StringVarP(&agencyFile, "file", "f", "", "agency YAML file ('-' for stdin)")

	agencyCmd.AddCommand(agencyRunCmd, agencySaveCmd, agencyListCmd, agencyDeleteCmd)
	rootCmd.AddCommand(agencyCmd)
}
