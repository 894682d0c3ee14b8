package commands

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/hupe1980/agencyhost"
	"github.com/hupe1980/agencyhost/core"
	"github.com/hupe1980/agencyhost/credential"
	"github.com/hupe1980/agencyhost/internal/testutil"
	"github.com/hupe1980/agencyhost/runtime"
	"github.com/hupe1980/agencyhost/storage/badgerstore"
)

// useTestHost makes every command run on eng. With a non-empty stateDir the
// host state is kept in badger so definitions survive across invocations.
func useTestHost(t *testing.T, eng *testutil.ScriptedEngine, stateDir string) {
	t.Helper()
	testHostOverride = func(ctx context.Context) (*agencyhost.Host, error) {
		return agencyhost.New(ctx, func(o *agencyhost.Options) {
			o.EngineFactory = func(context.Context, runtime.Config) (core.Engine, error) { return eng, nil }
			o.Credentials = func() credential.Set { return credential.Set{credential.OpenAIAPIKey: "k"} }
			if stateDir != "" {
				o.State = badgerstore.New(func(o *badgerstore.Options) { o.Dir = stateDir })
			}
		})
	}
	t.Cleanup(func() { testHostOverride = nil })
}

func runCmd(t *testing.T, args ...string) (stdout, stderr string, err error) {
	t.Helper()

	verbose = false
	configPath = ""
	logLevel = ""
	chatPersona, chatConversation, chatStats = "", "", false
	agencyFile, agencyID, agencyGoal, agencyFormat = "", "", "", ""

	var outBuf, errBuf bytes.Buffer
	rootCmd.SetOut(&outBuf)
	rootCmd.SetErr(&errBuf)
	rootCmd.SetArgs(args)
	err = rootCmd.ExecuteContext(context.Background())
	return outBuf.String(), errBuf.String(), err
}

func writeTestYAML(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

const teamYAML = `id: launch
name: launch team
goal: Plan the launch
roles:
  - id: research
    persona: researcher
  - id: write
    persona: writer
    depends_on: research
`

func TestChat(t *testing.T) {
	eng := testutil.NewScriptedEngine("e")
	useTestHost(t, eng, "")

	stdout, stderr, err := runCmd(t, "chat", "--persona", "researcher", "--stats", "hello", "world")
	assert.NoError(t, err)
	assert.Contains(t, stdout, "echo: hello world")
	assert.Contains(t, stderr, "1 completed")

	calls := eng.Calls()
	assert.Len(t, calls, 1)
	assert.Equal(t, "researcher", calls[0].SelectedPersonaID)
}

func TestChatFailure(t *testing.T) {
	useTestHost(t, testutil.NewScriptedEngine("e").On("bad", testutil.Script{Err: errors.New("model down")}), "")

	_, _, err := runCmd(t, "chat", "bad")
	var se *core.StreamError
	assert.ErrorAs(t, err, &se)
}

func TestChatMissingText(t *testing.T) {
	_, _, err := runCmd(t, "chat")
	assert.Error(t, err)
}

func TestAgencyRun(t *testing.T) {
	useTestHost(t, testutil.NewScriptedEngine("e"), "")

	stdout, _, err := runCmd(t, "agency", "run", "-f", writeTestYAML(t, "team.yaml", teamYAML))
	assert.NoError(t, err)
	assert.Contains(t, stdout, "[research] echo:")
	assert.Contains(t, stdout, "[write] echo:")
	assert.Less(t, strings.Index(stdout, "[research]"), strings.Index(stdout, "[write]"))
}

func TestAgencyRunRoleFailure(t *testing.T) {
	eng := testutil.NewScriptedEngine("e").On("write", testutil.Script{Err: errors.New("quota exceeded")})
	useTestHost(t, eng, "")

	stdout, _, err := runCmd(t, "agency", "run", "-f", writeTestYAML(t, "team.yaml", teamYAML))
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "roles failed: write")
	assert.Contains(t, stdout, "[research] echo:")
	assert.Contains(t, stdout, "[write] failed")
}

func TestAgencyRunFlags(t *testing.T) {
	_, _, err := runCmd(t, "agency", "run")
	assert.ErrorContains(t, err, "exactly one of -f and --id")

	_, _, err = runCmd(t, "agency", "run", "-f", "/nonexistent.yaml")
	assert.Error(t, err)
}

func TestAgencyRunInvalidDocument(t *testing.T) {
	useTestHost(t, testutil.NewScriptedEngine("e"), "")

	path := writeTestYAML(t, "bad.yaml", `goal: x
roles:
  - id: a
    depends_on: missing
`)
	_, _, err := runCmd(t, "agency", "run", "-f", path)
	assert.Error(t, err)
}

func TestAgencyRunWorkflow(t *testing.T) {
	eng := testutil.NewScriptedEngine("e")
	useTestHost(t, eng, "")

	path := writeTestYAML(t, "wf.yaml", `goal: Review the release
workflow:
  id: review
  roles:
    - role_id: checker
      persona_id: researcher
    - role_id: editor
      persona_id: writer
  tasks:
    - id: t1
      role_id: checker
      description: check facts
    - id: t2
      role_id: editor
      description: edit copy
      depends_on: [t1]
`)
	stdout, _, err := runCmd(t, "agency", "run", "-f", path)
	assert.NoError(t, err)
	assert.Contains(t, stdout, "[checker]")
	assert.Contains(t, stdout, "[editor]")
	for _, c := range eng.Calls() {
		assert.NotNil(t, c.WorkflowRequest)
	}
}

func TestAgencySaveListRunDelete(t *testing.T) {
	useTestHost(t, testutil.NewScriptedEngine("e"), t.TempDir())

	stdout, _, err := runCmd(t, "agency", "save", "-f", writeTestYAML(t, "team.yaml", teamYAML))
	assert.NoError(t, err)
	assert.Contains(t, stdout, "agency launch saved")

	stdout, _, err = runCmd(t, "agency", "list")
	assert.NoError(t, err)
	assert.Contains(t, stdout, "launch")
	assert.Contains(t, stdout, "research,write")

	stdout, _, err = runCmd(t, "agency", "run", "--id", "launch", "--goal", "Plan the beta")
	assert.NoError(t, err)
	assert.Contains(t, stdout, "Plan the beta")

	_, _, err = runCmd(t, "agency", "delete", "launch")
	assert.NoError(t, err)
	_, _, err = runCmd(t, "agency", "delete", "launch")
	assert.Error(t, err)
}

func TestPersonas(t *testing.T) {
	useTestHost(t, testutil.NewScriptedEngine("e"), "")

	stdout, _, err := runCmd(t, "personas")
	assert.NoError(t, err)
	assert.Contains(t, stdout, "assistant")
	assert.Contains(t, stdout, "researcher")
}

func TestConfigLoadError(t *testing.T) {
	_, _, err := runCmd(t, "--config", "/nonexistent/agencyhost.yaml", "personas")
	assert.ErrorContains(t, err, "nonexistent")
}
