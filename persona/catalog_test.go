package persona

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/hupe1980/agencyhost/core"
)

func TestCatalog_CopyOnRead(t *testing.T) {
	ctx := context.Background()
	c, err := New(core.Persona{ID: "a", SystemPrompt: "x", Capabilities: []string{"one"}})
	assert.NoError(t, err)

	p, ok, err := c.LoadPersonaByID(ctx, "a")
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "a", p.Name)
	p.Capabilities[0] = "mutated"

	again, _, _ := c.LoadPersonaByID(ctx, "a")
	assert.Equal(t, []string{"one"}, again.Capabilities)

	_, ok, err = c.LoadPersonaByID(ctx, "missing")
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestCatalog_Validation(t *testing.T) {
	_, err := New(core.Persona{})
	assert.ErrorIs(t, err, ErrInvalidPersona)

	_, err = New(core.Persona{ID: "a"}, core.Persona{ID: "a"})
	assert.ErrorIs(t, err, ErrInvalidPersona)
}

func TestCatalog_SortedListing(t *testing.T) {
	c := MustNew(core.Persona{ID: "b"}, core.Persona{ID: "a"}, core.Persona{ID: "c"})
	all, err := c.LoadAllPersonaDefinitions(context.Background())
	assert.NoError(t, err)
	ids := []string{}
	for _, p := range all {
		ids = append(ids, p.ID)
	}
	assert.Equal(t, []string{"a", "b", "c"}, ids)
	assert.Equal(t, 3, c.Len())
}

func TestCatalog_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Builtin().LoadAllPersonaDefinitions(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestParse_MultiDocument(t *testing.T) {
	data := []byte(`
id: researcher
name: Researcher
system_prompt: Find facts.
capabilities: [research]
---
id: writer
name: Writer
system_prompt: Write well.
metadata:
  tone: friendly
`)
	personas, err := Parse(data)
	assert.NoError(t, err)
	assert.Len(t, personas, 2)
	assert.Equal(t, "researcher", personas[0].ID)
	assert.True(t, personas[0].HasCapability("research"))
	assert.Equal(t, "friendly", personas[1].Metadata["tone"])
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	assert.NoError(t, os.WriteFile(filepath.Join(dir, "a.yaml"), []byte("id: a\nsystem_prompt: A\n"), 0o600))
	assert.NoError(t, os.WriteFile(filepath.Join(dir, "b.yml"), []byte("id: b\nsystem_prompt: B\n"), 0o600))
	assert.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o600))

	c, err := LoadDir(dir)
	assert.NoError(t, err)
	assert.Equal(t, 2, c.Len())

	assert.NoError(t, os.WriteFile(filepath.Join(dir, "c.yaml"), []byte("id: a\n"), 0o600))
	_, err = LoadDir(dir)
	assert.ErrorIs(t, err, ErrInvalidPersona)
}

func TestBuiltin(t *testing.T) {
	c := Builtin()
	p, ok, err := c.LoadPersonaByID(context.Background(), DefaultPersonaID)
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.NotEmpty(t, p.SystemPrompt)
}
