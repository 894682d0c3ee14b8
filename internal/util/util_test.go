package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRenderTemplate(t *testing.T) {
	out, err := RenderTemplate("plain text", nil)
	assert.NoError(t, err)
	assert.Equal(t, "plain text", out)

	out, err = RenderTemplate(`{{title .role}} for {{.goal}}{{if .missing}}!{{end}} <b>`, map[string]any{"role": "wRITER", "goal": "a & b"})
	assert.NoError(t, err)
	assert.Equal(t, "Writer for a & b <b>", out)

	out, err = RenderTemplate(`{{default "none" .dep}} / {{join ", " .roles}}`, map[string]any{"roles": []string{"a", "b"}})
	assert.NoError(t, err)
	assert.Equal(t, "none / a, b", out)

	_, err = RenderTemplate("{{.broken", nil)
	assert.Error(t, err)
}

type report struct {
	Summary    string   `json:"summary" description:"one paragraph"`
	Findings   []string `json:"findings"`
	Confidence float64  `json:"confidence,omitempty"`
	Notes      *string  `json:"notes"`
	internal   string
}

func TestSchemaOf(t *testing.T) {
	schema, err := SchemaOf(&report{})
	assert.NoError(t, err)
	assert.Equal(t, []string{"summary", "findings"}, schema.Required)
	assert.Len(t, schema.Properties, 4)
	assert.Equal(t, Property{Type: "string", Description: "one paragraph"}, schema.Properties["summary"])
	assert.Equal(t, Property{Type: "array", Items: &Property{Type: "string"}}, schema.Properties["findings"])
	assert.Equal(t, "string", schema.Properties["notes"].Type)

	_, err = SchemaOf("text")
	assert.Error(t, err)
	_, err = SchemaOf(struct {
		Extra map[string]string `json:"extra"`
	}{})
	assert.ErrorContains(t, err, "Extra")
}

func TestSchema_Validate(t *testing.T) {
	schema := MustSchemaOf(report{})

	assert.NoError(t, schema.Validate(map[string]any{"summary": "s", "findings": []any{"x"}, "confidence": 0.5, "notes": nil, "extra": 1.0}))

	tests := []struct {
		name  string
		obj   map[string]any
		field string
	}{
		{"missing required", map[string]any{"summary": "s"}, "findings"},
		{"wrong scalar", map[string]any{"summary": 3.0, "findings": []any{}}, "summary"},
		{"wrong item", map[string]any{"summary": "s", "findings": []any{"a", 2.0}}, "findings[1]"},
		{"not an array", map[string]any{"summary": "s", "findings": "a"}, "findings"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ve *ValidationError
			assert.ErrorAs(t, schema.Validate(tt.obj), &ve)
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}
