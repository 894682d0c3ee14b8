package anthropic

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/hupe1980/agencyhost/model"
)

var _ model.Model = (*Model)(nil)

func TestBuildParams(t *testing.T) {
	m := NewModel(func(o *Options) { o.APIKey = "test" })
	temp := 0.2
	p := m.buildParams(model.Request{
		Instructions: "system prompt",
		Messages: []model.Message{
			{Role: model.RoleUser, Content: "hi"},
			{Role: model.RoleAssistant, Content: ""},
			{Role: model.RoleAssistant, Content: "hello"},
		},
		Temperature: &temp,
		MaxTokens:   100,
		Model:       "claude-test",
	})
	assert.Equal(t, "claude-test", string(p.Model))
	assert.Len(t, p.Messages, 2)
	assert.Equal(t, int64(100), p.MaxTokens)
	assert.Len(t, p.System, 1)
	assert.Equal(t, "system prompt", p.System[0].Text)
}

func TestInfo(t *testing.T) {
	m := NewModel(func(o *Options) { o.APIKey = "test" })
	assert.Equal(t, "anthropic", m.Info().Provider)
}
