package persona

import "github.com/hupe1980/agencyhost/core"

// DefaultPersonaID is the persona used when an input selects none.
const DefaultPersonaID = "assistant"

// Builtin returns the personas shipped with agencyhost. They cover the roles
// used by the sample agencies and serve as a fallback when no catalog
// directory is configured.
func Builtin() *Catalog {
	return MustNew(
		core.Persona{
			ID:           DefaultPersonaID,
			Name:         "Assistant",
			Description:  "General purpose helpful assistant.",
			Version:      "1.0.0",
			SystemPrompt: "You are a helpful, precise assistant. Answer clearly and concisely.",
			Capabilities: []string{"conversation"},
		},
		core.Persona{
			ID:           "researcher",
			Name:         "Researcher",
			Description:  "Collects facts and open questions about a goal.",
			Version:      "1.0.0",
			SystemPrompt: "You are a meticulous researcher. Gather relevant facts, cite assumptions and list open questions.",
			Capabilities: []string{"analysis", "research"},
		},
		core.Persona{
			ID:           "writer",
			Name:         "Writer",
			Description:  "Turns notes into well structured prose.",
			Version:      "1.0.0",
			SystemPrompt: "You are a skilled technical writer. Produce well structured, readable text.",
			Capabilities: []string{"writing"},
		},
		core.Persona{
			ID:           "critic",
			Name:         "Critic",
			Description:  "Reviews work products and points out weaknesses.",
			Version:      "1.0.0",
			SystemPrompt: "You are a constructive critic. Identify weaknesses, risks and concrete improvements.",
			Capabilities: []string{"review"},
		},
	)
}
