package core

// Persona defines the prompt identity and capabilities an agent instance is
// created from.
type Persona struct {
	ID           string            `json:"id" yaml:"id"`
	Name         string            `json:"name" yaml:"name"`
	Description  string            `json:"description,omitempty" yaml:"description,omitempty"`
	Version      string            `json:"version,omitempty" yaml:"version,omitempty"`
	SystemPrompt string            `json:"system_prompt" yaml:"system_prompt"`
	Capabilities []string          `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`
	DefaultModel string            `json:"default_model,omitempty" yaml:"default_model,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// Clone returns a deep copy of the persona.
func (p Persona) Clone() Persona {
	out := p
	if p.Capabilities != nil {
		out.Capabilities = append([]string(nil), p.Capabilities...)
	}
	out.Metadata = cloneStringMap(p.Metadata)
	return out
}

// HasCapability reports whether the persona declares capability c.
func (p Persona) HasCapability(c string) bool {
	for _, have := range p.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}
