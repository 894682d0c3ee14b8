package persona

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/goccy/go-yaml"

	"github.com/hupe1980/agencyhost/core"
)

// Parse decodes a YAML stream of persona definitions. Multiple personas may be
// separated with "---".
func Parse(data []byte) ([]core.Persona, error) {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	var out []core.Persona
	for {
		var p core.Persona
		if err := decoder.Decode(&p); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("parse persona YAML: %w", err)
		}
		if p.ID == "" && p.Name == "" && p.SystemPrompt == "" {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// LoadFile reads the personas defined in one YAML file.
func LoadFile(path string) ([]core.Persona, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	personas, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return personas, nil
}

// LoadDir builds a catalog from every *.yaml and *.yml file in dir. Files are
// read in lexical order; duplicate ids across files are an error.
func LoadDir(dir string) (*Catalog, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read persona dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".yaml", ".yml":
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var all []core.Persona
	for _, name := range names {
		personas, err := LoadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		all = append(all, personas...)
	}
	return New(all...)
}
