package util

import (
	"fmt"
	"reflect"
	"strings"
)

// ValidationError describes the first field of a structured payload that does
// not satisfy its schema.
type ValidationError struct {
	Field   string `json:"field"`
	Value   any    `json:"value"`
	Message string `json:"message"`
}

// Error implements the error interface for ValidationError.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("field %q: %s", e.Field, e.Message)
}

// Schema is a flat JSON object schema. Properties are scalars or arrays of
// scalars, which is all a model-written report needs.
type Schema struct {
	Type       string              `json:"type"`
	Properties map[string]Property `json:"properties"`
	Required   []string            `json:"required,omitempty"`
}

// Property describes one field of a Schema.
type Property struct {
	Type        string    `json:"type"`
	Items       *Property `json:"items,omitempty"`
	Description string    `json:"description,omitempty"`
}

// SchemaOf derives the schema of a struct from its exported fields. Names
// follow json tags, a `description` tag becomes the property description,
// and fields tagged omitempty or of pointer type are optional.
func SchemaOf(v any) (Schema, error) {
	t := reflect.TypeOf(v)
	if t != nil && t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t == nil || t.Kind() != reflect.Struct {
		return Schema{}, fmt.Errorf("schema of %T: not a struct", v)
	}

	s := Schema{Type: "object", Properties: make(map[string]Property, t.NumField())}
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		name, opts, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			continue
		}
		if name == "" {
			name = f.Name
		}

		ft := f.Type
		optional := strings.Contains(","+opts+",", ",omitempty,")
		if ft.Kind() == reflect.Ptr {
			ft, optional = ft.Elem(), true
		}
		p, err := propertyOf(ft)
		if err != nil {
			return Schema{}, fmt.Errorf("schema of %s.%s: %w", t.Name(), f.Name, err)
		}
		p.Description = f.Tag.Get("description")
		s.Properties[name] = p
		if !optional {
			s.Required = append(s.Required, name)
		}
	}
	return s, nil
}

// MustSchemaOf is like SchemaOf but panics on error.
func MustSchemaOf(v any) Schema {
	s, err := SchemaOf(v)
	if err != nil {
		panic(err)
	}
	return s
}

func propertyOf(t reflect.Type) (Property, error) {
	if t.Kind() == reflect.Slice || t.Kind() == reflect.Array {
		item, err := scalarType(t.Elem())
		if err != nil {
			return Property{}, err
		}
		return Property{Type: "array", Items: &Property{Type: item}}, nil
	}
	typ, err := scalarType(t)
	return Property{Type: typ}, err
}

func scalarType(t reflect.Type) (string, error) {
	switch t.Kind() {
	case reflect.String:
		return "string", nil
	case reflect.Bool:
		return "boolean", nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return "integer", nil
	case reflect.Float32, reflect.Float64:
		return "number", nil
	}
	return "", fmt.Errorf("unsupported kind %s", t.Kind())
}

// Validate checks a decoded JSON object. Unknown fields are allowed and a
// null value satisfies any type.
func (s Schema) Validate(obj map[string]any) error {
	for _, name := range s.Required {
		if _, ok := obj[name]; !ok {
			return &ValidationError{Field: name, Message: "required field is missing"}
		}
	}
	for name, value := range obj {
		p, ok := s.Properties[name]
		if !ok || value == nil {
			continue
		}
		if !matches(value, p.Type) {
			return &ValidationError{Field: name, Value: value, Message: fmt.Sprintf("expected %s, got %T", p.Type, value)}
		}
		if p.Items == nil {
			continue
		}
		for i, item := range value.([]any) {
			if item != nil && !matches(item, p.Items.Type) {
				return &ValidationError{Field: fmt.Sprintf("%s[%d]", name, i), Value: item, Message: fmt.Sprintf("expected %s, got %T", p.Items.Type, item)}
			}
		}
	}
	return nil
}

// matches reports whether a value produced by encoding/json has the JSON type.
func matches(v any, typ string) bool {
	switch typ {
	case "string":
		_, ok := v.(string)
		return ok
	case "boolean":
		_, ok := v.(bool)
		return ok
	case "number":
		_, ok := v.(float64)
		return ok
	case "integer":
		f, ok := v.(float64)
		return ok && f == float64(int64(f))
	case "array":
		_, ok := v.([]any)
		return ok
	}
	return false
}
