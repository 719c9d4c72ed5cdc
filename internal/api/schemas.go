package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Schema is a JSON Schema a response body must satisfy. It is compiled on
// first use.
type Schema struct {
	Name       string
	Definition map[string]any

	once     sync.Once
	compiled *jsonschema.Schema
	err      error
}

// check reports a body that is not JSON or does not match s as an
// *ErrInvalidResponse for op. A nil Schema accepts anything.
func (s *Schema) check(op string, raw []byte) error {
	if s == nil {
		return nil
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return &ErrInvalidResponse{Op: op, Content: raw, Err: fmt.Errorf("decode body: %w", err)}
	}
	sch, err := s.compile()
	if err != nil {
		return &ErrInvalidResponse{Op: op, Content: raw, Err: err}
	}
	if err := sch.Validate(doc); err != nil {
		return &ErrInvalidResponse{Op: op, Content: raw, Err: err}
	}
	return nil
}

func (s *Schema) compile() (*jsonschema.Schema, error) {
	s.once.Do(func() {
		s.compiled, s.err = compileDefinition("mem:///"+s.Name+".json", s.Definition)
		if s.err != nil {
			s.err = fmt.Errorf("schema %s: %w", s.Name, s.err)
		}
	})
	return s.compiled, s.err
}

// compileDefinition compiles a schema written as Go literals. The
// compiler only accepts values in the shape its own decoder produces.
func compileDefinition(url string, def map[string]any) (*jsonschema.Schema, error) {
	b, err := json.Marshal(def)
	if err != nil {
		return nil, err
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, err
	}
	return c.Compile(url)
}

// Response schemas. Extra fields are allowed everywhere; only the fields
// the client reads are required.

var tokensSchema = &Schema{
	Name: "tokens",
	Definition: map[string]any{
		"type":     "object",
		"required": []string{"access", "refresh"},
		"properties": map[string]any{
			"access":  map[string]any{"type": "string", "minLength": 1},
			"refresh": map[string]any{"type": "string", "minLength": 1},
		},
	},
}

var refreshSchema = &Schema{
	Name: "refresh",
	Definition: map[string]any{
		"type":     "object",
		"required": []string{"access"},
		"properties": map[string]any{
			"access": map[string]any{"type": "string", "minLength": 1},
		},
	},
}

var lessonsSchema = &Schema{
	Name: "free_lessons",
	Definition: map[string]any{
		"type": "array",
		"items": map[string]any{
			"type":     "object",
			"required": []string{"id", "lesson_title", "num_tasks"},
			"properties": map[string]any{
				"id":           map[string]any{"type": "integer"},
				"lesson_title": map[string]any{"type": "string"},
				"num_tasks":    map[string]any{"type": "integer", "minimum": 0},
			},
		},
	},
}

var tasksSchema = &Schema{
	Name: "free_tasks",
	Definition: map[string]any{
		"type": "array",
		"items": map[string]any{
			"type":     "object",
			"required": []string{"id", "lesson", "task_title", "content"},
			"properties": map[string]any{
				"id":         map[string]any{"type": "integer"},
				"lesson":     map[string]any{"type": "integer"},
				"task_title": map[string]any{"type": "string"},
				"content": map[string]any{
					"type": "array",
					"items": map[string]any{
						"type":     "object",
						"required": []string{"type"},
						"properties": map[string]any{
							"type": map[string]any{"type": "string"},
						},
					},
				},
			},
		},
	},
}

var completedSchema = &Schema{
	Name: "completed",
	Definition: map[string]any{
		"type": "array",
		"items": map[string]any{
			"type":     "object",
			"required": []string{"id"},
			"properties": map[string]any{
				"id": map[string]any{"type": "integer"},
			},
		},
	},
}

var markCompletedSchema = &Schema{
	Name: "mark_completed",
	Definition: map[string]any{
		"type":     "object",
		"required": []string{"newly_completed_tasks", "newly_completed_lessons"},
		"properties": map[string]any{
			"newly_completed_tasks": map[string]any{
				"type":  "array",
				"items": map[string]any{"type": "integer"},
			},
			"newly_completed_lessons": map[string]any{
				"type":  "array",
				"items": map[string]any{"type": "integer"},
			},
		},
	},
}

var resetSchema = &Schema{
	Name: "password_reset",
	Definition: map[string]any{
		"type":     "object",
		"required": []string{"success"},
		"properties": map[string]any{
			"success": map[string]any{"type": "boolean"},
			"message": map[string]any{"type": "string"},
			"error":   map[string]any{"type": "string"},
		},
	},
}
