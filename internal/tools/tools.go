// Package tools defines the tool boundary used by the execution engine: a
// named, schema-validated, optionally gated call that returns text.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

var (
	ErrUnknownTool   = errors.New("unknown tool")
	ErrInvalidSchema = errors.New("malformed tool schema")
)

// Call is one invocation of a tool by the model.
type Call struct {
	ID          string
	ExecutionID string
	SubflowPath string
	Arguments   json.RawMessage
}

// Tool is an opaque callable. Invoke returns the observation text fed back
// to the model; an error is also turned into an observation by the caller.
type Tool struct {
	Name        string
	Description string
	Schema      json.RawMessage
	// Gated tools require an approval before Invoke runs.
	Gated bool
	// Timeout overrides the engine's per-tool timeout when shorter.
	Timeout time.Duration
	Invoke  func(ctx context.Context, call Call) (string, error)
	// Describe renders the call for an approval request. When nil the raw
	// arguments are used.
	Describe func(args json.RawMessage) (command, workdir string)
}

// DescribeCall returns the command and workdir shown to an approver.
func (t Tool) DescribeCall(args json.RawMessage) (string, string) {
	if t.Describe != nil {
		return t.Describe(args)
	}
	return t.Name + " " + string(args), ""
}

// ArgumentError reports arguments rejected by a tool's schema. It is a tool
// error, not a fatal one.
type ArgumentError struct {
	Tool    string
	Message string
}

func (e *ArgumentError) Error() string {
	return fmt.Sprintf("invalid arguments for %s: %s", e.Tool, e.Message)
}

type registered struct {
	Tool
	schema *jsonschema.Schema
}

// Registry holds tools by name with their compiled schemas.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*registered
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*registered)}
}

// Register compiles the tool's schema and adds it, replacing any tool with
// the same name. A schema that does not compile wraps ErrInvalidSchema.
func (r *Registry) Register(t Tool) error {
	if t.Name == "" || t.Invoke == nil {
		return fmt.Errorf("tools: name and invoke are required")
	}
	if len(bytes.TrimSpace(t.Schema)) == 0 {
		t.Schema = json.RawMessage(`{"type":"object"}`)
	}
	schema, err := compileSchema(t.Name, t.Schema)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidSchema, t.Name, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name] = &registered{Tool: t, schema: schema}
	return nil
}

func compileSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	url := name + ".schema.json"
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	return c.Compile(url)
}

// SetGated marks the named tools as gated. Unknown names are ignored.
func (r *Registry) SetGated(names []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range names {
		if t, ok := r.tools[n]; ok {
			t.Gated = true
		}
	}
}

func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	if !ok {
		return Tool{}, false
	}
	return t.Tool, true
}

// List returns every tool sorted by name.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t.Tool)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Validate checks args against the named tool's schema.
func (r *Registry) Validate(name string, args json.RawMessage) error {
	r.mu.RLock()
	t, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	if len(bytes.TrimSpace(args)) == 0 {
		args = json.RawMessage("{}")
	}
	// UnmarshalJSON keeps numbers as json.Number, which the validator needs.
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(args))
	if err != nil {
		return &ArgumentError{Tool: name, Message: "arguments are not valid JSON: " + err.Error()}
	}
	if err := t.schema.Validate(doc); err != nil {
		return &ArgumentError{Tool: name, Message: err.Error()}
	}
	return nil
}

// Decode unmarshals args into v, reporting failures as ArgumentError.
func Decode(tool string, args json.RawMessage, v any) error {
	if len(bytes.TrimSpace(args)) == 0 {
		args = json.RawMessage("{}")
	}
	if err := json.Unmarshal(args, v); err != nil {
		return &ArgumentError{Tool: tool, Message: err.Error()}
	}
	return nil
}
