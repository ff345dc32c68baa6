// Package tools defines the agent-facing tool contract, a registry that
// validates arguments against each tool's JSON schema before dispatch, and
// a small set of reference tools (read, write, edit, bash, grep, find, ls),
// generalized from the teacher's pkg/tools/{tools,files}.go.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/wilbur182/forge-agent/pkg/message"
)

// Tool is one callable the agent loop may invoke on an assistant-issued
// ToolCallBlock.
type Tool interface {
	Name() string
	Label() string
	Description() string
	InputSchema() map[string]any
	Execute(ctx context.Context, callID string, args map[string]any) (message.Message, error)
}

// Registry holds the tools available to a session and compiles each one's
// InputSchema once, at Register time, so Dispatch never pays compilation
// cost on the hot path.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	schemas map[string]*jsonschema.Schema
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:   make(map[string]Tool),
		schemas: make(map[string]*jsonschema.Schema),
	}
}

// Register adds t to the registry, compiling its InputSchema immediately.
// A tool whose schema fails to compile is a programming error, not a
// runtime condition, so Register panics rather than returning an error the
// caller is likely to ignore.
func (r *Registry) Register(t Tool) {
	schema, err := compileSchema(t.Name(), t.InputSchema())
	if err != nil {
		panic(fmt.Sprintf("tools: compiling schema for %q: %v", t.Name(), err))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
	r.schemas[t.Name()] = schema
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns every registered tool.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		list = append(list, t)
	}
	return list
}

// Dispatch runs the named tool against args, validating args against the
// tool's compiled schema first. It never returns a raw Go error: an unknown
// tool, a schema violation, or an Execute failure all come back as a
// message.Message with Kind KindToolResult and IsError set, matching
// spec.md §4.3/§7 — the agent loop always has a message to append, even
// when the tool call itself failed.
func (r *Registry) Dispatch(ctx context.Context, callID, name string, args map[string]any) message.Message {
	r.mu.RLock()
	t, ok := r.tools[name]
	schema := r.schemas[name]
	r.mu.RUnlock()

	if !ok {
		return message.NewToolResultMessage(callID, true, fmt.Sprintf("unknown tool: %s", name))
	}

	if schema != nil {
		if err := schema.Validate(toValidatable(args)); err != nil {
			return message.NewToolResultMessage(callID, true, fmt.Sprintf("invalid arguments: %v", err))
		}
	}

	result, err := t.Execute(ctx, callID, args)
	if err != nil {
		return message.NewToolResultMessage(callID, true, err.Error())
	}
	return result
}

func compileSchema(name string, schema map[string]any) (*jsonschema.Schema, error) {
	if schema == nil {
		return nil, nil
	}
	c := jsonschema.NewCompiler()
	resourceName := name + ".schema.json"
	if err := c.AddResource(resourceName, toValidatable(schema)); err != nil {
		return nil, fmt.Errorf("adding schema resource: %w", err)
	}
	return c.Compile(resourceName)
}

// toValidatable round-trips v through map[string]any/[]any so jsonschema's
// decoder sees the same shape it would after an encoding/json.Unmarshal of
// a real request body, regardless of how the caller built the argument map.
func toValidatable(v map[string]any) any {
	data, err := json.Marshal(v)
	if err != nil {
		return map[string]any(v)
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return map[string]any(v)
	}
	return out
}
