// Package tools holds the functions the assistant may call during a call.
package tools

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"

	"voice-relay/pkg/errors"
	"voice-relay/pkg/realtime"
)

// Result is what a tool hands back to the model. EndCall asks the relay to
// hang up once the current response has played.
type Result struct {
	Output  string
	EndCall bool
}

// Handler runs one tool invocation with the raw JSON arguments from the model.
type Handler func(ctx context.Context, arguments string) (Result, error)

// Tool is a named function with a JSON schema for its arguments.
type Tool struct {
	Name        string
	Description string
	Parameters  *jsonschema.Schema
	Handler     Handler
}

// NewFunc builds a Tool whose arguments are decoded into T and whose schema
// is derived from T. fn may return a Result directly; any other value is
// encoded as JSON output.
func NewFunc[T any](name, description string, fn func(ctx context.Context, args T) (any, error)) (Tool, error) {
	schema, err := jsonschema.For[T](&jsonschema.ForOptions{})
	if err != nil {
		return Tool{}, errors.Wrap(err, "derive tool schema", map[string]interface{}{"tool": name})
	}

	handler := func(ctx context.Context, arguments string) (Result, error) {
		var args T
		if arguments != "" {
			if err := json.Unmarshal([]byte(arguments), &args); err != nil {
				return Result{}, errors.Wrap(errors.ErrInvalidInput, "decode tool arguments", map[string]interface{}{
					"tool":  name,
					"cause": err.Error(),
				})
			}
		}

		out, err := fn(ctx, args)
		if err != nil {
			return Result{}, err
		}
		if res, ok := out.(Result); ok {
			return res, nil
		}

		data, err := json.Marshal(out)
		if err != nil {
			return Result{}, errors.Wrap(err, "encode tool output", map[string]interface{}{"tool": name})
		}
		return Result{Output: string(data)}, nil
	}

	return Tool{Name: name, Description: description, Parameters: schema, Handler: handler}, nil
}

// ErrorOutput renders a failed invocation as tool output so the model can
// recover in conversation.
func ErrorOutput(err error) string {
	data, _ := json.Marshal(map[string]string{"error": err.Error()})
	return string(data)
}

// Registry maps tool names to tools. It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool. Names must be unique.
func (r *Registry) Register(tool Tool) error {
	if tool.Name == "" || tool.Handler == nil {
		return errors.Wrap(errors.ErrInvalidInput, "tool needs a name and a handler")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[tool.Name]; exists {
		return errors.Wrap(errors.ErrInvalidInput, "tool already registered", map[string]interface{}{"tool": tool.Name})
	}
	r.tools[tool.Name] = tool
	return nil
}

// Lookup finds a tool by name.
func (r *Registry) Lookup(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// Names returns the registered tool names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Definitions renders the registry for session.update.
func (r *Registry) Definitions() []realtime.Tool {
	defs := make([]realtime.Tool, 0)
	for _, name := range r.Names() {
		tool, _ := r.Lookup(name)
		def := realtime.Tool{
			Type:        "function",
			Name:        tool.Name,
			Description: tool.Description,
		}
		if tool.Parameters != nil {
			def.Parameters = tool.Parameters
		}
		defs = append(defs, def)
	}
	return defs
}

// Invoke runs the named tool.
func (r *Registry) Invoke(ctx context.Context, name, arguments string) (Result, error) {
	tool, ok := r.Lookup(name)
	if !ok {
		return Result{}, errors.Wrap(errors.ErrUnknownTool, name, map[string]interface{}{"tool": name})
	}
	return tool.Handler(ctx, arguments)
}
