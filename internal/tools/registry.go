package tools

import (
	"context"
	"sort"

	verrors "github.com/valetd/valet/internal/errors"
	"github.com/valetd/valet/internal/runner"
)

// Handler executes a tool call and returns the JSON-marshalable result.
type Handler func(ctx context.Context, args map[string]interface{}) (interface{}, error)

// StreamHandler executes a streaming tool call, delivering output through
// emit and returning the terminal result (bodies excluded).
type StreamHandler func(ctx context.Context, args map[string]interface{}, emit runner.ChunkFunc) (interface{}, error)

// RegisteredTool pairs a tool definition with its handlers. Streaming is
// the tool's capability flag; tools without it reject stream requests.
type RegisteredTool struct {
	Definition    Tool
	Handler       Handler
	Streaming     bool
	StreamHandler StreamHandler
}

// Registry holds the named tools. It is populated once at startup and
// read-only afterwards, so lookups need no locking.
type Registry struct {
	tools map[string]RegisteredTool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]RegisteredTool)}
}

// Register adds a tool. Re-registering a name is a programming error and
// overwrites silently; startup code registers each tool exactly once.
func (r *Registry) Register(tool RegisteredTool) {
	r.tools[tool.Definition.Name] = tool
}

// Get looks up a tool by name.
func (r *Registry) Get(name string) (RegisteredTool, bool) {
	tool, ok := r.tools[name]
	return tool, ok
}

// Names returns the registered tool names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// List returns the tool descriptors sorted by name, so repeated tools/list
// calls yield byte-identical payloads for an unchanged config.
func (r *Registry) List() []Tool {
	names := r.Names()
	list := make([]Tool, 0, len(names))
	for _, name := range names {
		list = append(list, r.tools[name].Definition)
	}
	return list
}

// ValidateArgs checks args against schema: every required property present,
// every present property of the declared type, and no extraneous keys.
func ValidateArgs(schema InputSchema, args map[string]interface{}) error {
	const op = "validate_args"

	for _, required := range schema.Required {
		if _, ok := args[required]; !ok {
			return verrors.Ef(verrors.KindInvalidParams, op, "missing required argument %q", required)
		}
	}
	for key, value := range args {
		prop, ok := schema.Properties[key]
		if !ok {
			return verrors.Ef(verrors.KindInvalidParams, op, "unknown argument %q", key)
		}
		if err := checkType(op, key, prop, value); err != nil {
			return err
		}
	}
	return nil
}

func checkType(op, key string, prop PropertySchema, value interface{}) error {
	switch prop.Type {
	case "string":
		if _, ok := value.(string); !ok {
			return verrors.Ef(verrors.KindInvalidParams, op, "argument %q must be a string", key)
		}
	case "integer":
		// JSON numbers arrive as float64; require an integral value.
		f, ok := value.(float64)
		if !ok || f != float64(int64(f)) {
			return verrors.Ef(verrors.KindInvalidParams, op, "argument %q must be an integer", key)
		}
	case "boolean":
		if _, ok := value.(bool); !ok {
			return verrors.Ef(verrors.KindInvalidParams, op, "argument %q must be a boolean", key)
		}
	case "array":
		items, ok := value.([]interface{})
		if !ok {
			return verrors.Ef(verrors.KindInvalidParams, op, "argument %q must be an array", key)
		}
		if prop.Items != nil {
			for _, item := range items {
				if err := checkType(op, key, *prop.Items, item); err != nil {
					return err
				}
			}
		}
	}
	return nil
}
