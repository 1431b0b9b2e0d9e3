package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"

	"github.com/parley-bot/parley/pkg/llm"
)

// Handler executes a tool call. The returned string becomes the tool result
// content; an error marks the result as a tool error without failing the
// turn.
type Handler func(ctx context.Context, input json.RawMessage, auth AuthContext) (string, error)

// Definition describes one registered tool.
type Definition struct {
	Name        string
	Description string
	InputSchema map[string]interface{}
	Handler     Handler
}

// Result is the outcome of a tool execution.
type Result struct {
	Content string
	IsError bool
}

// AuthContext identifies the chat a tool call acts on behalf of.
type AuthContext struct {
	CallerChatID   string
	ControlChatIDs []string
}

// CanActOn reports whether the caller may target chatID. Control chats may
// act anywhere; everyone else only on their own chat.
func (a AuthContext) CanActOn(chatID string) bool {
	if chatID == "" || chatID == a.CallerChatID {
		return true
	}
	for _, id := range a.ControlChatIDs {
		if id == a.CallerChatID {
			return true
		}
	}
	return false
}

type registered struct {
	def    Definition
	schema *gojsonschema.Schema
}

// Registry holds tool definitions and executes calls against them.
type Registry struct {
	logger zerolog.Logger

	mu    sync.RWMutex
	tools map[string]registered
}

// NewRegistry constructs an empty tool registry.
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		logger: logger,
		tools:  make(map[string]registered),
	}
}

// Register adds a tool. The input schema is compiled once here so bad
// schemas fail at startup, not mid turn.
func (r *Registry) Register(def Definition) error {
	name := strings.TrimSpace(def.Name)
	if name == "" {
		return fmt.Errorf("tool name is required")
	}
	if def.Handler == nil {
		return fmt.Errorf("tool %q handler is required", name)
	}
	if def.InputSchema == nil {
		def.InputSchema = map[string]interface{}{"type": "object"}
	}

	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(def.InputSchema))
	if err != nil {
		return fmt.Errorf("tool %q has invalid input schema: %w", name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %q already registered", name)
	}
	def.Name = name
	r.tools[name] = registered{def: def, schema: schema}
	return nil
}

// Definitions returns the registered tools in stable order, in the shape the
// LLM request wants.
func (r *Registry) Definitions() []llm.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	defs := make([]llm.ToolDefinition, 0, len(names))
	for _, name := range names {
		reg := r.tools[name]
		defs = append(defs, llm.ToolDefinition{
			Name:        reg.def.Name,
			Description: reg.def.Description,
			InputSchema: reg.def.InputSchema,
		})
	}
	return defs
}

// Execute runs one tool call. Unknown tools, schema violations, handler
// errors, and handler panics all come back as error results so the agent
// loop can report them to the model instead of dying.
func (r *Registry) Execute(ctx context.Context, name string, input json.RawMessage, auth AuthContext) Result {
	r.mu.RLock()
	reg, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return Result{Content: fmt.Sprintf("unknown tool: %s", name), IsError: true}
	}

	if len(input) == 0 {
		input = json.RawMessage("{}")
	}
	validation, err := reg.schema.Validate(gojsonschema.NewBytesLoader(input))
	if err != nil {
		return Result{Content: fmt.Sprintf("invalid tool input: %v", err), IsError: true}
	}
	if !validation.Valid() {
		issues := make([]string, 0, len(validation.Errors()))
		for _, e := range validation.Errors() {
			issues = append(issues, e.String())
		}
		return Result{Content: "invalid tool input: " + strings.Join(issues, "; "), IsError: true}
	}

	content, err := r.run(ctx, reg.def, input, auth)
	if err != nil {
		r.logger.Debug().Err(err).Str("tool", name).Msg("Tool execution failed")
		return Result{Content: err.Error(), IsError: true}
	}
	return Result{Content: content}
}

func (r *Registry) run(ctx context.Context, def Definition, input json.RawMessage, auth AuthContext) (content string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("tool %s panicked: %v", def.Name, rec)
		}
	}()
	return def.Handler(ctx, input, auth)
}
