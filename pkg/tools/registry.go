// Package tools provides the closed registry of operations the model may
// invoke for one session.
//
// Invariants:
// - The tool set is fixed at registry construction; handlers close over one
//   backend client and are never shared across sessions.
// - Invoke never panics or propagates handler errors: every failure becomes a
//   Result with Success=false.
// - Arguments are validated against a generated JSON Schema before the
//   handler runs.
package tools

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/mlatt/aviary/internal/observability"
	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"
)

// Parameter describes one flat argument. Only primitive types are allowed so
// the model can always emit flat JSON arguments.
type Parameter struct {
	Name        string      `json:"name"`
	Type        string      `json:"type"` // string, integer, boolean
	Description string      `json:"description"`
	Required    bool        `json:"required"`
	Default     interface{} `json:"default,omitempty"`
}

// Handler executes one operation against the session's backend client
type Handler func(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error)

// Definition is one registered tool
type Definition struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Parameters  []Parameter `json:"parameters"`
	Handler     Handler     `json:"-"`
}

// Schema is the model-facing description of one tool
type Schema struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

// Result is the outcome of one Invoke call
type Result struct {
	Success bool                   `json:"success"`
	Output  map[string]interface{} `json:"output,omitempty"`
	Error   string                 `json:"error,omitempty"`
}

func failedResult(msg string) Result {
	return Result{
		Success: false,
		Output:  map[string]interface{}{"error": msg},
		Error:   msg,
	}
}

// Registry maps tool names to definitions for one session
type Registry struct {
	tools   map[string]*Definition
	schemas map[string]*gojsonschema.Schema
	logger  zerolog.Logger
	timeout time.Duration
}

// NewRegistry creates an empty registry
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		tools:   make(map[string]*Definition),
		schemas: make(map[string]*gojsonschema.Schema),
		logger:  logger,
		timeout: 30 * time.Second,
	}
}

var validParamTypes = map[string]bool{
	"string":  true,
	"integer": true,
	"boolean": true,
}

// Register adds a tool to the registry. It fails on invalid definitions and
// duplicate names.
func (r *Registry) Register(def Definition) error {
	if def.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if def.Description == "" {
		return fmt.Errorf("tool description cannot be empty for %s", def.Name)
	}
	if def.Handler == nil {
		return fmt.Errorf("tool handler cannot be nil for %s", def.Name)
	}
	if _, exists := r.tools[def.Name]; exists {
		return fmt.Errorf("tool already registered: %s", def.Name)
	}

	for _, p := range def.Parameters {
		if p.Name == "" {
			return fmt.Errorf("parameter name cannot be empty for %s", def.Name)
		}
		if !validParamTypes[p.Type] {
			return fmt.Errorf("invalid parameter type %q for %s.%s", p.Type, def.Name, p.Name)
		}
	}

	schema, err := compileSchema(def)
	if err != nil {
		return fmt.Errorf("failed to compile schema for %s: %w", def.Name, err)
	}

	r.tools[def.Name] = &def
	r.schemas[def.Name] = schema

	r.logger.Debug().Str("tool", def.Name).Msg("Tool registered")

	return nil
}

func compileSchema(def Definition) (*gojsonschema.Schema, error) {
	schemaMap := inputSchemaMap(def)
	return gojsonschema.NewSchema(gojsonschema.NewGoLoader(schemaMap))
}

func inputSchemaMap(def Definition) map[string]interface{} {
	properties := make(map[string]interface{})
	required := []string{}

	for _, p := range def.Parameters {
		paramSchema := map[string]interface{}{
			"type":        p.Type,
			"description": p.Description,
		}
		if p.Default != nil {
			paramSchema["default"] = p.Default
		}
		properties[p.Name] = paramSchema

		if p.Required {
			required = append(required, p.Name)
		}
	}

	schemaMap := map[string]interface{}{
		"type":                 "object",
		"additionalProperties": false,
		"properties":           properties,
	}
	if len(required) > 0 {
		schemaMap["required"] = required
	}

	return schemaMap
}

// Describe returns the model-facing schema list, sorted by name for stable
// prompting.
func (r *Registry) Describe() []Schema {
	out := make([]Schema, 0, len(r.tools))
	for _, def := range r.tools {
		out = append(out, Schema{
			Name:        def.Name,
			Description: def.Description,
			InputSchema: inputSchemaMap(*def),
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Names returns the registered tool names
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Invoke looks up and executes a tool. Unknown tools, invalid arguments,
// handler errors and handler panics all degrade to a failed Result; the
// overall dispatch is never aborted by a single tool.
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]interface{}) Result {
	start := time.Now()

	def, ok := r.tools[name]
	if !ok {
		r.logger.Warn().Str("tool", name).Msg("Tool not found")
		observability.RecordToolExecution(name, time.Since(start), false)
		return failedResult("tool not found")
	}

	if args == nil {
		args = map[string]interface{}{}
	}

	if err := r.validate(name, args); err != nil {
		r.logger.Warn().Str("tool", name).Err(err).Msg("Argument validation failed")
		observability.RecordToolExecution(name, time.Since(start), false)
		return failedResult(fmt.Sprintf("invalid arguments: %v", err))
	}

	result := r.execute(ctx, def, args)

	duration := time.Since(start)
	observability.RecordToolExecution(name, duration, result.Success)

	r.logger.Debug().
		Str("tool", name).
		Dur("duration", duration).
		Bool("success", result.Success).
		Msg("Tool executed")

	return result
}

func (r *Registry) validate(name string, args map[string]interface{}) error {
	schema := r.schemas[name]
	if schema == nil {
		return nil
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return err
	}

	if !result.Valid() {
		issues := make([]string, 0, len(result.Errors()))
		for _, issue := range result.Errors() {
			issues = append(issues, issue.String())
		}
		return fmt.Errorf("%v", issues)
	}

	return nil
}

// execute runs the handler on its own goroutine so an abandoned call can
// finish in the background without blocking the dispatch. The handler is
// given a context that survives caller cancellation; its result is simply
// discarded when the caller has gone away.
func (r *Registry) execute(ctx context.Context, def *Definition, args map[string]interface{}) Result {
	handlerCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)

	resultCh := make(chan Result, 1)

	go func() {
		defer cancel()
		defer func() {
			if rec := recover(); rec != nil {
				r.logger.Error().
					Str("tool", def.Name).
					Interface("panic", rec).
					Msg("Tool handler panicked")
				resultCh <- failedResult(fmt.Sprintf("tool panicked: %v", rec))
			}
		}()

		output, err := def.Handler(handlerCtx, args)
		if err != nil {
			resultCh <- failedResult(err.Error())
			return
		}

		resultCh <- Result{Success: true, Output: output}
	}()

	select {
	case result := <-resultCh:
		return result
	case <-ctx.Done():
		return failedResult(fmt.Sprintf("cancelled: %v", ctx.Err()))
	case <-handlerCtx.Done():
		return r.timeoutResult(resultCh)
	}
}

// timeoutResult reports a timeout, unless the handler's result landed in the
// same instant the deadline fired. A finished handler cancels its own
// context, so both channels can be ready when the select wakes; the result
// wins the tie.
func (r *Registry) timeoutResult(resultCh <-chan Result) Result {
	select {
	case result := <-resultCh:
		return result
	default:
		return failedResult(fmt.Sprintf("tool execution timeout after %v", r.timeout))
	}
}
