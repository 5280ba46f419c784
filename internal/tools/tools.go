// Package tools validates and runs the tool calls a model asks for.
//
// A call resolves to a built-in handler or to one of the tenant's custom
// webhook tools. Every failure becomes an error Result; Execute never
// returns early and never lets one call cancel another.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"golang.org/x/sync/errgroup"

	"github.com/soyeahso/llmgate/internal/config"
	"github.com/soyeahso/llmgate/internal/domain"
	"github.com/soyeahso/llmgate/internal/hooks"
	"github.com/soyeahso/llmgate/internal/logging"
)

// Handler runs a tool with decoded arguments.
type Handler func(ctx context.Context, args map[string]any) (string, error)

// Builtin is a tool implemented in-process.
type Builtin struct {
	Tool    domain.Tool
	Handler Handler
}

// Result is the outcome of one tool call.
type Result struct {
	ToolCallID string
	Name       string
	Output     string
	Err        error
}

// Message renders r as the tool message fed back to the model.
func (r Result) Message() domain.ChatMessage {
	content := r.Output
	if r.Err != nil {
		content = "Error: " + r.Err.Error()
	}
	return domain.ChatMessage{Role: domain.RoleTool, Content: content, ToolCallID: r.ToolCallID}
}

// Executor runs tool calls for a tenant.
type Executor struct {
	builtins map[string]Builtin
	client   *http.Client
	hooks    *hooks.Manager
	log      *logging.Logger
	now      func() time.Time

	schemas sync.Map // schema JSON -> *jsonschema.Schema
}

// NewExecutor creates an executor with the built-ins named in cfg.
func NewExecutor(cfg config.ToolsConfig, hm *hooks.Manager, log *logging.Logger) *Executor {
	timeout := cfg.WebhookTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	e := &Executor{
		builtins: make(map[string]Builtin),
		client:   &http.Client{Timeout: timeout},
		hooks:    hm,
		log:      log.Sub("tools"),
		now:      time.Now,
	}
	available := builtinSet(e)
	for _, name := range cfg.Builtins {
		if b, ok := available[name]; ok {
			e.Register(b)
		}
	}
	return e
}

// Register adds or replaces a built-in tool.
func (e *Executor) Register(b Builtin) {
	e.builtins[b.Tool.Name] = b
}

// Builtins returns the registered built-in tool definitions sorted by name.
func (e *Executor) Builtins() []domain.Tool {
	out := make([]domain.Tool, 0, len(e.builtins))
	for _, b := range e.builtins {
		out = append(out, b.Tool)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Resolve fills in the description and schema of requested tools that
// are only named, using the built-in and tenant definitions. Unknown
// tools pass through unchanged.
func (e *Executor) Resolve(tenant *domain.Tenant, requested []domain.Tool) []domain.Tool {
	out := make([]domain.Tool, len(requested))
	for i, t := range requested {
		out[i] = t
		if t.Parameters.Type != "" || len(t.Parameters.Properties) > 0 {
			continue
		}
		if def, ok := e.lookup(tenant, t.Name); ok {
			out[i] = def
		}
	}
	return out
}

func (e *Executor) lookup(tenant *domain.Tenant, name string) (domain.Tool, bool) {
	if b, ok := e.builtins[name]; ok {
		return b.Tool, true
	}
	if tenant != nil {
		return tenant.CustomTool(name)
	}
	return domain.Tool{}, false
}

// Execute runs all calls concurrently and returns one Result per call
// in call order.
func (e *Executor) Execute(ctx context.Context, tenant *domain.Tenant, calls []domain.ToolCall) []Result {
	results := make([]Result, len(calls))
	var g errgroup.Group
	for i, call := range calls {
		g.Go(func() error {
			results[i] = e.executeOne(ctx, tenant, call)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (e *Executor) executeOne(ctx context.Context, tenant *domain.Tenant, call domain.ToolCall) Result {
	start := e.now()
	res := Result{ToolCallID: call.ID, Name: call.Name}
	res.Output, res.Err = e.run(ctx, tenant, call)
	elapsed := e.now().Sub(start)

	ev := e.log.Debug()
	if res.Err != nil {
		ev = e.log.Warn().Err(res.Err)
	}
	ev.Str("tool", call.Name).Str("callId", call.ID).Dur("elapsed", elapsed).Msg("tool executed")

	data := map[string]any{
		"tool":    call.Name,
		"callId":  call.ID,
		"failed":  res.Err != nil,
		"seconds": elapsed.Seconds(),
	}
	if tenant != nil {
		data["tenantId"] = tenant.ID
	}
	e.hooks.EmitAsync(ctx, hooks.EventToolExecuted, data)
	return res
}

// run applies the checks in order: existence, permission, required
// parameters, schema, and finally the handler.
func (e *Executor) run(ctx context.Context, tenant *domain.Tenant, call domain.ToolCall) (string, error) {
	def, ok := e.lookup(tenant, call.Name)
	if !ok {
		return "", &domain.NotFoundError{Kind: "tool", ID: call.Name}
	}
	if tenant == nil || !tenant.ToolAllowed(call.Name) {
		return "", &domain.PermissionError{Resource: "tool " + call.Name, Reason: "not in tenant allow-list"}
	}

	args := call.Arguments
	if args == nil {
		args = map[string]any{}
	}
	if raw, bad := args["_raw"]; bad && len(args) == 1 {
		return "", &domain.ValidationError{Field: call.Name, Message: fmt.Sprintf("arguments are not a JSON object: %v", raw)}
	}
	for _, req := range def.Parameters.Required {
		if _, present := args[req]; !present {
			return "", &domain.ValidationError{Field: call.Name, Message: "missing required parameter " + req}
		}
	}
	if err := e.validateSchema(def, args); err != nil {
		return "", err
	}

	if b, ok := e.builtins[call.Name]; ok {
		return e.invoke(ctx, call.Name, b.Handler, args)
	}
	if def.Endpoint == "" {
		return "", fmt.Errorf("tool %s has no endpoint", call.Name)
	}
	return e.callWebhook(ctx, tenant, def, args)
}

// invoke runs a handler, turning a panic into an error result so the
// sibling calls of the same round are unaffected.
func (e *Executor) invoke(ctx context.Context, name string, h Handler, args map[string]any) (out string, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error().Str("tool", name).Interface("panic", r).Str("stack", string(debug.Stack())).Msg("tool handler panicked")
			out, err = "", fmt.Errorf("tool %s panicked: %v", name, r)
		}
	}()
	return h(ctx, args)
}

func (e *Executor) validateSchema(def domain.Tool, args map[string]any) error {
	schemaJSON, err := json.Marshal(def.Parameters.Map())
	if err != nil {
		return fmt.Errorf("encode schema for %s: %w", def.Name, err)
	}
	schema, err := e.compile(string(schemaJSON))
	if err != nil {
		return fmt.Errorf("compile schema for %s: %w", def.Name, err)
	}

	// The validator wants values as encoding/json would produce them.
	payload, err := json.Marshal(args)
	if err != nil {
		return &domain.ValidationError{Field: def.Name, Message: err.Error()}
	}
	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return &domain.ValidationError{Field: def.Name, Message: err.Error()}
	}
	if err := schema.Validate(decoded); err != nil {
		return &domain.ValidationError{Field: def.Name, Message: "arguments do not match schema: " + err.Error()}
	}
	return nil
}

func (e *Executor) compile(schemaJSON string) (*jsonschema.Schema, error) {
	if cached, ok := e.schemas.Load(schemaJSON); ok {
		if compiled, ok := cached.(*jsonschema.Schema); ok {
			return compiled, nil
		}
	}
	compiled, err := jsonschema.CompileString("tool.schema.json", schemaJSON)
	if err != nil {
		return nil, err
	}
	e.schemas.Store(schemaJSON, compiled)
	return compiled, nil
}
