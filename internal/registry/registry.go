// Package registry implements the Tool Registry: a name→tool map with
// schema validation and read-only-after-construction semantics. The
// registry itself never executes anything concurrent-unsafe — tools
// are looked up under a read lock and invoked outside it.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Tool parameter limits, mirroring the resource-exhaustion guards every
// tool invocation must pass before a tool body ever runs.
const (
	// MaxToolNameLength is the maximum length of a tool name.
	MaxToolNameLength = 256

	// MaxToolArgsSize is the maximum size of a tool's raw arguments JSON (10MB).
	MaxToolArgsSize = 10 << 20
)

// Annotations describe a tool's side-effect profile, used by the
// executor and approval broker to decide whether a call needs human
// sign-off.
type Annotations struct {
	ReadOnly   bool
	Idempotent bool
	Destructive bool
	OpenWorld  bool

	// Timeout bounds a single execution; zero means no per-tool timeout
	// beyond the context the caller supplies.
	Timeout time.Duration
}

// Context is the per-execution environment handed to a tool body.
type Context struct {
	WorkingDirectory string
	ToolTempDir      string
	AgentHandle      AgentHandle
}

// AgentHandle is the narrow slice of agent state a tool body may
// consult. HasFileBeenRead backs the read-before-write protection:
// tools that mutate an existing file must check it for the resolved
// absolute path before writing.
type AgentHandle interface {
	HasFileBeenRead(absolutePath string) bool
}

// Result is a tool's outcome, returned to the caller and eventually
// folded into a TOOL_RESULT event.
type Result struct {
	Content  string
	IsError  bool
	Metadata map[string]any
	Status   string // "completed", "failed", "aborted"
}

// Tool is implemented once per capability the agent can invoke.
type Tool interface {
	Name() string
	Description() string
	InputSchema() json.RawMessage
	Annotations() Annotations
	Execute(ctx context.Context, args json.RawMessage, tc Context) (Result, error)
}

// Registry maps tool name to Tool, read-only after construction: every
// Register call happens during startup wiring, and every lookup during
// a turn goes through Get or Execute.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	schemas map[string]*jsonschema.Schema
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		tools:   make(map[string]Tool),
		schemas: make(map[string]*jsonschema.Schema),
	}
}

// Register compiles the tool's input_schema and adds it under its
// name, replacing any existing tool of that name. Returns an error if
// the schema fails to compile — callers should treat that as a startup
// wiring bug, not a runtime condition.
func (r *Registry) Register(tool Tool) error {
	schema, err := compileSchema(tool.Name(), tool.InputSchema())
	if err != nil {
		return fmt.Errorf("registry: compile schema for %s: %w", tool.Name(), err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name()] = tool
	r.schemas[tool.Name()] = schema
	return nil
}

// Unregister removes a tool by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
	delete(r.schemas, name)
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Defs returns every registered tool's descriptor, in the shape a
// Provider request expects.
func (r *Registry) Defs() []ToolDef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]ToolDef, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, ToolDef{
			Name:        t.Name(),
			Description: t.Description(),
			InputSchema: t.InputSchema(),
		})
	}
	return defs
}

// ToolDef mirrors provider.ToolDef without importing it, so registry
// has no dependency on the provider package.
type ToolDef struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// Validate checks args against the named tool's compiled schema,
// returning a human-readable field-level error on failure. It never
// panics on malformed args — callers turn a non-nil error into a
// ToolResult{is_error: true}, they never let it surface as a crash.
func (r *Registry) Validate(name string, args json.RawMessage) error {
	r.mu.RLock()
	schema, ok := r.schemas[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("registry: unknown tool %q", name)
	}

	var decoded any
	if len(args) == 0 {
		decoded = map[string]any{}
	} else if err := json.Unmarshal(args, &decoded); err != nil {
		return fmt.Errorf("arguments: invalid JSON: %w", err)
	}

	if err := schema.Validate(decoded); err != nil {
		return formatValidationError(err)
	}
	return nil
}

// Execute validates args against the named tool's schema and, on
// success, runs the tool body. Name-length and argument-size guards
// run before lookup so an oversized or malformed call never reaches a
// tool body. Validation and guard failures are returned as error
// Results, never as a Go error — per the tool invocation contract, a
// tool call must never throw.
func (r *Registry) Execute(ctx context.Context, name string, args json.RawMessage, tc Context) (Result, error) {
	if len(name) > MaxToolNameLength {
		return Result{
			Content: fmt.Sprintf("Validation failed: name: exceeds maximum length of %d characters", MaxToolNameLength),
			IsError: true,
			Status:  "failed",
		}, nil
	}
	if len(args) > MaxToolArgsSize {
		return Result{
			Content: fmt.Sprintf("Validation failed: arguments: exceed maximum size of %d bytes", MaxToolArgsSize),
			IsError: true,
			Status:  "failed",
		}, nil
	}

	r.mu.RLock()
	tool, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return Result{
			Content: fmt.Sprintf("Validation failed: name: unknown tool %q", name),
			IsError: true,
			Status:  "failed",
		}, nil
	}

	if err := r.Validate(name, args); err != nil {
		return Result{
			Content: "Validation failed: " + err.Error(),
			IsError: true,
			Status:  "failed",
		}, nil
	}

	res, err := tool.Execute(ctx, args, tc)
	if err != nil {
		return Result{Content: err.Error(), IsError: true, Status: "failed"}, nil
	}
	if res.Status == "" {
		res.Status = "completed"
	}
	return res, nil
}

var schemaCache sync.Map

func compileSchema(name string, schema json.RawMessage) (*jsonschema.Schema, error) {
	key := name + "\x00" + string(schema)
	if cached, ok := schemaCache.Load(key); ok {
		if compiled, ok := cached.(*jsonschema.Schema); ok {
			return compiled, nil
		}
	}

	compiled, err := jsonschema.CompileString(name+".schema.json", string(schema))
	if err != nil {
		return nil, err
	}
	schemaCache.Store(key, compiled)
	return compiled, nil
}

func formatValidationError(err error) error {
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return err
	}
	var parts []string
	collectValidationCauses(ve, &parts)
	if len(parts) == 0 {
		return err
	}
	return fmt.Errorf("%s", strings.Join(parts, "; "))
}

// collectValidationCauses flattens a jsonschema validation error tree
// into "field: reason" leaves, skipping internal nodes that merely
// wrap their causes (e.g. "allOf failed").
func collectValidationCauses(ve *jsonschema.ValidationError, out *[]string) {
	if len(ve.Causes) == 0 {
		field := strings.TrimPrefix(ve.InstanceLocation, "/")
		if field == "" {
			field = "(root)"
		}
		*out = append(*out, fmt.Sprintf("%s: %s", field, ve.Message))
		return
	}
	for _, cause := range ve.Causes {
		collectValidationCauses(cause, out)
	}
}
