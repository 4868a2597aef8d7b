// Package tools is the boundary between the model and everything it can
// do. Tools are registered with a JSON schema; Dispatch validates each
// call against that schema before the handler runs and turns every
// failure, including a handler panic, into a Result the model can read.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/nugget/chatty/internal/events"
)

// Env carries the per-call context a handler may need. SessionID is the
// session the turn belongs to; CallID is the correlation id of the call.
type Env struct {
	SessionID string
	CallID    string
}

// Handler implements a tool. args has already been validated against
// the tool's schema.
type Handler func(ctx context.Context, env Env, args map[string]any) (string, error)

// Call is one tool invocation requested by the model.
type Call struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// Result is the outcome of one Call. Exactly one of Payload (OK) or
// Error is meaningful.
type Result struct {
	CallID  string        `json:"call_id"`
	Name    string        `json:"name"`
	OK      bool          `json:"ok"`
	Payload string        `json:"payload,omitempty"`
	Error   *Error        `json:"error,omitempty"`
	Elapsed time.Duration `json:"-"`
	// Hard is set when the handler failed with ErrHardFailure.
	Hard bool `json:"-"`
	// Cause is the handler's original error, for logging by the caller.
	Cause error `json:"-"`
}

// Content renders the result as the text fed back to the model.
func (r Result) Content() string {
	if r.OK {
		return r.Payload
	}
	if r.Error == nil {
		return "error"
	}
	return fmt.Sprintf("error (%s): %s", r.Error.Kind, r.Error.Message)
}

// Definition is the provider-neutral description of a tool sent to the
// model.
type Definition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Recorder receives one observation per dispatch. Outcome is "ok" or
// the error kind.
type Recorder interface {
	ToolDispatch(tool, outcome string, elapsed time.Duration)
}

type tool struct {
	name        string
	description string
	schema      *jsonschema.Schema
	resolved    *jsonschema.Resolved
	handler     Handler
	params      map[string]any
	serial      bool
}

// Registry holds the registered tools.
type Registry struct {
	logger   *slog.Logger
	bus      *events.Bus
	recorder Recorder

	mu    sync.RWMutex
	tools map[string]*tool
}

// NewRegistry creates an empty registry. bus and recorder may be nil.
func NewRegistry(logger *slog.Logger, bus *events.Bus, recorder Recorder) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:   logger,
		bus:      bus,
		recorder: recorder,
		tools:    make(map[string]*tool),
	}
}

// Register adds a tool. A nil schema accepts any object. Names must be
// unique.
func (r *Registry) Register(name, description string, schema *jsonschema.Schema, h Handler) error {
	if name == "" {
		return errors.New("tool name is required")
	}
	if h == nil {
		return fmt.Errorf("tool %s: handler is required", name)
	}
	if schema == nil {
		schema = &jsonschema.Schema{Type: "object"}
	}

	resolved, err := schema.Resolve(nil)
	if err != nil {
		return fmt.Errorf("tool %s: resolve schema: %w", name, err)
	}
	params, err := schemaMap(schema)
	if err != nil {
		return fmt.Errorf("tool %s: %w", name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.tools[name]; dup {
		return fmt.Errorf("tool %s already registered", name)
	}
	r.tools[name] = &tool{
		name:        name,
		description: description,
		schema:      schema,
		resolved:    resolved,
		handler:     h,
		params:      params,
	}
	return nil
}

// Has reports whether a tool is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// MarkSerial flags tools whose calls share per-session state. The agent
// runs a round's calls to serial tools one at a time, in the order the
// model issued them.
func (r *Registry) MarkSerial(names ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, name := range names {
		if t, ok := r.tools[name]; ok {
			t.serial = true
		}
	}
}

// Serial reports whether name was marked with MarkSerial.
func (r *Registry) Serial(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return ok && t.serial
}

// Names returns the registered tool names, sorted.
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

// Definitions returns every tool's definition, sorted by name.
func (r *Registry) Definitions() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]Definition, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, Definition{Name: t.name, Description: t.description, Parameters: t.params})
	}
	slices.SortFunc(defs, func(a, b Definition) int { return strings.Compare(a.Name, b.Name) })
	return defs
}

// Dispatch validates and runs one call. It never panics and never
// returns a Go error: every failure is described by the Result.
func (r *Registry) Dispatch(ctx context.Context, env Env, call Call) Result {
	start := time.Now()
	env.CallID = call.ID

	r.bus.Publish(events.Event{
		Source:    events.SourceTools,
		Kind:      events.KindToolCall,
		SessionID: env.SessionID,
		Data:      map[string]any{"call_id": call.ID, "tool": call.Name},
	})

	res := r.dispatch(ctx, env, call)
	res.CallID, res.Name = call.ID, call.Name
	res.Elapsed = time.Since(start)

	outcome := "ok"
	if !res.OK {
		outcome = string(res.Error.Kind)
	}
	if r.recorder != nil {
		r.recorder.ToolDispatch(call.Name, outcome, res.Elapsed)
	}
	r.bus.Publish(events.Event{
		Source:    events.SourceTools,
		Kind:      events.KindToolDone,
		SessionID: env.SessionID,
		Data: map[string]any{
			"call_id":     call.ID,
			"tool":        call.Name,
			"ok":          res.OK,
			"error_kind":  strings.TrimPrefix(outcome, "ok"),
			"duration_ms": res.Elapsed.Milliseconds(),
		},
	})

	level := slog.LevelDebug
	if res.Hard {
		level = slog.LevelError
	}
	r.logger.Log(ctx, level, "tool dispatched",
		"session_id", env.SessionID,
		"tool", call.Name,
		"call_id", call.ID,
		"outcome", outcome,
		"elapsed", res.Elapsed,
	)
	return res
}

func (r *Registry) dispatch(ctx context.Context, env Env, call Call) (res Result) {
	r.mu.RLock()
	t, ok := r.tools[call.Name]
	r.mu.RUnlock()
	if !ok {
		return failed(Errorf(InvalidArguments, "tool %q is not available (available: %s)",
			call.Name, strings.Join(r.Names(), ", ")))
	}

	args := call.Arguments
	if args == nil {
		args = map[string]any{}
	}
	if err := t.resolved.Validate(args); err != nil {
		return failed(Errorf(InvalidArguments, "%v", err))
	}

	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("tool handler panicked",
				"tool", call.Name,
				"panic", p,
				"stack", string(debug.Stack()),
			)
			res = failed(Errorf(InternalToolError, "tool %s failed unexpectedly: %v", call.Name, p))
		}
	}()

	out, err := t.handler(ctx, env, args)
	if err == nil {
		return Result{OK: true, Payload: out}
	}

	var te *Error
	switch {
	case errors.Is(err, ErrHardFailure):
		res = failed(Errorf(InternalToolError, "%v", err))
		res.Hard = true
	case errors.As(err, &te):
		res = failed(te)
	default:
		res = failed(Errorf(InternalToolError, "%v", err))
	}
	res.Cause = err
	return res
}

func failed(e *Error) Result {
	return Result{OK: false, Error: e}
}

// schemaMap renders a schema as the generic map providers expect.
func schemaMap(s *jsonschema.Schema) (map[string]any, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	return m, nil
}
