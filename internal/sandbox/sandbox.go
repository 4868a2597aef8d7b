// Package sandbox runs untrusted code snippets for the assistant. Each
// session gets its own persistent namespace, so a variable bound in one
// call is visible in the next call for the same session and never in
// another session. Snippets are Starlark, a Python dialect with no
// filesystem, network or reflection facilities; only allow-listed
// library modules can be loaded.
package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	starlarkjson "go.starlark.net/lib/json"
	starlarkmath "go.starlark.net/lib/math"
	starlarktime "go.starlark.net/lib/time"
	"go.starlark.net/resolve"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
	"go.starlark.net/syntax"
)

// ErrorKind classifies a failed execution.
type ErrorKind string

const (
	ErrPolicy  ErrorKind = "PolicyViolation"
	ErrTimeout ErrorKind = "ExecutionTimeout"
	ErrSyntax  ErrorKind = "SyntaxError"
	ErrName    ErrorKind = "NameError"
	ErrRuntime ErrorKind = "RuntimeError"
)

// ExecError is the structured failure of one execution. It is part of
// the Outcome, not a Go error: the snippet failed, the sandbox did not.
type ExecError struct {
	Kind      ErrorKind `json:"type"`
	Message   string    `json:"message"`
	Backtrace string    `json:"backtrace,omitempty"`
}

// Outcome is the result of one execution.
//
// Stdout is everything the snippet printed. Repr is the representation
// of the final expression statement's value, empty when the snippet
// ended with a statement or the value was None.
type Outcome struct {
	Stdout    string        `json:"stdout"`
	Repr      string        `json:"result,omitempty"`
	Truncated bool          `json:"truncated,omitempty"`
	Error     *ExecError    `json:"error,omitempty"`
	Elapsed   time.Duration `json:"-"`
}

// ErrClosed is returned after Close.
var ErrClosed = errors.New("sandbox closed")

// DefaultModules is the allow-list used when Config.AllowedModules is
// empty.
var DefaultModules = []string{"json", "math", "time"}

var libraries = map[string]*starlarkstruct.Module{
	"json": starlarkjson.Module,
	"math": starlarkmath.Module,
	"time": starlarktime.Module,
}

var freezeLibraries sync.Once

// Recorder receives one observation per execution. Outcome is "ok" or
// the ErrorKind.
type Recorder interface {
	SandboxExecution(outcome string, elapsed time.Duration)
}

// Config bounds every execution.
type Config struct {
	Timeout        time.Duration
	MaxSteps       uint64
	MaxOutputBytes int
	AllowedModules []string
}

type namespace struct {
	// sem is a one-slot semaphore: executions against this namespace are
	// serialized, and waiting for the slot honours the caller's context.
	sem     chan struct{}
	globals starlark.StringDict
}

// Sandbox is an arena of per-session namespaces.
type Sandbox struct {
	cfg      Config
	logger   *slog.Logger
	recorder Recorder

	mu     sync.Mutex
	spaces map[string]*namespace
	closed bool

	// trace, when set, is told when an execution starts and ends.
	trace func(event, sessionID string)
}

// New creates a sandbox. Unknown names in cfg.AllowedModules are
// dropped with a warning.
func New(cfg Config, logger *slog.Logger, recorder Recorder) *Sandbox {
	if logger == nil {
		logger = slog.Default()
	}
	freezeLibraries.Do(func() {
		for _, m := range libraries {
			m.Freeze()
		}
	})

	var allowed []string
	for _, name := range cfg.AllowedModules {
		if _, ok := libraries[name]; !ok {
			logger.Warn("ignoring unknown sandbox module", "module", name)
			continue
		}
		allowed = append(allowed, name)
	}
	if len(allowed) == 0 {
		allowed = slices.Clone(DefaultModules)
	}
	sort.Strings(allowed)
	cfg.AllowedModules = allowed

	return &Sandbox{
		cfg:      cfg,
		logger:   logger,
		recorder: recorder,
		spaces:   make(map[string]*namespace),
	}
}

// AllowedModules returns the effective module allow-list.
func (s *Sandbox) AllowedModules() []string { return slices.Clone(s.cfg.AllowedModules) }

func (s *Sandbox) namespace(sessionID string) (*namespace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	ns, ok := s.spaces[sessionID]
	if !ok {
		ns = &namespace{
			sem:     make(chan struct{}, 1),
			globals: make(starlark.StringDict),
		}
		for _, name := range s.cfg.AllowedModules {
			ns.globals[name] = libraries[name]
		}
		s.spaces[sessionID] = ns
		s.logger.Debug("sandbox namespace created", "session_id", sessionID)
	}
	return ns, nil
}

// Execute runs code in the session's namespace. Calls for the same
// session run one at a time; calls for different sessions run in
// parallel. Failures of the snippet itself (policy, timeout, syntax,
// runtime) are reported in Outcome.Error. A non-nil error means the
// sandbox could not run the code at all, or ctx ended while waiting for
// the namespace.
func (s *Sandbox) Execute(ctx context.Context, sessionID, code string) (*Outcome, error) {
	ns, err := s.namespace(sessionID)
	if err != nil {
		return nil, err
	}

	select {
	case ns.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for session namespace: %w", ctx.Err())
	}
	defer func() { <-ns.sem }()

	if s.trace != nil {
		s.trace("start", sessionID)
		defer s.trace("end", sessionID)
	}

	start := time.Now()
	out, err := s.run(ctx, sessionID, ns, code)
	if err != nil {
		return nil, err
	}
	out.Elapsed = time.Since(start)

	outcome := "ok"
	if out.Error != nil {
		outcome = string(out.Error.Kind)
	}
	if s.recorder != nil {
		s.recorder.SandboxExecution(outcome, out.Elapsed)
	}
	s.logger.Debug("sandbox execution finished",
		"session_id", sessionID,
		"outcome", outcome,
		"elapsed", out.Elapsed,
		"stdout_bytes", len(out.Stdout),
	)
	return out, nil
}

func (s *Sandbox) run(ctx context.Context, sessionID string, ns *namespace, code string) (out *Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sandbox interpreter panic: %v", r)
		}
	}()

	stdout := &limitedBuffer{max: s.cfg.MaxOutputBytes}
	out = &Outcome{}
	// Every text field of the outcome counts against MaxOutputBytes:
	// the printed output, the final value and the error text.
	finish := func(e *ExecError) (*Outcome, error) {
		out.Stdout, out.Truncated = stdout.String(), stdout.truncated
		var cut bool
		out.Repr, cut = clip(out.Repr, s.cfg.MaxOutputBytes)
		out.Truncated = out.Truncated || cut
		if e != nil {
			e.Message, cut = clip(e.Message, s.cfg.MaxOutputBytes)
			out.Truncated = out.Truncated || cut
			e.Backtrace, cut = clip(e.Backtrace, s.cfg.MaxOutputBytes)
			out.Truncated = out.Truncated || cut
		}
		out.Error = e
		return out, nil
	}

	opts := &syntax.FileOptions{
		Set:               true,
		While:             true,
		TopLevelControl:   true,
		GlobalReassign:    true,
		LoadBindsGlobally: true,
		Recursion:         true,
	}
	f, err := parseSnippet(opts, code, s.cfg.AllowedModules)
	if err != nil {
		var pe *PolicyError
		if errors.As(err, &pe) {
			return finish(&ExecError{Kind: ErrPolicy, Message: pe.Error()})
		}
		return finish(&ExecError{Kind: ErrSyntax, Message: err.Error()})
	}
	if err := checkPolicy(f, s.cfg.AllowedModules); err != nil {
		return finish(&ExecError{Kind: ErrPolicy, Message: err.Error()})
	}

	var stepsExhausted atomic.Bool
	thread := &starlark.Thread{
		Name:  sessionID,
		Print: func(_ *starlark.Thread, msg string) { stdout.WriteString(msg + "\n") },
		Load:  s.load,
		OnMaxSteps: func(t *starlark.Thread) {
			stepsExhausted.Store(true)
			t.Cancel("too many steps")
		},
	}
	if s.cfg.MaxSteps > 0 {
		thread.SetMaxExecutionSteps(s.cfg.MaxSteps)
	}

	runCtx := ctx
	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-runCtx.Done():
			thread.Cancel(runCtx.Err().Error())
		case <-done:
		}
	}()

	// A trailing expression statement is evaluated separately so its
	// value can be reported, like an interactive prompt does.
	stmts := f.Stmts
	var last syntax.Expr
	if n := len(stmts); n > 0 {
		if es, ok := stmts[n-1].(*syntax.ExprStmt); ok {
			last, stmts = es.X, stmts[:n-1]
		}
	}

	evalErr := func() error {
		if len(stmts) > 0 {
			chunk := &syntax.File{Path: f.Path, Stmts: stmts, Options: f.Options}
			if err := starlark.ExecREPLChunk(chunk, thread, ns.globals); err != nil {
				return err
			}
		}
		if last == nil {
			return nil
		}
		v, err := starlark.EvalExprOptions(f.Options, thread, last, ns.globals)
		if err != nil {
			return err
		}
		if v != starlark.None {
			out.Repr = v.String()
		}
		return nil
	}()
	if evalErr == nil {
		return finish(nil)
	}

	switch {
	case stepsExhausted.Load():
		return finish(&ExecError{Kind: ErrTimeout, Message: fmt.Sprintf("execution exceeded %d steps", s.cfg.MaxSteps)})
	case errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		return finish(&ExecError{Kind: ErrTimeout, Message: fmt.Sprintf("execution exceeded %s", s.cfg.Timeout)})
	case ctx.Err() != nil:
		return nil, fmt.Errorf("execution aborted: %w", ctx.Err())
	}
	return finish(classify(evalErr))
}

func classify(err error) *ExecError {
	var evalErr *starlark.EvalError
	var resolveErrs resolve.ErrorList
	var syntaxErr syntax.Error
	var policyErr *PolicyError
	switch {
	case errors.As(err, &policyErr):
		return &ExecError{Kind: ErrPolicy, Message: policyErr.Error()}
	case errors.As(err, &evalErr):
		return &ExecError{Kind: ErrRuntime, Message: evalErr.Msg, Backtrace: backtrace(evalErr.CallStack)}
	case errors.As(err, &resolveErrs):
		return &ExecError{Kind: ErrName, Message: resolveErrs.Error()}
	case errors.As(err, &syntaxErr):
		return &ExecError{Kind: ErrSyntax, Message: syntaxErr.Error()}
	}
	return &ExecError{Kind: ErrRuntime, Message: err.Error()}
}

// maxBacktraceFrames is how many innermost frames a backtrace keeps.
// Runaway recursion would otherwise produce one line per call.
const maxBacktraceFrames = 16

// backtrace formats the innermost frames of stack, most recent call
// last.
func backtrace(stack starlark.CallStack) string {
	if len(stack) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Traceback (most recent call last):\n")
	if omitted := len(stack) - maxBacktraceFrames; omitted > 0 {
		fmt.Fprintf(&b, "  ... %d earlier frames omitted\n", omitted)
		stack = stack[omitted:]
	}
	for _, fr := range stack {
		fmt.Fprintf(&b, "  %s: in %s\n", fr.Pos, fr.Name)
	}
	return b.String()
}

// clip shortens str to at most n bytes on a rune boundary, marking the
// cut. n <= 0 means no limit.
func clip(str string, n int) (string, bool) {
	if n <= 0 || len(str) <= n {
		return str, false
	}
	for n > 0 && !utf8.RuneStart(str[n]) {
		n--
	}
	return str[:n] + "... [truncated]", true
}

func (s *Sandbox) load(_ *starlark.Thread, module string) (starlark.StringDict, error) {
	if !slices.Contains(s.cfg.AllowedModules, module) {
		return nil, violation("import of module %q is not allowed", module)
	}
	return libraries[module].Members, nil
}

// Binding describes one name in a session namespace.
type Binding struct {
	Name  string `json:"name"`
	Type  string `json:"type"`
	Value string `json:"value"`
}

// Inspect lists the user-defined bindings in a session's namespace,
// sorted by name. Pre-bound library modules are omitted. Values longer
// than 80 characters are shortened.
func (s *Sandbox) Inspect(ctx context.Context, sessionID string) ([]Binding, error) {
	s.mu.Lock()
	ns, ok := s.spaces[sessionID]
	s.mu.Unlock()
	if !ok {
		return nil, nil
	}

	select {
	case ns.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-ns.sem }()

	var out []Binding
	for _, name := range ns.globals.Keys() {
		v := ns.globals[name]
		if lib, ok := libraries[name]; ok && v == starlark.Value(lib) {
			continue
		}
		repr := v.String()
		if r := []rune(repr); len(r) > 80 {
			repr = string(r[:77]) + "..."
		}
		out = append(out, Binding{Name: name, Type: v.Type(), Value: repr})
	}
	return out, nil
}

// Drop destroys a session's namespace. The next Execute for the session
// starts from an empty namespace. An execution already running keeps
// its own reference and finishes normally.
func (s *Sandbox) Drop(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.spaces[sessionID]
	delete(s.spaces, sessionID)
	if ok {
		s.logger.Debug("sandbox namespace dropped", "session_id", sessionID)
	}
	return ok
}

// Sessions returns the number of live namespaces.
func (s *Sandbox) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.spaces)
}

// Close drops every namespace and rejects further executions.
func (s *Sandbox) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	clear(s.spaces)
}

type limitedBuffer struct {
	buf       bytes.Buffer
	max       int
	truncated bool
}

func (b *limitedBuffer) WriteString(str string) {
	if b.max > 0 && b.buf.Len()+len(str) > b.max {
		b.buf.WriteString(str[:max(b.max-b.buf.Len(), 0)])
		b.truncated = true
		return
	}
	b.buf.WriteString(str)
}

func (b *limitedBuffer) String() string {
	if b.truncated {
		return b.buf.String() + "\n[output truncated]"
	}
	return b.buf.String()
}
