// Package agent runs conversation turns: it sends the session history to
// the model, dispatches the tools the model asks for and folds their
// results back into the session until the model answers.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"

	"github.com/nugget/chatty/internal/events"
	"github.com/nugget/chatty/internal/llm"
	"github.com/nugget/chatty/internal/prompts"
	"github.com/nugget/chatty/internal/session"
	"github.com/nugget/chatty/internal/tools"
)

// DefaultMaxToolRounds bounds a turn when Config leaves it unset.
const DefaultMaxToolRounds = 8

// Turn results reported to the Recorder.
const (
	ResultAnswered  = "answered"
	ResultExhausted = "exhausted"
	ResultAborted   = "aborted"
	ResultFailed    = "failed"
)

// ToolDispatcher is the part of *tools.Registry the runtime uses.
type ToolDispatcher interface {
	Definitions() []tools.Definition
	Dispatch(ctx context.Context, env tools.Env, call tools.Call) tools.Result
	Serial(name string) bool
}

// Recorder observes finished turns.
type Recorder interface {
	TurnComplete(rounds int, result string)
}

// Config tunes the runtime.
type Config struct {
	Model string
	// SystemPrompt is appended to the built-in system prompt.
	SystemPrompt string
	// MaxToolRounds is how many rounds of tool calls one turn may make.
	MaxToolRounds int
	// MaxParallelTools caps concurrent calls within a round; 0 or 1 runs
	// them one at a time.
	MaxParallelTools int
	// TurnTimeout bounds a whole turn. Zero means no limit.
	TurnTimeout time.Duration
}

// Answer is the outcome of a turn.
type Answer struct {
	Text  string
	Model string
	// Exhausted is set when the turn hit MaxToolRounds and Text is a
	// degraded answer.
	Exhausted bool
	// Rounds is how many rounds of tool calls ran.
	Rounds       int
	InputTokens  int
	OutputTokens int
}

// ToolFailureError aborts a turn whose tool hit a hard failure.
type ToolFailureError struct {
	Tool   string
	CallID string
	Err    error
}

func (e *ToolFailureError) Error() string {
	return fmt.Sprintf("tool %s failed: %v", e.Tool, e.Err)
}

func (e *ToolFailureError) Unwrap() error { return e.Err }

// Runtime runs turns against one model.
type Runtime struct {
	logger   *slog.Logger
	llm      llm.Client
	tools    ToolDispatcher
	bus      *events.Bus
	recorder Recorder
	cfg      Config

	now   func() time.Time
	newID func() string
}

// New creates a runtime. bus and recorder may be nil.
func New(logger *slog.Logger, client llm.Client, dispatcher ToolDispatcher, bus *events.Bus, recorder Recorder, cfg Config) *Runtime {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxToolRounds <= 0 {
		cfg.MaxToolRounds = DefaultMaxToolRounds
	}
	if cfg.MaxParallelTools < 1 {
		cfg.MaxParallelTools = 1
	}
	return &Runtime{
		logger:   logger,
		llm:      client,
		tools:    dispatcher,
		bus:      bus,
		recorder: recorder,
		cfg:      cfg,
		now:      time.Now,
		newID:    func() string { return ulid.Make().String() },
	}
}

// Model is the model turns are sent to.
func (r *Runtime) Model() string { return r.cfg.Model }

// Respond runs one turn: text is appended to sess as a user message and
// the loop continues until the model answers, the round limit is hit or
// ctx ends. Turns on the same session run one at a time.
//
// A cancelled turn returns an error wrapping ctx.Err() and leaves the
// history as it was after the last completed round.
func (r *Runtime) Respond(ctx context.Context, sess *session.Session, text string) (*Answer, error) {
	turn, end := sess.BeginTurn()
	defer end()

	if r.cfg.TurnTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.TurnTimeout)
		defer cancel()
	}

	start := r.now()
	log := r.logger.With("session_id", sess.ID, "turn", turn)
	log.Info("turn started", "model", r.cfg.Model, "history", sess.Len())
	r.publish(sess.ID, events.KindTurnStart, map[string]any{"max_rounds": r.cfg.MaxToolRounds})

	sess.Append(session.Message{Role: session.RoleUser, Content: text})

	ans, err := r.loop(ctx, log, sess)

	result := ResultAnswered
	switch {
	case err != nil && ctx.Err() != nil:
		result = ResultAborted
		err = fmt.Errorf("turn aborted: %w", context.Cause(ctx))
	case err != nil:
		result = ResultFailed
	case ans.Exhausted:
		result = ResultExhausted
	}

	var rounds, inTokens, outTokens int
	if ans != nil {
		rounds, inTokens, outTokens = ans.Rounds, ans.InputTokens, ans.OutputTokens
	}
	if r.recorder != nil {
		r.recorder.TurnComplete(rounds, result)
	}
	elapsed := r.now().Sub(start)
	r.publish(sess.ID, events.KindTurnComplete, map[string]any{
		"rounds":        rounds,
		"exhausted":     result == ResultExhausted,
		"result":        result,
		"elapsed_ms":    elapsed.Milliseconds(),
		"model":         r.cfg.Model,
		"input_tokens":  inTokens,
		"output_tokens": outTokens,
	})

	if err != nil {
		log.Warn("turn failed", "result", result, "rounds", rounds, "error", err)
		return nil, err
	}
	log.Info("turn completed",
		"result", result,
		"rounds", rounds,
		"input_tokens", ans.InputTokens,
		"output_tokens", ans.OutputTokens,
		"elapsed", elapsed,
	)
	return ans, nil
}

func (r *Runtime) loop(ctx context.Context, log *slog.Logger, sess *session.Session) (*Answer, error) {
	defs := r.tools.Definitions()
	llmTools := make([]llm.Tool, len(defs))
	names := make([]string, len(defs))
	for i, d := range defs {
		llmTools[i] = llm.Tool{Name: d.Name, Description: d.Description, Parameters: d.Parameters}
		names[i] = d.Name
	}
	system := prompts.SystemPrompt(r.now(), names, r.cfg.SystemPrompt)

	ans := &Answer{Model: r.cfg.Model}
	nudged := false
	for call := 0; ; call++ {
		msgs := buildMessages(system, sess.Messages())
		if nudged {
			msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: prompts.EmptyResponseNudge})
		}

		r.publish(sess.ID, events.KindLLMCall, map[string]any{"round": ans.Rounds, "model": r.cfg.Model})
		log.Debug("calling model", "call", call, "messages", len(msgs), "tools", len(llmTools))
		resp, err := r.llm.Chat(ctx, r.cfg.Model, msgs, llmTools)
		if err != nil {
			if ctx.Err() != nil {
				return ans, ctx.Err()
			}
			return ans, fmt.Errorf("model call: %w", err)
		}
		ans.InputTokens += resp.InputTokens
		ans.OutputTokens += resp.OutputTokens
		if resp.Model != "" {
			ans.Model = resp.Model
		}

		reply := resp.Message
		if len(reply.ToolCalls) == 0 {
			if reply.Content == "" && !nudged {
				log.Warn("empty model response, nudging")
				nudged = true
				continue
			}
			ans.Text = reply.Content
			if ans.Text == "" {
				ans.Text = prompts.EmptyResponseFallback
			}
			sess.Append(session.Message{Role: session.RoleAssistant, Content: ans.Text})
			return ans, nil
		}

		if ans.Rounds >= r.cfg.MaxToolRounds {
			log.Warn("tool round limit reached", "rounds", ans.Rounds, "pending_calls", len(reply.ToolCalls))
			ans.Exhausted = true
			ans.Text = prompts.ExhaustedNotice(ans.Rounds, reply.Content)
			sess.Append(session.Message{Role: session.RoleAssistant, Content: ans.Text})
			return ans, nil
		}
		nudged = false

		calls := r.toCalls(reply.ToolCalls)
		results, err := r.dispatch(ctx, sess.ID, calls)
		if err != nil {
			return ans, err
		}
		for _, res := range results {
			if res.Hard {
				return ans, &ToolFailureError{Tool: res.Name, CallID: res.CallID, Err: res.Cause}
			}
		}

		round := make([]session.Message, 0, len(results)+1)
		round = append(round, session.Message{Role: session.RoleAssistant, Content: reply.Content, ToolCalls: calls})
		for _, res := range results {
			round = append(round, session.Message{
				Role:       session.RoleTool,
				Content:    res.Content(),
				ToolCallID: res.CallID,
				ToolName:   res.Name,
			})
		}
		sess.Append(round...)
		ans.Rounds++
	}
}

// toCalls gives every call a unique id. Some providers leave ids empty
// or reuse them within a response.
func (r *Runtime) toCalls(in []llm.ToolCall) []tools.Call {
	seen := make(map[string]bool, len(in))
	calls := make([]tools.Call, len(in))
	for i, tc := range in {
		id := tc.ID
		if id == "" || seen[id] {
			id = r.newID()
		}
		seen[id] = true
		calls[i] = tools.Call{ID: id, Name: tc.Name, Arguments: tc.Arguments}
	}
	return calls
}

// dispatch runs one round of calls and returns their results in issue
// order. Calls to serial tools run one after another on a single
// goroutine; the rest run concurrently up to MaxParallelTools. When ctx
// ends dispatch stops waiting and returns its error; calls not yet
// started are skipped.
func (r *Runtime) dispatch(ctx context.Context, sessionID string, calls []tools.Call) ([]tools.Result, error) {
	results := make([]tools.Result, len(calls))
	env := tools.Env{SessionID: sessionID}

	var serial, parallel []int
	for i, c := range calls {
		if r.tools.Serial(c.Name) {
			serial = append(serial, i)
		} else {
			parallel = append(parallel, i)
		}
	}

	run := func(i int) {
		if ctx.Err() != nil {
			return
		}
		results[i] = r.tools.Dispatch(ctx, env, calls[i])
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		var g errgroup.Group
		g.SetLimit(r.cfg.MaxParallelTools)
		if len(serial) > 0 {
			g.Go(func() error {
				for _, i := range serial {
					run(i)
				}
				return nil
			})
		}
		for _, i := range parallel {
			g.Go(func() error {
				run(i)
				return nil
			})
		}
		_ = g.Wait()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

func (r *Runtime) publish(sessionID, kind string, data map[string]any) {
	r.bus.Publish(events.Event{Source: events.SourceAgent, Kind: kind, SessionID: sessionID, Data: data})
}

func buildMessages(system string, history []session.Message) []llm.Message {
	msgs := make([]llm.Message, 0, len(history)+1)
	msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: system})
	for _, m := range history {
		msg := llm.Message{
			Role:       string(m.Role),
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
			ToolName:   m.ToolName,
		}
		for _, c := range m.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, llm.ToolCall{ID: c.ID, Name: c.Name, Arguments: c.Arguments})
		}
		msgs = append(msgs, msg)
	}
	return msgs
}

// IsToolFailure reports whether err aborted a turn because of a hard
// tool failure, and which tool.
func IsToolFailure(err error) (tool string, ok bool) {
	var tf *ToolFailureError
	if errors.As(err, &tf) {
		return tf.Tool, true
	}
	return "", false
}
