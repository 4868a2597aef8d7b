package agent

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nugget/chatty/internal/events"
	"github.com/nugget/chatty/internal/llm"
	"github.com/nugget/chatty/internal/prompts"
	"github.com/nugget/chatty/internal/session"
	"github.com/nugget/chatty/internal/tools"
)

type mockCall struct {
	Model    string
	Messages []llm.Message
	Tools    []llm.Tool
}

// mockLLM replays canned responses in order.
type mockLLM struct {
	mu        sync.Mutex
	responses []*llm.ChatResponse
	calls     []mockCall
	err       error
}

func (m *mockLLM) Chat(_ context.Context, model string, msgs []llm.Message, defs []llm.Tool) (*llm.ChatResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, mockCall{Model: model, Messages: slices.Clone(msgs), Tools: defs})
	if m.err != nil {
		return nil, m.err
	}
	if len(m.responses) == 0 {
		return nil, errors.New("mockLLM: no responses left")
	}
	resp := m.responses[0]
	m.responses = m.responses[1:]
	return resp, nil
}

func (m *mockLLM) Ping(context.Context) error { return nil }

func answer(text string) *llm.ChatResponse {
	return &llm.ChatResponse{
		Model:        "test-model",
		Message:      llm.Message{Role: llm.RoleAssistant, Content: text},
		InputTokens:  10,
		OutputTokens: 5,
	}
}

func toolCalls(calls ...llm.ToolCall) *llm.ChatResponse {
	return &llm.ChatResponse{
		Model:   "test-model",
		Message: llm.Message{Role: llm.RoleAssistant, ToolCalls: calls},
	}
}

type turnRecorder struct {
	mu      sync.Mutex
	results []string
	rounds  []int
}

func (r *turnRecorder) TurnComplete(rounds int, result string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, result)
	r.rounds = append(r.rounds, rounds)
}

func newRegistry(t *testing.T, handlers map[string]tools.Handler) *tools.Registry {
	t.Helper()
	r := tools.NewRegistry(nil, nil, nil)
	for name, h := range handlers {
		if err := r.Register(name, "test tool "+name, nil, h); err != nil {
			t.Fatal(err)
		}
	}
	return r
}

func echo(_ context.Context, env tools.Env, args map[string]any) (string, error) {
	return fmt.Sprintf("echo %v", args["v"]), nil
}

func roles(msgs []session.Message) string {
	var out []string
	for _, m := range msgs {
		out = append(out, string(m.Role))
	}
	return strings.Join(out, ",")
}

func TestRespond_FinalAnswer(t *testing.T) {
	mock := &mockLLM{responses: []*llm.ChatResponse{answer("Hi there!")}}
	reg := newRegistry(t, map[string]tools.Handler{"echo": echo})
	bus := events.New()
	sub := bus.Subscribe(16)
	defer sub.Close()
	rec := &turnRecorder{}

	rt := New(nil, mock, reg, bus, rec, Config{Model: "test-model", SystemPrompt: "Be brief."})
	sess := session.NewManager(nil, nil, nil).New()

	ans, err := rt.Respond(context.Background(), sess, "hello")
	if err != nil {
		t.Fatal(err)
	}
	if ans.Text != "Hi there!" || ans.Exhausted || ans.Rounds != 0 {
		t.Errorf("answer = %+v", ans)
	}
	if ans.InputTokens != 10 || ans.OutputTokens != 5 {
		t.Errorf("tokens = %d/%d", ans.InputTokens, ans.OutputTokens)
	}
	if got := roles(sess.Messages()); got != "user,assistant" {
		t.Errorf("history roles = %s", got)
	}
	if sess.Turn() != 1 {
		t.Errorf("turn = %d", sess.Turn())
	}

	call := mock.calls[0]
	if call.Model != "test-model" {
		t.Errorf("model = %q", call.Model)
	}
	if call.Messages[0].Role != llm.RoleSystem || !strings.Contains(call.Messages[0].Content, "Be brief.") {
		t.Errorf("first message = %+v", call.Messages[0])
	}
	if len(call.Tools) != 1 || call.Tools[0].Name != "echo" {
		t.Errorf("tools = %+v", call.Tools)
	}

	if len(rec.results) != 1 || rec.results[0] != ResultAnswered {
		t.Errorf("recorded = %v", rec.results)
	}

	var kinds []string
	for len(sub.C) > 0 {
		kinds = append(kinds, (<-sub.C).Kind)
	}
	want := []string{events.KindTurnStart, events.KindLLMCall, events.KindTurnComplete}
	if !slices.Equal(kinds, want) {
		t.Errorf("events = %v, want %v", kinds, want)
	}
}

func TestRespond_ResultsInIssueOrder(t *testing.T) {
	mock := &mockLLM{responses: []*llm.ChatResponse{
		toolCalls(
			llm.ToolCall{ID: "a", Name: "slow", Arguments: map[string]any{"v": 1}},
			llm.ToolCall{Name: "echo", Arguments: map[string]any{"v": 2}},
			llm.ToolCall{ID: "a", Name: "echo", Arguments: map[string]any{"v": 3}},
		),
		answer("done"),
	}}
	reg := newRegistry(t, map[string]tools.Handler{
		"echo": echo,
		"slow": func(ctx context.Context, env tools.Env, args map[string]any) (string, error) {
			time.Sleep(50 * time.Millisecond)
			return echo(ctx, env, args)
		},
	})

	rt := New(nil, mock, reg, nil, nil, Config{MaxParallelTools: 4})
	sess := session.NewManager(nil, nil, nil).New()
	ans, err := rt.Respond(context.Background(), sess, "go")
	if err != nil {
		t.Fatal(err)
	}
	if ans.Rounds != 1 || ans.Text != "done" {
		t.Errorf("answer = %+v", ans)
	}

	msgs := sess.Messages()
	if got := roles(msgs); got != "user,assistant,tool,tool,tool,assistant" {
		t.Fatalf("history roles = %s", got)
	}
	calls := msgs[1].ToolCalls
	ids := map[string]bool{}
	for i, c := range calls {
		if c.ID == "" || ids[c.ID] {
			t.Errorf("call %d id %q is empty or duplicate", i, c.ID)
		}
		ids[c.ID] = true
		if msgs[2+i].ToolCallID != c.ID {
			t.Errorf("result %d answers %q, want %q", i, msgs[2+i].ToolCallID, c.ID)
		}
	}
	if calls[0].ID != "a" {
		t.Errorf("model-assigned id replaced: %q", calls[0].ID)
	}
	for i, want := range []string{"echo 1", "echo 2", "echo 3"} {
		if msgs[2+i].Content != want {
			t.Errorf("result %d = %q, want %q", i, msgs[2+i].Content, want)
		}
	}

	// The second model call sees the whole round.
	second := mock.calls[1].Messages
	if n := len(second); n != 6 || second[n-1].Role != llm.RoleTool || second[2].ToolCalls[1].Name != "echo" {
		t.Errorf("second call messages = %+v", second)
	}
}

func TestRespond_DispatchConcurrency(t *testing.T) {
	tests := []struct {
		name        string
		maxParallel int
		wantMax     func(int32) bool
	}{
		{"sequential", 1, func(n int32) bool { return n == 1 }},
		{"parallel", 4, func(n int32) bool { return n > 1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var inFlight, maxInFlight atomic.Int32
			probe := func(context.Context, tools.Env, map[string]any) (string, error) {
				n := inFlight.Add(1)
				for {
					m := maxInFlight.Load()
					if n <= m || maxInFlight.CompareAndSwap(m, n) {
						break
					}
				}
				time.Sleep(40 * time.Millisecond)
				inFlight.Add(-1)
				return "ok", nil
			}
			mock := &mockLLM{responses: []*llm.ChatResponse{
				toolCalls(
					llm.ToolCall{Name: "probe"},
					llm.ToolCall{Name: "probe"},
					llm.ToolCall{Name: "probe"},
				),
				answer("done"),
			}}
			rt := New(nil, mock, newRegistry(t, map[string]tools.Handler{"probe": probe}), nil, nil,
				Config{MaxParallelTools: tt.maxParallel})

			if _, err := rt.Respond(context.Background(), session.NewManager(nil, nil, nil).New(), "go"); err != nil {
				t.Fatal(err)
			}
			if got := maxInFlight.Load(); !tt.wantMax(got) {
				t.Errorf("max concurrent calls = %d", got)
			}
		})
	}
}

func TestRespond_SerialToolsRunInOrder(t *testing.T) {
	var (
		mu       sync.Mutex
		order    []string
		inFlight atomic.Int32
		overlap  atomic.Bool
	)
	code := func(_ context.Context, _ tools.Env, args map[string]any) (string, error) {
		if inFlight.Add(1) > 1 {
			overlap.Store(true)
		}
		defer inFlight.Add(-1)
		v := fmt.Sprint(args["v"])
		// Earlier calls sleep longer, so completion order would invert
		// issue order if they ran together.
		switch v {
		case "1":
			time.Sleep(30 * time.Millisecond)
		case "2":
			time.Sleep(15 * time.Millisecond)
		}
		mu.Lock()
		order = append(order, v)
		mu.Unlock()
		return v, nil
	}
	reg := newRegistry(t, map[string]tools.Handler{"code": code, "echo": echo})
	reg.MarkSerial("code")

	mock := &mockLLM{responses: []*llm.ChatResponse{
		toolCalls(
			llm.ToolCall{Name: "code", Arguments: map[string]any{"v": 1}},
			llm.ToolCall{Name: "echo", Arguments: map[string]any{"v": "x"}},
			llm.ToolCall{Name: "code", Arguments: map[string]any{"v": 2}},
			llm.ToolCall{Name: "code", Arguments: map[string]any{"v": 3}},
		),
		answer("done"),
	}}
	rt := New(nil, mock, reg, nil, nil, Config{MaxParallelTools: 4})
	sess := session.NewManager(nil, nil, nil).New()
	if _, err := rt.Respond(context.Background(), sess, "go"); err != nil {
		t.Fatal(err)
	}

	if strings.Join(order, ",") != "1,2,3" {
		t.Errorf("serial order = %v", order)
	}
	if overlap.Load() {
		t.Error("serial tool calls overlapped")
	}
	msgs := sess.Messages()
	var results []string
	for _, m := range msgs[2:6] {
		results = append(results, m.Content)
	}
	if strings.Join(results, "|") != "1|echo x|2|3" {
		t.Errorf("results = %v", results)
	}
}

func TestRespond_RoundLimitExhausted(t *testing.T) {
	var handled atomic.Int32
	reg := newRegistry(t, map[string]tools.Handler{
		"loop": func(context.Context, tools.Env, map[string]any) (string, error) {
			handled.Add(1)
			return "again", nil
		},
	})
	looping := func() *llm.ChatResponse { return toolCalls(llm.ToolCall{Name: "loop"}) }
	mock := &mockLLM{responses: []*llm.ChatResponse{looping(), looping(), looping(), looping()}}
	rec := &turnRecorder{}

	rt := New(nil, mock, reg, nil, rec, Config{MaxToolRounds: 2})
	sess := session.NewManager(nil, nil, nil).New()
	ans, err := rt.Respond(context.Background(), sess, "spin")
	if err != nil {
		t.Fatal(err)
	}

	if !ans.Exhausted || ans.Rounds != 2 {
		t.Errorf("answer = %+v", ans)
	}
	if !strings.Contains(ans.Text, "2 rounds") {
		t.Errorf("degraded answer = %q", ans.Text)
	}
	if got := roles(sess.Messages()); got != "user,assistant,tool,assistant,tool,assistant" {
		t.Errorf("history roles = %s", got)
	}
	if handled.Load() != 2 {
		t.Errorf("tool ran %d times, want 2", handled.Load())
	}
	if len(mock.calls) != 3 {
		t.Errorf("model called %d times, want 3", len(mock.calls))
	}
	if rec.results[0] != ResultExhausted || rec.rounds[0] != 2 {
		t.Errorf("recorded %v %v", rec.results, rec.rounds)
	}
}

func TestRespond_HardFailureAborts(t *testing.T) {
	reg := newRegistry(t, map[string]tools.Handler{
		"save": func(context.Context, tools.Env, map[string]any) (string, error) {
			return "", tools.Hard(errors.New("disk full"))
		},
		"echo": echo,
	})
	mock := &mockLLM{responses: []*llm.ChatResponse{
		toolCalls(llm.ToolCall{Name: "echo"}, llm.ToolCall{Name: "save"}),
		answer("unreachable"),
	}}
	rec := &turnRecorder{}
	rt := New(nil, mock, reg, nil, rec, Config{})
	sess := session.NewManager(nil, nil, nil).New()

	_, err := rt.Respond(context.Background(), sess, "save it")
	tool, ok := IsToolFailure(err)
	if !ok || tool != "save" {
		t.Fatalf("err = %v, want tool failure in save", err)
	}
	if !errors.Is(err, tools.ErrHardFailure) || !strings.Contains(err.Error(), "disk full") {
		t.Errorf("err = %v", err)
	}
	if got := roles(sess.Messages()); got != "user" {
		t.Errorf("history roles = %s", got)
	}
	if rec.results[0] != ResultFailed {
		t.Errorf("recorded %v", rec.results)
	}
}

func TestRespond_CancelStopsAppends(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	reg := newRegistry(t, map[string]tools.Handler{
		"wait": func(context.Context, tools.Env, map[string]any) (string, error) {
			close(started)
			<-release
			return "late", nil
		},
	})
	mock := &mockLLM{responses: []*llm.ChatResponse{toolCalls(llm.ToolCall{Name: "wait"}), answer("unreachable")}}
	rec := &turnRecorder{}
	rt := New(nil, mock, reg, nil, rec, Config{})
	sess := session.NewManager(nil, nil, nil).New()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	_, err := rt.Respond(ctx, sess, "wait for it")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	close(release)
	time.Sleep(20 * time.Millisecond)

	if got := roles(sess.Messages()); got != "user" {
		t.Errorf("history roles = %s", got)
	}
	if len(mock.calls) != 1 {
		t.Errorf("model called %d times after abort", len(mock.calls))
	}
	if rec.results[0] != ResultAborted {
		t.Errorf("recorded %v", rec.results)
	}
}

func TestRespond_ModelError(t *testing.T) {
	mock := &mockLLM{err: errors.New("connection refused")}
	rt := New(nil, mock, newRegistry(t, nil), nil, nil, Config{})
	sess := session.NewManager(nil, nil, nil).New()

	_, err := rt.Respond(context.Background(), sess, "hello")
	if err == nil || !strings.Contains(err.Error(), "connection refused") {
		t.Fatalf("err = %v", err)
	}
	if _, ok := IsToolFailure(err); ok {
		t.Error("model error reported as tool failure")
	}
	if sess.Len() != 1 {
		t.Errorf("history length = %d", sess.Len())
	}
}

func TestRespond_EmptyResponse(t *testing.T) {
	tests := []struct {
		name      string
		responses []*llm.ChatResponse
		want      string
	}{
		{"nudge recovers", []*llm.ChatResponse{answer(""), answer("Hello!")}, "Hello!"},
		{"fallback", []*llm.ChatResponse{answer(""), answer("")}, prompts.EmptyResponseFallback},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := &mockLLM{responses: tt.responses}
			rt := New(nil, mock, newRegistry(t, nil), nil, nil, Config{})
			sess := session.NewManager(nil, nil, nil).New()

			ans, err := rt.Respond(context.Background(), sess, "hi")
			if err != nil {
				t.Fatal(err)
			}
			if ans.Text != tt.want {
				t.Errorf("text = %q, want %q", ans.Text, tt.want)
			}
			if len(mock.calls) != 2 {
				t.Fatalf("model called %d times", len(mock.calls))
			}
			last := mock.calls[1].Messages
			if nudge := last[len(last)-1]; nudge.Content != prompts.EmptyResponseNudge {
				t.Errorf("second call ends with %+v", nudge)
			}
			// The nudge is not part of the history.
			if got := roles(sess.Messages()); got != "user,assistant" {
				t.Errorf("history roles = %s", got)
			}
		})
	}
}

type lookupArgs struct {
	Key string `json:"key" jsonschema:"key to look up"`
}

func TestRespond_InvalidArgumentsFedBack(t *testing.T) {
	var invoked atomic.Int32
	reg := tools.NewRegistry(nil, nil, nil)
	tools.MustAdd(reg, "lookup", "Look up a key.", func(_ context.Context, _ tools.Env, a lookupArgs) (string, error) {
		invoked.Add(1)
		return a.Key, nil
	})
	mock := &mockLLM{responses: []*llm.ChatResponse{
		toolCalls(llm.ToolCall{Name: "lookup", Arguments: map[string]any{}}),
		answer("I need a key."),
	}}
	rt := New(nil, mock, reg, nil, nil, Config{})
	sess := session.NewManager(nil, nil, nil).New()

	ans, err := rt.Respond(context.Background(), sess, "look it up")
	if err != nil {
		t.Fatal(err)
	}
	if ans.Text != "I need a key." {
		t.Errorf("text = %q", ans.Text)
	}
	if invoked.Load() != 0 {
		t.Error("handler ran despite invalid arguments")
	}
	result := sess.Messages()[2]
	if result.Role != session.RoleTool || !strings.Contains(result.Content, string(tools.InvalidArguments)) {
		t.Errorf("tool result = %+v", result)
	}
}

func TestRespond_TurnsSerializePerSession(t *testing.T) {
	gate := make(chan struct{})
	reg := newRegistry(t, map[string]tools.Handler{
		"gate": func(context.Context, tools.Env, map[string]any) (string, error) {
			<-gate
			return "open", nil
		},
	})
	mock := &mockLLM{responses: []*llm.ChatResponse{
		toolCalls(llm.ToolCall{Name: "gate"}),
		answer("first"),
		answer("second"),
	}}
	rt := New(nil, mock, reg, nil, nil, Config{})
	sess := session.NewManager(nil, nil, nil).New()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if _, err := rt.Respond(context.Background(), sess, "one"); err != nil {
			t.Error(err)
		}
	}()
	for sess.Turn() == 0 {
		time.Sleep(time.Millisecond)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if _, err := rt.Respond(context.Background(), sess, "two"); err != nil {
			t.Error(err)
		}
	}()
	time.Sleep(30 * time.Millisecond)
	close(gate)
	wg.Wait()

	msgs := sess.Messages()
	var contents []string
	for _, m := range msgs {
		if m.Role != session.RoleTool {
			contents = append(contents, m.Content)
		}
	}
	if got := strings.Join(contents, "|"); got != "one||first|two|second" {
		t.Errorf("history = %s", got)
	}
}
