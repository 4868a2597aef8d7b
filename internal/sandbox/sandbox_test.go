package sandbox

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

func newTestSandbox(t *testing.T, cfg Config) *Sandbox {
	t.Helper()
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	sb := New(cfg, nil, nil)
	t.Cleanup(sb.Close)
	return sb
}

func mustExec(t *testing.T, sb *Sandbox, session, code string) *Outcome {
	t.Helper()
	out, err := sb.Execute(context.Background(), session, code)
	if err != nil {
		t.Fatalf("Execute(%q): %v", code, err)
	}
	return out
}

func wantOK(t *testing.T, out *Outcome) {
	t.Helper()
	if out.Error != nil {
		t.Fatalf("unexpected error %s: %s", out.Error.Kind, out.Error.Message)
	}
}

func wantKind(t *testing.T, out *Outcome, kind ErrorKind) {
	t.Helper()
	if out.Error == nil {
		t.Fatalf("expected %s, got success (repr=%q stdout=%q)", kind, out.Repr, out.Stdout)
	}
	if out.Error.Kind != kind {
		t.Fatalf("error kind = %s (%s), want %s", out.Error.Kind, out.Error.Message, kind)
	}
}

func TestExecute_NamespacePersists(t *testing.T) {
	sb := newTestSandbox(t, Config{})

	wantOK(t, mustExec(t, sb, "s1", "x = 5"))
	out := mustExec(t, sb, "s1", "x + 1")
	wantOK(t, out)
	if out.Repr != "6" {
		t.Errorf("Repr = %q, want %q", out.Repr, "6")
	}
}

func TestExecute_SessionsAreIsolated(t *testing.T) {
	sb := newTestSandbox(t, Config{})

	wantOK(t, mustExec(t, sb, "alice", "secret = 42"))
	wantKind(t, mustExec(t, sb, "bob", "secret"), ErrName)

	wantOK(t, mustExec(t, sb, "bob", "secret = 7"))
	if out := mustExec(t, sb, "alice", "secret"); out.Repr != "42" {
		t.Errorf("alice sees %q, want 42", out.Repr)
	}
}

func TestExecute_OutputChannels(t *testing.T) {
	sb := newTestSandbox(t, Config{})

	tests := []struct {
		name       string
		code       string
		wantStdout string
		wantRepr   string
	}{
		{"print only", `print("hello")`, "hello\n", ""},
		{"print then expression", "print('a')\nprint('b')\n1 + 2", "a\nb\n", "3"},
		{"statement last", "y = [1, 2]\ny.append(3)\nz = len(y)", "", ""},
		{"string repr is quoted", `"hi"`, "", `"hi"`},
		{"none is not reported", "None", "", ""},
		{"function defined and called", "def sq(n):\n    return n * n\nsq(12)", "", "144"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := mustExec(t, sb, "out", tt.code)
			wantOK(t, out)
			if out.Stdout != tt.wantStdout {
				t.Errorf("Stdout = %q, want %q", out.Stdout, tt.wantStdout)
			}
			if out.Repr != tt.wantRepr {
				t.Errorf("Repr = %q, want %q", out.Repr, tt.wantRepr)
			}
		})
	}
}

func TestExecute_AllowedModules(t *testing.T) {
	sb := newTestSandbox(t, Config{})

	tests := []struct {
		code string
		want string
	}{
		{"math.sqrt(16)", "4.0"},
		{"import math\nmath.floor(2.7)", "2"},
		{"import json as j\nj.decode('{\"a\": 2}')[\"a\"]", "2"},
		{"from math import sqrt\nsqrt(9)", "3.0"},
		{"from math import pow as p\np(2, 10)", "1024.0"},
		{"load(\"math\", \"ceil\")\nceil(1.2)", "2"},
	}
	for _, tt := range tests {
		out := mustExec(t, sb, "mods", tt.code)
		wantOK(t, out)
		if out.Repr != tt.want {
			t.Errorf("%q: Repr = %q, want %q", tt.code, out.Repr, tt.want)
		}
	}
}

func TestExecute_PolicyViolations(t *testing.T) {
	sb := newTestSandbox(t, Config{})

	tests := []struct {
		name string
		code string
	}{
		{"import os", "import os\nos.listdir('/')"},
		{"import subprocess alias", "import subprocess as sp"},
		{"from socket", "from socket import socket"},
		{"mixed import", "import math, os"},
		{"load disallowed", `load("os", "getcwd")`},
		{"open file", `open("/etc/passwd").read()`},
		{"eval", `eval("1 + 1")`},
		{"dunder attribute", "x = []\nx.__class__"},
		{"dunder import", `__import__("os")`},
		{"os without import", "os.system('ls')"},
		{"sys without import", "sys.exit(1)"},
		{"subprocess without import", "subprocess.run(['ls'])"},
		{"socket without import", "socket.socket()"},
		{"import inside function", "def f():\n    import os\n    return 1\nf()"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wantKind(t, mustExec(t, sb, "policy", tt.code), ErrPolicy)
		})
	}
}

func TestExecute_PolicyCheckRunsBeforeExecution(t *testing.T) {
	sb := newTestSandbox(t, Config{})

	wantKind(t, mustExec(t, sb, "s", "before = 1\nopen('x')"), ErrPolicy)
	wantKind(t, mustExec(t, sb, "s", "before"), ErrName)
}

func TestExecute_RestrictedAllowList(t *testing.T) {
	sb := newTestSandbox(t, Config{AllowedModules: []string{"math", "bogus"}})

	if got := sb.AllowedModules(); len(got) != 1 || got[0] != "math" {
		t.Fatalf("AllowedModules = %v, want [math]", got)
	}
	wantKind(t, mustExec(t, sb, "s", "import json"), ErrPolicy)
	wantKind(t, mustExec(t, sb, "s", "json"), ErrName)
}

func TestExecute_ErrorsAreStructured(t *testing.T) {
	sb := newTestSandbox(t, Config{})

	syntaxOut := mustExec(t, sb, "err", "def (:")
	wantKind(t, syntaxOut, ErrSyntax)

	nameOut := mustExec(t, sb, "err", "undefined_thing + 1")
	wantKind(t, nameOut, ErrName)

	rt := mustExec(t, sb, "err", "print('partial')\n1 // 0")
	wantKind(t, rt, ErrRuntime)
	if !strings.Contains(rt.Error.Message, "by zero") {
		t.Errorf("runtime message = %q", rt.Error.Message)
	}
	if rt.Stdout != "partial\n" {
		t.Errorf("stdout before failure = %q, want %q", rt.Stdout, "partial\n")
	}
}

func TestExecute_MutationsBeforeErrorPersist(t *testing.T) {
	sb := newTestSandbox(t, Config{})

	wantKind(t, mustExec(t, sb, "s", "kept = 'yes'\nfail('boom')"), ErrRuntime)
	if out := mustExec(t, sb, "s", "kept"); out.Repr != `"yes"` {
		t.Errorf("kept = %q, want %q", out.Repr, `"yes"`)
	}
}

func TestExecute_Timeout(t *testing.T) {
	sb := newTestSandbox(t, Config{Timeout: 100 * time.Millisecond})

	start := time.Now()
	out := mustExec(t, sb, "slow", "n = 0\nwhile True:\n    n += 1")
	wantKind(t, out, ErrTimeout)
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("timeout took %v", elapsed)
	}

	// The namespace is still usable afterwards.
	if out := mustExec(t, sb, "slow", "1 + 1"); out.Repr != "2" {
		t.Errorf("after timeout Repr = %q, want 2", out.Repr)
	}
}

func TestExecute_StepBudget(t *testing.T) {
	sb := newTestSandbox(t, Config{MaxSteps: 1000})

	out := mustExec(t, sb, "steps", "for i in range(1000000):\n    pass")
	wantKind(t, out, ErrTimeout)
	if !strings.Contains(out.Error.Message, "steps") {
		t.Errorf("message = %q, want mention of steps", out.Error.Message)
	}
}

func TestExecute_OutputLimit(t *testing.T) {
	sb := newTestSandbox(t, Config{MaxOutputBytes: 10})

	out := mustExec(t, sb, "big", `print("x" * 100)`)
	wantOK(t, out)
	if !out.Truncated {
		t.Error("Truncated = false, want true")
	}
	if !strings.HasPrefix(out.Stdout, "xxxxxxxxxx\n[output truncated]") {
		t.Errorf("Stdout = %q", out.Stdout)
	}
}

func TestExecute_OutputLimitCoversResultAndErrors(t *testing.T) {
	sb := newTestSandbox(t, Config{MaxOutputBytes: 1024})

	out := mustExec(t, sb, "big", "'a' * 100000")
	wantOK(t, out)
	if len(out.Repr) > 1100 || !out.Truncated {
		t.Errorf("Repr length = %d, Truncated = %v", len(out.Repr), out.Truncated)
	}

	out = mustExec(t, sb, "big", "fail('x' * 100000)")
	wantKind(t, out, ErrRuntime)
	if len(out.Error.Message) > 1100 || !out.Truncated {
		t.Errorf("Message length = %d, Truncated = %v", len(out.Error.Message), out.Truncated)
	}
}

func TestExecute_DeepRecursionBacktraceBounded(t *testing.T) {
	sb := newTestSandbox(t, Config{})

	out := mustExec(t, sb, "rec", "def f(n):\n    if n == 0:\n        fail('bottom')\n    return f(n - 1)\nf(200)")
	wantKind(t, out, ErrRuntime)
	if n := strings.Count(out.Error.Backtrace, "\n"); n > maxBacktraceFrames+3 {
		t.Errorf("backtrace has %d lines, want at most %d", n, maxBacktraceFrames+3)
	}
	if !strings.Contains(out.Error.Backtrace, "earlier frames omitted") {
		t.Errorf("backtrace = %q", out.Error.Backtrace)
	}
}

func TestClip(t *testing.T) {
	tests := []struct {
		in      string
		n       int
		want    string
		wantCut bool
	}{
		{"short", 10, "short", false},
		{"anything", 0, "anything", false},
		{"abcdef", 3, "abc... [truncated]", true},
		{"héllo", 2, "h... [truncated]", true},
	}
	for _, tt := range tests {
		got, cut := clip(tt.in, tt.n)
		if got != tt.want || cut != tt.wantCut {
			t.Errorf("clip(%q, %d) = %q, %v; want %q, %v", tt.in, tt.n, got, cut, tt.want, tt.wantCut)
		}
	}
}

func TestExecute_ImportTextInsideStrings(t *testing.T) {
	sb := newTestSandbox(t, Config{})

	out := mustExec(t, sb, "str", "s = \"\"\"\nimport os\nfrom math import floor\n\"\"\"\nlen(s)")
	wantOK(t, out)
	if out.Repr != "34" {
		t.Errorf("Repr = %q, want 34", out.Repr)
	}

	out = mustExec(t, sb, "str", "from math import sqrt\ndoc = '''\nimport socket\n'''\nimport math\nsqrt(16)")
	wantOK(t, out)
	if out.Repr != "4.0" {
		t.Errorf("Repr = %q, want 4.0", out.Repr)
	}
}

func TestExecute_SameSessionSerialized(t *testing.T) {
	sb := newTestSandbox(t, Config{})

	var mu sync.Mutex
	var events []string
	sb.trace = func(event, sessionID string) {
		mu.Lock()
		events = append(events, event)
		mu.Unlock()
	}

	mustExec(t, sb, "shared", "counter = 0")

	const workers = 4
	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Read, spin, write: interleaving would lose increments.
			out, err := sb.Execute(context.Background(), "shared",
				"c = counter\nfor i in range(20000):\n    pass\ncounter = c + 1")
			if err != nil || out.Error != nil {
				t.Errorf("Execute: %v %+v", err, out)
			}
		}()
	}
	wg.Wait()

	if out := mustExec(t, sb, "shared", "counter"); out.Repr != "4" {
		t.Errorf("counter = %q, want 4", out.Repr)
	}

	mu.Lock()
	defer mu.Unlock()
	for i, e := range events {
		want := "start"
		if i%2 == 1 {
			want = "end"
		}
		if e != want {
			t.Fatalf("events = %v: executions interleaved at %d", events, i)
		}
	}
}

func TestExecute_DifferentSessionsRunInParallel(t *testing.T) {
	sb := newTestSandbox(t, Config{Timeout: 2 * time.Second})

	started := make(chan string, 2)
	sb.trace = func(event, sessionID string) {
		if event == "start" {
			started <- sessionID
		}
	}

	// a spins until it times out; b must start while a is still running.
	go sb.Execute(context.Background(), "a", "while True:\n    pass")
	if got := <-started; got != "a" {
		t.Fatalf("first start = %s", got)
	}

	done := make(chan *Outcome)
	go func() {
		out, _ := sb.Execute(context.Background(), "b", "40 + 2")
		done <- out
	}()

	select {
	case out := <-done:
		if out == nil || out.Repr != "42" {
			t.Errorf("session b outcome = %+v", out)
		}
	case <-time.After(time.Second):
		t.Fatal("session b was blocked by session a")
	}
}

func TestExecute_WaitHonoursContext(t *testing.T) {
	sb := newTestSandbox(t, Config{Timeout: 500 * time.Millisecond})

	started := make(chan struct{}, 1)
	sb.trace = func(event, _ string) {
		if event == "start" {
			select {
			case started <- struct{}{}:
			default:
			}
		}
	}

	first := make(chan *Outcome)
	go func() {
		out, _ := sb.Execute(context.Background(), "busy", "while True:\n    pass")
		first <- out
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := sb.Execute(ctx, "busy", "1"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("queued Execute error = %v, want deadline exceeded", err)
	}

	if out := <-first; out == nil || out.Error == nil || out.Error.Kind != ErrTimeout {
		t.Errorf("first execution = %+v, want timeout", out)
	}
}

func TestDropAndInspect(t *testing.T) {
	sb := newTestSandbox(t, Config{})
	ctx := context.Background()

	wantOK(t, mustExec(t, sb, "s", "x = 5\nname = 'chatty'\ndef f():\n    return 1"))

	bindings, err := sb.Inspect(ctx, "s")
	if err != nil {
		t.Fatal(err)
	}
	got := map[string]string{}
	for _, b := range bindings {
		got[b.Name] = b.Type
	}
	if got["x"] != "int" || got["name"] != "string" || got["f"] != "function" {
		t.Errorf("Inspect = %+v", bindings)
	}
	if _, ok := got["math"]; ok {
		t.Error("Inspect should omit pre-bound modules")
	}

	if !sb.Drop("s") {
		t.Fatal("Drop returned false for live namespace")
	}
	if sb.Drop("s") {
		t.Error("second Drop returned true")
	}
	wantKind(t, mustExec(t, sb, "s", "x"), ErrName)
	if n := sb.Sessions(); n != 1 {
		t.Errorf("Sessions = %d, want 1", n)
	}
}

func TestExecute_AfterClose(t *testing.T) {
	sb := New(Config{}, nil, nil)
	sb.Close()
	if _, err := sb.Execute(context.Background(), "s", "1"); !errors.Is(err, ErrClosed) {
		t.Errorf("Execute after Close = %v, want ErrClosed", err)
	}
}

type countingRecorder struct {
	mu       sync.Mutex
	outcomes []string
}

func (r *countingRecorder) SandboxExecution(outcome string, _ time.Duration) {
	r.mu.Lock()
	r.outcomes = append(r.outcomes, outcome)
	r.mu.Unlock()
}

func TestRecorder(t *testing.T) {
	rec := &countingRecorder{}
	sb := New(Config{Timeout: time.Second}, nil, rec)
	defer sb.Close()

	mustExec(t, sb, "s", "1")
	mustExec(t, sb, "s", "import os")

	if len(rec.outcomes) != 2 || rec.outcomes[0] != "ok" || rec.outcomes[1] != string(ErrPolicy) {
		t.Errorf("outcomes = %v", rec.outcomes)
	}
}
