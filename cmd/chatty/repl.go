package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/chzyer/readline"

	"github.com/nugget/chatty/internal/agent"
	"github.com/nugget/chatty/internal/events"
	"github.com/nugget/chatty/internal/session"
	"github.com/nugget/chatty/internal/status"
	"github.com/nugget/chatty/internal/tasks"
)

// lineReader is the part of *readline.Instance the REPL uses.
type lineReader interface {
	Readline() (string, error)
	Close() error
}

const replHelp = `Type a message to chat. Commands:
  /reset   start over with an empty conversation
  /tasks   list this conversation's scheduled tasks
  /help    show this help
  bye, exit or quit to leave`

// runChat runs the interactive REPL. Scheduled tasks fire while it is
// open and their answers are printed between prompts.
func runChat(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, opts options) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGTERM)
	defer cancel()

	a, cleanup, err := setup(stderr, opts, true)
	if err != nil {
		return err
	}
	defer cleanup(ctx)

	lines, out := opts.lines, stdout
	if lines == nil {
		rl, err := readline.NewEx(&readline.Config{
			Prompt:          "you> ",
			HistoryFile:     filepath.Join(a.cfg.DataDir, "chat_history"),
			InterruptPrompt: "^C",
			EOFPrompt:       "bye",
			Stdin:           io.NopCloser(stdin),
			Stdout:          stdout,
			Stderr:          stderr,
		})
		if err != nil {
			return fmt.Errorf("open terminal: %w", err)
		}
		// Writes through rl.Stdout redraw the prompt, so task
		// announcements do not garble the line being typed.
		lines, out = rl, rl.Stdout()
	}
	defer lines.Close()

	r := &repl{app: a, out: out, sess: a.sessions.New()}
	a.onAnnounce(r.announce)
	if err := a.start(ctx); err != nil {
		return err
	}

	fmt.Fprintf(r.out, "Chatty (%s). Type /help for commands.\n", a.runtime.Model())
	return r.loop(ctx, lines)
}

type repl struct {
	app  *app
	sess *session.Session

	mu  sync.Mutex // serializes writes to out
	out io.Writer
}

func (r *repl) printf(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.out, format, args...)
}

// loop reads lines until EOF, an exit word or ctx ends. Ctrl-C on an
// empty line leaves; on a partial line it discards the line.
func (r *repl) loop(ctx context.Context, lines lineReader) error {
	for ctx.Err() == nil {
		line, err := lines.Readline()
		switch {
		case errors.Is(err, readline.ErrInterrupt):
			if line == "" {
				r.printf("Goodbye!\n")
				return nil
			}
			continue
		case errors.Is(err, io.EOF):
			r.printf("Goodbye!\n")
			return nil
		case err != nil:
			return fmt.Errorf("read input: %w", err)
		}

		line = strings.TrimSpace(line)
		switch strings.ToLower(line) {
		case "":
		case "bye", "exit", "quit":
			r.printf("Goodbye!\n")
			return nil
		case "/help":
			r.printf("%s\n", replHelp)
		case "/reset":
			r.reset(ctx)
		case "/tasks":
			r.listTasks(ctx)
		default:
			r.ask(ctx, line)
		}
	}
	return nil
}

// ask runs one turn, printing tool activity as it happens.
func (r *repl) ask(ctx context.Context, text string) {
	sub := r.app.bus.SubscribeSession(r.sess.ID, 64)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for e := range sub.C {
			if e.Kind == events.KindToolCall {
				tool, _ := e.Data["tool"].(string)
				r.printf("  · %s\n", status.Label(tool))
			}
		}
	}()

	answer, err := r.app.runtime.Respond(ctx, r.sess, text)
	sub.Close()
	<-done

	if err != nil {
		r.app.logger.Debug("turn failed", "session_id", r.sess.ID, "error", err)
		r.printf("%s\n\n", errorNotice(err))
		return
	}
	r.printf("\n%s\n\n", answer.Text)
}

func (r *repl) reset(ctx context.Context) {
	if err := r.app.sessions.Reset(ctx, r.sess.ID); err != nil {
		r.printf("Could not reset: %v\n", err)
		return
	}
	r.printf("Conversation cleared.\n")
}

func (r *repl) listTasks(ctx context.Context) {
	list, err := r.app.tasks.List(ctx, tasks.ListOptions{SessionID: r.sess.ID})
	if err != nil {
		r.printf("Could not list tasks: %v\n", err)
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	writeTasks(r.out, list, r.app.tasks.Location())
}

// announce prints the answer to a fired task.
func (r *repl) announce(task *tasks.Task, sessionID string, answer *agent.Answer) {
	if sessionID != r.sess.ID {
		r.printf("\n[scheduled: %s, session %s]\n%s\n\n", task.Description, sessionID, answer.Text)
		return
	}
	r.printf("\n[scheduled: %s]\n%s\n\n", task.Description, answer.Text)
}

// errorNotice turns a failed turn into the line shown to the user.
func errorNotice(err error) string {
	if tool, ok := agent.IsToolFailure(err); ok {
		return fmt.Sprintf("The %s tool failed and the request was stopped. Please try again.", tool)
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "The response took too long and was stopped."
	case errors.Is(err, context.Canceled):
		return "Interrupted."
	default:
		return fmt.Sprintf("Sorry, something went wrong: %v", err)
	}
}
