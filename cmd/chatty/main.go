// Chatty is a tool-using chat assistant.
//
// It talks to a local or hosted language model, lets the model call
// tools (web search, page reading, weather, smart home control, a
// Starlark code sandbox and a task scheduler) and serves conversations
// over a terminal REPL and an HTTP API. Configuration is loaded from a
// single YAML file discovered automatically (see
// [config.DefaultSearchPaths]); without one, built-in defaults talk to
// Ollama on localhost.
//
// Usage:
//
//	chatty init [dir]        Write an example config and data directory
//	chatty chat              Interactive chat in the terminal
//	chatty serve             Start the web server
//	chatty ask <question>    Ask a single question
//	chatty tasks [list|run|delete]
//	chatty usage [window]    Token usage and cost, default last 24h
//	chatty version           Print version and build information
//	chatty -o json version   Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nugget/chatty/internal/agent"
	"github.com/nugget/chatty/internal/buildinfo"
	"github.com/nugget/chatty/internal/config"
	"github.com/nugget/chatty/internal/llm"
	"github.com/nugget/chatty/internal/tasks"
	"github.com/nugget/chatty/internal/web"
)

// shutdownTimeout bounds draining HTTP requests on exit.
const shutdownTimeout = 10 * time.Second

func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdin, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// options are the parsed global flags.
type options struct {
	configPath string
	outputFmt  string
	all        bool
	// client replaces the configured model providers. Tests set it.
	client llm.Client
	// lines replaces the terminal line editor in chat. Tests set it.
	lines lineReader
}

// run is the real entry point. OS-level dependencies are parameters so
// the whole lifecycle can be driven from tests. Arguments are parsed by
// hand: the flag package's globals get in the way of parallel tests.
func run(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) error {
	return runWith(ctx, stdin, stdout, stderr, args, options{})
}

func runWith(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string, opts options) error {
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			opts.configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			opts.configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			opts.outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			opts.outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			opts.outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-all" || args[i] == "--all":
			opts.all = true
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command == "" {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
			cmdArgs = append(cmdArgs, args[i])
		}
	}

	if opts.outputFmt == "" {
		opts.outputFmt = "text"
	}
	if opts.outputFmt != "text" && opts.outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", opts.outputFmt)
	}

	switch command {
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "chat":
		return runChat(ctx, stdin, stdout, stderr, opts)
	case "serve":
		return runServe(ctx, stdout, opts)
	case "ask":
		if len(cmdArgs) == 0 {
			return errors.New("usage: chatty ask <question>")
		}
		return runAsk(ctx, stdout, stderr, opts, strings.Join(cmdArgs, " "))
	case "tasks":
		return runTasks(ctx, stdout, stderr, opts, cmdArgs)
	case "usage":
		return runUsage(ctx, stdout, stderr, opts, cmdArgs)
	case "version":
		return runVersion(stdout, opts.outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	b := buildinfo.Current()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(b)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, row := range [][2]string{
		{"version", b.Version},
		{"git_commit", b.GitCommit},
		{"build_time", b.BuildTime},
		{"go_version", b.GoVersion},
		{"os", b.OS},
		{"arch", b.Arch},
	} {
		fmt.Fprintf(w, "  %-12s %s\n", row[0]+":", row[1])
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Chatty - a tool-using chat assistant")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: chatty [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  init [dir]           Write an example config (default: current dir)")
	fmt.Fprintln(w, "  chat                 Interactive chat in the terminal")
	fmt.Fprintln(w, "  serve                Start the web server")
	fmt.Fprintln(w, "  ask <question>       Ask a single question")
	fmt.Fprintln(w, "  tasks [list]         List scheduled tasks (-all includes completed)")
	fmt.Fprintln(w, "  tasks run <id>       Fire a task now")
	fmt.Fprintln(w, "  tasks delete <id>    Delete a task")
	fmt.Fprintln(w, "  usage [window]       Token usage and cost (default window 24h)")
	fmt.Fprintln(w, "  version              Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w, "  -all              Include completed tasks in listings")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  "+strings.Join(config.DefaultSearchPaths(), ", "))
	return nil
}

// loadConfig locates and parses the configuration. With no explicit
// path and no file in the search paths, the built-in defaults are used
// and the returned path is empty.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		if explicit != "" {
			return nil, "", err
		}
		return config.Default(), "", nil
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}

// setup loads the configuration, builds the logger writing to w and
// assembles the app. The returned cleanup closes both. quiet lowers the
// default log level to warnings for interactive commands.
func setup(w io.Writer, opts options, quiet bool) (*app, func(context.Context), error) {
	cfg, cfgPath, err := loadConfig(opts.configPath)
	if err != nil {
		return nil, nil, err
	}

	// Validate has already rejected bad levels.
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	if quiet && cfg.LogLevel == "" {
		level = slog.LevelWarn
	}
	logger, logCloser, err := config.NewLogger(w, level, cfg.LogFile)
	if err != nil {
		return nil, nil, err
	}
	if cfgPath == "" {
		logger.Debug("no config file found, using defaults")
	} else {
		logger.Debug("config loaded", "path", cfgPath)
	}

	a, err := newApp(cfg, logger, opts.client)
	if err != nil {
		logCloser.Close()
		return nil, nil, err
	}
	cleanup := func(ctx context.Context) {
		a.close(ctx)
		logCloser.Close()
	}
	return a, cleanup, nil
}

// runServe runs the web server and the scheduler until SIGINT or
// SIGTERM. Shutdown drains HTTP requests, stops the workers and
// archives live transcripts.
func runServe(ctx context.Context, stdout io.Writer, opts options) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, cleanup, err := setup(stdout, opts, false)
	if err != nil {
		return err
	}
	defer cleanup(ctx)

	a.logger.Info("starting chatty", buildinfo.LogAttr())

	var archive web.Archive
	if a.archive != nil {
		archive = a.archive
	}
	server := web.NewServer(a.cfg.Listen.Address, a.cfg.Listen.Port, web.Deps{
		Agent:    a.runtime,
		Sessions: a.sessions,
		Tasks:    a.tasks,
		Status:   a.status,
		Archive:  archive,
		Health:   a.health,
		Usage:    a.usage,
		Bus:      a.bus,
		Metrics:  a.metrics.Handler(),
	}, a.logger)

	if err := a.start(ctx); err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		a.logger.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("web server shutdown", "error", err)
		}
	}()

	if err := server.Start(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("server failed: %w", err)
	}

	a.logger.Info("chatty stopped")
	return nil
}

// runAsk answers one question in a throwaway session. The scheduler
// is not started; tasks it schedules fire on the next serve or chat.
func runAsk(ctx context.Context, stdout, stderr io.Writer, opts options, question string) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, cleanup, err := setup(stderr, opts, true)
	if err != nil {
		return err
	}
	defer cleanup(ctx)

	answer, err := a.runtime.Respond(ctx, a.sessions.New(), question)
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}
	fmt.Fprintln(stdout, answer.Text)
	return nil
}

// runTasks lists, fires or deletes stored tasks.
func runTasks(ctx context.Context, stdout, stderr io.Writer, opts options, args []string) error {
	sub := "list"
	if len(args) > 0 {
		sub, args = args[0], args[1:]
	}
	if sub != "list" && len(args) != 1 {
		return fmt.Errorf("usage: chatty tasks %s <id>", sub)
	}

	a, cleanup, err := setup(stderr, opts, true)
	if err != nil {
		return err
	}
	defer cleanup(ctx)

	switch sub {
	case "list":
		list, err := a.tasks.List(ctx, tasks.ListOptions{IncludeCompleted: opts.all})
		if err != nil {
			return err
		}
		if opts.outputFmt == "json" {
			enc := json.NewEncoder(stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(list)
		}
		writeTasks(stdout, list, a.tasks.Location())
		return nil

	case "run":
		a.onAnnounce(func(_ *tasks.Task, _ string, answer *agent.Answer) {
			fmt.Fprintln(stdout, answer.Text)
		})
		task, err := a.scheduler.Trigger(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "\nTask %s fired (%s, next: %s)\n", task.ID, task.Status, nextDue(task, a.tasks.Location()))
		return nil

	case "delete":
		if err := a.tasks.Delete(ctx, args[0]); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "Task %s deleted\n", args[0])
		return nil

	default:
		return fmt.Errorf("unknown tasks command: %s", sub)
	}
}

// writeTasks prints one line per task.
func writeTasks(w io.Writer, list []*tasks.Task, loc *time.Location) {
	if len(list) == 0 {
		fmt.Fprintln(w, "No scheduled tasks.")
		return
	}
	for _, t := range list {
		fmt.Fprintf(w, "%s  %-9s  %-22s  %s\n", t.ID, t.Status, nextDue(t, loc), t.Description)
	}
}

func nextDue(t *tasks.Task, loc *time.Location) string {
	if t.Status == tasks.StatusCompleted {
		return "-"
	}
	return t.NextDue.In(loc).Format("Mon Jan 2 15:04 MST")
}
