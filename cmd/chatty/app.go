package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/nugget/chatty/internal/agent"
	"github.com/nugget/chatty/internal/buildinfo"
	"github.com/nugget/chatty/internal/calendar"
	"github.com/nugget/chatty/internal/config"
	"github.com/nugget/chatty/internal/connwatch"
	"github.com/nugget/chatty/internal/events"
	"github.com/nugget/chatty/internal/fetch"
	"github.com/nugget/chatty/internal/homeassistant"
	"github.com/nugget/chatty/internal/llm"
	"github.com/nugget/chatty/internal/mqtt"
	"github.com/nugget/chatty/internal/prompts"
	"github.com/nugget/chatty/internal/sandbox"
	"github.com/nugget/chatty/internal/scheduler"
	"github.com/nugget/chatty/internal/search"
	"github.com/nugget/chatty/internal/session"
	"github.com/nugget/chatty/internal/status"
	"github.com/nugget/chatty/internal/stocks"
	"github.com/nugget/chatty/internal/tasks"
	"github.com/nugget/chatty/internal/telemetry"
	"github.com/nugget/chatty/internal/tools"
	"github.com/nugget/chatty/internal/usage"
	"github.com/nugget/chatty/internal/weather"
)

// maintenanceInterval is how often idle sessions are reaped and the
// session gauge refreshed.
const maintenanceInterval = 30 * time.Second

// announceFunc receives the answer to a fired task.
type announceFunc func(task *tasks.Task, sessionID string, answer *agent.Answer)

// app is every long-lived component of one chatty process, wired
// together. serve, chat and ask all build one; tasks builds one without
// starting it.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	bus       *events.Bus
	metrics   *telemetry.Metrics
	archive   *session.ArchiveStore // nil unless sessions.archive is set
	sessions  *session.Manager
	sandbox   *sandbox.Sandbox
	tasks     *tasks.Store
	registry  *tools.Registry
	runtime   *agent.Runtime
	scheduler *scheduler.Scheduler
	status    *status.Tracker
	mqtt      *mqtt.Publisher // nil unless mqtt is configured
	usage     *usage.Store
	health    *connwatch.Manager
	llm       llm.Client
	ha        *homeassistant.Client // nil unless configured
	calendar  *calendar.Client      // nil unless configured

	mu       sync.Mutex
	announce announceFunc
	stop     context.CancelFunc
	wg       sync.WaitGroup
}

// newApp opens the stores and registers the tools. client overrides the
// configured model providers when non-nil.
func newApp(cfg *config.Config, logger *slog.Logger, client llm.Client) (_ *app, err error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	a := &app{
		cfg:     cfg,
		logger:  logger,
		bus:     events.New(),
		metrics: telemetry.New(),
		status:  status.NewTracker(logger, status.DefaultLinger),
		health:  connwatch.NewManager(logger, connwatch.Config{}),
	}
	defer func() {
		if err != nil {
			a.close(context.Background())
		}
	}()

	var archiver session.Archiver
	if cfg.Sessions.Archive {
		a.archive, err = session.NewArchiveStore(cfg.Sessions.ArchivePath, logger)
		if err != nil {
			return nil, fmt.Errorf("open session archive: %w", err)
		}
		archiver = a.archive
		logger.Info("session archive enabled", "path", cfg.Sessions.ArchivePath)
	}
	a.sessions = session.NewManager(logger, a.bus, archiver)

	a.sandbox = sandbox.New(sandbox.Config{
		Timeout:        cfg.Sandbox.Timeout,
		MaxSteps:       cfg.Sandbox.MaxSteps,
		MaxOutputBytes: cfg.Sandbox.MaxOutputBytes,
		AllowedModules: cfg.Sandbox.AllowedModules,
	}, logger, a.metrics)
	a.sessions.OnEnd(func(id string) { a.sandbox.Drop(id) })

	a.tasks, err = tasks.NewStore(cfg.Tasks.DBPath, cfg.Tasks.Location())
	if err != nil {
		return nil, fmt.Errorf("open task store: %w", err)
	}

	a.usage, err = usage.NewStore(cfg.Usage.DBPath, logger)
	if err != nil {
		return nil, fmt.Errorf("open usage store: %w", err)
	}

	if err := a.registerTools(); err != nil {
		return nil, fmt.Errorf("register tools: %w", err)
	}

	if client == nil {
		client = createLLMClient(cfg, logger)
	}
	a.llm = client
	a.runtime = agent.New(logger, client, a.registry, a.bus, a.metrics, agent.Config{
		Model:            cfg.Models.Default,
		SystemPrompt:     cfg.Agent.SystemPrompt,
		MaxToolRounds:    cfg.Agent.MaxToolRounds,
		MaxParallelTools: cfg.Agent.MaxParallelTools,
		TurnTimeout:      cfg.Agent.TurnTimeout,
	})

	a.scheduler = scheduler.New(logger, a.tasks, a.fireTask, a.bus, a.metrics, scheduler.Config{
		CheckInterval: cfg.Tasks.CheckInterval,
		FireTimeout:   cfg.Agent.TurnTimeout,
	})

	logger.Info("tools registered", "tools", a.registry.Names())
	return a, nil
}

func (a *app) registerTools() error {
	cfg := a.cfg
	a.registry = tools.NewRegistry(a.logger, a.bus, a.metrics)

	if err := tools.RegisterSandboxTools(a.registry, a.sandbox); err != nil {
		return err
	}
	if err := tools.RegisterTaskTools(a.registry, a.tasks, nil); err != nil {
		return err
	}

	searcher := search.NewManager(cfg.Search.Default, a.logger)
	if cfg.Search.SearXNG.URL != "" {
		searcher.Register(search.NewSearXNG(cfg.Search.SearXNG.URL))
	}
	if cfg.Search.Brave.APIKey != "" {
		searcher.Register(search.NewBrave(cfg.Search.Brave.APIKey))
	}
	searcher.Register(search.NewDuckDuckGo())
	if err := tools.RegisterWebTools(a.registry, searcher, fetch.New()); err != nil {
		return err
	}

	if cfg.Weather.Enabled {
		w := weather.New(cfg.Weather.APIURL, cfg.Weather.LocationURL, cfg.Weather.RequestsPerMinute)
		if err := tools.RegisterWeatherTools(a.registry, w); err != nil {
			return err
		}
	}

	if cfg.Stocks.Enabled {
		if err := tools.RegisterStockTools(a.registry, stocks.New(cfg.Stocks.APIURL)); err != nil {
			return err
		}
	}

	if cfg.Calendar.Configured() {
		cal, err := calendar.New(cfg.Calendar.URL, cfg.Calendar.Username, cfg.Calendar.Password)
		if err != nil {
			return err
		}
		a.calendar = cal
		if err := tools.RegisterCalendarTools(a.registry, cal, cfg.Tasks.Location(), nil); err != nil {
			return err
		}
	}

	// Interface values stay untyped nil when a backend is absent so the
	// registrar skips its tools.
	var ha tools.HomeAssistant
	if cfg.HomeAssistant.Configured() {
		a.ha = homeassistant.NewClient(cfg.HomeAssistant.URL, cfg.HomeAssistant.Token, a.logger)
		ha = a.ha
	}
	var dc tools.DeviceCommander
	if cfg.MQTT.Configured() {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("mqtt instance id: %w", err)
		}
		a.mqtt = mqtt.New(cfg.MQTT, instanceID, mqttStats{a}, a.logger)
		dc = a.mqtt
	}
	return tools.RegisterHomeTools(a.registry, ha, dc)
}

// createLLMClient routes models to their providers. Models not listed
// fall through to Ollama.
func createLLMClient(cfg *config.Config, logger *slog.Logger) llm.Client {
	ollama := llm.NewOllamaClient(cfg.Models.OllamaURL, logger)
	multi := llm.NewMultiClient(ollama)
	multi.AddProvider("ollama", ollama)

	if cfg.Anthropic.APIKey != "" {
		multi.AddProvider("anthropic", llm.NewAnthropicClient(cfg.Anthropic.APIKey, cfg.Anthropic.MaxTokens, logger))
		logger.Info("anthropic provider configured")
	}
	for _, m := range cfg.Models.Available {
		multi.AddModel(m.Name, m.Provider)
	}

	logger.Info("llm client initialized", "default_model", cfg.Models.Default, "ollama_url", cfg.Models.OllamaURL)
	return multi
}

// onAnnounce sets where fired task answers go.
func (a *app) onAnnounce(fn announceFunc) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.announce = fn
}

// fireTask injects a due task's prompt into its owning session as a
// normal turn. Tasks created outside any session get a fresh one.
func (a *app) fireTask(ctx context.Context, task *tasks.Task) error {
	sess, _ := a.sessions.GetOrCreate(task.SessionID)
	due := task.NextDue.In(a.tasks.Location()).Format("Mon Jan 2 15:04 MST")

	answer, err := a.runtime.Respond(ctx, sess, prompts.TaskFirePrompt(task.Description, task.Prompt, due))
	if err != nil {
		return fmt.Errorf("task %s: %w", task.ID, err)
	}

	a.mu.Lock()
	announce := a.announce
	a.mu.Unlock()
	if announce != nil {
		announce(task, sess.ID, answer)
	} else {
		a.logger.Info("task answered", "task_id", task.ID, "session_id", sess.ID, "reply_chars", len(answer.Text))
	}
	return nil
}

// start launches the background workers. They stop when ctx ends or
// close is called.
func (a *app) start(ctx context.Context) error {
	ctx, a.stop = context.WithCancel(ctx)
	if err := a.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	a.goRun(func() { a.status.Run(ctx, a.bus) })
	a.goRun(func() { a.usage.Collect(ctx, a.bus, a.cfg.Models.Cost) })
	a.goRun(func() { a.maintain(ctx) })

	a.health.Watch(ctx, "llm", a.llm.Ping)
	if a.ha != nil {
		a.health.Watch(ctx, "homeassistant", a.ha.Ping)
	}
	if a.calendar != nil {
		a.health.Watch(ctx, "calendar", a.calendar.Ping)
	}

	if a.mqtt != nil {
		a.goRun(func() {
			if err := a.mqtt.Start(ctx); err != nil {
				a.logger.Error("mqtt publisher failed", "error", err)
			}
		})
		a.goRun(func() { a.mqtt.Relay(ctx, a.bus) })
		a.logger.Info("mqtt publishing enabled", "broker", a.cfg.MQTT.Broker)
	}
	return nil
}

func (a *app) goRun(fn func()) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		fn()
	}()
}

// maintain ends idle sessions and refreshes the session gauge.
func (a *app) maintain(ctx context.Context) {
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()
	for {
		a.metrics.SetActiveSessions(a.sessions.Count())
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if idle := a.cfg.Sessions.IdleTimeout; idle > 0 {
			if n := a.sessions.EndIdle(ctx, time.Now().Add(-idle)); n > 0 {
				a.logger.Info("idle sessions ended", "count", n)
			}
		}
	}
}

// close stops the workers and releases every store. Live transcripts
// are archived first. Safe on a partially built app.
func (a *app) close(ctx context.Context) {
	// Shutdown work must outlive a cancelled parent.
	ctx = context.WithoutCancel(ctx)
	if a.stop != nil {
		a.stop()
	}
	if a.scheduler != nil {
		a.scheduler.Stop()
	}
	if a.mqtt != nil {
		stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := a.mqtt.Stop(stopCtx); err != nil {
			a.logger.Warn("mqtt shutdown failed", "error", err)
		}
		cancel()
	}
	a.wg.Wait()
	if a.health != nil {
		a.health.Wait()
	}

	if a.sessions != nil {
		a.sessions.Close(ctx)
	}
	if a.sandbox != nil {
		a.sandbox.Close()
	}

	var errs []error
	if a.tasks != nil {
		errs = append(errs, a.tasks.Close())
	}
	if a.archive != nil {
		errs = append(errs, a.archive.Close())
	}
	if a.usage != nil {
		errs = append(errs, a.usage.Close())
	}
	if err := errors.Join(errs...); err != nil {
		a.logger.Error("close stores", "error", err)
	}
}

// pendingTasks counts tasks not yet completed.
func (a *app) pendingTasks(ctx context.Context) (int, error) {
	list, err := a.tasks.List(ctx, tasks.ListOptions{})
	if err != nil {
		return 0, err
	}
	return len(list), nil
}

// mqttStats adapts the app to mqtt.StatsSource.
type mqttStats struct{ a *app }

func (s mqttStats) Uptime() time.Duration { return buildinfo.Uptime() }
func (s mqttStats) ActiveSessions() int   { return s.a.sessions.Count() }

func (s mqttStats) PendingTasks() int {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	n, err := s.a.pendingTasks(ctx)
	if err != nil {
		s.a.logger.Warn("count pending tasks", "error", err)
	}
	return n
}
