// Package app wires the voicectl subsystems into a running server.
//
// [App] owns the lifecycle: New builds the assistant, the session manager
// and the health checks from the config, Run serves HTTP and runs the
// background loops (session janitor, config watcher) in one errgroup, and
// Shutdown closes what is left.
package app

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voicectl/internal/assistant"
	"github.com/MrWong99/voicectl/internal/config"
	"github.com/MrWong99/voicectl/internal/health"
	"github.com/MrWong99/voicectl/internal/observe"
	"github.com/MrWong99/voicectl/internal/phrase"
	"github.com/MrWong99/voicectl/internal/resilience"
	"github.com/MrWong99/voicectl/pkg/provider/llm"
	"github.com/MrWong99/voicectl/pkg/provider/stt"
)

// shutdownGrace bounds how long in-flight HTTP requests may take once Run's
// context ends.
const shutdownGrace = 10 * time.Second

// Providers holds one value per provider slot. Nil means not configured.
type Providers struct {
	LLM llm.Provider
	STT stt.Provider
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers
	metrics   *observe.Metrics
	level     *slog.LevelVar
	watcher   *config.Watcher
	listener  net.Listener

	breaker  *resilience.Breaker
	sessions *SessionManager
	health   *health.Handler

	mu       sync.Mutex
	addr     net.Addr
	stopOnce sync.Once
}

// Option configures an [App]. Use these to inject test doubles.
type Option func(*App)

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLevel lets config reloads change the log level.
func WithLevel(l *slog.LevelVar) Option {
	return func(a *App) { a.level = l }
}

// WithWatcher runs w in Run and applies its reloads.
func WithWatcher(w *config.Watcher) Option {
	return func(a *App) { a.watcher = w }
}

// WithListener serves on ln instead of listening on cfg.Server.ListenAddr.
func WithListener(ln net.Listener) Option {
	return func(a *App) { a.listener = ln }
}

// New creates an App from cfg and the providers built from it.
func New(cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil {
		providers = &Providers{}
	}
	a := &App{cfg: cfg, providers: providers}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	a.breaker = resilience.New(resilience.Config{Name: cfg.Providers.LLM.Name})

	a.sessions = NewSessionManager(a.sessionConfig(cfg),
		WithMaxSessions(cfg.Sessions.MaxSessions),
		WithIdleTimeout(cfg.Sessions.IdleTimeout),
	)

	a.health = health.New(
		health.Checker{Name: "sessions", Check: a.checkCapacity},
		health.Checker{Name: "llm", Check: a.checkLLM},
	)

	if a.watcher != nil {
		a.watcher.OnChange(a.applyConfig)
	}
	return a, nil
}

func (a *App) sessionConfig(cfg *config.Config) SessionConfig {
	sc := SessionConfig{
		CompletionTimeout: cfg.Dispatch.Timeout(),
		EventBuffer:       cfg.Dispatch.EventBuffer,
		QueueSize:         cfg.Dispatch.QueueSize,
		STT:               a.providers.STT,
		STTName:           cfg.Providers.STT.Name,
		Metrics:           a.metrics,
	}
	if len(cfg.Matching.Equivalences) > 0 {
		groups := append(append([][]string{}, phrase.DefaultGroups...), cfg.Matching.Equivalences...)
		sc.Equivalences = phrase.NewEquivalences(groups...)
	}
	if a.providers.LLM != nil {
		sc.Assistant = a.newAssistant(cfg)
	}
	return sc
}

func (a *App) newAssistant(cfg *config.Config) *assistant.Assistant {
	opts := []assistant.Option{
		assistant.WithProviderName(cfg.Providers.LLM.Name),
		assistant.WithSystemPrompt(cfg.Assistant.SystemPrompt),
		assistant.WithMaxTokens(cfg.Assistant.MaxTokens),
		assistant.WithTemperature(cfg.Assistant.Temperature),
		assistant.WithBreaker(a.breaker),
		assistant.WithMetrics(a.metrics),
	}
	if cfg.Assistant.Timeout > 0 {
		opts = append(opts, assistant.WithTimeout(cfg.Assistant.Timeout))
	}
	return assistant.New(a.providers.LLM, opts...)
}

// Sessions returns the session manager.
func (a *App) Sessions() *SessionManager { return a.sessions }

// Health returns the health check handler.
func (a *App) Health() *health.Handler { return a.health }

// Addr returns the address the server listens on once Run has started, or
// nil.
func (a *App) Addr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.addr
}

func (a *App) checkCapacity(context.Context) error {
	if limit := a.cfg.Sessions.MaxSessions; limit > 0 && a.sessions.Len() >= limit {
		return fmt.Errorf("%d of %d sessions in use", a.sessions.Len(), limit)
	}
	return nil
}

func (a *App) checkLLM(context.Context) error {
	if a.providers.LLM == nil {
		return nil
	}
	if a.breaker.State() == resilience.Open {
		return resilience.ErrCircuitOpen
	}
	return nil
}

// applyConfig hot-applies a reloaded config. Matching and dispatch changes
// reach sessions created afterwards.
func (a *App) applyConfig(old, next *config.Config) {
	d := config.Diff(old, next)
	if d.Empty() {
		return
	}
	if d.LogLevelChanged && a.level != nil {
		if lvl, err := observe.ParseLevel(string(d.NewLogLevel)); err == nil {
			a.level.Set(lvl)
			slog.Info("config reload: log level changed", "level", d.NewLogLevel)
		}
	}
	if d.EquivalencesChanged || d.CompletionTimeoutChanged || d.AssistantChanged {
		sc := a.sessionConfig(next)
		a.sessions.Reconfigure(func(c *SessionConfig) {
			c.Equivalences = sc.Equivalences
			c.CompletionTimeout = sc.CompletionTimeout
			c.Assistant = sc.Assistant
		})
		slog.Info("config reload: session settings updated",
			"equivalences", d.EquivalencesChanged,
			"completion_timeout", d.CompletionTimeoutChanged,
			"assistant", d.AssistantChanged,
		)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config reload: some changes need a restart", "settings", d.RestartRequired)
	}
}

// Run serves h until ctx ends, alongside the session janitor and the config
// watcher. A clean stop returns nil.
func (a *App) Run(ctx context.Context, h http.Handler) error {
	ln := a.listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", a.cfg.Server.ListenAddr)
		if err != nil {
			return fmt.Errorf("app: listen: %w", err)
		}
	}
	a.mu.Lock()
	a.addr = ln.Addr()
	a.mu.Unlock()

	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("http server listening", "addr", ln.Addr().String(), "tls", a.cfg.Server.TLS != nil)
		var err error
		if t := a.cfg.Server.TLS; t != nil {
			srv.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
			err = srv.ServeTLS(ln, t.CertFile, t.KeyFile)
		} else {
			err = srv.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		a.health.Drain()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownGrace)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return a.sessions.RunJanitor(gctx, a.cfg.Sessions.JanitorInterval)
	})
	if a.watcher != nil {
		g.Go(func() error { return a.watcher.Run(gctx) })
	}

	return g.Wait()
}

// Shutdown marks the server as draining and closes every session. It
// reports ctx's error if the deadline passed meanwhile.
func (a *App) Shutdown(ctx context.Context) error {
	var err error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "sessions", a.sessions.Len())
		a.health.Drain()
		a.sessions.CloseAll(ctx)
		err = ctx.Err()
		slog.Info("shutdown complete")
	})
	return err
}
