// Package app wires all meetscribe subsystems into a running server.
//
// The App owns the combined HTTP server: the WebSocket audio ingress at /,
// the platform webhook intake, the health endpoint, and Prometheus metrics.
// One App serves one meeting; when the session terminates the server shuts
// down and Run returns.
//
// For testing, inject a listener and session options via functional options.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/meetscribe/meetscribe/internal/config"
	"github.com/meetscribe/meetscribe/internal/health"
	"github.com/meetscribe/meetscribe/internal/observe"
	"github.com/meetscribe/meetscribe/internal/session"
	"github.com/meetscribe/meetscribe/internal/sink"
	"github.com/meetscribe/meetscribe/internal/webhook"
	"github.com/meetscribe/meetscribe/pkg/provider/stt"
)

// serviceName identifies this server in health responses and telemetry.
const serviceName = "meetscribe"

// shutdownTimeout bounds the HTTP server drain after the session ends.
const shutdownTimeout = 5 * time.Second

// App owns the server lifecycle: New wires the subsystems, Run serves until
// the session terminates or ctx is cancelled, Shutdown releases resources.
type App struct {
	cfg config.Config
	log *slog.Logger

	metrics *observe.Metrics
	orch    *session.Orchestrator
	intake  *webhook.Intake
	server  *http.Server

	listener    net.Listener
	observer    sink.Observer
	sessionOpts []session.Option

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithListener serves on ln instead of binding cfg.Server's address.
func WithListener(ln net.Listener) Option {
	return func(a *App) { a.listener = ln }
}

// WithObserver attaches an in-process transcript/speaker observer.
func WithObserver(obs sink.Observer) Option {
	return func(a *App) { a.observer = obs }
}

// WithMetrics injects a Metrics instance instead of initialising the global
// meter provider.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithSessionOptions forwards options to the session orchestrator.
func WithSessionOptions(opts ...session.Option) Option {
	return func(a *App) { a.sessionOpts = append(a.sessionOpts, opts...) }
}

// New creates an App around an already-constructed STT provider. The
// provider comes from main via the config registry.
func New(ctx context.Context, log *slog.Logger, cfg config.Config, provider stt.Provider, opts ...Option) (*App, error) {
	if log == nil {
		log = slog.Default()
	}
	a := &App{cfg: cfg, log: log}
	for _, o := range opts {
		o(a)
	}

	// ── Telemetry ────────────────────────────────────────────────────────
	if a.metrics == nil {
		shutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: serviceName})
		if err != nil {
			return nil, fmt.Errorf("app: init telemetry: %w", err)
		}
		a.closers = append(a.closers, func() error { return shutdown(context.Background()) })
		a.metrics = observe.DefaultMetrics()
	}

	// ── Session orchestrator ─────────────────────────────────────────────
	a.orch = session.New(log, a.metrics, cfg, provider, a.observer, a.sessionOpts...)

	// ── Webhook intake ───────────────────────────────────────────────────
	a.intake = webhook.New(log, a.metrics)
	a.intake.OnAny(a.orch.HandleControlEvent)

	// ── Combined HTTP server ─────────────────────────────────────────────
	// The WebSocket upgrade stays outside the metrics middleware: the
	// middleware's response recorder does not implement http.Hijacker.
	api := http.NewServeMux()
	health.New(serviceName).Register(api)
	a.intake.Register(api)
	api.Handle("GET /metrics", promhttp.Handler())
	wrapped := observe.Middleware(a.metrics)(api)

	root := http.NewServeMux()
	root.HandleFunc("/", a.orch.IngressServer().HandleUpgrade)
	root.Handle("/health", wrapped)
	root.Handle("/webhooks/", wrapped)
	root.Handle("/metrics", wrapped)

	a.server = &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
		Handler:           root,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return a, nil
}

// Addr returns the listen address. When a listener was injected, this is its
// actual bound address.
func (a *App) Addr() string {
	if a.listener != nil {
		return a.listener.Addr().String()
	}
	return a.server.Addr
}

// SessionErr returns the session's fatal error, if any. Non-nil after Run
// means the process should exit non-zero.
func (a *App) SessionErr() error { return a.orch.Err() }

// Session returns the orchestrator, for observing state in tests.
func (a *App) Session() *session.Orchestrator { return a.orch }

// Run serves until the session terminates or ctx is cancelled, whichever
// comes first. An external interrupt drains the session before the server
// stops.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		var err error
		if a.listener != nil {
			err = a.server.Serve(a.listener)
		} else {
			err = a.server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		select {
		case <-ctx.Done():
			a.orch.Teardown("interrupt")
			<-a.orch.Done()
		case <-a.orch.Done():
		}

		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return a.server.Shutdown(shutCtx)
	})

	a.log.Info("app running",
		"addr", a.Addr(), "mode", a.cfg.Mode, "provider", a.cfg.Provider.Name)
	return g.Wait()
}

// Shutdown drains the session (if still live) and runs the closers. It
// respects the context deadline: expired closers are skipped.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.orch.Teardown("shutdown")

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				a.log.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				a.log.Warn("closer error", "index", i, "error", err)
			}
		}
	})
	return shutdownErr
}
