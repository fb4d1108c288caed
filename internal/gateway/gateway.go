// ABOUTME: Gateway construction, route table, listeners, and lifecycle.
// ABOUTME: Serves the HTTP API on TCP and/or tsnet and owns graceful shutdown.

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/flinthq/flint/internal/agent"
	"github.com/flinthq/flint/internal/auth"
	"github.com/flinthq/flint/internal/channel"
	"github.com/flinthq/flint/internal/config"
	"github.com/flinthq/flint/internal/dedupe"
	"github.com/flinthq/flint/internal/engine"
)

// Engine is the slice of the gateway engine the HTTP surface consumes.
// Tests substitute a scripted implementation.
type Engine interface {
	HandleMessage(ctx context.Context, msg engine.InboundMessage, onEvent func(agent.Event)) (engine.Reply, error)
	HandleThreadMessage(ctx context.Context, threadID string, tm engine.ThreadMessage, onEvent func(agent.Event)) (engine.Reply, error)
	InterruptThread(ctx context.Context, threadID string) error
	ListThreads() []engine.PublicThread
	GetThread(threadID string) (engine.PublicThread, error)
}

// RuntimeSet is the runtime-manager slice the gateway needs: a live
// count for the metrics gauge and a terminal close on shutdown.
type RuntimeSet interface {
	Active() int
	CloseAll() error
}

// Options configures New. Config and Settings must be validated before
// they get here; Engine is required.
type Options struct {
	Config   *config.Config
	Settings *config.Settings
	Engine   Engine
	Runtimes RuntimeSet
	Channels *channel.Registry
	Logger   *slog.Logger
}

// Gateway serves the HTTP API and owns the process-facing lifecycle:
// listeners, webhook dispatch, and shutdown of the runtimes behind it.
type Gateway struct {
	cfg      *config.Config
	settings *config.Settings
	engine   Engine
	runtimes RuntimeSet
	channels *channel.Registry
	guard    *auth.Guard
	seen     *dedupe.Window
	metrics  *metrics
	logger   *slog.Logger

	httpServer  *http.Server
	tsnetServer *tsnet.Server
}

func New(opts Options) *Gateway {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	channels := opts.Channels
	if channels == nil {
		channels = channel.NewRegistry()
	}

	var active func() int
	if opts.Runtimes != nil {
		active = opts.Runtimes.Active
	}

	g := &Gateway{
		cfg:      opts.Config,
		settings: opts.Settings,
		engine:   opts.Engine,
		runtimes: opts.Runtimes,
		channels: channels,
		guard:    auth.NewGuard(opts.Config.Auth.Token),
		seen:     dedupe.New(dedupe.DefaultTTL, dedupe.DefaultCapacity),
		metrics:  newMetrics(active),
		logger:   logger.With("component", "gateway"),
	}

	g.httpServer = &http.Server{
		Handler:           g.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return g
}

// routes assembles the mux. Health, webhooks, and metrics stay outside
// the bearer guard; webhook authenticity is the adapter's signature
// check, not ours.
func (g *Gateway) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.Handle("GET /v1/health", g.instrument("/v1/health", http.HandlerFunc(g.handleHealth)))
	mux.Handle("POST /webhooks/{name}", g.instrument("/webhooks/{name}", http.HandlerFunc(g.handleWebhook)))

	guarded := func(pattern, route string, h http.HandlerFunc) {
		mux.Handle(pattern, g.instrument(route, g.guard.Require(h)))
	}
	guarded("GET /v1/threads", "/v1/threads", g.handleListThreads)
	guarded("GET /v1/threads/{id}", "/v1/threads/{id}", g.handleGetThread)
	guarded("POST /v1/threads", "/v1/threads", g.handleCreateTurn)
	guarded("POST /v1/threads/{id}", "/v1/threads/{id}", g.handleThreadTurn)
	guarded("POST /v1/threads/{id}/interrupt", "/v1/threads/{id}/interrupt", g.handleInterrupt)

	if g.cfg.Metrics.Enabled {
		mux.Handle("GET "+g.cfg.Metrics.Path, g.metrics.handler())
	}
	return mux
}

// Handler exposes the assembled mux, mainly for httptest.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// Run starts the configured listeners and blocks until the context is
// canceled or a listener fails. Returns nil on graceful shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	listeners, err := g.setupListeners(ctx)
	if err != nil {
		return err
	}

	errCh := g.startServers(listeners)
	serverErr := g.waitForShutdownSignal(ctx, errCh)

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// setupListeners opens the local TCP listener and/or the tsnet listener.
// Config validation guarantees at least one is configured.
func (g *Gateway) setupListeners(ctx context.Context) ([]net.Listener, error) {
	var listeners []net.Listener

	if g.cfg.Server.HTTPAddr != "" {
		ln, err := net.Listen("tcp", g.cfg.Server.HTTPAddr)
		if err != nil {
			return nil, fmt.Errorf("listening on HTTP address: %w", err)
		}
		listeners = append(listeners, ln)
	}

	if g.cfg.Tailscale.Enabled {
		ln, err := g.setupTailscaleListener(ctx)
		if err != nil {
			closeListeners(listeners)
			return nil, err
		}
		listeners = append(listeners, ln)
	}

	if len(listeners) == 0 {
		return nil, errors.New("no listeners configured: set server.http_addr or enable tailscale")
	}
	return listeners, nil
}

func closeListeners(listeners []net.Listener) {
	for _, ln := range listeners {
		_ = ln.Close()
	}
}

// startServers serves the shared mux on every listener, returning an
// error channel sized so no goroutine blocks on send.
func (g *Gateway) startServers(listeners []net.Listener) chan error {
	errCh := make(chan error, len(listeners))
	for _, ln := range listeners {
		go func() {
			g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
			if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("HTTP server: %w", err)
			}
		}()
	}
	return errCh
}

// waitForShutdownSignal waits for context cancellation or a server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		g.drainErrors(errCh)
		return err
	}
}

// drainErrors drains any remaining errors from the channel.
func (g *Gateway) drainErrors(errCh chan error) {
	select {
	case additionalErr := <-errCh:
		g.logger.Error("additional server error", "error", additionalErr)
	default:
	}
}

// gracefulShutdown performs shutdown with a fresh context and the
// configured grace period. Uses context.Background() intentionally
// since the run context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	grace := g.cfg.Server.ShutdownGrace
	if grace <= 0 {
		grace = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	return g.Shutdown(ctx)
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown drains HTTP, closes the tailnet node if one is up, and tears
// down every agent runtime. Safe to call once after Run returns its
// listeners; Run calls it itself on cancellation.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	if g.runtimes != nil {
		errs = appendCloseError(errs, "closing runtimes", g.runtimes.CloseAll())
	}
	g.seen.Close()

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// resolveTailscaleStateDir returns the state directory, using the
// default under the user's data dir if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "flint", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable (get one at https://login.tailscale.com/admin/settings/keys)")
	}
	return authKey, nil
}

// setupTailscaleListener brings up the tsnet node and returns the HTTP
// listener: public HTTPS via funnel when configured, plain tailnet :80
// otherwise.
func (g *Gateway) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := g.cfg.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	if tsCfg.Funnel {
		g.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		ln, err := g.tsnetServer.ListenFunnel("tcp", ":443")
		if err != nil {
			_ = g.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale funnel port: %w", err)
		}
		return ln, nil
	}

	ln, err := g.tsnetServer.Listen("tcp", ":80")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
	}
	return ln, nil
}

// logTailscaleStatus logs info about the tailscale node status.
func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}
