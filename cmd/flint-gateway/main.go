// ABOUTME: Entry point for the flint-gateway server.
// ABOUTME: Subcommands: serve, init, health, threads, version.

package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"text/tabwriter"

	"github.com/fatih/color"

	"github.com/flinthq/flint/internal/channel"
	"github.com/flinthq/flint/internal/client"
	"github.com/flinthq/flint/internal/config"
	"github.com/flinthq/flint/internal/engine"
	"github.com/flinthq/flint/internal/gateway"
	"github.com/flinthq/flint/internal/runtime"
	"github.com/flinthq/flint/internal/slack"
	"github.com/flinthq/flint/internal/store"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
  __ _ _       _
 / _| (_)_ __ | |_
| |_| | | '_ \| __|
|  _| | | | | | |_
|_| |_|_|_| |_|\__|
`

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: flint-gateway <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve      Start the gateway server")
		fmt.Println("  init       Create a new config file interactively")
		fmt.Println("  health     Check gateway health")
		fmt.Println("  threads    List known threads")
		fmt.Println("  version    Print version")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "health":
		err = runHealth(ctx)
	case "threads":
		err = runThreads(ctx)
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadAll() (*config.Config, *config.Settings, string, error) {
	env, err := config.LoadEnv()
	if err != nil {
		return nil, nil, "", err
	}
	configPath := env.ConfigPath()

	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return nil, nil, "", fmt.Errorf("loading config: %w", err)
	}
	settings, err := config.LoadSettings(env.SettingsPath())
	if err != nil {
		return nil, nil, "", fmt.Errorf("loading settings: %w", err)
	}
	if err := env.Apply(cfg, settings); err != nil {
		return nil, nil, "", err
	}
	return cfg, settings, configPath, nil
}

func runServe(ctx context.Context) error {
	cfg, settings, configPath, err := loadAll()
	if err != nil {
		return err
	}

	cyan := color.New(color.FgCyan)
	gray := color.New(color.FgHiBlack)
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	cyan.Print(banner)
	gray.Printf("    version: %s\n\n", version)

	logger := setupLogger(cfg.Logging)
	slog.SetDefault(logger)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	if cfg.Server.HTTPAddr != "" {
		green.Print("    ▶ ")
		fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	}
	green.Print("    ▶ ")
	fmt.Printf("Provider:  %s", settings.DefaultProvider)
	if settings.DefaultModel != "" {
		gray.Printf(" (%s)", settings.DefaultModel)
	}
	fmt.Println()
	green.Print("    ▶ ")
	fmt.Printf("Routing:   %s\n", settings.DefaultRoutingMode)

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Funnel {
			yellow.Print(" [funnel]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}
	if cfg.Slack.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Slack:     /webhooks/slack\n")
	}
	if cfg.Memory.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Memory:    %s\n", cfg.Memory.DBPath)
	}
	if cfg.Metrics.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Metrics:   %s\n", cfg.Metrics.Path)
	}
	fmt.Println()

	logger.Info("starting flint-gateway",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"provider", settings.DefaultProvider,
		"routing_mode", settings.DefaultRoutingMode,
	)

	st := store.NewFileStore(cfg.Store.Path, logger)
	if err := st.Init(); err != nil {
		return fmt.Errorf("initializing thread store: %w", err)
	}

	var mem *runtime.MemoryServer
	if cfg.Memory.Enabled {
		mem = &runtime.MemoryServer{
			Command: cfg.Memory.Command,
			DBPath:  cfg.Memory.DBPath,
		}
	}

	manager := runtime.NewManager(runtime.Options{
		Settings:      settings,
		Inactivity:    cfg.Agents.InactivityTimeout,
		Memory:        mem,
		Logger:        logger,
		ClientVersion: version,
	})

	eng := engine.New(engine.Options{
		Settings:       settings,
		Store:          st,
		Manager:        manager,
		IdempotencyTTL: cfg.Idempotency.TTL,
		Logger:         logger,
	})

	channels := channel.NewRegistry()
	if cfg.Slack.Enabled {
		routingMode := cfg.Slack.DefaultRoutingMode
		if routingMode == "" {
			routingMode = settings.DefaultRoutingMode
		}
		channels.Register("slack", slack.New(slack.Options{
			SigningSecret:      cfg.Slack.SigningSecret,
			BotToken:           cfg.Slack.BotToken,
			DefaultRoutingMode: routingMode,
			Logger:             logger,
		}))
	}

	gw := gateway.New(gateway.Options{
		Config:   cfg,
		Settings: settings,
		Engine:   eng,
		Runtimes: manager,
		Channels: channels,
		Logger:   logger,
	})

	return gw.Run(ctx)
}

// apiBaseURL derives the local API address from the configured listener.
func apiBaseURL(cfg *config.Config) (string, error) {
	addr := cfg.Server.HTTPAddr
	if addr == "" {
		return "", fmt.Errorf("no HTTP listener configured; health checks need server.http_addr")
	}
	if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	}
	return "http://" + addr, nil
}

func apiClient(cfg *config.Config) (*client.Client, error) {
	baseURL, err := apiBaseURL(cfg)
	if err != nil {
		return nil, err
	}
	var opts []client.Option
	if cfg.Auth.Token != "" {
		opts = append(opts, client.WithToken(cfg.Auth.Token))
	}
	return client.New(baseURL, opts...), nil
}

func runHealth(ctx context.Context) error {
	cfg, _, _, err := loadAll()
	if err != nil {
		return err
	}
	c, err := apiClient(cfg)
	if err != nil {
		return err
	}

	h, err := c.Health(ctx)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if !h.OK {
		return fmt.Errorf("gateway reported not ok")
	}
	fmt.Printf("healthy (provider=%s, routing=%s)\n", h.Provider, h.DefaultRoutingMode)
	return nil
}

func runThreads(ctx context.Context) error {
	cfg, _, _, err := loadAll()
	if err != nil {
		return err
	}
	c, err := apiClient(cfg)
	if err != nil {
		return err
	}

	threads, err := c.ListThreads(ctx)
	if err != nil {
		return fmt.Errorf("listing threads: %w", err)
	}
	if len(threads) == 0 {
		fmt.Println("no threads")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "THREAD\tPROVIDER\tMODE\tUPDATED")
	for _, th := range threads {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", th.ThreadID, th.Provider, th.RoutingMode, th.UpdatedAt)
	}
	return w.Flush()
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("flint-gateway configuration setup")
	fmt.Println("=================================")
	fmt.Println()

	defaultConfigPath := config.DefaultConfigPath()
	outputFile := prompt(reader, "Config file path", defaultConfigPath)

	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if !isYes(overwrite) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Println("\n--- Server ---")
	httpAddr := prompt(reader, "HTTP address", ":8788")
	token := prompt(reader, "Bearer token (empty leaves the API open)", generateToken())

	fmt.Println("\n--- Tailscale ---")
	tailscaleEnabled := isYes(prompt(reader, "Enable Tailscale?", "no"))
	var tsHostname, tsAuthKey string
	var tsEphemeral, tsFunnel bool
	if tailscaleEnabled {
		tsHostname = prompt(reader, "Tailscale hostname", "flint")
		tsAuthKey = prompt(reader, "Tailscale auth key (leave empty for interactive)", "")
		tsEphemeral = isYes(prompt(reader, "Ephemeral node?", "no"))
		tsFunnel = isYes(prompt(reader, "Enable Funnel (public HTTPS)?", "no"))
	}

	fmt.Println("\n--- Slack ---")
	slackEnabled := isYes(prompt(reader, "Enable the Slack adapter?", "no"))

	fmt.Println("\n--- Memory ---")
	memoryEnabled := isYes(prompt(reader, "Enable the built-in memory MCP server?", "yes"))

	fmt.Println("\n--- Logging ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	var cfg strings.Builder
	cfg.WriteString("# flint-gateway configuration\n")
	cfg.WriteString("# Generated by flint-gateway init\n\n")

	cfg.WriteString("server:\n")
	fmt.Fprintf(&cfg, "  http_addr: %q\n", httpAddr)
	cfg.WriteString("  shutdown_grace: \"5s\"\n\n")

	cfg.WriteString("auth:\n")
	if token != "" {
		fmt.Fprintf(&cfg, "  token: %q\n\n", token)
	} else {
		cfg.WriteString("  token: \"\"\n\n")
	}

	cfg.WriteString("tailscale:\n")
	fmt.Fprintf(&cfg, "  enabled: %t\n", tailscaleEnabled)
	if tailscaleEnabled {
		fmt.Fprintf(&cfg, "  hostname: %q\n", tsHostname)
		if tsAuthKey != "" {
			fmt.Fprintf(&cfg, "  auth_key: %q\n", tsAuthKey)
		}
		fmt.Fprintf(&cfg, "  ephemeral: %t\n", tsEphemeral)
		fmt.Fprintf(&cfg, "  funnel: %t\n", tsFunnel)
	}
	cfg.WriteString("\n")

	cfg.WriteString("slack:\n")
	fmt.Fprintf(&cfg, "  enabled: %t\n", slackEnabled)
	if slackEnabled {
		cfg.WriteString("  signing_secret: \"${SLACK_SIGNING_SECRET}\"\n")
		cfg.WriteString("  bot_token: \"${SLACK_BOT_TOKEN}\"\n")
	}
	cfg.WriteString("\n")

	cfg.WriteString("memory:\n")
	fmt.Fprintf(&cfg, "  enabled: %t\n\n", memoryEnabled)

	cfg.WriteString("agents:\n")
	cfg.WriteString("  inactivity_timeout: \"120s\"\n\n")

	cfg.WriteString("logging:\n")
	fmt.Fprintf(&cfg, "  level: %q\n", logLevel)
	fmt.Fprintf(&cfg, "  format: %q\n\n", logFormat)

	cfg.WriteString("metrics:\n")
	cfg.WriteString("  enabled: false\n")
	cfg.WriteString("  path: \"/metrics\"\n")

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	if slackEnabled {
		fmt.Println("Set SLACK_SIGNING_SECRET and SLACK_BOT_TOKEN before starting.")
	}
	fmt.Println("\nTo start the server:")
	fmt.Println("  flint-gateway serve")
	return nil
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)
	if input == "" {
		return defaultVal
	}
	return input
}

func isYes(s string) bool {
	s = strings.ToLower(s)
	return s == "yes" || s == "y"
}

func generateToken() string {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	}
	return slog.New(&colorHandler{level: level, out: os.Stdout})
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu    sync.Mutex
	out   *os.File
	level slog.Level
	attrs []slog.Attr
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	var buf strings.Builder

	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	buf.WriteString(r.Message)

	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}
	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})
	buf.WriteString("\n")

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.out.WriteString(buf.String())
	return err
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{level: h.level, out: h.out, attrs: newAttrs}
}

func (h *colorHandler) WithGroup(string) slog.Handler { return h }
