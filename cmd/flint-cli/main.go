// ABOUTME: Terminal chat client for flint-gateway over the HTTP API.
// ABOUTME: Readline-style input with SSE streaming output and slash commands.

package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/flinthq/flint/internal/agent"
	"github.com/flinthq/flint/internal/client"
	"github.com/flinthq/flint/internal/engine"
)

// Version is set by goreleaser at build time.
var version = "dev"

var (
	dim    = color.New(color.FgHiBlack)
	yellow = color.New(color.FgYellow)
	green  = color.New(color.FgGreen)
	red    = color.New(color.FgRed)
)

func main() {
	var (
		configPath  = flag.String("config", defaultConfigPath(), "path to cli.toml")
		server      = flag.String("server", "", "gateway base URL (overrides config)")
		channel     = flag.String("channel", "", "channel name for messages (overrides config)")
		user        = flag.String("user", "", "user id for messages (overrides config)")
		thread      = flag.String("thread", "", "pin to a thread id (overrides config)")
		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	baseURL := firstOf(*server, cfg.Server.URL, "http://127.0.0.1:8788")
	token := resolveToken(cfg)

	s := &session{
		client:  newClient(baseURL, token),
		channel: firstOf(*channel, cfg.Defaults.Channel, "cli"),
		user:    firstOf(*user, cfg.Defaults.User, os.Getenv("USER"), "cli-user"),
		thread:  firstOf(*thread, cfg.Defaults.Thread),
	}

	fmt.Printf("flint-cli connected to %s\n", baseURL)
	if token != "" {
		fmt.Println("Auth: bearer token configured")
	} else {
		fmt.Println("Auth: none (set FLINT_TOKEN or server.token in cli.toml)")
	}
	fmt.Println("Type a message and press Enter. /help for commands. Ctrl+C to quit.")
	fmt.Println()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := s.run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("\nGoodbye!")
}

// firstOf returns the first non-empty value.
func firstOf(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// resolveToken prefers FLINT_TOKEN over the config file so tokens can stay
// out of files entirely.
func resolveToken(cfg cliConfig) string {
	if token := os.Getenv("FLINT_TOKEN"); token != "" {
		return token
	}
	return cfg.Server.Token
}

func newClient(baseURL, token string) *client.Client {
	opts := []client.Option{}
	if token != "" {
		opts = append(opts, client.WithToken(token))
	}
	return client.New(baseURL, opts...)
}

// session holds the interactive state: the pinned thread (if any) and the
// last thread a reply came back on, which /interrupt falls back to.
type session struct {
	client  *client.Client
	channel string
	user    string
	thread  string

	lastThread string
}

func (s *session) run(ctx context.Context) error {
	scanner := bufio.NewScanner(os.Stdin)

	for {
		if s.thread != "" {
			fmt.Printf("[%s]> ", s.thread)
		} else {
			fmt.Print("> ")
		}

		// Read input with context awareness
		inputCh := make(chan string, 1)
		errCh := make(chan error, 1)

		go func() {
			if scanner.Scan() {
				inputCh <- scanner.Text()
			} else {
				if err := scanner.Err(); err != nil {
					errCh <- err
				} else {
					errCh <- io.EOF
				}
			}
		}()

		var input string
		select {
		case <-ctx.Done():
			return nil
		case err := <-errCh:
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("reading input: %w", err)
		case input = <-inputCh:
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}

		if input == "/quit" || input == "/exit" || input == "/q" {
			return nil
		}

		if input == "/threads" {
			if err := s.listThreads(ctx); err != nil {
				red.Printf("[error] %v\n", err)
			}
			fmt.Println()
			continue
		}

		if strings.HasPrefix(input, "/thread") {
			args := strings.TrimSpace(strings.TrimPrefix(input, "/thread"))
			if args == "" {
				s.thread = ""
				fmt.Println("Cleared thread pin, routing by channel/user")
			} else {
				s.thread = args
				fmt.Printf("Now talking on %s\n", s.thread)
			}
			fmt.Println()
			continue
		}

		if input == "/interrupt" {
			if err := s.interrupt(ctx); err != nil {
				red.Printf("[error] %v\n", err)
			}
			fmt.Println()
			continue
		}

		if input == "/help" {
			printHelp()
			fmt.Println()
			continue
		}

		if err := s.send(ctx, input); err != nil {
			red.Printf("[error] %v\n", err)
		}
		fmt.Println()
	}
}

func printHelp() {
	fmt.Println("Commands:")
	fmt.Println("  /threads       List gateway threads")
	fmt.Println("  /thread <id>   Pin messages to a thread id")
	fmt.Println("  /thread        Clear the pin, route by channel/user")
	fmt.Println("  /interrupt     Interrupt the pinned (or last used) thread")
	fmt.Println("  /help          Show this help")
	fmt.Println("  /quit          Exit")
}

// send posts one message and streams the agent's events until the turn
// settles. Thread routing: the pinned thread when set, otherwise the
// channel/user identity picks the thread on the gateway side.
func (s *session) send(ctx context.Context, text string) error {
	var (
		reply *engine.Reply
		err   error
	)
	start := time.Now()

	if s.thread != "" {
		reply, err = s.client.StreamToThread(ctx, s.thread, engine.ThreadMessage{Text: text}, renderEvent)
	} else {
		reply, err = s.client.Stream(ctx, engine.InboundMessage{
			Channel: s.channel,
			UserID:  s.user,
			Text:    text,
		}, renderEvent)
	}
	if err != nil {
		var turnErr *client.TurnError
		if errors.As(err, &turnErr) {
			red.Printf("[turn failed] %s\n", turnErr.Message)
			return nil
		}
		return err
	}

	s.lastThread = reply.ThreadID
	dim.Printf("thread %s · %s · %.1fs\n", reply.ThreadID, reply.Provider, time.Since(start).Seconds())
	return nil
}

// renderEvent prints one streamed event. Text flows raw; everything else is
// a colored marker so the reply stays readable.
func renderEvent(ev agent.Event) {
	switch ev.Type {
	case agent.EventText:
		fmt.Print(ev.Delta)

	case agent.EventReasoning:
		dim.Print(ev.Delta)

	case agent.EventToolStart:
		detail := toolDetail(ev.Input)
		if detail != "" {
			yellow.Printf("\n[%s] %s\n", ev.Name, detail)
		} else {
			yellow.Printf("\n[%s]\n", ev.Name)
		}

	case agent.EventToolEnd:
		if ev.IsError {
			red.Printf("[tool error] %s\n", truncate(fmt.Sprintf("%v", ev.Result), 100))
		} else {
			green.Println("[tool done]")
		}

	case agent.EventActivity:
		dim.Println("[approval requested]")

	case agent.EventDone:
		fmt.Println()
		if ev.Usage != nil && (ev.Usage.InputTokens > 0 || ev.Usage.OutputTokens > 0) {
			dim.Printf("(tokens: %d in, %d out)\n", ev.Usage.InputTokens, ev.Usage.OutputTokens)
		}

	case agent.EventError:
		red.Printf("\n[error] %s\n", ev.Message)
	}
}

// toolDetail pulls the most recognizable argument out of a tool input.
func toolDetail(input map[string]any) string {
	for _, key := range []string{"command", "file_path", "query"} {
		if v, ok := input[key].(string); ok && v != "" {
			return truncate(v, 80)
		}
	}
	return ""
}

func (s *session) listThreads(ctx context.Context) error {
	threads, err := s.client.ListThreads(ctx)
	if err != nil {
		return err
	}
	if len(threads) == 0 {
		fmt.Println("No threads yet")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "THREAD\tPROVIDER\tMODE\tUPDATED")
	for _, t := range threads {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", t.ThreadID, t.Provider, t.RoutingMode, t.UpdatedAt)
	}
	return w.Flush()
}

func (s *session) interrupt(ctx context.Context) error {
	target := firstOf(s.thread, s.lastThread)
	if target == "" {
		return fmt.Errorf("no thread to interrupt; send a message or /thread <id> first")
	}
	res, err := s.client.Interrupt(ctx, target)
	if err != nil {
		return err
	}
	if res.Interrupted {
		yellow.Printf("interrupted %s\n", res.ThreadID)
	} else {
		fmt.Printf("nothing running on %s\n", res.ThreadID)
	}
	return nil
}

// truncate shortens a string to maxLen, adding "..." if truncated.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
