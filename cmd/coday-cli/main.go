// ABOUTME: Terminal client for coday-gateway over the session websocket
// ABOUTME: Reads lines from stdin, sends them as message frames and prints streamed events

package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/fatih/color"
	"github.com/google/uuid"

	"github.com/biznet-io/coday/internal/events"
)

// frame is an inbound websocket message understood by the gateway.
type frame struct {
	Type           string `json:"type"`
	Content        string `json:"content,omitempty"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

// getToken returns the bearer token from CODAY_TOKEN or the token file next
// to the config.
func getToken() string {
	if token := os.Getenv("CODAY_TOKEN"); token != "" {
		return token
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		configDir = filepath.Join(home, ".config")
	}
	data, err := os.ReadFile(filepath.Join(configDir, "coday", "token"))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func main() {
	server := flag.String("server", "http://127.0.0.1:3000", "Gateway server URL")
	clientID := flag.String("client", "", "Client id; reuse one to resume a session")
	flag.Parse()

	id := *clientID
	if id == "" {
		id = uuid.NewString()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	c := &client{server: strings.TrimRight(*server, "/"), clientID: id, token: getToken(), http: http.DefaultClient, out: os.Stdout}

	fmt.Printf("coday-cli connected to %s as client %s\n", c.server, id)
	if c.token == "" {
		color.New(color.FgHiBlack).Println("Auth: none (set CODAY_TOKEN for authentication)")
	}
	fmt.Println("Type a message and press Enter. /help for commands. Ctrl+C to quit.")
	fmt.Println()

	if err := c.run(ctx, os.Stdin); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("\nGoodbye!")
}

type client struct {
	server   string
	clientID string
	token    string
	http     *http.Client
	out      io.Writer
}

func (c *client) wsURL() string {
	u := c.server
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/api/ws?clientId=" + url.QueryEscape(c.clientID)
}

func (c *client) run(ctx context.Context, in io.Reader) error {
	opts := &websocket.DialOptions{HTTPHeader: http.Header{}}
	if c.token != "" {
		opts.HTTPHeader.Set("Authorization", "Bearer "+c.token)
	}
	ws, _, err := websocket.Dial(ctx, c.wsURL(), opts)
	if err != nil {
		return fmt.Errorf("connecting: %w", err)
	}
	defer ws.CloseNow()

	readErr := make(chan error, 1)
	go func() {
		readErr <- c.readEvents(ctx, ws)
	}()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			_ = ws.Close(websocket.StatusNormalClosure, "bye")
			return nil
		case err := <-readErr:
			if err == nil || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		case line, ok := <-lines:
			if !ok {
				_ = ws.Close(websocket.StatusNormalClosure, "bye")
				return nil
			}
			quit, err := c.handleLine(ctx, ws, strings.TrimSpace(line))
			if err != nil {
				color.New(color.FgRed).Fprintf(c.out, "[error] %v\n", err)
			}
			if quit {
				_ = ws.Close(websocket.StatusNormalClosure, "bye")
				return nil
			}
		}
	}
}

func (c *client) readEvents(ctx context.Context, ws *websocket.Conn) error {
	for {
		var e events.Event
		if err := wsjson.Read(ctx, ws, &e); err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil
			}
			return fmt.Errorf("reading events: %w", err)
		}
		render(c.out, e)
	}
}

// handleLine runs a slash command or sends the line as a message. It
// reports whether the client should exit.
func (c *client) handleLine(ctx context.Context, ws *websocket.Conn, line string) (bool, error) {
	if line == "" {
		return false, nil
	}

	cmd, arg, _ := strings.Cut(line, " ")
	switch cmd {
	case "/quit", "/exit", "/q":
		return true, nil
	case "/help":
		printHelp(c.out)
		return false, nil
	case "/stop":
		return false, wsjson.Write(ctx, ws, frame{Type: "stop"})
	case "/threads":
		return false, c.listThreads(ctx)
	case "/select":
		return false, c.selectThread(ctx, strings.TrimSpace(arg))
	case "/usage":
		return false, c.showUsage(ctx)
	}

	if strings.HasPrefix(line, "/") {
		return false, fmt.Errorf("unknown command %s, try /help", cmd)
	}
	return false, wsjson.Write(ctx, ws, frame{Type: "message", Content: line, IdempotencyKey: uuid.NewString()})
}

func printHelp(w io.Writer) {
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  /threads       List your saved threads")
	fmt.Fprintln(w, "  /select <id>   Make a thread the active one")
	fmt.Fprintln(w, "  /stop          Stop the running agent")
	fmt.Fprintln(w, "  /usage         Show your token usage and cost")
	fmt.Fprintln(w, "  /help          Show this help")
	fmt.Fprintln(w, "  /quit          Exit")
}
