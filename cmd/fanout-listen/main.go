// ABOUTME: Manual testing client that subscribes to entities over the gateway websocket
// ABOUTME: Prints every frame it receives and pings so the session stays active

package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/fatih/color"
)

// entityList collects repeated --entity flags.
type entityList []string

func (e *entityList) String() string { return strings.Join(*e, ",") }

func (e *entityList) Set(v string) error {
	*e = append(*e, v)
	return nil
}

type options struct {
	url      string
	token    string
	userID   string
	entities entityList
	ping     time.Duration
	raw      bool
}

func parseOptions(args []string) (options, error) {
	var opts options
	fs := flag.NewFlagSet("fanout-listen", flag.ContinueOnError)
	fs.StringVar(&opts.url, "url", "ws://127.0.0.1:8080/ws", "gateway websocket URL")
	fs.StringVar(&opts.token, "token", os.Getenv("FANOUT_TOKEN"), "client JWT (default $FANOUT_TOKEN)")
	fs.StringVar(&opts.userID, "user", "", "user id for gateways in dev mode")
	fs.Var(&opts.entities, "entity", "entity to subscribe to, type:id (repeatable)")
	fs.DurationVar(&opts.ping, "ping", 20*time.Second, "interval between ping frames")
	fs.BoolVar(&opts.raw, "raw", false, "print frames as raw JSON")
	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	if opts.token == "" && opts.userID == "" {
		return opts, errors.New("one of --token or --user is required")
	}
	if opts.ping <= 0 {
		return opts, errors.New("--ping must be positive")
	}
	return opts, nil
}

// dialURL adds identity and entities to the websocket URL.
func dialURL(opts options) (string, error) {
	u, err := url.Parse(opts.url)
	if err != nil {
		return "", fmt.Errorf("parsing --url: %w", err)
	}
	q := u.Query()
	if opts.token != "" {
		q.Set("token", opts.token)
	}
	if opts.userID != "" {
		q.Set("user_id", opts.userID)
	}
	if len(opts.entities) > 0 {
		q.Set("entities", opts.entities.String())
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func main() {
	opts, err := parseOptions(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, opts, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts options, out io.Writer) error {
	target, err := dialURL(opts)
	if err != nil {
		return err
	}

	conn, _, err := websocket.Dial(ctx, target, nil)
	if err != nil {
		return fmt.Errorf("connecting: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	go pingLoop(ctx, conn, opts.ping)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil || websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil
			}
			return fmt.Errorf("reading: %w", err)
		}
		printFrame(out, data, opts.raw)
	}
}

func pingLoop(ctx context.Context, conn *websocket.Conn, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := wsjson.Write(ctx, conn, map[string]string{"type": "ping"}); err != nil {
				return
			}
		}
	}
}

// frame covers the fields printFrame shows.
type frame struct {
	Type         string   `json:"type"`
	ConnectionID string   `json:"connection_id"`
	NodeID       string   `json:"node_id"`
	Entity       string   `json:"entity"`
	Entities     []string `json:"entities"`
	Error        string   `json:"error"`
	Message      struct {
		ID       string            `json:"id"`
		Topic    string            `json:"topic"`
		Payload  []byte            `json:"payload"`
		Metadata map[string]string `json:"metadata"`
	} `json:"message"`
}

func printFrame(out io.Writer, data []byte, raw bool) {
	if raw {
		fmt.Fprintln(out, string(data))
		return
	}

	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		fmt.Fprintln(out, string(data))
		return
	}

	stamp := color.HiBlackString(time.Now().Format("15:04:05"))
	switch f.Type {
	case "welcome":
		fmt.Fprintf(out, "%s %s connection=%s node=%s entities=%s\n",
			stamp, color.GreenString("welcome"), f.ConnectionID, f.NodeID, strings.Join(f.Entities, ","))
	case "message":
		fmt.Fprintf(out, "%s %s %s topic=%s id=%s %s\n",
			stamp, color.CyanString("message"), f.Message.Metadata["entity"], f.Message.Topic, f.Message.ID, f.Message.Payload)
	case "error":
		fmt.Fprintf(out, "%s %s %s %s\n", stamp, color.RedString("error"), f.Entity, f.Error)
	case "pong":
		// Keepalive replies are noise.
	default:
		fmt.Fprintf(out, "%s %s %s\n", stamp, f.Type, f.Entity)
	}
}
