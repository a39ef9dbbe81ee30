// ABOUTME: Entry point for the fanout-gateway server
// ABOUTME: serve, init, token, health, and connections commands

package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/fanout-gateway/internal/auth"
	"github.com/2389/fanout-gateway/internal/config"
	"github.com/2389/fanout-gateway/internal/gateway"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
  __                         _
 / _| __ _ _ __   ___  _   _| |_
| |_ / _' | '_ \ / _ \| | | | __|
|  _| (_| | | | | (_) | |_| | |_
|_|  \__,_|_| |_|\___/ \__,_|\__|  gateway
`

// getConfigPath returns the path to the gateway config file.
// Priority: FANOUT_CONFIG env var > XDG_CONFIG_HOME/fanout/gateway.yaml > ~/.config/fanout/gateway.yaml
func getConfigPath() string {
	if envPath := os.Getenv("FANOUT_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "fanout", "gateway.yaml")
}

// getDataPath returns the path to the fanout data directory.
// Priority: XDG_DATA_HOME/fanout > ~/.local/share/fanout
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "fanout")
}

func usage() {
	fmt.Println("Usage: fanout-gateway <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                                  Start the gateway server")
	fmt.Println("  init                                   Write a config file with a fresh JWT secret")
	fmt.Println("  token --user ID [--ttl 24h] [--role R] Issue a client token")
	fmt.Println("  health                                 Check gateway health")
	fmt.Println("  connections [--token T]                List connections held by the gateway")
}

func main() {
	if len(os.Args) < 2 {
		usage()
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
	case "token":
		err = runToken(os.Args[2:], os.Stdout)
	case "health":
		err = runHealth(ctx)
	case "connections":
		err = runConnections(ctx, os.Args[2:])
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging, os.Stdout)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("gRPC:      %s\n", cfg.Server.GRPCAddr)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Directory: %s\n", cfg.Database.Driver)
	green.Print("    ▶ ")
	fmt.Printf("Relay:     %s\n", cfg.Relay.Driver)
	green.Print("    ▶ ")
	fmt.Printf("Policy:    %s (liveness %s)\n", cfg.Fanout.FailurePolicy, cfg.Fanout.LivenessThreshold)

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.HTTPS {
			yellow.Print(" [https]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}
	if cfg.Auth.JWTSecret == "" {
		yellow.Println("    ! auth disabled (dev mode)")
	}

	fmt.Println()

	logger.Info("starting fanout-gateway",
		"config", configPath,
		"grpc_addr", cfg.Server.GRPCAddr,
		"http_addr", cfg.Server.HTTPAddr,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

// runInit writes a starter config with a random JWT secret. It refuses to
// overwrite an existing file.
func runInit() error {
	configPath := getConfigPath()
	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("config already exists at %s", configPath)
	}

	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return fmt.Errorf("generating JWT secret: %w", err)
	}
	secret := base64.StdEncoding.EncodeToString(secretBytes)

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	dataPath := getDataPath()
	if err := os.MkdirAll(dataPath, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	content := starterConfig(filepath.Join(dataPath, "directory.db"), secret)
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Print("✓ ")
	fmt.Printf("Wrote %s\n", configPath)
	fmt.Println("  Issue a token with: fanout-gateway token --user <id> --role publisher")
	return nil
}

func starterConfig(dbPath, secret string) string {
	return fmt.Sprintf(`server:
  grpc_addr: "127.0.0.1:50051"
  http_addr: "127.0.0.1:8080"

database:
  driver: "sqlite"
  path: %q

relay:
  driver: "memory"

fanout:
  liveness_threshold: "60s"
  failure_policy: "drop_group"

auth:
  jwt_secret: %q

logging:
  level: "info"
  format: "text"
`, dbPath, secret)
}

// tokenArgs are the parsed flags of the token command.
type tokenArgs struct {
	user  string
	ttl   time.Duration
	roles []string
}

// parseTokenArgs supports both "--flag value" and "--flag=value".
func parseTokenArgs(args []string) (tokenArgs, error) {
	out := tokenArgs{ttl: 24 * time.Hour}
	for i := 0; i < len(args); i++ {
		name, value, hasValue := strings.Cut(args[i], "=")
		if !hasValue {
			if !strings.HasPrefix(name, "-") {
				return out, fmt.Errorf("unexpected argument: %s", name)
			}
			if i+1 >= len(args) {
				return out, fmt.Errorf("%s requires a value", name)
			}
			value = args[i+1]
			i++
		}

		switch name {
		case "--user", "-u":
			out.user = strings.TrimSpace(value)
		case "--ttl":
			d, err := time.ParseDuration(value)
			if err != nil {
				return out, fmt.Errorf("parsing --ttl: %w", err)
			}
			if d <= 0 {
				return out, errors.New("--ttl must be positive")
			}
			out.ttl = d
		case "--role", "-r":
			switch value {
			case auth.RolePublisher, auth.RoleAdmin:
				out.roles = append(out.roles, value)
			default:
				return out, fmt.Errorf("unknown role %q (want %s or %s)", value, auth.RolePublisher, auth.RoleAdmin)
			}
		default:
			return out, fmt.Errorf("unknown flag: %s", name)
		}
	}

	if out.user == "" {
		return out, errors.New("--user flag is required")
	}
	return out, nil
}

// runToken signs a client token with the configured secret.
func runToken(args []string, w io.Writer) error {
	parsed, err := parseTokenArgs(args)
	if err != nil {
		return err
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is not set; the gateway runs in dev mode and accepts ?user_id=")
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return err
	}
	token, err := verifier.Generate(parsed.user, parsed.ttl, parsed.roles...)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	_, err = fmt.Fprintln(w, token)
	return err
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s/health/ready", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}

func runConnections(ctx context.Context, args []string) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	var token string
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "--token" && i+1 < len(args):
			token = args[i+1]
			i++
		case strings.HasPrefix(args[i], "--token="):
			token = strings.TrimPrefix(args[i], "--token=")
		default:
			return fmt.Errorf("unexpected argument: %s", args[i])
		}
	}
	if token == "" {
		token = os.Getenv("FANOUT_TOKEN")
	}

	url := fmt.Sprintf("http://%s/api/connections", cfg.Server.HTTPAddr)
	if cfg.Auth.JWTSecret == "" {
		url += "?user_id=cli"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("listing connections: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("listing connections: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var list gateway.ConnectionsResponse
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	printConnections(os.Stdout, list)
	return nil
}

func printConnections(w io.Writer, list gateway.ConnectionsResponse) {
	cyan := color.New(color.FgCyan)
	cyan.Fprintf(w, "node %s: %d connection(s)\n", list.NodeID, len(list.Connections))
	for _, c := range list.Connections {
		entities := make([]string, len(c.Entities))
		for i, e := range c.Entities {
			entities[i] = e.String()
		}
		fmt.Fprintf(w, "  %s  user=%s  since=%s  %s\n", c.ID, c.UserID, c.ConnectedAt, strings.Join(entities, ","))
	}
}
