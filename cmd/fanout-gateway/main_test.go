// ABOUTME: Tests for the gateway binary's config path resolution, flags, init config, and logging
// ABOUTME: Exercises command helpers directly without starting a server

package main

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/fanout-gateway/internal/auth"
	"github.com/2389/fanout-gateway/internal/config"
	"github.com/2389/fanout-gateway/internal/connection"
	"github.com/2389/fanout-gateway/internal/fanout"
	"github.com/2389/fanout-gateway/internal/gateway"
)

func TestGetConfigPath(t *testing.T) {
	t.Run("env override", func(t *testing.T) {
		t.Setenv("FANOUT_CONFIG", "/etc/fanout.yaml")
		assert.Equal(t, "/etc/fanout.yaml", getConfigPath())
	})

	t.Run("xdg config home", func(t *testing.T) {
		t.Setenv("FANOUT_CONFIG", "")
		t.Setenv("XDG_CONFIG_HOME", "/xdg")
		assert.Equal(t, filepath.Join("/xdg", "fanout", "gateway.yaml"), getConfigPath())
	})

	t.Run("home fallback", func(t *testing.T) {
		t.Setenv("FANOUT_CONFIG", "")
		t.Setenv("XDG_CONFIG_HOME", "")
		t.Setenv("HOME", "/home/op")
		assert.Equal(t, filepath.Join("/home/op", ".config", "fanout", "gateway.yaml"), getConfigPath())
	})
}

func TestGetDataPath(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", "/data")
	assert.Equal(t, filepath.Join("/data", "fanout"), getDataPath())
}

func TestParseTokenArgs(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    tokenArgs
		wantErr string
	}{
		{"user only", []string{"--user", "alice"}, tokenArgs{user: "alice", ttl: 24 * time.Hour}, ""},
		{"equals form", []string{"--user=alice", "--ttl=1h"}, tokenArgs{user: "alice", ttl: time.Hour}, ""},
		{"roles", []string{"-u", "svc", "--role", "publisher", "-r=admin"}, tokenArgs{user: "svc", ttl: 24 * time.Hour, roles: []string{"publisher", "admin"}}, ""},
		{"missing user", []string{"--ttl", "1h"}, tokenArgs{}, "--user flag is required"},
		{"blank user", []string{"--user", "  "}, tokenArgs{}, "--user flag is required"},
		{"missing value", []string{"--user"}, tokenArgs{}, "requires a value"},
		{"bad ttl", []string{"--user", "a", "--ttl", "forever"}, tokenArgs{}, "parsing --ttl"},
		{"negative ttl", []string{"--user", "a", "--ttl", "-1h"}, tokenArgs{}, "must be positive"},
		{"bad role", []string{"--user", "a", "--role", "root"}, tokenArgs{}, "unknown role"},
		{"unknown flag", []string{"--user", "a", "--color", "red"}, tokenArgs{}, "unknown flag"},
		{"positional", []string{"alice"}, tokenArgs{}, "unexpected argument"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseTokenArgs(tt.args)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStarterConfig_Loads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	secret := strings.Repeat("k", 44)
	require.NoError(t, os.WriteFile(path, []byte(starterConfig("/var/lib/fanout/directory.db", secret)), 0600))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/fanout/directory.db", cfg.Database.Path)
	assert.Equal(t, secret, cfg.Auth.JWTSecret)
	assert.Equal(t, config.RelayMemory, cfg.Relay.Driver)
}

func TestRunInit_RefusesOverwrite(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("FANOUT_CONFIG", filepath.Join(dir, "fanout", "gateway.yaml"))
	t.Setenv("XDG_DATA_HOME", filepath.Join(dir, "data"))

	require.NoError(t, runInit())
	cfg, err := config.Load(getConfigPath())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(cfg.Auth.JWTSecret), auth.MinSecretLength)

	err = runInit()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}

func TestRunToken(t *testing.T) {
	dir := t.TempDir()
	secret := strings.Repeat("s", 32)
	path := filepath.Join(dir, "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte(starterConfig(filepath.Join(dir, "d.db"), secret)), 0600))
	t.Setenv("FANOUT_CONFIG", path)

	var out bytes.Buffer
	require.NoError(t, runToken([]string{"--user", "alice", "--role", "publisher"}, &out))

	verifier, err := auth.NewJWTVerifier([]byte(secret))
	require.NoError(t, err)
	claims, err := verifier.Verify(strings.TrimSpace(out.String()))
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.UserID)
	assert.True(t, claims.HasRole(auth.RolePublisher))
	assert.False(t, claims.HasRole(auth.RoleAdmin))
}

func TestRunToken_DevMode(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  grpc_addr: \":1\"\n  http_addr: \":2\"\ndatabase:\n  path: x.db\n"), 0600))
	t.Setenv("FANOUT_CONFIG", path)

	err := runToken([]string{"--user", "alice"}, &bytes.Buffer{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dev mode")
}

func keepDefaultLogger(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })
}

func TestSetupLogger_JSON(t *testing.T) {
	keepDefaultLogger(t)
	var buf bytes.Buffer
	logger := setupLogger(config.LoggingConfig{Level: "warn", Format: "json"}, &buf)

	logger.Info("hidden")
	logger.Warn("shown", "component", "test")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	assert.Equal(t, "shown", rec["msg"])
	assert.Equal(t, "test", rec["component"])
}

func TestColorHandler(t *testing.T) {
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = false })
	keepDefaultLogger(t)

	var buf bytes.Buffer
	logger := setupLogger(config.LoggingConfig{Level: "debug", Format: "text"}, &buf)

	logger.With("node_id", "n1").WithGroup("req").Debug("hello", "id", 7)

	line := buf.String()
	assert.Contains(t, line, "DBG hello")
	assert.Contains(t, line, " node_id=n1")
	assert.Contains(t, line, " req.id=7")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("debug"))
	assert.Equal(t, slog.LevelError, parseLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLevel("nonsense"))
}

func TestPrintConnections(t *testing.T) {
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = false })

	var buf bytes.Buffer
	printConnections(&buf, gateway.ConnectionsResponse{
		NodeID: "node-a",
		Connections: []connection.Info{{
			ID:          "c1",
			UserID:      "alice",
			ConnectedAt: "2026-01-01T00:00:00Z",
			Entities:    []fanout.Entity{{Type: fanout.EntityChannel, ID: "general"}},
		}},
	})

	out := buf.String()
	assert.Contains(t, out, "node node-a: 1 connection(s)")
	assert.Contains(t, out, "c1  user=alice")
	assert.Contains(t, out, "channel:general")
}
