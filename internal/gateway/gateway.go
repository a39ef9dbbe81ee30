// ABOUTME: Gateway orchestrator that coordinates the gRPC and HTTP servers
// ABOUTME: Wires the entity directory, connection table, relay, and fanout engine together

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"tailscale.com/tsnet"

	"github.com/2389/fanout-gateway/internal/auth"
	"github.com/2389/fanout-gateway/internal/config"
	"github.com/2389/fanout-gateway/internal/connection"
	"github.com/2389/fanout-gateway/internal/dedupe"
	"github.com/2389/fanout-gateway/internal/fanout"
	"github.com/2389/fanout-gateway/internal/relay"
	"github.com/2389/fanout-gateway/internal/store"
)

// dedupeMaxEntries bounds the relay dedupe cache.
const dedupeMaxEntries = 100_000

// Gateway orchestrates the fanout-gateway server components.
// It holds client websocket sessions, serves the delivery API, and consumes
// relayed envelopes for the connections it holds.
type Gateway struct {
	config *config.Config
	nodeID string
	logger *slog.Logger

	directory    store.Directory
	table        *connection.Table
	bridge       relay.Bridge
	listener     *relay.Listener
	seen         *dedupe.Cache
	orchestrator *fanout.Orchestrator
	authn        *auth.Authenticator

	grpcServer   *grpc.Server
	healthServer *health.Server
	httpServer   *http.Server
	tsnetServer  *tsnet.Server

	ready        atomic.Bool
	cancelBg     context.CancelFunc
	bg           sync.WaitGroup
	shutdownOnce sync.Once
	shutdownErr  error
}

// Option customizes a Gateway. Options exist so several gateways can share
// a directory and relay in one process.
type Option func(*options)

type options struct {
	directory store.Directory
	bridge    relay.Bridge
}

// WithDirectory uses d instead of opening the configured database.
// The gateway takes ownership and closes it on shutdown.
func WithDirectory(d store.Directory) Option {
	return func(o *options) { o.directory = d }
}

// WithBridge uses b instead of the configured relay driver.
// The gateway takes ownership and closes it on shutdown.
func WithBridge(b relay.Bridge) Option {
	return func(o *options) { o.bridge = b }
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	nodeID := cfg.Node.ID
	if nodeID == "" {
		nodeID = generateNodeID()
	}
	logger = logger.With("node_id", nodeID)

	directory := o.directory
	if directory == nil {
		var err error
		directory, err = initDirectory(cfg)
		if err != nil {
			return nil, err
		}
	}

	bridge := o.bridge
	if bridge == nil {
		var err error
		bridge, err = initBridge(cfg, nodeID, logger)
		if err != nil {
			_ = directory.Close()
			return nil, err
		}
	}

	authn, err := initAuthenticator(cfg, logger)
	if err != nil {
		_ = bridge.Close()
		_ = directory.Close()
		return nil, err
	}

	table := connection.NewTable(logger.With("component", "connections"))
	seen := dedupe.New(cfg.Relay.DedupeTTL, dedupeMaxEntries, time.Minute)
	listener := relay.NewListener(bridge, table, seen, logger)

	gw := &Gateway{
		config:    cfg,
		nodeID:    nodeID,
		logger:    logger.With("component", "gateway"),
		directory: directory,
		table:     table,
		bridge:    bridge,
		listener:  listener,
		seen:      seen,
		authn:     authn,
		orchestrator: fanout.New(fanout.Config{
			Directory:      directory,
			Local:          table,
			Relay:          bridge,
			Liveness:       fanout.NewLivenessPolicy(cfg.Fanout.LivenessThreshold),
			Policy:         fanout.FailurePolicy(cfg.Fanout.FailurePolicy),
			MaxConcurrency: cfg.Fanout.MaxConcurrency,
			Logger:         logger,
		}),
	}

	// Directory rows go before the relay binding so nothing new is routed
	// to a connection that is already leaving.
	table.OnUnregister(gw.forgetConnection)
	listener.Attach(table)

	gw.grpcServer, gw.healthServer = newGRPCServer(logger)

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// initDirectory opens the configured entity directory.
func initDirectory(cfg *config.Config) (store.Directory, error) {
	switch cfg.Database.Driver {
	case config.DriverPostgres:
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		d, err := store.NewPostgresDirectory(ctx, cfg.Database.DSN)
		if err != nil {
			return nil, fmt.Errorf("initializing directory: %w", err)
		}
		return d, nil
	default:
		d, err := store.NewSQLiteDirectory(cfg.Database.Path)
		if err != nil {
			return nil, fmt.Errorf("initializing directory: %w", err)
		}
		return d, nil
	}
}

// initBridge creates the configured relay driver.
func initBridge(cfg *config.Config, nodeID string, logger *slog.Logger) (relay.Bridge, error) {
	switch cfg.Relay.Driver {
	case config.RelayRabbitMQ:
		b, err := relay.NewRabbitMQBridge(relay.RabbitMQConfig{
			URL:      cfg.Relay.RabbitMQ.URL,
			Exchange: cfg.Relay.RabbitMQ.Exchange,
			NodeID:   nodeID,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("initializing rabbitmq relay: %w", err)
		}
		return b, nil
	case config.RelayKafka:
		b, err := relay.NewKafkaBridge(relay.KafkaConfig{
			Brokers: cfg.Relay.Kafka.Brokers,
			Topic:   cfg.Relay.Kafka.Topic,
			NodeID:  nodeID,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("initializing kafka relay: %w", err)
		}
		return b, nil
	default:
		logger.Info("using in-process relay; connections on other nodes are unreachable")
		return relay.NewMemoryHub(logger).Node(nodeID, cfg.Relay.Buffer), nil
	}
}

// initAuthenticator builds the HTTP authenticator, in dev mode when no
// secret is configured.
func initAuthenticator(cfg *config.Config, logger *slog.Logger) (*auth.Authenticator, error) {
	if cfg.Auth.JWTSecret == "" {
		logger.Warn("auth disabled - no jwt_secret configured, trusting ?user_id=")
		return auth.NewAuthenticator(nil, logger), nil
	}
	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return nil, fmt.Errorf("creating JWT verifier: %w", err)
	}
	return auth.NewAuthenticator(verifier, logger), nil
}

// NodeID returns this gateway's identity in the fleet.
func (g *Gateway) NodeID() string {
	return g.nodeID
}

// Orchestrator exposes the fanout engine for in-process publishers.
func (g *Gateway) Orchestrator() *fanout.Orchestrator {
	return g.orchestrator
}

// Handler returns the HTTP handler serving the websocket endpoint and API.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// Start clears rows a previous run of this node left behind and begins
// consuming the relay and sweeping the directory. Run calls it; tests that
// serve Handler directly call it themselves.
func (g *Gateway) Start(ctx context.Context) error {
	if n, err := g.directory.RemoveNode(ctx, g.nodeID); err != nil {
		return fmt.Errorf("clearing previous subscriptions: %w", err)
	} else if n > 0 {
		g.logger.Info("cleared subscriptions from a previous run", "count", n)
	}

	if err := g.listener.Start(ctx); err != nil {
		return fmt.Errorf("starting relay listener: %w", err)
	}

	bgCtx, cancel := context.WithCancel(ctx)
	g.cancelBg = cancel
	g.bg.Add(1)
	go func() {
		defer g.bg.Done()
		g.runSweeper(bgCtx)
	}()

	g.ready.Store(true)
	g.healthServer.Resume()
	return nil
}

// setupTCPListeners creates standard TCP listeners for gRPC and HTTP.
func (g *Gateway) setupTCPListeners() (grpcLn, httpLn net.Listener, err error) {
	g.logger.Info("starting gateway",
		"grpc_addr", g.config.Server.GRPCAddr,
		"http_addr", g.config.Server.HTTPAddr,
	)

	grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
	}

	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		_ = grpcLn.Close()
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	return grpcLn, httpLn, nil
}

// setupListeners creates listeners based on configuration (Tailscale or TCP).
func (g *Gateway) setupListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	if g.config.Tailscale.Enabled {
		g.warnIgnoredAddresses()
		return g.setupTailscaleListeners(ctx)
	}
	return g.setupTCPListeners()
}

// startServers starts gRPC and HTTP servers in goroutines, returning error channel.
func (g *Gateway) startServers(grpcLn, httpLn net.Listener) chan error {
	errCh := make(chan error, 2)

	go func() {
		g.logger.Info("gRPC server listening", "addr", grpcLn.Addr().String())
		if err := g.grpcServer.Serve(grpcLn); err != nil {
			errCh <- fmt.Errorf("gRPC server: %w", err)
		}
	}()

	go func() {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

// waitForShutdownSignal waits for context cancellation or server error.
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

// Run starts the gateway servers and blocks until the context is canceled.
// Returns nil on graceful shutdown (context canceled), or an error if a server fails.
func (g *Gateway) Run(ctx context.Context) error {
	if err := g.Start(ctx); err != nil {
		_ = g.gracefulShutdown()
		return err
	}

	grpcListener, httpListener, err := g.setupListeners(ctx)
	if err != nil {
		_ = g.gracefulShutdown()
		return err
	}

	errCh := g.startServers(grpcListener, httpListener)
	serverErr := g.waitForShutdownSignal(ctx, errCh)

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
	g.healthServer.Shutdown()

	stopped := make(chan struct{})
	go func() {
		g.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		g.grpcServer.Stop()
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown gracefully stops all gateway servers and releases resources.
// Clients are disconnected before the relay closes so their directory rows
// and bindings are removed while both are still usable. Safe to call more
// than once.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.shutdownOnce.Do(func() {
		g.shutdownErr = g.shutdown(ctx)
	})
	return g.shutdownErr
}

func (g *Gateway) shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")
	g.ready.Store(false)

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
	g.shutdownGRPCServer(ctx)

	g.table.CloseAll("gateway shutting down")

	if g.cancelBg != nil {
		g.cancelBg()
	}
	g.bg.Wait()

	errs = appendCloseError(errs, "relay close", g.bridge.Close())

	if _, err := g.directory.RemoveNode(ctx, g.nodeID); err != nil {
		errs = appendCloseError(errs, "directory cleanup", err)
	}
	errs = appendCloseError(errs, "directory close", g.directory.Close())
	g.seen.Close()

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}

	return errors.Join(errs...)
}

// forgetConnection removes a departing connection's directory rows.
func (g *Gateway) forgetConnection(c *connection.Connection) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := g.directory.RemoveConnection(ctx, c.ID); err != nil {
		g.logger.Error("removing connection from directory", "connection_id", c.ID, "error", err)
	}
}

// generateNodeID creates a unique identifier for this gateway instance.
func generateNodeID() string {
	return "fanout-" + uuid.NewString()[:8]
}
