// ABOUTME: Gateway orchestrator that coordinates the HTTP and gRPC health servers
// ABOUTME: Owns listeners (TCP or tailscale) and the shutdown of sessions, usage and store

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"tailscale.com/tsnet"

	"github.com/biznet-io/coday/internal/agent"
	"github.com/biznet-io/coday/internal/auth"
	"github.com/biznet-io/coday/internal/config"
	"github.com/biznet-io/coday/internal/dedupe"
	"github.com/biznet-io/coday/internal/session"
	"github.com/biznet-io/coday/internal/store"
)

const (
	shutdownTimeout   = 5 * time.Second
	readHeaderTimeout = 10 * time.Second
	// limiterIdleTTL is how long an unused ingress limiter is kept.
	limiterIdleTTL = 10 * time.Minute
)

// UsageCloser flushes buffered usage records on shutdown.
type UsageCloser interface {
	Close(ctx context.Context) error
}

// Options wires the gateway to the rest of the process.
type Options struct {
	Config   *config.Config
	Sessions *session.Manager
	Catalog  *agent.Catalog
	Store    store.Store
	Usage    UsageCloser
	// Verifier authenticates /api requests. Nil runs every request as the
	// anonymous user.
	Verifier auth.TokenVerifier
	Logger   *slog.Logger
}

// Gateway serves the session API over HTTP and a health service over gRPC.
type Gateway struct {
	config   *config.Config
	sessions *session.Manager
	catalog  *agent.Catalog
	store    store.Store
	usage    UsageCloser
	logger   *slog.Logger

	dedupe  *dedupe.Cache
	ingress *ingressLimiter
	handler http.Handler

	httpServer *http.Server
	grpcServer *grpc.Server
	health     *health.Server
	tailnet    *tsnet.Server
}

// New creates a Gateway. Sessions, Catalog and Store are required.
func New(opts Options) (*Gateway, error) {
	if opts.Sessions == nil || opts.Catalog == nil || opts.Store == nil {
		return nil, errors.New("gateway: sessions, catalog and store are required")
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = &config.Config{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	g := &Gateway{
		config:   cfg,
		sessions: opts.Sessions,
		catalog:  opts.Catalog,
		store:    opts.Store,
		usage:    opts.Usage,
		logger:   logger.With("component", "gateway"),
		dedupe:   dedupe.New(cfg.Ingress.DedupeTTL, cfg.Ingress.DedupeMaxSize),
		ingress:  newIngressLimiter(cfg.Ingress.RatePerSecond, cfg.Ingress.Burst),
	}

	if opts.Verifier == nil {
		g.logger.Warn("HTTP auth disabled - no jwt_secret configured")
	} else {
		g.logger.Info("HTTP auth middleware enabled")
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)

	api := http.NewServeMux()
	api.HandleFunc("GET /api/events", g.handleEvents)
	api.HandleFunc("GET /api/ws", g.handleWebSocket)
	api.HandleFunc("POST /api/message", g.handleMessage)
	api.HandleFunc("POST /api/stop", g.handleStop)
	api.HandleFunc("DELETE /api/session", g.handleDeleteSession)
	api.HandleFunc("GET /api/threads", g.handleListThreads)
	api.HandleFunc("POST /api/threads/select", g.handleSelectThread)
	api.HandleFunc("GET /api/usage", g.handleUsage)
	mux.Handle("/api/", auth.Middleware(opts.Verifier, logger)(api))

	g.handler = mux
	g.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	if cfg.GRPC.Enabled {
		g.grpcServer, g.health = newHealthServer()
	}

	return g, nil
}

// Handler returns the HTTP handler, for tests and embedding.
func (g *Gateway) Handler() http.Handler {
	return g.handler
}

// Run starts the servers and blocks until ctx is canceled or a server fails.
// Shutdown always runs before Run returns.
func (g *Gateway) Run(ctx context.Context) error {
	ls, err := g.listen(ctx)
	if err != nil {
		g.closeComponents(context.Background())
		return err
	}
	g.tailnet = ls.tailnet

	go g.sessions.Start(ctx)
	go g.pruneLimiters(ctx)

	errCh := g.startServers(ls)
	serverErr := g.waitForShutdownSignal(ctx, errCh)

	shutdownErr := g.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

func (g *Gateway) startServers(ls *listeners) chan error {
	errCh := make(chan error, 2)

	if ls.grpc != nil {
		go func() {
			g.logger.Info("gRPC health server listening", "addr", ls.grpc.Addr().String())
			if err := g.grpcServer.Serve(ls.grpc); err != nil {
				errCh <- fmt.Errorf("gRPC server: %w", err)
			}
		}()
	}

	go func() {
		g.logger.Info("HTTP server listening", "addr", ls.http.Addr().String())
		if err := g.httpServer.Serve(ls.http); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		select {
		case additional := <-errCh:
			g.logger.Error("additional server error", "error", additional)
		default:
		}
		return err
	}
}

// gracefulShutdown uses a fresh context since the run context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return g.Shutdown(ctx)
}

func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
	if g.grpcServer == nil {
		return
	}
	g.health.Shutdown()

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

func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops the servers, then terminates every session, flushes usage
// and closes the store.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
	g.shutdownGRPCServer(ctx)

	if g.tailnet != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tailnet.Close())
	}

	errs = append(errs, g.closeComponents(ctx)...)
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

func (g *Gateway) closeComponents(ctx context.Context) []error {
	var errs []error
	g.sessions.Close()
	if g.usage != nil {
		errs = appendCloseError(errs, "usage flush", g.usage.Close(ctx))
	}
	errs = appendCloseError(errs, "store close", g.store.Close())
	g.dedupe.Close()
	return errs
}

func (g *Gateway) pruneLimiters(ctx context.Context) {
	ticker := time.NewTicker(limiterIdleTTL)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := g.ingress.prune(limiterIdleTTL); n > 0 {
				g.logger.Debug("pruned idle ingress limiters", "count", n)
			}
		}
	}
}

// handleHealth reports liveness.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 once at least one agent is registered.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	n := g.catalog.Len()
	if n == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no agents configured"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d agents, %d sessions)", n, g.sessions.Len())
}
