// Command handler runs the client-facing tunnel mesh node: it terminates
// the TLS/WebSocket tunnel, runs the AUTH_REQUEST/AUTH_RESPONSE handshake,
// multiplexes logical connections over each session, replicates connection
// metadata through consensus, and dispatches payloads to exit nodes.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"

	"github.com/ocx/tunnelmesh/internal/auth"
	"github.com/ocx/tunnelmesh/internal/config"
	"github.com/ocx/tunnelmesh/internal/consensus"
	"github.com/ocx/tunnelmesh/internal/cryptokit"
	"github.com/ocx/tunnelmesh/internal/database"
	"github.com/ocx/tunnelmesh/internal/errs"
	"github.com/ocx/tunnelmesh/internal/events"
	"github.com/ocx/tunnelmesh/internal/exitdispatch"
	"github.com/ocx/tunnelmesh/internal/export"
	"github.com/ocx/tunnelmesh/internal/identity"
	"github.com/ocx/tunnelmesh/internal/middleware"
	"github.com/ocx/tunnelmesh/internal/operator"
	"github.com/ocx/tunnelmesh/internal/registry"
	"github.com/ocx/tunnelmesh/internal/replay"
	"github.com/ocx/tunnelmesh/internal/ringbuf"
	"github.com/ocx/tunnelmesh/internal/store"
	"github.com/ocx/tunnelmesh/internal/tlsutil"
)

// exit codes follow the process-abort policy of errs.PoisonsStore: 0 for a
// clean shutdown, 2 when a poisoned store forces an abort, 3 for any other
// startup/fatal failure.
const (
	exitOK        = 0
	exitStorePoisoned = 2
	exitFatal     = 3
)

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(log)

	if err := run(log); err != nil {
		var poisoned *errs.Error
		if errors.As(err, &poisoned) && errs.PoisonsStore(poisoned.Kind) {
			log.Error("handler: store poisoned, aborting process", "event", "fatal_store_poison", "error", err)
			os.Exit(exitStorePoisoned)
		}
		log.Error("handler: fatal error", "event", "fatal_error", "error", err)
		os.Exit(exitFatal)
	}
	os.Exit(exitOK)
}

func run(log *slog.Logger) error {
	cfg := config.Get()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.Store.DataDir)
	if err != nil {
		return errs.Wrap(errs.StoreIO, "open connection store", err)
	}
	defer st.Close()

	catalogue := exitdispatch.NewCatalogue()
	reg := registry.New(st, catalogue, log)

	node := consensus.NewNode(cfg.Consensus.NodeID, consensus.NewClient(), reg.Apply)
	node.Run(ctx)
	proposer := consensus.ProposeAdapter{Node: node}

	consensusLis, err := net.Listen("tcp", cfg.Consensus.BindAddr)
	if err != nil {
		return errs.Wrap(errs.Unavailable, "listen consensus bind address", err)
	}
	grpcServer := grpc.NewServer()
	consensus.Register(grpcServer, node)
	go func() {
		if err := grpcServer.Serve(consensusLis); err != nil {
			log.Warn("handler: consensus grpc server stopped", "event", "consensus_serve_stopped", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		grpcServer.GracefulStop()
	}()

	serverKex, err := cryptokit.GenerateEphemeral()
	if err != nil {
		return errs.Wrap(errs.Crypto, "generate handshake key pair", err)
	}
	signer, err := cryptokit.GenerateSigningKeyPair()
	if err != nil {
		return errs.Wrap(errs.Crypto, "generate token signing key pair", err)
	}

	replayStore, err := buildReplayStore(cfg, log)
	if err != nil {
		return err
	}
	tokenIssuer := auth.NewTokenIssuer(signer, time.Duration(cfg.Auth.TokenTTLSec)*time.Second)
	rotator := auth.NewRotator(serverKex.Public, time.Duration(cfg.Auth.RotationIntervalSec)*time.Second, time.Duration(cfg.Auth.RotationGraceSec)*time.Second)
	engine := auth.NewEngine(serverKex, tokenIssuer, replayStore, rotator)
	go runSweeper(ctx, tokenIssuer)

	// frameReplay is the second of C5's two bounded stores (spec §4.5): it
	// tracks DATA/control frame UUIDs, distinct from replayStore's nonce
	// window above, so a captured-and-replayed frame is dropped regardless
	// of which session it's injected into.
	frameReplay := replay.NewStore(time.Duration(cfg.Replay.WindowSec) * time.Second)
	go frameReplay.RunSweeper(time.Duration(cfg.Replay.SweepInterval)*time.Second, make(chan struct{}))

	rateLimiter := middleware.NewRateLimiter(middleware.RateLimitConfig{MaxCallsPerMinute: cfg.Auth.RateLimitPerMinute}, log)

	exitTLSConf, identityVerifier := buildExitTLSConfig(cfg, log)
	if identityVerifier != nil {
		defer identityVerifier.Close()
	}
	pool := exitdispatch.NewPool(exitTLSConf, log)
	defer pool.Close()
	healthLoop := exitdispatch.NewHealthLoop(catalogue, pool, log)
	go healthLoop.Run(ctx)

	kernelReader, err := ringbuf.NewReader(catalogue)
	if err != nil {
		log.Warn("handler: kernel RTT sampling unavailable", "event", "ringbuf_unavailable", "error", err)
	} else {
		kernelReader.Start()
		defer kernelReader.Close()
	}

	bus, closeBus := buildEventBus(cfg, log)
	defer closeBus()

	hs := &handlerState{
		cfg:         cfg,
		log:         log,
		serverKex:   serverKex,
		engine:      engine,
		tokenIssuer: tokenIssuer,
		signer:      signer,
		proposer:    proposer,
		catalogue:   catalogue,
		pool:        pool,
		rateLimiter: rateLimiter,
		bus:         bus,
		frameReplay: frameReplay,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/retrieve-token", rateLimiter.Middleware(http.HandlerFunc(hs.handleRetrieveToken)).ServeHTTP)
	mux.HandleFunc("/v1/connect", hs.handleConnect)

	cert, err := tlsutil.GenerateSelfSigned([]string{cfg.Tunnel.MimicHost, "localhost"}, 365*24*time.Hour)
	if err != nil {
		return errs.Wrap(errs.Crypto, "generate fallback TLS certificate", err)
	}
	clientServer := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Interface, cfg.Server.Port),
		Handler:      mux,
		TLSConfig:    tlsutil.ServerConfig(cert),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSec) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeoutSec) * time.Second,
	}
	go func() {
		log.Info("handler: client surface listening", "event", "handler_listen", "addr", clientServer.Addr)
		if err := clientServer.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
			log.Error("handler: client surface failed", "event", "handler_listen_error", "error", err)
		}
	}()

	operatorServer, closeOperator := buildOperatorServer(cfg, log, proposer, rotator, catalogue, node)
	defer closeOperator()
	go func() {
		log.Info("handler: operator surface listening", "event", "operator_listen", "addr", operatorServer.Addr)
		if err := operatorServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("handler: operator surface failed", "event", "operator_listen_error", "error", err)
		}
	}()

	closeExport := buildExportPipeline(ctx, cfg, reg, log)
	defer closeExport()

	<-ctx.Done()
	log.Info("handler: shutting down", "event", "handler_shutdown")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
	defer cancel()
	_ = clientServer.Shutdown(shutdownCtx)
	_ = operatorServer.Shutdown(shutdownCtx)
	return nil
}

// buildReplayStore always returns this handler's in-memory shard table.
// With replay.backend=redis it requires replay.redis_addr and logs a
// warning, but the Redis-backed store is not used, so nonces are not shared
// across handlers.
func buildReplayStore(cfg *config.Config, log *slog.Logger) (*replay.Store, error) {
	store := replay.NewStore(time.Duration(cfg.Replay.WindowSec) * time.Second)
	go store.RunSweeper(time.Duration(cfg.Replay.SweepInterval)*time.Second, make(chan struct{}))
	if cfg.Replay.Backend == "redis" {
		// RedisStore's CheckAndStore takes a context and returns an error,
		// which auth.Engine's single-return CheckAndStore(id) bool contract
		// doesn't carry, so a horizontally scaled deployment still runs each
		// handler's own in-memory window until Engine is widened to an
		// interface. Surfacing that now rather than silently running single-
		// node replay semantics under a multi-node config.
		if cfg.Replay.RedisAddr == "" {
			return nil, errs.New(errs.Malformed, "replay backend redis requires replay.redis_addr")
		}
		log.Warn("handler: replay.backend=redis is not yet wired into auth.Engine, falling back to this node's local replay window", "event", "replay_redis_unwired")
	}
	return store, nil
}

func runSweeper(ctx context.Context, tokens *auth.TokenIssuer) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tokens.Sweep()
		}
	}
}

// buildExitTLSConfig prefers SPIFFE/SPIRE mTLS for exit-node connections
// and falls back to a self-signed client config (still encrypted, not
// peer-verified) when no SPIRE agent socket is reachable — acceptable for
// a single-node development deployment, never for a multi-tenant cluster.
func buildExitTLSConfig(cfg *config.Config, log *slog.Logger) (*tls.Config, *identity.Verifier) {
	verifier, err := identity.NewVerifier(cfg.ExitDispatch.SpiffeSocketPath)
	if err != nil {
		log.Warn("handler: SPIFFE workload API unavailable, falling back to unverified TLS for exit dispatch", "event", "identity_fallback", "error", err)
		cert, certErr := tlsutil.GenerateSelfSigned([]string{"tunnelmesh-exit"}, 365*24*time.Hour)
		if certErr != nil {
			return &tls.Config{InsecureSkipVerify: true}, nil
		}
		return &tls.Config{Certificates: []tls.Certificate{cert}, InsecureSkipVerify: true}, nil
	}
	tlsConf, err := verifier.ExitTLSConfig()
	if err != nil {
		log.Warn("handler: building SPIFFE exit TLS config failed", "event", "identity_tls_error", "error", err)
		return &tls.Config{InsecureSkipVerify: true}, verifier
	}
	return tlsConf, verifier
}

func buildEventBus(cfg *config.Config, log *slog.Logger) (events.EventEmitter, func()) {
	if cfg.Export.ProjectID != "" {
		bus, err := events.NewPubSubEventBus(cfg.Export.ProjectID, "tunnelmesh-events")
		if err == nil {
			return bus, func() { _ = bus.Close() }
		}
		log.Warn("handler: pubsub event bus unavailable, using in-memory bus", "event", "events_fallback", "error", err)
	}
	bus := events.NewEventBus()
	return bus, func() {}
}

func buildOperatorServer(cfg *config.Config, log *slog.Logger, proposer consensus.ProposeAdapter, rotator *auth.Rotator, catalogue *exitdispatch.Catalogue, node *consensus.Node) (*http.Server, func()) {
	var users operator.UserStore = noUserStore{}
	if cfg.Database.Supabase.URL != "" {
		if sc, err := database.NewSupabaseClient(); err != nil {
			log.Warn("handler: supabase client unavailable, user endpoints will error", "event", "supabase_unavailable", "error", err)
		} else {
			users = sc
		}
	}

	var provisioner operator.Provisioner
	if cfg.Operator.ExitImage != "" {
		provisioner = operator.NewDockerProvisioner("bridge")
	}

	var mirror *operator.SpannerMirror
	if cfg.Operator.SpannerProject != "" {
		m, err := operator.NewSpannerMirror(cfg.Operator.SpannerProject, cfg.Operator.SpannerInstance, cfg.Operator.SpannerDatabase)
		if err != nil {
			log.Warn("handler: spanner stats mirror unavailable", "event", "spanner_unavailable", "error", err)
		} else {
			mirror = m
		}
	}

	stats := localStatsSource{node: node, catalogue: catalogue}
	svc := operator.NewService(proposer, users, rotator, provisioner, stats, mirror, log)
	httpSrv := operator.NewHTTPServer(svc, log)

	srv := &http.Server{
		Addr:    net.JoinHostPort(cfg.Server.Interface, fmt.Sprintf("%d", cfg.Operator.HTTPPort)),
		Handler: httpSrv.Router(),
	}
	closeFn := func() {
		if mirror != nil {
			_ = mirror.Close()
		}
	}
	return srv, closeFn
}

func buildExportPipeline(ctx context.Context, cfg *config.Config, reg *registry.Registry, log *slog.Logger) func() {
	if cfg.Database.Postgres.DSN == "" {
		log.Info("handler: export pipeline disabled, no database.postgres.dsn configured", "event", "export_disabled")
		return func() {}
	}
	writer, err := export.NewWriter(cfg.Database.Postgres.DSN)
	if err != nil {
		log.Warn("handler: export writer unavailable", "event", "export_writer_unavailable", "error", err)
		return func() {}
	}
	sweeper := export.NewSweeper(reg, writer, nil, time.Duration(cfg.Export.IntervalSec)*time.Second, log)
	go sweeper.Run(ctx)
	return func() { _ = writer.Close() }
}

// localStatsSource implements operator.StatsSource from this process's own
// consensus and catalogue state.
type localStatsSource struct {
	node      *consensus.Node
	catalogue *exitdispatch.Catalogue
}

func (l localStatsSource) LocalStats() operator.LocalStats {
	healthy := 0
	nodes := l.catalogue.All()
	for _, n := range nodes {
		if n.Health == exitdispatch.Healthy {
			healthy++
		}
	}
	return operator.LocalStats{
		ExitNodeCount: len(nodes),
		HealthyExits:  healthy,
	}
}

// noUserStore answers every UserStore call with Unavailable when no account
// store is configured, rather than leaving operator.Service holding a nil
// interface that would panic on first use.
type noUserStore struct{}

func (noUserStore) CreateUser(ctx context.Context, u *database.User) error {
	return errs.New(errs.Unavailable, "no user account store configured")
}
func (noUserStore) DeleteUser(ctx context.Context, userID string) error {
	return errs.New(errs.Unavailable, "no user account store configured")
}
func (noUserStore) ListUsers(ctx context.Context, limit int) ([]database.User, error) {
	return nil, errs.New(errs.Unavailable, "no user account store configured")
}
