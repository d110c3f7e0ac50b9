// Command exit runs a tunnel mesh exit node: it accepts mTLS streams from
// handlers, dials the targets they request, and frames each target's
// response back onto the same stream keyed by conn_id.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ocx/tunnelmesh/internal/config"
	"github.com/ocx/tunnelmesh/internal/errs"
	"github.com/ocx/tunnelmesh/internal/exitdispatch"
	"github.com/ocx/tunnelmesh/internal/identity"
	"github.com/ocx/tunnelmesh/internal/tlsutil"
)

const (
	exitOK            = 0
	exitStorePoisoned = 2
	exitFatal         = 3
)

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(log)

	if err := run(log); err != nil {
		var poisoned *errs.Error
		if errors.As(err, &poisoned) && errs.PoisonsStore(poisoned.Kind) {
			log.Error("exit: store poisoned, aborting process", "event", "fatal_store_poison", "error", err)
			os.Exit(exitStorePoisoned)
		}
		log.Error("exit: fatal error", "event", "fatal_error", "error", err)
		os.Exit(exitFatal)
	}
	os.Exit(exitOK)
}

func run(log *slog.Logger) error {
	cfg := config.Get()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tlsConf, verifier, err := buildListenerTLSConfig(cfg, log)
	if err != nil {
		return err
	}
	if verifier != nil {
		defer verifier.Close()
	}

	listener, err := tls.Listen("tcp", cfg.ExitDispatch.ListenAddr, tlsConf)
	if err != nil {
		return errs.Wrap(errs.Unavailable, "listen exit dispatch address", err)
	}

	server := exitdispatch.NewExitServer(listener, log)
	log.Info("exit: listening", "event", "exit_listen", "addr", cfg.ExitDispatch.ListenAddr)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Serve(ctx) }()

	select {
	case <-ctx.Done():
		log.Info("exit: shutting down", "event", "exit_shutdown")
		_ = listener.Close()
		<-errCh
		return nil
	case err := <-errCh:
		if err != nil {
			return err
		}
		return nil
	}
}

// buildListenerTLSConfig prefers SPIFFE/SPIRE mTLS, matching the handler
// side's identity.Verifier.ExitTLSConfig dialer. Falling back to a
// self-signed, unauthenticated listener keeps a single-node development
// deployment usable without a running SPIRE agent, at the cost of the
// mutual-authentication guarantee the catalogue selection otherwise relies
// on — never acceptable for a multi-tenant cluster.
func buildListenerTLSConfig(cfg *config.Config, log *slog.Logger) (*tls.Config, *identity.Verifier, error) {
	verifier, err := identity.NewVerifier(cfg.ExitDispatch.SpiffeSocketPath)
	if err != nil {
		log.Warn("exit: SPIFFE workload API unavailable, falling back to unverified TLS", "event", "identity_fallback", "error", err)
		cert, certErr := tlsutil.GenerateSelfSigned([]string{"tunnelmesh-exit"}, 365*24*time.Hour)
		if certErr != nil {
			return nil, nil, errs.Wrap(errs.Crypto, "generate fallback exit listener certificate", certErr)
		}
		tlsConf := tlsutil.ServerConfig(cert)
		tlsConf.ClientAuth = tls.NoClientCert
		return tlsConf, nil, nil
	}

	tlsConf, err := verifier.ExitServerTLSConfig()
	if err != nil {
		verifier.Close()
		return nil, nil, errs.Wrap(errs.Crypto, "build SPIFFE exit listener TLS config", err)
	}
	return tlsConf, verifier, nil
}
