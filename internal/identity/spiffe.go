// Package identity provides the SPIFFE/SPIRE-backed mutual authentication
// used between handler and exit processes (spec §4.10, C10's "mutually
// authenticated streams to each catalogued exit"): each exit node carries
// an X.509 SVID, and a handler verifies it against the cluster's trust
// domain before dispatching connections to it.
package identity

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	"github.com/spiffe/go-spiffe/v2/spiffeid"
	"github.com/spiffe/go-spiffe/v2/spiffetls/tlsconfig"
	"github.com/spiffe/go-spiffe/v2/workloadapi"
)

// Verifier authenticates exit-node SVIDs against the local SPIRE agent's
// X.509 source.
type Verifier struct {
	source *workloadapi.X509Source
}

// NewVerifier dials the SPIRE agent workload API at socketPath. Startup is
// bounded to 3s so a missing SPIRE agent in a dev/staging deployment
// doesn't hang the handler's boot sequence — tlsutil's self-signed
// fallback covers that case at the outer TLS layer.
func NewVerifier(socketPath string) (*Verifier, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	source, err := workloadapi.NewX509Source(
		ctx,
		workloadapi.WithClientOptions(workloadapi.WithAddr(socketPath)),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to SPIRE agent: %w", err)
	}

	slog.Info("identity: connected to SPIRE agent", "socket_path", socketPath)
	return &Verifier{source: source}, nil
}

// VerifyExitSVID checks that the presented spiffeID matches this process's
// own SVID chain and returns a stable 64-bit fingerprint of the leaf
// certificate, suitable for correlating an exit node's catalogue entry
// (spec §3 Exit node entry) with the identity that authenticated the
// stream.
func (v *Verifier) VerifyExitSVID(exitSpiffeID string) (uint64, error) {
	id, err := spiffeid.FromString(exitSpiffeID)
	if err != nil {
		return 0, fmt.Errorf("invalid exit SPIFFE ID: %w", err)
	}

	svid, err := v.source.GetX509SVID()
	if err != nil {
		return 0, fmt.Errorf("get local SVID: %w", err)
	}
	if svid.ID.String() != id.String() {
		return 0, fmt.Errorf("SPIFFE ID mismatch: expected %s, got %s", id, svid.ID)
	}

	fp := fingerprint(svid.Certificates[0].Raw)
	slog.Info("identity: verified exit SVID", "spiffe_id", exitSpiffeID, "fingerprint", fp)
	return fp, nil
}

func fingerprint(certDER []byte) uint64 {
	hash := sha256.Sum256(certDER)
	var result uint64
	for i := 0; i < 8; i++ {
		result = (result << 8) | uint64(hash[i])
	}
	return result
}

// ExitTLSConfig returns the mTLS config a handler dials exit nodes with:
// both sides present an SVID, and any SPIFFE ID within the trust domain is
// authorized at the transport layer — the exit catalogue (C10) is the
// actual authorization boundary, since an exit's identity alone doesn't
// imply it's in this cluster's catalogue.
func (v *Verifier) ExitTLSConfig() (*tls.Config, error) {
	return tlsconfig.MTLSClientConfig(v.source, v.source, tlsconfig.AuthorizeAny()), nil
}

// ExitServerTLSConfig returns the mTLS config an exit node's own listener
// serves with: it presents this process's SVID and requires (and accepts)
// any peer SVID within the trust domain, matching ExitTLSConfig's dialer
// side of the same authorization boundary.
func (v *Verifier) ExitServerTLSConfig() (*tls.Config, error) {
	return tlsconfig.MTLSServerConfig(v.source, v.source, tlsconfig.AuthorizeAny()), nil
}

// Close releases the SPIRE workload API connection.
func (v *Verifier) Close() error {
	return v.source.Close()
}

// ExitSPIFFEID builds the canonical SPIFFE ID an exit node registers
// under within trustDomain (spec §6 operator surface RegisterExitNode).
func ExitSPIFFEID(trustDomain, nodeID string) string {
	return fmt.Sprintf("spiffe://%s/exit/%s", trustDomain, nodeID)
}
