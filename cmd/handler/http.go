package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ocx/tunnelmesh/internal/auth"
	"github.com/ocx/tunnelmesh/internal/config"
	"github.com/ocx/tunnelmesh/internal/consensus"
	"github.com/ocx/tunnelmesh/internal/cryptokit"
	"github.com/ocx/tunnelmesh/internal/events"
	"github.com/ocx/tunnelmesh/internal/exitdispatch"
	"github.com/ocx/tunnelmesh/internal/frame"
	"github.com/ocx/tunnelmesh/internal/middleware"
	"github.com/ocx/tunnelmesh/internal/replay"
	"github.com/ocx/tunnelmesh/internal/tunnel"
)

// hybridInfo is the HKDF context string binding /retrieve-token's
// hybrid-sealed envelopes to this endpoint, so a sealed AUTH_REQUEST can't
// be replayed as if it were meant for a different sealing context.
var hybridInfo = []byte("tunnelmesh-retrieve-token")

// handlerState holds every component the client-facing HTTP/WebSocket
// surface needs, built once in main and shared across requests.
type handlerState struct {
	cfg *config.Config
	log *slog.Logger

	serverKex   *cryptokit.EphemeralKeyPair
	engine      *auth.Engine
	tokenIssuer *auth.TokenIssuer
	signer      *cryptokit.SigningKeyPair

	proposer  consensus.ProposeAdapter
	catalogue *exitdispatch.Catalogue
	pool      *exitdispatch.Pool

	rateLimiter *middleware.RateLimiter
	bus         events.EventEmitter
	frameReplay *replay.Store
}

// handleRetrieveToken serves POST /retrieve-token: a hybrid-sealed
// AUTH_REQUEST body in, a hybrid-sealed AUTH_RESPONSE out, always inside
// auth.ResponseBudget regardless of outcome (spec: "200 on success, 401 on
// any auth failure, 429 on per-source rate limit" — the 429 case never
// reaches this handler, it's turned away by the rate limiter middleware).
func (hs *handlerState) handleRetrieveToken(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	body, err := io.ReadAll(io.LimitReader(r.Body, 64*1024))
	if err != nil {
		hs.padAndReject(w, start)
		return
	}

	inner, err := cryptokit.HybridOpen(hs.serverKex, body, hybridInfo)
	if err != nil {
		hs.log.Warn("handler: failed to open retrieve-token envelope", "event", "retrieve_token_open_error", "error", err)
		hs.padAndReject(w, start)
		return
	}
	var req frame.AuthRequestBody
	if err := json.Unmarshal(inner, &req); err != nil {
		hs.padAndReject(w, start)
		return
	}

	resp, err := hs.engine.HandleAuthRequest(&req)
	if err != nil {
		hs.log.Warn("handler: auth request rejected", "event", "retrieve_token_rejected", "error", err)
		hs.padToBudget(start)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	respBytes, err := json.Marshal(resp)
	if err != nil {
		hs.padToBudget(start)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	sealed, err := cryptokit.HybridSeal(req.EphemeralPublic, respBytes, hybridInfo)
	if err != nil {
		hs.log.Error("handler: failed to seal auth response", "event", "retrieve_token_seal_error", "error", err)
		hs.padToBudget(start)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	hs.bus.Emit("tunnelmesh.auth.token_issued", "/cmd/handler", "", nil)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(sealed)
}

// padAndReject pads the remaining auth.ResponseBudget and writes a bare 401,
// used for envelopes that fail before even reaching the handshake engine
// (which pads its own path internally).
func (hs *handlerState) padAndReject(w http.ResponseWriter, start time.Time) {
	hs.padToBudget(start)
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}

func (hs *handlerState) padToBudget(start time.Time) {
	if remaining := auth.ResponseBudget - time.Since(start); remaining > 0 {
		time.Sleep(remaining)
	}
}

// handleConnect serves GET /v1/connect: redeems the Bearer token minted by
// /retrieve-token, recovers the ECDH-derived session key that handshake
// produced, and upgrades the request to a masked WebSocket tunnel session.
func (hs *handlerState) handleConnect(w http.ResponseWriter, r *http.Request) {
	authz := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(authz, "Bearer ")
	if !ok || token == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	claims, err := hs.tokenIssuer.Redeem(hs.signer.Public, []byte(token))
	if err != nil {
		hs.log.Warn("handler: connect token redemption failed", "event", "connect_redeem_failed", "error", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	sessionKey, ok := hs.engine.SessionKey(claims.TokenID)
	if !ok {
		hs.log.Warn("handler: connect token has no matching handshake session key (already redeemed?)", "event", "connect_missing_session_key", "token_id", claims.TokenID)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	session, err := tunnel.Upgrade(w, r, sessionKey)
	if err != nil {
		hs.log.Warn("handler: websocket upgrade failed", "event", "connect_upgrade_failed", "error", err)
		return
	}
	session.MarkAuthenticated()
	session.SetFrameReplay(hs.frameReplay)

	sh, err := newSessionHandler(hs, session, claims, r.URL.Query().Get("group"))
	if err != nil {
		hs.log.Error("handler: failed to build session data plane", "event", "connect_session_init_failed", "error", err)
		session.Close()
		return
	}
	session.OnFrame = sh.onFrame

	go func() {
		ctx := context.Background()
		if err := session.Run(ctx); err != nil {
			hs.log.Info("handler: tunnel session ended", "event", "connect_session_ended", "client_id", claims.ClientID, "error", err)
		}
		sh.closeAll()
	}()

	hs.bus.Emit("tunnelmesh.session.established", "/cmd/handler", claims.ClientID, nil)
}
