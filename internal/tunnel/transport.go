package tunnel

import (
	"context"
	"crypto/tls"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ocx/tunnelmesh/internal/errs"
)

// browserHeaders are attached to the client's upgrade request so the TLS
// handshake and HTTP request look like an ordinary browser connecting to a
// web app rather than a custom tunnel client — the same shape of defense
// used by the handler's own upgrade path below (spec §4.4, §6).
func browserHeaders() http.Header {
	h := http.Header{}
	h.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36")
	h.Set("Origin", "https://"+defaultMimicHost)
	h.Set("Accept-Language", "en-US,en;q=0.9")
	return h
}

const defaultMimicHost = "www.cloudflare.com"

var dialer = websocket.Dialer{
	HandshakeTimeout: 15 * time.Second,
	TLSClientConfig: &tls.Config{
		MinVersion: tls.VersionTLS12,
	},
}

// Dial opens a client-side tunnel session against url (wss://...),
// deriving the session mask from maskKey. The caller is expected to run the
// auth handshake over the returned session before treating it as
// authenticated.
func Dial(ctx context.Context, url string, maskKey []byte) (*Session, error) {
	conn, _, err := dialer.DialContext(ctx, url, browserHeaders())
	if err != nil {
		return nil, errs.Wrap(errs.Unavailable, "dial tunnel endpoint", err)
	}
	return NewSession(conn, maskKey)
}

// upgrader accepts any Origin by default — the handler restricts which
// endpoints are reachable at the handshake/auth layer (spec §4.6), not at
// the WebSocket origin-check layer, because legitimate clients deliberately
// spoof browser-shaped origins.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Upgrade accepts an incoming HTTP request as a tunnel session on the
// handler side.
func Upgrade(w http.ResponseWriter, r *http.Request, maskKey []byte) (*Session, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, errs.Wrap(errs.Unavailable, "upgrade to websocket", err)
	}
	return NewSession(conn, maskKey)
}
