package tunnel

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/ocx/tunnelmesh/internal/frame"
)

func startEchoServer(t *testing.T, maskKey []byte) (*httptest.Server, chan *Session) {
	t.Helper()
	sessions := make(chan *Session, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s, err := Upgrade(w, r, maskKey)
		require.NoError(t, err)
		s.MarkAuthenticated()
		sessions <- s
		go s.Run(context.Background())
	}))
	return srv, sessions
}

func TestSessionSendReceiveRoundTrip(t *testing.T) {
	maskKey := []byte("shared-session-key")
	srv, sessions := startEchoServer(t, maskKey)
	defer srv.Close()

	wsURL := "ws" + srv.URL[len("http"):]
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)

	client, err := NewSession(conn, maskKey)
	require.NoError(t, err)
	client.MarkAuthenticated()

	received := make(chan *frame.Frame, 1)
	client.OnFrame = func(f *frame.Frame) { received <- f }
	go client.Run(context.Background())

	server := <-sessions
	f := frame.NewDataFrame(5, []byte("ping from server"))
	encoded, err := frame.Encode(f)
	require.NoError(t, err)
	require.NoError(t, server.Send(context.Background(), encoded))

	select {
	case got := <-received:
		require.Equal(t, uint64(5), got.ConnID)
		require.Equal(t, []byte("ping from server"), got.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
	}
}

func TestSessionOverloadedAndDrained(t *testing.T) {
	s := &Session{out: make(chan []byte, sendQueueHigh)}
	require.False(t, s.Overloaded())
	for i := 0; i < sendQueueHigh; i++ {
		s.out <- []byte{0}
	}
	require.True(t, s.Overloaded())
	for i := 0; i < sendQueueHigh-sendQueueLow; i++ {
		<-s.out
	}
	require.True(t, s.Drained())
}
