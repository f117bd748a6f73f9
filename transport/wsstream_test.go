package transport

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/bearcove/rapace/rpcerr"
	"github.com/bearcove/rapace/wire"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// wsPair spins up a real httptest WebSocket server and dials it, returning
// both ends as MessageStream adapters.
func wsPair(t *testing.T) (*MessageStream, *MessageStream) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	serverCh := make(chan *websocket.Conn, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		serverCh <- c
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	clientConn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	serverConn := <-serverCh
	client := NewMessageStream(clientConn)
	server := NewMessageStream(serverConn)
	t.Cleanup(func() { client.Close(); server.Close() })
	return client, server
}

func TestMessageStreamSendRecvRoundTrip(t *testing.T) {
	client, server := wsPair(t)

	msg := wire.MakeRequest(wire.Request{RequestID: 9, MethodID: 1, Payload: []byte("hi")})
	done := make(chan error, 1)
	go func() { done <- client.Send(msg) }()

	got, err := server.Recv()
	require.NoError(t, err)
	require.Equal(t, msg, got)
	require.NoError(t, <-done)
}

func TestMessageStreamOneFramePerMessage(t *testing.T) {
	client, server := wsPair(t)

	const n = 10
	go func() {
		for i := 0; i < n; i++ {
			_ = client.Send(wire.MakeCredit(uint64(i), uint32(i*2)))
		}
	}()
	for i := 0; i < n; i++ {
		m, err := server.Recv()
		require.NoError(t, err)
		require.Equal(t, uint64(i), m.Credit.StreamID)
		require.Equal(t, uint32(i*2), m.Credit.Bytes)
	}
}

func TestMessageStreamTextFrameIsFramingViolation(t *testing.T) {
	client, server := wsPair(t)

	done := make(chan error, 1)
	go func() { done <- client.conn.WriteMessage(websocket.TextMessage, []byte("not binary")) }()
	require.NoError(t, <-done)

	_, err := server.Recv()
	require.Error(t, err)
	var ce *rpcerr.ConnectionError
	require.ErrorAs(t, err, &ce)
	require.Equal(t, rpcerr.RuleWSFraming, ce.Rule)
}
