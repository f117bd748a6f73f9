package transport

import (
	"io"
	"sync"

	"github.com/bearcove/rapace/rpcerr"
	"github.com/bearcove/rapace/wire"
	"github.com/gorilla/websocket"
)

// MessageStream is the WebSocket adapter: exactly one encoded wire.Message
// per binary transport frame, no COBS framing. A text frame is the
// connection error "message.ws.framing"; a binary frame that does not decode
// as exactly one Message (a partial one, or one followed by further bytes)
// is returned as a *wire.DecodeError.
type MessageStream struct {
	conn *websocket.Conn

	writeMu sync.Mutex
}

// NewMessageStream wraps an established *websocket.Conn as an Adapter.
func NewMessageStream(conn *websocket.Conn) *MessageStream {
	return &MessageStream{conn: conn}
}

// Send encodes m and writes it as exactly one binary WebSocket frame. The
// gorilla/websocket connection serializes concurrent writers itself only if
// callers hold writeMu, which Send does — matching the "one writer at a
// time" contract every Adapter must provide.
func (ms *MessageStream) Send(m wire.Message) error {
	encoded, err := wire.Encode(m)
	if err != nil {
		return err
	}
	ms.writeMu.Lock()
	defer ms.writeMu.Unlock()
	return ms.conn.WriteMessage(websocket.BinaryMessage, encoded)
}

// Recv reads exactly one binary frame and decodes it as exactly one Message.
// A text frame is "message.ws.framing"; a binary frame that fails to decode
// returns the *wire.DecodeError.
func (ms *MessageStream) Recv() (wire.Message, error) {
	kind, data, err := ms.conn.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return wire.Message{}, io.EOF
		}
		return wire.Message{}, err
	}
	if kind != websocket.BinaryMessage {
		return wire.Message{}, rpcerr.NewConnectionError(rpcerr.RuleWSFraming, nil)
	}
	m, err := wire.Decode(data)
	if err != nil {
		return wire.Message{}, err
	}
	return m, nil
}

func (ms *MessageStream) Close() error {
	_ = ms.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadlineNow())
	return ms.conn.Close()
}
