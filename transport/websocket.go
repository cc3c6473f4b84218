package transport

import (
	"context"
	"io"
	"sync"

	"github.com/gorilla/websocket"
)

// WebSocket adapts a websocket connection to the message-transport
// contract: one websocket message per frame. Text messages carry the
// textual codec, binary messages the CBOR codec.
type WebSocket struct {
	conn    *websocket.Conn
	msgType int

	sendMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

// NewWebSocket wraps an established websocket connection. binary selects
// binary messages (for the CBOR codec) over text.
func NewWebSocket(conn *websocket.Conn, binary bool) *WebSocket {
	t := websocket.TextMessage
	if binary {
		t = websocket.BinaryMessage
	}
	return &WebSocket{conn: conn, msgType: t}
}

func (w *WebSocket) Send(ctx context.Context, msg []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	w.sendMu.Lock()
	defer w.sendMu.Unlock()
	if dl, ok := ctx.Deadline(); ok {
		_ = w.conn.SetWriteDeadline(dl)
	}
	return w.conn.WriteMessage(w.msgType, msg)
}

func (w *WebSocket) Receive(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = w.conn.SetReadDeadline(dl)
	}
	_, msg, err := w.conn.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return nil, io.EOF
		}
		return nil, err
	}
	return msg, nil
}

// Close sends a close frame and closes the connection.
func (w *WebSocket) Close() error {
	w.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		w.sendMu.Lock()
		_ = w.conn.WriteMessage(websocket.CloseMessage, msg)
		w.sendMu.Unlock()
		w.closeErr = w.conn.Close()
	})
	return w.closeErr
}
