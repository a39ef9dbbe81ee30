// ABOUTME: WebSocket transport for client connections using coder/websocket.
// ABOUTME: Adapts a websocket.Conn to the Transport interface.

package connection

import (
	"context"

	"github.com/coder/websocket"
)

// WebSocketTransport writes text frames to a websocket.
type WebSocketTransport struct {
	conn *websocket.Conn
}

// NewWebSocketTransport wraps an accepted websocket connection.
func NewWebSocketTransport(conn *websocket.Conn) *WebSocketTransport {
	return &WebSocketTransport{conn: conn}
}

// Write sends data as a single text message.
func (w *WebSocketTransport) Write(ctx context.Context, data []byte) error {
	return w.conn.Write(ctx, websocket.MessageText, data)
}

// Close performs a normal closure handshake.
func (w *WebSocketTransport) Close(reason string) error {
	return w.conn.Close(websocket.StatusNormalClosure, reason)
}
