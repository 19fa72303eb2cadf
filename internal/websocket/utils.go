package websocket

import (
	"time"

	"github.com/gorilla/websocket"
)

// WriteTyped sends a strongly-typed response payload over the WebSocket.
func WriteTyped(conn *websocket.Conn, v interface{}) error {
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteJSON(v)
}

// WriteError sends a typed ErrorResponse over the WebSocket.
func WriteError(conn *websocket.Conn, ref, code, errMsg string) error {
	return WriteTyped(conn, ErrorResponse{
		Event: EventError,
		Ref:   ref,
		Code:  code,
		Error: errMsg,
	})
}

// ReadMessage reads one raw frame. The read deadline is long enough to
// cover a few missed heartbeats.
func ReadMessage(conn *websocket.Conn) ([]byte, error) {
	conn.SetReadDeadline(time.Now().Add(2 * time.Minute))
	_, data, err := conn.ReadMessage()
	return data, err
}
