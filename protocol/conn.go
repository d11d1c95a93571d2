package protocol

import (
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketConn is the subset of *websocket.Conn the gateway and the station
// simulator use. Tests substitute an in-memory implementation.
type WebSocketConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(appData string) error)
	SetPingHandler(h func(appData string) error)
	Subprotocol() string
	Close() error
}

var _ WebSocketConn = (*websocket.Conn)(nil)

// CloseMessage builds a close control payload.
func CloseMessage(code int, text string) []byte {
	return websocket.FormatCloseMessage(code, text)
}
