package websocket

import (
	"time"

	"github.com/gorilla/websocket"

	"github.com/stemsi/exstem-proctor/internal/session"
)

const (
	WriteWait = 10 * time.Second
	// PongWait is how long a connection may stay silent, pongs included,
	// before it is considered dead.
	PongWait = 60 * time.Second
	// PingPeriod must be shorter than PongWait.
	PingPeriod = PongWait * 9 / 10
	// MaxMessageSize bounds one inbound frame. It fits the longest essay
	// answer with every rune JSON-escaped as \uXXXX, plus the envelope.
	MaxMessageSize = 6*session.MaxTextAnswerRunes + 4<<10
)

// Prepare applies the read limit and keeps the read deadline moving while
// the client answers pings.
func Prepare(conn *websocket.Conn) {
	conn.SetReadLimit(MaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(PongWait))
	})
}

// WriteTyped sends a strongly-typed response payload over the WebSocket.
func WriteTyped(conn *websocket.Conn, v any) error {
	_ = conn.SetWriteDeadline(time.Now().Add(WriteWait))
	return conn.WriteJSON(v)
}

// WritePing sends a control ping.
func WritePing(conn *websocket.Conn) error {
	return conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(WriteWait))
}

// ReadMessage reads one frame. Any inbound frame extends the read deadline.
func ReadMessage(conn *websocket.Conn) ([]byte, error) {
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	_ = conn.SetReadDeadline(time.Now().Add(PongWait))
	return data, nil
}
