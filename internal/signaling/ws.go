package signaling

import (
	"errors"
	"io"
	"time"

	"github.com/gorilla/websocket"
)

const wsWriteWait = 1 * time.Second

func writeClose(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}

var errMessageTooLarge = errors.New("message too large")

func readLimited(r io.Reader, max int64) ([]byte, error) {
	if max <= 0 {
		return nil, errMessageTooLarge
	}
	b, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > max {
		return nil, errMessageTooLarge
	}
	return b, nil
}

// readText reads one text message of at most max bytes.
func readText(conn *websocket.Conn, max int64) ([]byte, error) {
	msgType, r, err := conn.NextReader()
	if err != nil {
		return nil, err
	}
	if msgType != websocket.TextMessage {
		return nil, errNotText
	}
	return readLimited(r, max)
}

var errNotText = errors.New("expected text message")
