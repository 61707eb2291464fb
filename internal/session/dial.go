package session

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/faithererer/DouyinLiveRecorder/internal/room"
)

const (
	handshakeTimeout = 10 * time.Second

	// Maximum inbound frame size. Batches are a few KB; anything near
	// this is not the push service talking.
	maxMessageSize = 1 << 20
)

// Socket is the slice of a websocket connection the session drives.
// *websocket.Conn satisfies it; tests substitute in-process fakes.
type Socket interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Dialer opens a Socket to a push-service URL.
type Dialer interface {
	Dial(ctx context.Context, wsURL string) (Socket, error)
}

// WebsocketDialer is the production Dialer: gorilla/websocket with the
// same browser-shaped headers the room client sends.
type WebsocketDialer struct {
	Cookies room.CookieProvider
}

func (d *WebsocketDialer) Dial(ctx context.Context, wsURL string) (Socket, error) {
	header := http.Header{}
	cookie := ""
	if d.Cookies != nil {
		cookie = d.Cookies.Cookie()
	}
	room.BrowserHeaders(header, room.RandomUA(), cookie)

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			_ = resp.Body.Close()
			return nil, fmt.Errorf("dial push service: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial push service: %w", err)
	}
	conn.SetReadLimit(maxMessageSize)
	return conn, nil
}
