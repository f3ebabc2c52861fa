package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

const wsCloseTimeout = time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// NewWebSocketHandler upgrades HTTP requests and hands each connection to h.
func NewWebSocketHandler(h Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			glog.Warningf("websocket upgrade from %s failed: %v", r.RemoteAddr, err)
			return
		}
		conn := wrapWebSocket(ws)
		defer conn.Close()
		if err := h(r.Context(), conn, hostOnly(r.RemoteAddr)); err != nil {
			glog.V(1).Infof("websocket stream from %s ended: %v", r.RemoteAddr, err)
		}
	})
}

// DialWebSocket connects to a gossip WebSocket endpoint such as
// ws://host:port/gossip.
func DialWebSocket(ctx context.Context, url string) (io.ReadWriteCloser, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", url, err)
	}
	return wrapWebSocket(ws), nil
}

func wrapWebSocket(ws *websocket.Conn) io.ReadWriteCloser {
	return newMsgConn(
		func() ([]byte, error) {
			_, data, err := ws.ReadMessage()
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, io.EOF
			}
			return data, err
		},
		func(b []byte) error {
			return ws.WriteMessage(websocket.TextMessage, b)
		},
		func() error {
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsCloseTimeout))
			return ws.Close()
		},
	)
}
