package relay

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const wsWriteTimeout = 5 * time.Second

// WebSocketHandler streams hub messages to a WebSocket client as JSON text
// frames. A {"type":"REQUEST_SYNC"} frame from the client calls onRequest.
func WebSocketHandler(hub *Hub, onRequest func(), logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("sink", "websocket")

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true, // served on the loopback gateway only
		})
		if err != nil {
			logger.Error("websocket accept failed", "error", err)
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "relay closed")

		sub := hub.Subscribe("websocket")
		defer hub.Unsubscribe(sub)
		logger.Info("status client connected", "remote", r.RemoteAddr)

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		go func() {
			defer cancel()
			for {
				var m Message
				if err := wsjson.Read(ctx, conn, &m); err != nil {
					logger.Debug("websocket read ended", "error", err)
					return
				}
				if m.Type == RequestSync && onRequest != nil {
					onRequest()
				}
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-sub.C:
				if !ok {
					return
				}
				wctx, wcancel := context.WithTimeout(ctx, wsWriteTimeout)
				err := wsjson.Write(wctx, conn, m)
				wcancel()
				if err != nil {
					logger.Debug("websocket write failed", "error", err)
					return
				}
			}
		}
	})
}
