package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/bcrosbie/activityhub/internal/hub"
)

const defaultWriteTimeout = 10 * time.Second

// pushHandler upgrades to a WebSocket and attaches it to the hub. Every
// frame is one text message holding {"type": ..., "data": ...}.
type pushHandler struct {
	fanout         *hub.Hub
	logger         *slog.Logger
	writeTimeout   time.Duration
	originPatterns []string
}

func (p *pushHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if p.fanout == nil {
		http.Error(w, "push mode is not enabled on this server", http.StatusServiceUnavailable)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: p.originPatterns})
	if err != nil {
		p.logger.Info("websocket handshake failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	defer conn.CloseNow()

	// Observers never send; CloseRead handles control frames and cancels ctx
	// once the peer goes away.
	ctx := conn.CloseRead(r.Context())

	timeout := p.writeTimeout
	if timeout <= 0 {
		timeout = defaultWriteTimeout
	}
	sink := hub.SinkFunc(func(ctx context.Context, msg hub.Message) error {
		frame, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		writeCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return conn.Write(writeCtx, websocket.MessageText, frame)
	})

	err = p.fanout.Attach(ctx, sink)
	switch {
	case err == nil, errors.Is(err, hub.ErrClosed):
		conn.Close(websocket.StatusGoingAway, "server shutting down")
	case errors.Is(err, hub.ErrSlowConsumer):
		conn.Close(websocket.StatusTryAgainLater, "too slow, reconnect for a fresh snapshot")
	case errors.Is(err, context.Canceled):
	default:
		p.logger.Debug("websocket observer detached", "remote", r.RemoteAddr, "error", err)
	}
}
