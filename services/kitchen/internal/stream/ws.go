package stream

import (
	"context"
	"net/http"
	"time"

	"github.com/aquamarinepk/aqm"
	"github.com/gorilla/websocket"
)

const writeTimeout = 10 * time.Second

// WSHandler streams frames as JSON text messages over a WebSocket. The
// handshake runs before the upgrade so refusals are plain HTTP errors.
type WSHandler struct {
	opener   *Opener
	upgrader websocket.Upgrader
	logger   aqm.Logger
}

func NewWSHandler(opener *Opener, logger aqm.Logger) *WSHandler {
	if logger == nil {
		logger = aqm.NewNoopLogger()
	}
	return &WSHandler{
		opener: opener,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Displays are served from other origins; the token is the gate.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger,
	}
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	req, err := openRequest(r)
	if err != nil {
		RespondStreamError(w, err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sess, err := h.opener.Open(ctx, req)
	if err != nil {
		h.logger.Info("websocket stream refused", "branch", req.Branch, "error", err)
		RespondStreamError(w, err)
		return
	}

	wc, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		sess.Close()
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	defer wc.Close()

	// Clients only talk control frames; reading surfaces the close.
	go func() {
		defer cancel()
		for {
			if _, _, err := wc.NextReader(); err != nil {
				return
			}
		}
	}()

	out := &wsSender{wc: wc}
	err = sess.Run(ctx, out)
	if err != nil && ctx.Err() == nil {
		h.logger.Error("websocket stream failed", "connection_id", sess.ID, "error", err)
	}
	wc.SetWriteDeadline(time.Now().Add(writeTimeout))
	wc.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

type wsSender struct {
	wc *websocket.Conn
}

func (s *wsSender) Send(f Frame) error {
	s.wc.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.wc.WriteJSON(f)
}

func (s *wsSender) Keepalive() error {
	s.wc.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.wc.WriteMessage(websocket.PingMessage, nil)
}
