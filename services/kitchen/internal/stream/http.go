package stream

import (
	"context"
	"errors"
	"net/http"

	"github.com/appetiteclub/kds/pkg/event"
	"github.com/appetiteclub/kds/services/kitchen/internal/auth"
	"github.com/appetiteclub/kds/services/kitchen/internal/bus"
	"github.com/appetiteclub/kds/services/kitchen/internal/reconcile"
	"github.com/aquamarinepk/aqm"
	"github.com/aquamarinepk/aqm/telemetry"
	"github.com/go-chi/chi/v5"
	"github.com/klauspost/compress/gzhttp"
)

// Snapshotter takes reconciliation snapshots for the HTTP route.
type Snapshotter interface {
	Snapshot(ctx context.Context, branch string, topics []event.Topic) (*reconcile.Snapshot, error)
}

// Handler serves the display streams and the snapshot route.
type Handler struct {
	opener    *Opener
	snapshots Snapshotter
	auth      *auth.Authenticator
	ws        *WSHandler
	sse       *SSEHandler
	logger    aqm.Logger
	tlm       *telemetry.HTTP
}

func NewHandler(opener *Opener, snapshots Snapshotter, a *auth.Authenticator, logger aqm.Logger) *Handler {
	if logger == nil {
		logger = aqm.NewNoopLogger()
	}
	return &Handler{
		opener:    opener,
		snapshots: snapshots,
		auth:      a,
		ws:        NewWSHandler(opener, logger),
		sse:       NewSSEHandler(opener, logger),
		logger:    logger,
		tlm:       telemetry.NewHTTP(),
	}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/streams", func(r chi.Router) {
		r.Get("/sse", h.sse.ServeHTTP)
		r.Get("/ws", h.ws.ServeHTTP)
	})
	r.Method(http.MethodGet, "/snapshot", gzhttp.GzipHandler(http.HandlerFunc(h.Snapshot)))
}

// Snapshot serves GET /snapshot?branch=&topics=.
func (h *Handler) Snapshot(w http.ResponseWriter, r *http.Request) {
	w, r, finish := h.tlm.Start(w, r, "Handler.Snapshot")
	defer finish()
	log := h.logger.With("request_id", aqm.RequestIDFrom(r.Context()))

	q := r.URL.Query()
	branch := q.Get("branch")
	if branch == "" {
		aqm.RespondError(w, http.StatusBadRequest, "branch is required")
		return
	}
	topics, err := ParseTopics(branch, q.Get("topics"))
	if err != nil {
		RespondStreamError(w, err)
		return
	}

	ac, err := h.auth.Authenticate(auth.TokenFromRequest(r), branch)
	if err != nil {
		RespondStreamError(w, err)
		return
	}
	if len(topics) == 0 {
		topics = ac.DefaultTopics()
	}
	if err := ac.Authorize(topics); err != nil {
		RespondStreamError(w, err)
		return
	}

	snap, err := h.snapshots.Snapshot(r.Context(), branch, topics)
	if err != nil {
		log.Errorf("cannot take snapshot: %v", err)
		RespondStreamError(w, err)
		return
	}

	aqm.Respond(w, http.StatusOK, snap, nil)
}

// openRequest reads the stream parameters shared by SSE and WebSocket.
func openRequest(r *http.Request) (OpenRequest, error) {
	q := r.URL.Query()
	branch := q.Get("branch")
	topics, err := ParseTopics(branch, q.Get("topics"))
	if err != nil {
		return OpenRequest{}, err
	}

	cursorParam := q.Get("cursor")
	if id := r.Header.Get("Last-Event-ID"); id != "" {
		cursorParam = id
	}
	cursor, err := ParseCursor(cursorParam)
	if err != nil {
		return OpenRequest{}, err
	}

	return OpenRequest{
		Token:  auth.TokenFromRequest(r),
		Branch: branch,
		Topics: topics,
		Cursor: cursor,
	}, nil
}

// RespondStreamError maps handshake failures to HTTP.
func RespondStreamError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrBadRequest):
		aqm.RespondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, auth.ErrUnauthorized):
		aqm.RespondError(w, http.StatusUnauthorized, "Unauthorized")
	case errors.Is(err, auth.ErrForbidden):
		aqm.RespondError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, reconcile.ErrTimeout):
		w.Header().Set("Retry-After", "1")
		aqm.RespondError(w, http.StatusServiceUnavailable, "Snapshot timed out, retry")
	case errors.Is(err, bus.ErrCursorExpired):
		aqm.RespondError(w, http.StatusGone, err.Error())
	case errors.Is(err, bus.ErrClosed):
		aqm.RespondError(w, http.StatusServiceUnavailable, "Shutting down")
	default:
		aqm.RespondError(w, http.StatusInternalServerError, "Internal error")
	}
}
