package stream

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/aquamarinepk/aqm"
)

// SSEHandler streams frames as Server-Sent Events. The event id is the
// frame sequence, so a browser EventSource resumes through Last-Event-ID
// on its own.
type SSEHandler struct {
	opener *Opener
	logger aqm.Logger
}

func NewSSEHandler(opener *Opener, logger aqm.Logger) *SSEHandler {
	if logger == nil {
		logger = aqm.NewNoopLogger()
	}
	return &SSEHandler{opener: opener, logger: logger}
}

func (h *SSEHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		aqm.RespondError(w, http.StatusInternalServerError, "Streaming unsupported")
		return
	}

	req, err := openRequest(r)
	if err != nil {
		RespondStreamError(w, err)
		return
	}
	sess, err := h.opener.Open(r.Context(), req)
	if err != nil {
		h.logger.Info("SSE stream refused", "branch", req.Branch, "error", err)
		RespondStreamError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	fmt.Fprintf(w, ": connected\n\n")
	fmt.Fprintf(w, "retry: 2000\n\n")
	flusher.Flush()

	out := &sseSender{w: w, f: flusher}
	if err := sess.Run(r.Context(), out); err != nil && r.Context().Err() == nil {
		h.logger.Error("SSE stream failed", "connection_id", sess.ID, "error", err)
	}
}

type sseSender struct {
	w http.ResponseWriter
	f http.Flusher
}

func (s *sseSender) Send(f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "id: %d\nevent: %s\ndata: %s\n\n", f.Sequence, f.Type, data); err != nil {
		return err
	}
	s.f.Flush()
	return nil
}

func (s *sseSender) Keepalive() error {
	if _, err := fmt.Fprintf(s.w, ": keepalive\n\n"); err != nil {
		return err
	}
	s.f.Flush()
	return nil
}
