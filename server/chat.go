package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/smallnest/chatgraph/stream"
	"github.com/smallnest/chatgraph/workflow"
)

const headerThreadID = "X-Thread-ID"

var errNoMessages = errors.New("messages must not be empty")

// handleChatStream answers with text/event-stream. Errors before the first
// frame are JSON {detail} with status 500, or 503 when no worker is free.
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	var req workflow.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusInternalServerError, "invalid request body: "+err.Error())
		return
	}
	if len(req.Messages) == 0 {
		writeDetail(w, http.StatusInternalServerError, errNoMessages.Error())
		return
	}
	fw, ok := w.(stream.FrameWriter)
	if !ok {
		writeDetail(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	st, err := s.gateway.Start(req)
	if errors.Is(err, stream.ErrBusy) {
		writeDetail(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set(headerThreadID, st.ThreadID())
	w.WriteHeader(http.StatusOK)
	fw.Flush()

	if err := st.Forward(r.Context(), fw); err != nil {
		s.logger.Warn("stream %s ended early: %v", st.ThreadID(), err)
	}
}
