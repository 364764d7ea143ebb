package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/taskd/internal/eventlog"
)

// handleEvents implements GET /v1/executions/{id}/events?after=N. Without
// follow it returns the durable history as JSON; with follow=1 it streams
// history and live events as SSE until the terminal event.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.cfg.Store.GetExecution(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	after := queryUint(r, "after")
	if r.URL.Query().Get("follow") == "" {
		evs, err := s.cfg.Events.Replay(id, after)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		if evs == nil {
			evs = []eventlog.Event{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"events": evs})
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	feed, err := s.cfg.Events.Subscribe(r.Context(), id, after)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for ev := range feed {
		data, err := json.Marshal(ev)
		if err != nil {
			s.logger.Error("sse: marshal event", "execution_id", id, "error", err)
			return
		}
		if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.Type, data); err != nil {
			s.logger.Debug("sse: write failed", "execution_id", id, "error", err)
			return
		}
		flusher.Flush()
	}
}

// handleStream implements GET /v1/executions/{id}/stream?after=N over
// WebSocket. Each event is one JSON message; the server closes normally
// after the terminal event.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.cfg.Store.GetExecution(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Same-origin requests are always allowed by the websocket library.
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	defer conn.CloseNow()

	// The read side only exists to notice the client going away.
	ctx := conn.CloseRead(r.Context())
	feed, err := s.cfg.Events.Subscribe(ctx, id, queryUint(r, "after"))
	if err != nil {
		_ = conn.Close(websocket.StatusInternalError, "subscribe failed")
		return
	}
	s.logger.Debug("ws: subscriber connected", "execution_id", id)
	for ev := range feed {
		if err := wsjson.Write(ctx, conn, ev); err != nil {
			s.logger.Debug("ws: write failed", "execution_id", id, "error", err)
			return
		}
		if ev.Terminal() {
			_ = conn.Close(websocket.StatusNormalClosure, "execution finished")
			return
		}
	}
	_ = conn.Close(websocket.StatusGoingAway, "stream ended")
}

type ackBody struct {
	Seq uint64 `json:"seq"`
}

// handleAck implements POST /v1/executions/{id}/ack. A consumer that has
// durably processed events up to seq acknowledges them; whole segments at
// or below the acknowledgement are then compacted away.
func (s *Server) handleAck(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.cfg.Store.GetExecution(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	var body ackBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if body.Seq == 0 {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "seq must be positive", Field: "seq", Rule: "required"})
		return
	}
	if err := s.cfg.Events.Ack(id, body.Seq); err != nil {
		s.fail(w, r, err)
		return
	}
	removed, err := s.cfg.Events.Compact(id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if removed > 0 {
		s.logger.Debug("event log compacted", "execution_id", id, "segments", removed)
	}
	writeJSON(w, http.StatusOK, map[string]any{"execution_id": id, "acked": body.Seq, "segments_removed": removed})
}
