package gateway

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"

	"crew/internal/stream"
	"crew/internal/tasklock"
)

// handleWS mirrors a project's wire stream over a websocket and accepts
// control actions from the client. Useful for reconnecting after the POST
// /chat connection dropped.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	projectID := projectParam(r)
	lock, ok := s.rt.Locks.Get(projectID)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown project %s", projectID)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // any origin, the gateway binds locally
	})
	if err != nil {
		slog.Warn("ws accept", "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	ctx := r.Context()
	eventCh, unsub := s.rt.Bus.SubscribeChan(projectID)
	defer unsub()

	// Reader: client control actions.
	go func() {
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var msg struct {
				Action string         `json:"action"`
				Data   map[string]any `json:"data"`
			}
			if err := json.Unmarshal(data, &msg); err != nil || msg.Action == "" {
				slog.Debug("ws message ignored", "error", err)
				continue
			}
			if err := lock.PutControl(tasklock.Action{Name: msg.Action, Data: msg.Data}); err != nil {
				slog.Warn("ws control dropped", "project_id", projectID, "action", msg.Action, "error", err)
			}
		}
	}()

	// Writer: project wire events.
	for {
		select {
		case e, open := <-eventCh:
			if !open {
				return
			}
			frame, mapped := stream.ProjectEvent(e)
			if !mapped {
				continue
			}
			payload, err := json.Marshal(frame)
			if err != nil {
				slog.Warn("ws frame encode", "error", err)
				continue
			}
			if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
				return
			}
			if frame.Step == stream.WireEnd {
				return
			}
		case <-lock.Done():
			return
		case <-ctx.Done():
			return
		}
	}
}
