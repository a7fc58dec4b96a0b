package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/coder/websocket"
)

// Watcher mirrors a running project's wire stream over the websocket
// endpoint, for clients that lost their chat connection.
type Watcher struct {
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
}

// Watch dials the mirror for a project.
func (c *Client) Watch(ctx context.Context, projectID string) (*Watcher, error) {
	url := "ws" + strings.TrimPrefix(c.baseURL, "http") + "/ws/" + projectID
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("ws dial: %w", err)
	}
	wctx, cancel := context.WithCancel(ctx)
	return &Watcher{conn: conn, ctx: wctx, cancel: cancel}, nil
}

// Next blocks for the next mirrored frame.
func (w *Watcher) Next() (Frame, error) {
	_, data, err := w.conn.Read(w.ctx)
	if err != nil {
		return Frame{}, err
	}
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	return f, nil
}

// Control sends a control action upstream, e.g. "start" or "skip_task".
func (w *Watcher) Control(action string, data map[string]any) error {
	payload, err := json.Marshal(map[string]any{"action": action, "data": data})
	if err != nil {
		return err
	}
	return w.conn.Write(w.ctx, websocket.MessageText, payload)
}

// Close gracefully closes the mirror connection.
func (w *Watcher) Close() error {
	w.cancel()
	return w.conn.Close(websocket.StatusNormalClosure, "bye")
}
