// Package gateway provides a client for the crew gateway: the SSE chat
// stream, task controls and the websocket mirror.
package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Frame is one decoded wire frame.
type Frame struct {
	Step string         `json:"step"`
	Data map[string]any `json:"data"`
}

// Client talks to one crew gateway.
type Client struct {
	baseURL string
	http    *http.Client
}

// New returns a client for the gateway at baseURL, e.g. "http://127.0.0.1:5678".
func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{},
	}
}

// ChatRequest starts a project.
type ChatRequest struct {
	ProjectID  string   `json:"project_id,omitempty"`
	Question   string   `json:"question"`
	MaxRetries int      `json:"max_retries,omitempty"`
	Attaches   []string `json:"attaches,omitempty"`
}

// Stream reads wire frames off an open SSE response.
type Stream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
}

// Chat starts a project and returns its frame stream. The stream stays open
// until an end frame or the context is cancelled.
func (c *Client) Chat(ctx context.Context, req ChatRequest) (*Stream, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("chat: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, decodeError(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &Stream{body: resp.Body, scanner: scanner}, nil
}

// Next blocks for the next frame. io.EOF marks a closed stream.
func (s *Stream) Next() (Frame, error) {
	for s.scanner.Scan() {
		line := s.scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var f Frame
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &f); err != nil {
			return Frame{}, fmt.Errorf("decode frame: %w", err)
		}
		return f, nil
	}
	if err := s.scanner.Err(); err != nil {
		return Frame{}, err
	}
	return Frame{}, io.EOF
}

// Close releases the underlying response body.
func (s *Stream) Close() error {
	return s.body.Close()
}

// Start confirms the plan for a project waiting on wait_confirm.
func (c *Client) Start(ctx context.Context, projectID string) error {
	return c.post(ctx, fmt.Sprintf("/task/%s/start", projectID), nil)
}

// FollowUp queues a supplement on a running project.
func (c *Client) FollowUp(ctx context.Context, projectID, question, taskID string) error {
	return c.post(ctx, fmt.Sprintf("/chat/%s", projectID), map[string]string{
		"question": question,
		"task_id":  taskID,
	})
}

// SkipTask requests a soft stop of a running project.
func (c *Client) SkipTask(ctx context.Context, projectID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		fmt.Sprintf("%s/chat/%s/skip-task", c.baseURL, projectID), nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	return nil
}

// TaskState fetches the project status, subtasks and worker stats.
func (c *Client) TaskState(ctx context.Context, projectID string) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/task/%s", c.baseURL, projectID), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, decodeError(resp)
	}
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

// Health reports whether the gateway answers its health check.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health: status %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, body any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil && body.Error != "" {
		return fmt.Errorf("gateway: %s (status %d)", body.Error, resp.StatusCode)
	}
	return fmt.Errorf("gateway: status %d", resp.StatusCode)
}
