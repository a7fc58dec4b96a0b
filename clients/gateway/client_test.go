package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestChatStreamsFrames(t *testing.T) {
	var gotQuestion string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat" {
			http.NotFound(w, r)
			return
		}
		var req ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		gotQuestion = req.Question

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"step\":\"confirmed\",\"data\":{\"project_id\":\"p1\"}}\n\n")
		fmt.Fprint(w, "data: {\"step\":\"end\",\"data\":{\"summary\":\"done\"}}\n\n")
	}))
	defer ts.Close()

	stream, err := New(ts.URL).Chat(context.Background(), ChatRequest{Question: "hello"})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	defer stream.Close()

	if gotQuestion != "hello" {
		t.Errorf("question = %q", gotQuestion)
	}

	f, err := stream.Next()
	if err != nil || f.Step != "confirmed" || f.Data["project_id"] != "p1" {
		t.Fatalf("first frame = %+v, err %v", f, err)
	}
	f, err = stream.Next()
	if err != nil || f.Step != "end" || f.Data["summary"] != "done" {
		t.Fatalf("second frame = %+v, err %v", f, err)
	}
	if _, err := stream.Next(); !errors.Is(err, io.EOF) {
		t.Fatalf("after end = %v, want EOF", err)
	}
}

func TestChatSurfacesGatewayError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]string{"error": "project busy already running"})
	}))
	defer ts.Close()

	_, err := New(ts.URL).Chat(context.Background(), ChatRequest{Question: "hello"})
	if err == nil || !strings.Contains(err.Error(), "project busy") {
		t.Fatalf("err = %v", err)
	}
}

func TestControls(t *testing.T) {
	var paths []string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.Method+" "+r.URL.Path)
		switch r.URL.Path {
		case "/task/p1":
			json.NewEncoder(w).Encode(map[string]any{"status": "PROCESSING"})
		default:
			json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
		}
	}))
	defer ts.Close()

	c := New(ts.URL)
	ctx := context.Background()
	if err := c.Start(ctx, "p1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := c.FollowUp(ctx, "p1", "more detail", "t2"); err != nil {
		t.Fatalf("FollowUp: %v", err)
	}
	if err := c.SkipTask(ctx, "p1"); err != nil {
		t.Fatalf("SkipTask: %v", err)
	}
	state, err := c.TaskState(ctx, "p1")
	if err != nil || state["status"] != "PROCESSING" {
		t.Fatalf("TaskState = %v, err %v", state, err)
	}
	if err := c.Health(ctx); err != nil {
		t.Fatalf("Health: %v", err)
	}

	want := []string{
		"POST /task/p1/start",
		"POST /chat/p1",
		"DELETE /chat/p1/skip-task",
		"GET /task/p1",
		"GET /health",
	}
	if len(paths) != len(want) {
		t.Fatalf("paths = %v", paths)
	}
	for i := range want {
		if paths[i] != want[i] {
			t.Errorf("call %d = %q, want %q", i, paths[i], want[i])
		}
	}
}
