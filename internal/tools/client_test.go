package tools

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestInvoke_FlatResult(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req invokeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.ToolName != "transcribe_audio" {
			t.Errorf("tool_name = %q", req.ToolName)
		}
		if r.Header.Get("Authorization") != "Bearer tool-tok" {
			t.Errorf("authorization = %q", r.Header.Get("Authorization"))
		}
		json.NewEncoder(w).Encode(map[string]any{"result": "hello world"})
	}))
	defer srv.Close()

	c := NewClient(nil, srv.URL, "tool-tok", time.Second)
	got, err := c.Invoke(context.Background(), "transcribe_audio", map[string]any{"format": "amr"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if got != "hello world" {
		t.Fatalf("result = %q", got)
	}
}

func TestInvoke_ContentBlocks(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"content": []map[string]any{
				{"type": "text", "text": "page one"},
				{"type": "image", "text": ""},
				{"type": "text", "text": "page two"},
			},
		})
	}))
	defer srv.Close()

	c := NewClient(nil, srv.URL, "", time.Second)
	got, err := c.Invoke(context.Background(), "extract_document", nil)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if got != "page one\npage two" {
		t.Fatalf("result = %q", got)
	}
}

func TestInvoke_ServiceError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"error": "unsupported format"})
	}))
	defer srv.Close()

	c := NewClient(nil, srv.URL, "", time.Second)
	if _, err := c.Invoke(context.Background(), "transcribe_audio", nil); err == nil {
		t.Fatal("expected error from service-reported failure")
	}
}

func TestInvoke_NonOKStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(nil, srv.URL, "", time.Second)
	if _, err := c.Invoke(context.Background(), "x", nil); err == nil {
		t.Fatal("expected error for 500 response")
	}
}

func TestBuildArguments(t *testing.T) {
	t.Parallel()

	audio := BuildAudioArguments([]byte{1, 2, 3}, "amr")
	if audio["format"] != "amr" || audio["audio_base64"] == "" {
		t.Fatalf("audio args = %v", audio)
	}
	file := BuildFileArguments([]byte("doc"), "a.pdf")
	if file["filename"] != "a.pdf" || file["file_base64"] == "" {
		t.Fatalf("file args = %v", file)
	}
}
