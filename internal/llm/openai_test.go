package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ivanfer8/voice-agent/internal/config"
	"github.com/ivanfer8/voice-agent/internal/provider"
)

func llmTestConfig() *config.Config {
	return &config.Config{
		OpenAIAPIKey:      "test-key",
		OpenAIModel:       "gpt-4o-mini",
		OpenAITemperature: 0.7,
		OpenAIMaxTokens:   150,
	}
}

func sseChunk(content string) string {
	payload, _ := json.Marshal(map[string]interface{}{
		"choices": []map[string]interface{}{
			{"delta": map[string]string{"content": content}},
		},
	})
	return fmt.Sprintf("data: %s\n\n", payload)
}

func newStreamingServer(t *testing.T, fragments []string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Stream   bool `json:"stream"`
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("bad request body: %v", err)
		}
		if !req.Stream {
			t.Error("expected stream=true")
		}
		if len(req.Messages) == 0 || req.Messages[0].Role != "system" {
			t.Error("expected a prepended system message")
		}

		flusher := w.(http.Flusher)
		w.Header().Set("Content-Type", "text/event-stream")
		for _, f := range fragments {
			fmt.Fprint(w, sseChunk(f))
			flusher.Flush()
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
		flusher.Flush()
	}))
}

func TestOpenAIAdapter_StreamsFragmentsInOrder(t *testing.T) {
	fragments := []string{"Vale.", " Te llamo", " por la", " fibra?"}
	server := newStreamingServer(t, fragments)
	defer server.Close()

	o := NewOpenAIAdapter(llmTestConfig())
	o.apiURL = server.URL

	history := []provider.Message{{Role: provider.RoleUser, Content: "hola"}}
	stream, err := o.StreamResponse(context.Background(), history, "Iván")
	if err != nil {
		t.Fatalf("StreamResponse failed: %v", err)
	}

	var got []string
	for f := range stream {
		got = append(got, f)
	}

	if len(got) != len(fragments) {
		t.Fatalf("expected %d fragments, got %d: %v", len(fragments), len(got), got)
	}
	if strings.Join(got, "") != "Vale. Te llamo por la fibra?" {
		t.Errorf("concatenated fragments = %q", strings.Join(got, ""))
	}
	for i, f := range fragments {
		if got[i] != f {
			t.Errorf("fragment %d = %q, want %q", i, got[i], f)
		}
	}
}

func TestOpenAIAdapter_CancelStopsStream(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sseChunk("primer"))
		flusher.Flush()
		// Hold the stream open until the client aborts
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer server.Close()
	defer close(release)

	o := NewOpenAIAdapter(llmTestConfig())
	o.apiURL = server.URL

	stream, err := o.StreamResponse(context.Background(), nil, "")
	if err != nil {
		t.Fatalf("StreamResponse failed: %v", err)
	}

	select {
	case f := <-stream:
		if f != "primer" {
			t.Fatalf("expected first fragment, got %q", f)
		}
	case <-time.After(time.Second):
		t.Fatal("no fragment before cancel")
	}

	o.Cancel()

	// The stream must end cleanly, with no fragments after Cancel returns
	select {
	case f, ok := <-stream:
		if ok {
			t.Errorf("fragment %q delivered after Cancel", f)
		}
	case <-time.After(time.Second):
		t.Fatal("stream did not close after Cancel")
	}

	// A cancellation-induced abort is not an error
	select {
	case err := <-o.Errors():
		t.Errorf("cancel surfaced an error: %v", err)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestOpenAIAdapter_CancelWhenIdleIsNoOp(t *testing.T) {
	o := NewOpenAIAdapter(llmTestConfig())
	o.Cancel() // must not panic or block
}

func TestOpenAIAdapter_UpstreamErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error": "rate limited"}`, http.StatusTooManyRequests)
	}))
	defer server.Close()

	o := NewOpenAIAdapter(llmTestConfig())
	o.apiURL = server.URL

	if _, err := o.StreamResponse(context.Background(), nil, ""); err == nil {
		t.Fatal("expected error for non-200 response")
	}

	// The adapter must be reusable after a failed start
	server2 := newStreamingServer(t, []string{"ok"})
	defer server2.Close()
	o.apiURL = server2.URL

	stream, err := o.StreamResponse(context.Background(), nil, "")
	if err != nil {
		t.Fatalf("StreamResponse after failure: %v", err)
	}
	for range stream {
	}
}

func TestOpenAIAdapter_SystemPromptCarriesClientName(t *testing.T) {
	var systemContent string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		if len(req.Messages) > 0 {
			systemContent = req.Messages[0].Content
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	o := NewOpenAIAdapter(llmTestConfig())
	o.apiURL = server.URL

	stream, err := o.StreamResponse(context.Background(), nil, "Iván")
	if err != nil {
		t.Fatalf("StreamResponse failed: %v", err)
	}
	for range stream {
	}

	if !strings.Contains(systemContent, "Iván") {
		t.Errorf("system prompt does not mention the client name: %q", systemContent)
	}
}

func TestOpenAIAdapter_EstimateCost(t *testing.T) {
	o := NewOpenAIAdapter(llmTestConfig())

	short := []provider.Message{{Role: provider.RoleUser, Content: "hola"}}
	long := []provider.Message{{Role: provider.RoleUser, Content: strings.Repeat("palabra ", 500)}}

	costShort := o.EstimateCost(short)
	costLong := o.EstimateCost(long)

	if costShort <= 0 {
		t.Errorf("expected positive cost, got %f", costShort)
	}
	if costLong <= costShort {
		t.Errorf("expected longer prompt to cost more: short=%f long=%f", costShort, costLong)
	}
}
