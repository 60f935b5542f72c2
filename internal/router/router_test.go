package router

import (
	"bytes"
	"strings"
	"testing"

	"github.com/mind-orchestrator/mind/internal/model"
)

func sampleModels() []model.Record {
	return []model.Record{
		{Abbr: "qwen1.5b", Port: 20001, Endpoint: model.Endpoint("qwen1.5b"), Status: model.StatusRunning},
		{Abbr: "llama3-8b", Port: 20002, Endpoint: model.Endpoint("llama3-8b"), Status: model.StatusRunning},
		{Abbr: "stopped-one", Port: 20003, Endpoint: model.Endpoint("stopped-one"), Status: model.StatusStopped},
	}
}

func TestRenderOnlyIncludesRunningModels(t *testing.T) {
	out, err := Render(sampleModels(), "127.0.0.1", "9000")
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	s := string(out)

	if !strings.Contains(s, "mind_qwen1.5b") || !strings.Contains(s, "mind_llama3-8b") {
		t.Fatalf("expected running models in output, got:\n%s", s)
	}
	if strings.Contains(s, "mind_stopped-one") {
		t.Fatalf("stopped model should not appear in router output, got:\n%s", s)
	}
}

func TestRenderExactlyTwoLocationBlocksPerModel(t *testing.T) {
	out, err := Render(sampleModels(), "127.0.0.1", "9000")
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	s := string(out)

	count := strings.Count(s, "location "+model.Endpoint("qwen1.5b"))
	if count != 2 {
		t.Fatalf("location blocks for qwen1.5b = %d, want 2", count)
	}
}

// TestRenderChatCompletionsRoutesToOrchestrator asserts the §4.3 contract
// directly: the chat-completions block must proxy to the orchestrator's own
// upstream, not the model's container, while the catch-all block proxies to
// the container.
func TestRenderChatCompletionsRoutesToOrchestrator(t *testing.T) {
	out, err := Render(sampleModels(), "127.0.0.1", "9123")
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	s := string(out)

	endpoint := model.Endpoint("qwen1.5b")

	chatBlockStart := strings.Index(s, "location "+endpoint+"/chat/completions {")
	if chatBlockStart == -1 {
		t.Fatalf("expected a dedicated chat/completions location block, got:\n%s", s)
	}
	catchAllStart := strings.Index(s, "location "+endpoint+"/ {")
	if catchAllStart == -1 {
		t.Fatalf("expected a catch-all location block, got:\n%s", s)
	}
	if catchAllStart < chatBlockStart {
		t.Fatalf("chat/completions block must come before the catch-all block, got:\n%s", s)
	}

	chatBlock := s[chatBlockStart:catchAllStart]
	if !strings.Contains(chatBlock, "proxy_pass http://127.0.0.1:9123"+endpoint+"/chat/completions;") {
		t.Fatalf("chat/completions block must proxy to the orchestrator's own upstream, got:\n%s", chatBlock)
	}
	if strings.Contains(chatBlock, "proxy_pass http://mind_qwen1.5b") {
		t.Fatalf("chat/completions block must not bypass the orchestrator to the container directly, got:\n%s", chatBlock)
	}

	nextBlockStart := strings.Index(s[catchAllStart+1:], "\nlocation ")
	catchAllBlock := s[catchAllStart:]
	if nextBlockStart != -1 {
		catchAllBlock = s[catchAllStart : catchAllStart+1+nextBlockStart]
	}
	if !strings.Contains(catchAllBlock, "proxy_pass http://mind_qwen1.5b/v1/;") {
		t.Fatalf("catch-all block must proxy directly to the model's container, got:\n%s", catchAllBlock)
	}
}

// TestRenderBothBlocksCarryRequiredDirectives checks §4.3's "Both blocks:"
// requirements: CORS headers, an OPTIONS short-circuit, SSE-friendly
// connection handling, and both proxy timeouts.
func TestRenderBothBlocksCarryRequiredDirectives(t *testing.T) {
	// A single running model, so each directive's count is exactly its
	// two location blocks.
	out, err := Render(sampleModels()[:1], "127.0.0.1", "9000")
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	s := string(out)

	for _, want := range []string{
		"Access-Control-Allow-Origin",
		"if ($request_method = OPTIONS)",
		"proxy_set_header Connection \"\";",
		"proxy_http_version 1.1;",
		"proxy_read_timeout 300s;",
		"proxy_send_timeout 300s;",
	} {
		if strings.Count(s, want) != 2 {
			t.Fatalf("expected %q to appear in both location blocks (count=2), got %d in:\n%s", want, strings.Count(s, want), s)
		}
	}
}

func TestRenderIsByteStableForSameInput(t *testing.T) {
	models := sampleModels()

	a, err := Render(models, "127.0.0.1", "9000")
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	b, err := Render(models, "127.0.0.1", "9000")
	if err != nil {
		t.Fatalf("Render: %v", err)
	}

	if !bytes.Equal(a, b) {
		t.Fatal("Render should be deterministic (idempotent) for identical input")
	}
}

func TestRenderEmptyModelSet(t *testing.T) {
	out, err := Render(nil, "127.0.0.1", "9000")
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if strings.Contains(string(out), "upstream mind_") {
		t.Fatalf("expected no upstream blocks for an empty model set, got:\n%s", out)
	}
}
