package ctxmediate

import (
	"strings"
	"testing"

	"github.com/mind-orchestrator/mind/internal/model"
)

func msg(role string, contentLen int) Message {
	return Message{Role: role, Content: strings.Repeat("a", contentLen)}
}

func TestMediateFastPathNoTruncation(t *testing.T) {
	req := Request{
		Messages: []Message{
			{Role: "system", Content: "be helpful"},
			{Role: "user", Content: "hello"},
		},
	}

	messages, maxTokens, truncated, err := Mediate(req, 4096)
	if err != nil {
		t.Fatalf("Mediate: %v", err)
	}
	if truncated {
		t.Fatal("expected no truncation for a short conversation")
	}
	if len(messages) != 2 {
		t.Fatalf("messages = %d, want 2", len(messages))
	}
	if maxTokens != defaultMaxTokens {
		t.Fatalf("maxTokens = %d, want default %d", maxTokens, defaultMaxTokens)
	}
}

func TestMediateRejectsEmptyMessages(t *testing.T) {
	_, _, _, err := Mediate(Request{}, 4096)
	if err == nil {
		t.Fatal("expected error for empty messages")
	}
	merr, ok := err.(*model.Error)
	if !ok || merr.Kind != model.KindValidation {
		t.Fatalf("err = %v, want ValidationError", err)
	}
}

func TestMediateRejectsEmptyRole(t *testing.T) {
	req := Request{Messages: []Message{{Role: "", Content: "hi"}}}
	_, _, _, err := Mediate(req, 4096)
	if err == nil {
		t.Fatal("expected error for empty role")
	}
}

func TestMediateTruncatesLongHistory(t *testing.T) {
	// A small window forces truncation: build a long history with a
	// system prompt plus many large user/assistant turns.
	messages := []Message{{Role: "system", Content: "be concise"}}
	for i := 0; i < 30; i++ {
		messages = append(messages, msg("user", 200), msg("assistant", 200))
	}

	req := Request{Messages: messages}
	result, maxTokens, truncated, err := Mediate(req, 2048)
	if err != nil {
		t.Fatalf("Mediate: %v", err)
	}
	if !truncated {
		t.Fatal("expected truncation for an oversized conversation")
	}
	if result[0].Role != "system" {
		t.Fatalf("first message role = %q, want system (preserved)", result[0].Role)
	}
	if len(result) > maxTrailingNonSys+1 {
		t.Fatalf("kept %d messages, want at most %d + system", len(result), maxTrailingNonSys)
	}
	if maxTokens <= 0 {
		t.Fatalf("maxTokens = %d, want positive", maxTokens)
	}

	if estimateTokens(result)+maxTokens+safetyBuffer > 2048 {
		t.Fatalf("truncated conversation still exceeds window: tokens=%d maxTokens=%d window=2048",
			estimateTokens(result), maxTokens)
	}
}

func TestMediateAddsNoSystemMessageWhenFirstIsNotSystem(t *testing.T) {
	messages := []Message{{Role: "user", Content: "hi"}}
	for i := 0; i < 30; i++ {
		messages = append(messages, msg("user", 300), msg("assistant", 300))
	}

	req := Request{Messages: messages}
	result, _, truncated, err := Mediate(req, 2048)
	if err != nil {
		t.Fatalf("Mediate: %v", err)
	}
	if !truncated {
		t.Fatal("expected truncation")
	}
	for _, m := range result {
		if m.Role == "system" {
			t.Fatal("no system message was provided; none should be synthesized")
		}
	}
}

// TestMediateDropsOneMessageWhenOldestPairIsNotAlternating exercises §4.5's
// tie-break rule directly: the two oldest kept messages are only dropped
// together when they're an adjacent user/assistant pair. Here the two
// oldest are both "user", so exactly one message must be dropped, not two.
func TestMediateDropsOneMessageWhenOldestPairIsNotAlternating(t *testing.T) {
	messages := []Message{
		msg("assistant", 0), // 0 - outside the trailing window
		msg("user", 0),      // 1 - oldest kept
		msg("user", 0),      // 2 - second-oldest kept, same role as 1
		msg("assistant", 0), // 3
		msg("user", 0),      // 4
		msg("assistant", 0), // 5
		msg("user", 0),      // 6
		msg("assistant", 0), // 7
		msg("user", 0),      // 8
		msg("assistant", 0), // 9
		msg("user", 0),      // 10
	}
	requested := 10
	req := Request{Messages: messages, MaxTokens: &requested}

	result, maxTokens, truncated, err := Mediate(req, 99)
	if err != nil {
		t.Fatalf("Mediate: %v", err)
	}
	if !truncated {
		t.Fatal("expected truncation")
	}
	if maxTokens != 10 {
		t.Fatalf("maxTokens = %d, want 10 (requested, well under half the window)", maxTokens)
	}
	if len(result) != 9 {
		t.Fatalf("result len = %d, want 9 (only the single oldest message dropped)", len(result))
	}
	if result[0].Role != "user" {
		t.Fatalf("result[0].Role = %q, want %q — dropping the non-alternating pair together would have removed an extra message", result[0].Role, "user")
	}
}

func TestMediateContextOverflowWhenUnsatisfiable(t *testing.T) {
	// A window too small to fit even the safety buffer plus one message.
	req := Request{Messages: []Message{{Role: "user", Content: strings.Repeat("x", 10000)}}}
	_, _, _, err := Mediate(req, 32)
	if err == nil {
		t.Fatal("expected ContextOverflow error")
	}
	merr, ok := err.(*model.Error)
	if !ok || merr.Kind != model.KindContextOverflow {
		t.Fatalf("err = %v, want ContextOverflow", err)
	}
}

func TestMediateRespectsRequestedMaxTokensCap(t *testing.T) {
	requested := 100000
	req := Request{
		Messages:  []Message{{Role: "user", Content: "hi"}},
		MaxTokens: &requested,
	}
	_, maxTokens, _, err := Mediate(req, 4096)
	if err != nil {
		t.Fatalf("Mediate: %v", err)
	}
	if maxTokens > 4096/2 {
		t.Fatalf("maxTokens = %d, want capped at half the window (2048)", maxTokens)
	}
}

func TestRequestMarshalPreservesExtraFields(t *testing.T) {
	raw := []byte(`{"messages":[{"role":"user","content":"hi"}],"frequency_penalty":0.5,"user":"abc"}`)
	var req Request
	if err := req.UnmarshalJSON(raw); err != nil {
		t.Fatalf("UnmarshalJSON: %v", err)
	}
	if req.Extra["frequency_penalty"] != 0.5 {
		t.Fatalf("Extra[frequency_penalty] = %v, want 0.5", req.Extra["frequency_penalty"])
	}
	if req.Extra["user"] != "abc" {
		t.Fatalf("Extra[user] = %v, want abc", req.Extra["user"])
	}

	out, err := req.MarshalJSON()
	if err != nil {
		t.Fatalf("MarshalJSON: %v", err)
	}
	if !strings.Contains(string(out), "frequency_penalty") {
		t.Fatalf("marshaled output missing pass-through field: %s", out)
	}
}
