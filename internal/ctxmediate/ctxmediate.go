// Package ctxmediate implements the Context Mediator (§4.5): it sits on
// the chat-completions data-plane route, estimates and truncates the
// conversation to fit the model's context window, then forwards to the
// inference engine and streams the response back verbatim.
//
// The forwarding/streaming shape follows the teacher's native-proxy
// handler: build an upstream request from the inbound body, copy
// response headers, and — for SSE — copy the body chunk by chunk with
// an explicit Flush after each write so the client sees tokens as they
// arrive instead of buffered at the end.
package ctxmediate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/mind-orchestrator/mind/internal/model"
)

const (
	safetyBuffer      = 50
	maxTrailingNonSys = 10
	idleTimeout       = 300 * time.Second
)

var upstreamClient = &http.Client{
	Timeout: 0, // streaming responses have no total deadline (§5); no per-read idle timeout is set either.
}

// Message is one OpenAI-style chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is the inbound POST body, OpenAI chat-completions shaped, with
// pass-through fields preserved via Extra.
type Request struct {
	Messages    []Message      `json:"messages"`
	Stream      bool           `json:"stream,omitempty"`
	Temperature *float64       `json:"temperature,omitempty"`
	TopP        *float64       `json:"top_p,omitempty"`
	MaxTokens   *int           `json:"max_tokens,omitempty"`
	Extra       map[string]any `json:"-"`
}

// UnmarshalJSON decodes known fields plus captures everything else in Extra.
func (r *Request) UnmarshalJSON(data []byte) error {
	type alias Request
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*r = Request(a)

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for _, known := range []string{"messages", "stream", "temperature", "top_p", "max_tokens"} {
		delete(raw, known)
	}
	r.Extra = raw
	return nil
}

// MarshalJSON re-serializes known fields plus Extra, flattened.
func (r Request) MarshalJSON() ([]byte, error) {
	out := map[string]any{
		"messages": r.Messages,
	}
	if r.Stream {
		out["stream"] = true
	}
	if r.Temperature != nil {
		out["temperature"] = *r.Temperature
	}
	if r.TopP != nil {
		out["top_p"] = *r.TopP
	}
	if r.MaxTokens != nil {
		out["max_tokens"] = *r.MaxTokens
	}
	for k, v := range r.Extra {
		out[k] = v
	}
	return json.Marshal(out)
}

// estimateTokens applies the documented heuristic: ceil(len(content)/4)+4
// role overhead per message. Exact tokenization is the inference engine's job.
func estimateTokens(msgs []Message) int {
	total := 0
	for _, m := range msgs {
		total += int(math.Ceil(float64(len(m.Content))/4)) + 4
	}
	return total
}

const defaultMaxTokens = 512

// Mediate applies the truncation algorithm to req given the model's
// context window W, returning the (possibly truncated) messages, the
// effective max_tokens to forward, and whether truncation occurred.
func Mediate(req Request, maxModelLen int) (messages []Message, effectiveMaxTokens int, truncated bool, err error) {
	if len(req.Messages) == 0 {
		return nil, 0, false, model.NewError(model.KindValidation, "messages must not be empty").WithField("messages")
	}
	for _, m := range req.Messages {
		if m.Role == "" {
			return nil, 0, false, model.NewError(model.KindValidation, "message role must not be empty").WithField("messages")
		}
	}

	W := maxModelLen
	requested := defaultMaxTokens
	if req.MaxTokens != nil {
		requested = *req.MaxTokens
	}
	R := requested
	if half := W / 2; R > half {
		R = half
	}
	B := safetyBuffer

	inputTokens := estimateTokens(req.Messages)

	if inputTokens+R+B <= W {
		return req.Messages, R, false, nil
	}

	hasSystem := req.Messages[0].Role == "system"
	var system *Message
	rest := req.Messages
	if hasSystem {
		system = &req.Messages[0]
		rest = req.Messages[1:]
	}

	k := len(rest)
	if k > maxTrailingNonSys {
		k = maxTrailingNonSys
	}
	kept := append([]Message(nil), rest[len(rest)-k:]...)

	build := func() []Message {
		if system != nil {
			return append([]Message{*system}, kept...)
		}
		return kept
	}

	// The newest message is never dropped; if it still does not fit, R is
	// shrunk below or the request is rejected as a context overflow.
	for estimateTokens(build())+R+B > W && len(kept) > 1 {
		if len(kept) > 2 && kept[0].Role != kept[1].Role {
			kept = kept[2:]
		} else {
			kept = kept[1:]
		}
	}

	final := build()

	if estimateTokens(final)+R+B > W {
		R = W - estimateTokens(final) - B
		if R < 64 {
			R = 64
		}
		if estimateTokens(final)+R+B > W {
			return nil, 0, false, model.NewError(model.KindContextOverflow, "request exceeds context window after truncation")
		}
	}

	return final, R, true, nil
}

// Forward builds the upstream request, issues it, and returns the
// response for the caller to stream or decode. The caller owns closing
// the returned response body.
func Forward(ctx context.Context, baseURL string, messages []Message, effectiveMaxTokens int, orig Request) (*http.Response, error) {
	payload := orig
	payload.Messages = messages
	mt := effectiveMaxTokens
	payload.MaxTokens = &mt

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, model.NewError(model.KindInternal, "encode upstream request: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, model.NewError(model.KindInternal, "build upstream request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := upstreamClient.Do(req)
	if err != nil {
		return nil, model.NewError(model.KindUpstream, "inference engine unreachable: %v", err)
	}
	return resp, nil
}

// StreamPassthrough copies an SSE response body to w chunk by chunk,
// flushing after every write so the client sees frames as they arrive.
// Cancellation (client disconnect) is observed via ctx and closes the
// upstream reader, per §4.5(7).
func StreamPassthrough(ctx context.Context, w http.ResponseWriter, resp *http.Response) error {
	flusher, _ := w.(http.Flusher)

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			resp.Body.Close()
		case <-done:
		}
	}()
	defer close(done)

	buf := make([]byte, 4096)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, writeErr := w.Write(buf[:n]); writeErr != nil {
				return fmt.Errorf("write to client: %w", writeErr)
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				return nil
			}
			if ctx.Err() != nil {
				slog.Debug("context mediator: upstream stream closed on client disconnect")
				return nil
			}
			return fmt.Errorf("read from upstream: %w", readErr)
		}
	}
}
