package completion

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"inferd/pkg/types"
)

// parseSSE splits an SSE body into decoded chunk payloads, reporting whether
// the terminal sentinel was present.
func parseSSE(t *testing.T, body string) (frames []json.RawMessage, done bool) {
	t.Helper()
	for _, line := range strings.Split(body, "\n") {
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "data: ") {
			t.Fatalf("malformed SSE line: %q", line)
		}
		payload := strings.TrimPrefix(line, "data: ")
		if payload == "[DONE]" {
			done = true
			continue
		}
		if done {
			t.Fatalf("frame after DONE: %q", payload)
		}
		if !json.Valid([]byte(payload)) {
			t.Fatalf("invalid JSON frame: %q", payload)
		}
		frames = append(frames, json.RawMessage(payload))
	}
	return frames, done
}

func decodeChunks(t *testing.T, frames []json.RawMessage) []types.ChatCompletionStreamResponse {
	t.Helper()
	out := make([]types.ChatCompletionStreamResponse, len(frames))
	for i, f := range frames {
		if err := json.Unmarshal(f, &out[i]); err != nil {
			t.Fatalf("chunk %d: %v", i, err)
		}
	}
	return out
}

func runChatStream(t *testing.T, s *Server, req *types.ChatCompletionRequest, tr Transport) string {
	t.Helper()
	stream, err := s.ChatCompletionStream(req, tr)
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	var sb strings.Builder
	if err := stream.Run(context.Background(), &sb, nil); err != nil {
		t.Fatalf("run: %v", err)
	}
	return sb.String()
}

func TestStreamFrameSequence(t *testing.T) {
	eng := newFakeEngine(5, "Hello", " world")
	s := newTestServer(eng)

	body := runChatStream(t, s, chatReq(), connectedTransport{})
	frames, done := parseSSE(t, body)
	if !done {
		t.Fatalf("missing DONE sentinel")
	}
	chunks := decodeChunks(t, frames)
	// role chunk + 2 content chunks + finish chunk
	if len(chunks) != 4 {
		t.Fatalf("chunks=%d body=%q", len(chunks), body)
	}
	if chunks[0].Choices[0].Delta.Role != "assistant" {
		t.Fatalf("first chunk=%+v", chunks[0])
	}
	if chunks[1].Choices[0].Delta.Content != "Hello" || chunks[2].Choices[0].Delta.Content != " world" {
		t.Fatalf("content chunks=%+v", chunks[1:3])
	}
	last := chunks[3]
	if last.Choices[0].FinishReason != "stop" || last.Choices[0].Delta.Content != "" {
		t.Fatalf("final chunk=%+v", last)
	}
	for i, c := range chunks {
		if c.Object != "chat.completion.chunk" {
			t.Fatalf("chunk %d object=%q", i, c.Object)
		}
		if c.Usage != nil {
			t.Fatalf("no stream_options, chunk %d must not carry usage", i)
		}
	}
}

func TestStreamIDStableAcrossChunks(t *testing.T) {
	eng := newFakeEngine(2, "a", "b")
	s := newTestServer(eng)
	frames, _ := parseSSE(t, runChatStream(t, s, chatReq(), connectedTransport{}))
	chunks := decodeChunks(t, frames)
	for _, c := range chunks[1:] {
		if c.ID != chunks[0].ID {
			t.Fatalf("id changed mid-stream: %q vs %q", c.ID, chunks[0].ID)
		}
	}
}

func TestStreamIncludeUsageDefault(t *testing.T) {
	eng := newFakeEngine(5, "a", "b", "c")
	s := newTestServer(eng)
	req := chatReq()
	req.StreamOptions = &types.StreamOptions{} // presence alone enables final usage

	frames, _ := parseSSE(t, runChatStream(t, s, req, connectedTransport{}))
	chunks := decodeChunks(t, frames)
	for i, c := range chunks[:len(chunks)-1] {
		if c.Usage != nil {
			t.Fatalf("chunk %d should not carry usage", i)
		}
	}
	final := chunks[len(chunks)-1]
	if final.Usage == nil {
		t.Fatalf("final chunk missing usage")
	}
	if final.Usage.PromptTokens != 5 || final.Usage.CompletionTokens != 3 || final.Usage.TotalTokens != 8 {
		t.Fatalf("usage=%+v", final.Usage)
	}
}

func TestStreamIncludeUsageExplicitFalse(t *testing.T) {
	eng := newFakeEngine(5, "a")
	s := newTestServer(eng)
	off := false
	req := chatReq()
	req.StreamOptions = &types.StreamOptions{IncludeUsage: &off}

	frames, _ := parseSSE(t, runChatStream(t, s, req, connectedTransport{}))
	for i, c := range decodeChunks(t, frames) {
		if c.Usage != nil {
			t.Fatalf("chunk %d must not carry usage", i)
		}
	}
}

func TestStreamContinuousUsage(t *testing.T) {
	eng := newFakeEngine(5, "a", "b", "c")
	s := newTestServer(eng)
	on := true
	req := chatReq()
	req.StreamOptions = &types.StreamOptions{ContinuousUsageStats: &on}

	frames, _ := parseSSE(t, runChatStream(t, s, req, connectedTransport{}))
	chunks := decodeChunks(t, frames)
	prev := -1
	for i, c := range chunks {
		if c.Usage == nil {
			t.Fatalf("chunk %d missing usage under continuous stats", i)
		}
		if c.Usage.PromptTokens != 5 {
			t.Fatalf("chunk %d prompt tokens=%d", i, c.Usage.PromptTokens)
		}
		if c.Usage.CompletionTokens < prev {
			t.Fatalf("completion tokens regressed at chunk %d: %d < %d", i, c.Usage.CompletionTokens, prev)
		}
		if c.Usage.TotalTokens != c.Usage.PromptTokens+c.Usage.CompletionTokens {
			t.Fatalf("chunk %d inconsistent total: %+v", i, c.Usage)
		}
		prev = c.Usage.CompletionTokens
	}
	if chunks[0].Usage.CompletionTokens != 0 {
		t.Fatalf("first chunk completion tokens=%d", chunks[0].Usage.CompletionTokens)
	}
	if chunks[len(chunks)-1].Usage.CompletionTokens != 3 {
		t.Fatalf("final completion tokens=%d", chunks[len(chunks)-1].Usage.CompletionTokens)
	}
}

func TestStreamToolCallSplitAcrossDeltas(t *testing.T) {
	deltas := []string{
		"Checking. ",
		"<tool_",
		`call>{"name": "get_weather", "argu`,
		`ments": {"city": "SF"}}</tool_`,
		"call>",
	}
	eng := newFakeEngine(4, deltas...)
	s := newTestServer(eng)

	req := chatReq()
	req.Tools = []types.Tool{{Type: "function", Function: types.FunctionDefinition{Name: "get_weather"}}}
	frames, done := parseSSE(t, runChatStream(t, s, req, connectedTransport{}))
	if !done {
		t.Fatalf("missing DONE")
	}
	chunks := decodeChunks(t, frames)

	var content string
	var calls []types.DeltaToolCall
	for _, c := range chunks {
		content += c.Choices[0].Delta.Content
		calls = append(calls, c.Choices[0].Delta.ToolCalls...)
	}
	if content != "Checking. " {
		t.Fatalf("leaked partial tag into content: %q", content)
	}
	if len(calls) != 1 {
		t.Fatalf("tool call chunks=%d", len(calls))
	}
	if calls[0].Function == nil || calls[0].Function.Name != "get_weather" || !strings.Contains(calls[0].Function.Arguments, `"SF"`) {
		t.Fatalf("call=%+v", calls[0])
	}
	if chunks[len(chunks)-1].Choices[0].FinishReason != "tool_calls" {
		t.Fatalf("finish=%q", chunks[len(chunks)-1].Choices[0].FinishReason)
	}
}

func TestStreamFlushesUnclosedToolTag(t *testing.T) {
	// The close tag never arrives, so no call can be emitted; the withheld
	// text must still reach the client before the finish chunk.
	eng := newFakeEngine(3, "Hello ", "<tool_call>", `{"name": "f"}`)
	s := newTestServer(eng)

	req := chatReq()
	req.Tools = []types.Tool{{Type: "function", Function: types.FunctionDefinition{Name: "f"}}}
	frames, done := parseSSE(t, runChatStream(t, s, req, connectedTransport{}))
	if !done {
		t.Fatalf("missing DONE")
	}
	chunks := decodeChunks(t, frames)

	var content string
	for _, c := range chunks {
		content += c.Choices[0].Delta.Content
		if len(c.Choices[0].Delta.ToolCalls) > 0 {
			t.Fatalf("no complete call exists: %+v", c.Choices[0].Delta.ToolCalls)
		}
	}
	if content != `Hello <tool_call>{"name": "f"}` {
		t.Fatalf("content=%q", content)
	}
	if chunks[len(chunks)-1].Choices[0].FinishReason != "stop" {
		t.Fatalf("finish=%q", chunks[len(chunks)-1].Choices[0].FinishReason)
	}
}

func TestStreamFlushesInvalidJSONBuffer(t *testing.T) {
	eng := newFakeEngine(3, "{oops", " not json at all")
	s := newTestServerParser(eng, "json")

	req := chatReq()
	req.Tools = []types.Tool{{Type: "function", Function: types.FunctionDefinition{Name: "f"}}}
	frames, done := parseSSE(t, runChatStream(t, s, req, connectedTransport{}))
	if !done {
		t.Fatalf("missing DONE")
	}
	chunks := decodeChunks(t, frames)

	var content string
	for _, c := range chunks {
		content += c.Choices[0].Delta.Content
	}
	if content != "{oops not json at all" {
		t.Fatalf("buffered text lost: content=%q", content)
	}
	if chunks[len(chunks)-1].Choices[0].FinishReason != "stop" {
		t.Fatalf("finish=%q", chunks[len(chunks)-1].Choices[0].FinishReason)
	}
}

func TestStreamDisconnectStopsWithoutDone(t *testing.T) {
	eng := newFakeEngine(3, "a", "b", "c", "d")
	s := newTestServer(eng)

	stream, err := s.ChatCompletionStream(chatReq(), &flipTransport{after: 1})
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	var sb strings.Builder
	if err := stream.Run(context.Background(), &sb, nil); err != nil {
		t.Fatalf("run: %v", err)
	}
	if strings.Contains(sb.String(), "[DONE]") {
		t.Fatalf("disconnected stream must not emit DONE: %q", sb.String())
	}
	if eng.abortCount() != 1 {
		t.Fatalf("abort count=%d", eng.abortCount())
	}
	if len(s.ActiveRequests()) != 0 {
		t.Fatalf("registry not drained")
	}
}

func TestStreamContextCancelStops(t *testing.T) {
	eng := newFakeEngine(3, "a", "b")
	s := newTestServer(eng)

	stream, err := s.ChatCompletionStream(chatReq(), connectedTransport{})
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var sb strings.Builder
	if err := stream.Run(ctx, &sb, nil); err != nil {
		t.Fatalf("run: %v", err)
	}
	if strings.Contains(sb.String(), "[DONE]") {
		t.Fatalf("canceled stream must not emit DONE")
	}
	if len(s.ActiveRequests()) != 0 {
		t.Fatalf("registry not drained")
	}
}
