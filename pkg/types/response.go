package types

// UsageInfo is token accounting attached to responses and stream chunks.
// TotalTokens always equals PromptTokens + CompletionTokens; use NewUsage.
type UsageInfo struct {
	PromptTokens     int `json:"prompt_tokens"`
	TotalTokens      int `json:"total_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// NewUsage builds a UsageInfo with a consistent total.
func NewUsage(prompt, completion int) UsageInfo {
	return UsageInfo{
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      prompt + completion,
	}
}

// ErrorResponse is the OpenAI-style error body. It doubles as a Go error so
// the HTTP layer can map it straight to a status code.
type ErrorResponse struct {
	Object  string  `json:"object"`
	Message string  `json:"message"`
	Type    string  `json:"type"`
	Param   *string `json:"param"`
	Code    int     `json:"code"`
}

func (e *ErrorResponse) Error() string { return e.Message }

// StatusCode satisfies the HTTP layer's HTTPError interface.
func (e *ErrorResponse) StatusCode() int { return e.Code }

// ChatMessage is an outgoing assistant/tool message in a response choice.
// Content is a pointer because it is null when tool calls replace it.
type ChatMessage struct {
	Role       string     `json:"role"`
	Content    *string    `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
	Reasoning  string     `json:"reasoning,omitempty"`
}

type ChatCompletionResponseChoice struct {
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message"`
	Logprobs     any         `json:"logprobs"`
	FinishReason string      `json:"finish_reason"`
}

type ChatCompletionResponse struct {
	ID                string                         `json:"id"`
	Object            string                         `json:"object"`
	Created           int64                          `json:"created"`
	Model             string                         `json:"model"`
	Choices           []ChatCompletionResponseChoice `json:"choices"`
	Usage             UsageInfo                      `json:"usage"`
	SystemFingerprint string                         `json:"system_fingerprint,omitempty"`
}

// DeltaFunctionCall is a partial function call inside a streaming delta.
type DeltaFunctionCall struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// DeltaToolCall is a tool-call fragment inside a streaming delta. Index
// orders parallel calls and is always present.
type DeltaToolCall struct {
	ID       string             `json:"id,omitempty"`
	Type     string             `json:"type,omitempty"`
	Index    int                `json:"index"`
	Function *DeltaFunctionCall `json:"function,omitempty"`
}

// DeltaMessage is the incremental payload of one streamed chunk.
type DeltaMessage struct {
	Role             string          `json:"role,omitempty"`
	Content          string          `json:"content,omitempty"`
	ReasoningContent string          `json:"reasoning_content,omitempty"`
	ToolCalls        []DeltaToolCall `json:"tool_calls,omitempty"`
}

// Empty reports whether the delta carries nothing worth emitting.
func (d *DeltaMessage) Empty() bool {
	return d == nil || (d.Role == "" && d.Content == "" && d.ReasoningContent == "" && len(d.ToolCalls) == 0)
}

type ChatCompletionStreamChoice struct {
	Index        int          `json:"index"`
	Delta        DeltaMessage `json:"delta"`
	Logprobs     any          `json:"logprobs,omitempty"`
	FinishReason string       `json:"finish_reason,omitempty"`
}

type ChatCompletionStreamResponse struct {
	ID                string                       `json:"id"`
	Object            string                       `json:"object"`
	Created           int64                        `json:"created"`
	Model             string                       `json:"model"`
	Choices           []ChatCompletionStreamChoice `json:"choices"`
	Usage             *UsageInfo                   `json:"usage,omitempty"`
	SystemFingerprint string                       `json:"system_fingerprint,omitempty"`
}

// ExtractedToolCallInformation is the result of tool-call detection over a
// full generation. Content holds residual plain text, which may be nil.
type ExtractedToolCallInformation struct {
	ToolsCalled bool       `json:"tools_called"`
	ToolCalls   []ToolCall `json:"tool_calls"`
	Content     *string    `json:"content,omitempty"`
}

type CompletionResponseChoice struct {
	Index        int    `json:"index"`
	Text         string `json:"text"`
	Logprobs     any    `json:"logprobs"`
	FinishReason string `json:"finish_reason,omitempty"`
}

type CompletionResponse struct {
	ID      string                     `json:"id"`
	Object  string                     `json:"object"`
	Created int64                      `json:"created"`
	Model   string                     `json:"model"`
	Choices []CompletionResponseChoice `json:"choices"`
	Usage   UsageInfo                  `json:"usage"`
}

type CompletionStreamResponse struct {
	ID      string                     `json:"id"`
	Object  string                     `json:"object"`
	Created int64                      `json:"created"`
	Model   string                     `json:"model"`
	Choices []CompletionResponseChoice `json:"choices"`
}
