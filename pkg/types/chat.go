package types

import (
	"encoding/json"
	"fmt"
)

// RawMessage is one incoming chat turn as received on the wire. Content is
// kept raw because clients send either a plain string, null, or a list of
// typed parts; the completion layer normalizes it.
type RawMessage struct {
	Role             string          `json:"role"`
	Content          json.RawMessage `json:"content,omitempty"`
	ToolCalls        []ToolCall      `json:"tool_calls,omitempty"`
	ToolCallID       string          `json:"tool_call_id,omitempty"`
	Name             string          `json:"name,omitempty"`
	Reasoning        string          `json:"reasoning,omitempty"`
	ReasoningContent string          `json:"reasoning_content,omitempty"`
}

// FunctionCall carries a function name and its JSON-encoded arguments.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolCall is a structured function invocation extracted from model output
// or echoed back by a client in an assistant message.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// FunctionDefinition describes a callable function offered via tools.
type FunctionDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// Tool wraps a function definition, per the OpenAI tools parameter.
type Tool struct {
	Type     string             `json:"type"`
	Function FunctionDefinition `json:"function"`
}

// StreamOptions controls usage reporting on streaming responses.
// IncludeUsage defaults to true when the block is present; ContinuousUsageStats
// additionally puts a usage block on every chunk.
type StreamOptions struct {
	IncludeUsage         *bool `json:"include_usage,omitempty"`
	ContinuousUsageStats *bool `json:"continuous_usage_stats,omitempty"`
}

// ResponseFormat selects plain text, JSON object, or JSON schema output.
type ResponseFormat struct {
	Type       string          `json:"type,omitempty"`
	JSONSchema json.RawMessage `json:"json_schema,omitempty"`
}

// StringOrSlice accepts either a JSON string or an array of strings.
type StringOrSlice []string

func (s *StringOrSlice) UnmarshalJSON(b []byte) error {
	if len(b) == 0 || string(b) == "null" {
		*s = nil
		return nil
	}
	if b[0] == '"' {
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*s = StringOrSlice{v}
		return nil
	}
	var vs []string
	if err := json.Unmarshal(b, &vs); err != nil {
		return fmt.Errorf("expected string or array of strings: %w", err)
	}
	*s = StringOrSlice(vs)
	return nil
}

func (s StringOrSlice) MarshalJSON() ([]byte, error) {
	if len(s) == 1 {
		return json.Marshal(s[0])
	}
	return json.Marshal([]string(s))
}

// ChatCompletionRequest is the POST /v1/chat/completions payload.
// Optional sampling knobs are pointers so "not provided" is distinguishable
// from an explicit zero.
type ChatCompletionRequest struct {
	Model               string             `json:"model"`
	Messages            []RawMessage       `json:"messages"`
	Prompt              string             `json:"prompt,omitempty"`
	Temperature         *float64           `json:"temperature,omitempty"`
	TopP                *float64           `json:"top_p,omitempty"`
	TopK                *int               `json:"top_k,omitempty"`
	N                   *int               `json:"n,omitempty"`
	MaxTokens           int                `json:"max_tokens,omitempty"`
	MaxCompletionTokens int                `json:"max_completion_tokens,omitempty"`
	MinTokens           int                `json:"min_tokens,omitempty"`
	Logprobs            bool               `json:"logprobs,omitempty"`
	TopLogprobs         *int               `json:"top_logprobs,omitempty"`
	Stop                StringOrSlice      `json:"stop,omitempty"`
	Stream              bool               `json:"stream,omitempty"`
	StreamOptions       *StreamOptions     `json:"stream_options,omitempty"`
	ResponseFormat      *ResponseFormat    `json:"response_format,omitempty"`
	PresencePenalty     *float64           `json:"presence_penalty,omitempty"`
	FrequencyPenalty    *float64           `json:"frequency_penalty,omitempty"`
	LogitBias           map[string]float64 `json:"logit_bias,omitempty"`
	Seed                *int               `json:"seed,omitempty"`
	User                string             `json:"user,omitempty"`
	Tools               []Tool             `json:"tools,omitempty"`
	ToolChoice          json.RawMessage    `json:"tool_choice,omitempty"`
	ParallelToolCalls   *bool              `json:"parallel_tool_calls,omitempty"`
}

// CompletionRequest is the POST /v1/completions payload (non-chat).
type CompletionRequest struct {
	Model            string        `json:"model"`
	Prompt           StringOrSlice `json:"prompt"`
	Suffix           string        `json:"suffix,omitempty"`
	Temperature      *float64      `json:"temperature,omitempty"`
	N                *int          `json:"n,omitempty"`
	MaxTokens        int           `json:"max_tokens,omitempty"`
	Stop             StringOrSlice `json:"stop,omitempty"`
	Stream           bool          `json:"stream,omitempty"`
	TopP             *float64      `json:"top_p,omitempty"`
	TopK             *int          `json:"top_k,omitempty"`
	Logprobs         *int          `json:"logprobs,omitempty"`
	Echo             bool          `json:"echo,omitempty"`
	PresencePenalty  *float64      `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float64      `json:"frequency_penalty,omitempty"`
	User             string        `json:"user,omitempty"`
}
