package completion

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"inferd/pkg/types"
)

// ToolParser detects structured function-call invocations in free-form model
// output, either over the complete text or incrementally per streamed delta.
//
// Parsers are stateless: the streaming variant receives previous and current
// accumulated text and token ids on every call, in delta order, and returns
// a nullable partial delta message. All accumulation state is owned by the
// caller's streaming loop.
type ToolParser interface {
	ExtractToolCalls(output string, req *types.ChatCompletionRequest) (types.ExtractedToolCallInformation, error)
	ExtractToolCallsStreaming(
		previousText, currentText, deltaText string,
		previousTokenIDs, currentTokenIDs, deltaTokenIDs []int,
		req *types.ChatCompletionRequest,
	) (*types.DeltaMessage, error)
}

// SelectToolParser resolves the parser variant for a model. An explicit
// override wins; otherwise the chat template and model family decide.
// The result is selected once per session, not re-resolved per delta.
func SelectToolParser(family, chatTemplate, override string) ToolParser {
	switch strings.ToLower(strings.TrimSpace(override)) {
	case "hermes":
		return hermesToolParser{}
	case "json":
		return jsonToolParser{}
	}
	if strings.Contains(chatTemplate, toolCallOpen) {
		return hermesToolParser{}
	}
	f := strings.ToLower(family)
	if strings.HasPrefix(f, "qwen") || strings.Contains(f, "hermes") {
		return hermesToolParser{}
	}
	return jsonToolParser{}
}

func newToolCallID() string {
	return "call_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// rawToolCall is the JSON shape models emit for one invocation. Arguments
// may be a JSON object or an already-encoded string.
type rawToolCall struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

func (r rawToolCall) toToolCall() (types.ToolCall, error) {
	if r.Name == "" {
		return types.ToolCall{}, fmt.Errorf("tool call without name")
	}
	args := "{}"
	if len(r.Arguments) > 0 {
		if r.Arguments[0] == '"' {
			var s string
			if err := json.Unmarshal(r.Arguments, &s); err != nil {
				return types.ToolCall{}, err
			}
			args = s
		} else {
			args = string(r.Arguments)
		}
	}
	return types.ToolCall{
		ID:       newToolCallID(),
		Type:     "function",
		Function: types.FunctionCall{Name: r.Name, Arguments: args},
	}, nil
}

const (
	toolCallOpen  = "<tool_call>"
	toolCallClose = "</tool_call>"
)

var toolCallBlockRe = regexp.MustCompile(`(?s)<tool_call>\s*(.*?)\s*</tool_call>`)

// hermesToolParser handles models that wrap each invocation in
// <tool_call>{"name": ..., "arguments": ...}</tool_call> tags.
type hermesToolParser struct{}

func (hermesToolParser) ExtractToolCalls(output string, req *types.ChatCompletionRequest) (types.ExtractedToolCallInformation, error) {
	blocks := toolCallBlockRe.FindAllStringSubmatch(output, -1)
	if len(blocks) == 0 {
		return types.ExtractedToolCallInformation{ToolsCalled: false, ToolCalls: []types.ToolCall{}, Content: &output}, nil
	}
	calls := make([]types.ToolCall, 0, len(blocks))
	for _, b := range blocks {
		var raw rawToolCall
		if err := json.Unmarshal([]byte(b[1]), &raw); err != nil {
			return types.ExtractedToolCallInformation{}, fmt.Errorf("malformed tool call payload: %w", err)
		}
		tc, err := raw.toToolCall()
		if err != nil {
			return types.ExtractedToolCallInformation{}, err
		}
		calls = append(calls, tc)
	}
	residual := strings.TrimSpace(toolCallBlockRe.ReplaceAllString(output, ""))
	info := types.ExtractedToolCallInformation{ToolsCalled: true, ToolCalls: calls}
	if residual != "" {
		info.Content = &residual
	}
	return info, nil
}

func (p hermesToolParser) ExtractToolCallsStreaming(
	previousText, currentText, deltaText string,
	previousTokenIDs, currentTokenIDs, deltaTokenIDs []int,
	req *types.ChatCompletionRequest,
) (*types.DeltaMessage, error) {
	dm := &types.DeltaMessage{}

	// Plain content outside tool regions, withholding anything that could
	// still grow into an open tag.
	prevVisible := hermesVisibleContent(previousText)
	curVisible := hermesVisibleContent(currentText)
	if len(curVisible) > len(prevVisible) && strings.HasPrefix(curVisible, prevVisible) {
		dm.Content = curVisible[len(prevVisible):]
	}

	// A tool call is emitted only once its closing tag has arrived; partial
	// payloads are never surfaced.
	prevBlocks := toolCallBlockRe.FindAllStringSubmatch(previousText, -1)
	curBlocks := toolCallBlockRe.FindAllStringSubmatch(currentText, -1)
	for i := len(prevBlocks); i < len(curBlocks); i++ {
		var raw rawToolCall
		if err := json.Unmarshal([]byte(curBlocks[i][1]), &raw); err != nil {
			return nil, fmt.Errorf("malformed tool call payload: %w", err)
		}
		tc, err := raw.toToolCall()
		if err != nil {
			return nil, err
		}
		dm.ToolCalls = append(dm.ToolCalls, types.DeltaToolCall{
			ID:    tc.ID,
			Type:  "function",
			Index: i,
			Function: &types.DeltaFunctionCall{
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			},
		})
	}

	if dm.Empty() {
		return nil, nil
	}
	return dm, nil
}

// hermesVisibleContent returns the prefix of text that is definitely plain
// content: everything before the first open tag, minus a trailing partial
// open-tag prefix that may still complete.
func hermesVisibleContent(text string) string {
	if i := strings.Index(text, toolCallOpen); i >= 0 {
		return text[:i]
	}
	for n := len(toolCallOpen) - 1; n > 0; n-- {
		if strings.HasSuffix(text, toolCallOpen[:n]) {
			return text[:len(text)-n]
		}
	}
	return text
}

// jsonToolParser handles models that emit bare JSON invocations, either a
// single {"name": ..., "arguments": ...} object or an array of them. Output
// that does not start with a JSON bracket is plain content.
type jsonToolParser struct{}

func (jsonToolParser) ExtractToolCalls(output string, req *types.ChatCompletionRequest) (types.ExtractedToolCallInformation, error) {
	calls, ok, err := parseBareJSONCalls(output)
	if err != nil {
		return types.ExtractedToolCallInformation{}, err
	}
	if !ok {
		return types.ExtractedToolCallInformation{ToolsCalled: false, ToolCalls: []types.ToolCall{}, Content: &output}, nil
	}
	return types.ExtractedToolCallInformation{ToolsCalled: true, ToolCalls: calls}, nil
}

func (p jsonToolParser) ExtractToolCallsStreaming(
	previousText, currentText, deltaText string,
	previousTokenIDs, currentTokenIDs, deltaTokenIDs []int,
	req *types.ChatCompletionRequest,
) (*types.DeltaMessage, error) {
	trimmed := strings.TrimSpace(currentText)
	if trimmed == "" {
		return nil, nil
	}
	if trimmed[0] != '{' && trimmed[0] != '[' {
		// First visible content also carries any leading whitespace that was
		// withheld while the shape was still undecided.
		if strings.TrimSpace(previousText) == "" {
			return &types.DeltaMessage{Content: currentText}, nil
		}
		return &types.DeltaMessage{Content: deltaText}, nil
	}
	// Hold everything back until the JSON document is complete, then emit
	// any calls not already surfaced for the previous accumulation.
	curCalls, ok, err := parseBareJSONCalls(currentText)
	if err != nil || !ok {
		return nil, nil
	}
	emitted := 0
	if prev, prevOK, _ := parseBareJSONCalls(previousText); prevOK {
		emitted = len(prev)
	}
	dm := &types.DeltaMessage{}
	for i := emitted; i < len(curCalls); i++ {
		dm.ToolCalls = append(dm.ToolCalls, types.DeltaToolCall{
			ID:    curCalls[i].ID,
			Type:  "function",
			Index: i,
			Function: &types.DeltaFunctionCall{
				Name:      curCalls[i].Function.Name,
				Arguments: curCalls[i].Function.Arguments,
			},
		})
	}
	if dm.Empty() {
		return nil, nil
	}
	return dm, nil
}

// parseBareJSONCalls attempts to read the whole output as one invocation or
// an array of invocations. ok is false when the text is not (yet) a complete
// JSON document of the expected shape.
func parseBareJSONCalls(text string) ([]types.ToolCall, bool, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" || (trimmed[0] != '{' && trimmed[0] != '[') {
		return nil, false, nil
	}
	if !json.Valid([]byte(trimmed)) {
		return nil, false, nil
	}
	var raws []rawToolCall
	if trimmed[0] == '{' {
		var raw rawToolCall
		if err := json.Unmarshal([]byte(trimmed), &raw); err != nil || raw.Name == "" {
			return nil, false, nil
		}
		raws = append(raws, raw)
	} else {
		if err := json.Unmarshal([]byte(trimmed), &raws); err != nil || len(raws) == 0 {
			return nil, false, nil
		}
	}
	calls := make([]types.ToolCall, 0, len(raws))
	for _, raw := range raws {
		tc, err := raw.toToolCall()
		if err != nil {
			return nil, false, err
		}
		calls = append(calls, tc)
	}
	return calls, true, nil
}
