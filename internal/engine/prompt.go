package engine

import "strings"

// renderPrompt flattens normalized messages into a generic chat-ML style
// prompt. Engines with a native chat template should override this.
func renderPrompt(msgs []Message) string {
	if len(msgs) == 1 && msgs[0].Role == RoleRaw {
		return msgs[0].Content
	}
	var b strings.Builder
	for _, m := range msgs {
		b.WriteString("<|im_start|>")
		b.WriteString(m.Role)
		b.WriteString("\n")
		if m.Content != "" {
			b.WriteString(m.Content)
		}
		for _, tc := range m.ToolCalls {
			b.WriteString("\n<tool_call>\n{\"name\": \"")
			b.WriteString(tc.Function.Name)
			b.WriteString("\", \"arguments\": ")
			b.WriteString(tc.Function.Arguments)
			b.WriteString("}\n</tool_call>")
		}
		b.WriteString("<|im_end|>\n")
	}
	b.WriteString("<|im_start|>assistant\n")
	return b.String()
}

// estimateTokens approximates a token count from text length. Used when the
// backing runtime exposes no tokenizer.
func estimateTokens(text string) int {
	n := len(text) / 4
	if n < 1 && len(text) > 0 {
		n = 1
	}
	return n
}
