package completion

import (
	"encoding/json"
	"fmt"
	"image"

	"inferd/internal/engine"
	"inferd/pkg/types"
)

// ConversationMessage is one normalized turn ready to hand to the engine.
// Content is nil when the original turn carried no text at all.
type ConversationMessage struct {
	Role       string
	Content    *string
	ToolCalls  []types.ToolCall
	ToolCallID string
	Name       string
	Reasoning  string
	Images     []image.Image
}

// AsEngineMessage flattens the turn into the engine's input shape.
func (m ConversationMessage) AsEngineMessage() engine.Message {
	em := engine.Message{
		Role:       m.Role,
		ToolCalls:  m.ToolCalls,
		ToolCallID: m.ToolCallID,
		Name:       m.Name,
		Reasoning:  m.Reasoning,
	}
	if m.Content != nil {
		em.Content = *m.Content
	}
	return em
}

// parseChatMessage normalizes one raw wire message into conversation turns.
// Assistant turns carrying tool_calls and tool-result turns collapse to a
// single message each; everything else goes through content parsing.
func (s *Server) parseChatMessage(msg types.RawMessage) ([]ConversationMessage, error) {
	role := msg.Role
	if role == "" {
		role = "user"
	}
	reasoning := msg.Reasoning
	if reasoning == "" {
		reasoning = msg.ReasoningContent
	}

	if role == "assistant" && len(msg.ToolCalls) > 0 {
		return []ConversationMessage{{
			Role:      role,
			Content:   flattenTextContent(msg.Content),
			ToolCalls: msg.ToolCalls,
			Reasoning: reasoning,
		}}, nil
	}

	if role == "tool" {
		return []ConversationMessage{{
			Role:       role,
			Content:    flattenTextContent(msg.Content),
			ToolCallID: msg.ToolCallID,
			Name:       msg.Name,
		}}, nil
	}

	msgs, err := s.parseMessageContent(role, msg.Content)
	if err != nil {
		return nil, err
	}
	for i := range msgs {
		msgs[i].Reasoning = reasoning
		msgs[i].Name = msg.Name
	}
	return msgs, nil
}

// flattenTextContent extracts the text portions of a message content and
// joins them into a single string. Returns nil when there is no text.
func flattenTextContent(raw json.RawMessage) *string {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	switch c := v.(type) {
	case string:
		return &c
	case []any:
		out := ""
		found := false
		for _, item := range c {
			switch p := item.(type) {
			case string:
				out += p
				found = true
			case map[string]any:
				if p["type"] == "text" {
					if t, ok := p["text"].(string); ok {
						out += t
						found = true
					}
				}
			}
		}
		if !found {
			return nil
		}
		return &out
	}
	return nil
}

// parseMessageContent handles the three supported content shapes: null,
// plain string, and a list of typed parts. Text parts are newline-joined,
// image parts are decoded into buffers, tool parts are left to the
// role-level logic, and unknown part kinds are skipped with a warning.
// A structurally unrecognized content value is fatal for the request.
func (s *Server) parseMessageContent(role string, raw json.RawMessage) ([]ConversationMessage, error) {
	if len(raw) == 0 || string(raw) == "null" {
		empty := ""
		return []ConversationMessage{{Role: role, Content: &empty}}, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("malformed message content: %w", err)
	}
	switch c := v.(type) {
	case string:
		return []ConversationMessage{{Role: role, Content: &c}}, nil
	case []any:
		content := ""
		var images []image.Image
		appendText := func(t string) {
			if content != "" {
				content += "\n"
			}
			content += t
		}
		for _, item := range c {
			switch p := item.(type) {
			case string:
				appendText(p)
			case map[string]any:
				partType, _ := p["type"].(string)
				switch partType {
				case "text":
					t, _ := p["text"].(string)
					appendText(t)
				case "image_url", "image":
					img := s.parseImagePart(p)
					if img != nil {
						images = append(images, img)
					} else {
						s.log.Warn().Str("part", partType).Msg("failed to parse image content")
					}
				case "tool_use", "tool_result", "tool_calls", "function":
					// handled at the role level, not inside content arrays
					s.log.Debug().Str("part", partType).Msg("skipping tool content in content array")
				case "audio", "audio_url", "video", "video_url", "input_audio":
					s.log.Warn().Str("part", partType).Msg("multimodal content type not supported")
				case "refusal":
					if t, _ := p["refusal"].(string); t != "" {
						appendText(t)
					}
				default:
					s.log.Warn().Str("part", partType).Msg("skipping unknown content type")
				}
			default:
				s.log.Warn().Msg("skipping unsupported content element")
			}
		}
		msg := ConversationMessage{Role: role, Content: &content, Images: images}
		return []ConversationMessage{msg}, nil
	}
	return nil, fmt.Errorf("unsupported content type %T: complex input not supported yet", v)
}
