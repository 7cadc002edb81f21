package completion

import (
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"inferd/internal/engine"
	"inferd/pkg/types"
)

const completionObject = "text_completion"

// completionSession is the non-chat counterpart of chatSession. The legacy
// completions path has no tool parsing and no usage blocks on stream chunks,
// but shares the same handle lifecycle rules.
type completionSession struct {
	s           *Server
	req         *types.CompletionRequest
	tr          Transport
	id          string
	handle      engine.Handle
	deltas      <-chan string
	inputTokens int
	maxTokens   int
	prompt      string
	created     int64

	finishOnce sync.Once
	abortOnce  sync.Once
}

func (c *completionSession) abort() {
	c.abortOnce.Do(func() { _ = c.s.eng.Abort(c.handle) })
}

func (c *completionSession) disconnected(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	return c.tr != nil && c.tr.IsDisconnected()
}

func (c *completionSession) finish() {
	c.finishOnce.Do(func() {
		c.s.logRequestComplete(c.id)
		if st, ok := c.s.eng.HandleStats(c.handle); ok {
			c.s.logInferenceStats(c.id, st)
		}
		c.s.reqs.Deregister(c.id)
	})
}

// launchCompletion validates a legacy completion request and starts the
// generation. Only the first prompt of a batch is served; the sampling
// defaults differ from chat (max_tokens 16) and frequency_penalty passes
// through unclamped.
func (s *Server) launchCompletion(req *types.CompletionRequest, tr Transport) (*completionSession, error) {
	if req.Model != s.modelName {
		return nil, modelNotFoundError(req.Model)
	}
	if len(req.Prompt) == 0 || req.Prompt[0] == "" {
		return nil, invalidRequestError("prompt must be a non-empty string", "prompt")
	}
	if req.N != nil && *req.N > 1 {
		return nil, invalidRequestError("n > 1 is not supported", "n")
	}
	if len(req.Prompt) > 1 {
		s.log.Warn().Int("prompts", len(req.Prompt)).Msg("batch prompts not supported, using the first")
	}
	prompt := req.Prompt[0]

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = 16
	}

	repeatPenalty := 1.0
	if req.FrequencyPenalty != nil {
		repeatPenalty = *req.FrequencyPenalty
	}

	params := engine.Params{
		MaxTokens:     maxTokens,
		TopP:          floatOr(req.TopP, 1.0),
		TopK:          intOr(req.TopK, -1),
		Temperature:   floatOr(req.Temperature, 0.7),
		RepeatPenalty: repeatPenalty,
		Stop:          req.Stop,
	}

	msgs := []engine.Message{{Role: engine.RoleRaw, Content: prompt}}
	inputTokens := s.eng.CountInputTokens(msgs)

	if s.maxActive > 0 && s.reqs.Len() >= s.maxActive {
		return nil, tooBusyError{modelID: s.modelName}
	}

	requestID := "cmpl-" + requestUUID()
	s.logRequestStart(s.requestCount.Add(1), requestID)

	handle, err := s.eng.LaunchStream(msgs, params, nil, nil)
	if err != nil {
		return nil, err
	}
	s.reqs.Register(requestID, handle)

	return &completionSession{
		s:           s,
		req:         req,
		tr:          tr,
		id:          requestID,
		handle:      handle,
		deltas:      s.eng.Deltas(handle),
		inputTokens: inputTokens,
		maxTokens:   maxTokens,
		prompt:      prompt,
		created:     time.Now().Unix(),
	}, nil
}

// completionFinishReason maps the token budget to the OpenAI finish reason.
func completionFinishReason(outputTokens, maxTokens int) string {
	if outputTokens >= maxTokens {
		return "length"
	}
	return "stop"
}

// Completion runs the aggregated legacy path and returns the full response.
func (s *Server) Completion(ctx context.Context, req *types.CompletionRequest, tr Transport) (*types.CompletionResponse, error) {
	c, err := s.launchCompletion(req, tr)
	if err != nil {
		return nil, err
	}
	defer c.finish()

	var sb strings.Builder
	completionTokens := 0
collect:
	for {
		select {
		case d, ok := <-c.deltas:
			if !ok {
				break collect
			}
			sb.WriteString(d)
			completionTokens++
			if c.disconnected(ctx) {
				c.abort()
				s.log.Debug().Str("request_id", c.id).Msg("aborted request: client disconnected")
				return nil, disconnectError()
			}
		case <-ctx.Done():
			c.abort()
			return nil, disconnectError()
		}
	}

	text := sb.String()
	if req.Echo {
		text = c.prompt + text
	}

	return &types.CompletionResponse{
		ID:      c.id,
		Object:  completionObject,
		Created: c.created,
		Model:   s.modelName,
		Choices: []types.CompletionResponseChoice{{
			Index:        0,
			Text:         text,
			FinishReason: completionFinishReason(completionTokens, c.maxTokens),
		}},
		Usage: types.NewUsage(c.inputTokens, completionTokens),
	}, nil
}

// CompletionStream validates and launches a streaming legacy completion.
func (s *Server) CompletionStream(req *types.CompletionRequest, tr Transport) (Stream, error) {
	c, err := s.launchCompletion(req, tr)
	if err != nil {
		return nil, err
	}
	return &completionStream{c: c}, nil
}

type completionStream struct {
	c *completionSession
}

// Run emits one chunk per delta. When echo is set the prompt goes out as
// its own first chunk, even if generation produces nothing. Chunks carry
// logprobs and finish_reason as explicit nulls until the final chunk sets
// the reason; no usage block is ever attached on this path.
func (st *completionStream) Run(ctx context.Context, w io.Writer, flush func()) error {
	c := st.c
	s := c.s
	defer c.finish()

	completionTokens := 0

	if c.req.Echo {
		echo := types.CompletionStreamResponse{
			ID:      c.id,
			Object:  completionObject,
			Created: c.created,
			Model:   s.modelName,
			Choices: []types.CompletionResponseChoice{{
				Index: 0,
				Text:  c.prompt,
			}},
		}
		if err := writeEvent(w, flush, echo); err != nil {
			c.abort()
			return nil
		}
	}

stream:
	for {
		select {
		case delta, ok := <-c.deltas:
			if !ok {
				break stream
			}
			if c.disconnected(ctx) {
				c.abort()
				s.log.Debug().Str("request_id", c.id).Msg("aborted stream: client disconnected")
				return nil
			}
			completionTokens++

			chunk := types.CompletionStreamResponse{
				ID:      c.id,
				Object:  completionObject,
				Created: c.created,
				Model:   s.modelName,
				Choices: []types.CompletionResponseChoice{{
					Index: 0,
					Text:  delta,
				}},
			}
			if err := writeEvent(w, flush, chunk); err != nil {
				c.abort()
				return nil
			}
		case <-ctx.Done():
			c.abort()
			s.log.Debug().Str("request_id", c.id).Msg("aborted stream: context canceled")
			return nil
		}
	}

	final := types.CompletionStreamResponse{
		ID:      c.id,
		Object:  completionObject,
		Created: c.created,
		Model:   s.modelName,
		Choices: []types.CompletionResponseChoice{{
			Index:        0,
			Text:         "",
			FinishReason: completionFinishReason(completionTokens, c.maxTokens),
		}},
	}
	if err := writeEvent(w, flush, final); err != nil {
		return nil
	}
	c.finish()
	writeDone(w, flush)
	return nil
}
