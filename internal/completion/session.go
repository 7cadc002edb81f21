// Package completion implements the OpenAI-compatible completion request
// lifecycle: request validation, conversation normalization, generation
// session management, tool-call extraction, and response framing for both
// aggregated and SSE-streamed output.
package completion

import (
	"context"
	"encoding/json"
	"image"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"inferd/internal/engine"
	"inferd/pkg/types"
)

const (
	chatObject  = "chat.completion"
	chunkObject = "chat.completion.chunk"
)

// Transport exposes the per-request disconnect state, polled from within
// the streaming loop.
type Transport interface {
	IsDisconnected() bool
}

// Stream is a launched streaming generation. Run drives the delta loop and
// writes SSE frames until the stream terminates; it returns a non-nil error
// only for upstream failures the caller should frame as an SSE error.
type Stream interface {
	Run(ctx context.Context, w io.Writer, flush func()) error
}

// Config carries the collaborators and options for a Server.
type Config struct {
	Engine       engine.Engine
	ModelName    string
	ModelFamily  string
	ChatTemplate string
	ToolParser   string // explicit parser override; empty = auto
	Models       []types.Model
	Logger       zerolog.Logger
	ShowInput    bool
	MaxActive    int // 0 = unlimited
}

// Server owns the completion request lifecycle for one served model.
type Server struct {
	eng       engine.Engine
	modelName string
	models    []types.Model
	reqs      *RequestRegistry
	log       zerolog.Logger
	showInput bool
	maxActive int

	fingerprint  string
	requestCount atomic.Uint64

	parserOnce     sync.Once
	parser         ToolParser
	modelFamily    string
	chatTemplate   string
	parserOverride string
}

// New constructs a Server. The request registry starts empty; there is no
// teardown beyond process exit.
func New(cfg Config) *Server {
	return &Server{
		eng:            cfg.Engine,
		modelName:      cfg.ModelName,
		models:         cfg.Models,
		reqs:           NewRequestRegistry(),
		log:            cfg.Logger,
		showInput:      cfg.ShowInput,
		maxActive:      cfg.MaxActive,
		fingerprint:    "fp_" + requestUUID()[:12],
		modelFamily:    cfg.ModelFamily,
		chatTemplate:   cfg.ChatTemplate,
		parserOverride: cfg.ToolParser,
	}
}

// Ready reports whether the server can accept generation work.
func (s *Server) Ready() bool { return s.eng != nil }

// SystemFingerprint identifies the current model configuration.
func (s *Server) SystemFingerprint() string { return s.fingerprint }

// ListModels returns the OpenAI model list for the registry.
func (s *Server) ListModels() types.ModelList {
	now := time.Now().Unix()
	models := s.models
	if len(models) == 0 {
		models = []types.Model{{ID: s.modelName, Name: s.modelName}}
	}
	cards := make([]types.ModelCard, 0, len(models))
	for _, m := range models {
		cards = append(cards, types.ModelCard{
			ID:      m.ID,
			Object:  "model",
			Created: now,
			OwnedBy: "inferd",
			Permission: []types.ModelPermission{{
				ID:            "modelperm-" + requestUUID(),
				Object:        "model_permission",
				Created:       now,
				AllowSampling: true,
				AllowLogprobs: true,
				AllowView:     true,
				Organization:  "*",
			}},
		})
	}
	return types.ModelList{Object: "list", Data: cards}
}

// Cancel aborts the generation registered under requestID. The bool is
// false when the id is unknown; a non-nil error with true means the handle
// was found but the abort itself failed. The registry entry is left for the
// owning session to deregister when its stream ends.
func (s *Server) Cancel(requestID string) (bool, error) {
	found, err := s.reqs.LookupAndAbort(requestID, s.eng.Abort)
	if !found {
		s.log.Warn().Str("request_id", requestID).Msg("cancel for unknown request id")
		return false, nil
	}
	if err != nil {
		s.log.Error().Err(err).Str("request_id", requestID).Msg("abort failed")
		return true, err
	}
	s.log.Debug().Str("request_id", requestID).Msg("aborted request")
	return true, nil
}

// ActiveRequests snapshots in-flight request ids for operational inspection.
func (s *Server) ActiveRequests() []types.ActiveRequest { return s.reqs.Active() }

func requestUUID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// toolParser resolves the parser variant once per server lifetime, at the
// first tool-call attempt.
func (s *Server) toolParser() ToolParser {
	s.parserOnce.Do(func() {
		s.parser = SelectToolParser(s.modelFamily, s.chatTemplate, s.parserOverride)
	})
	return s.parser
}

// chatSession owns one in-flight chat request: its handle, delta source and
// terminal cleanup. finish and abort are each guaranteed to run at most once
// no matter which terminal path fires.
type chatSession struct {
	s           *Server
	req         *types.ChatCompletionRequest
	tr          Transport
	id          string
	handle      engine.Handle
	deltas      <-chan string
	inputTokens int
	created     int64

	finishOnce sync.Once
	abortOnce  sync.Once
}

// abort stops the underlying generation. Reserved for disconnect and cancel
// paths; aborting a normally finished generation can corrupt cache state the
// handle owns downstream.
func (c *chatSession) abort() {
	c.abortOnce.Do(func() { _ = c.s.eng.Abort(c.handle) })
}

// finish emits final statistics and releases the registry entry. Runs
// exactly once across all terminal paths.
func (c *chatSession) finish() {
	c.finishOnce.Do(func() {
		c.s.logRequestComplete(c.id)
		if st, ok := c.s.eng.HandleStats(c.handle); ok {
			c.s.logInferenceStats(c.id, st)
		}
		c.s.reqs.Deregister(c.id)
	})
}

func (c *chatSession) disconnected(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	return c.tr != nil && c.tr.IsDisconnected()
}

// launchChat validates and normalizes a chat request, counts prompt tokens,
// launches the stream and registers the handle. Every error before the
// LaunchStream call short-circuits without acquiring any resource.
func (s *Server) launchChat(req *types.ChatCompletionRequest, tr Transport) (*chatSession, error) {
	if req.Model != s.modelName {
		return nil, modelNotFoundError(req.Model)
	}
	if errResp := validateRequestParams(req); errResp != nil {
		return nil, errResp
	}

	msgs := req.Messages
	if req.Prompt != "" {
		content, _ := json.Marshal(req.Prompt)
		msgs = append(msgs, types.RawMessage{Role: "user", Content: content})
	}

	var conversation []ConversationMessage
	var images []image.Image
	for _, m := range msgs {
		parsed, err := s.parseChatMessage(m)
		if err != nil {
			s.log.Error().Err(err).Msg("error normalizing chat messages")
			return nil, invalidRequestError(err.Error(), "")
		}
		for _, cm := range parsed {
			conversation = append(conversation, cm)
			images = append(images, cm.Images...)
		}
	}
	if len(conversation) == 0 {
		return nil, invalidRequestError("empty messages", "messages")
	}

	engMsgs := make([]engine.Message, len(conversation))
	for i, cm := range conversation {
		engMsgs[i] = cm.AsEngineMessage()
	}
	if s.showInput {
		s.log.Debug().Interface("messages", engMsgs).Msg("model input")
	}
	if len(images) > 0 {
		s.log.Info().Int("images", len(images)).Msg("images attached to request")
	}

	// Deliberate policy: an unset frequency_penalty and an explicit 0 both
	// fall back to a repeat penalty of 1.0.
	repeatPenalty := 1.0
	if req.FrequencyPenalty != nil && *req.FrequencyPenalty != 0 {
		repeatPenalty = *req.FrequencyPenalty
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = req.MaxCompletionTokens
	}
	if maxTokens == 0 {
		maxTokens = 32768
	}

	params := engine.Params{
		MaxTokens:     maxTokens,
		MinTokens:     req.MinTokens,
		TopP:          floatOr(req.TopP, 1.0),
		TopK:          intOr(req.TopK, -1),
		Temperature:   floatOr(req.Temperature, 0.7),
		RepeatPenalty: repeatPenalty,
		Seed:          intOr(req.Seed, 0),
		Stop:          req.Stop,
	}

	inputTokens := s.eng.CountInputTokens(engMsgs)

	if s.maxActive > 0 && s.reqs.Len() >= s.maxActive {
		return nil, tooBusyError{modelID: s.modelName}
	}

	requestID := "chatcmpl-" + requestUUID()
	s.logRequestStart(s.requestCount.Add(1), requestID)

	handle, err := s.eng.LaunchStream(engMsgs, params, req.Tools, images)
	if err != nil {
		return nil, err
	}
	s.reqs.Register(requestID, handle)
	s.log.Debug().Str("request_id", requestID).Uint64("handle", uint64(handle)).Msg("launched generation")

	return &chatSession{
		s:           s,
		req:         req,
		tr:          tr,
		id:          requestID,
		handle:      handle,
		deltas:      s.eng.Deltas(handle),
		inputTokens: inputTokens,
		created:     time.Now().Unix(),
	}, nil
}

// ChatCompletion runs the aggregated (non-streaming) path: it drains the
// delta stream into one string, applies tool-call extraction once at the
// end, and returns the full response. A disconnect mid-aggregation is a
// terminal error, not a partial success.
func (s *Server) ChatCompletion(ctx context.Context, req *types.ChatCompletionRequest, tr Transport) (*types.ChatCompletionResponse, error) {
	c, err := s.launchChat(req, tr)
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
			s.log.Debug().Str("request_id", c.id).Msg("aborted request: context canceled")
			return nil, disconnectError()
		}
	}

	result := sb.String()
	// Chat responses finish with stop or tool_calls; only the legacy
	// completions endpoint reports length against the token budget.
	finishReason := "stop"
	content := &result
	var toolCalls []types.ToolCall

	if len(req.Tools) > 0 {
		extracted, err := s.toolParser().ExtractToolCalls(result, req)
		if err != nil {
			s.log.Warn().Err(err).Msg("tool parsing failed, returning raw content")
		} else if extracted.ToolsCalled && len(extracted.ToolCalls) > 0 {
			toolCalls = extracted.ToolCalls
			if req.ParallelToolCalls != nil && !*req.ParallelToolCalls && len(toolCalls) > 1 {
				toolCalls = toolCalls[:1]
			}
			finishReason = "tool_calls"
			content = extracted.Content
		}
	}

	return &types.ChatCompletionResponse{
		ID:      c.id,
		Object:  chatObject,
		Created: c.created,
		Model:   s.modelName,
		Choices: []types.ChatCompletionResponseChoice{{
			Index:        0,
			Message:      types.ChatMessage{Role: "assistant", Content: content, ToolCalls: toolCalls},
			FinishReason: finishReason,
		}},
		Usage:             types.NewUsage(c.inputTokens, completionTokens),
		SystemFingerprint: s.fingerprint,
	}, nil
}

// ChatCompletionStream validates and launches a streaming chat request.
// Errors returned here happen before any SSE bytes are written, so the
// caller can still send a plain JSON error.
func (s *Server) ChatCompletionStream(req *types.ChatCompletionRequest, tr Transport) (Stream, error) {
	c, err := s.launchChat(req, tr)
	if err != nil {
		return nil, err
	}
	return &chatStream{c: c}, nil
}

type chatStream struct {
	c *chatSession
}

// streamUsageFlags resolves the three usage-reporting behaviors from the
// request's stream options: usage on the final chunk only (default when the
// block is present), usage on every chunk, or none at all.
func streamUsageFlags(so *types.StreamOptions) (includeUsage, continuousUsage bool) {
	if so == nil {
		return false, false
	}
	includeUsage = true
	if so.IncludeUsage != nil {
		includeUsage = *so.IncludeUsage
	}
	if so.ContinuousUsageStats != nil {
		continuousUsage = *so.ContinuousUsageStats
	}
	return includeUsage, continuousUsage
}

// Run drives the streaming loop: an initial role chunk, one chunk per delta
// (content or tool-call fragments), then the finish chunk and the terminal
// sentinel. Deltas are consumed and re-emitted strictly in arrival order.
// On disconnect the generation is aborted exactly once and the stream ends
// without further output; cleanup still runs via the session's finish.
func (st *chatStream) Run(ctx context.Context, w io.Writer, flush func()) error {
	c := st.c
	s := c.s
	req := c.req
	defer c.finish()

	includeUsage, continuousUsage := streamUsageFlags(req.StreamOptions)

	first := types.ChatCompletionStreamResponse{
		ID:      c.id,
		Object:  chunkObject,
		Created: c.created,
		Model:   s.modelName,
		Choices: []types.ChatCompletionStreamChoice{{
			Index: 0,
			Delta: types.DeltaMessage{Role: "assistant"},
		}},
	}
	if continuousUsage {
		u := types.NewUsage(c.inputTokens, 0)
		first.Usage = &u
	}
	if err := writeEvent(w, flush, first); err != nil {
		c.abort()
		return nil
	}

	var parser ToolParser
	if len(req.Tools) > 0 {
		parser = s.toolParser()
	}

	// Accumulation state for incremental tool-call parsing: the parser is
	// stateless, all monotonic state lives here.
	var previousText, currentText string
	var previousTokenIDs, currentTokenIDs []int
	completionTokens := 0
	sentContent := 0
	sawToolCalls := false

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

			var dm *types.DeltaMessage
			if parser != nil {
				currentText += delta
				currentTokenIDs = append(currentTokenIDs, 0)
				var err error
				dm, err = parser.ExtractToolCallsStreaming(
					previousText, currentText, delta,
					previousTokenIDs, currentTokenIDs, []int{0},
					req,
				)
				if err != nil {
					s.log.Warn().Err(err).Msg("tool call streaming parse failed, falling back to raw content")
					dm = &types.DeltaMessage{Content: currentText[sentContent:]}
				}
				previousText = currentText
				previousTokenIDs = currentTokenIDs
				if dm != nil && req.ParallelToolCalls != nil && !*req.ParallelToolCalls && len(dm.ToolCalls) > 0 {
					kept := dm.ToolCalls[:0:0]
					for _, tc := range dm.ToolCalls {
						if tc.Index == 0 {
							kept = append(kept, tc)
						}
					}
					dm.ToolCalls = kept
				}
			} else {
				dm = &types.DeltaMessage{Content: delta}
			}
			if dm.Empty() {
				continue
			}
			sentContent += len(dm.Content)
			if len(dm.ToolCalls) > 0 {
				sawToolCalls = true
			}

			chunk := types.ChatCompletionStreamResponse{
				ID:      c.id,
				Object:  chunkObject,
				Created: c.created,
				Model:   s.modelName,
				Choices: []types.ChatCompletionStreamChoice{{
					Index: 0,
					Delta: *dm,
				}},
				SystemFingerprint: s.fingerprint,
			}
			if continuousUsage {
				u := types.NewUsage(c.inputTokens, completionTokens)
				chunk.Usage = &u
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

	// The generation ended with text the parser was still withholding (a
	// buffered JSON document that never became valid, or an open tag whose
	// close never arrived). No complete tool call exists, so fall back to
	// raw content the same way the aggregated path does on parse failure.
	if parser != nil && !sawToolCalls && sentContent < len(currentText) {
		flushChunk := types.ChatCompletionStreamResponse{
			ID:      c.id,
			Object:  chunkObject,
			Created: c.created,
			Model:   s.modelName,
			Choices: []types.ChatCompletionStreamChoice{{
				Index: 0,
				Delta: types.DeltaMessage{Content: currentText[sentContent:]},
			}},
			SystemFingerprint: s.fingerprint,
		}
		if continuousUsage {
			u := types.NewUsage(c.inputTokens, completionTokens)
			flushChunk.Usage = &u
		}
		if err := writeEvent(w, flush, flushChunk); err != nil {
			return nil
		}
	}

	finishReason := "stop"
	if sawToolCalls {
		finishReason = "tool_calls"
	}
	final := types.ChatCompletionStreamResponse{
		ID:      c.id,
		Object:  chunkObject,
		Created: c.created,
		Model:   s.modelName,
		Choices: []types.ChatCompletionStreamChoice{{
			Index:        0,
			Delta:        types.DeltaMessage{},
			FinishReason: finishReason,
		}},
		SystemFingerprint: s.fingerprint,
	}
	if includeUsage || continuousUsage {
		u := types.NewUsage(c.inputTokens, completionTokens)
		final.Usage = &u
	}
	if err := writeEvent(w, flush, final); err != nil {
		return nil
	}
	// Normal completion: no abort here. Statistics and deregistration run
	// before the sentinel so cancel lookups cannot race a finished stream.
	c.finish()
	writeDone(w, flush)
	return nil
}

func floatOr(v *float64, def float64) float64 {
	if v != nil {
		return *v
	}
	return def
}

func intOr(v *int, def int) int {
	if v != nil {
		return *v
	}
	return def
}
