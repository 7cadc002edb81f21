// Package engine abstracts the model runtime behind the completion layer.
// A concrete engine owns tokenization, generation progress and any KV-cache
// state; callers only see handles and delta streams.
package engine

import (
	"image"

	"inferd/pkg/types"
)

// Handle identifies one in-flight generation inside the engine.
type Handle uint64

// RoleRaw marks a single-message input whose content is the literal prompt,
// bypassing chat templating. Used by the non-chat completions path.
const RoleRaw = "raw"

// Message is one normalized conversation turn handed to the engine.
type Message struct {
	Role       string
	Content    string
	ToolCalls  []types.ToolCall
	ToolCallID string
	Name       string
	Reasoning  string
}

// Params captures effective sampling parameters for one generation.
type Params struct {
	MaxTokens     int
	MinTokens     int
	TopP          float64
	TopK          int
	Temperature   float64
	RepeatPenalty float64
	Seed          int
	Stop          []string
}

// Stats is the per-handle statistics snapshot reported after a generation.
type Stats struct {
	PromptTokens   int
	OutputTokens   int
	TotalTime      float64
	FirstTokenTime float64
	Speed          float64
}

// Engine is the external model capability consumed by the completion core.
//
// Deltas returns a lazy, finite, non-restartable sequence: the channel is
// closed when generation ends. Abort stops an in-flight generation; it must
// not be called on a handle that completed normally, since engines may hold
// incremental cache state keyed by the handle.
type Engine interface {
	// CountInputTokens returns the prompt token count for the rendered input.
	CountInputTokens(msgs []Message) int
	// LaunchStream starts a generation and returns its handle.
	LaunchStream(msgs []Message, p Params, tools []types.Tool, images []image.Image) (Handle, error)
	// Deltas returns the text-fragment stream for a launched handle.
	Deltas(h Handle) <-chan string
	// Abort stops the generation behind h.
	Abort(h Handle) error
	// HandleStats reports statistics for h; ok is false if none are available.
	HandleStats(h Handle) (Stats, bool)
}

// dependencyUnavailableError signals a missing runtime dependency so the
// HTTP layer can return 503 instead of 500.
type dependencyUnavailableError struct{ msg string }

func (e dependencyUnavailableError) Error() string { return e.msg }

// ErrDependencyUnavailable constructs a dependencyUnavailableError.
func ErrDependencyUnavailable(msg string) error { return dependencyUnavailableError{msg: msg} }

// IsDependencyUnavailable reports whether err indicates a missing/failed runtime dependency.
func IsDependencyUnavailable(err error) bool {
	_, ok := err.(dependencyUnavailableError)
	return ok
}
