//go:build !llama

package engine

// This stub is compiled when the 'llama' build tag is NOT set, keeping
// default builds and CI CGO-free. It refuses to generate rather than mock;
// the real engine lives in llama.go (tagged 'llama').

import (
	"errors"
	"image"

	"inferd/pkg/types"
)

// LlamaConfig configures the in-process go-llama.cpp engine.
type LlamaConfig struct {
	ModelPath string
	CtxSize   int
	Threads   int
	GPULayers int
}

type llamaStub struct{}

// NewLlamaEngine returns a fail-fast stub without the 'llama' build tag.
func NewLlamaEngine(cfg LlamaConfig) (Engine, error) {
	return llamaStub{}, nil
}

func (llamaStub) CountInputTokens(msgs []Message) int {
	return estimateTokens(renderPrompt(msgs))
}

func (llamaStub) LaunchStream(msgs []Message, p Params, tools []types.Tool, images []image.Image) (Handle, error) {
	return 0, ErrDependencyUnavailable("llama support not built (missing 'llama' build tag)")
}

func (llamaStub) Deltas(h Handle) <-chan string {
	ch := make(chan string)
	close(ch)
	return ch
}

func (llamaStub) Abort(h Handle) error {
	return errors.New("unknown handle")
}

func (llamaStub) HandleStats(h Handle) (Stats, bool) { return Stats{}, false }
