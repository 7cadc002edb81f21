//go:build llama

package engine

import (
	"errors"
	"image"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	llama "github.com/go-skynet/go-llama.cpp"

	"inferd/pkg/types"
)

// LlamaConfig configures the in-process go-llama.cpp engine.
type LlamaConfig struct {
	ModelPath string
	CtxSize   int
	Threads   int
	GPULayers int
}

// llamaEngine runs generations on a single loaded gguf model. The underlying
// binding is not reentrant, so generations serialize on mu; handles queue up
// behind it in launch order.
type llamaEngine struct {
	cfg   LlamaConfig
	model *llama.LLama

	mu     sync.Mutex // guards Predict; one generation at a time
	nextID atomic.Uint64
	gens   sync.Map // Handle -> *llamaGen
}

type llamaGen struct {
	ch       chan string
	stop     chan struct{}
	stopOnce sync.Once

	statsMu sync.Mutex
	stats   Stats
	done    bool
	read    bool
}

// NewLlamaEngine loads the model at cfg.ModelPath and returns an Engine.
func NewLlamaEngine(cfg LlamaConfig) (Engine, error) {
	if strings.TrimSpace(cfg.ModelPath) == "" {
		return nil, errors.New("model path is empty")
	}
	mo := []llama.ModelOption{
		llama.SetContext(cfg.CtxSize),
	}
	if cfg.GPULayers > 0 {
		mo = append(mo, llama.SetGPULayers(cfg.GPULayers))
	}
	m, err := llama.New(cfg.ModelPath, mo...)
	if err != nil {
		return nil, err
	}
	return &llamaEngine{cfg: cfg, model: m}, nil
}

func (e *llamaEngine) CountInputTokens(msgs []Message) int {
	return estimateTokens(renderPrompt(msgs))
}

func (e *llamaEngine) LaunchStream(msgs []Message, p Params, tools []types.Tool, images []image.Image) (Handle, error) {
	// Images are accepted for interface compatibility; the gguf text runtime
	// has no vision path, so they are dropped here.
	h := Handle(e.nextID.Add(1))
	g := &llamaGen{
		ch:   make(chan string, 16),
		stop: make(chan struct{}),
	}
	e.gens.Store(h, g)

	prompt := renderPrompt(msgs)
	promptTokens := estimateTokens(prompt)
	po := mapParamsToPredictOptions(p, e.cfg.Threads)

	go func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		defer close(g.ch)

		start := time.Now()
		var firstToken time.Duration
		outputTokens := 0
		e.model.SetTokenCallback(func(tok string) bool {
			if outputTokens == 0 {
				firstToken = time.Since(start)
			}
			select {
			case g.ch <- tok:
				outputTokens++
				return true
			case <-g.stop:
				return false
			}
		})
		_, _ = e.model.Predict(prompt, po...)

		total := time.Since(start)
		speed := 0.0
		if total > 0 {
			speed = float64(outputTokens) / total.Seconds()
		}
		g.statsMu.Lock()
		g.stats = Stats{
			PromptTokens:   promptTokens,
			OutputTokens:   outputTokens,
			TotalTime:      total.Seconds(),
			FirstTokenTime: firstToken.Seconds(),
			Speed:          speed,
		}
		g.done = true
		read := g.read
		g.statsMu.Unlock()
		// If the session already read its stats (aborted before the predict
		// loop returned), this goroutine is the last reference. Otherwise the
		// entry is released by the HandleStats call that observes done.
		if read {
			e.gens.Delete(h)
		}
	}()
	return h, nil
}

func (e *llamaEngine) Deltas(h Handle) <-chan string {
	if v, ok := e.gens.Load(h); ok {
		return v.(*llamaGen).ch
	}
	ch := make(chan string)
	close(ch)
	return ch
}

func (e *llamaEngine) Abort(h Handle) error {
	v, ok := e.gens.Load(h)
	if !ok {
		return errors.New("unknown handle")
	}
	g := v.(*llamaGen)
	g.stopOnce.Do(func() { close(g.stop) })
	return nil
}

// HandleStats reports the generation's statistics and releases the handle
// once a done read has happened, so gens does not grow with request count.
func (e *llamaEngine) HandleStats(h Handle) (Stats, bool) {
	v, ok := e.gens.Load(h)
	if !ok {
		return Stats{}, false
	}
	g := v.(*llamaGen)
	g.statsMu.Lock()
	st, done := g.stats, g.done
	g.read = true
	g.statsMu.Unlock()
	if done {
		e.gens.Delete(h)
	}
	return st, done
}

// helpers mirrored from the binding's defaults
func zn(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

func zf(v float64, def float32) float32 {
	if v > 0 {
		return float32(v)
	}
	return def
}

// mapParamsToPredictOptions converts engine params into go-llama.cpp options.
func mapParamsToPredictOptions(p Params, threads int) []llama.PredictOption {
	po := []llama.PredictOption{
		llama.SetTokens(zn(p.MaxTokens, 128)),
		llama.SetThreads(zn(threads, 4)),
		llama.SetTopP(zf(p.TopP, llama.DefaultOptions.TopP)),
		llama.SetTopK(zn(p.TopK, llama.DefaultOptions.TopK)),
		llama.SetTemperature(zf(p.Temperature, llama.DefaultOptions.Temperature)),
		llama.SetPenalty(zf(p.RepeatPenalty, llama.DefaultOptions.Penalty)),
	}
	if p.Seed != 0 {
		po = append(po, llama.SetSeed(p.Seed))
	}
	if len(p.Stop) > 0 {
		po = append(po, llama.SetStopWords(p.Stop...))
	}
	return po
}
