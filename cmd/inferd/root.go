package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"inferd/internal/completion"
	"inferd/internal/config"
	"inferd/internal/engine"
	"inferd/internal/httpapi"
	"inferd/internal/registry"
	"inferd/pkg/types"
)

const version = "0.3.0"

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// newRootCmd builds the CLI. Flags override config file values, which
// override environment defaults.
func newRootCmd() *cobra.Command {
	var cfgPath string
	flags := config.Config{}

	root := &cobra.Command{
		Use:           "inferd",
		Short:         "OpenAI-compatible inference daemon for local gguf models",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Config{}
			if cfgPath != "" {
				loaded, err := config.Load(cfgPath)
				if err != nil {
					return err
				}
				cfg = loaded
			}
			mergeFlags(&cfg, &flags, cmd)
			applyDefaults(&cfg)
			return serve(cfg)
		},
	}

	root.Flags().StringVar(&cfgPath, "config", os.Getenv("INFERD_CONFIG"), "Path to a yaml/json/toml config file")
	root.Flags().StringVar(&flags.Addr, "addr", envOr("INFERD_ADDR", ""), "HTTP listen address, e.g. :8080")
	root.Flags().StringVar(&flags.ModelsDir, "models-dir", envOr("INFERD_MODELS_DIR", ""), "Directory to scan for *.gguf model files")
	root.Flags().StringVar(&flags.Model, "model", envOr("INFERD_MODEL", ""), "Model id to serve (defaults to the first discovered)")
	root.Flags().StringVar(&flags.ModelFamily, "model-family", "", "Model family hint for tool-call parsing")
	root.Flags().StringVar(&flags.ToolParser, "tool-parser", "", "Tool-call parser override: hermes|json")
	root.Flags().StringVar(&flags.APIKey, "api-key", os.Getenv("INFERD_API_KEY"), "Require this bearer token on /v1 endpoints")
	root.Flags().BoolVar(&flags.DevMode, "dev", false, "Expose cancel and active-request endpoints")
	root.Flags().BoolVar(&flags.ShowInput, "show-input", false, "Log the rendered model input at debug level")
	root.Flags().StringVar(&flags.LogLevel, "log-level", envOr("INFERD_LOG_LEVEL", ""), "Log level: debug|info|warn|error")
	root.Flags().IntVar(&flags.MaxActive, "max-active", 0, "Maximum concurrent generations (0=unlimited)")
	root.Flags().IntVar(&flags.Llama.ContextSize, "ctx-size", 0, "Model context window in tokens")
	root.Flags().IntVar(&flags.Llama.Threads, "threads", 0, "Inference threads")
	root.Flags().IntVar(&flags.Llama.GPULayers, "gpu-layers", 0, "Layers to offload to GPU")

	versionCmd := &cobra.Command{Use: "version", Short: "Print the version", Run: func(cmd *cobra.Command, args []string) {
		cmd.Println("inferd " + version)
	}}
	root.AddCommand(versionCmd)

	return root
}

// mergeFlags overlays explicitly set flags onto the file config.
func mergeFlags(cfg, flags *config.Config, cmd *cobra.Command) {
	if flags.Addr != "" {
		cfg.Addr = flags.Addr
	}
	if flags.ModelsDir != "" {
		cfg.ModelsDir = flags.ModelsDir
	}
	if flags.Model != "" {
		cfg.Model = flags.Model
	}
	if flags.ModelFamily != "" {
		cfg.ModelFamily = flags.ModelFamily
	}
	if flags.ToolParser != "" {
		cfg.ToolParser = flags.ToolParser
	}
	if flags.APIKey != "" {
		cfg.APIKey = flags.APIKey
	}
	if cmd.Flags().Changed("dev") {
		cfg.DevMode = flags.DevMode
	}
	if cmd.Flags().Changed("show-input") {
		cfg.ShowInput = flags.ShowInput
	}
	if flags.LogLevel != "" {
		cfg.LogLevel = flags.LogLevel
	}
	if flags.MaxActive != 0 {
		cfg.MaxActive = flags.MaxActive
	}
	if flags.Llama.ContextSize != 0 {
		cfg.Llama.ContextSize = flags.Llama.ContextSize
	}
	if flags.Llama.Threads != 0 {
		cfg.Llama.Threads = flags.Llama.Threads
	}
	if flags.Llama.GPULayers != 0 {
		cfg.Llama.GPULayers = flags.Llama.GPULayers
	}
}

func applyDefaults(cfg *config.Config) {
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.ModelsDir == "" {
		cfg.ModelsDir = "~/models/llm"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Llama.ContextSize == 0 {
		cfg.Llama.ContextSize = 4096
	}
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(os.Stderr).With().Timestamp().Logger().Level(lvl)
}

// pickModel selects the served model: an explicit id must exist, otherwise
// the first discovered model wins.
func pickModel(models []types.Model, id string) (types.Model, bool) {
	if id != "" {
		for _, m := range models {
			if m.ID == id {
				return m, true
			}
		}
		return types.Model{}, false
	}
	if len(models) > 0 {
		return models[0], true
	}
	return types.Model{}, false
}

func serve(cfg config.Config) error {
	logger := newLogger(cfg.LogLevel)

	models, err := registry.LoadDir(cfg.ModelsDir)
	if err != nil {
		return err
	}
	model, ok := pickModel(models, cfg.Model)
	if !ok {
		logger.Error().Str("models_dir", cfg.ModelsDir).Str("model", cfg.Model).Msg("no servable model found")
		return errNoModel
	}

	eng, err := engine.NewLlamaEngine(engine.LlamaConfig{
		ModelPath: model.Path,
		CtxSize:   cfg.Llama.ContextSize,
		Threads:   cfg.Llama.Threads,
		GPULayers: cfg.Llama.GPULayers,
	})
	if err != nil {
		return err
	}

	svc := completion.New(completion.Config{
		Engine:       eng,
		ModelName:    model.ID,
		ModelFamily:  cfg.ModelFamily,
		ChatTemplate: cfg.ChatTemplate,
		ToolParser:   cfg.ToolParser,
		Models:       models,
		Logger:       logger,
		ShowInput:    cfg.ShowInput,
		MaxActive:    cfg.MaxActive,
	})

	httpapi.SetLogger(logger)
	httpapi.SetMaxBodyBytes(cfg.MaxBodyBytes)
	httpapi.SetCORSOptions(cfg.CORS.Enabled, cfg.CORS.AllowedOrigins, cfg.CORS.AllowedMethods, cfg.CORS.AllowedHeaders)

	// Shutdown cancels in-flight generations through the shared base context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	httpapi.SetBaseContext(ctx)

	mux := httpapi.NewMux(svc, httpapi.Options{
		APIKey:  cfg.APIKey,
		DevMode: cfg.DevMode,
		Version: version,
	})
	srv := &http.Server{Addr: cfg.Addr, Handler: mux}

	errc := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.Addr).Str("model", model.ID).Msg("inferd listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("graceful shutdown error")
	}
	return nil
}
