package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"inferd/internal/completion"
	"inferd/internal/engine"
	"inferd/pkg/types"
)

// Service defines the methods required by the HTTP API layer.
type Service interface {
	ChatCompletion(ctx context.Context, req *types.ChatCompletionRequest, tr completion.Transport) (*types.ChatCompletionResponse, error)
	ChatCompletionStream(req *types.ChatCompletionRequest, tr completion.Transport) (completion.Stream, error)
	Completion(ctx context.Context, req *types.CompletionRequest, tr completion.Transport) (*types.CompletionResponse, error)
	CompletionStream(req *types.CompletionRequest, tr completion.Transport) (completion.Stream, error)
	ListModels() types.ModelList
	Cancel(requestID string) (found bool, err error)
	ActiveRequests() []types.ActiveRequest
	Ready() bool
}

// Options configures cross-cutting HTTP behavior.
type Options struct {
	// APIKey, when non-empty, requires "Authorization: Bearer <key>" on /v1.
	APIKey string
	// DevMode exposes the cancel and active-request inspection endpoints.
	DevMode bool
	// Version is reported by GET /version.
	Version string
}

// requestTransport adapts the request context to the completion layer's
// disconnect probe.
type requestTransport struct {
	ctx context.Context
}

func (t requestTransport) IsDisconnected() bool { return t.ctx.Err() != nil }

func NewMux(svc Service, opts Options) http.Handler {
	r := chi.NewRouter()
	// Basic middlewares: request id, real ip, recoverer
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	// Compression for JSON endpoints; SSE content types are not in the
	// default compressible set, so streams stay uncompressed.
	r.Use(middleware.Compress(5))
	r.Use(MetricsMiddleware)
	if corsEnabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: corsAllowedOrigins,
			AllowedMethods: corsAllowedMethods,
			AllowedHeaders: corsAllowedHeaders,
		}))
	}
	// Security headers
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})

	health := func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
	r.Get("/health", health)
	r.Get("/v1/health", health)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if svc.Ready() {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("loading"))
	})

	r.Get("/version", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, types.VersionResponse{Version: opts.Version, Engine: "llama.cpp"})
	})

	// Prometheus metrics endpoint
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	r.Route("/v1", func(v1 chi.Router) {
		v1.Use(bearerAuth(opts.APIKey))

		v1.Get("/models", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, svc.ListModels())
		})

		v1.Post("/chat/completions", handleChatCompletions(svc))
		v1.Post("/completions", handleCompletions(svc))

		if opts.DevMode {
			v1.Post("/cancel", handleCancel(svc))
			v1.Get("/active_conversations", func(w http.ResponseWriter, r *http.Request) {
				active := svc.ActiveRequests()
				writeJSON(w, http.StatusOK, types.ActiveRequestsResponse{
					ActiveConversations: active,
					Count:               len(active),
				})
			})
		}
	})

	MountSwagger(r)

	return r
}

// bearerAuth enforces a static bearer token when apiKey is set.
func bearerAuth(apiKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if apiKey == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			if auth != "Bearer "+apiKey {
				writeJSONError(w, http.StatusUnauthorized, "invalid or missing API key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// decodeJSONBody enforces content type and body size, then decodes into v.
// A non-nil return is already an HTTP-ready error response.
func decodeJSONBody(w http.ResponseWriter, r *http.Request, v any) error {
	ct := r.Header.Get("Content-Type")
	if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
		writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
		return http.ErrNotSupported
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return err
	}
	return nil
}

func setSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// streamWriter returns the SSE destination, optionally teeing frames into
// the debug line logger, plus the flush func when the writer supports it.
func streamWriter(w http.ResponseWriter, lvl LogLevel) (io.Writer, func()) {
	var flush func()
	if f, ok := w.(http.Flusher); ok {
		flush = f.Flush
	}
	writer := io.Writer(w)
	if lvl >= LevelDebug {
		writer = io.MultiWriter(w, &loggingLineWriter{})
	}
	return writer, flush
}

func logRequestEnd(r *http.Request, lvl LogLevel, route string, status int, start time.Time, err error) {
	if lvl < LevelInfo {
		return
	}
	if zlog != nil {
		z := zlog.Info().Str("path", route).Int("status", status).Dur("dur", time.Since(start))
		if rid := middleware.GetReqID(r.Context()); rid != "" {
			z = z.Str("request_id", rid)
		}
		if err != nil {
			z = z.Err(err)
		}
		z.Msg("request end")
		return
	}
	log.Printf("%s end status=%d dur=%s err=%v", route, status, time.Since(start), err)
}

func handleChatCompletions(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req types.ChatCompletionRequest
		if decodeJSONBody(w, r, &req) != nil {
			return
		}

		lvl := requestLogLevel(r)
		start := time.Now()
		if lvl >= LevelInfo {
			if zlog != nil {
				z := zlog.Info().Str("path", r.URL.Path).Str("model", req.Model).Bool("stream", req.Stream)
				if rid := middleware.GetReqID(r.Context()); rid != "" {
					z = z.Str("request_id", rid)
				}
				z.Msg("chat completion start")
			} else {
				log.Printf("chat completion start path=%s model=%s stream=%v", r.URL.Path, req.Model, req.Stream)
			}
		}

		// Join server base context with request context so shutdown cancels
		// in-flight generations too.
		ctx, cancel := joinContexts(serverBaseCtx, r.Context())
		defer cancel()
		tr := requestTransport{ctx: r.Context()}

		if req.Stream {
			stream, err := svc.ChatCompletionStream(&req, tr)
			if err != nil {
				writeAPIError(w, err)
				logRequestEnd(r, lvl, "/v1/chat/completions", errStatus(err), start, err)
				return
			}
			setSSEHeaders(w)
			writer, flush := streamWriter(w, lvl)
			if err := stream.Run(ctx, writer, flush); err != nil {
				completion.WriteStreamError(writer, flush, err)
			}
			logRequestEnd(r, lvl, "/v1/chat/completions", http.StatusOK, start, nil)
			return
		}

		resp, err := svc.ChatCompletion(ctx, &req, tr)
		if err != nil {
			if r.Context().Err() != nil || serverBaseCtx.Err() != nil {
				return
			}
			writeAPIError(w, err)
			logRequestEnd(r, lvl, "/v1/chat/completions", errStatus(err), start, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
		logRequestEnd(r, lvl, "/v1/chat/completions", http.StatusOK, start, nil)
	}
}

func handleCompletions(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req types.CompletionRequest
		if decodeJSONBody(w, r, &req) != nil {
			return
		}

		lvl := requestLogLevel(r)
		start := time.Now()

		ctx, cancel := joinContexts(serverBaseCtx, r.Context())
		defer cancel()
		tr := requestTransport{ctx: r.Context()}

		if req.Stream {
			stream, err := svc.CompletionStream(&req, tr)
			if err != nil {
				writeAPIError(w, err)
				logRequestEnd(r, lvl, "/v1/completions", errStatus(err), start, err)
				return
			}
			setSSEHeaders(w)
			writer, flush := streamWriter(w, lvl)
			if err := stream.Run(ctx, writer, flush); err != nil {
				completion.WriteStreamError(writer, flush, err)
			}
			logRequestEnd(r, lvl, "/v1/completions", http.StatusOK, start, nil)
			return
		}

		resp, err := svc.Completion(ctx, &req, tr)
		if err != nil {
			if r.Context().Err() != nil || serverBaseCtx.Err() != nil {
				return
			}
			writeAPIError(w, err)
			logRequestEnd(r, lvl, "/v1/completions", errStatus(err), start, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
		logRequestEnd(r, lvl, "/v1/completions", http.StatusOK, start, nil)
	}
}

// cancelRequest is the POST /v1/cancel body.
type cancelRequest struct {
	ConversationID string `json:"conversation_id"`
}

func handleCancel(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req cancelRequest
		if decodeJSONBody(w, r, &req) != nil {
			return
		}
		if req.ConversationID == "" {
			writeJSONError(w, http.StatusBadRequest, "conversation_id is required")
			return
		}
		found, err := svc.Cancel(req.ConversationID)
		if !found {
			writeJSONError(w, http.StatusNotFound, "unknown conversation_id: "+req.ConversationID)
			return
		}
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
	}
}

// errStatus extracts a status code for logging without re-running the
// mapping in writeAPIError.
func errStatus(err error) int {
	if he, ok := err.(HTTPError); ok {
		return he.StatusCode()
	}
	if completion.IsTooBusy(err) {
		return http.StatusTooManyRequests
	}
	if engine.IsDependencyUnavailable(err) {
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
