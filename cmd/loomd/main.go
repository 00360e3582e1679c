package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/loom-cloud/loomd/internal/config"
	"github.com/loom-cloud/loomd/internal/domain"
	logpkg "github.com/loom-cloud/loomd/internal/logger"
	"github.com/loom-cloud/loomd/internal/metrics"
	chiTransport "github.com/loom-cloud/loomd/internal/transport/chi"
	geminiTransport "github.com/loom-cloud/loomd/internal/transport/gemini"
	openaiTransport "github.com/loom-cloud/loomd/internal/transport/openai"
	embeddinguc "github.com/loom-cloud/loomd/internal/usecase/embedding"
	routeruc "github.com/loom-cloud/loomd/internal/usecase/router"
	sidebaruc "github.com/loom-cloud/loomd/internal/usecase/sidebar"
	"github.com/loom-cloud/loomd/internal/version"
)

func main() {
	// Load configuration based on ENV
	env := config.GetEnv()

	cfg, err := config.Load(env)
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	logger, err := logpkg.NewLogger(env, cfg.Logging.Level)
	if err != nil {
		panic("failed to create logger: " + err.Error())
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting loomd API server",
		zap.String("version", version.Version),
		zap.String("commit", version.Commit),
		zap.String("env", env),
		zap.Int("http_port", cfg.HTTP.Port),
		zap.String("llm_provider", cfg.LLM.Provider),
		zap.String("default_model", cfg.LLM.DefaultModel),
		zap.String("embedding_provider", cfg.Embedding.Provider),
	)

	// Register chat/embedding metrics explicitly (no init())
	metrics.RegisterLLMMetrics()

	// Provider adapters — composition root
	openaiCfg := &openaiTransport.Config{
		APIKey:  cfg.LLM.OpenAI.APIKey,
		BaseURL: cfg.LLM.OpenAI.BaseURL,
		Logger:  logger,
	}
	geminiCfg := &geminiTransport.Config{
		APIKey:  cfg.LLM.Gemini.APIKey,
		BaseURL: cfg.LLM.Gemini.BaseURL,
		Logger:  logger,
	}

	llm := routeruc.New(
		map[domain.Provider]routeruc.ChatClient{
			domain.ProviderOpenAI: openaiTransport.NewClient(openaiCfg),
			domain.ProviderGemini: geminiTransport.NewClient(geminiCfg),
		},
		domain.Provider(cfg.LLM.Provider),
		cfg.LLM.DefaultModel,
		logger,
	)

	embedSvc := embeddinguc.New(
		domain.Provider(cfg.Embedding.Provider),
		map[domain.Provider]embeddinguc.Embedder{
			domain.ProviderOpenAI: openaiTransport.NewEmbedder(openaiCfg, cfg.Embedding.OpenAIModel),
			domain.ProviderGemini: geminiTransport.NewEmbedder(geminiCfg, cfg.Embedding.GeminiModel),
		},
		logger,
	)

	sidebarSvc := sidebaruc.New(llm, embedSvc, logger)

	// Create chi server
	server := chiTransport.NewServer(llm, embedSvc, sidebarSvc, logger)

	r := chi.NewRouter()
	r.Use(jsonRecoverer(logger))
	r.Use(chiMiddleware.RequestID)
	r.Use(wideEventMiddleware(logger))
	r.Use(metrics.Middleware())
	r.Mount("/", server.Routes())

	addr := fmt.Sprintf(":%d", cfg.HTTP.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  time.Duration(cfg.HTTP.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.HTTP.WriteTimeoutSec) * time.Second,
	}

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	go func() {
		logger.Info("Starting HTTP server", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	<-quit
	logger.Info("Received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.HTTP.ShutdownSec)*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error during shutdown", zap.Error(err))
	}

	logger.Info("Server stopped gracefully")
}

// jsonRecoverer is a recovery middleware that returns JSON instead of a plain text stacktrace.
func jsonRecoverer(logger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rvr := recover(); rvr != nil {
					logger.Error("panic recovered",
						zap.Any("panic", rvr),
						zap.Stack("stacktrace"),
					)
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusInternalServerError)
					_ = json.NewEncoder(w).Encode(map[string]string{
						"code":    "internal_error",
						"message": "internal error",
					})
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// wideEventMiddleware emits a canonical log line per request and propagates X-Request-ID.
func wideEventMiddleware(logger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// chi.middleware.RequestID already placed request_id in context
			requestID := chiMiddleware.GetReqID(r.Context())

			// Set X-Request-ID in response header
			if requestID != "" {
				w.Header().Set("X-Request-ID", requestID)
			}

			// Per-request logger with request_id
			reqLogger := logger.With(zap.String("request_id", requestID))
			ctx := logpkg.ContextWithLogger(r.Context(), reqLogger)

			ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r.WithContext(ctx))

			// Canonical log line — one line per request
			reqLogger.Info("http_request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("latency", time.Since(start)),
				zap.String("ip", r.RemoteAddr),
				zap.Int64("content_length", r.ContentLength),
				zap.String("user_agent", r.UserAgent()),
				zap.Int("response_bytes", ww.BytesWritten()),
			)
		})
	}
}
