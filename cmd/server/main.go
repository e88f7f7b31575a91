package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/docmind-ai/rag-core/internal/api"
	"github.com/docmind-ai/rag-core/internal/auth"
	"github.com/docmind-ai/rag-core/internal/chunker"
	"github.com/docmind-ai/rag-core/internal/config"
	"github.com/docmind-ai/rag-core/internal/contextassembler"
	"github.com/docmind-ai/rag-core/internal/document"
	"github.com/docmind-ai/rag-core/internal/embedding"
	"github.com/docmind-ai/rag-core/internal/llm"
	"github.com/docmind-ai/rag-core/internal/queryprocessor"
	"github.com/docmind-ai/rag-core/internal/rag"
	"github.com/docmind-ai/rag-core/internal/sessionmemory"
	"github.com/docmind-ai/rag-core/internal/tenant"
	"github.com/docmind-ai/rag-core/internal/tokenizer"
	"github.com/docmind-ai/rag-core/internal/vectorstore"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg := config.Load()
	if cfg.JWTSecret == "" {
		slog.Error("required environment variable not set", "key", "JWT_SECRET")
		os.Exit(1)
	}
	if cfg.Embeddings.APIKey == "" {
		slog.Error("required environment variable not set", "key", "OPENAI_API_KEY")
		os.Exit(1)
	}

	ctx := context.Background()

	// Database connection pool
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		slog.Error("failed to ping database", "error", err)
		os.Exit(1)
	}
	slog.Info("connected to database")

	// Retrieval components. The embedder loads its model lazily on
	// first use.
	counter := tokenizer.New()
	embedder := embedding.NewLangChainEmbedder(cfg.Embeddings.APIKey, cfg.Embeddings.Model)

	store := vectorstore.New(cfg.VectorDB.PersistDirectory)
	if err := store.Load(); err != nil {
		// Corrupt or partial persisted state; start from an empty index.
		slog.Error("vector store load failed, starting empty", "error", err)
	}
	slog.Info("vector store ready", "chunks", store.Count())

	chk := chunker.New(chunker.Options{
		MinTokens:      cfg.Chunking.MinTokens,
		MaxTokens:      cfg.Chunking.MaxTokens,
		OverlapPercent: cfg.Chunking.OverlapPercent,
	}, counter)

	llmClient := llm.New(cfg.LLM.BaseURL, cfg.LLM.Model, cfg.LLM.Temperature, cfg.LLM.MaxTokens)

	docRepo := document.NewRepository(pool)

	orchestrator := rag.New(rag.Deps{
		Chunker:        chk,
		Embedder:       embedder,
		Store:          store,
		QueryProcessor: queryprocessor.New(embedder),
		Assembler:      contextassembler.New(cfg.Retrieval.MaxContextTokens, counter),
		Sessions:       sessionmemory.New(),
		LLMClient:      llmClient,
		Docs:           docRepo,
		ChunkRecorder:  docRepo,
		StatusUpdater:  docRepo,
		EmbedBatchSize: cfg.Embeddings.BatchSize,
		Logger:         logger,
	})

	// Wire remaining dependencies
	tenantRepo := tenant.NewRepository(pool)
	jwtManager := auth.NewManager(cfg.JWTSecret, cfg.JWTExpiry)
	tenantSvc := tenant.NewService(tenantRepo, jwtManager)
	docSvc := document.NewService(docRepo, orchestrator)

	// HTTP router
	router := api.NewRouter(api.RouterDeps{
		TenantService:   tenantSvc,
		DocumentService: docSvc,
		Orchestrator:    orchestrator,
		LLMClient:       llmClient,
		JWTManager:      jwtManager,
		Logger:          logger,
	})

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 120 * time.Second, // longer for SSE streaming
		IdleTimeout:  120 * time.Second,
	}

	// Graceful shutdown
	go func() {
		slog.Info("server starting", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	slog.Info("shutting down server...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("forced shutdown", "error", err)
	}

	if err := store.Persist(); err != nil {
		slog.Error("vector store persist on shutdown failed", "error", err)
	}
	slog.Info("server stopped")
}
