package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/taxrag/taxrag/internal/config"
	"github.com/taxrag/taxrag/internal/embedder"
	"github.com/taxrag/taxrag/internal/llm"
	"github.com/taxrag/taxrag/internal/repository"
	"github.com/taxrag/taxrag/internal/repository/postgres"
	"github.com/taxrag/taxrag/internal/retrieval"
	"github.com/taxrag/taxrag/internal/scorer"
	"github.com/taxrag/taxrag/internal/server"
	"github.com/taxrag/taxrag/internal/service"
	"github.com/taxrag/taxrag/internal/vectorstore"
)

func main() {
	// Set up structured logging
	logLevel := slog.LevelInfo
	if os.Getenv("LOG_LEVEL") == "debug" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("failed to run server", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	slog.Info("starting retrieval evaluation service",
		"http_port", cfg.HTTPPort,
		"environment", cfg.Environment,
	)

	// Initialize PostgreSQL
	db, err := postgres.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()
	if err := db.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	slog.Info("connected to PostgreSQL")

	// Initialize repositories
	judgmentRepo := postgres.NewJudgmentRepo(db)
	runRepo := postgres.NewEvaluationRunRepo(db)

	// Initialize Qdrant embedding index
	index, err := vectorstore.NewQdrantIndex(ctx, cfg.QdrantGRPCURL, cfg.QdrantCollection)
	if err != nil {
		return fmt.Errorf("failed to connect to Qdrant: %w", err)
	}
	defer index.Close()
	slog.Info("connected to Qdrant", "collection", cfg.QdrantCollection)

	// Initialize the embedder
	var embed embedder.Embedder
	switch cfg.EmbeddingProvider {
	case "openai":
		embed = embedder.NewOpenAIEmbedder(embedder.OpenAIConfig{
			BaseURL: cfg.OpenAIBaseURL,
			APIKey:  cfg.OpenAIAPIKey,
			Model:   cfg.OpenAIEmbeddingModel,
		})
	case "ollama":
		embed = embedder.NewOllamaEmbedder(embedder.OllamaConfig{
			BaseURL: cfg.OllamaURL,
			Model:   cfg.OllamaEmbeddingModel,
		})
	default:
		return fmt.Errorf("unknown embedding provider %q", cfg.EmbeddingProvider)
	}
	slog.Info("initialized embedder", "provider", cfg.EmbeddingProvider, "model", embed.ModelName())

	// Initialize the relevance scorer
	llmClient := llm.NewOllamaClient(
		llm.WithBaseURL(cfg.OllamaURL),
		llm.WithModel(cfg.ScorerModel),
	)
	relevanceScorer := scorer.NewLLMScorer(llmClient,
		scorer.WithModel(cfg.ScorerModel),
		scorer.WithTimeout(cfg.ScorerTimeout),
	)
	slog.Info("initialized relevance scorer", "model", cfg.ScorerModel)

	// Initialize retrieval and the evaluation service
	retriever := retrieval.NewHybridRetriever(embed, index, relevanceScorer, slog.Default())
	evalSvc := service.NewEvaluationService(retriever, judgmentRepo, runRepo, cfg.FinalK, cfg.RecallBreadth, slog.Default())

	// Create the HTTP server
	httpServer := server.NewHTTPServer(server.HTTPServerConfig{
		Port:           cfg.HTTPPort,
		Service:        evalSvc,
		Logger:         slog.Default(),
		AllowedOrigins: []string{"*"}, // Configure in production
		CuratorAPIKey:  cfg.CuratorAPIKey,
		Ready: func(ctx context.Context) error {
			if err := db.Pool.Ping(ctx); err != nil {
				return fmt.Errorf("postgres: %w", err)
			}
			ok, err := index.CollectionExists(ctx)
			if err != nil {
				return fmt.Errorf("qdrant: %w", err)
			}
			if !ok {
				return fmt.Errorf("qdrant collection %q missing", cfg.QdrantCollection)
			}
			return nil
		},
	})

	// Start the server
	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.Start(); err != nil {
			errCh <- err
		}
	}()

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		slog.Info("received shutdown signal", "signal", sig)
	}

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("failed to shutdown HTTP server", "error", err)
	}

	slog.Info("server stopped")
	return nil
}

// Ensure interfaces are satisfied at compile time
var (
	_ repository.JudgmentRepository      = (*postgres.JudgmentRepo)(nil)
	_ repository.EvaluationRunRepository = (*postgres.EvaluationRunRepo)(nil)
	_ vectorstore.Index                  = (*vectorstore.QdrantIndex)(nil)
	_ embedder.Embedder                  = (*embedder.OllamaEmbedder)(nil)
	_ embedder.Embedder                  = (*embedder.OpenAIEmbedder)(nil)
	_ scorer.Scorer                      = (*scorer.LLMScorer)(nil)
	_ retrieval.Retriever                = (*retrieval.HybridRetriever)(nil)
)
