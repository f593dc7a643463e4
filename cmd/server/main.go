package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"morphingbook/internal/chat"
	"morphingbook/internal/config"
	"morphingbook/internal/ingest"
	"morphingbook/internal/server"
	"morphingbook/internal/util"
	"morphingbook/pkg/ai"
	"morphingbook/pkg/index"
	"morphingbook/pkg/queue"
	"morphingbook/pkg/storage"
	"morphingbook/pkg/store"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server exited", "err", err)
		os.Exit(1)
	}
}

func run() error {
	cfgPath := os.Getenv("CONFIG_PATH")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	logger := util.InitLogger(cfg.LogLevel)

	st, err := store.NewGormStore(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}

	blobs, err := storage.NewMinioStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioUseSSL)
	if err != nil {
		return fmt.Errorf("init blob store: %w", err)
	}

	gemini, err := ai.NewGeminiClient(cfg.GeminiAPIKey)
	if err != nil {
		return fmt.Errorf("init gemini client: %w", err)
	}
	generator := ai.NewGeminiModel(gemini, cfg.GenerationModel)

	var embedder ai.Embedder
	switch strings.ToLower(cfg.EmbeddingProvider) {
	case "", "gemini":
		embedder = ai.NewGeminiEmbedder(gemini, cfg.EmbeddingModel)
	case "ollama":
		embedder = ai.NewOllamaEmbedder(ai.NewOllamaClient(cfg.EmbeddingBaseURL), cfg.EmbeddingModel, cfg.EmbeddingDim)
	default:
		return fmt.Errorf("unknown embedding provider %q", cfg.EmbeddingProvider)
	}

	idx, err := index.NewPgvectorIndex(st.DB(), embedder, index.Options{
		EmbeddingDim: cfg.EmbeddingDim,
		BatchSize:    cfg.EmbeddingBatchSize,
		Concurrency:  cfg.EmbeddingConcurrency,
	})
	if err != nil {
		return fmt.Errorf("init vector index: %w", err)
	}

	var parser ingest.Parser
	if strings.TrimSpace(cfg.ParserURL) != "" {
		parser, err = ingest.NewRemoteParser(cfg.ParserURL, cfg.ParserAPIKey)
		if err != nil {
			return fmt.Errorf("init parser client: %w", err)
		}
	} else {
		logger.Info("no parser service configured, using local extraction")
		parser = ingest.LocalParser{}
	}

	jobs, err := queue.NewRedisQueue(queue.Config{
		Addr:       cfg.RedisAddr,
		Password:   cfg.RedisPassword,
		Stream:     cfg.QueueName,
		Group:      cfg.QueueGroup,
		MaxRetries: cfg.QueueMaxRetries,
		RetryDelay: time.Duration(cfg.QueueRetryDelaySeconds) * time.Second,
		LockTTL:    time.Duration(cfg.IngestLockTTLSeconds) * time.Second,
	})
	if err != nil {
		return fmt.Errorf("init queue: %w", err)
	}

	pipeline, err := ingest.NewPipeline(ingest.Config{
		Store:    st,
		Blobs:    blobs,
		Index:    idx,
		Parser:   parser,
		Personas: ingest.NewSynthesizer(generator, cfg.PersonaSampleChars),
		Locker:   jobs,
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("init pipeline: %w", err)
	}

	chatSvc, err := chat.NewService(chat.Config{
		Store:     st,
		Index:     idx,
		Generator: generator,
		TopK:      cfg.RetrievalTopK,
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("init chat service: %w", err)
	}

	srv, err := server.New(server.Config{
		Store:  st,
		Queue:  jobs,
		Chat:   chatSvc,
		Index:  idx,
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("init server: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	jobs.Start(ctx, cfg.QueueConcurrency, pipeline.Handle)

	httpServer := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     srv.Router(),
		ReadTimeout: 15 * time.Second,
		// no write timeout: chat responses stream over SSE
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("server listening", "port", cfg.Port)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
