// Copyright 2025 The Sage Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command sage runs the streaming retrieval-augmented chat service.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/ragkit/sage/pkg/agent"
	"github.com/ragkit/sage/pkg/cache"
	"github.com/ragkit/sage/pkg/config"
	"github.com/ragkit/sage/pkg/databases"
	"github.com/ragkit/sage/pkg/embedders"
	"github.com/ragkit/sage/pkg/llms"
	"github.com/ragkit/sage/pkg/rag"
	"github.com/ragkit/sage/pkg/reasoning"
	"github.com/ragkit/sage/pkg/rerankers"
	"github.com/ragkit/sage/pkg/server"
	"github.com/ragkit/sage/pkg/store"
	"github.com/ragkit/sage/pkg/tools"
)

// Version is set at build time.
var Version = "dev"

type cli struct {
	Serve    serveCmd    `cmd:"" default:"1" help:"Start the chat server."`
	Validate validateCmd `cmd:"" help:"Validate a configuration file."`
	Version  versionCmd  `cmd:"" help:"Print the version."`

	Config   string `short:"c" default:"sage.yaml" help:"Path to the configuration file." type:"path"`
	LogLevel string `default:"info" enum:"debug,info,warn,error" help:"Log verbosity."`
	LogJSON  bool   `help:"Emit logs as JSON."`
}

type serveCmd struct{}

type validateCmd struct{}

type versionCmd struct{}

func main() {
	_ = godotenv.Load()

	var args cli
	ctx := kong.Parse(&args,
		kong.Name("sage"),
		kong.Description("Streaming retrieval-augmented chat service."),
		kong.UsageOnError(),
	)

	setupLogging(args.LogLevel, args.LogJSON)
	ctx.FatalIfErrorf(ctx.Run(&args))
}

func setupLogging(level string, asJSON bool) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	if asJSON {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func (v *versionCmd) Run(_ *cli) error {
	fmt.Println("sage", Version)
	return nil
}

func (v *validateCmd) Run(args *cli) error {
	if _, err := config.Load(args.Config); err != nil {
		return err
	}
	fmt.Println("configuration is valid")
	return nil
}

func (s *serveCmd) Run(args *cli) error {
	cfg, err := config.Load(args.Config)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger := slog.Default()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Model clients.
	chatProvider, err := llms.NewProvider(cfg.Chat)
	if err != nil {
		return fmt.Errorf("failed to create chat provider: %w", err)
	}
	defer chatProvider.Close()

	embedder, err := embedders.NewEmbedder(cfg.Embedder)
	if err != nil {
		return fmt.Errorf("failed to create embedder: %w", err)
	}
	defer embedder.Close()

	reranker, err := rerankers.NewReranker(cfg.Reranker)
	if err != nil {
		return fmt.Errorf("failed to create reranker: %w", err)
	}
	if reranker != nil {
		defer reranker.Close()
	}

	// Stores.
	vectorStore, err := databases.NewProvider(cfg.VectorStore)
	if err != nil {
		return fmt.Errorf("failed to create vector store: %w", err)
	}
	defer vectorStore.Close()

	mongoStore, err := store.New(ctx, cfg.Mongo)
	if err != nil {
		return fmt.Errorf("failed to connect to mongo: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = mongoStore.Close(closeCtx)
	}()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	// Retrieval pipeline.
	searcher := rag.NewSearcher(embedder, reranker, vectorStore, cfg.VectorStore.Collection, cfg.Pipeline, logger)
	if err := searcher.EnsureReady(ctx); err != nil {
		return fmt.Errorf("failed to prepare corpus collection: %w", err)
	}

	qaCache := cache.New(embedder, vectorStore, redisClient, cfg.VectorStore.QACollection,
		cfg.Pipeline.CacheHitThreshold, cfg.Pipeline.DislikeInvalidate, logger)
	if err := qaCache.EnsureReady(ctx); err != nil {
		return fmt.Errorf("failed to prepare qa cache collection: %w", err)
	}

	// Tools.
	registry := tools.NewRegistry(time.Duration(cfg.Pipeline.ToolTimeout)*time.Second, logger)
	registry.Register(tools.NewKnowledgeSearchTool(searcher, cfg.Pipeline.FinalK))
	if cfg.Tools.WebSearchEndpoint != "" {
		registry.Register(tools.NewWebSearchTool(cfg.Tools.WebSearchEndpoint))
	}
	if cfg.Tools.WeatherEndpoint != "" {
		registry.Register(tools.NewWeatherTool(cfg.Tools.WeatherEndpoint))
	}
	if cfg.Tools.GeoEndpoint != "" {
		for _, tool := range tools.NewGeoTools(cfg.Tools.GeoEndpoint, cfg.Tools.GeoAPIKey) {
			registry.Register(tool)
		}
	}
	if cfg.Tools.SMTPHost != "" {
		registry.Register(tools.NewEmailTool(cfg.Tools))
	}
	logger.Info("tools registered", "tools", registry.Names())

	// Orchestration.
	engine := reasoning.NewEngine(chatProvider, registry, cfg.Pipeline, logger)
	counter := agent.NewTokenCounter()
	summarizer := agent.NewSummarizer(chatProvider, counter, cfg.Pipeline.MessageThreshold, cfg.Pipeline.TokenThreshold, logger)
	history := agent.NewHistoryManager(redisClient, mongoStore, cfg.Redis.HistoryTTLDuration(), logger)
	namer := agent.NewNamer(chatProvider, logger)
	chatAgent := agent.New(mongoStore, history, qaCache, engine, summarizer, namer, registry, cfg.Pipeline, logger)

	srv := server.New(cfg.Server, chatAgent, mongoStore, qaCache, history, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
