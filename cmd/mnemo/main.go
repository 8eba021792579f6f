// Package main is the entry point for the Mnemo personal memory agent.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/mnemo-ai/mnemo-core/internal/agent"
	"github.com/mnemo-ai/mnemo-core/internal/buildinfo"
	"github.com/mnemo-ai/mnemo-core/internal/channels"
	"github.com/mnemo-ai/mnemo-core/internal/classifier"
	"github.com/mnemo-ai/mnemo-core/internal/config"
	ctxmgr "github.com/mnemo-ai/mnemo-core/internal/context"
	"github.com/mnemo-ai/mnemo-core/internal/embedindex"
	"github.com/mnemo-ai/mnemo-core/internal/embeddings"
	"github.com/mnemo-ai/mnemo-core/internal/events"
	"github.com/mnemo-ai/mnemo-core/internal/extractor"
	"github.com/mnemo-ai/mnemo-core/internal/gardener"
	"github.com/mnemo-ai/mnemo-core/internal/llm"
	"github.com/mnemo-ai/mnemo-core/internal/memory"
	"github.com/mnemo-ai/mnemo-core/internal/metrics"
	"github.com/mnemo-ai/mnemo-core/internal/router"
	"github.com/mnemo-ai/mnemo-core/internal/scheduler"
	"github.com/mnemo-ai/mnemo-core/internal/search"
	"github.com/mnemo-ai/mnemo-core/internal/skills"
	"github.com/mnemo-ai/mnemo-core/internal/store"
	"github.com/mnemo-ai/mnemo-core/internal/tracing"
	"github.com/mnemo-ai/mnemo-core/internal/usage"

	_ "github.com/mattn/go-sqlite3"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	// .env is loaded best-effort ahead of YAML parse so secrets can live
	// outside the config file without the caller exporting them manually.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logger.Warn("failed to load .env", "error", err)
	}

	if flag.NArg() > 0 {
		switch flag.Arg(0) {
		case "serve":
			runServe(logger, *configPath)
		case "version":
			fmt.Println(buildinfo.String())
			for k, v := range buildinfo.BuildInfo() {
				fmt.Printf("  %-12s %s\n", k+":", v)
			}
		default:
			fmt.Fprintf(os.Stderr, "unknown command: %s\n", flag.Arg(0))
			os.Exit(1)
		}
		return
	}

	fmt.Println("Mnemo - Personal Memory Agent")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve    Start the agent server")
	fmt.Println("  version  Show version")
	fmt.Println()
	fmt.Println("Flags:")
	flag.PrintDefaults()
}

func runServe(logger *slog.Logger, configPath string) {
	logger.Info("starting Mnemo", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)

	cfgPath, err := config.FindConfig(configPath)
	if err != nil {
		logger.Error("config", "error", err)
		os.Exit(1)
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Error("failed to load config", "path", cfgPath, "error", err)
		os.Exit(1)
	}

	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			logger.Error("invalid log_level in config", "error", err)
			os.Exit(1)
		}
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level:       level,
			ReplaceAttr: config.ReplaceLogLevelNames,
		}))
	}

	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"model", cfg.Models.Default,
		"ollama_url", cfg.Models.OllamaURL,
	)

	dataDir := cfg.DataDir
	if dataDir == "" {
		dataDir = "./data"
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		logger.Error("failed to create data directory", "path", dataDir, "error", err)
		os.Exit(1)
	}

	db, err := store.Open(store.Config{Path: dataDir + "/mnemo.db", Logger: logger})
	if err != nil {
		logger.Error("failed to open database", "path", dataDir, "error", err)
		os.Exit(1)
	}
	defer db.Close()
	logger.Info("database opened", "path", dataDir+"/mnemo.db")

	sessions := memory.NewSQLiteStore(db)
	mem := memory.New(db)

	location := time.Local
	if cfg.Timezone != "" && cfg.Timezone != "Local" {
		loc, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			logger.Warn("invalid timezone, falling back to system local", "timezone", cfg.Timezone, "error", err)
		} else {
			location = loc
		}
	}

	// Embedding client and vector index for semantic recall.
	ollamaURL := cfg.Models.OllamaURL
	if ollamaURL == "" {
		ollamaURL = "http://localhost:11434"
	}
	embURL := cfg.Embeddings.BaseURL
	if embURL == "" {
		embURL = ollamaURL
	}
	embModel := cfg.Embeddings.Model
	if embModel == "" {
		embModel = "nomic-embed-text"
	}
	embedder := embeddings.New(embeddings.Config{BaseURL: embURL, Model: embModel})

	var index embedindex.Index = embedindex.NewLocalIndex()
	logger.Info("local vector index initialized")

	searcher := search.New(db, index)

	// Create LLM client based on configured providers.
	llmClient := createLLMClient(cfg, logger)

	classifierModel := cfg.Models.Default
	cls := classifier.New(llmClient, classifierModel, logger)

	mtr := metrics.New()

	extr := extractor.New(extractor.Config{
		DB:         db,
		Search:     searcher,
		Index:      index,
		Embedder:   embedder,
		Classifier: cls,
		LLMClient:  llmClient,
		Model:      classifierModel,
		Logger:     logger,
		Location:   location,
		Metrics:    mtr,
	})

	// Load persona file (replaces default system prompt if set).
	var personaContent string
	if cfg.PersonaFile != "" {
		data, err := os.ReadFile(cfg.PersonaFile)
		if err != nil {
			logger.Error("failed to load persona file", "path", cfg.PersonaFile, "error", err)
			os.Exit(1)
		}
		personaContent = string(data)
		logger.Info("persona loaded", "path", cfg.PersonaFile, "size", len(personaContent))
	}

	// Create model router.
	routerCfg := router.Config{
		DefaultModel: cfg.Models.Default,
		LocalFirst:   cfg.Models.LocalFirst,
		MaxAuditLog:  1000,
	}
	for _, m := range cfg.Models.Available {
		minComp := router.ComplexitySimple
		switch m.MinComplexity {
		case "moderate":
			minComp = router.ComplexityModerate
		case "complex":
			minComp = router.ComplexityComplex
		}
		routerCfg.Models = append(routerCfg.Models, router.Model{
			Name:          m.Name,
			Provider:      m.Provider,
			SupportsTools: m.SupportsTools,
			ContextWindow: m.ContextWindow,
			Speed:         m.Speed,
			Quality:       m.Quality,
			CostTier:      m.CostTier,
			MinComplexity: minComp,
		})
	}
	rtr := router.NewRouter(logger, routerCfg)
	rtr.ConfigureMetrics(mtr)

	if cfg.Router.RedisURL != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.Router.RedisURL})
		rtr.ConfigureStateStore(router.NewRedisStateStore(redisClient))
		logger.Info("router circuit-breaker state backed by Redis", "addr", cfg.Router.RedisURL)
	}

	usageStore := usage.NewStore(db)
	providers := buildProviders(cfg, llmClient)
	rtr.ConfigureProviders(providers, router.Budget{
		DayCapUSD:   cfg.Router.DayCapUSD,
		MonthCapUSD: cfg.Router.MonthCapUSD,
	}, usageStore, location)
	logger.Info("model router initialized", "models", len(routerCfg.Models), "tiered_providers", len(providers))

	skillRegistry := skills.NewRegistry(db, searcher)

	defaultContextWindow := 200000
	for _, m := range cfg.Models.Available {
		if m.Name == cfg.Models.Default {
			defaultContextWindow = m.ContextWindow
			break
		}
	}

	sessionCompactor := agent.NewSessionCompactor(sessions, ctxmgr.NewLLMSummarizer(llmClient, cfg.Models.Default), logger)
	loop := agent.NewLoop(logger, sessions, sessionCompactor, rtr, skillRegistry, llmClient, cfg.Models.Default, personaContent, defaultContextWindow)
	loop.SetExtractor(extr)
	loop.SetTimezone(cfg.Timezone)
	loop.SetDebugConfig(cfg.Debug)
	loop.SetUsageRecorder(usageStore, cfg.Router.Pricing)
	loop.SetEgoFile(dataDir + "/ego.md")
	loop.SetMetrics(mtr)
	loop.SetContextManager(ctxmgr.New(ctxmgr.DefaultConfig(), ctxmgr.NewLLMSummarizer(llmClient, cfg.Models.Default), logger))
	loop.SetContextProvider(agent.NewFactContextProvider(searcher, embedder, logger))
	bus := events.New()
	loop.SetEventBus(bus)

	tracer, shutdownTracing, err := tracing.Setup(context.Background(), cfg.Tracing.Enabled, cfg.Tracing.ServiceName)
	if err != nil {
		logger.Warn("failed to set up tracing, continuing without it", "error", err)
	} else {
		loop.SetTracer(tracer)
		defer shutdownTracing(context.Background())
	}

	// Scheduler fires due reminders/follow-ups back into the agent loop as
	// isolated, automation-tagged turns — the same hint-setting shape the
	// teacher used for its own scheduled wake payloads, generalized from a
	// single payload kind to the unified ScheduledItem.
	var kafkaProducer *kafka.Writer
	if cfg.Kafka.Enabled {
		brokers := strings.Split(cfg.Kafka.Brokers, ",")
		for i, b := range brokers {
			brokers[i] = strings.TrimSpace(b)
		}
		kafkaProducer = &kafka.Writer{
			Addr:     kafka.TCP(brokers...),
			Topic:    cfg.Kafka.Topic,
			Balancer: &kafka.LeastBytes{},
		}
		defer kafkaProducer.Close()
		logger.Info("kafka fired-item mirror enabled", "brokers", cfg.Kafka.Brokers, "topic", cfg.Kafka.Topic)
	}

	sched := scheduler.New(scheduler.Config{
		DB:       db,
		Fire:     fireScheduledItem(loop, mtr, logger),
		Logger:   logger,
		Bus:      bus,
		Producer: kafkaProducer,
	})
	sched.Start(context.Background())
	defer sched.Stop()

	// Background maintenance: index upkeep, profile synthesis, and sleep
	// consolidation tick independently of user activity.
	grd := gardener.New(gardener.Config{
		DB:             db,
		Memory:         mem,
		Scheduler:      sched,
		Location:       location,
		QuietStartHour: cfg.Gardener.QuietHourStart,
		QuietEndHour:   cfg.Gardener.QuietHourEnd,
		Logger:         logger,
	})
	if cfg.Gardener.Enabled {
		grd.Start(context.Background())
		defer grd.Stop()
		logger.Info("gardener started")
	}

	httpChannel := channels.NewHTTPChannel(cfg.Listen.Address, cfg.Listen.Port, loop, rtr, logger)
	httpChannel.SetMetrics(mtr)
	httpChannel.SetEventBus(bus)
	httpChannel.SetStore(db)

	var wsChannel *channels.WebSocketChannel
	if cfg.OllamaAPI.Enabled {
		wsPort := cfg.OllamaAPI.Port
		if wsPort == 0 {
			wsPort = cfg.Listen.Port + 1
		}
		wsChannel = channels.NewWebSocketChannel(cfg.OllamaAPI.Address, wsPort, loop, logger)
		go func() {
			if err := wsChannel.Start(); err != nil {
				logger.Error("websocket channel failed", "error", err)
			}
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		cancel()
		_ = httpChannel.Shutdown()
		if wsChannel != nil {
			_ = wsChannel.Shutdown()
		}
	}()

	if err := httpChannel.Start(); err != nil {
		if ctx.Err() == nil {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}

	logger.Info("Mnemo stopped")
}

// fireScheduledItem builds a scheduler.FireFunc that injects a due item as
// an isolated, automation-tagged agent turn — kept a closure over loop and
// logger so the scheduler package itself stays free of agent dependencies.
func fireScheduledItem(loop *agent.Loop, mtr *metrics.Metrics, logger *slog.Logger) scheduler.FireFunc {
	return func(ctx context.Context, item *store.ScheduledItem) error {
		message := item.Message
		if message == "" {
			message = fmt.Sprintf("Scheduled %s", item.Type)
		}

		req := &agent.Request{
			Messages: []agent.Message{{Role: "user", Content: message}},
			Hints: map[string]string{
				"source":                    "scheduler",
				router.HintMission:          "automation",
				router.HintLocalOnly:        "true",
				router.HintQualityFloor:     "1",
				router.HintDelegationGating: "disabled",
			},
			ConversationID: "sched-" + item.ID,
		}

		resp, err := loop.Run(ctx, req, nil)
		if err != nil {
			logger.Error("scheduled item run failed", "item_id", item.ID, "type", item.Type, "error", err)
			mtr.RecordSchedulerFire(item.Type, "error")
			return fmt.Errorf("run scheduled item %s: %w", item.ID, err)
		}
		logger.Info("scheduled item fired", "item_id", item.ID, "type", item.Type, "response_len", len(resp.Content))
		mtr.RecordSchedulerFire(item.Type, "ok")
		return nil
	}
}

// buildProviders assembles the tiered provider roster the router uses for
// ExecuteWithFallback/SelectProvider: Ollama backs the fast/free tier,
// Anthropic backs the capable tier when an API key is configured.
func buildProviders(cfg *config.Config, llmClient llm.Client) []router.Provider {
	var providers []router.Provider

	ollamaURL := cfg.Models.OllamaURL
	if ollamaURL == "" {
		ollamaURL = "http://localhost:11434"
	}
	providers = append(providers, router.Provider{
		Name:          "ollama",
		Tier:          router.TierFast,
		Model:         cfg.Models.Default,
		Client:        llmClient,
		HasCredential: true, // local endpoint, no credential required
	})

	if cfg.Anthropic.APIKey != "" {
		pricing := cfg.Router.Pricing["claude-opus"]
		providers = append(providers, router.Provider{
			Name:              "anthropic",
			Tier:              router.TierCapable,
			Model:             "claude-opus-4-20250514",
			Client:            llmClient,
			CostPerMillionIn:  pricing.InputPerMillion,
			CostPerMillionOut: pricing.OutputPerMillion,
			HasCredential:     true,
		})
	}

	return providers
}

// createLLMClient creates a multi-provider LLM client based on config.
// Routes each model to its configured provider. Falls back to Ollama for
// unknown models.
func createLLMClient(cfg *config.Config, logger *slog.Logger) llm.Client {
	ollamaURL := cfg.Models.OllamaURL
	if ollamaURL == "" {
		ollamaURL = "http://localhost:11434"
	}

	ollamaClient := llm.NewOllamaClient(ollamaURL, logger)
	multi := llm.NewMultiClient(ollamaClient)
	multi.AddProvider("ollama", ollamaClient)

	if cfg.Anthropic.APIKey != "" {
		anthropicClient := llm.NewAnthropicClient(cfg.Anthropic.APIKey, logger)
		multi.AddProvider("anthropic", anthropicClient)
		logger.Info("Anthropic provider configured")
	}

	for _, m := range cfg.Models.Available {
		provider := m.Provider
		if provider == "" {
			provider = "ollama"
		}
		multi.AddModel(m.Name, provider)
	}

	defaultProvider := "ollama"
	for _, m := range cfg.Models.Available {
		if m.Name == cfg.Models.Default && m.Provider != "" {
			defaultProvider = m.Provider
		}
	}
	logger.Info("LLM client initialized", "default_model", cfg.Models.Default, "default_provider", defaultProvider)

	return multi
}
