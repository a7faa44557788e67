// qaserver is the regulation QA backend: a streaming retrieval-augmented
// chat service over a knowledge index, a business graph and a session
// store.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/HannahHyy/llm-qa-modual-local/pkg/cache"
	"github.com/HannahHyy/llm-qa-modual-local/pkg/chat"
	"github.com/HannahHyy/llm-qa-modual-local/pkg/clients"
	"github.com/HannahHyy/llm-qa-modual-local/pkg/config"
	"github.com/HannahHyy/llm-qa-modual-local/pkg/logger"
	"github.com/HannahHyy/llm-qa-modual-local/pkg/rag"
	"github.com/HannahHyy/llm-qa-modual-local/pkg/server"
	"github.com/HannahHyy/llm-qa-modual-local/pkg/store"
)

const shutdownTimeout = 15 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "qaserver: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	config.LoadEnvFiles()

	settings, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	output := io.Writer(os.Stdout)
	if settings.LogFilePath != "" {
		file, closeFile, err := logger.OpenLogFile(settings.LogFilePath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "qaserver: log file unavailable, using stdout: %v\n", err)
		} else {
			defer closeFile()
			output = io.MultiWriter(os.Stdout, file)
		}
	}
	logger.Init(logger.ParseLevel(settings.LogLevel), output)
	log := logger.GetLogger()

	// adapters
	llm := clients.NewLLMClient(settings.LLM)
	embedder := clients.NewEmbeddingClient(settings.Embedding, cache.New(2048))

	es, err := clients.NewESClient(settings.ES)
	if err != nil {
		return fmt.Errorf("elasticsearch client: %w", err)
	}

	mysql, err := clients.NewMySQLClient(settings.MySQL)
	if err != nil {
		return fmt.Errorf("mysql client: %w", err)
	}
	defer mysql.Close()

	backends := map[string]server.Pinger{
		"mysql":         mysql,
		"elasticsearch": es,
	}

	var redis *clients.RedisClient
	var cacheTier store.CacheStore
	if settings.Redis.Enabled {
		redis = clients.NewRedisClient(settings.Redis)
		defer redis.Close()
		cacheTier = redis
		backends["redis"] = redis
	} else {
		log.Warn("redis disabled, session cache tier is off")
	}

	var graphEngine rag.GraphEngine
	if settings.Neo4j.Enabled {
		neo, err := clients.NewGraphClient(settings.Neo4j)
		if err != nil {
			return fmt.Errorf("neo4j client: %w", err)
		}
		defer neo.Close(context.Background())
		graphEngine = neo
		backends["neo4j"] = neo
	} else {
		log.Warn("neo4j disabled, graph retrieval is off")
	}

	// repositories and retrievers
	sessions := store.New(cacheTier, mysql, es, settings.ES.ConversationIndex, log)

	textRetriever := rag.NewTextRetriever(embedder, es,
		rag.TextRetrieverConfig{Index: settings.ES.KnowledgeIndex}, log)

	graphRetriever := rag.NewGraphRetriever(llm, graphEngine, es,
		settings.Prompts, settings.Scenarios,
		rag.GraphRetrieverConfig{
			ExamplesIndex: settings.ES.CypherIndex,
			Enabled:       settings.Neo4j.Enabled,
			IntentParser:  settings.IntentParserEnabled,
		}, log)

	orchestrator := chat.NewOrchestrator(llm,
		chat.NewIntentRouter(llm, settings.Prompts, settings.Scenarios.Router, log),
		textRetriever, graphRetriever,
		chat.NewPromptBuilder(settings.Prompts),
		chat.NewCitationMatcher(llm, settings.Prompts, settings.Scenarios.KnowledgeMatching, log),
		sessions, settings.Prompts, settings.Scenarios,
		chat.OrchestratorConfig{
			RetrievalEnabled: settings.KnowledgeRetrievalEnabled,
			CitationEnabled:  settings.KnowledgeMatchingEnabled,
		}, log)

	srv := server.New(settings.Server, orchestrator, sessions, backends, log)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		log.Info("shutting down", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Stop(ctx); err != nil {
		return err
	}
	log.Info("shutdown complete")
	return <-errCh
}
