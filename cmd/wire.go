package main

import (
	"context"
	"fmt"
	"log"

	"github.com/mohammad-safakhou/sitrep/config"
	"github.com/mohammad-safakhou/sitrep/internal/agent/core"
	"github.com/mohammad-safakhou/sitrep/internal/agent/sources"
	"github.com/mohammad-safakhou/sitrep/internal/agent/telemetry"
	"github.com/mohammad-safakhou/sitrep/internal/store"
	"github.com/mohammad-safakhou/sitrep/internal/worker"
	"github.com/mohammad-safakhou/sitrep/repository/redis_repository"
	"github.com/redis/go-redis/v9"
)

// app holds the process-wide graph shared by every command.
type app struct {
	cfg          *config.Config
	store        *store.Store
	telemetry    *telemetry.Telemetry
	orchestrator *core.Orchestrator
	live         *core.LiveFeed
	lock         worker.Locker
	redis        *redis.Client

	searchConfigured    bool
	reasoningConfigured bool
}

func build(ctx context.Context, cfg *config.Config) (*app, error) {
	st, err := store.New()
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	tel := telemetry.NewTelemetry(cfg.Telemetry)
	a := &app{cfg: cfg, store: st, telemetry: tel}

	// A nil provider leaves every chain answering ErrMissingAPIKey.
	var provider core.LLMProvider
	if p, err := core.NewOpenAIProvider(cfg.Providers.OpenAI); err == nil {
		provider = p
		a.reasoningConfigured = true
	} else {
		log.Printf("reasoning disabled: %v", err)
	}
	oa := cfg.Providers.OpenAI
	reasoning := core.NewModelChain(provider, oa.ReasoningModel, oa.FallbackModel, tel.ObserveModelCall).WithAttemptTimeout(oa.Timeout)
	prefilter := core.NewModelChain(provider, oa.PrefilterModel, oa.FallbackModel, tel.ObserveModelCall).WithAttemptTimeout(oa.Timeout)
	liveChain := core.NewModelChain(provider, oa.LiveModel, oa.FallbackModel, tel.ObserveModelCall).WithAttemptTimeout(oa.Timeout)

	client := sources.NewClient(cfg.Providers.Serper, sources.WithObserver(tel.RecordSearch))
	var search core.NewsSearcher
	if client.Configured() {
		search = client
		a.searchConfigured = true
	} else {
		log.Printf("search disabled: %v", sources.ErrMissingAPIKey)
	}

	nodes := core.NewNodeGenerator(reasoning, liveChain)
	a.orchestrator = core.NewOrchestrator(cfg.Ingest, st, core.Agents{
		Search:   search,
		Nodes:    nodes,
		Prophet:  core.NewProphet(prefilter, reasoning),
		Reasoner: core.NewReasoner(reasoning),
	}, tel)
	a.live = core.NewLiveFeed(client, nodes, cfg.Timeouts)

	if cfg.Redis.Enabled() {
		rc, err := redis_repository.Conn(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		a.redis = rc
		a.lock = redis_repository.NewCycleLock(rc, cfg.Redis.LockKey, cfg.Redis.LockTTL)
	}
	return a, nil
}

func (a *app) scheduler() (*worker.Scheduler, error) {
	return worker.NewScheduler(a.orchestrator, a.store, a.lock, a.cfg.Ingest)
}

func (a *app) close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			log.Printf("close redis: %v", err)
		}
	}
}
