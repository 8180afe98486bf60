package app

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/brandlens/brandlens-backend/internal/breaker"
	"github.com/brandlens/brandlens-backend/internal/clients/redisbus"
	"github.com/brandlens/brandlens-backend/internal/jobs/pipeline/report_generate"
	"github.com/brandlens/brandlens-backend/internal/jobs/runtime"
	"github.com/brandlens/brandlens-backend/internal/jobs/worker"
	"github.com/brandlens/brandlens-backend/internal/observability"
	"github.com/brandlens/brandlens-backend/internal/pkg/logger"
	"github.com/brandlens/brandlens-backend/internal/providers"
	"github.com/brandlens/brandlens-backend/internal/services"
	"github.com/brandlens/brandlens-backend/internal/sse"
)

type Services struct {
	Report   services.ReportService
	Recovery services.RecoveryService
	Health   services.HealthService

	Breaker breaker.Registry
	Worker  *worker.Worker
	Bus     redisbus.Bus
}

func wireServices(
	db *gorm.DB,
	log *logger.Logger,
	cfg Config,
	reposet Repos,
	hub *sse.Hub,
	metrics *observability.Metrics,
) (Services, error) {
	log.Info("Wiring services...")

	var bus redisbus.Bus
	if cfg.RedisAddr != "" {
		b, err := redisbus.New(log)
		if err != nil {
			log.Warn("redis bus unavailable, running without cross-node fanout", "error", err)
		} else {
			bus = b
		}
	}

	breakerCfg, err := breaker.LoadConfig(cfg.BreakerConfigPath)
	if err != nil {
		return Services{}, err
	}
	breakerReg := breaker.NewRegistry(breakerCfg, log, breaker.WithTransitionHook(func(key, state string) {
		metrics.SetBreakerState(key, state)
		msg := sse.Message{
			Channel: sse.OpsChannel,
			Event:   sse.EventCircuitChange,
			Data:    map[string]any{"provider": key, "state": state},
		}
		hub.Broadcast(msg)
		if bus != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := bus.Publish(ctx, msg); err != nil {
				log.Warn("breaker state mirror publish failed", "provider", key, "error", err)
			}
		}
	}))

	notify := services.NewReportNotifier(log, hub, bus)

	providerSet := wireProviders(log)

	registry := runtime.NewRegistry()
	if err := registry.Register(report_generate.New(log)); err != nil {
		return Services{}, err
	}

	jobWorker := worker.New(cfg.Worker, db, runtime.Deps{
		Jobs:      reposet.Jobs,
		Runs:      reposet.Runs,
		Companies: reposet.Companies,
		Notify:    notify,
		Providers: providerSet,
		Breaker:   breakerReg,
		Metrics:   metrics,
		Log:       log,
	}, reposet.DLQ, registry)

	return Services{
		Report:   services.NewReportService(db, log, reposet.Companies, reposet.Runs, reposet.Jobs, notify),
		Recovery: services.NewRecoveryService(db, log, reposet.Jobs, reposet.Runs, reposet.DLQ, breakerReg),
		Health:   services.NewHealthService(log, reposet.Runs, reposet.Jobs, reposet.DLQ, reposet.Ops, breakerReg, metrics),
		Breaker:  breakerReg,
		Worker:   jobWorker,
		Bus:      bus,
	}, nil
}

// wireProviders builds every model provider whose credentials are present.
// A missing key is a warning, not a startup failure; the pipeline degrades
// to the providers that remain.
func wireProviders(log *logger.Logger) []providers.Provider {
	var set []providers.Provider
	if p, err := providers.NewOpenAI(log); err != nil {
		log.Warn("openai provider disabled", "error", err)
	} else {
		set = append(set, p)
	}
	if p, err := providers.NewAnthropic(log); err != nil {
		log.Warn("anthropic provider disabled", "error", err)
	} else {
		set = append(set, p)
	}
	return set
}
