package app

import (
	"context"
	"fmt"
	"os"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/brandlens/brandlens-backend/internal/db"
	apphttp "github.com/brandlens/brandlens-backend/internal/http"
	"github.com/brandlens/brandlens-backend/internal/observability"
	"github.com/brandlens/brandlens-backend/internal/pkg/logger"
	"github.com/brandlens/brandlens-backend/internal/sse"
)

type App struct {
	Log      *logger.Logger
	DB       *gorm.DB
	Router   *gin.Engine
	Cfg      Config
	Repos    Repos
	Services Services
	Hub      *sse.Hub
	Metrics  *observability.Metrics

	cancel context.CancelFunc
}

func New() (*App, error) {
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	log.Info("Loading environment variables...")
	cfg := LoadConfig()

	pg, err := db.New(log)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("init postgres: %w", err)
	}
	if err := pg.AutoMigrateAll(); err != nil {
		log.Sync()
		return nil, fmt.Errorf("postgres automigrate: %w", err)
	}
	theDB := pg.DB()

	hub := sse.NewHub(log)
	metrics := observability.NewMetrics()

	reposet := wireRepos(theDB, log)

	serviceset, err := wireServices(theDB, log, cfg, reposet, hub, metrics)
	if err != nil {
		log.Sync()
		return nil, err
	}

	handlerset := wireHandlers(log, serviceset, hub)
	router := apphttp.NewRouter(apphttp.RouterConfig{
		Report:      handlerset.Report,
		Admin:       handlerset.Admin,
		Health:      handlerset.Health,
		Realtime:    handlerset.Realtime,
		Metrics:     metrics,
		ServiceName: cfg.ServiceName,
	})

	return &App{
		Log:      log,
		DB:       theDB,
		Router:   router,
		Cfg:      cfg,
		Repos:    reposet,
		Services: serviceset,
		Hub:      hub,
		Metrics:  metrics,
	}, nil
}

// Start launches the background workers: the job worker pool, the health
// sampler and, when Redis is configured, the cross-node event forwarder.
func (a *App) Start() {
	if a == nil || a.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	if a.Services.Worker != nil {
		a.Services.Worker.Start(ctx)
	}
	if a.Services.Health != nil {
		a.Services.Health.StartSampler(ctx)
	}
	if a.Services.Bus != nil {
		if err := a.Services.Bus.StartForwarder(ctx, func(m sse.Message) {
			a.Hub.Broadcast(m)
		}); err != nil {
			a.Log.Warn("redis forwarder failed to start", "error", err)
		}
	}
}

func (a *App) Run(addr string) error {
	if a == nil || a.Router == nil {
		return fmt.Errorf("app not initialized")
	}
	return apphttp.NewServer(a.Router, a.Log).Run(addr)
}

func (a *App) Close() {
	if a == nil {
		return
	}
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	if a.Services.Bus != nil {
		if err := a.Services.Bus.Close(); err != nil {
			a.Log.Warn("redis bus close failed", "error", err)
		}
	}
	if a.Log != nil {
		a.Log.Sync()
	}
}
