package app

import (
	"github.com/brandlens/brandlens-backend/internal/http/handlers"
	"github.com/brandlens/brandlens-backend/internal/pkg/logger"
	"github.com/brandlens/brandlens-backend/internal/sse"
)

type Handlers struct {
	Report   *handlers.ReportHandler
	Admin    *handlers.AdminHandler
	Health   *handlers.HealthHandler
	Realtime *handlers.RealtimeHandler
}

func wireHandlers(log *logger.Logger, serviceset Services, hub *sse.Hub) Handlers {
	log.Info("Wiring handlers...")
	return Handlers{
		Report:   handlers.NewReportHandler(serviceset.Report, log),
		Admin:    handlers.NewAdminHandler(serviceset.Recovery, serviceset.Health, log),
		Health:   handlers.NewHealthHandler(serviceset.Health, log),
		Realtime: handlers.NewRealtimeHandler(hub, log),
	}
}
