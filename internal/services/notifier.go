package services

import (
	"context"
	"time"

	"github.com/brandlens/brandlens-backend/internal/clients/redisbus"
	types "github.com/brandlens/brandlens-backend/internal/domain"
	"github.com/brandlens/brandlens-backend/internal/jobs/runtime"
	"github.com/brandlens/brandlens-backend/internal/pkg/logger"
	"github.com/brandlens/brandlens-backend/internal/sse"
)

// reportNotifier broadcasts run progress to local SSE subscribers and, when
// a Redis bus is configured, to every other instance's subscribers too.
type reportNotifier struct {
	log *logger.Logger
	hub *sse.Hub
	bus redisbus.Bus // optional
}

func NewReportNotifier(baseLog *logger.Logger, hub *sse.Hub, bus redisbus.Bus) runtime.Notifier {
	return &reportNotifier{
		log: baseLog.With("service", "ReportNotifier"),
		hub: hub,
		bus: bus,
	}
}

func (n *reportNotifier) publish(event sse.Event, run *types.ReportRun, data map[string]any) {
	if run == nil {
		return
	}
	if data == nil {
		data = map[string]any{}
	}
	data["run_id"] = run.ID
	data["company_id"] = run.CompanyID
	data["period_key"] = run.PeriodKey
	data["status"] = run.Status

	for _, channel := range []string{sse.CompanyChannel(run.CompanyID), sse.RunChannel(run.ID)} {
		msg := sse.Message{Channel: channel, Event: event, Data: data}
		n.hub.Broadcast(msg)
		if n.bus != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			if err := n.bus.Publish(ctx, msg); err != nil {
				n.log.Warn("bus publish failed", "event", event, "error", err)
			}
			cancel()
		}
	}
}

func (n *reportNotifier) RunQueued(run *types.ReportRun) {
	n.publish(sse.EventRunQueued, run, nil)
}

func (n *reportNotifier) RunStarted(run *types.ReportRun, attempt int) {
	n.publish(sse.EventRunStarted, run, map[string]any{"attempt": attempt})
}

func (n *reportNotifier) RunRetrying(run *types.ReportRun, attempt int, nextRunAt time.Time) {
	n.publish(sse.EventRunRetrying, run, map[string]any{
		"attempt":     attempt,
		"next_run_at": nextRunAt,
	})
}

func (n *reportNotifier) StepStarted(run *types.ReportRun, step string) {
	n.publish(sse.EventStepStarted, run, map[string]any{"step": step})
}

func (n *reportNotifier) StepFinished(run *types.ReportRun, step string, state string, errMsg string) {
	data := map[string]any{"step": step, "state": state}
	if errMsg != "" {
		data["error"] = errMsg
	}
	n.publish(sse.EventStepFinished, run, data)
}

func (n *reportNotifier) RunCompleted(run *types.ReportRun) {
	n.publish(sse.EventRunCompleted, run, nil)
}

func (n *reportNotifier) RunFailed(run *types.ReportRun, errMsg string) {
	n.publish(sse.EventRunFailed, run, map[string]any{"error": errMsg})
}
