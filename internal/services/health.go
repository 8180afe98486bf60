package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/brandlens/brandlens-backend/internal/breaker"
	"github.com/brandlens/brandlens-backend/internal/data/repos"
	types "github.com/brandlens/brandlens-backend/internal/domain"
	"github.com/brandlens/brandlens-backend/internal/observability"
	"github.com/brandlens/brandlens-backend/internal/pkg/dbctx"
	"github.com/brandlens/brandlens-backend/internal/pkg/logger"
	"github.com/brandlens/brandlens-backend/internal/platform/envutil"
)

const (
	HealthOK       = "healthy"
	HealthDegraded = "degraded"
	HealthCritical = "unhealthy"
)

// SystemHealth is the operator-facing snapshot served on the health
// endpoint.
type SystemHealth struct {
	Status        string             `json:"status"`
	QueueDepth    int64              `json:"queue_depth"`
	RunningJobs   int64              `json:"running_jobs"`
	DeadJobs      int64              `json:"dead_jobs"`
	DLQSize       int64              `json:"dlq_size"`
	FailedRuns    int64              `json:"failed_runs_24h"`
	CompletedRuns int64              `json:"completed_runs_24h"`
	Breakers      []breaker.Snapshot `json:"breakers"`
	OpenAlerts    []*types.OpsAlert  `json:"open_alerts,omitempty"`
	SampledAt     time.Time          `json:"sampled_at"`
}

type HealthService interface {
	GetSystemHealth(ctx context.Context) (*SystemHealth, error)
	GetHistoricalMetrics(ctx context.Context, since, until time.Time, limit int) ([]*types.MetricSample, error)
	GetActiveReports(ctx context.Context, limit, offset int) ([]*types.ReportRun, error)
	AcknowledgeAlert(ctx context.Context, id uuid.UUID) (bool, error)
	// StartSampler runs the background loop that persists metric samples,
	// refreshes Prometheus gauges and raises threshold alerts.
	StartSampler(ctx context.Context)
}

type healthThresholds struct {
	queueDepth  int64
	dlqSize     int64
	failureRate float64
}

type healthService struct {
	log     *logger.Logger
	runs    repos.ReportRunRepo
	jobs    repos.ReportJobRepo
	dlq     repos.DeadLetterRepo
	ops     repos.OpsRepo
	breaker breaker.Registry
	metrics *observability.Metrics

	interval   time.Duration
	thresholds healthThresholds
}

func NewHealthService(
	baseLog *logger.Logger,
	runs repos.ReportRunRepo,
	jobs repos.ReportJobRepo,
	dlqRepo repos.DeadLetterRepo,
	opsRepo repos.OpsRepo,
	breakerReg breaker.Registry,
	metrics *observability.Metrics,
) HealthService {
	return &healthService{
		log:      baseLog.With("service", "HealthService"),
		runs:     runs,
		jobs:     jobs,
		dlq:      dlqRepo,
		ops:      opsRepo,
		breaker:  breakerReg,
		metrics:  metrics,
		interval: envutil.DurationSeconds("HEALTH_SAMPLE_INTERVAL_SECONDS", time.Minute),
		thresholds: healthThresholds{
			queueDepth:  int64(envutil.Int("ALERT_QUEUE_DEPTH", 100)),
			dlqSize:     int64(envutil.Int("ALERT_DLQ_SIZE", 20)),
			failureRate: envutil.Float("ALERT_FAILURE_RATE", 0.25),
		},
	}
}

func (s *healthService) GetSystemHealth(ctx context.Context) (*SystemHealth, error) {
	dbc := dbctx.Context{Ctx: ctx}
	now := time.Now().UTC()

	counts, err := s.jobs.CountByStatus(dbc)
	if err != nil {
		return nil, err
	}
	queueDepth, err := s.jobs.CountQueuedDue(dbc, now)
	if err != nil {
		return nil, err
	}
	dlqSize, err := s.dlq.Count(dbc, nil)
	if err != nil {
		return nil, err
	}
	since := now.Add(-24 * time.Hour)
	failed, err := s.runs.CountByStatusSince(dbc, types.RunStatusFailed, since)
	if err != nil {
		return nil, err
	}
	completed, err := s.runs.CountByStatusSince(dbc, types.RunStatusCompleted, since)
	if err != nil {
		return nil, err
	}
	alerts, err := s.ops.ListAlerts(dbc, true, 50)
	if err != nil {
		return nil, err
	}

	health := &SystemHealth{
		QueueDepth:    queueDepth,
		RunningJobs:   counts[types.JobStatusRunning],
		DeadJobs:      counts[types.JobStatusDead],
		DLQSize:       dlqSize,
		FailedRuns:    failed,
		CompletedRuns: completed,
		Breakers:      s.breaker.Snapshots(),
		OpenAlerts:    alerts,
		SampledAt:     now,
	}
	health.Status = s.classify(health)
	return health, nil
}

func (s *healthService) classify(h *SystemHealth) string {
	open := 0
	for _, b := range h.Breakers {
		if b.State == breaker.StateOpen {
			open++
		}
	}
	terminal := h.FailedRuns + h.CompletedRuns
	highFailure := terminal >= 10 && float64(h.FailedRuns)/float64(terminal) >= s.thresholds.failureRate

	switch {
	case open > 0 && h.QueueDepth > s.thresholds.queueDepth:
		return HealthCritical
	case open > 0 || highFailure || h.DLQSize > s.thresholds.dlqSize || h.QueueDepth > s.thresholds.queueDepth:
		return HealthDegraded
	default:
		return HealthOK
	}
}

func (s *healthService) GetHistoricalMetrics(ctx context.Context, since, until time.Time, limit int) ([]*types.MetricSample, error) {
	return s.ops.ListSamples(dbctx.Context{Ctx: ctx}, since, until, limit)
}

func (s *healthService) GetActiveReports(ctx context.Context, limit, offset int) ([]*types.ReportRun, error) {
	return s.runs.ListByStatuses(dbctx.Context{Ctx: ctx},
		[]string{types.RunStatusQueued, types.RunStatusInProgress}, limit, offset)
}

func (s *healthService) AcknowledgeAlert(ctx context.Context, id uuid.UUID) (bool, error) {
	return s.ops.AcknowledgeAlert(dbctx.Context{Ctx: ctx}, id)
}

func (s *healthService) StartSampler(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.sampleOnce(ctx); err != nil {
					s.log.Warn("health sample failed", "error", err)
				}
			}
		}
	}()
}

func (s *healthService) sampleOnce(ctx context.Context) error {
	health, err := s.GetSystemHealth(ctx)
	if err != nil {
		return err
	}
	dbc := dbctx.Context{Ctx: ctx}

	openBreakers := 0
	for _, b := range health.Breakers {
		if s.metrics != nil {
			s.metrics.SetBreakerState(b.Key, b.State)
		}
		if b.State == breaker.StateOpen {
			openBreakers++
		}
	}
	if s.metrics != nil {
		s.metrics.SetQueueDepth(health.QueueDepth)
		s.metrics.SetRunningJobs(health.RunningJobs)
		s.metrics.SetDLQSize(health.DLQSize)
		s.metrics.SetOpenBreakers(int64(openBreakers))
	}

	if err := s.ops.CreateSample(dbc, &types.MetricSample{
		QueueDepth:    int(health.QueueDepth),
		RunningJobs:   int(health.RunningJobs),
		DLQSize:       int(health.DLQSize),
		FailedRuns:    int(health.FailedRuns),
		CompletedRuns: int(health.CompletedRuns),
		OpenBreakers:  openBreakers,
		SampledAt:     health.SampledAt,
	}); err != nil {
		return err
	}

	s.raiseThresholdAlerts(dbc, health)
	return nil
}

// raiseThresholdAlerts opens at most one alert per (kind, subject) until an
// operator acknowledges it.
func (s *healthService) raiseThresholdAlerts(dbc dbctx.Context, health *SystemHealth) {
	if health.QueueDepth > s.thresholds.queueDepth {
		s.raise(dbc, types.AlertKindQueueDepth, "",
			fmt.Sprintf("queue depth %d exceeds threshold %d", health.QueueDepth, s.thresholds.queueDepth))
	}
	if health.DLQSize > s.thresholds.dlqSize {
		s.raise(dbc, types.AlertKindDLQSize, "",
			fmt.Sprintf("dead letter queue size %d exceeds threshold %d", health.DLQSize, s.thresholds.dlqSize))
	}
	terminal := health.FailedRuns + health.CompletedRuns
	if terminal >= 10 {
		rate := float64(health.FailedRuns) / float64(terminal)
		if rate >= s.thresholds.failureRate {
			s.raise(dbc, types.AlertKindFailureRate, "",
				fmt.Sprintf("failure rate %.0f%% over last 24h exceeds threshold %.0f%%", rate*100, s.thresholds.failureRate*100))
		}
	}
	for _, b := range health.Breakers {
		if b.State == breaker.StateOpen {
			s.raise(dbc, types.AlertKindCircuitOpen, b.Key,
				fmt.Sprintf("circuit open for provider %s", b.Key))
		}
	}
}

func (s *healthService) raise(dbc dbctx.Context, kind, subject, message string) {
	existing, err := s.ops.FindOpenAlert(dbc, kind, subject)
	if err != nil {
		s.log.Warn("alert lookup failed", "kind", kind, "error", err)
		return
	}
	if existing != nil {
		return
	}
	if _, err := s.ops.CreateAlert(dbc, &types.OpsAlert{
		Kind:     kind,
		Subject:  subject,
		Message:  message,
		RaisedAt: time.Now().UTC(),
	}); err != nil {
		s.log.Warn("alert create failed", "kind", kind, "error", err)
		return
	}
	s.log.Warn("ops alert raised", "kind", kind, "subject", subject, "message", message)
}
