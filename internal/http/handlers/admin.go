package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/brandlens/brandlens-backend/internal/data/repos"
	"github.com/brandlens/brandlens-backend/internal/http/response"
	apierrors "github.com/brandlens/brandlens-backend/internal/pkg/errors"
	"github.com/brandlens/brandlens-backend/internal/pkg/logger"
	"github.com/brandlens/brandlens-backend/internal/services"
)

// AdminHandler exposes the operator recovery surface: dead-letter
// inspection, manual re-admission and circuit resets.
type AdminHandler struct {
	recovery services.RecoveryService
	health   services.HealthService
	log      *logger.Logger
}

func NewAdminHandler(recovery services.RecoveryService, health services.HealthService, baseLog *logger.Logger) *AdminHandler {
	return &AdminHandler{
		recovery: recovery,
		health:   health,
		log:      baseLog.With("handler", "admin"),
	}
}

type retryJobRequest struct {
	ResetAttempts *bool `json:"reset_attempts"`
}

func (h *AdminHandler) RetryJob(c *gin.Context) {
	jobID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "BAD_REQUEST", errors.New("invalid job id"))
		return
	}
	var req retryJobRequest
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		response.RespondError(c, http.StatusBadRequest, "BAD_REQUEST", err)
		return
	}
	resetAttempts := true
	if req.ResetAttempts != nil {
		resetAttempts = *req.ResetAttempts
	}

	if err := h.recovery.RetryJob(c.Request.Context(), jobID, resetAttempts); err != nil {
		switch {
		case errors.Is(err, apierrors.ErrNotFound):
			response.RespondError(c, http.StatusNotFound, "NOT_FOUND", err)
		case errors.Is(err, apierrors.ErrInvalidArgument), errors.Is(err, apierrors.ErrConflict):
			response.RespondError(c, http.StatusConflict, "CONFLICT", err)
		default:
			h.log.Error("retry job failed", "job_id", jobID, "error", err)
			response.RespondError(c, http.StatusInternalServerError, "INTERNAL", err)
		}
		return
	}
	response.RespondOK(c, gin.H{"job_id": jobID, "requeued": true})
}

type bulkRetryRequest struct {
	JobIDs           []string `json:"job_ids"`
	PreserveAttempts bool     `json:"preserve_attempts"`
}

func (h *AdminHandler) BulkRetryJobs(c *gin.Context) {
	var req bulkRetryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "BAD_REQUEST", err)
		return
	}
	ids, err := parseUUIDs(req.JobIDs)
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "BAD_REQUEST", err)
		return
	}
	if len(ids) == 0 {
		response.RespondError(c, http.StatusBadRequest, "BAD_REQUEST", errors.New("job_ids is required"))
		return
	}

	report, err := h.recovery.BulkRetryJobs(c.Request.Context(), ids, req.PreserveAttempts)
	if err != nil {
		h.log.Error("bulk retry failed", "error", err)
		response.RespondError(c, http.StatusInternalServerError, "INTERNAL", err)
		return
	}

	failed := make(map[string]string, len(report.Failed))
	for id, msg := range report.Failed {
		failed[id.String()] = msg
	}
	response.RespondOK(c, gin.H{
		"requeued": report.Requeued,
		"failed":   failed,
	})
}

type bulkRetryByFilterRequest struct {
	CompanyID        string `json:"company_id"`
	Since            string `json:"since"`
	Until            string `json:"until"`
	Limit            int    `json:"limit"`
	PreserveAttempts bool   `json:"preserve_attempts"`
}

// BulkRetryByFilter sweeps matching dead letters back into the queue
// without the caller enumerating job ids. Permanent entries are skipped.
func (h *AdminHandler) BulkRetryByFilter(c *gin.Context) {
	var req bulkRetryByFilterRequest
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		response.RespondError(c, http.StatusBadRequest, "BAD_REQUEST", err)
		return
	}

	filter := repos.DLQListFilter{Limit: req.Limit}
	if req.CompanyID != "" {
		id, err := uuid.Parse(req.CompanyID)
		if err != nil {
			response.RespondError(c, http.StatusBadRequest, "BAD_REQUEST", errors.New("invalid company_id"))
			return
		}
		filter.CompanyID = id
	}
	if req.Since != "" {
		t, err := time.Parse(time.RFC3339, req.Since)
		if err != nil {
			response.RespondError(c, http.StatusBadRequest, "BAD_REQUEST", errors.New("invalid since timestamp"))
			return
		}
		filter.Since = t
	}
	if req.Until != "" {
		t, err := time.Parse(time.RFC3339, req.Until)
		if err != nil {
			response.RespondError(c, http.StatusBadRequest, "BAD_REQUEST", errors.New("invalid until timestamp"))
			return
		}
		filter.Until = t
	}

	report, err := h.recovery.BulkRetryByFilter(c.Request.Context(), filter, req.PreserveAttempts)
	if err != nil {
		h.log.Error("bulk retry by filter failed", "error", err)
		response.RespondError(c, http.StatusInternalServerError, "INTERNAL", err)
		return
	}

	failed := make(map[string]string, len(report.Failed))
	for id, msg := range report.Failed {
		failed[id.String()] = msg
	}
	response.RespondOK(c, gin.H{
		"requeued": report.Requeued,
		"failed":   failed,
	})
}

type markPermanentRequest struct {
	JobIDs []string `json:"job_ids"`
}

func (h *AdminHandler) MarkPermanent(c *gin.Context) {
	var req markPermanentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "BAD_REQUEST", err)
		return
	}
	ids, err := parseUUIDs(req.JobIDs)
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "BAD_REQUEST", err)
		return
	}

	marked, err := h.recovery.MarkJobsAsPermanent(c.Request.Context(), ids)
	if err != nil {
		h.log.Error("mark permanent failed", "error", err)
		response.RespondError(c, http.StatusInternalServerError, "INTERNAL", err)
		return
	}
	response.RespondOK(c, gin.H{"marked": marked})
}

type dlqCleanupRequest struct {
	OlderThanHours int `json:"older_than_hours"`
}

func (h *AdminHandler) CleanupDLQ(c *gin.Context) {
	var req dlqCleanupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "BAD_REQUEST", err)
		return
	}
	if req.OlderThanHours <= 0 {
		response.RespondError(c, http.StatusBadRequest, "BAD_REQUEST", errors.New("older_than_hours must be positive"))
		return
	}

	purged, err := h.recovery.CleanupDeadLetterQueue(c.Request.Context(), time.Duration(req.OlderThanHours)*time.Hour)
	if err != nil {
		h.log.Error("dlq cleanup failed", "error", err)
		response.RespondError(c, http.StatusInternalServerError, "INTERNAL", err)
		return
	}
	response.RespondOK(c, gin.H{"purged": purged})
}

func (h *AdminHandler) ListDLQ(c *gin.Context) {
	filter := repos.DLQListFilter{
		Limit:  queryInt(c, "limit", 50),
		Offset: queryInt(c, "offset", 0),
	}
	if raw := c.Query("company_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			response.RespondError(c, http.StatusBadRequest, "BAD_REQUEST", errors.New("invalid company_id"))
			return
		}
		filter.CompanyID = id
	}
	if raw := c.Query("permanent"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			response.RespondError(c, http.StatusBadRequest, "BAD_REQUEST", errors.New("invalid permanent flag"))
			return
		}
		filter.Permanent = &v
	}
	if raw := c.Query("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			response.RespondError(c, http.StatusBadRequest, "BAD_REQUEST", errors.New("invalid since timestamp"))
			return
		}
		filter.Since = t
	}
	if raw := c.Query("until"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			response.RespondError(c, http.StatusBadRequest, "BAD_REQUEST", errors.New("invalid until timestamp"))
			return
		}
		filter.Until = t
	}

	entries, err := h.recovery.ListDeadLetters(c.Request.Context(), filter)
	if err != nil {
		h.log.Error("list dlq failed", "error", err)
		response.RespondError(c, http.StatusInternalServerError, "INTERNAL", err)
		return
	}
	response.RespondOK(c, gin.H{"entries": entries, "count": len(entries)})
}

func (h *AdminHandler) RecoverBreaker(c *gin.Context) {
	key := c.Param("key")
	if key == "" {
		response.RespondError(c, http.StatusBadRequest, "BAD_REQUEST", errors.New("provider key is required"))
		return
	}
	recovered, err := h.recovery.ForceCircuitRecovery(c.Request.Context(), key)
	if err != nil {
		h.log.Error("force circuit recovery failed", "provider", key, "error", err)
		response.RespondError(c, http.StatusInternalServerError, "INTERNAL", err)
		return
	}
	if !recovered {
		response.RespondError(c, http.StatusNotFound, "NOT_FOUND", errors.New("unknown provider circuit"))
		return
	}
	response.RespondOK(c, gin.H{"provider": key, "recovered": true})
}

func (h *AdminHandler) ActiveReports(c *gin.Context) {
	runs, err := h.health.GetActiveReports(c.Request.Context(), queryInt(c, "limit", 50), queryInt(c, "offset", 0))
	if err != nil {
		h.log.Error("list active reports failed", "error", err)
		response.RespondError(c, http.StatusInternalServerError, "INTERNAL", err)
		return
	}
	response.RespondOK(c, gin.H{"runs": runs, "count": len(runs)})
}

func (h *AdminHandler) AcknowledgeAlert(c *gin.Context) {
	alertID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "BAD_REQUEST", errors.New("invalid alert id"))
		return
	}
	acked, err := h.health.AcknowledgeAlert(c.Request.Context(), alertID)
	if err != nil {
		h.log.Error("acknowledge alert failed", "alert_id", alertID, "error", err)
		response.RespondError(c, http.StatusInternalServerError, "INTERNAL", err)
		return
	}
	if !acked {
		response.RespondError(c, http.StatusNotFound, "NOT_FOUND", errors.New("alert not found or already acknowledged"))
		return
	}
	response.RespondOK(c, gin.H{"alert_id": alertID, "acknowledged": true})
}

func (h *AdminHandler) MetricsHistory(c *gin.Context) {
	until := time.Now().UTC()
	since := until.Add(-24 * time.Hour)
	if raw := c.Query("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			response.RespondError(c, http.StatusBadRequest, "BAD_REQUEST", errors.New("invalid since timestamp"))
			return
		}
		since = t
	}
	if raw := c.Query("until"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			response.RespondError(c, http.StatusBadRequest, "BAD_REQUEST", errors.New("invalid until timestamp"))
			return
		}
		until = t
	}

	samples, err := h.health.GetHistoricalMetrics(c.Request.Context(), since, until, queryInt(c, "limit", 500))
	if err != nil {
		h.log.Error("metrics history failed", "error", err)
		response.RespondError(c, http.StatusInternalServerError, "INTERNAL", err)
		return
	}
	response.RespondOK(c, gin.H{"samples": samples, "count": len(samples)})
}

func parseUUIDs(raw []string) ([]uuid.UUID, error) {
	ids := make([]uuid.UUID, 0, len(raw))
	for _, s := range raw {
		id, err := uuid.Parse(s)
		if err != nil {
			return nil, errors.New("invalid job id: " + s)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func queryInt(c *gin.Context, name string, fallback int) int {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return fallback
	}
	return v
}
