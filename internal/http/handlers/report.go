package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	types "github.com/brandlens/brandlens-backend/internal/domain"
	"github.com/brandlens/brandlens-backend/internal/http/response"
	apierrors "github.com/brandlens/brandlens-backend/internal/pkg/errors"
	"github.com/brandlens/brandlens-backend/internal/pkg/logger"
	"github.com/brandlens/brandlens-backend/internal/platform/ctxutil"
	"github.com/brandlens/brandlens-backend/internal/services"
)

type ReportHandler struct {
	svc services.ReportService
	log *logger.Logger
}

func NewReportHandler(svc services.ReportService, baseLog *logger.Logger) *ReportHandler {
	return &ReportHandler{svc: svc, log: baseLog.With("handler", "report")}
}

type createReportRequest struct {
	CompanyID string `json:"company_id"`
	Force     bool   `json:"force"`
}

type reportRunView struct {
	ID        uuid.UUID `json:"id"`
	CompanyID uuid.UUID `json:"company_id"`
	PeriodKey string    `json:"period_key"`
	Status    string    `json:"status"`
	IsNew     bool      `json:"is_new"`
}

// Create requests a report for the caller's company. Operators may
// target any company; forcing a duplicate run is operator-only.
func (h *ReportHandler) Create(c *gin.Context) {
	rd, ok := ctxutil.GetRequestData(c.Request.Context())
	if !ok {
		response.RespondError(c, http.StatusUnauthorized, "UNAUTHENTICATED", errors.New("missing identity"))
		return
	}

	var req createReportRequest
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		response.RespondError(c, http.StatusBadRequest, "BAD_REQUEST", err)
		return
	}

	companyID := rd.CompanyID
	if req.CompanyID != "" {
		parsed, err := uuid.Parse(req.CompanyID)
		if err != nil {
			response.RespondError(c, http.StatusBadRequest, "BAD_REQUEST", errors.New("invalid company_id"))
			return
		}
		if parsed != rd.CompanyID && !rd.Operator {
			response.RespondError(c, http.StatusForbidden, "FORBIDDEN", errors.New("cannot request reports for another company"))
			return
		}
		companyID = parsed
	}
	force := req.Force && rd.Operator

	result, err := h.svc.RequestReport(c.Request.Context(), companyID, force)
	if err != nil {
		switch {
		case errors.Is(err, apierrors.ErrNotFound):
			response.RespondError(c, http.StatusNotFound, "NOT_FOUND", err)
		case errors.Is(err, apierrors.ErrInvalidArgument):
			response.RespondError(c, http.StatusBadRequest, "BAD_REQUEST", err)
		default:
			h.log.Error("request report failed", "company_id", companyID, "error", err)
			response.RespondError(c, http.StatusInternalServerError, "INTERNAL", err)
		}
		return
	}

	view := reportRunView{
		ID:        result.Run.ID,
		CompanyID: result.Run.CompanyID,
		PeriodKey: result.Run.PeriodKey,
		Status:    result.Run.Status,
		IsNew:     result.IsNew,
	}
	if result.IsNew {
		response.RespondAccepted(c, view)
		return
	}
	response.RespondOK(c, view)
}

// List returns the caller's run history, newest first. Operators may
// pass company_id to inspect another company.
func (h *ReportHandler) List(c *gin.Context) {
	rd, ok := ctxutil.GetRequestData(c.Request.Context())
	if !ok {
		response.RespondError(c, http.StatusUnauthorized, "UNAUTHENTICATED", errors.New("missing identity"))
		return
	}
	companyID := rd.CompanyID
	if raw := c.Query("company_id"); raw != "" {
		parsed, err := uuid.Parse(raw)
		if err != nil {
			response.RespondError(c, http.StatusBadRequest, "BAD_REQUEST", errors.New("invalid company_id"))
			return
		}
		if parsed != rd.CompanyID && !rd.Operator {
			response.RespondError(c, http.StatusForbidden, "FORBIDDEN", errors.New("cannot list another company's reports"))
			return
		}
		companyID = parsed
	}

	runs, err := h.svc.ListForCompany(c.Request.Context(), companyID, queryInt(c, "limit", 50), queryInt(c, "offset", 0))
	if err != nil {
		if errors.Is(err, apierrors.ErrInvalidArgument) {
			response.RespondError(c, http.StatusBadRequest, "BAD_REQUEST", err)
			return
		}
		h.log.Error("list reports failed", "company_id", companyID, "error", err)
		response.RespondError(c, http.StatusInternalServerError, "INTERNAL", err)
		return
	}
	response.RespondOK(c, gin.H{"runs": runs, "count": len(runs)})
}

// Attempt counts, job state and failure history are operator-only;
// regular callers see run status and step progress, nothing else.
type reportStatusView struct {
	Run      *types.ReportRun     `json:"run"`
	Steps    []types.StepStatus   `json:"steps"`
	Attempts int                  `json:"attempts,omitempty"`
	MaxAtt   int                  `json:"max_attempts,omitempty"`
	JobState string               `json:"job_state,omitempty"`
	History  []types.AttemptError `json:"attempt_history,omitempty"`
}

// Status returns the run's step progress and attempt history. Callers
// only see their own company's runs unless they are operators.
func (h *ReportHandler) Status(c *gin.Context) {
	runID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "BAD_REQUEST", errors.New("invalid run id"))
		return
	}

	status, err := h.svc.GetStatus(c.Request.Context(), runID)
	if err != nil {
		if errors.Is(err, apierrors.ErrNotFound) {
			response.RespondError(c, http.StatusNotFound, "NOT_FOUND", err)
			return
		}
		h.log.Error("get report status failed", "run_id", runID, "error", err)
		response.RespondError(c, http.StatusInternalServerError, "INTERNAL", err)
		return
	}

	if !h.authorized(c, status.Run.CompanyID) {
		return
	}

	view := reportStatusView{
		Run:   status.Run,
		Steps: status.Steps,
	}
	if rd, ok := ctxutil.GetRequestData(c.Request.Context()); ok && rd.Operator {
		view.Attempts = status.Attempts
		view.MaxAtt = status.MaxAtt
		view.JobState = status.JobState
		view.History = status.History
	}
	response.RespondOK(c, view)
}

func (h *ReportHandler) Cancel(c *gin.Context) {
	runID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "BAD_REQUEST", errors.New("invalid run id"))
		return
	}

	status, err := h.svc.GetStatus(c.Request.Context(), runID)
	if err != nil {
		if errors.Is(err, apierrors.ErrNotFound) {
			response.RespondError(c, http.StatusNotFound, "NOT_FOUND", err)
			return
		}
		h.log.Error("load run for cancel failed", "run_id", runID, "error", err)
		response.RespondError(c, http.StatusInternalServerError, "INTERNAL", err)
		return
	}
	if !h.authorized(c, status.Run.CompanyID) {
		return
	}

	canceled, err := h.svc.Cancel(c.Request.Context(), runID)
	if err != nil {
		h.log.Error("cancel run failed", "run_id", runID, "error", err)
		response.RespondError(c, http.StatusInternalServerError, "INTERNAL", err)
		return
	}
	response.RespondOK(c, gin.H{"run_id": runID, "canceled": canceled})
}

func (h *ReportHandler) authorized(c *gin.Context, companyID uuid.UUID) bool {
	rd, ok := ctxutil.GetRequestData(c.Request.Context())
	if !ok {
		response.RespondError(c, http.StatusUnauthorized, "UNAUTHENTICATED", errors.New("missing identity"))
		return false
	}
	if !rd.Operator && rd.CompanyID != companyID {
		response.RespondError(c, http.StatusForbidden, "FORBIDDEN", errors.New("run belongs to another company"))
		return false
	}
	return true
}
