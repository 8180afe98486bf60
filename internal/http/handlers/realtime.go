package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/brandlens/brandlens-backend/internal/http/response"
	"github.com/brandlens/brandlens-backend/internal/pkg/logger"
	"github.com/brandlens/brandlens-backend/internal/platform/ctxutil"
	"github.com/brandlens/brandlens-backend/internal/sse"
)

// RealtimeHandler streams report progress events over SSE.
type RealtimeHandler struct {
	hub *sse.Hub
	log *logger.Logger
}

func NewRealtimeHandler(hub *sse.Hub, baseLog *logger.Logger) *RealtimeHandler {
	return &RealtimeHandler{hub: hub, log: baseLog.With("handler", "realtime")}
}

// Stream subscribes the caller to their company channel, plus a specific
// run channel when run_id is given. Operators may also join the ops
// channel with channel=ops.
func (h *RealtimeHandler) Stream(c *gin.Context) {
	rd, ok := ctxutil.GetRequestData(c.Request.Context())
	if !ok {
		response.RespondError(c, http.StatusUnauthorized, "UNAUTHENTICATED", errors.New("missing identity"))
		return
	}

	client := h.hub.NewClient(rd.CompanyID)
	defer h.hub.CloseClient(client)

	if rd.CompanyID != uuid.Nil {
		h.hub.AddChannel(client, sse.CompanyChannel(rd.CompanyID))
	}
	if raw := c.Query("run_id"); raw != "" {
		runID, err := uuid.Parse(raw)
		if err != nil {
			response.RespondError(c, http.StatusBadRequest, "BAD_REQUEST", errors.New("invalid run_id"))
			return
		}
		h.hub.AddChannel(client, sse.RunChannel(runID))
	}
	if c.Query("channel") == sse.OpsChannel && rd.Operator {
		h.hub.AddChannel(client, sse.OpsChannel)
	}

	h.hub.ServeHTTP(c.Writer, c.Request, client)
}
