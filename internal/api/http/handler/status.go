package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/EternisAI/rac-sentinel/internal/api/http/dto"
	"github.com/EternisAI/rac-sentinel/internal/monitor"
)

type StatusSource interface {
	Snapshot() monitor.Snapshot
}

type StatusHandler struct {
	source StatusSource
}

func NewStatusHandler(source StatusSource) *StatusHandler {
	return &StatusHandler{source: source}
}

// GET /status
func (h *StatusHandler) Get(ctx *gin.Context) {
	snap := h.source.Snapshot()

	resp := dto.StatusResponse{
		AgentID:       snap.AgentID,
		Enabled:       snap.Enabled,
		KillMode:      snap.KillMode,
		ClusterStatus: string(snap.ClusterStatus),
		ClusterID:     snap.ClusterID,
		LastFailure:   snap.LastFailure,
		TotalSessions: snap.TotalSessions,
		Terminated:    snap.Terminated,
		Tenants:       make([]dto.TenantStatus, 0, len(snap.Tenants)),
	}
	if !snap.LastPollAt.IsZero() {
		at := snap.LastPollAt
		resp.LastPollAt = &at
	}
	for _, t := range snap.Tenants {
		resp.Tenants = append(resp.Tenants, dto.TenantStatus{
			ID:             t.ID,
			Name:           t.Name,
			ActiveSessions: t.ActiveSessions,
			MaxSessions:    t.MaxSessions,
			Status:         string(t.Status),
		})
	}

	ctx.JSON(http.StatusOK, resp)
}
