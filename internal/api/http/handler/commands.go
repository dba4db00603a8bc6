package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/EternisAI/rac-sentinel/internal/api/http/dto"
	"github.com/EternisAI/rac-sentinel/internal/commands"
	"github.com/EternisAI/rac-sentinel/internal/store"
)

type CommandQueue interface {
	EnqueueCommand(ctx context.Context, agentID string, commandType store.CommandType, payload json.RawMessage) (*store.Command, error)
}

type CommandHandler struct {
	agentID string
	queue   CommandQueue
}

func NewCommandHandler(agentID string, queue CommandQueue) *CommandHandler {
	return &CommandHandler{
		agentID: agentID,
		queue:   queue,
	}
}

// POST /api/v1/commands
func (h *CommandHandler) Enqueue(ctx *gin.Context) {
	var req dto.EnqueueCommandRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	commandType := store.CommandType(req.Type)
	if _, err := commands.DecodePayload(commandType, req.Payload); err != nil {
		if errors.Is(err, commands.ErrUnknownCommandType) || errors.Is(err, commands.ErrInvalidPayload) {
			ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": "failed to validate command"})
		return
	}

	cmd, err := h.queue.EnqueueCommand(ctx.Request.Context(), h.agentID, commandType, req.Payload)
	if err != nil {
		slog.Error("Failed to enqueue command", "type", req.Type, "error", err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": "failed to enqueue command"})
		return
	}

	slog.Info("Command enqueued", "command_id", cmd.ID, "type", cmd.Type)
	ctx.JSON(http.StatusCreated, dto.CommandResponse{
		ID:        cmd.ID,
		Type:      string(cmd.Type),
		Status:    string(cmd.Status),
		CreatedAt: cmd.CreatedAt,
	})
}
