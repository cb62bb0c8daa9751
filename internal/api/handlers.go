package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/sarihammad/sagaflow/internal/saga"
)

// SubmitRequest is the POST /sagas body
type SubmitRequest struct {
	DefinitionID string          `json:"definition_id" binding:"required"`
	Input        json.RawMessage `json:"input" binding:"required"`
	// IdempotencyKey may be set in the body or via X-Idempotency-Key
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	// Deadline optionally bounds forward execution
	Deadline *time.Time `json:"deadline,omitempty"`
}

// StepView is one step in a saga status response
type StepView struct {
	Name         string `json:"name"`
	Status       string `json:"status"`
	ErrorKind    string `json:"error_kind,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	AttemptCount int    `json:"attempt_count"`
}

// SagaView is the saga status response
type SagaView struct {
	SagaID       string     `json:"saga_id"`
	DefinitionID string     `json:"definition_id"`
	Status       string     `json:"status"`
	CurrentStep  int        `json:"current_step"`
	Steps        []StepView `json:"steps"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

func (s *Server) handleSubmit(c *gin.Context) {
	var req SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, Error("INVALID_REQUEST", err.Error()))
		return
	}

	key := req.IdempotencyKey
	if headerKey, ok := c.Get(contextIdempotencyKey); ok && key == "" {
		key, _ = headerKey.(string)
	}

	inst, err := s.coordinator.Submit(c.Request.Context(), req.DefinitionID, req.Input, saga.SubmitOptions{
		IdempotencyKey: key,
		Deadline:       req.Deadline,
	})
	if err != nil {
		if errors.Is(err, saga.ErrUnknownDefinition) {
			c.JSON(http.StatusNotFound, Error("UNKNOWN_DEFINITION", err.Error()))
			return
		}
		s.logger.Error("submit failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, Error("SUBMIT_FAILED", "failed to submit saga"))
		return
	}

	c.JSON(http.StatusAccepted, OK(s.view(inst)))
}

func (s *Server) handleStatus(c *gin.Context) {
	inst, err := s.coordinator.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, saga.ErrNotFound) {
			c.JSON(http.StatusNotFound, Error("SAGA_NOT_FOUND", "saga not found"))
			return
		}
		s.logger.Error("status lookup failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, Error("STATUS_FAILED", "failed to load saga"))
		return
	}

	c.JSON(http.StatusOK, OK(s.view(inst)))
}

func (s *Server) handleAbort(c *gin.Context) {
	id := c.Param("id")
	if err := s.coordinator.Abort(c.Request.Context(), id); err != nil {
		if errors.Is(err, saga.ErrNotFound) {
			c.JSON(http.StatusNotFound, Error("SAGA_NOT_FOUND", "saga not found"))
			return
		}
		if errors.Is(err, saga.ErrLeaseHeld) {
			c.JSON(http.StatusConflict, Error("SAGA_BUSY", err.Error()))
			return
		}
		s.logger.Error("abort failed", zap.String("saga_id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, Error("ABORT_FAILED", "failed to abort saga"))
		return
	}

	c.JSON(http.StatusAccepted, OK(gin.H{"saga_id": id}))
}

func (s *Server) view(inst *saga.Instance) SagaView {
	view := SagaView{
		SagaID:       inst.ID,
		DefinitionID: inst.DefinitionID,
		Status:       string(inst.Status),
		CurrentStep:  inst.CurrentStep,
		CreatedAt:    inst.CreatedAt,
		UpdatedAt:    inst.UpdatedAt,
	}

	def, _ := s.coordinator.Definition(inst.DefinitionID)
	for i, sr := range inst.StepResults {
		sv := StepView{
			Status:       string(sr.Status),
			ErrorKind:    sr.ErrorKind.String(),
			ErrorMessage: sr.ErrorMessage,
			AttemptCount: sr.AttemptCount,
		}
		if def != nil && i < len(def.Steps) {
			sv.Name = def.Steps[i].Name
		}
		view.Steps = append(view.Steps, sv)
	}
	return view
}
