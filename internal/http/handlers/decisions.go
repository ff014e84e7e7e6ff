package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type CreateDecisionRequest struct {
	JobRequestID string `json:"job_request_id" validate:"required"`
	SimulationID string `json:"simulation_id" validate:"required"`
}

type RejectDecisionRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

// @Summary Propose a decision from a simulation candidate
// @Tags decisions
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param body body CreateDecisionRequest true "candidate to propose"
// @Success 201 {object} models.Decision
// @Failure 400 {object} ErrorResponse
// @Failure 403 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /api/decisions [post]
func (h *Handler) DecisionCreate(c *gin.Context) {
	var req CreateDecisionRequest
	if !h.bind(c, &req) {
		return
	}
	id := identity(c)
	d, err := h.Decisions.CreateDecision(c.Request.Context(), id.BusinessID, req.JobRequestID, req.SimulationID, id.UserID)
	if err != nil {
		h.writeAppError(c, err)
		return
	}
	c.JSON(http.StatusCreated, d)
}

// @Summary Get a decision
// @Tags decisions
// @Produce json
// @Security BearerAuth
// @Param id path string true "decision id"
// @Success 200 {object} models.Decision
// @Failure 404 {object} ErrorResponse
// @Router /api/decisions/{id} [get]
func (h *Handler) DecisionGet(c *gin.Context) {
	d, err := h.Decisions.GetDecision(c.Request.Context(), identity(c).BusinessID, c.Param("id"))
	if err != nil {
		h.writeAppError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

// @Summary Approve a pending decision
// @Tags decisions
// @Produce json
// @Security BearerAuth
// @Param id path string true "decision id"
// @Success 200 {object} models.Decision
// @Failure 403 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /api/decisions/{id}/approve [post]
func (h *Handler) DecisionApprove(c *gin.Context) {
	id := identity(c)
	d, err := h.Decisions.ApproveDecision(c.Request.Context(), id.BusinessID, c.Param("id"), id.UserID, h.Approval)
	if err != nil {
		h.writeAppError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

// @Summary Reject a pending decision
// @Tags decisions
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "decision id"
// @Param body body RejectDecisionRequest false "reason"
// @Success 200 {object} models.Decision
// @Failure 403 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /api/decisions/{id}/reject [post]
func (h *Handler) DecisionReject(c *gin.Context) {
	var req RejectDecisionRequest
	if c.Request.ContentLength != 0 {
		if !h.bind(c, &req) {
			return
		}
	}
	id := identity(c)
	d, err := h.Decisions.RejectDecision(c.Request.Context(), id.BusinessID, c.Param("id"), id.UserID, req.Reason, h.Approval)
	if err != nil {
		h.writeAppError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}
