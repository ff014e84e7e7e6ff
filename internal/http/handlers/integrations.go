package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type IssueTokenRequest struct {
	UserID     string `json:"user_id" validate:"required"`
	BusinessID string `json:"business_id" validate:"required"`
}

type IssueTokenResponse struct {
	Token string `json:"token"`
}

// @Summary Start the Jobber connection flow
// @Tags integrations
// @Produce json
// @Security BearerAuth
// @Success 200 {object} service.ConnectResult
// @Failure 403 {object} ErrorResponse
// @Router /api/integrations/jobber/connect [get]
func (h *Handler) JobberConnect(c *gin.Context) {
	id := identity(c)
	res, err := h.OAuth.Connect(c.Request.Context(), id.BusinessID, id.UserID)
	if err != nil {
		h.writeAppError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// @Summary Complete the Jobber connection flow
// @Tags integrations
// @Produce json
// @Param state query string true "state issued by connect"
// @Param code query string true "authorization code"
// @Param account_id query string false "external account id"
// @Success 200 {object} service.CallbackResult
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /api/integrations/jobber/callback [get]
func (h *Handler) JobberCallback(c *gin.Context) {
	res, err := h.OAuth.Callback(c.Request.Context(), c.Query("state"), c.Query("code"), c.Query("account_id"))
	if err != nil {
		h.writeAppError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// @Summary Issue an operator token
// @Tags admin
// @Accept json
// @Produce json
// @Param X-Admin-Key header string true "admin key"
// @Param body body IssueTokenRequest true "user and business"
// @Success 200 {object} IssueTokenResponse
// @Failure 400 {object} ErrorResponse
// @Router /api/admin/tokens [post]
func (h *Handler) IssueToken(c *gin.Context) {
	var req IssueTokenRequest
	if !h.bind(c, &req) {
		return
	}
	tok, err := h.Tokens.Issue(req.UserID, req.BusinessID)
	if err != nil {
		h.writeAppError(c, err)
		return
	}
	c.JSON(http.StatusOK, IssueTokenResponse{Token: tok})
}
