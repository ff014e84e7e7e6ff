package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/turfline/backend/internal/models"
	"github.com/turfline/backend/internal/service"
)

// @Summary Provider SMS webhook
// @Description Twilio-compatible form webhook. Replies with empty TwiML; outbound messages are sent through the REST sender.
// @Tags sms
// @Accept x-www-form-urlencoded
// @Produce xml
// @Param From formData string true "customer phone"
// @Param To formData string true "business phone"
// @Param Body formData string true "message text"
// @Param MessageSid formData string false "provider message id"
// @Success 200 {string} string
// @Failure 400 {object} ErrorResponse
// @Failure 422 {object} ErrorResponse
// @Router /webhooks/sms [post]
func (h *Handler) SMSWebhook(c *gin.Context) {
	if err := c.Request.ParseForm(); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "Invalid form body", err.Error())
		return
	}
	form := c.Request.PostForm
	payload := map[string]string{}
	for k := range form {
		payload[k] = form.Get(k)
	}
	raw, _ := json.Marshal(payload)

	_, err := h.Intake.HandleInbound(c.Request.Context(), service.InboundRequest{
		FromPhone:         form.Get("From"),
		ToPhone:           form.Get("To"),
		Text:              form.Get("Body"),
		ProviderMessageID: form.Get("MessageSid"),
		ProviderPayload:   raw,
	})
	if err != nil {
		h.writeAppError(c, err)
		return
	}
	c.Data(http.StatusOK, "application/xml", []byte(`<?xml version="1.0" encoding="UTF-8"?><Response></Response>`))
}

// @Summary Submit an inbound SMS
// @Description JSON entry point for the intake engine, used by tests and non-Twilio transports.
// @Tags sms
// @Accept json
// @Produce json
// @Param X-Admin-Key header string false "admin key"
// @Param body body service.InboundRequest true "inbound message"
// @Success 200 {object} service.IntakeOutcome
// @Failure 400 {object} ErrorResponse
// @Failure 422 {object} ErrorResponse
// @Router /api/sms/inbound [post]
func (h *Handler) SMSInbound(c *gin.Context) {
	var req service.InboundRequest
	if !h.bind(c, &req) {
		return
	}
	out, err := h.Intake.HandleInbound(c.Request.Context(), req)
	if err != nil {
		h.writeAppError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// @Summary Get an SMS session
// @Tags sms
// @Produce json
// @Security BearerAuth
// @Param id path string true "session id"
// @Success 200 {object} models.SmsSession
// @Failure 404 {object} ErrorResponse
// @Router /api/sms/sessions/{id} [get]
func (h *Handler) SessionGet(c *gin.Context) {
	sess, err := h.Intake.GetSession(c.Request.Context(), identity(c).BusinessID, c.Param("id"))
	if err != nil {
		h.writeAppError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

// @Summary List the events of an SMS session
// @Tags sms
// @Produce json
// @Security BearerAuth
// @Param id path string true "session id"
// @Success 200 {array} models.SmsEvent
// @Failure 404 {object} ErrorResponse
// @Router /api/sms/sessions/{id}/events [get]
func (h *Handler) SessionEvents(c *gin.Context) {
	events, err := h.Intake.ListEvents(c.Request.Context(), identity(c).BusinessID, c.Param("id"))
	if err != nil {
		h.writeAppError(c, err)
		return
	}
	c.JSON(http.StatusOK, events)
}

// @Summary List handoff tickets
// @Tags handoffs
// @Produce json
// @Security BearerAuth
// @Param status query string false "open, assigned or closed"
// @Success 200 {array} models.HandoffTicket
// @Router /api/handoffs [get]
func (h *Handler) HandoffsList(c *gin.Context) {
	tickets, err := h.Intake.ListHandoffs(c.Request.Context(), identity(c).BusinessID, models.TicketStatus(c.Query("status")))
	if err != nil {
		h.writeAppError(c, err)
		return
	}
	c.JSON(http.StatusOK, tickets)
}

// @Summary Update a handoff ticket
// @Tags handoffs
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "ticket id"
// @Param body body service.HandoffUpdate true "status and/or assignee"
// @Success 200 {object} models.HandoffTicket
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /api/handoffs/{id} [patch]
func (h *Handler) HandoffUpdate(c *gin.Context) {
	var req service.HandoffUpdate
	if !h.bind(c, &req) {
		return
	}
	t, err := h.Intake.UpdateHandoff(c.Request.Context(), identity(c).BusinessID, c.Param("id"), req)
	if err != nil {
		h.writeAppError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}
