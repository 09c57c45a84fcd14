package service

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/remiges-tech/loom/webhook"
	"github.com/remiges-tech/loom/wscutils"
)

// handleCreateWebhook registers a webhook endpoint. The secret never leaves
// the server again after registration.
func handleCreateWebhook(c *gin.Context, s *Service) {
	var reg webhook.Registration
	if err := wscutils.BindJSON(c, &reg); err != nil {
		return
	}
	if msgs := wscutils.WscValidate(reg, func(err validator.FieldError) []string { return nil }); len(msgs) > 0 {
		wscutils.SendErrorResponse(c, http.StatusBadRequest, wscutils.NewResponse(wscutils.ErrorStatus, nil, msgs))
		return
	}
	reg.ID = ""
	reg.Active = true

	if err := s.Webhooks.Save(c.Request.Context(), &reg); err != nil {
		sendError(c, s, err)
		return
	}
	c.JSON(http.StatusCreated, wscutils.NewSuccessResponse(redactSecret(&reg)))
}

func handleListWebhooks(c *gin.Context, s *Service) {
	regs, err := s.Webhooks.List(c.Request.Context())
	if err != nil {
		sendError(c, s, err)
		return
	}
	out := make([]*webhook.Registration, 0, len(regs))
	for _, reg := range regs {
		out = append(out, redactSecret(reg))
	}
	wscutils.SendSuccessResponse(c, wscutils.NewSuccessResponse(gin.H{"webhooks": out, "count": len(out)}))
}

func handleGetWebhook(c *gin.Context, s *Service) {
	reg, err := s.Webhooks.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		sendError(c, s, err)
		return
	}
	wscutils.SendSuccessResponse(c, wscutils.NewSuccessResponse(redactSecret(reg)))
}

// handleUpdateWebhook replaces a registration's mutable fields. An empty
// secret in the request keeps the stored one.
func handleUpdateWebhook(c *gin.Context, s *Service) {
	existing, err := s.Webhooks.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		sendError(c, s, err)
		return
	}

	var in webhook.Registration
	if err := wscutils.BindJSON(c, &in); err != nil {
		return
	}
	if in.Secret == "" {
		in.Secret = existing.Secret
	}
	if msgs := wscutils.WscValidate(in, func(err validator.FieldError) []string { return nil }); len(msgs) > 0 {
		wscutils.SendErrorResponse(c, http.StatusBadRequest, wscutils.NewResponse(wscutils.ErrorStatus, nil, msgs))
		return
	}
	in.ID = existing.ID
	in.CreatedAt = existing.CreatedAt

	if err := s.Webhooks.Save(c.Request.Context(), &in); err != nil {
		sendError(c, s, err)
		return
	}
	wscutils.SendSuccessResponse(c, wscutils.NewSuccessResponse(redactSecret(&in)))
}

func handleDeleteWebhook(c *gin.Context, s *Service) {
	if err := s.Webhooks.Delete(c.Request.Context(), c.Param("id")); err != nil {
		sendError(c, s, err)
		return
	}
	wscutils.SendSuccessResponse(c, wscutils.NewSuccessResponse(gin.H{"deleted": true}))
}

// handleTestWebhook delivers a synthetic signed event to the endpoint and
// returns the attempt record.
func handleTestWebhook(c *gin.Context, s *Service) {
	delivery, err := s.Engine.SendTest(c.Request.Context(), c.Param("id"))
	if err != nil {
		sendError(c, s, err)
		return
	}
	wscutils.SendSuccessResponse(c, wscutils.NewSuccessResponse(delivery))
}

// handleWebhookDeliveries returns the recent delivery attempts and the
// aggregate stats of a webhook from the audit store.
func handleWebhookDeliveries(c *gin.Context, s *Service) {
	ctx := c.Request.Context()
	if _, err := s.Webhooks.Get(ctx, c.Param("id")); err != nil {
		sendError(c, s, err)
		return
	}

	recorder := s.Engine.Recorder()
	deliveries, err := recorder.List(ctx, c.Param("id"), queryInt(c, "limit", 50))
	if err != nil {
		sendError(c, s, err)
		return
	}
	stats, err := recorder.Stats(ctx, c.Param("id"))
	if err != nil {
		sendError(c, s, err)
		return
	}
	wscutils.SendSuccessResponse(c, wscutils.NewSuccessResponse(gin.H{
		"deliveries": deliveries,
		"stats":      stats,
	}))
}

// redactSecret strips the signing secret from an API response.
func redactSecret(reg *webhook.Registration) *webhook.Registration {
	out := *reg
	out.Secret = ""
	return &out
}
