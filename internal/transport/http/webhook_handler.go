package httptransport

import (
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"relaymail/backend/internal/domain"
	"relaymail/backend/internal/service"
)

// ========== Webhook Handlers ==========

// createWebhook POST /api/v1/servers/:serverID/webhooks
func (h *Handler) createWebhook(c *gin.Context) {
	var input service.CreateWebhookInput
	if err := c.ShouldBindJSON(&input); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}
	if err := validateEvents(input.Events); err != nil {
		BadRequest(c, err.Error())
		return
	}
	input.ServerID = c.Param("serverID")

	webhook, err := h.webhook.CreateWebhook(c.Request.Context(), input)
	if err != nil {
		h.respondError(c, err, "创建 Webhook 失败")
		return
	}
	Created(c, webhook)
}

// listWebhooks GET /api/v1/servers/:serverID/webhooks
func (h *Handler) listWebhooks(c *gin.Context) {
	webhooks, err := h.webhook.ListWebhooks(c.Request.Context(), c.Param("serverID"))
	if err != nil {
		h.respondError(c, err, "获取 Webhook 列表失败")
		return
	}
	Success(c, webhooks)
}

// getWebhook GET /api/v1/servers/:serverID/webhooks/:id
func (h *Handler) getWebhook(c *gin.Context) {
	webhook, err := h.webhook.GetWebhook(c.Request.Context(), c.Param("serverID"), c.Param("id"))
	if err != nil {
		h.respondError(c, err, "获取 Webhook 失败")
		return
	}
	Success(c, webhook)
}

// updateWebhook PATCH /api/v1/servers/:serverID/webhooks/:id
func (h *Handler) updateWebhook(c *gin.Context) {
	var input service.UpdateWebhookInput
	if err := c.ShouldBindJSON(&input); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}
	if err := validateEvents(input.Events); err != nil {
		BadRequest(c, err.Error())
		return
	}

	webhook, err := h.webhook.UpdateWebhook(c.Request.Context(), c.Param("serverID"), c.Param("id"), input)
	if err != nil {
		h.respondError(c, err, "更新 Webhook 失败")
		return
	}
	Success(c, webhook)
}

// deleteWebhook DELETE /api/v1/servers/:serverID/webhooks/:id
func (h *Handler) deleteWebhook(c *gin.Context) {
	if err := h.webhook.DeleteWebhook(c.Request.Context(), c.Param("serverID"), c.Param("id")); err != nil {
		h.respondError(c, err, "删除 Webhook 失败")
		return
	}
	SuccessWithMsg(c, "Webhook 已删除", nil)
}

// getWebhookDeliveries GET /api/v1/servers/:serverID/webhooks/:id/deliveries?limit=20
func (h *Handler) getWebhookDeliveries(c *gin.Context) {
	ctx := c.Request.Context()
	webhook, err := h.webhook.GetWebhook(ctx, c.Param("serverID"), c.Param("id"))
	if err != nil {
		h.respondError(c, err, "获取 Webhook 失败")
		return
	}

	limit := 20
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			BadRequest(c, MsgInvalidRequest)
			return
		}
		limit = n
	}

	deliveries, err := h.webhook.GetDeliveries(ctx, webhook.ID, limit)
	if err != nil {
		h.respondError(c, err, "获取投递记录失败")
		return
	}
	Success(c, deliveries)
}

// validateEvents 只接受已知的事件类型
func validateEvents(events []string) error {
	for _, event := range events {
		if !domain.IsValidWebhookEvent(domain.WebhookEventType(event)) {
			return errors.New("未知的事件类型: " + event)
		}
	}
	return nil
}

// respondError 已知业务错误返回对应状态码，其余记录日志并返回 500
func (h *Handler) respondError(c *gin.Context, err error, fallback string) {
	if status, msg, ok := lookupError(err); ok {
		Error(c, status, msg)
		return
	}
	h.log.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	InternalError(c, fallback)
}
