package httptransport

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"relaymail/backend/internal/domain"
	"relaymail/backend/internal/tracking"
)

// transparentGIF 1x1 透明 GIF
var transparentGIF = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00, 0x80, 0x00, 0x00, 0x00, 0x00, 0x00,
	0xff, 0xff, 0xff, 0x21, 0xf9, 0x04, 0x01, 0x00, 0x00, 0x00, 0x00, 0x2c, 0x00, 0x00, 0x00, 0x00,
	0x01, 0x00, 0x01, 0x00, 0x00, 0x02, 0x02, 0x44, 0x01, 0x00, 0x3b,
}

func visitor(c *gin.Context) tracking.Visitor {
	return tracking.Visitor{
		IPAddress: c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
	}
}

// trackClick 跳转到原始链接
func (h *Handler) trackClick(c *gin.Context) {
	url, err := h.tracker.Click(c.Request.Context(), c.Param("serverToken"), c.Param("linkToken"), visitor(c))
	if err != nil {
		if isTrackingNotFound(err) {
			c.String(http.StatusNotFound, "Link not found")
			return
		}
		h.log.Error("failed to resolve tracked link", zap.String("token", c.Param("linkToken")), zap.Error(err))
		c.String(http.StatusInternalServerError, "Internal error")
		return
	}

	c.Header("Cache-Control", "no-store")
	c.Redirect(http.StatusFound, url)
}

// trackLoad 记录打开并返回透明像素
func (h *Handler) trackLoad(c *gin.Context) {
	err := h.tracker.Load(c.Request.Context(), c.Param("serverToken"), c.Param("messageToken"), visitor(c))
	if err != nil {
		if isTrackingNotFound(err) {
			c.String(http.StatusNotFound, "Message not found")
			return
		}
		h.log.Error("failed to record load", zap.String("token", c.Param("messageToken")), zap.Error(err))
	}

	c.Header("Cache-Control", "no-cache, no-store, must-revalidate")
	c.Data(http.StatusOK, "image/gif", transparentGIF)
}

func isTrackingNotFound(err error) bool {
	return errors.Is(err, domain.ErrServerNotFound) ||
		errors.Is(err, domain.ErrLinkNotFound) ||
		errors.Is(err, domain.ErrMessageNotFound)
}
