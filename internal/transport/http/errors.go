package httptransport

import (
	"errors"
	"net/http"

	"relaymail/backend/internal/domain"
)

type errorMapping struct {
	err    error
	status int
	msg    string
}

// 业务错误 -> HTTP 状态码与中文消息
var errorMappings = []errorMapping{
	{domain.ErrWebhookNotFound, http.StatusNotFound, "Webhook 不存在"},
	{domain.ErrServerNotFound, http.StatusNotFound, "服务器不存在"},
	{domain.ErrMessageNotFound, http.StatusNotFound, "邮件不存在"},
	{domain.ErrLinkNotFound, http.StatusNotFound, "链接不存在"},
}

// lookupError 查找已知业务错误
func lookupError(err error) (int, string, bool) {
	for _, m := range errorMappings {
		if errors.Is(err, m.err) {
			return m.status, m.msg, true
		}
	}
	return 0, "", false
}

// 通用错误消息
const (
	MsgInvalidRequest = "请求参数格式错误"
)
