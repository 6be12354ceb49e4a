package httptransport

import (
	"errors"

	"github.com/gin-gonic/gin"

	"vowmail/backend/internal/domain"
	"vowmail/backend/internal/storage"
)

// 通用错误消息
const (
	MsgInvalidRequest   = "请求参数格式错误"
	MsgCeremonyNotFound = "仪式不存在"
	MsgMessageNotFound  = "消息不存在"
	MsgSendFailed       = "邮件发送失败，消息已按失败状态保存"
	MsgInternalError    = "服务器内部错误，请稍后重试"
)

// RespondError 按错误类型写出响应。
//
// 校验错误 -> 400，未找到 -> 404，传输失败 -> 502，其余 -> 500。
func RespondError(c *gin.Context, err error) {
	var verr *domain.ValidationError
	if errors.As(err, &verr) {
		BadRequest(c, verr.Error())
		return
	}

	switch {
	case errors.Is(err, storage.ErrCeremonyNotFound):
		NotFound(c, MsgCeremonyNotFound)
	case errors.Is(err, storage.ErrMessageNotFound):
		NotFound(c, MsgMessageNotFound)
	case domain.IsTransportError(err):
		BadGateway(c, MsgSendFailed, nil)
	default:
		InternalError(c, MsgInternalError)
	}
}
