package httptransport

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"vowmail/backend/internal/domain"
	"vowmail/backend/internal/service"
)

// MessageHandler 会话消息接口处理器
type MessageHandler struct {
	messages *service.MessageService
}

// NewMessageHandler 创建消息处理器
func NewMessageHandler(messages *service.MessageService) *MessageHandler {
	return &MessageHandler{messages: messages}
}

// SubmitMessage 提交出站邮件
//
// POST /api/v1/ceremonies/:id/messages
//
// 发送失败时消息仍会落库，响应 502 并携带失败消息，
// 客户端可在会话历史中看到这条失败记录。
func (h *MessageHandler) SubmitMessage(c *gin.Context) {
	ceremonyID := c.Param("id")

	var draft domain.OutboundDraft
	if err := c.ShouldBindJSON(&draft); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	msg, err := h.messages.SubmitOutboundMessage(c.Request.Context(), ceremonyID, &draft)
	if err != nil {
		if domain.IsTransportError(err) && msg != nil {
			BadGateway(c, MsgSendFailed, msg)
			return
		}
		RespondError(c, err)
		return
	}

	Created(c, msg)
}

// ListMessages 获取会话历史
//
// GET /api/v1/ceremonies/:id/messages?page=1&page_size=20
func (h *MessageHandler) ListMessages(c *gin.Context) {
	ceremonyID := c.Param("id")

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))

	history, err := h.messages.GetConversationHistory(c.Request.Context(), ceremonyID, page, pageSize)
	if err != nil {
		RespondError(c, err)
		return
	}

	Success(c, gin.H{
		"messages": history,
		"page":     page,
		"pageSize": pageSize,
		"count":    len(history),
	})
}

// markReadRequest 已读标记请求体
type markReadRequest struct {
	UserID string `json:"userId" binding:"required"`
}

// MarkRead 标记消息已读
//
// POST /api/v1/messages/:externalId/read
func (h *MessageHandler) MarkRead(c *gin.Context) {
	externalID := c.Param("externalId")

	var req markReadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	msg, err := h.messages.MarkMessageRead(c.Request.Context(), externalID, req.UserID)
	if err != nil {
		RespondError(c, err)
		return
	}

	Success(c, msg)
}

// meetingResponseRequest 会面响应请求体
type meetingResponseRequest struct {
	CeremonyID string `json:"ceremonyId" binding:"required"`
	UserID     string `json:"userId" binding:"required"`
	Response   string `json:"response" binding:"required"`
}

// MeetingResponse 记录会面邀请响应
//
// POST /api/v1/meetings/:uid/response
func (h *MessageHandler) MeetingResponse(c *gin.Context) {
	meetingUID := c.Param("uid")

	var req meetingResponseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	err := h.messages.RecordMeetingResponse(c.Request.Context(), req.CeremonyID, meetingUID, req.UserID, req.Response)
	if err != nil {
		RespondError(c, err)
		return
	}

	Success(c, gin.H{
		"meetingUid": meetingUID,
		"response":   req.Response,
	})
}
