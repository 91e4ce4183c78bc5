package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"ruleout-go/internal/middleware"
	"ruleout-go/internal/model"
	"ruleout-go/internal/repository"
	"ruleout-go/internal/service"
	"ruleout-go/pkg/log"
)

// ConversationHandler 处理与会话历史相关的 API 请求。
type ConversationHandler struct {
	service service.ConversationService
}

// NewConversationHandler 创建一个新的 ConversationHandler。
func NewConversationHandler(service service.ConversationService) *ConversationHandler {
	return &ConversationHandler{service: service}
}

func respond(c *gin.Context, status int, message string, data interface{}) {
	c.JSON(status, gin.H{"code": status, "message": message, "data": data})
}

func success(c *gin.Context, data interface{}) {
	respond(c, http.StatusOK, "success", data)
}

// respondError 将业务错误映射为 HTTP 状态码。
func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrForbidden):
		respond(c, http.StatusForbidden, err.Error(), nil)
	case errors.Is(err, repository.ErrConversationNotFound),
		errors.Is(err, repository.ErrMessageNotFound),
		errors.Is(err, repository.ErrReferenceNotFound):
		respond(c, http.StatusNotFound, err.Error(), nil)
	case errors.Is(err, service.ErrInvalidTitle), errors.Is(err, service.ErrInvalidFeedback):
		respond(c, http.StatusBadRequest, err.Error(), nil)
	default:
		log.Errorf("处理会话请求失败: %v", err)
		respond(c, http.StatusInternalServerError, "internal server error", nil)
	}
}

func intParam(c *gin.Context, name string) (int, bool) {
	v, err := strconv.Atoi(c.Param(name))
	if err != nil {
		respond(c, http.StatusBadRequest, "invalid "+name, nil)
		return 0, false
	}
	return v, true
}

// List 返回当前用户的会话列表，favorites=true 时只返回收藏。
func (h *ConversationHandler) List(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	favorites := c.Query("favorites") == "true"

	items, err := h.service.List(c.Request.Context(), middleware.UserID(c), limit, favorites)
	if err != nil {
		respondError(c, err)
		return
	}
	success(c, items)
}

// Search 按标题搜索会话。
func (h *ConversationHandler) Search(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	items, err := h.service.Search(c.Request.Context(), middleware.UserID(c), c.Query("q"), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	success(c, items)
}

// Get 返回完整的会话文档。
func (h *ConversationHandler) Get(c *gin.Context) {
	conv, err := h.service.Get(c.Request.Context(), middleware.UserID(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	success(c, conv)
}

// Rename 修改会话标题。
func (h *ConversationHandler) Rename(c *gin.Context) {
	var req struct {
		Title string `json:"title" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respond(c, http.StatusBadRequest, "title is required", nil)
		return
	}
	if err := h.service.Rename(c.Request.Context(), middleware.UserID(c), c.Param("id"), req.Title); err != nil {
		respondError(c, err)
		return
	}
	success(c, nil)
}

// SetFavorite 设置收藏状态。
func (h *ConversationHandler) SetFavorite(c *gin.Context) {
	var req struct {
		IsFavorite *bool `json:"isFavorite" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respond(c, http.StatusBadRequest, "isFavorite is required", nil)
		return
	}
	if err := h.service.SetFavorite(c.Request.Context(), middleware.UserID(c), c.Param("id"), *req.IsFavorite); err != nil {
		respondError(c, err)
		return
	}
	success(c, nil)
}

type feedbackRequest struct {
	Feedback model.Feedback `json:"feedback" binding:"required"`
}

// ToggleFeedback 切换助手消息的评价。
func (h *ConversationHandler) ToggleFeedback(c *gin.Context) {
	index, ok := intParam(c, "index")
	if !ok {
		return
	}
	var req feedbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond(c, http.StatusBadRequest, "feedback is required", nil)
		return
	}
	fb, err := h.service.ToggleFeedback(c.Request.Context(), middleware.UserID(c), c.Param("id"), index, req.Feedback)
	if err != nil {
		respondError(c, err)
		return
	}
	success(c, gin.H{"feedback": fb})
}

// ToggleReferenceFeedback 切换某条参考文献的评价。
func (h *ConversationHandler) ToggleReferenceFeedback(c *gin.Context) {
	index, ok := intParam(c, "index")
	if !ok {
		return
	}
	ref, ok := intParam(c, "ref")
	if !ok {
		return
	}
	var req feedbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond(c, http.StatusBadRequest, "feedback is required", nil)
		return
	}
	fb, err := h.service.ToggleReferenceFeedback(c.Request.Context(), middleware.UserID(c), c.Param("id"), index, ref, req.Feedback)
	if err != nil {
		respondError(c, err)
		return
	}
	success(c, gin.H{"feedback": fb})
}

// CopyAnswer 返回助手消息的纯文本。
func (h *ConversationHandler) CopyAnswer(c *gin.Context) {
	index, ok := intParam(c, "index")
	if !ok {
		return
	}
	text, err := h.service.CopyAnswer(c.Request.Context(), middleware.UserID(c), c.Param("id"), index)
	if err != nil {
		respondError(c, err)
		return
	}
	success(c, gin.H{"text": text})
}

// Delete 删除会话。
func (h *ConversationHandler) Delete(c *gin.Context) {
	if err := h.service.Delete(c.Request.Context(), middleware.UserID(c), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	success(c, nil)
}
