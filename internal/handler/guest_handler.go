package handler

import (
	"github.com/gin-gonic/gin"

	"ruleout-go/internal/middleware"
	"ruleout-go/internal/repository"
)

// GuestHandler 提供访客配额的查询与重置。
type GuestHandler struct {
	quota repository.GuestQuotaRepository
}

// NewGuestHandler 创建一个新的 GuestHandler。
func NewGuestHandler(quota repository.GuestQuotaRepository) *GuestHandler {
	return &GuestHandler{quota: quota}
}

// Quota 返回当前访客的剩余提问次数。
func (h *GuestHandler) Quota(c *gin.Context) {
	remaining, err := h.quota.Remaining(c.Request.Context(), middleware.GuestIDFrom(c))
	if err != nil {
		respondError(c, err)
		return
	}
	success(c, gin.H{"remaining": remaining, "limit": h.quota.Limit()})
}

// Reset 在用户登录后清除该设备的访客计数。
func (h *GuestHandler) Reset(c *gin.Context) {
	if err := h.quota.Reset(c.Request.Context(), middleware.GuestIDFrom(c)); err != nil {
		respondError(c, err)
		return
	}
	success(c, gin.H{"remaining": h.quota.Limit(), "limit": h.quota.Limit()})
}
