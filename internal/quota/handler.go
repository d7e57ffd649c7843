package quota

import (
	"errors"
	"net/http"

	"github.com/bloodyteeths/nabavkidata-sub003/pkg/common"
	"github.com/bloodyteeths/nabavkidata-sub003/pkg/logger"
	"github.com/bloodyteeths/nabavkidata-sub003/pkg/middleware"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Handler serves rate limit status and admin unblock endpoints
type Handler struct {
	service  *Service
	resolver TierResolver
}

// NewHandler creates a new quota handler. resolver may be nil, in which
// case the stored tier is reported as is.
func NewHandler(service *Service, resolver TierResolver) *Handler {
	return &Handler{service: service, resolver: resolver}
}

// GetMyStatus returns the caller's quota
// GET /api/v1/fraud/rate-limit/status
func (h *Handler) GetMyStatus(c *gin.Context) {
	userID, err := middleware.GetUserID(c)
	if err != nil {
		common.ErrorResponse(c, http.StatusUnauthorized, "unauthorized")
		return
	}
	h.respondStatus(c, userID)
}

// GetUserStatus returns any user's quota (admin)
// GET /api/v1/admin/fraud/rate-limit/:user_id
func (h *Handler) GetUserStatus(c *gin.Context) {
	userID, err := uuid.Parse(c.Param("user_id"))
	if err != nil {
		common.ErrorResponse(c, http.StatusBadRequest, "invalid user id")
		return
	}
	h.respondStatus(c, userID)
}

// UnblockUser clears a block (admin)
// POST /api/v1/admin/fraud/rate-limit/:user_id/unblock
func (h *Handler) UnblockUser(c *gin.Context) {
	adminID, err := middleware.GetUserID(c)
	if err != nil {
		common.ErrorResponse(c, http.StatusUnauthorized, "unauthorized")
		return
	}
	userID, err := uuid.Parse(c.Param("user_id"))
	if err != nil {
		common.ErrorResponse(c, http.StatusBadRequest, "invalid user id")
		return
	}

	if _, err := h.service.Unblock(c.Request.Context(), userID, adminID); err != nil {
		if errors.Is(err, ErrStateNotFound) {
			common.AppErrorResponse(c, common.NewNotFoundError("user has no rate limit state", err))
			return
		}
		common.ErrorResponse(c, http.StatusInternalServerError, "failed to unblock user")
		return
	}

	h.respondStatus(c, userID)
}

func (h *Handler) respondStatus(c *gin.Context, userID uuid.UUID) {
	ctx := c.Request.Context()

	if h.resolver != nil {
		if tier, err := h.resolver.ResolveTier(ctx, userID); err == nil {
			if _, err := h.service.ChangeTier(ctx, userID, tier); err != nil {
				logger.WithContext(ctx).Warn("tier reconciliation failed", zap.Error(err))
			}
		}
	}

	status, err := h.service.Status(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrUnavailable) {
			common.AppErrorResponse(c, common.NewServiceUnavailableError(ReasonUnavailable))
			return
		}
		common.ErrorResponse(c, http.StatusInternalServerError, "failed to load rate limit status")
		return
	}

	common.SuccessResponse(c, status)
}

// RegisterRoutes registers the user and admin quota routes
func (h *Handler) RegisterRoutes(user, admin *gin.RouterGroup) {
	user.GET("/rate-limit/status", h.GetMyStatus)

	adminRL := admin.Group("/rate-limit")
	{
		adminRL.GET("/:user_id", h.GetUserStatus)
		adminRL.POST("/:user_id/unblock", h.UnblockUser)
	}
}
