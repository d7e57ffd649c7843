package billing

import (
	"net/http"
	"strings"
	"time"

	"github.com/bloodyteeths/nabavkidata-sub003/pkg/common"
	"github.com/bloodyteeths/nabavkidata-sub003/pkg/logger"
	"github.com/bloodyteeths/nabavkidata-sub003/pkg/middleware"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SubscriptionUpdateRequest is pushed by the billing system whenever a
// user's plan changes
type SubscriptionUpdateRequest struct {
	UserID               string     `json:"user_id" validate:"required,uuid"`
	Tier                 string     `json:"tier" validate:"required,tier_name"`
	Status               string     `json:"status" validate:"required,oneof=active trialing past_due canceled"`
	StripeSubscriptionID string     `json:"stripe_subscription_id" validate:"max=255"`
	CurrentPeriodEnd     *time.Time `json:"current_period_end"`
}

// Handler serves the internal subscription endpoint
type Handler struct {
	repo     RepositoryInterface
	resolver *CachedResolver
}

// NewHandler creates a new billing handler. resolver may be nil.
func NewHandler(repo RepositoryInterface, resolver *CachedResolver) *Handler {
	return &Handler{repo: repo, resolver: resolver}
}

// UpdateSubscription stores the plan reported by billing and drops the
// cached tier
// POST /internal/v1/subscriptions
func (h *Handler) UpdateSubscription(c *gin.Context) {
	var req SubscriptionUpdateRequest
	if !middleware.ValidateAndBind(c, &req) {
		return
	}

	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		common.ErrorResponse(c, http.StatusBadRequest, "invalid user_id")
		return
	}

	sub := &Subscription{
		UserID:           userID,
		Tier:             strings.ToLower(req.Tier),
		Status:           SubscriptionStatus(req.Status),
		CurrentPeriodEnd: req.CurrentPeriodEnd,
		UpdatedAt:        time.Now().UTC(),
	}
	if req.StripeSubscriptionID != "" {
		sub.StripeSubscriptionID = &req.StripeSubscriptionID
	}

	ctx := c.Request.Context()
	if err := h.repo.UpsertSubscription(ctx, sub); err != nil {
		common.ErrorResponse(c, http.StatusInternalServerError, "failed to store subscription")
		return
	}

	if h.resolver != nil {
		if err := h.resolver.Invalidate(ctx, userID); err != nil {
			logger.WithContext(ctx).Warn("failed to invalidate cached tier",
				zap.String("user_id", userID.String()),
				zap.Error(err),
			)
		}
	}

	common.SuccessResponse(c, sub)
}

// RegisterRoutes registers the internal billing routes
func (h *Handler) RegisterRoutes(internal *gin.RouterGroup) {
	internal.POST("/subscriptions", h.UpdateSubscription)
}
