package fraud

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/bloodyteeths/nabavkidata-sub003/internal/duplicates"
	"github.com/bloodyteeths/nabavkidata-sub003/internal/quota"
	"github.com/bloodyteeths/nabavkidata-sub003/pkg/common"
	"github.com/bloodyteeths/nabavkidata-sub003/pkg/config"
	"github.com/bloodyteeths/nabavkidata-sub003/pkg/middleware"
	"github.com/bloodyteeths/nabavkidata-sub003/pkg/pagination"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// AccountRegistry is the duplicate detector as seen by the HTTP layer
type AccountRegistry interface {
	RegisterAccount(ctx context.Context, userID uuid.UUID, email string) (*duplicates.Account, error)
	RegisterPaymentInstrument(ctx context.Context, userID uuid.UUID, instrumentHash string) error
	ListLinks(ctx context.Context, userID uuid.UUID) ([]*duplicates.Link, error)
	MarkFalsePositive(ctx context.Context, linkID, reviewer uuid.UUID) (*duplicates.Link, error)
}

// QuotaProvisioner creates the quota state of new accounts
type QuotaProvisioner interface {
	Provision(ctx context.Context, userID uuid.UUID, tier string) (*quota.State, error)
}

// InstrumentHasher derives the stored hash of a payment instrument
type InstrumentHasher interface {
	InstrumentHash(instrument string) string
}

// Handler handles fraud check, review and collaborator HTTP requests
type Handler struct {
	service     *Service
	activities  *ActivityLog
	accounts    AccountRegistry
	quota       QuotaProvisioner
	hasher      InstrumentHasher
	defaultTier string
}

// NewHandler creates a new fraud handler
func NewHandler(service *Service, activities *ActivityLog, accounts AccountRegistry, provisioner QuotaProvisioner, hasher InstrumentHasher, defaultTier string) *Handler {
	return &Handler{
		service:     service,
		activities:  activities,
		accounts:    accounts,
		quota:       provisioner,
		hasher:      hasher,
		defaultTier: defaultTier,
	}
}

// ========================================
// FRAUD CHECK
// ========================================

// Check runs a fraud check. Denials are regular 200 responses with
// is_allowed set to false.
// POST /api/v1/fraud/check
func (h *Handler) Check(c *gin.Context) {
	var req CheckRequest
	if !middleware.ValidateAndBind(c, &req) {
		return
	}

	if req.IPAddress == "" {
		req.IPAddress = c.ClientIP()
	}
	req.UserID = callerUserID(c, req.UserID)

	resp, err := h.service.Check(c.Request.Context(), req)
	if err != nil {
		if errors.Is(err, ErrInvalidRequest) {
			common.AppErrorResponse(c, common.NewBadRequestError("invalid ip address", err))
			return
		}
		common.ErrorResponse(c, http.StatusInternalServerError, "fraud check failed")
		return
	}

	common.SuccessResponse(c, resp)
}

// callerUserID decides whose quota a check runs against. End users are
// always themselves; trusted services may check on behalf of the user named
// in the body; anonymous callers are anonymous.
func callerUserID(c *gin.Context, fromBody *uuid.UUID) *uuid.UUID {
	role := middleware.GetUserRole(c)
	if role == middleware.RoleService || role == middleware.RoleAdmin {
		return fromBody
	}
	if id, err := middleware.GetUserID(c); err == nil {
		return &id
	}
	return nil
}

// ========================================
// DUPLICATES (ADMIN)
// ========================================

// ListDuplicates lists the duplicate links of a user
// GET /api/v1/admin/fraud/duplicates/:id
func (h *Handler) ListDuplicates(c *gin.Context) {
	userID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		common.ErrorResponse(c, http.StatusBadRequest, "invalid user id")
		return
	}

	links, err := h.accounts.ListLinks(c.Request.Context(), userID)
	if err != nil {
		common.ErrorResponse(c, http.StatusInternalServerError, "failed to list duplicate links")
		return
	}

	common.SuccessResponse(c, links)
}

// MarkFalsePositive marks a duplicate link as a false positive
// POST /api/v1/admin/fraud/duplicates/:id/false-positive
func (h *Handler) MarkFalsePositive(c *gin.Context) {
	reviewer, err := middleware.GetUserID(c)
	if err != nil {
		common.ErrorResponse(c, http.StatusUnauthorized, "unauthorized")
		return
	}
	linkID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		common.ErrorResponse(c, http.StatusBadRequest, "invalid link id")
		return
	}

	link, err := h.accounts.MarkFalsePositive(c.Request.Context(), linkID, reviewer)
	if err != nil {
		if errors.Is(err, duplicates.ErrLinkNotFound) {
			common.AppErrorResponse(c, common.NewNotFoundError("duplicate link not found", err))
			return
		}
		common.ErrorResponse(c, http.StatusInternalServerError, "failed to update duplicate link")
		return
	}

	common.SuccessResponse(c, link)
}

// ========================================
// SUSPICIOUS ACTIVITY (ADMIN)
// ========================================

// ListActivities lists unresolved activities, or every activity of one user
// when user_id is given
// GET /api/v1/admin/fraud/activities?user_id=
func (h *Handler) ListActivities(c *gin.Context) {
	params := pagination.ParseParams(c)
	ctx := c.Request.Context()

	var (
		activities []*SuspiciousActivity
		total      int64
		err        error
	)
	if raw := c.Query("user_id"); raw != "" {
		userID, perr := uuid.Parse(raw)
		if perr != nil {
			common.ErrorResponse(c, http.StatusBadRequest, "invalid user id")
			return
		}
		activities, total, err = h.activities.ListByUser(ctx, userID, params.Limit, params.Offset)
	} else {
		activities, total, err = h.activities.ListUnresolved(ctx, params.Limit, params.Offset)
	}
	if err != nil {
		common.ErrorResponse(c, http.StatusInternalServerError, "failed to list suspicious activities")
		return
	}

	common.SuccessResponseWithMeta(c, activities, pagination.BuildMeta(params.Limit, params.Offset, total))
}

// ResolveActivity closes a suspicious activity
// POST /api/v1/admin/fraud/activities/:id/resolve
func (h *Handler) ResolveActivity(c *gin.Context) {
	adminID, err := middleware.GetUserID(c)
	if err != nil {
		common.ErrorResponse(c, http.StatusUnauthorized, "unauthorized")
		return
	}
	activityID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		common.ErrorResponse(c, http.StatusBadRequest, "invalid activity id")
		return
	}

	var req ResolveActivityRequest
	if c.Request.ContentLength > 0 && !middleware.ValidateAndBind(c, &req) {
		return
	}

	activity, err := h.activities.Resolve(c.Request.Context(), activityID, adminID, strings.TrimSpace(req.Notes))
	if err != nil {
		if errors.Is(err, ErrActivityNotFound) {
			common.AppErrorResponse(c, common.NewNotFoundError("suspicious activity not found", err))
			return
		}
		common.ErrorResponse(c, http.StatusInternalServerError, "failed to resolve suspicious activity")
		return
	}

	common.SuccessResponse(c, activity)
}

// ========================================
// COLLABORATORS (INTERNAL)
// ========================================

// RegisterAccount records a new account's email identity and provisions its quota
// POST /internal/v1/accounts
func (h *Handler) RegisterAccount(c *gin.Context) {
	var req RegisterAccountRequest
	if !middleware.ValidateAndBind(c, &req) {
		return
	}
	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		common.ErrorResponse(c, http.StatusBadRequest, "invalid user_id")
		return
	}
	ctx := c.Request.Context()

	account, err := h.accounts.RegisterAccount(ctx, userID, req.Email)
	if err != nil {
		if errors.Is(err, duplicates.ErrInvalidEmail) {
			common.AppErrorResponse(c, common.NewBadRequestError("invalid email", err))
			return
		}
		common.ErrorResponse(c, http.StatusInternalServerError, "failed to register account")
		return
	}

	tier := req.Tier
	if tier == "" {
		tier = h.defaultTier
	}
	state, err := h.quota.Provision(ctx, userID, tier)
	if err != nil {
		if errors.Is(err, config.ErrUnknownTier) {
			common.AppErrorResponse(c, common.NewBadRequestError("unknown tier", err))
			return
		}
		common.ErrorResponse(c, http.StatusInternalServerError, "failed to provision rate limit state")
		return
	}

	common.CreatedResponse(c, gin.H{
		"account":    account,
		"rate_limit": state,
	})
}

// RegisterPaymentFingerprint stores the hash of a payment instrument
// POST /internal/v1/payment-fingerprints
func (h *Handler) RegisterPaymentFingerprint(c *gin.Context) {
	var req PaymentFingerprintRequest
	if !middleware.ValidateAndBind(c, &req) {
		return
	}
	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		common.ErrorResponse(c, http.StatusBadRequest, "invalid user_id")
		return
	}

	hash := h.hasher.InstrumentHash(req.Instrument)
	if err := h.accounts.RegisterPaymentInstrument(c.Request.Context(), userID, hash); err != nil {
		common.ErrorResponse(c, http.StatusInternalServerError, "failed to register payment fingerprint")
		return
	}

	common.CreatedResponse(c, gin.H{
		"user_id":         userID,
		"instrument_hash": hash,
	})
}

// RegisterRoutes registers fraud routes on the public, admin and internal groups
func (h *Handler) RegisterRoutes(public, admin, internal *gin.RouterGroup) {
	public.POST("/check", h.Check)

	dups := admin.Group("/duplicates")
	{
		dups.GET("/:id", h.ListDuplicates)
		dups.POST("/:id/false-positive", h.MarkFalsePositive)
	}

	acts := admin.Group("/activities")
	{
		acts.GET("", h.ListActivities)
		acts.POST("/:id/resolve", h.ResolveActivity)
	}

	internal.POST("/accounts", h.RegisterAccount)
	internal.POST("/payment-fingerprints", h.RegisterPaymentFingerprint)
}
