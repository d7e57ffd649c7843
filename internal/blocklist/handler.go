package blocklist

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/bloodyteeths/nabavkidata-sub003/pkg/common"
	"github.com/bloodyteeths/nabavkidata-sub003/pkg/middleware"
	"github.com/bloodyteeths/nabavkidata-sub003/pkg/pagination"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// Handler serves the blocklist admin endpoints
type Handler struct {
	manager *Manager
}

// NewHandler creates a new blocklist handler
func NewHandler(manager *Manager) *Handler {
	return &Handler{manager: manager}
}

// CreateEntry adds a block entry
// POST /api/v1/admin/fraud/blocklist
func (h *Handler) CreateEntry(c *gin.Context) {
	var req CreateEntryRequest
	if !middleware.ValidateAndBind(c, &req) {
		return
	}

	var createdBy *uuid.UUID
	if adminID, err := middleware.GetUserID(c); err == nil {
		createdBy = &adminID
	}

	entry, err := h.manager.Create(c.Request.Context(), req, createdBy)
	if err != nil {
		if errors.Is(err, ErrDuplicateEntry) {
			common.AppErrorResponse(c, common.NewConflictError("an active entry already exists for this pattern"))
			return
		}
		common.ErrorResponse(c, http.StatusInternalServerError, "failed to create block entry")
		return
	}

	common.CreatedResponse(c, entry)
}

// ListEntries lists block entries
// GET /api/v1/admin/fraud/blocklist?kind=ip&active=true
func (h *Handler) ListEntries(c *gin.Context) {
	params := pagination.ParseParams(c)
	filter := ListFilter{Limit: params.Limit, Offset: params.Offset}

	if k := c.Query("kind"); k != "" {
		kind := Kind(k)
		if kind != KindIP && kind != KindEmail {
			common.ErrorResponse(c, http.StatusBadRequest, "kind must be ip or email")
			return
		}
		filter.Kind = &kind
	}
	if a := c.Query("active"); a != "" {
		active, err := strconv.ParseBool(a)
		if err != nil {
			common.ErrorResponse(c, http.StatusBadRequest, "active must be a boolean")
			return
		}
		filter.Active = &active
	}

	entries, total, err := h.manager.List(c.Request.Context(), filter)
	if err != nil {
		common.ErrorResponse(c, http.StatusInternalServerError, "failed to list block entries")
		return
	}

	common.SuccessResponseWithMeta(c, entries, pagination.BuildMeta(params.Limit, params.Offset, total))
}

// DeactivateEntry turns an entry off
// POST /api/v1/admin/fraud/blocklist/:id/deactivate
func (h *Handler) DeactivateEntry(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		common.ErrorResponse(c, http.StatusBadRequest, "invalid entry id")
		return
	}

	entry, err := h.manager.Deactivate(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, ErrEntryNotFound) {
			common.AppErrorResponse(c, common.NewNotFoundError("block entry not found", err))
			return
		}
		common.ErrorResponse(c, http.StatusInternalServerError, "failed to deactivate block entry")
		return
	}

	common.SuccessResponse(c, entry)
}

// RegisterRoutes registers the blocklist routes on an admin group
func (h *Handler) RegisterRoutes(admin *gin.RouterGroup) {
	blocklist := admin.Group("/blocklist")
	{
		blocklist.POST("", h.CreateEntry)
		blocklist.GET("", h.ListEntries)
		blocklist.POST("/:id/deactivate", h.DeactivateEntry)
	}
}
