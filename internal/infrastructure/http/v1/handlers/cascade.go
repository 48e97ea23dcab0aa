package handlers

import (
	"time"

	"github.com/gin-gonic/gin"

	"tombstone/internal/core/apperror"
	"tombstone/internal/domain/cascade"
	"tombstone/internal/infrastructure/http/v1/dto"
)

// CascadeHandler exposes cascade deletion, restoration and purge.
type CascadeHandler struct {
	*BaseHandler
	service *cascade.Service
	bulk    cascade.BulkOptions
}

// NewCascadeHandler creates a new cascade handler. bulk sets the default
// concurrency for bulk calls that do not ask for one.
func NewCascadeHandler(base *BaseHandler, service *cascade.Service, bulk cascade.BulkOptions) *CascadeHandler {
	return &CascadeHandler{BaseHandler: base, service: service, bulk: bulk}
}

// RegisterRoutes mounts the handler under rg.
func (h *CascadeHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/entities/:type/:id/validation", h.Validate)
	rg.DELETE("/entities/:type/:id", h.Delete)
	rg.POST("/bulk-delete", h.BulkDelete)

	rg.GET("/manifests", h.ListManifests)
	rg.GET("/manifests/:key", h.GetManifest)
	rg.POST("/manifests/:key/restore", h.Restore)
	rg.DELETE("/manifests/:key", h.Purge)
	rg.POST("/bulk-restore", h.BulkRestore)
	rg.POST("/purge-expired", h.PurgeExpired)
}

// Validate reports whether an entity may be deleted.
// GET /api/v1/cascade/entities/:type/:id/validation
func (h *CascadeHandler) Validate(c *gin.Context) {
	ref := cascade.Ref{Type: c.Param("type"), ID: dto.ParseID(c.Param("id"))}

	reasons, err := h.service.Validate(c.Request.Context(), ref)
	if err != nil {
		h.Error(c, err)
		return
	}
	if reasons == nil {
		reasons = []string{}
	}
	h.OK(c, dto.ValidationResponse{
		EntityType: ref.Type,
		ID:         c.Param("id"),
		Deletable:  len(reasons) == 0,
		Reasons:    reasons,
	})
}

// Delete cascade-deletes an entity and returns its manifest.
// DELETE /api/v1/cascade/entities/:type/:id
func (h *CascadeHandler) Delete(c *gin.Context) {
	var req dto.DeleteRequest
	if !h.BindOptionalJSON(c, &req) {
		return
	}
	ref := cascade.Ref{Type: c.Param("type"), ID: dto.ParseID(c.Param("id"))}

	m, err := h.service.Delete(c.Request.Context(), ref, req.Reason)
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, dto.FromManifest(*m))
}

// BulkDelete deletes many entities, each on its own.
// POST /api/v1/cascade/bulk-delete
func (h *CascadeHandler) BulkDelete(c *gin.Context) {
	var req dto.BulkDeleteRequest
	if !h.BindJSON(c, &req) {
		return
	}
	ids, err := dto.ParseIDs(req.IDs)
	if err != nil {
		h.Error(c, apperror.NewValidation("invalid ids").WithDetail("error", err.Error()))
		return
	}

	result := h.service.BulkDelete(c.Request.Context(), req.EntityType, ids, req.Reason, h.options(req.Concurrency))
	h.OK(c, result)
}

// ListManifests lists deletions newest first.
// GET /api/v1/cascade/manifests
func (h *CascadeHandler) ListManifests(c *gin.Context) {
	var q dto.ManifestFilter
	if !h.BindQuery(c, &q) {
		return
	}
	f, err := q.ToFilter()
	if err != nil {
		h.Error(c, apperror.NewValidation("invalid query parameters").WithDetail("error", err.Error()))
		return
	}

	list, err := h.service.ListManifests(c.Request.Context(), f)
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, dto.ListResponse[dto.ManifestResponse]{
		Items:  dto.FromManifests(list),
		Limit:  f.Limit,
		Offset: f.Offset,
	})
}

// GetManifest returns one deletion.
// GET /api/v1/cascade/manifests/:key
func (h *CascadeHandler) GetManifest(c *gin.Context) {
	m, err := h.service.GetManifest(c.Request.Context(), c.Param("key"))
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, dto.FromManifest(*m))
}

// Restore brings a deletion back.
// POST /api/v1/cascade/manifests/:key/restore
func (h *CascadeHandler) Restore(c *gin.Context) {
	r, err := h.service.Restore(c.Request.Context(), c.Param("key"))
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, r)
}

// BulkRestore restores many deletions, each on its own.
// POST /api/v1/cascade/bulk-restore
func (h *CascadeHandler) BulkRestore(c *gin.Context) {
	var req dto.BulkRestoreRequest
	if !h.BindJSON(c, &req) {
		return
	}
	h.OK(c, h.service.BulkRestore(c.Request.Context(), req.DeletionKeys, h.options(req.Concurrency)))
}

// Purge discards a deletion for good.
// DELETE /api/v1/cascade/manifests/:key
func (h *CascadeHandler) Purge(c *gin.Context) {
	key := c.Param("key")
	purged, err := h.service.PurgePermanent(c.Request.Context(), key)
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, dto.PurgeResponse{DeletionKey: key, Purged: purged})
}

// PurgeExpired discards every deletion older than max_age.
// POST /api/v1/cascade/purge-expired
func (h *CascadeHandler) PurgeExpired(c *gin.Context) {
	var req dto.PurgeExpiredRequest
	if !h.BindJSON(c, &req) {
		return
	}
	maxAge, err := time.ParseDuration(req.MaxAge)
	if err != nil {
		h.Error(c, apperror.NewValidation("invalid max_age").WithDetail("max_age", req.MaxAge))
		return
	}

	n, err := h.service.PurgeExpired(c.Request.Context(), maxAge)
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, dto.PurgeExpiredResponse{Purged: n})
}

func (h *CascadeHandler) options(concurrency int) cascade.BulkOptions {
	opts := h.bulk
	if concurrency > 0 {
		opts.Concurrency = concurrency
	}
	return opts
}
