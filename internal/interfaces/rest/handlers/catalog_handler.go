package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/transientlab/skymatch/internal/domain/catalog"
	"github.com/transientlab/skymatch/internal/infrastructure/monitoring/logging"
	"github.com/transientlab/skymatch/pkg/errors"
)

// CatalogHandler serves read-only views of the running catalog. Writes go
// exclusively through the association pipeline; the HTTP surface never
// mutates catalog state.
type CatalogHandler struct {
	sources      catalog.RunningSourceRepository
	associations catalog.AssociationRepository
	images       catalog.ImageRepository
	logger       logging.Logger
}

// NewCatalogHandler creates a new CatalogHandler.
func NewCatalogHandler(
	sources catalog.RunningSourceRepository,
	associations catalog.AssociationRepository,
	images catalog.ImageRepository,
	logger logging.Logger,
) *CatalogHandler {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &CatalogHandler{
		sources:      sources,
		associations: associations,
		images:       images,
		logger:       logger,
	}
}

// RegisterRoutes mounts catalog endpoints on the given route group.
func (h *CatalogHandler) RegisterRoutes(r gin.IRoutes) {
	r.GET("/datasets/:id/sources", h.ListSources)
	r.GET("/datasets/:id/vanished", h.ListVanished)
	r.GET("/sources/:id", h.GetSource)
}

// SourceListResponse is one page of a dataset's active running sources.
type SourceListResponse struct {
	DatasetID int64                   `json:"dataset_id"`
	Page      int                     `json:"page"`
	PageSize  int                     `json:"page_size"`
	Total     int64                   `json:"total"`
	Sources   []catalog.RunningSource `json:"sources"`
}

// SourceDetailResponse pairs a running source with its association history.
type SourceDetailResponse struct {
	Source  *catalog.RunningSource      `json:"source"`
	History []catalog.AssociationRecord `json:"history"`
}

// VanishedResponse lists the dataset's active sources that gained no
// detection from the given image, the transient candidates of that epoch.
type VanishedResponse struct {
	DatasetID int64                   `json:"dataset_id"`
	ImageID   int64                   `json:"image_id"`
	Count     int                     `json:"count"`
	Sources   []catalog.RunningSource `json:"sources"`
}

// ListSources handles GET /api/v1/datasets/:id/sources
func (h *CatalogHandler) ListSources(c *gin.Context) {
	datasetID, err := parseIDParam(c, "id")
	if err != nil {
		writeAppError(c, err)
		return
	}
	page, pageSize := parsePagination(c)

	sources, total, err := h.sources.ListByDataset(c.Request.Context(), datasetID, page, pageSize)
	if err != nil {
		h.logger.Error("failed to list running sources",
			logging.Err(err), logging.Int64("dataset_id", datasetID))
		writeAppError(c, err)
		return
	}
	if sources == nil {
		sources = []catalog.RunningSource{}
	}

	c.JSON(http.StatusOK, SourceListResponse{
		DatasetID: datasetID,
		Page:      page,
		PageSize:  pageSize,
		Total:     total,
		Sources:   sources,
	})
}

// GetSource handles GET /api/v1/sources/:id
func (h *CatalogHandler) GetSource(c *gin.Context) {
	sourceID, err := parseIDParam(c, "id")
	if err != nil {
		writeAppError(c, err)
		return
	}

	src, err := h.sources.GetByID(c.Request.Context(), sourceID)
	if err != nil {
		if !errors.IsNotFound(err) {
			h.logger.Error("failed to load running source",
				logging.Err(err), logging.Int64("source_id", sourceID))
		}
		writeAppError(c, err)
		return
	}

	history, err := h.associations.HistoryBySource(c.Request.Context(), sourceID)
	if err != nil {
		h.logger.Error("failed to load association history",
			logging.Err(err), logging.Int64("source_id", sourceID))
		writeAppError(c, err)
		return
	}
	if history == nil {
		history = []catalog.AssociationRecord{}
	}

	c.JSON(http.StatusOK, SourceDetailResponse{Source: src, History: history})
}

// ListVanished handles GET /api/v1/datasets/:id/vanished?image_id=N
func (h *CatalogHandler) ListVanished(c *gin.Context) {
	datasetID, err := parseIDParam(c, "id")
	if err != nil {
		writeAppError(c, err)
		return
	}
	imageID, err := parseIDQuery(c, "image_id")
	if err != nil {
		writeAppError(c, err)
		return
	}

	// The image must exist and belong to the dataset, otherwise an empty
	// result would be indistinguishable from a mistyped query.
	image, err := h.images.GetByID(c.Request.Context(), imageID)
	if err != nil {
		if !errors.IsNotFound(err) {
			h.logger.Error("failed to load image",
				logging.Err(err), logging.Int64("image_id", imageID))
		}
		writeAppError(c, err)
		return
	}
	if image.DatasetID != datasetID {
		writeAppError(c, errors.Newf(errors.CodeInvalidParam,
			"image %d belongs to dataset %d, not %d", imageID, image.DatasetID, datasetID))
		return
	}

	sources, err := h.sources.VanishedForImage(c.Request.Context(), datasetID, imageID)
	if err != nil {
		h.logger.Error("failed to list vanished sources",
			logging.Err(err), logging.Int64("dataset_id", datasetID), logging.Int64("image_id", imageID))
		writeAppError(c, err)
		return
	}
	if sources == nil {
		sources = []catalog.RunningSource{}
	}

	c.JSON(http.StatusOK, VanishedResponse{
		DatasetID: datasetID,
		ImageID:   imageID,
		Count:     len(sources),
		Sources:   sources,
	})
}
