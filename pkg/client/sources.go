package client

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"
)

// The types below mirror the API's JSON exactly. They are defined here
// rather than shared with the server so the package stays importable
// without reaching into the module's internal packages.

// AssocType is the persisted association row code.
type AssocType int16

const (
	// AssocFirst marks a source's first appearance.
	AssocFirst AssocType = 1
	// AssocMatch marks a one-to-one association.
	AssocMatch AssocType = 2
	// AssocMergeAppend marks the detection that triggered a merge.
	AssocMergeAppend AssocType = 3
	// AssocMergeRelabel marks a membership row re-pointed from a merged
	// source to its survivor.
	AssocMergeRelabel AssocType = 6
)

// Position is a sky position: equatorial coordinates in degrees plus the
// unit-sphere Cartesian triple the server indexes by.
type Position struct {
	RA   float64 `json:"ra"`
	Decl float64 `json:"decl"`
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
	Z    float64 `json:"z"`
}

// RunningSource is the catalog's accumulated view of one source: the
// error-weighted mean position of its member detections plus the raw
// accumulator sums behind it.
type RunningSource struct {
	ID        int64 `json:"id"`
	DatasetID int64 `json:"dataset_id"`

	Datapoints int      `json:"datapoints"`
	WMPos      Position `json:"wm_pos"`
	WMRAErr    float64  `json:"wm_ra_err"`   // arcsec
	WMDeclErr  float64  `json:"wm_decl_err"` // arcsec

	SumRAWeight   float64 `json:"sum_ra_weight"`
	SumWRA        float64 `json:"sum_wra"`
	SumDeclWeight float64 `json:"sum_decl_weight"`
	SumWDecl      float64 `json:"sum_wdecl"`

	Members          []int64 `json:"members"`
	FirstDetectionID int64   `json:"first_detection_id"`
	Active           bool    `json:"active"`
}

// AssociationRecord is one row of a source's association history.
type AssociationRecord struct {
	ID             int64     `json:"id"`
	RunningID      int64     `json:"running_id"`
	DetectionID    int64     `json:"detection_id"`
	Type           AssocType `json:"assoc_type"`
	DistanceArcsec float64   `json:"distance_arcsec"`
	DeRuiterR      float64   `json:"de_ruiter_r"`
	CreatedAt      time.Time `json:"created_at"`
}

// SourceList is one page of a dataset's active running sources.
type SourceList struct {
	DatasetID int64           `json:"dataset_id"`
	Page      int             `json:"page"`
	PageSize  int             `json:"page_size"`
	Total     int64           `json:"total"`
	Sources   []RunningSource `json:"sources"`
}

// SourceDetail pairs a running source with its association history, oldest
// row first.
type SourceDetail struct {
	Source  *RunningSource      `json:"source"`
	History []AssociationRecord `json:"history"`
}

// VanishedList holds the active sources that gained no detection from one
// image, the transient candidates of that epoch.
type VanishedList struct {
	DatasetID int64           `json:"dataset_id"`
	ImageID   int64           `json:"image_id"`
	Count     int             `json:"count"`
	Sources   []RunningSource `json:"sources"`
}

// ListOptions tunes paginated listings. The zero value asks for the server's
// defaults (page 1, 20 per page; page sizes above 100 are ignored).
type ListOptions struct {
	Page     int
	PageSize int
}

// SourcesClient reads running-source views of the catalog.
type SourcesClient struct {
	client *Client
}

// List returns one page of a dataset's active sources ordered by id.
// GET /api/v1/datasets/{datasetID}/sources
func (sc *SourcesClient) List(ctx context.Context, datasetID int64, opts *ListOptions) (*SourceList, error) {
	if datasetID <= 0 {
		return nil, invalidArg("datasetID must be positive")
	}

	q := url.Values{}
	if opts != nil {
		if opts.Page > 0 {
			q.Set("page", strconv.Itoa(opts.Page))
		}
		if opts.PageSize > 0 {
			q.Set("page_size", strconv.Itoa(opts.PageSize))
		}
	}
	path := fmt.Sprintf("/api/v1/datasets/%d/sources", datasetID)
	if enc := q.Encode(); enc != "" {
		path += "?" + enc
	}

	var result SourceList
	if err := sc.client.get(ctx, path, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Get retrieves a source with its full association history.
// GET /api/v1/sources/{sourceID}
func (sc *SourcesClient) Get(ctx context.Context, sourceID int64) (*SourceDetail, error) {
	if sourceID <= 0 {
		return nil, invalidArg("sourceID must be positive")
	}

	var result SourceDetail
	if err := sc.client.get(ctx, fmt.Sprintf("/api/v1/sources/%d", sourceID), &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Vanished lists the dataset's sources that were expected but not seen in
// the given image. The image must belong to the dataset.
// GET /api/v1/datasets/{datasetID}/vanished?image_id={imageID}
func (sc *SourcesClient) Vanished(ctx context.Context, datasetID, imageID int64) (*VanishedList, error) {
	if datasetID <= 0 {
		return nil, invalidArg("datasetID must be positive")
	}
	if imageID <= 0 {
		return nil, invalidArg("imageID must be positive")
	}

	path := fmt.Sprintf("/api/v1/datasets/%d/vanished?image_id=%d", datasetID, imageID)
	var result VanishedList
	if err := sc.client.get(ctx, path, &result); err != nil {
		return nil, err
	}
	return &result, nil
}
