// Package repositories provides the PostgreSQL-backed implementations of the
// catalog repository interfaces: datasets, images, extracted detections,
// running sources, and association history.
//
// All repositories share the same construction pattern: they take a pgx pool
// and a logger, and return the domain interface they implement.  Write
// operations that span multiple rows run inside transactions; reads are
// single statements.
package repositories

import (
	"github.com/transientlab/skymatch/internal/domain/catalog"
	"github.com/transientlab/skymatch/internal/domain/sky"
	appErrors "github.com/transientlab/skymatch/pkg/errors"
)

// ─────────────────────────────────────────────────────────────────────────────
// Pagination
// ─────────────────────────────────────────────────────────────────────────────

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// normalizePage translates 1-based page parameters into a LIMIT/OFFSET pair,
// clamping the page size into [1, maxPageSize].
func normalizePage(page, pageSize int) (limit, offset int) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	return pageSize, (page - 1) * pageSize
}

// ─────────────────────────────────────────────────────────────────────────────
// Row scanning
// ─────────────────────────────────────────────────────────────────────────────

// rowScanner abstracts pgx.Row and pgx.Rows so the scan helpers serve both
// single-row and multi-row queries.
type rowScanner interface {
	Scan(dest ...any) error
}

// runningSourceColumns is the shared projection for running-source queries.
// Members are aggregated from the association rows; the FILTER clause keeps
// the array empty instead of {NULL} when a left join finds no rows.
const runningSourceColumns = `
	r.id, r.dataset_id, r.datapoints,
	r.wm_ra, r.wm_decl, r.wm_ra_err, r.wm_decl_err,
	r.sum_ra_weight, r.sum_wra, r.sum_decl_weight, r.sum_wdecl,
	r.first_xtrsrc_id, r.active,
	COALESCE(
		array_agg(a.xtrsrc_id ORDER BY a.xtrsrc_id) FILTER (WHERE a.xtrsrc_id IS NOT NULL),
		'{}'
	) AS members`

// scanRunningSource reads one running-source row produced with
// runningSourceColumns.  The weighted-mean position is re-derived through the
// domain constructor so the cached direction vector is always consistent with
// the stored coordinates.
func scanRunningSource(row rowScanner) (catalog.RunningSource, error) {
	var (
		rs           catalog.RunningSource
		wmRA, wmDecl float64
		members      []int64
	)
	if err := row.Scan(
		&rs.ID, &rs.DatasetID, &rs.Datapoints,
		&wmRA, &wmDecl, &rs.WMRAErr, &rs.WMDeclErr,
		&rs.SumRAWeight, &rs.SumWRA, &rs.SumDeclWeight, &rs.SumWDecl,
		&rs.FirstDetectionID, &rs.Active,
		&members,
	); err != nil {
		return catalog.RunningSource{}, err
	}

	pos, err := sky.NewPosition(wmRA, wmDecl)
	if err != nil {
		return catalog.RunningSource{}, appErrors.Wrap(err, appErrors.CodeDatabaseError,
			"stored running-source position is invalid")
	}
	rs.WMPos = pos
	rs.Members = members
	return rs, nil
}

// detectionColumns is the shared projection for extracted-source queries.
const detectionColumns = `
	id, image_id, dataset_id,
	ra, decl, ra_err, decl_err,
	semimajor, semiminor, pa,
	f_peak, f_peak_err, f_int, f_int_err, det_sigma`

// scanDetection reads one extracted-source row produced with
// detectionColumns.
func scanDetection(row rowScanner) (catalog.Detection, error) {
	var (
		d        catalog.Detection
		ra, decl float64
	)
	if err := row.Scan(
		&d.ID, &d.ImageID, &d.DatasetID,
		&ra, &decl, &d.RAErr, &d.DeclErr,
		&d.SemiMajor, &d.SemiMinor, &d.PositionAngle,
		&d.Flux.Peak, &d.Flux.PeakErr, &d.Flux.Int, &d.Flux.IntErr, &d.Flux.DetSigma,
	); err != nil {
		return catalog.Detection{}, err
	}

	pos, err := sky.NewPosition(ra, decl)
	if err != nil {
		return catalog.Detection{}, appErrors.Wrap(err, appErrors.CodeDatabaseError,
			"stored detection position is invalid")
	}
	d.Pos = pos
	return d, nil
}
