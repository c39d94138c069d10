package repositories

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/transientlab/skymatch/internal/domain/catalog"
	"github.com/transientlab/skymatch/internal/infrastructure/monitoring/logging"
	appErrors "github.com/transientlab/skymatch/pkg/errors"
)

// detectionRepository implements catalog.DetectionRepository.
type detectionRepository struct {
	pool   *pgxpool.Pool
	logger logging.Logger
}

// NewDetectionRepository creates a PostgreSQL-backed detection repository.
func NewDetectionRepository(pool *pgxpool.Pool, logger logging.Logger) catalog.DetectionRepository {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &detectionRepository{pool: pool, logger: logger.Named("detection_repo")}
}

// ─────────────────────────────────────────────────────────────────────────────
// SaveBatch
// ─────────────────────────────────────────────────────────────────────────────

const insertDetectionQuery = `
	INSERT INTO extractedsources (
		image_id, dataset_id, zone,
		ra, decl, ra_err, decl_err,
		x, y, z,
		semimajor, semiminor, pa,
		f_peak, f_peak_err, f_int, f_int_err, det_sigma
	) VALUES (
		$1, $2, FLOOR($4)::INT,
		$3, $4, $5, $6,
		$7, $8, $9,
		$10, $11, $12,
		$13, $14, $15, $16, $17
	)
	RETURNING id`

// SaveBatch persists all detections of one image in a single transaction,
// using a pipelined batch to avoid a round trip per row.  The returned slice
// carries the assigned IDs in input order.
func (r *detectionRepository) SaveBatch(ctx context.Context, detections []catalog.Detection) ([]catalog.Detection, error) {
	if len(detections) == 0 {
		return nil, nil
	}

	batch := &pgx.Batch{}
	for _, d := range detections {
		batch.Queue(insertDetectionQuery,
			d.ImageID, d.DatasetID,
			d.Pos.RA, d.Pos.Decl, d.RAErr, d.DeclErr,
			d.Pos.X, d.Pos.Y, d.Pos.Z,
			d.SemiMajor, d.SemiMinor, d.PositionAngle,
			d.Flux.Peak, d.Flux.PeakErr, d.Flux.Int, d.Flux.IntErr, d.Flux.DetSigma)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.CodeDatabaseError, "failed to begin detection batch")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	out := make([]catalog.Detection, len(detections))
	copy(out, detections)

	results := tx.SendBatch(ctx, batch)
	for i := range out {
		if err := results.QueryRow().Scan(&out[i].ID); err != nil {
			_ = results.Close()
			return nil, appErrors.Wrap(err, appErrors.CodeDatabaseError, "failed to insert detection")
		}
	}
	if err := results.Close(); err != nil {
		return nil, appErrors.Wrap(err, appErrors.CodeDatabaseError, "failed to close detection batch")
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, appErrors.Wrap(err, appErrors.CodeDatabaseError, "failed to commit detection batch")
	}

	r.logger.Debug("detections saved",
		logging.Int64("image_id", detections[0].ImageID),
		logging.Int("count", len(out)))
	return out, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// ListByImage
// ─────────────────────────────────────────────────────────────────────────────

func (r *detectionRepository) ListByImage(ctx context.Context, imageID int64) ([]catalog.Detection, error) {
	query := `
		SELECT ` + detectionColumns + `
		FROM extractedsources
		WHERE image_id = $1
		ORDER BY id`

	rows, err := r.pool.Query(ctx, query, imageID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.CodeDatabaseError, "failed to list detections")
	}
	defer rows.Close()

	var detections []catalog.Detection
	for rows.Next() {
		d, err := scanDetection(rows)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.CodeDatabaseError, "failed to scan detection")
		}
		detections = append(detections, d)
	}
	if err := rows.Err(); err != nil {
		return nil, appErrors.Wrap(err, appErrors.CodeDatabaseError, "failed to iterate detections")
	}
	return detections, nil
}
