package repositories

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/transientlab/skymatch/internal/domain/catalog"
	"github.com/transientlab/skymatch/internal/infrastructure/monitoring/logging"
	appErrors "github.com/transientlab/skymatch/pkg/errors"
)

// runningSourceRepository implements catalog.RunningSourceRepository.  It is
// a read-only view: every write to the running catalog goes through the
// reconciler's transactional store.
type runningSourceRepository struct {
	pool   *pgxpool.Pool
	logger logging.Logger
}

// NewRunningSourceRepository creates a PostgreSQL-backed running-source
// repository.
func NewRunningSourceRepository(pool *pgxpool.Pool, logger logging.Logger) catalog.RunningSourceRepository {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &runningSourceRepository{pool: pool, logger: logger.Named("runningsource_repo")}
}

// collectRunningSources drains a running-source result set, closing it.
func collectRunningSources(rows pgx.Rows) ([]catalog.RunningSource, error) {
	defer rows.Close()

	var sources []catalog.RunningSource
	for rows.Next() {
		rs, err := scanRunningSource(rows)
		if err != nil {
			return nil, err
		}
		sources = append(sources, rs)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return sources, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Snapshot
// ─────────────────────────────────────────────────────────────────────────────

// Snapshot loads every active running source of a dataset together with its
// member detection IDs.  The engine associates an image against this view,
// so a failure here aborts the whole batch before any state changes.
func (r *runningSourceRepository) Snapshot(ctx context.Context, datasetID int64) ([]catalog.RunningSource, error) {
	query := `
		SELECT ` + runningSourceColumns + `
		FROM runningcatalog r
		LEFT JOIN assocxtrsources a ON a.runcat_id = r.id
		WHERE r.dataset_id = $1 AND r.active
		GROUP BY r.id
		ORDER BY r.id`

	rows, err := r.pool.Query(ctx, query, datasetID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrCodeSnapshotFailed, "failed to load catalog snapshot")
	}

	sources, err := collectRunningSources(rows)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrCodeSnapshotFailed, "failed to read catalog snapshot")
	}

	r.logger.Debug("catalog snapshot loaded",
		logging.Int64("dataset_id", datasetID),
		logging.Int("sources", len(sources)))
	return sources, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// GetByID
// ─────────────────────────────────────────────────────────────────────────────

// GetByID returns a running source by ID.  Inactive sources are returned as
// well: rows retired by a merge stay reachable for lineage inspection.
func (r *runningSourceRepository) GetByID(ctx context.Context, id int64) (*catalog.RunningSource, error) {
	query := `
		SELECT ` + runningSourceColumns + `
		FROM runningcatalog r
		LEFT JOIN assocxtrsources a ON a.runcat_id = r.id
		WHERE r.id = $1
		GROUP BY r.id`

	rs, err := scanRunningSource(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, appErrors.Newf(appErrors.ErrCodeSourceNotFound, "running source %d not found", id)
		}
		return nil, appErrors.Wrap(err, appErrors.CodeDatabaseError, "failed to get running source")
	}
	return &rs, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// ListByDataset
// ─────────────────────────────────────────────────────────────────────────────

// ListByDataset pages through a dataset's active sources ordered by ID and
// reports the total active count for pagination headers.
func (r *runningSourceRepository) ListByDataset(ctx context.Context, datasetID int64, page, pageSize int) ([]catalog.RunningSource, int64, error) {
	var total int64
	countQuery := `
		SELECT COUNT(*)
		FROM runningcatalog
		WHERE dataset_id = $1 AND active`
	if err := r.pool.QueryRow(ctx, countQuery, datasetID).Scan(&total); err != nil {
		return nil, 0, appErrors.Wrap(err, appErrors.CodeDatabaseError, "failed to count running sources")
	}

	limit, offset := normalizePage(page, pageSize)
	query := `
		SELECT ` + runningSourceColumns + `
		FROM runningcatalog r
		LEFT JOIN assocxtrsources a ON a.runcat_id = r.id
		WHERE r.dataset_id = $1 AND r.active
		GROUP BY r.id
		ORDER BY r.id
		LIMIT $2 OFFSET $3`

	rows, err := r.pool.Query(ctx, query, datasetID, limit, offset)
	if err != nil {
		return nil, 0, appErrors.Wrap(err, appErrors.CodeDatabaseError, "failed to list running sources")
	}

	sources, err := collectRunningSources(rows)
	if err != nil {
		return nil, 0, appErrors.Wrap(err, appErrors.CodeDatabaseError, "failed to read running sources")
	}
	return sources, total, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// VanishedForImage
// ─────────────────────────────────────────────────────────────────────────────

// VanishedForImage returns the dataset's active sources without a member
// detection from the given image: sources that were expected but not seen,
// the candidate transients.
func (r *runningSourceRepository) VanishedForImage(ctx context.Context, datasetID, imageID int64) ([]catalog.RunningSource, error) {
	query := `
		SELECT ` + runningSourceColumns + `
		FROM runningcatalog r
		LEFT JOIN assocxtrsources a ON a.runcat_id = r.id
		WHERE r.dataset_id = $1 AND r.active
		  AND NOT EXISTS (
			SELECT 1
			FROM assocxtrsources ax
			JOIN extractedsources e ON e.id = ax.xtrsrc_id
			WHERE ax.runcat_id = r.id AND e.image_id = $2
		  )
		GROUP BY r.id
		ORDER BY r.id`

	rows, err := r.pool.Query(ctx, query, datasetID, imageID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.CodeDatabaseError, "failed to query vanished sources")
	}

	sources, err := collectRunningSources(rows)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.CodeDatabaseError, "failed to read vanished sources")
	}
	return sources, nil
}
