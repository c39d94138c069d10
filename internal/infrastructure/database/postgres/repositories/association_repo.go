package repositories

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/transientlab/skymatch/internal/domain/catalog"
	"github.com/transientlab/skymatch/internal/infrastructure/monitoring/logging"
	appErrors "github.com/transientlab/skymatch/pkg/errors"
)

// associationRepository implements catalog.AssociationRepository.
type associationRepository struct {
	pool   *pgxpool.Pool
	logger logging.Logger
}

// NewAssociationRepository creates a PostgreSQL-backed association
// repository.
func NewAssociationRepository(pool *pgxpool.Pool, logger logging.Logger) catalog.AssociationRepository {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &associationRepository{pool: pool, logger: logger.Named("association_repo")}
}

// ─────────────────────────────────────────────────────────────────────────────
// HistoryBySource
// ─────────────────────────────────────────────────────────────────────────────

// HistoryBySource returns a running source's membership rows in insertion
// order.  Rows re-pointed from merge losers are included and identifiable by
// their relabel type.
func (r *associationRepository) HistoryBySource(ctx context.Context, runningID int64) ([]catalog.AssociationRecord, error) {
	query := `
		SELECT id, runcat_id, xtrsrc_id, assoc_type, distance_arcsec, de_ruiter_r, created_at
		FROM assocxtrsources
		WHERE runcat_id = $1
		ORDER BY id`

	rows, err := r.pool.Query(ctx, query, runningID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.CodeDatabaseError, "failed to query association history")
	}
	defer rows.Close()

	var records []catalog.AssociationRecord
	for rows.Next() {
		var rec catalog.AssociationRecord
		if err := rows.Scan(
			&rec.ID, &rec.RunningID, &rec.DetectionID, &rec.Type,
			&rec.DistanceArcsec, &rec.DeRuiterR, &rec.CreatedAt,
		); err != nil {
			return nil, appErrors.Wrap(err, appErrors.CodeDatabaseError, "failed to scan association")
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, appErrors.Wrap(err, appErrors.CodeDatabaseError, "failed to iterate associations")
	}
	return records, nil
}
