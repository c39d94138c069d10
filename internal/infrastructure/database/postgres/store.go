package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/transientlab/skymatch/internal/application/association"
	"github.com/transientlab/skymatch/internal/domain/catalog"
	"github.com/transientlab/skymatch/internal/infrastructure/monitoring/logging"
	appErrors "github.com/transientlab/skymatch/pkg/errors"
)

// ─────────────────────────────────────────────────────────────────────────────
// Store — transactional write surface for the reconciler
// ─────────────────────────────────────────────────────────────────────────────

// Store opens catalog transactions for the association reconciler.  Every
// batch outcome is applied inside exactly one transaction; a failure anywhere
// rolls back the whole batch.
//
// The zone columns written here use fixed one-degree declination zones.  That
// is a storage convention for range scans and is independent of the zone
// height the in-memory candidate index is configured with.
type Store struct {
	pool   *pgxpool.Pool
	logger logging.Logger
}

// NewStore creates a catalog store over the given pool.
func NewStore(pool *pgxpool.Pool, logger logging.Logger) *Store {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Store{pool: pool, logger: logger.Named("catalog_store")}
}

var _ association.CatalogStore = (*Store)(nil)

// InTx runs fn inside a database transaction.  fn's error, or any
// begin/commit failure, rolls the transaction back and is returned.
func (s *Store) InTx(ctx context.Context, fn func(tx association.CatalogTx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return appErrors.Wrap(err, appErrors.CodeDatabaseError, "failed to begin catalog transaction")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := fn(&catalogTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return appErrors.Wrap(err, appErrors.CodeDatabaseError, "failed to commit catalog transaction")
	}
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// catalogTx
// ─────────────────────────────────────────────────────────────────────────────

type catalogTx struct {
	tx pgx.Tx
}

var _ association.CatalogTx = (*catalogTx)(nil)

// InsertRunningSource persists a new running source and returns the assigned
// ID.  The incoming provisional ID is ignored; identity comes from the
// sequence.
func (t *catalogTx) InsertRunningSource(ctx context.Context, src catalog.RunningSource) (int64, error) {
	query := `
		INSERT INTO runningcatalog (
			dataset_id, first_xtrsrc_id, datapoints, zone,
			wm_ra, wm_decl, wm_ra_err, wm_decl_err,
			sum_ra_weight, sum_wra, sum_decl_weight, sum_wdecl,
			x, y, z, active
		) VALUES (
			$1, $2, $3, FLOOR($5)::INT,
			$4, $5, $6, $7,
			$8, $9, $10, $11,
			$12, $13, $14, $15
		)
		RETURNING id`

	var id int64
	err := t.tx.QueryRow(ctx, query,
		src.DatasetID, src.FirstDetectionID, src.Datapoints,
		src.WMPos.RA, src.WMPos.Decl, src.WMRAErr, src.WMDeclErr,
		src.SumRAWeight, src.SumWRA, src.SumDeclWeight, src.SumWDecl,
		src.WMPos.X, src.WMPos.Y, src.WMPos.Z, src.Active,
	).Scan(&id)
	if err != nil {
		return 0, appErrors.Wrap(err, appErrors.CodeDatabaseError, "failed to insert running source")
	}
	return id, nil
}

// UpdateRunningSource overwrites the accumulator state of an existing source.
// The active flag is not touched here; deactivation has its own operation.
func (t *catalogTx) UpdateRunningSource(ctx context.Context, src catalog.RunningSource) error {
	query := `
		UPDATE runningcatalog SET
			datapoints      = $2,
			zone            = FLOOR($4)::INT,
			wm_ra           = $3,
			wm_decl         = $4,
			wm_ra_err       = $5,
			wm_decl_err     = $6,
			sum_ra_weight   = $7,
			sum_wra         = $8,
			sum_decl_weight = $9,
			sum_wdecl       = $10,
			x               = $11,
			y               = $12,
			z               = $13,
			updated_at      = NOW()
		WHERE id = $1`

	tag, err := t.tx.Exec(ctx, query,
		src.ID, src.Datapoints,
		src.WMPos.RA, src.WMPos.Decl, src.WMRAErr, src.WMDeclErr,
		src.SumRAWeight, src.SumWRA, src.SumDeclWeight, src.SumWDecl,
		src.WMPos.X, src.WMPos.Y, src.WMPos.Z,
	)
	if err != nil {
		return appErrors.Wrap(err, appErrors.CodeDatabaseError, "failed to update running source")
	}
	if tag.RowsAffected() == 0 {
		return appErrors.Newf(appErrors.ErrCodeSourceNotFound,
			"running source %d does not exist", src.ID)
	}
	return nil
}

// DeactivateRunningSources marks merge losers inactive.  Rows stay in place
// for lineage queries; future snapshots no longer see them.
func (t *catalogTx) DeactivateRunningSources(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	query := `
		UPDATE runningcatalog
		SET active = FALSE, updated_at = NOW()
		WHERE id = ANY($1)`

	if _, err := t.tx.Exec(ctx, query, ids); err != nil {
		return appErrors.Wrap(err, appErrors.CodeDatabaseError, "failed to deactivate running sources")
	}
	return nil
}

// RelabelAssociations re-points a merge loser's membership rows at the
// survivor, stamping them with the relabel type.  A row whose detection is
// already a member of the survivor would violate the membership uniqueness
// constraint; such duplicates are dropped instead of moved.  Re-running the
// relabel is a no-op because the loser has no rows left.
func (t *catalogTx) RelabelAssociations(ctx context.Context, fromID, toID int64) (int64, error) {
	moveQuery := `
		UPDATE assocxtrsources a
		SET runcat_id = $2, assoc_type = $3
		WHERE a.runcat_id = $1
		  AND NOT EXISTS (
			SELECT 1 FROM assocxtrsources b
			WHERE b.runcat_id = $2 AND b.xtrsrc_id = a.xtrsrc_id
		  )`

	tag, err := t.tx.Exec(ctx, moveQuery, fromID, toID, catalog.AssocTypeMergeRelabel)
	if err != nil {
		return 0, appErrors.Wrap(err, appErrors.CodeDatabaseError, "failed to relabel associations")
	}
	moved := tag.RowsAffected()

	dropQuery := `DELETE FROM assocxtrsources WHERE runcat_id = $1`
	if _, err := t.tx.Exec(ctx, dropQuery, fromID); err != nil {
		return 0, appErrors.Wrap(err, appErrors.CodeDatabaseError, "failed to drop duplicate associations")
	}
	return moved, nil
}

// InsertAssociation records one detection-to-source membership row.
// Re-inserting an existing (runcat_id, xtrsrc_id) pair is a no-op, which
// makes batch replays after partial failures safe.
func (t *catalogTx) InsertAssociation(ctx context.Context, rec catalog.AssociationRecord) error {
	query := `
		INSERT INTO assocxtrsources (
			runcat_id, xtrsrc_id, assoc_type, distance_arcsec, de_ruiter_r
		) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (runcat_id, xtrsrc_id) DO NOTHING`

	_, err := t.tx.Exec(ctx, query,
		rec.RunningID, rec.DetectionID, rec.Type, rec.DistanceArcsec, rec.DeRuiterR)
	if err != nil {
		return appErrors.Wrap(err, appErrors.CodeDatabaseError, "failed to insert association")
	}
	return nil
}
