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

// datasetRepository implements catalog.DatasetRepository.
type datasetRepository struct {
	pool   *pgxpool.Pool
	logger logging.Logger
}

// NewDatasetRepository creates a PostgreSQL-backed dataset repository.
func NewDatasetRepository(pool *pgxpool.Pool, logger logging.Logger) catalog.DatasetRepository {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &datasetRepository{pool: pool, logger: logger.Named("dataset_repo")}
}

// ─────────────────────────────────────────────────────────────────────────────
// Create
// ─────────────────────────────────────────────────────────────────────────────

func (r *datasetRepository) Create(ctx context.Context, description string) (int64, error) {
	query := `
		INSERT INTO datasets (description)
		VALUES ($1)
		RETURNING id`

	var id int64
	if err := r.pool.QueryRow(ctx, query, description).Scan(&id); err != nil {
		return 0, appErrors.Wrap(err, appErrors.CodeDatabaseError, "failed to create dataset")
	}

	r.logger.Debug("dataset created",
		logging.Int64("dataset_id", id),
		logging.String("description", description))
	return id, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// GetByID
// ─────────────────────────────────────────────────────────────────────────────

func (r *datasetRepository) GetByID(ctx context.Context, id int64) (*catalog.Dataset, error) {
	query := `
		SELECT id, description, created_at
		FROM datasets
		WHERE id = $1`

	var ds catalog.Dataset
	err := r.pool.QueryRow(ctx, query, id).Scan(&ds.ID, &ds.Description, &ds.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, appErrors.Newf(appErrors.ErrCodeDatasetNotFound, "dataset %d not found", id)
		}
		return nil, appErrors.Wrap(err, appErrors.CodeDatabaseError, "failed to get dataset")
	}
	return &ds, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// List
// ─────────────────────────────────────────────────────────────────────────────

func (r *datasetRepository) List(ctx context.Context) ([]*catalog.Dataset, error) {
	query := `
		SELECT id, description, created_at
		FROM datasets
		ORDER BY id`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.CodeDatabaseError, "failed to list datasets")
	}
	defer rows.Close()

	var datasets []*catalog.Dataset
	for rows.Next() {
		var ds catalog.Dataset
		if err := rows.Scan(&ds.ID, &ds.Description, &ds.CreatedAt); err != nil {
			return nil, appErrors.Wrap(err, appErrors.CodeDatabaseError, "failed to scan dataset")
		}
		datasets = append(datasets, &ds)
	}
	if err := rows.Err(); err != nil {
		return nil, appErrors.Wrap(err, appErrors.CodeDatabaseError, "failed to iterate datasets")
	}
	return datasets, nil
}
