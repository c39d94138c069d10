package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/transientlab/skymatch/internal/domain/catalog"
	"github.com/transientlab/skymatch/internal/infrastructure/monitoring/logging"
	appErrors "github.com/transientlab/skymatch/pkg/errors"
)

// imageRepository implements catalog.ImageRepository.
type imageRepository struct {
	pool   *pgxpool.Pool
	logger logging.Logger
}

// NewImageRepository creates a PostgreSQL-backed image repository.
func NewImageRepository(pool *pgxpool.Pool, logger logging.Logger) catalog.ImageRepository {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &imageRepository{pool: pool, logger: logger.Named("image_repo")}
}

// ─────────────────────────────────────────────────────────────────────────────
// Create
// ─────────────────────────────────────────────────────────────────────────────

// Create persists an image record and fills in its assigned ID and creation
// timestamp.
func (r *imageRepository) Create(ctx context.Context, image *catalog.Image) (int64, error) {
	query := `
		INSERT INTO images (dataset_id, taustart_ts, freq_eff_hz, url)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at`

	err := r.pool.QueryRow(ctx, query,
		image.DatasetID, image.TaustartTS, image.FreqEffHz, image.URL,
	).Scan(&image.ID, &image.CreatedAt)
	if err != nil {
		return 0, appErrors.Wrap(err, appErrors.CodeDatabaseError, "failed to create image")
	}

	r.logger.Debug("image created",
		logging.Int64("image_id", image.ID),
		logging.Int64("dataset_id", image.DatasetID))
	return image.ID, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// GetByID
// ─────────────────────────────────────────────────────────────────────────────

func (r *imageRepository) GetByID(ctx context.Context, id int64) (*catalog.Image, error) {
	query := `
		SELECT id, dataset_id, taustart_ts, freq_eff_hz, url, created_at
		FROM images
		WHERE id = $1`

	var img catalog.Image
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&img.ID, &img.DatasetID, &img.TaustartTS, &img.FreqEffHz, &img.URL, &img.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, appErrors.Newf(appErrors.ErrCodeImageNotFound, "image %d not found", id)
		}
		return nil, appErrors.Wrap(err, appErrors.CodeDatabaseError, "failed to get image")
	}
	return &img, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// FindByObservation
// ─────────────────────────────────────────────────────────────────────────────

// FindByObservation resolves an image by its observation identity within a
// dataset.  Returns nil, nil when no image matches; the lowest ID wins if
// duplicates were ever created out-of-band.
func (r *imageRepository) FindByObservation(ctx context.Context, datasetID int64, taustartTS time.Time, freqEffHz float64) (*catalog.Image, error) {
	query := `
		SELECT id, dataset_id, taustart_ts, freq_eff_hz, url, created_at
		FROM images
		WHERE dataset_id = $1 AND taustart_ts = $2 AND freq_eff_hz = $3
		ORDER BY id
		LIMIT 1`

	var img catalog.Image
	err := r.pool.QueryRow(ctx, query, datasetID, taustartTS, freqEffHz).Scan(
		&img.ID, &img.DatasetID, &img.TaustartTS, &img.FreqEffHz, &img.URL, &img.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, appErrors.Wrap(err, appErrors.CodeDatabaseError, "failed to find image by observation")
	}
	return &img, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// ListByDataset
// ─────────────────────────────────────────────────────────────────────────────

// ListByDataset returns a dataset's images in observation order.
func (r *imageRepository) ListByDataset(ctx context.Context, datasetID int64) ([]*catalog.Image, error) {
	query := `
		SELECT id, dataset_id, taustart_ts, freq_eff_hz, url, created_at
		FROM images
		WHERE dataset_id = $1
		ORDER BY taustart_ts, id`

	rows, err := r.pool.Query(ctx, query, datasetID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.CodeDatabaseError, "failed to list images")
	}
	defer rows.Close()

	var images []*catalog.Image
	for rows.Next() {
		var img catalog.Image
		if err := rows.Scan(
			&img.ID, &img.DatasetID, &img.TaustartTS, &img.FreqEffHz, &img.URL, &img.CreatedAt,
		); err != nil {
			return nil, appErrors.Wrap(err, appErrors.CodeDatabaseError, "failed to scan image")
		}
		images = append(images, &img)
	}
	if err := rows.Err(); err != nil {
		return nil, appErrors.Wrap(err, appErrors.CodeDatabaseError, "failed to iterate images")
	}
	return images, nil
}
