package catalog

import (
	"context"
	"time"
)

// DatasetRepository persists dataset records.
type DatasetRepository interface {
	Create(ctx context.Context, description string) (int64, error)
	GetByID(ctx context.Context, id int64) (*Dataset, error)
	List(ctx context.Context) ([]*Dataset, error)
}

// ImageRepository persists image bookkeeping records.
type ImageRepository interface {
	Create(ctx context.Context, image *Image) (int64, error)
	GetByID(ctx context.Context, id int64) (*Image, error)
	// FindByObservation looks up a dataset's image by its observation
	// identity, the timestamp and effective frequency.  Registration uses it
	// to stay idempotent under redelivered batches; it returns nil, nil when
	// no such image exists.
	FindByObservation(ctx context.Context, datasetID int64, taustartTS time.Time, freqEffHz float64) (*Image, error)
	ListByDataset(ctx context.Context, datasetID int64) ([]*Image, error)
}

// DetectionRepository persists extracted detections.
type DetectionRepository interface {
	// SaveBatch stores the detections of one image and returns them with
	// their assigned IDs, in input order.
	SaveBatch(ctx context.Context, detections []Detection) ([]Detection, error)
	ListByImage(ctx context.Context, imageID int64) ([]Detection, error)
}

// RunningSourceRepository reads running-catalog state.  Writes happen only
// through the reconciler's transactional store, so the read contract and the
// write contract cannot drift apart in partial-failure scenarios.
type RunningSourceRepository interface {
	// Snapshot loads every active running source of a dataset with its
	// member detection IDs.
	Snapshot(ctx context.Context, datasetID int64) ([]RunningSource, error)
	GetByID(ctx context.Context, id int64) (*RunningSource, error)
	ListByDataset(ctx context.Context, datasetID int64, page, pageSize int) ([]RunningSource, int64, error)
	// VanishedForImage returns the dataset's active sources that gained no
	// member from the given image: the candidate transients.
	VanishedForImage(ctx context.Context, datasetID, imageID int64) ([]RunningSource, error)
}

// AssociationRepository reads persisted association rows.
type AssociationRepository interface {
	HistoryBySource(ctx context.Context, runningID int64) ([]AssociationRecord, error)
}
