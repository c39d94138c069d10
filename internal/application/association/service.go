package association

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/transientlab/skymatch/internal/domain/catalog"
	"github.com/transientlab/skymatch/internal/infrastructure/monitoring/logging"
	"github.com/transientlab/skymatch/pkg/errors"
)

// ─────────────────────────────────────────────────────────────────────────────
// Collaborator contracts
// ─────────────────────────────────────────────────────────────────────────────

// LockLease is a held per-dataset lock.  Unlock is safe to call with an
// already-cancelled request context.
type LockLease interface {
	Unlock(ctx context.Context) error
}

// DatasetLock serializes batches touching the same dataset.  TryLock returns
// a dataset-busy error when another holder has the dataset; that error is
// batch-fatal and the caller retries later.
type DatasetLock interface {
	TryLock(ctx context.Context, datasetID int64) (LockLease, error)
}

// DecisionPublisher emits committed batch outcomes to downstream consumers.
// Publication is best-effort: the catalog transaction has already committed
// when it runs.
type DecisionPublisher interface {
	PublishDecisions(ctx context.Context, batch DecisionBatch) error
}

// DecisionBatch is the published summary of one committed image batch.
// RunningIDs are real (post-reconciliation) identifiers.
type DecisionBatch struct {
	BatchID   string                        `json:"batch_id"`
	DatasetID int64                         `json:"dataset_id"`
	ImageID   int64                         `json:"image_id"`
	Decisions []catalog.AssociationDecision `json:"decisions"`
	CreatedAt time.Time                     `json:"created_at"`
}

// BatchObservation is the telemetry of one finished batch.
type BatchObservation struct {
	DatasetID     int64
	Duration      time.Duration
	New           int
	Matched       int
	Merged        int
	Skipped       int
	Deactivated   int
	IndexRebuilds int
	Stats         Stats
}

// BatchObserver receives batch telemetry.  The prometheus collector
// implements it; a nil observer disables recording.
type BatchObserver interface {
	ObserveBatch(obs BatchObservation)
}

// ─────────────────────────────────────────────────────────────────────────────
// Service
// ─────────────────────────────────────────────────────────────────────────────

// Service runs complete association batches: ingestion bookkeeping, the pure
// engine, transactional reconciliation and publication.
type Service interface {
	// ProcessImage associates one image's detections against the dataset's
	// running catalog.  Catalog writes are all-or-nothing: on error no
	// association state changes.  A newly registered image and its saved
	// detections do persist, so a failed batch is recoverable by
	// reprocessing the image.
	ProcessImage(ctx context.Context, input ProcessImageInput) (*ProcessImageResult, error)

	// VanishedSources lists the dataset's active sources that gained no
	// member from the given image, the candidate transients.
	VanishedSources(ctx context.Context, datasetID, imageID int64) ([]catalog.RunningSource, error)
}

// ProcessImageInput describes one image batch.
//
// Leave ImageID zero to register a new image carrying the given detections.
// A non-zero ImageID reprocesses an already-registered image from its
// persisted detections; Detections must then be empty.
type ProcessImageInput struct {
	DatasetID  int64
	ImageID    int64
	TaustartTS time.Time
	FreqEffHz  float64
	URL        string
	Detections []catalog.Detection

	// Theta and ZoneHeight override the service defaults when positive.
	Theta      float64
	ZoneHeight float64
}

// SkippedResult reports one rejected detection in serializable form.
type SkippedResult struct {
	DetectionID int64  `json:"detection_id"`
	Reason      string `json:"reason"`
}

// ProcessImageResult summarizes a committed batch.  RunningIDs in Decisions
// are real identifiers.
type ProcessImageResult struct {
	BatchID       string                        `json:"batch_id"`
	DatasetID     int64                         `json:"dataset_id"`
	ImageID       int64                         `json:"image_id"`
	Detections    int                           `json:"detections"`
	Decisions     []catalog.AssociationDecision `json:"decisions"`
	Skipped       []SkippedResult               `json:"skipped,omitempty"`
	New           int                           `json:"new"`
	Matched       int                           `json:"matched"`
	Merged        int                           `json:"merged"`
	Deactivated   int                           `json:"deactivated"`
	IndexRebuilds int                           `json:"index_rebuilds"`
	Stats         Stats                         `json:"stats"`
	Elapsed       time.Duration                 `json:"elapsed"`
}

// ServiceConfig holds the dependencies for constructing the batch service.
type ServiceConfig struct {
	Images         catalog.ImageRepository
	Detections     catalog.DetectionRepository
	RunningSources catalog.RunningSourceRepository
	Store          CatalogStore
	Lock           DatasetLock
	Publisher      DecisionPublisher // optional
	Observer       BatchObserver     // optional
	Defaults       Options
	Logger         logging.Logger
}

type serviceImpl struct {
	images     catalog.ImageRepository
	detections catalog.DetectionRepository
	sources    catalog.RunningSourceRepository
	reconciler *Reconciler
	lock       DatasetLock
	publisher  DecisionPublisher
	observer   BatchObserver
	defaults   Options
	logger     logging.Logger
}

// NewService constructs the batch service.  Returns an error if a mandatory
// dependency is missing or the default options are invalid.
func NewService(cfg ServiceConfig) (Service, error) {
	if cfg.Images == nil {
		return nil, errors.New(errors.CodeInvalidParam, "association service requires ImageRepository")
	}
	if cfg.Detections == nil {
		return nil, errors.New(errors.CodeInvalidParam, "association service requires DetectionRepository")
	}
	if cfg.RunningSources == nil {
		return nil, errors.New(errors.CodeInvalidParam, "association service requires RunningSourceRepository")
	}
	if cfg.Store == nil {
		return nil, errors.New(errors.CodeInvalidParam, "association service requires CatalogStore")
	}
	if cfg.Lock == nil {
		return nil, errors.New(errors.CodeInvalidParam, "association service requires DatasetLock")
	}
	if cfg.Logger == nil {
		return nil, errors.New(errors.CodeInvalidParam, "association service requires Logger")
	}
	if err := cfg.Defaults.Validate(); err != nil {
		return nil, err
	}
	return &serviceImpl{
		images:     cfg.Images,
		detections: cfg.Detections,
		sources:    cfg.RunningSources,
		reconciler: NewReconciler(cfg.Store, cfg.Logger),
		lock:       cfg.Lock,
		publisher:  cfg.Publisher,
		observer:   cfg.Observer,
		defaults:   cfg.Defaults,
		logger:     cfg.Logger.Named("association"),
	}, nil
}

func (s *serviceImpl) ProcessImage(ctx context.Context, input ProcessImageInput) (*ProcessImageResult, error) {
	start := time.Now()
	if input.DatasetID <= 0 {
		return nil, errors.Newf(errors.CodeInvalidParam, "dataset id must be positive, got %d", input.DatasetID)
	}
	if input.ImageID == 0 && input.TaustartTS.IsZero() {
		return nil, errors.New(errors.CodeInvalidParam, "new image requires an observation timestamp")
	}
	if input.ImageID != 0 && len(input.Detections) > 0 {
		return nil, errors.New(errors.CodeInvalidParam,
			"reprocessing an existing image uses its persisted detections; do not pass new ones")
	}

	opts := s.defaults
	if input.Theta > 0 {
		opts.Theta = input.Theta
	}
	if input.ZoneHeight > 0 {
		opts.ZoneHeight = input.ZoneHeight
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	batchID := uuid.NewString()
	log := s.logger.With(
		logging.String("batch_id", batchID),
		logging.Int64("dataset_id", input.DatasetID))

	lease, err := s.lock.TryLock(ctx, input.DatasetID)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := lease.Unlock(context.WithoutCancel(ctx)); err != nil {
			log.Warn("dataset lock release failed", logging.Err(err))
		}
	}()

	imageID, detections, err := s.resolveImage(ctx, input)
	if err != nil {
		return nil, err
	}
	log = log.With(logging.Int64("image_id", imageID))

	sources, err := s.sources.Snapshot(ctx, input.DatasetID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeSnapshotFailed, "loading running-catalog snapshot")
	}

	result, err := Associate(Snapshot{DatasetID: input.DatasetID, Sources: sources}, detections, opts)
	if err != nil {
		return nil, err
	}

	idMap, err := s.reconciler.Apply(ctx, result)
	if err != nil {
		return nil, err
	}
	decisions := RemapDecisions(result.Decisions, idMap)

	if s.publisher != nil {
		batch := DecisionBatch{
			BatchID:   batchID,
			DatasetID: input.DatasetID,
			ImageID:   imageID,
			Decisions: decisions,
			CreatedAt: time.Now().UTC(),
		}
		if err := s.publisher.PublishDecisions(ctx, batch); err != nil {
			log.Warn("decision publication failed", logging.Err(err))
		}
	}

	out := s.buildResult(batchID, input.DatasetID, imageID, len(detections), decisions, result, time.Since(start))
	if s.observer != nil {
		s.observer.ObserveBatch(BatchObservation{
			DatasetID:     input.DatasetID,
			Duration:      out.Elapsed,
			New:           out.New,
			Matched:       out.Matched,
			Merged:        out.Merged,
			Skipped:       len(out.Skipped),
			Deactivated:   out.Deactivated,
			IndexRebuilds: out.IndexRebuilds,
			Stats:         out.Stats,
		})
	}

	log.Info("image batch associated",
		logging.Int("detections", out.Detections),
		logging.Int("new", out.New),
		logging.Int("matched", out.Matched),
		logging.Int("merged", out.Merged),
		logging.Int("skipped", len(out.Skipped)),
		logging.Int("index_rebuilds", out.IndexRebuilds),
		logging.Duration("elapsed", out.Elapsed))
	return out, nil
}

// resolveImage registers a new image with its detections, or loads the
// persisted detections of an existing one.
//
// Registration resolves by observation identity before creating anything, so
// a redelivered batch converges on the image its first attempt registered
// instead of minting a duplicate.  The dataset lock is already held here,
// which keeps the find-then-create sequence race-free within a dataset.
func (s *serviceImpl) resolveImage(ctx context.Context, input ProcessImageInput) (int64, []catalog.Detection, error) {
	if input.ImageID != 0 {
		img, err := s.images.GetByID(ctx, input.ImageID)
		if err != nil {
			return 0, nil, err
		}
		if img.DatasetID != input.DatasetID {
			return 0, nil, errors.Newf(errors.CodeInvalidParam,
				"image %d belongs to dataset %d, not %d", input.ImageID, img.DatasetID, input.DatasetID)
		}
		detections, err := s.detections.ListByImage(ctx, input.ImageID)
		if err != nil {
			return 0, nil, err
		}
		return input.ImageID, detections, nil
	}

	var imageID int64
	existing, err := s.images.FindByObservation(ctx, input.DatasetID, input.TaustartTS, input.FreqEffHz)
	if err != nil {
		return 0, nil, err
	}
	if existing != nil {
		persisted, err := s.detections.ListByImage(ctx, existing.ID)
		if err != nil {
			return 0, nil, err
		}
		if len(persisted) > 0 {
			s.logger.Info("image already registered, resuming from persisted detections",
				logging.Int64("image_id", existing.ID),
				logging.Int("detections", len(persisted)))
			return existing.ID, persisted, nil
		}
		// Registered image with no detections: the first attempt died between
		// the two writes.  Save the payload against the existing row.
		imageID = existing.ID
	} else {
		imageID, err = s.images.Create(ctx, &catalog.Image{
			DatasetID:  input.DatasetID,
			TaustartTS: input.TaustartTS,
			FreqEffHz:  input.FreqEffHz,
			URL:        input.URL,
		})
		if err != nil {
			return 0, nil, err
		}
	}

	toSave := make([]catalog.Detection, len(input.Detections))
	copy(toSave, input.Detections)
	for i := range toSave {
		toSave[i].ImageID = imageID
		toSave[i].DatasetID = input.DatasetID
	}
	saved, err := s.detections.SaveBatch(ctx, toSave)
	if err != nil {
		return 0, nil, err
	}
	return imageID, saved, nil
}

func (s *serviceImpl) buildResult(batchID string, datasetID, imageID int64, detections int,
	decisions []catalog.AssociationDecision, result Result, elapsed time.Duration) *ProcessImageResult {

	out := &ProcessImageResult{
		BatchID:       batchID,
		DatasetID:     datasetID,
		ImageID:       imageID,
		Detections:    detections,
		Decisions:     decisions,
		Deactivated:   len(result.Deactivated),
		IndexRebuilds: result.IndexRebuilds,
		Stats:         result.Stats,
		Elapsed:       elapsed,
	}
	for _, d := range decisions {
		switch d.Kind {
		case catalog.DecisionNew:
			out.New++
		case catalog.DecisionMatch:
			out.Matched++
		case catalog.DecisionMerge:
			out.Merged++
		}
	}
	for _, sk := range result.Skipped {
		out.Skipped = append(out.Skipped, SkippedResult{
			DetectionID: sk.DetectionID,
			Reason:      sk.Err.Error(),
		})
	}
	return out
}

func (s *serviceImpl) VanishedSources(ctx context.Context, datasetID, imageID int64) ([]catalog.RunningSource, error) {
	if datasetID <= 0 || imageID <= 0 {
		return nil, errors.New(errors.CodeInvalidParam, "dataset id and image id must be positive")
	}
	img, err := s.images.GetByID(ctx, imageID)
	if err != nil {
		return nil, err
	}
	if img.DatasetID != datasetID {
		return nil, errors.Newf(errors.CodeInvalidParam,
			"image %d belongs to dataset %d, not %d", imageID, img.DatasetID, datasetID)
	}
	return s.sources.VanishedForImage(ctx, datasetID, imageID)
}
