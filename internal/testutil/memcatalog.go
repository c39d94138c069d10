package testutil

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/transientlab/skymatch/internal/application/association"
	"github.com/transientlab/skymatch/internal/domain/catalog"
	appErrors "github.com/transientlab/skymatch/pkg/errors"
)

const (
	memDefaultPageSize = 50
	memMaxPageSize     = 500
)

// MemCatalog is an in-memory catalog backing the repository interfaces the
// association service consumes, plus the reconciler's transactional store.
// InTx snapshots the mutable state before running the callback, so an error
// genuinely rolls the batch back and tests can assert all-or-nothing
// semantics without postgres.
//
// The repository views share one mutex; facet accessors (Images, Sources, …)
// return interface-typed views of the same store.
type MemCatalog struct {
	mu sync.Mutex

	nextDatasetID   int64
	nextImageID     int64
	nextDetectionID int64
	nextSourceID    int64
	nextAssocID     int64

	datasets     map[int64]catalog.Dataset
	images       map[int64]catalog.Image
	byImage      map[int64][]catalog.Detection
	dets         map[int64]catalog.Detection
	sources      map[int64]catalog.RunningSource
	associations []catalog.AssociationRecord

	// Failure hooks.  TxErr aborts InTx before the callback runs.
	// SnapshotErr fails Snapshot.  AssociationErr fails InsertAssociation
	// inside the transaction, forcing a rollback mid-batch.
	TxErr          error
	SnapshotErr    error
	AssociationErr error
}

var _ association.CatalogStore = (*MemCatalog)(nil)

// NewMemCatalog creates an empty in-memory catalog.
func NewMemCatalog() *MemCatalog {
	return &MemCatalog{
		datasets: make(map[int64]catalog.Dataset),
		images:   make(map[int64]catalog.Image),
		byImage:  make(map[int64][]catalog.Detection),
		dets:     make(map[int64]catalog.Detection),
		sources:  make(map[int64]catalog.RunningSource),
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Seeding and inspection helpers
// ─────────────────────────────────────────────────────────────────────────────

// AddDataset seeds a dataset and returns its ID.
func (m *MemCatalog) AddDataset(description string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextDatasetID++
	id := m.nextDatasetID
	m.datasets[id] = catalog.Dataset{ID: id, Description: description, CreatedAt: time.Now().UTC()}
	return id
}

// AddSource seeds a running source directly, bypassing the transaction
// surface.  A zero ID is assigned; an explicit positive ID is honored.
func (m *MemCatalog) AddSource(src catalog.RunningSource) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if src.ID == 0 {
		m.nextSourceID++
		src.ID = m.nextSourceID
	} else if src.ID > m.nextSourceID {
		m.nextSourceID = src.ID
	}
	m.sources[src.ID] = copySource(src)
	return src.ID
}

// AddAssociation seeds a membership row directly, bypassing the transaction
// surface.
func (m *MemCatalog) AddAssociation(rec catalog.AssociationRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextAssocID++
	rec.ID = m.nextAssocID
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	m.associations = append(m.associations, rec)
}

// SourceByID returns a stored source without error wrapping, for direct
// assertions.
func (m *MemCatalog) SourceByID(id int64) (catalog.RunningSource, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	src, ok := m.sources[id]
	if !ok {
		return catalog.RunningSource{}, false
	}
	return copySource(src), true
}

// AssociationsFor returns the stored membership rows of one running source,
// in insertion order.
func (m *MemCatalog) AssociationsFor(runningID int64) []catalog.AssociationRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []catalog.AssociationRecord
	for _, rec := range m.associations {
		if rec.RunningID == runningID {
			out = append(out, rec)
		}
	}
	return out
}

func copySource(src catalog.RunningSource) catalog.RunningSource {
	out := src
	out.Members = append([]int64(nil), src.Members...)
	return out
}

// ─────────────────────────────────────────────────────────────────────────────
// Transactional store (association.CatalogStore)
// ─────────────────────────────────────────────────────────────────────────────

// InTx runs fn against the live state under a restore point.  fn's error
// restores the pre-transaction state and is returned.
func (m *MemCatalog) InTx(ctx context.Context, fn func(tx association.CatalogTx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.TxErr != nil {
		return m.TxErr
	}

	backupSources := make(map[int64]catalog.RunningSource, len(m.sources))
	for id, src := range m.sources {
		backupSources[id] = copySource(src)
	}
	backupAssocs := append([]catalog.AssociationRecord(nil), m.associations...)
	backupNextSource, backupNextAssoc := m.nextSourceID, m.nextAssocID

	if err := fn(&memTx{m: m}); err != nil {
		m.sources = backupSources
		m.associations = backupAssocs
		m.nextSourceID, m.nextAssocID = backupNextSource, backupNextAssoc
		return err
	}
	return nil
}

// memTx mutates the catalog directly; InTx holds the mutex for the whole
// transaction.
type memTx struct {
	m *MemCatalog
}

var _ association.CatalogTx = (*memTx)(nil)

func (t *memTx) InsertRunningSource(_ context.Context, src catalog.RunningSource) (int64, error) {
	t.m.nextSourceID++
	src.ID = t.m.nextSourceID
	t.m.sources[src.ID] = copySource(src)
	return src.ID, nil
}

func (t *memTx) UpdateRunningSource(_ context.Context, src catalog.RunningSource) error {
	existing, ok := t.m.sources[src.ID]
	if !ok {
		return appErrors.Newf(appErrors.ErrCodeSourceNotFound,
			"running source %d does not exist", src.ID)
	}
	src.Active = existing.Active
	t.m.sources[src.ID] = copySource(src)
	return nil
}

func (t *memTx) DeactivateRunningSources(_ context.Context, ids []int64) error {
	for _, id := range ids {
		if src, ok := t.m.sources[id]; ok {
			src.Active = false
			t.m.sources[id] = src
		}
	}
	return nil
}

func (t *memTx) RelabelAssociations(_ context.Context, fromID, toID int64) (int64, error) {
	taken := make(map[int64]bool)
	for _, rec := range t.m.associations {
		if rec.RunningID == toID {
			taken[rec.DetectionID] = true
		}
	}

	var moved int64
	kept := t.m.associations[:0]
	for _, rec := range t.m.associations {
		if rec.RunningID != fromID {
			kept = append(kept, rec)
			continue
		}
		if taken[rec.DetectionID] {
			continue // duplicate membership is dropped, not moved
		}
		rec.RunningID = toID
		rec.Type = catalog.AssocTypeMergeRelabel
		kept = append(kept, rec)
		moved++
	}
	t.m.associations = kept
	return moved, nil
}

func (t *memTx) InsertAssociation(_ context.Context, rec catalog.AssociationRecord) error {
	if t.m.AssociationErr != nil {
		return t.m.AssociationErr
	}
	for _, existing := range t.m.associations {
		if existing.RunningID == rec.RunningID && existing.DetectionID == rec.DetectionID {
			return nil
		}
	}
	t.m.nextAssocID++
	rec.ID = t.m.nextAssocID
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	t.m.associations = append(t.m.associations, rec)
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Repository facets
// ─────────────────────────────────────────────────────────────────────────────

// Datasets returns the catalog.DatasetRepository view.
func (m *MemCatalog) Datasets() catalog.DatasetRepository { return datasetFacet{m} }

// Images returns the catalog.ImageRepository view.
func (m *MemCatalog) Images() catalog.ImageRepository { return imageFacet{m} }

// Detections returns the catalog.DetectionRepository view.
func (m *MemCatalog) Detections() catalog.DetectionRepository { return detectionFacet{m} }

// Sources returns the catalog.RunningSourceRepository view.
func (m *MemCatalog) Sources() catalog.RunningSourceRepository { return sourceFacet{m} }

// Associations returns the catalog.AssociationRepository view.
func (m *MemCatalog) Associations() catalog.AssociationRepository { return assocFacet{m} }

type datasetFacet struct{ m *MemCatalog }

func (f datasetFacet) Create(_ context.Context, description string) (int64, error) {
	return f.m.AddDataset(description), nil
}

func (f datasetFacet) GetByID(_ context.Context, id int64) (*catalog.Dataset, error) {
	f.m.mu.Lock()
	defer f.m.mu.Unlock()
	ds, ok := f.m.datasets[id]
	if !ok {
		return nil, appErrors.Newf(appErrors.ErrCodeDatasetNotFound, "dataset %d not found", id)
	}
	out := ds
	return &out, nil
}

func (f datasetFacet) List(_ context.Context) ([]*catalog.Dataset, error) {
	f.m.mu.Lock()
	defer f.m.mu.Unlock()
	out := make([]*catalog.Dataset, 0, len(f.m.datasets))
	for _, ds := range f.m.datasets {
		copied := ds
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

type imageFacet struct{ m *MemCatalog }

func (f imageFacet) Create(_ context.Context, image *catalog.Image) (int64, error) {
	f.m.mu.Lock()
	defer f.m.mu.Unlock()
	f.m.nextImageID++
	stored := *image
	stored.ID = f.m.nextImageID
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	f.m.images[stored.ID] = stored
	return stored.ID, nil
}

func (f imageFacet) GetByID(_ context.Context, id int64) (*catalog.Image, error) {
	f.m.mu.Lock()
	defer f.m.mu.Unlock()
	img, ok := f.m.images[id]
	if !ok {
		return nil, appErrors.Newf(appErrors.ErrCodeImageNotFound, "image %d not found", id)
	}
	out := img
	return &out, nil
}

func (f imageFacet) FindByObservation(_ context.Context, datasetID int64, taustartTS time.Time, freqEffHz float64) (*catalog.Image, error) {
	f.m.mu.Lock()
	defer f.m.mu.Unlock()
	var found *catalog.Image
	for _, img := range f.m.images {
		if img.DatasetID != datasetID || !img.TaustartTS.Equal(taustartTS) || img.FreqEffHz != freqEffHz {
			continue
		}
		if found == nil || img.ID < found.ID {
			copied := img
			found = &copied
		}
	}
	return found, nil
}

func (f imageFacet) ListByDataset(_ context.Context, datasetID int64) ([]*catalog.Image, error) {
	f.m.mu.Lock()
	defer f.m.mu.Unlock()
	var out []*catalog.Image
	for _, img := range f.m.images {
		if img.DatasetID == datasetID {
			copied := img
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

type detectionFacet struct{ m *MemCatalog }

func (f detectionFacet) SaveBatch(_ context.Context, detections []catalog.Detection) ([]catalog.Detection, error) {
	f.m.mu.Lock()
	defer f.m.mu.Unlock()
	out := make([]catalog.Detection, len(detections))
	for i, det := range detections {
		f.m.nextDetectionID++
		det.ID = f.m.nextDetectionID
		f.m.byImage[det.ImageID] = append(f.m.byImage[det.ImageID], det)
		f.m.dets[det.ID] = det
		out[i] = det
	}
	return out, nil
}

func (f detectionFacet) ListByImage(_ context.Context, imageID int64) ([]catalog.Detection, error) {
	f.m.mu.Lock()
	defer f.m.mu.Unlock()
	return append([]catalog.Detection(nil), f.m.byImage[imageID]...), nil
}

type sourceFacet struct{ m *MemCatalog }

func (f sourceFacet) Snapshot(_ context.Context, datasetID int64) ([]catalog.RunningSource, error) {
	f.m.mu.Lock()
	defer f.m.mu.Unlock()
	if f.m.SnapshotErr != nil {
		return nil, f.m.SnapshotErr
	}
	var out []catalog.RunningSource
	for _, src := range f.m.sources {
		if src.DatasetID == datasetID && src.Active {
			out = append(out, copySource(src))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f sourceFacet) GetByID(_ context.Context, id int64) (*catalog.RunningSource, error) {
	f.m.mu.Lock()
	defer f.m.mu.Unlock()
	src, ok := f.m.sources[id]
	if !ok {
		return nil, appErrors.Newf(appErrors.ErrCodeSourceNotFound, "running source %d not found", id)
	}
	out := copySource(src)
	return &out, nil
}

func (f sourceFacet) ListByDataset(_ context.Context, datasetID int64, page, pageSize int) ([]catalog.RunningSource, int64, error) {
	f.m.mu.Lock()
	defer f.m.mu.Unlock()

	var active []catalog.RunningSource
	for _, src := range f.m.sources {
		if src.DatasetID == datasetID && src.Active {
			active = append(active, copySource(src))
		}
	}
	sort.Slice(active, func(i, j int) bool { return active[i].ID < active[j].ID })
	total := int64(len(active))

	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = memDefaultPageSize
	}
	if pageSize > memMaxPageSize {
		pageSize = memMaxPageSize
	}
	offset := (page - 1) * pageSize
	if offset >= len(active) {
		return nil, total, nil
	}
	end := offset + pageSize
	if end > len(active) {
		end = len(active)
	}
	return active[offset:end], total, nil
}

func (f sourceFacet) VanishedForImage(_ context.Context, datasetID, imageID int64) ([]catalog.RunningSource, error) {
	f.m.mu.Lock()
	defer f.m.mu.Unlock()
	var out []catalog.RunningSource
	for _, src := range f.m.sources {
		if src.DatasetID != datasetID || !src.Active {
			continue
		}
		seen := false
		for _, detID := range src.Members {
			if det, ok := f.m.dets[detID]; ok && det.ImageID == imageID {
				seen = true
				break
			}
		}
		if !seen {
			out = append(out, copySource(src))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

type assocFacet struct{ m *MemCatalog }

func (f assocFacet) HistoryBySource(_ context.Context, runningID int64) ([]catalog.AssociationRecord, error) {
	return f.m.AssociationsFor(runningID), nil
}
