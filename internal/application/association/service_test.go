package association_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/transientlab/skymatch/internal/application/association"
	"github.com/transientlab/skymatch/internal/domain/catalog"
	"github.com/transientlab/skymatch/internal/testutil"
	appErrors "github.com/transientlab/skymatch/pkg/errors"
)

// ─────────────────────────────────────────────────────────────────────────────
// Collaborator fakes
// ─────────────────────────────────────────────────────────────────────────────

type fakeLease struct {
	mu       sync.Mutex
	unlocked int
	err      error
}

func (l *fakeLease) Unlock(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.unlocked++
	return l.err
}

func (l *fakeLease) unlockCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.unlocked
}

type fakeLock struct {
	mu    sync.Mutex
	calls int
	err   error
	lease *fakeLease
}

func (f *fakeLock) TryLock(_ context.Context, _ int64) (association.LockLease, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.lease, nil
}

func (f *fakeLock) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakePublisher struct {
	batches []association.DecisionBatch
	err     error
}

func (p *fakePublisher) PublishDecisions(_ context.Context, batch association.DecisionBatch) error {
	if p.err != nil {
		return p.err
	}
	p.batches = append(p.batches, batch)
	return nil
}

type fakeObserver struct {
	observations []association.BatchObservation
}

func (o *fakeObserver) ObserveBatch(obs association.BatchObservation) {
	o.observations = append(o.observations, obs)
}

type serviceHarness struct {
	cat       *testutil.MemCatalog
	lock      *fakeLock
	publisher *fakePublisher
	observer  *fakeObserver
	logger    *testutil.MockLogger
	svc       association.Service
}

func newServiceHarness(t *testing.T) *serviceHarness {
	t.Helper()
	h := &serviceHarness{
		cat:       testutil.NewMemCatalog(),
		lock:      &fakeLock{lease: &fakeLease{}},
		publisher: &fakePublisher{},
		observer:  &fakeObserver{},
		logger:    testutil.NewMockLogger(),
	}
	svc, err := association.NewService(association.ServiceConfig{
		Images:         h.cat.Images(),
		Detections:     h.cat.Detections(),
		RunningSources: h.cat.Sources(),
		Store:          h.cat,
		Lock:           h.lock,
		Publisher:      h.publisher,
		Observer:       h.observer,
		Defaults:       testOptions(),
		Logger:         h.logger,
	})
	require.NoError(t, err)
	h.svc = svc
	return h
}

// inputDetection builds an unsaved detection; the service assigns image and
// identity on ingestion.
func inputDetection(t *testing.T, ra, decl float64) catalog.Detection {
	t.Helper()
	d := testDetection(t, 0, ra, decl)
	d.ImageID = 0
	return d
}

func newImageInput(dets ...catalog.Detection) association.ProcessImageInput {
	return association.ProcessImageInput{
		DatasetID:  1,
		TaustartTS: time.Date(2026, 2, 11, 4, 30, 0, 0, time.UTC),
		FreqEffHz:  150e6,
		URL:        "obs/img.fits",
		Detections: dets,
	}
}

// followUpInput builds a later epoch of the same field.  The shifted
// observation timestamp keeps image registration from treating it as a
// redelivery of the base input.
func followUpInput(dets ...catalog.Detection) association.ProcessImageInput {
	in := newImageInput(dets...)
	in.TaustartTS = in.TaustartTS.Add(15 * time.Minute)
	in.URL = "obs/img-2.fits"
	return in
}

// ─────────────────────────────────────────────────────────────────────────────
// Construction
// ─────────────────────────────────────────────────────────────────────────────

func TestNewService_Validation(t *testing.T) {
	cat := testutil.NewMemCatalog()
	valid := association.ServiceConfig{
		Images:         cat.Images(),
		Detections:     cat.Detections(),
		RunningSources: cat.Sources(),
		Store:          cat,
		Lock:           &fakeLock{lease: &fakeLease{}},
		Defaults:       testOptions(),
		Logger:         testutil.NewMockLogger(),
	}

	tests := []struct {
		name   string
		mutate func(*association.ServiceConfig)
	}{
		{"missing images", func(c *association.ServiceConfig) { c.Images = nil }},
		{"missing detections", func(c *association.ServiceConfig) { c.Detections = nil }},
		{"missing sources", func(c *association.ServiceConfig) { c.RunningSources = nil }},
		{"missing store", func(c *association.ServiceConfig) { c.Store = nil }},
		{"missing lock", func(c *association.ServiceConfig) { c.Lock = nil }},
		{"missing logger", func(c *association.ServiceConfig) { c.Logger = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			_, err := association.NewService(cfg)
			require.Error(t, err)
			assert.True(t, appErrors.IsCode(err, appErrors.CodeInvalidParam))
		})
	}

	t.Run("invalid defaults", func(t *testing.T) {
		cfg := valid
		cfg.Defaults.Theta = -1
		_, err := association.NewService(cfg)
		require.Error(t, err)
		assert.True(t, appErrors.IsCode(err, appErrors.ErrCodeInvalidSearchRadius))
	})

	t.Run("publisher and observer are optional", func(t *testing.T) {
		svc, err := association.NewService(valid)
		require.NoError(t, err)
		assert.NotNil(t, svc)
	})
}

// ─────────────────────────────────────────────────────────────────────────────
// ProcessImage
// ─────────────────────────────────────────────────────────────────────────────

func TestService_ProcessImage_NewImage(t *testing.T) {
	ctx := context.Background()
	h := newServiceHarness(t)

	result, err := h.svc.ProcessImage(ctx, newImageInput(
		inputDetection(t, 100, 10),
		inputDetection(t, 150, -30),
	))
	require.NoError(t, err)

	assert.Len(t, result.BatchID, 36)
	assert.Equal(t, int64(1), result.DatasetID)
	assert.Positive(t, result.ImageID)
	assert.Equal(t, 2, result.Detections)
	assert.Equal(t, 2, result.New)
	assert.Zero(t, result.Matched)
	require.Len(t, result.Decisions, 2)
	for _, d := range result.Decisions {
		assert.Positive(t, d.RunningID, "published decisions carry real IDs")
	}

	img, err := h.cat.Images().GetByID(ctx, result.ImageID)
	require.NoError(t, err)
	assert.Equal(t, 150e6, img.FreqEffHz)

	saved, err := h.cat.Detections().ListByImage(ctx, result.ImageID)
	require.NoError(t, err)
	require.Len(t, saved, 2)
	assert.Equal(t, result.ImageID, saved[0].ImageID)
	assert.Positive(t, saved[0].ID)

	snapshot, err := h.cat.Sources().Snapshot(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, snapshot, 2)

	require.Len(t, h.publisher.batches, 1)
	batch := h.publisher.batches[0]
	assert.Equal(t, result.BatchID, batch.BatchID)
	assert.Equal(t, result.ImageID, batch.ImageID)
	assert.Equal(t, result.Decisions, batch.Decisions)
	assert.False(t, batch.CreatedAt.IsZero())

	require.Len(t, h.observer.observations, 1)
	assert.Equal(t, 2, h.observer.observations[0].New)
	assert.Equal(t, int64(1), h.observer.observations[0].DatasetID)

	assert.Equal(t, 1, h.lock.callCount())
	assert.Equal(t, 1, h.lock.lease.unlockCount())
}

func TestService_ProcessImage_MatchAcrossImages(t *testing.T) {
	ctx := context.Background()
	h := newServiceHarness(t)

	first, err := h.svc.ProcessImage(ctx, newImageInput(inputDetection(t, 100, 10)))
	require.NoError(t, err)
	require.Equal(t, 1, first.New)
	sourceID := first.Decisions[0].RunningID

	second, err := h.svc.ProcessImage(ctx, followUpInput(inputDetection(t, 100.0005, 10)))
	require.NoError(t, err)

	assert.Equal(t, 1, second.Matched)
	assert.Zero(t, second.New)
	require.Len(t, second.Decisions, 1)
	assert.Equal(t, sourceID, second.Decisions[0].RunningID,
		"the detection joined the source from the first image")

	snapshot, err := h.cat.Sources().Snapshot(ctx, 1)
	require.NoError(t, err)
	require.Len(t, snapshot, 1)
	assert.Equal(t, 2, snapshot[0].Datapoints)
}

func TestService_ProcessImage_InputValidation(t *testing.T) {
	ctx := context.Background()
	h := newServiceHarness(t)

	tests := []struct {
		name  string
		input association.ProcessImageInput
	}{
		{"non-positive dataset", association.ProcessImageInput{DatasetID: 0, TaustartTS: time.Now()}},
		{"new image without timestamp", association.ProcessImageInput{DatasetID: 1}},
		{"reprocess with fresh detections", association.ProcessImageInput{
			DatasetID:  1,
			ImageID:    4,
			Detections: []catalog.Detection{inputDetection(t, 100, 10)},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.svc.ProcessImage(ctx, tt.input)
			require.Error(t, err)
			assert.True(t, appErrors.IsCode(err, appErrors.CodeInvalidParam))
		})
	}
	assert.Zero(t, h.lock.callCount(), "validation happens before locking")
}

func TestService_ProcessImage_InvalidThetaOverride(t *testing.T) {
	ctx := context.Background()
	h := newServiceHarness(t)

	input := newImageInput(inputDetection(t, 100, 10))
	input.Theta = 120

	_, err := h.svc.ProcessImage(ctx, input)
	require.Error(t, err)
	assert.True(t, appErrors.IsCode(err, appErrors.ErrCodeInvalidSearchRadius))
	assert.Zero(t, h.lock.callCount())
}

func TestService_ProcessImage_DatasetBusy(t *testing.T) {
	ctx := context.Background()
	h := newServiceHarness(t)
	h.lock.err = appErrors.DatasetBusy("dataset 1 is locked by another association batch")

	_, err := h.svc.ProcessImage(ctx, newImageInput(inputDetection(t, 100, 10)))
	require.Error(t, err)
	assert.True(t, appErrors.IsCode(err, appErrors.ErrCodeDatasetBusy))

	images, listErr := h.cat.Images().ListByDataset(ctx, 1)
	require.NoError(t, listErr)
	assert.Empty(t, images, "nothing was ingested while the dataset was busy")
}

func TestService_ProcessImage_Reprocess(t *testing.T) {
	ctx := context.Background()
	h := newServiceHarness(t)

	first, err := h.svc.ProcessImage(ctx, newImageInput(
		inputDetection(t, 100, 10),
		inputDetection(t, 150, -30),
	))
	require.NoError(t, err)

	rerun, err := h.svc.ProcessImage(ctx, association.ProcessImageInput{
		DatasetID: 1,
		ImageID:   first.ImageID,
	})
	require.NoError(t, err)

	assert.Equal(t, first.ImageID, rerun.ImageID)
	assert.Equal(t, 2, rerun.Detections, "persisted detections were reloaded")
	assert.Empty(t, rerun.Decisions, "every detection is already a member")
	assert.Equal(t, 2, rerun.Stats.AlreadyMembers)

	snapshot, err := h.cat.Sources().Snapshot(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, snapshot, 2, "reprocessing created nothing")
}

func TestService_ProcessImage_ReprocessForeignImage(t *testing.T) {
	ctx := context.Background()
	h := newServiceHarness(t)

	first, err := h.svc.ProcessImage(ctx, newImageInput(inputDetection(t, 100, 10)))
	require.NoError(t, err)

	_, err = h.svc.ProcessImage(ctx, association.ProcessImageInput{
		DatasetID: 2,
		ImageID:   first.ImageID,
	})
	require.Error(t, err)
	assert.True(t, appErrors.IsCode(err, appErrors.CodeInvalidParam))
	assert.Contains(t, err.Error(), "belongs to dataset 1")
}

func TestService_ProcessImage_SkipsBadDetections(t *testing.T) {
	ctx := context.Background()
	h := newServiceHarness(t)

	bad := inputDetection(t, 100, 10)
	bad.RAErr = -1

	result, err := h.svc.ProcessImage(ctx, newImageInput(bad, inputDetection(t, 150, -30)))
	require.NoError(t, err)

	assert.Equal(t, 1, result.New)
	require.Len(t, result.Skipped, 1)
	assert.Positive(t, result.Skipped[0].DetectionID)
	assert.Contains(t, result.Skipped[0].Reason, "positional errors must be positive")
}

func TestService_ProcessImage_PublishFailureDoesNotFailBatch(t *testing.T) {
	ctx := context.Background()
	h := newServiceHarness(t)
	h.publisher.err = assert.AnError

	result, err := h.svc.ProcessImage(ctx, newImageInput(inputDetection(t, 100, 10)))
	require.NoError(t, err, "publication is best-effort after commit")
	assert.Equal(t, 1, result.New)

	snapshot, err := h.cat.Sources().Snapshot(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, snapshot, 1, "the catalog commit stands")
	assert.True(t, h.logger.HasMessage("warn", "decision publication failed"))
}

func TestService_ProcessImage_CommitFailureIsRecoverable(t *testing.T) {
	ctx := context.Background()
	h := newServiceHarness(t)
	h.cat.AssociationErr = assert.AnError

	_, err := h.svc.ProcessImage(ctx, newImageInput(inputDetection(t, 100, 10)))
	require.Error(t, err)
	assert.True(t, appErrors.IsCode(err, appErrors.ErrCodeCommitFailed))

	assert.Empty(t, h.publisher.batches, "nothing is published for a failed batch")
	assert.Empty(t, h.observer.observations)
	assert.Equal(t, 1, h.lock.lease.unlockCount(), "the dataset lock is always released")

	snapshot, err := h.cat.Sources().Snapshot(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, snapshot, "association state rolled back")

	images, err := h.cat.Images().ListByDataset(ctx, 1)
	require.NoError(t, err)
	require.Len(t, images, 1, "the ingested image survives for reprocessing")

	h.cat.AssociationErr = nil
	rerun, err := h.svc.ProcessImage(ctx, association.ProcessImageInput{
		DatasetID: 1,
		ImageID:   images[0].ID,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, rerun.New, "reprocessing the image completes the batch")
}

func TestService_ProcessImage_RedeliveredBatchConverges(t *testing.T) {
	ctx := context.Background()
	h := newServiceHarness(t)
	h.cat.AssociationErr = assert.AnError

	_, err := h.svc.ProcessImage(ctx, newImageInput(inputDetection(t, 100, 10)))
	require.Error(t, err)

	// The queue redelivers the original envelope, image id and all still
	// zero.  Registration must resolve to the image the failed attempt left
	// behind instead of minting a second one.
	h.cat.AssociationErr = nil
	rerun, err := h.svc.ProcessImage(ctx, newImageInput(inputDetection(t, 100, 10)))
	require.NoError(t, err)
	assert.Equal(t, 1, rerun.New)

	images, err := h.cat.Images().ListByDataset(ctx, 1)
	require.NoError(t, err)
	require.Len(t, images, 1, "redelivery reused the registered image")
	assert.Equal(t, rerun.ImageID, images[0].ID)

	saved, err := h.cat.Detections().ListByImage(ctx, rerun.ImageID)
	require.NoError(t, err)
	assert.Len(t, saved, 1, "the persisted detections were not duplicated")
	assert.True(t, h.logger.HasMessage("info", "image already registered, resuming from persisted detections"))
}

func TestService_ProcessImage_RedeliveryAfterCommitIsIdempotent(t *testing.T) {
	ctx := context.Background()
	h := newServiceHarness(t)

	first, err := h.svc.ProcessImage(ctx, newImageInput(inputDetection(t, 100, 10)))
	require.NoError(t, err)
	require.Equal(t, 1, first.New)

	// Offset-commit failures redeliver batches whose catalog transaction
	// already landed.  The rerun finds its detections already members and
	// changes nothing.
	again, err := h.svc.ProcessImage(ctx, newImageInput(inputDetection(t, 100, 10)))
	require.NoError(t, err)

	assert.Equal(t, first.ImageID, again.ImageID)
	assert.Zero(t, again.New)
	assert.Empty(t, again.Decisions)
	assert.Equal(t, 1, again.Stats.AlreadyMembers)

	snapshot, err := h.cat.Sources().Snapshot(ctx, 1)
	require.NoError(t, err)
	require.Len(t, snapshot, 1)
	assert.Equal(t, 1, snapshot[0].Datapoints, "accumulators were not double-counted")
}

func TestService_ProcessImage_SnapshotFailureUnlocks(t *testing.T) {
	ctx := context.Background()
	h := newServiceHarness(t)
	h.cat.SnapshotErr = assert.AnError

	_, err := h.svc.ProcessImage(ctx, newImageInput(inputDetection(t, 100, 10)))
	require.Error(t, err)
	assert.True(t, appErrors.IsCode(err, appErrors.ErrCodeSnapshotFailed))
	assert.Equal(t, 1, h.lock.lease.unlockCount())
}

func TestService_ProcessImage_UnlockFailureLogged(t *testing.T) {
	ctx := context.Background()
	h := newServiceHarness(t)
	h.lock.lease.err = assert.AnError

	result, err := h.svc.ProcessImage(ctx, newImageInput(inputDetection(t, 100, 10)))
	require.NoError(t, err, "a failed lock release never fails the batch")
	assert.Equal(t, 1, result.New)
	assert.True(t, h.logger.HasMessage("warn", "dataset lock release failed"))
}

// ─────────────────────────────────────────────────────────────────────────────
// VanishedSources
// ─────────────────────────────────────────────────────────────────────────────

func TestService_VanishedSources(t *testing.T) {
	ctx := context.Background()
	h := newServiceHarness(t)

	first, err := h.svc.ProcessImage(ctx, newImageInput(
		inputDetection(t, 100, 10),
		inputDetection(t, 150, -30),
	))
	require.NoError(t, err)
	require.Equal(t, 2, first.New)

	// The second image re-detects only the source at (100, 10).
	second, err := h.svc.ProcessImage(ctx, followUpInput(inputDetection(t, 100.0005, 10)))
	require.NoError(t, err)
	require.Equal(t, 1, second.Matched)

	vanished, err := h.svc.VanishedSources(ctx, 1, second.ImageID)
	require.NoError(t, err)
	require.Len(t, vanished, 1)
	assert.InDelta(t, 150.0, vanished[0].WMPos.RA, 1e-9,
		"the undetected source is the transient candidate")

	none, err := h.svc.VanishedSources(ctx, 1, first.ImageID)
	require.NoError(t, err)
	assert.Empty(t, none, "every source has a member in the first image")
}

func TestService_VanishedSources_Validation(t *testing.T) {
	ctx := context.Background()
	h := newServiceHarness(t)

	_, err := h.svc.VanishedSources(ctx, 0, 1)
	require.Error(t, err)
	assert.True(t, appErrors.IsCode(err, appErrors.CodeInvalidParam))

	_, err = h.svc.VanishedSources(ctx, 1, 99)
	require.Error(t, err)
	assert.True(t, appErrors.IsCode(err, appErrors.ErrCodeImageNotFound))

	first, err := h.svc.ProcessImage(ctx, newImageInput(inputDetection(t, 100, 10)))
	require.NoError(t, err)
	_, err = h.svc.VanishedSources(ctx, 2, first.ImageID)
	require.Error(t, err)
	assert.True(t, appErrors.IsCode(err, appErrors.CodeInvalidParam))
}
