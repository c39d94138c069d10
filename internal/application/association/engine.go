// Package association implements the application layer of the source
// association pipeline: the pure batch engine that turns a running-catalog
// snapshot plus one image's detections into association decisions, the
// reconciler that applies those decisions to durable storage in a single
// transaction, and the service that orchestrates locking, persistence,
// ingestion bookkeeping and publication around them.
package association

import (
	"math"
	"sort"

	"github.com/transientlab/skymatch/internal/domain/catalog"
	"github.com/transientlab/skymatch/internal/domain/sky"
	"github.com/transientlab/skymatch/pkg/errors"
)

// Options configure one association batch.
type Options struct {
	// Theta is the candidate search radius in degrees. Required, positive,
	// at most 90.
	Theta float64
	// ZoneHeight is the declination zone height in degrees used by the
	// candidate index.
	ZoneHeight float64
}

// Validate rejects option values the engine cannot run with.
func (o Options) Validate() error {
	if math.IsNaN(o.Theta) || math.IsInf(o.Theta, 0) || o.Theta <= 0 || o.Theta > 90 {
		return errors.Newf(errors.ErrCodeInvalidSearchRadius,
			"theta must be in (0, 90] degrees, got %v", o.Theta)
	}
	if math.IsNaN(o.ZoneHeight) || math.IsInf(o.ZoneHeight, 0) || o.ZoneHeight <= 0 {
		return errors.Newf(errors.CodeInvalidParam,
			"zone height must be positive, got %v", o.ZoneHeight)
	}
	return nil
}

// Snapshot is the engine's view of a dataset's running catalog at the moment
// the batch starts.  It must not include sources carrying detections from the
// image being processed; the loader guarantees that by construction because
// the image's detections are not yet associated.
type Snapshot struct {
	DatasetID int64
	Sources   []catalog.RunningSource
}

// SkippedDetection records a detection the engine rejected without touching
// catalog state.
type SkippedDetection struct {
	DetectionID int64
	Err         error
}

// Stats carries the batch counters the service exports as metrics.
type Stats struct {
	Candidates          int `json:"candidates"`
	EllipseTests        int `json:"ellipse_tests"`
	DegenerateFallbacks int `json:"degenerate_fallbacks"`
	AlreadyMembers      int `json:"already_members"`
}

// Result is the complete outcome of one association batch.  Decisions appear
// in input detection order.  Created holds the working sources born in this
// batch under provisional negative IDs; Updated holds the final states of the
// snapshot sources the batch modified; Deactivated lists merge losers.  The
// engine mutates only its private working copy, so a Result either gets
// applied atomically by the reconciler or discarded wholesale.
type Result struct {
	Decisions     []catalog.AssociationDecision
	Skipped       []SkippedDetection
	IndexRebuilds int

	Created     []catalog.RunningSource
	Updated     []catalog.RunningSource
	Deactivated []int64

	Stats Stats
}

// Associate runs the per-detection association state machine over one image
// batch.  Pure and deterministic: same snapshot, detections and options give
// the same Result, and the inputs are never mutated.
//
// Per detection: validation failures are skipped and recorded; detections
// already belonging to a snapshot source are skipped silently (idempotent
// re-run); otherwise the zone index proposes candidates, the ellipse test
// filters them, and the hit count decides NEW, MATCH or MERGE.  Sources
// created by earlier NEW decisions of the same batch are not candidates:
// the catalog the detections are compared against is the one that existed
// before this image.
func Associate(snapshot Snapshot, detections []catalog.Detection, opts Options) (Result, error) {
	if err := opts.Validate(); err != nil {
		return Result{}, err
	}
	st, err := newWorkingState(snapshot, opts)
	if err != nil {
		return Result{}, err
	}

	for _, det := range detections {
		if err := st.associate(det); err != nil {
			return Result{}, err
		}
	}
	return st.result(), nil
}

// workingState is the engine's private mutable copy of the catalog.
type workingState struct {
	opts      Options
	datasetID int64

	index    *catalog.ZoneIndex
	sources  map[int64]*catalog.RunningSource // snapshot sources still alive
	born     []*catalog.RunningSource         // NEW sources, provisional IDs
	memberOf map[int64]int64                  // detection ID -> running ID

	touched     map[int64]bool
	deactivated []int64
	rebuilds    int

	decisions []catalog.AssociationDecision
	skipped   []SkippedDetection
	stats     Stats

	nextProvisional int64
}

func newWorkingState(snapshot Snapshot, opts Options) (*workingState, error) {
	index, err := catalog.NewZoneIndex(opts.ZoneHeight)
	if err != nil {
		return nil, err
	}
	st := &workingState{
		opts:            opts,
		datasetID:       snapshot.DatasetID,
		index:           index,
		sources:         make(map[int64]*catalog.RunningSource, len(snapshot.Sources)),
		memberOf:        make(map[int64]int64),
		touched:         make(map[int64]bool),
		nextProvisional: -1,
	}

	for _, src := range snapshot.Sources {
		if src.ID <= 0 {
			return nil, errors.Newf(errors.ErrCodeSnapshotFailed,
				"snapshot source has non-positive ID %d", src.ID)
		}
		if _, dup := st.sources[src.ID]; dup {
			return nil, errors.Newf(errors.ErrCodeSnapshotFailed,
				"snapshot contains source %d twice", src.ID)
		}
		if src.DatasetID != snapshot.DatasetID {
			return nil, errors.Newf(errors.ErrCodeSnapshotFailed,
				"source %d belongs to dataset %d, snapshot is for %d",
				src.ID, src.DatasetID, snapshot.DatasetID)
		}
		if src.SumRAWeight <= 0 || src.SumDeclWeight <= 0 {
			return nil, errors.Newf(errors.ErrCodeSnapshotFailed,
				"source %d has corrupt accumulator sums", src.ID)
		}

		clone := src
		clone.Members = append([]int64(nil), src.Members...)
		st.sources[src.ID] = &clone
		st.index.Insert(clone.ID, clone.WMPos.RA, clone.WMPos.Decl)
		for _, m := range clone.Members {
			st.memberOf[m] = clone.ID
		}
	}
	return st, nil
}

// associate resolves a single detection.  Returned errors are internal
// impossibilities that abort the whole batch; bad input never errors, it is
// recorded in skipped.
func (st *workingState) associate(det catalog.Detection) error {
	if err := st.admit(det); err != nil {
		if errors.IsValidation(err) {
			st.skipped = append(st.skipped, SkippedDetection{DetectionID: det.ID, Err: err})
			return nil
		}
		return err
	}
	if _, member := st.memberOf[det.ID]; member {
		st.stats.AlreadyMembers++
		return nil
	}

	hits := st.candidates(det)
	switch len(hits) {
	case 0:
		return st.decideNew(det)
	case 1:
		return st.decideMatch(det, hits[0])
	default:
		return st.decideMerge(det, hits)
	}
}

// admit validates a detection against the batch.
func (st *workingState) admit(det catalog.Detection) error {
	if det.ID <= 0 {
		return errors.Newf(errors.CodeInvalidParam, "detection has no assigned ID")
	}
	if det.DatasetID != st.datasetID {
		return errors.Newf(errors.CodeInvalidParam,
			"detection %d belongs to dataset %d, batch is for %d",
			det.ID, det.DatasetID, st.datasetID)
	}
	return det.Validate()
}

// candidates returns the IDs of snapshot sources whose error ellipses admit
// the detection, ascending.
func (st *workingState) candidates(det catalog.Detection) []int64 {
	ids := st.index.Query(det.Pos.RA, det.Pos.Decl, st.opts.Theta)
	st.stats.Candidates += len(ids)

	detEllipse := det.Ellipse()
	var hits []int64
	rebuilt := false
	for _, id := range ids {
		src, ok := st.sources[id]
		if !ok {
			// The index points at a source the working copy no longer has.
			if !rebuilt {
				st.rebuildIndex()
				rebuilt = true
			}
			continue
		}
		outcome := sky.Overlap(detEllipse, src.Ellipse())
		st.stats.EllipseTests++
		if outcome.Degenerate {
			st.stats.DegenerateFallbacks++
		}
		if outcome.Intersects {
			hits = append(hits, id)
		}
	}
	return hits
}

func (st *workingState) decideNew(det catalog.Detection) error {
	id := st.nextProvisional
	st.nextProvisional--

	rs, err := catalog.NewRunningSource(id, det)
	if err != nil {
		return errors.Wrap(err, errors.CodeInternal, "seeding running source from validated detection")
	}
	st.born = append(st.born, &rs)
	st.memberOf[det.ID] = id

	st.decisions = append(st.decisions, catalog.AssociationDecision{
		DetectionID: det.ID,
		Kind:        catalog.DecisionNew,
		RunningID:   id,
	})
	return nil
}

func (st *workingState) decideMatch(det catalog.Detection, id int64) error {
	src := st.sources[id]
	distance, weight, err := st.join(det, src)
	if err != nil {
		return err
	}
	st.decisions = append(st.decisions, catalog.AssociationDecision{
		DetectionID: det.ID,
		Kind:        catalog.DecisionMatch,
		RunningID:   id,
		Distance:    distance,
		Weight:      weight,
	})
	return nil
}

// decideMerge collapses every hit source into the lowest-ID survivor, then
// appends the detection to the combined source.
func (st *workingState) decideMerge(det catalog.Detection, hits []int64) error {
	survivorID := hits[0]
	survivor := st.sources[survivorID]
	declBeforeFold := survivor.WMPos.Decl

	for _, loserID := range hits[1:] {
		loser := st.sources[loserID]
		if err := survivor.MergeFrom(*loser); err != nil {
			return errors.Wrap(err, errors.CodeInternal, "folding source into merge survivor")
		}
		for _, m := range loser.Members {
			st.memberOf[m] = survivorID
		}
		delete(st.sources, loserID)
		st.deactivated = append(st.deactivated, loserID)
		if err := st.index.Remove(loserID, loser.WMPos.Decl); err != nil {
			st.rebuildIndex()
		}
	}
	st.touched[survivorID] = true
	// The survivor's mean moved when the losers folded in.
	if err := st.index.Move(survivorID, declBeforeFold, survivor.WMPos.RA, survivor.WMPos.Decl); err != nil {
		st.rebuildIndex()
	}

	distance, weight, err := st.join(det, survivor)
	if err != nil {
		return err
	}
	st.decisions = append(st.decisions, catalog.AssociationDecision{
		DetectionID: det.ID,
		Kind:        catalog.DecisionMerge,
		RunningID:   survivorID,
		MergedIDs:   hits,
		Distance:    distance,
		Weight:      weight,
	})
	return nil
}

// join measures the detection against the source's current mean, then folds
// it in and relocates the index entry.
func (st *workingState) join(det catalog.Detection, src *catalog.RunningSource) (distance, weight float64, err error) {
	distance = det.Pos.AngularDistance(src.WMPos)
	weight = sky.DeRuiterRadius(det.Pos, src.WMPos, det.RAErr, det.DeclErr, src.WMRAErr, src.WMDeclErr)

	oldDecl := src.WMPos.Decl
	if err := src.Update(det); err != nil {
		return 0, 0, errors.Wrap(err, errors.CodeInternal, "updating weighted mean")
	}
	st.memberOf[det.ID] = src.ID
	st.touched[src.ID] = true
	if err := st.index.Move(src.ID, oldDecl, src.WMPos.RA, src.WMPos.Decl); err != nil {
		st.rebuildIndex()
	}
	return distance, weight, nil
}

// rebuildIndex reconstructs the zone index from the surviving snapshot
// sources.  Borne sources stay out: they are invisible within their own
// batch.
func (st *workingState) rebuildIndex() {
	entries := make([]catalog.ZoneEntry, 0, len(st.sources))
	for id, src := range st.sources {
		entries = append(entries, catalog.ZoneEntry{ID: id, RA: src.WMPos.RA, Decl: src.WMPos.Decl})
	}
	st.index.Rebuild(entries)
	st.rebuilds++
}

// result assembles the immutable batch outcome from the working state.
func (st *workingState) result() Result {
	created := make([]catalog.RunningSource, 0, len(st.born))
	for _, src := range st.born {
		created = append(created, *src)
	}

	updatedIDs := make([]int64, 0, len(st.touched))
	for id := range st.touched {
		if _, alive := st.sources[id]; alive {
			updatedIDs = append(updatedIDs, id)
		}
	}
	sort.Slice(updatedIDs, func(i, j int) bool { return updatedIDs[i] < updatedIDs[j] })
	updated := make([]catalog.RunningSource, 0, len(updatedIDs))
	for _, id := range updatedIDs {
		updated = append(updated, *st.sources[id])
	}

	deactivated := append([]int64(nil), st.deactivated...)
	sort.Slice(deactivated, func(i, j int) bool { return deactivated[i] < deactivated[j] })

	return Result{
		Decisions:     st.decisions,
		Skipped:       st.skipped,
		IndexRebuilds: st.rebuilds,
		Created:       created,
		Updated:       updated,
		Deactivated:   deactivated,
		Stats:         st.stats,
	}
}
