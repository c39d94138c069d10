package association

import (
	"context"

	"github.com/transientlab/skymatch/internal/domain/catalog"
	"github.com/transientlab/skymatch/internal/domain/sky"
	"github.com/transientlab/skymatch/internal/infrastructure/monitoring/logging"
	"github.com/transientlab/skymatch/pkg/errors"
)

// CatalogTx is the write surface the reconciler needs inside one catalog
// transaction.  The postgres layer implements it on a pgx transaction; tests
// implement it in memory.
type CatalogTx interface {
	// InsertRunningSource persists a new running source and returns its
	// assigned ID.  The caller passes sources carrying provisional negative
	// IDs; implementations must ignore the incoming ID.
	InsertRunningSource(ctx context.Context, src catalog.RunningSource) (int64, error)

	// UpdateRunningSource overwrites the accumulator state of an existing
	// running source.
	UpdateRunningSource(ctx context.Context, src catalog.RunningSource) error

	// DeactivateRunningSources marks merge losers inactive.  Their rows stay
	// for lineage; they never appear in future snapshots.
	DeactivateRunningSources(ctx context.Context, ids []int64) error

	// RelabelAssociations re-points a loser's membership rows at the merge
	// survivor and stamps them with the relabel association type.  Returns
	// the number of rows moved.
	RelabelAssociations(ctx context.Context, fromID, toID int64) (int64, error)

	// InsertAssociation records one detection-to-source association.
	// Implementations must make re-inserting an existing
	// (running source, detection) pair a no-op.
	InsertAssociation(ctx context.Context, rec catalog.AssociationRecord) error
}

// CatalogStore opens catalog transactions.  fn runs exactly once; a non-nil
// error rolls the transaction back.
type CatalogStore interface {
	InTx(ctx context.Context, fn func(tx CatalogTx) error) error
}

// Reconciler applies an engine Result to durable storage.  One call, one
// transaction: either every decision of the batch lands or none do.
type Reconciler struct {
	store  CatalogStore
	logger logging.Logger
}

// NewReconciler creates a reconciler over the given store.
func NewReconciler(store CatalogStore, logger logging.Logger) *Reconciler {
	return &Reconciler{store: store, logger: logger.Named("reconciler")}
}

// Apply writes the batch outcome.  Returns the mapping from provisional
// negative IDs to the IDs storage assigned, so callers can publish decisions
// with real identifiers.  Any failure is wrapped as a commit error and the
// transaction is rolled back wholly.
func (r *Reconciler) Apply(ctx context.Context, result Result) (map[int64]int64, error) {
	idMap := make(map[int64]int64, len(result.Created))

	err := r.store.InTx(ctx, func(tx CatalogTx) error {
		for _, src := range result.Created {
			realID, err := tx.InsertRunningSource(ctx, src)
			if err != nil {
				return err
			}
			idMap[src.ID] = realID
		}
		for _, src := range result.Updated {
			if err := tx.UpdateRunningSource(ctx, src); err != nil {
				return err
			}
		}
		if len(result.Deactivated) > 0 {
			if err := tx.DeactivateRunningSources(ctx, result.Deactivated); err != nil {
				return err
			}
		}

		for _, d := range result.Decisions {
			runID, err := resolveID(d.RunningID, idMap)
			if err != nil {
				return err
			}
			if d.Kind == catalog.DecisionMerge {
				survivor := d.MergedIDs[0]
				for _, loser := range d.MergedIDs[1:] {
					moved, err := tx.RelabelAssociations(ctx, loser, survivor)
					if err != nil {
						return err
					}
					r.logger.Debug("relabelled merge loser memberships",
						logging.Int64("loser_id", loser),
						logging.Int64("survivor_id", survivor),
						logging.Int64("rows", moved))
				}
			}
			rec := catalog.AssociationRecord{
				RunningID:      runID,
				DetectionID:    d.DetectionID,
				Type:           d.Kind.AssocType(),
				DistanceArcsec: d.Distance * sky.ArcsecPerDegree,
				DeRuiterR:      d.Weight,
			}
			if err := tx.InsertAssociation(ctx, rec); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeCommitFailed, "applying association batch")
	}
	return idMap, nil
}

// resolveID maps a provisional negative running-source ID to its assigned
// value.  Positive IDs pass through.
func resolveID(id int64, idMap map[int64]int64) (int64, error) {
	if id > 0 {
		return id, nil
	}
	real, ok := idMap[id]
	if !ok {
		return 0, errors.Newf(errors.CodeInternal,
			"decision references provisional source %d with no created row", id)
	}
	return real, nil
}

// RemapDecisions rewrites provisional running-source IDs in a decision list
// to their assigned values.  Decisions with unknown provisional IDs are left
// untouched; Apply has already guaranteed the map is complete for any result
// it committed.
func RemapDecisions(decisions []catalog.AssociationDecision, idMap map[int64]int64) []catalog.AssociationDecision {
	if len(idMap) == 0 {
		return decisions
	}
	out := make([]catalog.AssociationDecision, len(decisions))
	copy(out, decisions)
	for i := range out {
		if out[i].RunningID < 0 {
			if real, ok := idMap[out[i].RunningID]; ok {
				out[i].RunningID = real
			}
		}
	}
	return out
}
