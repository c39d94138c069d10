package catalog

import "time"

// DecisionKind classifies the outcome of associating one detection.
type DecisionKind string

const (
	// DecisionNew means no running source's ellipse admitted the detection:
	// a new running source is created around it.
	DecisionNew DecisionKind = "new"
	// DecisionMatch means exactly one running source admitted the detection.
	DecisionMatch DecisionKind = "match"
	// DecisionMerge means several running sources admitted the detection;
	// they collapse into the lowest-ID survivor, which then receives it.
	DecisionMerge DecisionKind = "merge"
)

// AssocType is the persisted association row code, following the original
// catalog's typed link rows.
type AssocType int16

const (
	// AssocTypeFirst marks a source's first appearance.
	AssocTypeFirst AssocType = 1
	// AssocTypeMatch marks a one-to-one association.
	AssocTypeMatch AssocType = 2
	// AssocTypeMergeAppend marks the detection that triggered a merge,
	// appended to the survivor.
	AssocTypeMergeAppend AssocType = 3
	// AssocTypeMergeRelabel marks a membership row re-pointed from a merged
	// source to its survivor.
	AssocTypeMergeRelabel AssocType = 6
)

// AssocType returns the row code persisted for the decision's primary
// association row.
func (k DecisionKind) AssocType() AssocType {
	switch k {
	case DecisionMatch:
		return AssocTypeMatch
	case DecisionMerge:
		return AssocTypeMergeAppend
	default:
		return AssocTypeFirst
	}
}

// AssociationDecision records how one detection was resolved.  Decisions are
// immutable and emitted in input order; they are the engine's only output
// about accepted detections.
//
// RunningID identifies the source the detection joined.  Inside a single
// batch, sources created by earlier NEW decisions carry provisional negative
// IDs until the reconciler persists them.  For merges, MergedIDs lists every
// participating source sorted ascending, the survivor first.
type AssociationDecision struct {
	DetectionID int64        `json:"detection_id"`
	Kind        DecisionKind `json:"kind"`
	RunningID   int64        `json:"running_id"`
	MergedIDs   []int64      `json:"merged_ids,omitempty"`

	// Distance is the great-circle separation between the detection and the
	// source it joined, in degrees; Weight is the dimensionless De Ruiter
	// radius of the same pair. Both are zero for NEW decisions.
	Distance float64 `json:"distance_deg"`
	Weight   float64 `json:"weight"`
}

// AssociationRecord is one persisted membership row linking a detection to a
// running source.
type AssociationRecord struct {
	ID             int64     `json:"id"`
	RunningID      int64     `json:"running_id"`
	DetectionID    int64     `json:"detection_id"`
	Type           AssocType `json:"assoc_type"`
	DistanceArcsec float64   `json:"distance_arcsec"`
	DeRuiterR      float64   `json:"de_ruiter_r"`
	CreatedAt      time.Time `json:"created_at"`
}
