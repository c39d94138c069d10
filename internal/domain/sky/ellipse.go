package sky

import (
	"fmt"
	"math"

	"github.com/transientlab/skymatch/pkg/errors"
)

// ErrorEllipse is the positional uncertainty region of a measurement: an
// ellipse on the local tangent plane centred on the measured position.  Axes
// are on-sky arcseconds; PositionAngle is degrees east of north, so 0 points
// the major axis along +Decl and 90 along +RA.
type ErrorEllipse struct {
	Center        Position `json:"center"`
	SemiMajor     float64  `json:"semi_major"`     // arcsec
	SemiMinor     float64  `json:"semi_minor"`     // arcsec
	PositionAngle float64  `json:"position_angle"` // degrees east of north
}

// Validate reports whether the ellipse has a well-defined positive area.
// Zero or negative axes are degenerate; Overlap still handles them through a
// circle fallback, but callers that require true elliptical regions should
// reject them up front.
func (e ErrorEllipse) Validate() error {
	if math.IsNaN(e.SemiMajor) || math.IsNaN(e.SemiMinor) || math.IsNaN(e.PositionAngle) {
		return errors.New(errors.CodeDegenerateEllipse, "ellipse axes must be finite")
	}
	if e.SemiMajor <= 0 || e.SemiMinor <= 0 {
		return errors.Newf(errors.CodeDegenerateEllipse,
			"ellipse has non-positive axis: semi-major=%g semi-minor=%g", e.SemiMajor, e.SemiMinor)
	}
	if e.SemiMinor > e.SemiMajor {
		return errors.Newf(errors.CodeDegenerateEllipse,
			"semi-minor axis %g exceeds semi-major %g", e.SemiMinor, e.SemiMajor)
	}
	return nil
}

// OverlapStage identifies which step of the overlap pipeline decided the
// outcome.  It exists for observability: the cheap prefilters should decide
// the overwhelming majority of pairs, and the stage counters make regressions
// in that ratio visible.
type OverlapStage int

const (
	// StageMajorAxisReject means the centres are further apart than the sum
	// of the semi-major axes, so the ellipses cannot touch.
	StageMajorAxisReject OverlapStage = iota
	// StageMinorAxisAccept means the centres are within the sum of the
	// semi-minor axes, so the ellipses intersect regardless of orientation.
	StageMinorAxisAccept
	// StageCircleFallback means at least one ellipse was degenerate and the
	// pair was decided by a mean-radius circle test.
	StageCircleFallback
	// StageCoincident means the conic resultant vanished identically: the
	// two ellipses are the same curve.
	StageCoincident
	// StageQuartic means the full resultant root count decided the pair.
	StageQuartic
)

func (s OverlapStage) String() string {
	switch s {
	case StageMajorAxisReject:
		return "major_axis_reject"
	case StageMinorAxisAccept:
		return "minor_axis_accept"
	case StageCircleFallback:
		return "circle_fallback"
	case StageCoincident:
		return "coincident"
	case StageQuartic:
		return "quartic"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// OverlapOutcome is the result of an ellipse pair test.
type OverlapOutcome struct {
	Intersects     bool
	Stage          OverlapStage
	Degenerate     bool    // a zero-area ellipse forced the circle fallback
	DistanceArcsec float64 // tangent-plane centre separation
}

// Overlap reports whether two positional error ellipses share at least one
// point.  The pipeline runs cheapest-first:
//
//  1. centre separation > a1+a2: disjoint, stop;
//  2. centre separation <= b1+b2: intersecting, stop;
//  3. degenerate axes: compare mean-radius circles, stop;
//  4. otherwise count the real roots of the Bezout resultant of the two
//     conics; any real root is a boundary crossing.
//
// Both ellipses are projected onto a shared tangent plane scaled by the
// cosine of the mean declination, which makes the test symmetric in its
// arguments.  The root-count step detects boundary crossings only: one
// ellipse strictly inside the other without touching is reported as
// non-overlapping, which the surrounding pipeline accepts because the
// semi-minor prefilter resolves the near-coincident pairs long before the
// quartic runs.
func Overlap(e1, e2 ErrorEllipse) OverlapOutcome {
	meanDecl := radians((e1.Center.Decl + e2.Center.Decl) / 2.0)
	dRA := MeridianDelta(e2.Center.RA, e1.Center.RA) * math.Cos(meanDecl) * ArcsecPerDegree
	dDecl := (e2.Center.Decl - e1.Center.Decl) * ArcsecPerDegree
	dist := math.Hypot(dRA, dDecl)

	if dist > e1.SemiMajor+e2.SemiMajor {
		return OverlapOutcome{Intersects: false, Stage: StageMajorAxisReject, DistanceArcsec: dist}
	}
	if dist <= e1.SemiMinor+e2.SemiMinor {
		return OverlapOutcome{Intersects: true, Stage: StageMinorAxisAccept, DistanceArcsec: dist}
	}

	if e1.SemiMinor <= 0 || e2.SemiMinor <= 0 || e1.SemiMajor <= 0 || e2.SemiMajor <= 0 {
		r1 := (e1.SemiMajor + e1.SemiMinor) / 2.0
		r2 := (e2.SemiMajor + e2.SemiMinor) / 2.0
		return OverlapOutcome{
			Intersects:     dist <= r1+r2,
			Stage:          StageCircleFallback,
			Degenerate:     true,
			DistanceArcsec: dist,
		}
	}

	c1 := ellipseConic(0, 0, e1.SemiMajor, e1.SemiMinor, e1.PositionAngle)
	c2 := ellipseConic(dRA, dDecl, e2.SemiMajor, e2.SemiMinor, e2.PositionAngle)
	quartic := bezoutQuartic(c1, c2)

	if quartic.isZero() {
		return OverlapOutcome{Intersects: true, Stage: StageCoincident, DistanceArcsec: dist}
	}
	return OverlapOutcome{
		Intersects:     sturmRealRootCount(quartic) > 0,
		Stage:          StageQuartic,
		DistanceArcsec: dist,
	}
}

// Intersects is Overlap reduced to its boolean verdict.
func Intersects(e1, e2 ErrorEllipse) bool {
	return Overlap(e1, e2).Intersects
}
