// Package sky provides the spherical-geometry primitives of the association
// core: sky positions with derived unit vectors, great-circle distances,
// declination-aware RA search windows, and the error-ellipse overlap test.
//
// Everything in this package is pure computation over value types.  Functions
// here sit on the association hot path and must not allocate beyond their
// return values, perform I/O, or depend on package-level mutable state.
package sky

import (
	"fmt"
	"math"

	"github.com/transientlab/skymatch/pkg/errors"
)

const (
	// ArcsecPerDegree converts degree-valued offsets into the arcsecond scale
	// used by the ellipse algebra.
	ArcsecPerDegree = 3600.0

	// PolarCutoff is the |decl|+theta boundary (degrees) beyond which an RA
	// search window is widened to the full circle.  Past this line the
	// arcsine in the half-width formula leaves its domain.
	PolarCutoff = 89.9

	// FullRAHalfWidth is the half-width returned for effectively polar
	// searches: the whole RA range.
	FullRAHalfWidth = 180.0
)

func radians(deg float64) float64 { return deg * math.Pi / 180.0 }
func degrees(rad float64) float64 { return rad * 180.0 / math.Pi }

// Position is a point on the celestial sphere.  RA and Decl are degrees; the
// unit Cartesian vector (X, Y, Z) is derived at construction and is always the
// exact image of (RA, Decl).  Mutating the struct fields directly breaks that
// invariant; build new values through NewPosition instead.
type Position struct {
	RA   float64 `json:"ra"`   // right ascension, degrees, [0, 360)
	Decl float64 `json:"decl"` // declination, degrees, (-90, 90)

	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// NewPosition validates and constructs a Position.  RA is normalised into
// [0, 360); declinations at or beyond the poles are rejected because the RA
// coordinate is undefined there and every downstream formula divides by its
// cosine structure.
func NewPosition(ra, decl float64) (Position, error) {
	if math.IsNaN(ra) || math.IsInf(ra, 0) || math.IsNaN(decl) || math.IsInf(decl, 0) {
		return Position{}, errors.InvalidPosition("coordinates must be finite").
			WithDetail(fmt.Sprintf("ra=%v decl=%v", ra, decl))
	}
	if decl <= -90.0 || decl >= 90.0 {
		return Position{}, errors.Newf(errors.CodeInvalidPosition,
			"declination %.6f outside open interval (-90, 90)", decl)
	}

	ra = NormalizeRA(ra)
	sinRA, cosRA := math.Sincos(radians(ra))
	sinDecl, cosDecl := math.Sincos(radians(decl))

	return Position{
		RA:   ra,
		Decl: decl,
		X:    cosDecl * cosRA,
		Y:    cosDecl * sinRA,
		Z:    sinDecl,
	}, nil
}

// MustPosition is NewPosition for callers with statically valid coordinates,
// primarily tests and fixtures.
func MustPosition(ra, decl float64) Position {
	p, err := NewPosition(ra, decl)
	if err != nil {
		panic(err)
	}
	return p
}

// FromCartesian recovers (ra, decl) in degrees from a unit vector.  The
// declination is computed through atan2 on the equatorial radius rather than
// asin(z) to keep full precision near the poles.
func FromCartesian(x, y, z float64) (ra, decl float64) {
	ra = degrees(math.Atan2(y, x))
	if ra < 0 {
		ra += 360.0
	}
	decl = degrees(math.Atan2(z, math.Hypot(x, y)))
	return ra, decl
}

// NormalizeRA maps any finite right ascension onto [0, 360).
func NormalizeRA(ra float64) float64 {
	ra = math.Mod(ra, 360.0)
	if ra < 0 {
		ra += 360.0
	}
	return ra
}

// WrapRA180 maps a right ascension onto (-180, 180].  Averaging shifted
// values keeps weighted means correct for sources straddling the meridian.
// math.Mod keeps the dividend's sign, so negative inputs need the second
// branch.
func WrapRA180(ra float64) float64 {
	d := math.Mod(ra, 360.0)
	if d > 180.0 {
		d -= 360.0
	} else if d <= -180.0 {
		d += 360.0
	}
	return d
}

// MeridianDelta returns the signed shortest RA difference ra1-ra2 in degrees,
// in (-180, 180].
func MeridianDelta(ra1, ra2 float64) float64 {
	return WrapRA180(ra1 - ra2)
}

// AngularDistance returns the great-circle separation between two positions
// in degrees.  It is evaluated as 2·asin(chord/2) on the unit vectors, which
// stays numerically exact for the sub-arcsecond separations the association
// engine compares, where the direct arccos form loses all precision.
func (p Position) AngularDistance(q Position) float64 {
	dx := p.X - q.X
	dy := p.Y - q.Y
	dz := p.Z - q.Z
	half := 0.5 * math.Sqrt(dx*dx+dy*dy+dz*dz)
	if half > 1.0 {
		half = 1.0
	}
	return degrees(2.0 * math.Asin(half))
}

// RASearchHalfWidth returns the RA half-width in degrees of an angular search
// radius theta centred at declination decl.  RA degrees compress toward the
// poles, so the window must widen as |decl| grows; once |decl|+theta crosses
// PolarCutoff the search is effectively polar and the full RA range is
// returned.
func RASearchHalfWidth(theta, decl float64) (float64, error) {
	if math.IsNaN(theta) || theta <= 0 {
		return 0, errors.Newf(errors.ErrCodeInvalidSearchRadius,
			"search radius must be positive, got %v", theta)
	}
	if math.Abs(decl)+theta > PolarCutoff {
		return FullRAHalfWidth, nil
	}

	thetaRad := radians(theta)
	declRad := radians(decl)
	denom := math.Sqrt(math.Abs(math.Cos(declRad-thetaRad) * math.Cos(declRad+thetaRad)))
	return degrees(math.Abs(math.Atan(math.Sin(thetaRad) / denom))), nil
}

// DeRuiterRadius returns the dimensionless positional offset between two
// measurements: the angular separation per axis normalised by the combined
// uncertainty on that axis.  Uncertainties are on-sky arcseconds.  A value of
// zero means coincident centres; the original pipeline accepted pairs below
// ~3.7 as compatible at high confidence.
func DeRuiterRadius(p1, p2 Position, raErr1, declErr1, raErr2, declErr2 float64) float64 {
	meanDecl := radians((p1.Decl + p2.Decl) / 2.0)
	dRA := MeridianDelta(p1.RA, p2.RA) * math.Cos(meanDecl) * ArcsecPerDegree
	dDecl := (p1.Decl - p2.Decl) * ArcsecPerDegree

	raVar := raErr1*raErr1 + raErr2*raErr2
	declVar := declErr1*declErr1 + declErr2*declErr2
	if raVar == 0 || declVar == 0 {
		if dRA == 0 && dDecl == 0 {
			return 0
		}
		return math.Inf(1)
	}
	return math.Sqrt(dRA*dRA/raVar + dDecl*dDecl/declVar)
}
