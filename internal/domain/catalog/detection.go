// Package catalog implements the running-catalog bounded context: detections
// extracted from images, running sources accumulated across images, the
// declination-zone index used for candidate retrieval, association decisions,
// and the persistence contracts the infrastructure layer fulfils.  All state
// transitions of the catalog live here; I/O belongs to the repository
// implementations.
package catalog

import (
	"math"

	"github.com/transientlab/skymatch/internal/domain/sky"
	"github.com/transientlab/skymatch/pkg/errors"
)

// unitVectorTolerance bounds how far a position's cached direction vector may
// drift from unit length before the detection is considered hand-built or
// corrupted in transit.
const unitVectorTolerance = 1e-9

// FluxMeasurement carries the photometry of a detection.  The association
// pipeline never interprets these values; they ride along into persistence
// and out through the API.
type FluxMeasurement struct {
	Peak     float64 `json:"f_peak"`
	PeakErr  float64 `json:"f_peak_err"`
	Int      float64 `json:"f_int"`
	IntErr   float64 `json:"f_int_err"`
	DetSigma float64 `json:"det_sigma"`
}

// Detection is a single source measurement extracted from one image.  It is
// immutable once created: association never rewrites a detection, it only
// links it to a running source.
//
// RAErr and DeclErr are the on-sky 1-sigma positional uncertainties in
// arcseconds and drive the weighted means and the De Ruiter radius.
// SemiMajor, SemiMinor and PositionAngle describe the fitted shape used by
// the ellipse overlap test; a zero SemiMinor is tolerated (degenerate fit)
// and resolved by the overlap fallback.
type Detection struct {
	ID        int64 `json:"id"`
	ImageID   int64 `json:"image_id"`
	DatasetID int64 `json:"dataset_id"`

	Pos     sky.Position `json:"pos"`
	RAErr   float64      `json:"ra_err"`   // arcsec
	DeclErr float64      `json:"decl_err"` // arcsec

	SemiMajor     float64 `json:"semimajor"` // arcsec
	SemiMinor     float64 `json:"semiminor"` // arcsec
	PositionAngle float64 `json:"pa"`        // degrees east of north

	Flux FluxMeasurement `json:"flux"`
}

// Validate reports whether the detection can enter the association pipeline.
// Violations carry the invalid-position code: the engine skips these
// detections, records them, and leaves catalog state untouched.
func (d Detection) Validate() error {
	for _, v := range []float64{d.RAErr, d.DeclErr, d.SemiMajor, d.SemiMinor, d.PositionAngle} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return errors.New(errors.CodeInvalidPosition, "detection has non-finite shape or error fields")
		}
	}
	if d.RAErr <= 0 || d.DeclErr <= 0 {
		return errors.Newf(errors.CodeInvalidPosition,
			"positional errors must be positive: ra_err=%g decl_err=%g", d.RAErr, d.DeclErr)
	}
	if d.SemiMajor < 0 || d.SemiMinor < 0 || d.SemiMinor > d.SemiMajor {
		return errors.Newf(errors.CodeInvalidPosition,
			"fitted shape violates semimajor >= semiminor >= 0: %g / %g", d.SemiMajor, d.SemiMinor)
	}
	if d.Pos.Decl <= -90 || d.Pos.Decl >= 90 ||
		math.IsNaN(d.Pos.RA) || math.IsNaN(d.Pos.Decl) {
		return errors.Newf(errors.CodeInvalidPosition, "declination %g outside (-90, 90)", d.Pos.Decl)
	}
	// A position built anywhere but sky.NewPosition betrays itself here.
	norm := d.Pos.X*d.Pos.X + d.Pos.Y*d.Pos.Y + d.Pos.Z*d.Pos.Z
	if math.Abs(norm-1) > unitVectorTolerance {
		return errors.New(errors.CodeInvalidPosition, "position direction vector is not unit length")
	}
	return nil
}

// Ellipse returns the detection's positional uncertainty region for the
// overlap test.
func (d Detection) Ellipse() sky.ErrorEllipse {
	return sky.ErrorEllipse{
		Center:        d.Pos,
		SemiMajor:     d.SemiMajor,
		SemiMinor:     d.SemiMinor,
		PositionAngle: d.PositionAngle,
	}
}
