package catalog

import (
	"math"

	"github.com/transientlab/skymatch/internal/domain/sky"
	"github.com/transientlab/skymatch/pkg/errors"
)

// RunningSource is the catalog's accumulated view of one astronomical source:
// the error-weighted mean position of every member detection, plus the raw
// accumulator sums that make incremental update and merge O(1).
//
// The accumulator invariants:
//
//	WMPos.RA   = normalize(SumWRA / SumRAWeight)
//	WMPos.Decl = SumWDecl / SumDeclWeight
//	WMRAErr    = 1 / sqrt(SumRAWeight)      (arcsec)
//	WMDeclErr  = 1 / sqrt(SumDeclWeight)    (arcsec)
//	Datapoints = len(Members)
//
// SumWRA accumulates RA values expressed in a frame continuous around the
// source's own mean (each contribution differs from the raw RA by an exact
// multiple of 360 degrees), so sources straddling RA 0/360 average correctly.
type RunningSource struct {
	ID        int64 `json:"id"`
	DatasetID int64 `json:"dataset_id"`

	Datapoints int          `json:"datapoints"`
	WMPos      sky.Position `json:"wm_pos"`
	WMRAErr    float64      `json:"wm_ra_err"`   // arcsec
	WMDeclErr  float64      `json:"wm_decl_err"` // arcsec

	SumRAWeight   float64 `json:"sum_ra_weight"`
	SumWRA        float64 `json:"sum_wra"`
	SumDeclWeight float64 `json:"sum_decl_weight"`
	SumWDecl      float64 `json:"sum_wdecl"`

	Members          []int64 `json:"members"`
	FirstDetectionID int64   `json:"first_detection_id"`
	Active           bool    `json:"active"`
}

// NewRunningSource seeds a running source from its first detection.  The
// resulting weighted mean reproduces the detection's position and errors
// exactly.
func NewRunningSource(id int64, det Detection) (RunningSource, error) {
	rs := RunningSource{
		ID:               id,
		DatasetID:        det.DatasetID,
		FirstDetectionID: det.ID,
		Active:           true,
	}
	if err := rs.Update(det); err != nil {
		return RunningSource{}, err
	}
	return rs, nil
}

// Update folds one detection into the weighted mean.  Weights are the inverse
// variances of the detection's positional errors.
func (rs *RunningSource) Update(det Detection) error {
	if det.RAErr <= 0 || det.DeclErr <= 0 {
		return errors.Newf(errors.CodeInvalidPosition,
			"cannot weight detection %d: errors %g / %g", det.ID, det.RAErr, det.DeclErr)
	}

	wRA := 1.0 / (det.RAErr * det.RAErr)
	wDecl := 1.0 / (det.DeclErr * det.DeclErr)

	rs.SumWRA += wRA * rs.frameRA(det.Pos.RA)
	rs.SumRAWeight += wRA
	rs.SumWDecl += wDecl * det.Pos.Decl
	rs.SumDeclWeight += wDecl

	rs.Datapoints++
	rs.Members = append(rs.Members, det.ID)
	return rs.recompute()
}

// MergeFrom absorbs another running source: accumulator sums added, members
// concatenated, datapoints combined.  The receiver keeps its identity; the
// caller is responsible for choosing the survivor and retiring the other
// source.
func (rs *RunningSource) MergeFrom(other RunningSource) error {
	if other.SumRAWeight > 0 {
		otherMean := other.SumWRA / other.SumRAWeight
		shift := rs.frameRA(otherMean) - otherMean
		rs.SumWRA += other.SumWRA + shift*other.SumRAWeight
	}
	rs.SumRAWeight += other.SumRAWeight
	rs.SumWDecl += other.SumWDecl
	rs.SumDeclWeight += other.SumDeclWeight

	rs.Datapoints += other.Datapoints
	rs.Members = append(rs.Members, other.Members...)
	return rs.recompute()
}

// frameRA expresses an RA value in the source's accumulation frame: the
// returned value differs from ra by an exact multiple of 360 and lies within
// half a circle of the current accumulated mean.  Before the first
// contribution the raw value defines the frame.
func (rs *RunningSource) frameRA(ra float64) float64 {
	if rs.SumRAWeight == 0 {
		return ra
	}
	mean := rs.SumWRA / rs.SumRAWeight
	turns := math.Round((mean + sky.MeridianDelta(ra, mean) - ra) / 360.0)
	return ra + 360.0*turns
}

func (rs *RunningSource) recompute() error {
	meanRA := sky.NormalizeRA(rs.SumWRA / rs.SumRAWeight)
	meanDecl := rs.SumWDecl / rs.SumDeclWeight

	pos, err := sky.NewPosition(meanRA, meanDecl)
	if err != nil {
		return errors.Wrap(err, errors.CodeInternal, "weighted mean left the sphere")
	}
	rs.WMPos = pos
	rs.WMRAErr = 1.0 / math.Sqrt(rs.SumRAWeight)
	rs.WMDeclErr = 1.0 / math.Sqrt(rs.SumDeclWeight)
	return nil
}

// Ellipse returns the source's current positional uncertainty region: an
// axis-aligned ellipse spanned by the weighted-mean errors, the larger error
// choosing the major axis.
func (rs RunningSource) Ellipse() sky.ErrorEllipse {
	major, minor, pa := rs.WMRAErr, rs.WMDeclErr, 90.0
	if rs.WMDeclErr > rs.WMRAErr {
		major, minor, pa = rs.WMDeclErr, rs.WMRAErr, 0.0
	}
	return sky.ErrorEllipse{
		Center:        rs.WMPos,
		SemiMajor:     major,
		SemiMinor:     minor,
		PositionAngle: pa,
	}
}

// HasMember reports whether a detection already belongs to this source.
func (rs RunningSource) HasMember(detectionID int64) bool {
	for _, id := range rs.Members {
		if id == detectionID {
			return true
		}
	}
	return false
}
