package association_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/transientlab/skymatch/internal/application/association"
	"github.com/transientlab/skymatch/internal/domain/catalog"
	"github.com/transientlab/skymatch/internal/domain/sky"
	appErrors "github.com/transientlab/skymatch/pkg/errors"
)

const (
	testTheta      = 0.025 // degrees, 90 arcsec
	testZoneHeight = 1.0
)

func testOptions() association.Options {
	return association.Options{Theta: testTheta, ZoneHeight: testZoneHeight}
}

func mustPosition(t *testing.T, ra, decl float64) sky.Position {
	t.Helper()
	p, err := sky.NewPosition(ra, decl)
	require.NoError(t, err)
	return p
}

// testDetection builds a valid detection with 2 arcsec positional errors and
// a 4×3 arcsec fitted shape.
func testDetection(t *testing.T, id int64, ra, decl float64) catalog.Detection {
	t.Helper()
	return catalog.Detection{
		ID:            id,
		ImageID:       10,
		DatasetID:     1,
		Pos:           mustPosition(t, ra, decl),
		RAErr:         2,
		DeclErr:       2,
		SemiMajor:     4,
		SemiMinor:     3,
		PositionAngle: 30,
		Flux: catalog.FluxMeasurement{
			Peak: 0.5, PeakErr: 0.01, Int: 0.6, IntErr: 0.02, DetSigma: 12,
		},
	}
}

// testSource seeds a single-member running source from one detection, so its
// weighted mean reproduces the given position with 2 arcsec errors.
func testSource(t *testing.T, id, detID int64, ra, decl float64) catalog.RunningSource {
	t.Helper()
	src, err := catalog.NewRunningSource(id, testDetection(t, detID, ra, decl))
	require.NoError(t, err)
	return src
}

func TestOptions_Validate(t *testing.T) {
	tests := []struct {
		name     string
		opts     association.Options
		wantCode appErrors.ErrorCode
	}{
		{"valid", association.Options{Theta: 0.025, ZoneHeight: 1}, ""},
		{"zero theta", association.Options{Theta: 0, ZoneHeight: 1}, appErrors.ErrCodeInvalidSearchRadius},
		{"negative theta", association.Options{Theta: -1, ZoneHeight: 1}, appErrors.ErrCodeInvalidSearchRadius},
		{"theta above 90", association.Options{Theta: 90.01, ZoneHeight: 1}, appErrors.ErrCodeInvalidSearchRadius},
		{"NaN theta", association.Options{Theta: math.NaN(), ZoneHeight: 1}, appErrors.ErrCodeInvalidSearchRadius},
		{"zero zone height", association.Options{Theta: 0.025, ZoneHeight: 0}, appErrors.CodeInvalidParam},
		{"infinite zone height", association.Options{Theta: 0.025, ZoneHeight: math.Inf(1)}, appErrors.CodeInvalidParam},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.opts.Validate()
			if tt.wantCode == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, appErrors.IsCode(err, tt.wantCode))
		})
	}
}

func TestAssociate_EmptyCatalogAllNew(t *testing.T) {
	detections := []catalog.Detection{
		testDetection(t, 1, 100, 10),
		testDetection(t, 2, 150, -30),
		testDetection(t, 3, 200, 45),
	}

	result, err := association.Associate(association.Snapshot{DatasetID: 1}, detections, testOptions())
	require.NoError(t, err)

	require.Len(t, result.Decisions, 3)
	for i, d := range result.Decisions {
		assert.Equal(t, detections[i].ID, d.DetectionID, "decisions follow input order")
		assert.Equal(t, catalog.DecisionNew, d.Kind)
		assert.Negative(t, d.RunningID, "new sources carry provisional IDs")
	}
	assert.Equal(t, int64(-1), result.Decisions[0].RunningID)
	assert.Equal(t, int64(-2), result.Decisions[1].RunningID)

	require.Len(t, result.Created, 3)
	assert.Equal(t, int64(-1), result.Created[0].ID)
	assert.Equal(t, []int64{1}, result.Created[0].Members)
	assert.Equal(t, 1, result.Created[0].Datapoints)
	assert.InDelta(t, 100.0, result.Created[0].WMPos.RA, 1e-9)
	assert.InDelta(t, 2.0, result.Created[0].WMRAErr, 1e-9)
	assert.True(t, result.Created[0].Active)

	assert.Empty(t, result.Updated)
	assert.Empty(t, result.Deactivated)
	assert.Empty(t, result.Skipped)
	assert.Equal(t, 0, result.Stats.Candidates)
}

func TestAssociate_Match(t *testing.T) {
	src := testSource(t, 7, 71, 100, 10)
	snapshot := association.Snapshot{DatasetID: 1, Sources: []catalog.RunningSource{src}}
	det := testDetection(t, 50, 100.0005, 10)

	result, err := association.Associate(snapshot, []catalog.Detection{det}, testOptions())
	require.NoError(t, err)

	require.Len(t, result.Decisions, 1)
	d := result.Decisions[0]
	assert.Equal(t, catalog.DecisionMatch, d.Kind)
	assert.Equal(t, int64(7), d.RunningID)
	assert.InDelta(t, 0.0005*math.Cos(10*math.Pi/180), d.Distance, 1e-7,
		"distance is measured before the mean moves")
	assert.Positive(t, d.Weight)

	assert.Empty(t, result.Created)
	require.Len(t, result.Updated, 1)
	updated := result.Updated[0]
	assert.Equal(t, int64(7), updated.ID)
	assert.Equal(t, 2, updated.Datapoints)
	assert.ElementsMatch(t, []int64{71, 50}, updated.Members)
	// Equal weights put the mean halfway between the two positions.
	assert.InDelta(t, 100.00025, updated.WMPos.RA, 1e-9)
	assert.InDelta(t, 10.0, updated.WMPos.Decl, 1e-9)

	assert.Equal(t, 1, result.Stats.Candidates)
	assert.Equal(t, 1, result.Stats.EllipseTests)
	assert.Equal(t, 0, result.IndexRebuilds)
}

func TestAssociate_NewOutsideSearchRadius(t *testing.T) {
	snapshot := association.Snapshot{
		DatasetID: 1,
		Sources:   []catalog.RunningSource{testSource(t, 7, 71, 100, 10)},
	}
	det := testDetection(t, 50, 100.1, 10) // ~354 arcsec away, theta is 90

	result, err := association.Associate(snapshot, []catalog.Detection{det}, testOptions())
	require.NoError(t, err)

	require.Len(t, result.Decisions, 1)
	assert.Equal(t, catalog.DecisionNew, result.Decisions[0].Kind)
	assert.Empty(t, result.Updated)
	assert.Equal(t, 0, result.Stats.Candidates)
}

func TestAssociate_NewWhenEllipsesMiss(t *testing.T) {
	snapshot := association.Snapshot{
		DatasetID: 1,
		Sources:   []catalog.RunningSource{testSource(t, 7, 71, 100, 10)},
	}
	// ~35 arcsec separation: inside the candidate radius, far beyond the
	// combined 4+2 arcsec semi-major extents.
	det := testDetection(t, 50, 100.01, 10)

	result, err := association.Associate(snapshot, []catalog.Detection{det}, testOptions())
	require.NoError(t, err)

	require.Len(t, result.Decisions, 1)
	assert.Equal(t, catalog.DecisionNew, result.Decisions[0].Kind)
	assert.Equal(t, 1, result.Stats.Candidates)
	assert.Equal(t, 1, result.Stats.EllipseTests)
	assert.Empty(t, result.Updated)
}

func TestAssociate_Merge(t *testing.T) {
	snapshot := association.Snapshot{
		DatasetID: 1,
		Sources: []catalog.RunningSource{
			testSource(t, 7, 71, 100, 10),
			testSource(t, 9, 91, 100.001, 10),
		},
	}
	det := testDetection(t, 50, 100.0005, 10) // overlaps both neighbors

	result, err := association.Associate(snapshot, []catalog.Detection{det}, testOptions())
	require.NoError(t, err)

	require.Len(t, result.Decisions, 1)
	d := result.Decisions[0]
	assert.Equal(t, catalog.DecisionMerge, d.Kind)
	assert.Equal(t, int64(7), d.RunningID, "lowest candidate ID survives")
	assert.Equal(t, []int64{7, 9}, d.MergedIDs)
	assert.InDelta(t, 0, d.Distance, 1e-9, "detection sits on the folded mean")

	assert.Equal(t, []int64{9}, result.Deactivated)
	assert.Empty(t, result.Created)

	require.Len(t, result.Updated, 1)
	survivor := result.Updated[0]
	assert.Equal(t, int64(7), survivor.ID)
	assert.Equal(t, 3, survivor.Datapoints)
	assert.ElementsMatch(t, []int64{71, 91, 50}, survivor.Members)
	assert.InDelta(t, 100.0005, survivor.WMPos.RA, 1e-9)

	assert.Equal(t, 2, result.Stats.Candidates)
	assert.Equal(t, 2, result.Stats.EllipseTests)
}

func TestAssociate_SkipsInvalidDetection(t *testing.T) {
	bad := testDetection(t, 50, 100, 10)
	bad.RAErr = 0
	good := testDetection(t, 51, 150, -30)

	result, err := association.Associate(association.Snapshot{DatasetID: 1},
		[]catalog.Detection{bad, good}, testOptions())
	require.NoError(t, err)

	require.Len(t, result.Skipped, 1)
	assert.Equal(t, int64(50), result.Skipped[0].DetectionID)
	assert.True(t, appErrors.IsCode(result.Skipped[0].Err, appErrors.CodeInvalidPosition))

	require.Len(t, result.Decisions, 1)
	assert.Equal(t, int64(51), result.Decisions[0].DetectionID)
}

func TestAssociate_SkipsForeignDataset(t *testing.T) {
	det := testDetection(t, 50, 100, 10)
	det.DatasetID = 2

	result, err := association.Associate(association.Snapshot{DatasetID: 1},
		[]catalog.Detection{det}, testOptions())
	require.NoError(t, err)

	require.Len(t, result.Skipped, 1)
	assert.Contains(t, result.Skipped[0].Err.Error(), "belongs to dataset 2")
	assert.Empty(t, result.Decisions)
}

func TestAssociate_RerunIsIdempotent(t *testing.T) {
	src := testSource(t, 7, 50, 100, 10) // detection 50 is already a member
	snapshot := association.Snapshot{DatasetID: 1, Sources: []catalog.RunningSource{src}}
	det := testDetection(t, 50, 100, 10)

	result, err := association.Associate(snapshot, []catalog.Detection{det}, testOptions())
	require.NoError(t, err)

	assert.Empty(t, result.Decisions)
	assert.Empty(t, result.Updated)
	assert.Equal(t, 1, result.Stats.AlreadyMembers)
}

func TestAssociate_NewSourcesInvisibleWithinBatch(t *testing.T) {
	a := testDetection(t, 1, 100, 10)
	b := testDetection(t, 2, 100, 10) // same spot, same image

	result, err := association.Associate(association.Snapshot{DatasetID: 1},
		[]catalog.Detection{a, b}, testOptions())
	require.NoError(t, err)

	require.Len(t, result.Decisions, 2)
	assert.Equal(t, catalog.DecisionNew, result.Decisions[0].Kind)
	assert.Equal(t, catalog.DecisionNew, result.Decisions[1].Kind,
		"a detection never associates with a source born in the same batch")
	assert.Len(t, result.Created, 2)
}

func TestAssociate_SnapshotIntegrity(t *testing.T) {
	valid := testSource(t, 7, 71, 100, 10)

	t.Run("duplicate source", func(t *testing.T) {
		_, err := association.Associate(association.Snapshot{
			DatasetID: 1,
			Sources:   []catalog.RunningSource{valid, valid},
		}, nil, testOptions())
		require.Error(t, err)
		assert.True(t, appErrors.IsCode(err, appErrors.ErrCodeSnapshotFailed))
	})

	t.Run("foreign dataset source", func(t *testing.T) {
		foreign := testSource(t, 8, 81, 100, 10)
		foreign.DatasetID = 2
		_, err := association.Associate(association.Snapshot{
			DatasetID: 1,
			Sources:   []catalog.RunningSource{foreign},
		}, nil, testOptions())
		require.Error(t, err)
		assert.True(t, appErrors.IsCode(err, appErrors.ErrCodeSnapshotFailed))
	})

	t.Run("provisional ID in snapshot", func(t *testing.T) {
		bad := valid
		bad.ID = -3
		_, err := association.Associate(association.Snapshot{
			DatasetID: 1,
			Sources:   []catalog.RunningSource{bad},
		}, nil, testOptions())
		require.Error(t, err)
		assert.True(t, appErrors.IsCode(err, appErrors.ErrCodeSnapshotFailed))
	})

	t.Run("corrupt accumulators", func(t *testing.T) {
		bad := valid
		bad.SumRAWeight = 0
		_, err := association.Associate(association.Snapshot{
			DatasetID: 1,
			Sources:   []catalog.RunningSource{bad},
		}, nil, testOptions())
		require.Error(t, err)
		assert.True(t, appErrors.IsCode(err, appErrors.ErrCodeSnapshotFailed))
	})
}

func TestAssociate_DoesNotMutateInputs(t *testing.T) {
	src := testSource(t, 7, 71, 100, 10)
	snapshot := association.Snapshot{DatasetID: 1, Sources: []catalog.RunningSource{src}}
	det := testDetection(t, 50, 100.0005, 10)

	result, err := association.Associate(snapshot, []catalog.Detection{det}, testOptions())
	require.NoError(t, err)
	require.Len(t, result.Updated, 1)

	assert.Equal(t, 1, snapshot.Sources[0].Datapoints, "snapshot source untouched")
	assert.Equal(t, []int64{71}, snapshot.Sources[0].Members)
	assert.InDelta(t, 100.0, snapshot.Sources[0].WMPos.RA, 1e-12)
}

func TestAssociate_Deterministic(t *testing.T) {
	snapshot := association.Snapshot{
		DatasetID: 1,
		Sources: []catalog.RunningSource{
			testSource(t, 7, 71, 100, 10),
			testSource(t, 9, 91, 100.001, 10),
			testSource(t, 12, 121, 100.2, 10),
		},
	}
	detections := []catalog.Detection{
		testDetection(t, 50, 100.0005, 10),
		testDetection(t, 51, 100.2, 10.0002),
		testDetection(t, 52, 250, -45),
	}

	first, err := association.Associate(snapshot, detections, testOptions())
	require.NoError(t, err)
	second, err := association.Associate(snapshot, detections, testOptions())
	require.NoError(t, err)
	assert.Equal(t, first, second)
}
