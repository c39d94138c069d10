package catalog

import (
	"math"
	"sort"

	"github.com/transientlab/skymatch/internal/domain/sky"
	"github.com/transientlab/skymatch/pkg/errors"
)

// ZoneOf returns the declination zone of a position: floor(decl/zoneHeight).
// Zones are negative below the equator.  The same function orders the zone
// column persisted alongside sources, so SQL-side candidate queries and this
// index agree.
func ZoneOf(decl, zoneHeight float64) int32 {
	return int32(math.Floor(decl / zoneHeight))
}

// ZoneEntry is one indexed source position.
type ZoneEntry struct {
	ID   int64
	RA   float64
	Decl float64
}

// ZoneIndex buckets source positions into declination zones for candidate
// retrieval.  It is a rebuildable cache over the running catalog, never the
// source of truth: on any detected inconsistency callers rebuild it from
// catalog state and continue.
//
// Query returns a superset of the true theta-neighbourhood; the ellipse test
// downstream discards the excess.  The index is not safe for concurrent use;
// the association engine owns one per batch.
type ZoneIndex struct {
	zoneHeight float64
	zones      map[int32]map[int64]ZoneEntry
	byID       map[int64]int32
}

// NewZoneIndex creates an empty index with the given zone height in degrees.
func NewZoneIndex(zoneHeight float64) (*ZoneIndex, error) {
	if math.IsNaN(zoneHeight) || zoneHeight <= 0 {
		return nil, errors.Newf(errors.CodeInvalidParam,
			"zone height must be positive, got %v", zoneHeight)
	}
	return &ZoneIndex{
		zoneHeight: zoneHeight,
		zones:      make(map[int32]map[int64]ZoneEntry),
		byID:       make(map[int64]int32),
	}, nil
}

// ZoneHeight returns the configured zone height in degrees.
func (zi *ZoneIndex) ZoneHeight() float64 { return zi.zoneHeight }

// Len returns the number of indexed sources.
func (zi *ZoneIndex) Len() int { return len(zi.byID) }

// Insert adds a source position. Re-inserting an existing ID replaces its
// entry.
func (zi *ZoneIndex) Insert(id int64, ra, decl float64) {
	if old, ok := zi.byID[id]; ok {
		delete(zi.zones[old], id)
		if len(zi.zones[old]) == 0 {
			delete(zi.zones, old)
		}
	}
	zone := ZoneOf(decl, zi.zoneHeight)
	bucket, ok := zi.zones[zone]
	if !ok {
		bucket = make(map[int64]ZoneEntry)
		zi.zones[zone] = bucket
	}
	bucket[id] = ZoneEntry{ID: id, RA: sky.NormalizeRA(ra), Decl: decl}
	zi.byID[id] = zone
}

// Move relocates a source whose position changed.  oldDecl is the caller's
// belief about the previous position; if the index disagrees, nothing is
// mutated and an index-inconsistency error is returned so the caller can
// rebuild from catalog state.
func (zi *ZoneIndex) Move(id int64, oldDecl, ra, decl float64) error {
	expected := ZoneOf(oldDecl, zi.zoneHeight)
	actual, ok := zi.byID[id]
	if !ok || actual != expected {
		return errors.Newf(errors.CodeIndexInconsistency,
			"source %d not indexed in zone %d", id, expected)
	}
	zi.Insert(id, ra, decl)
	return nil
}

// Remove drops a source from the index (merged-away sources leave this way).
// Like Move, a mismatch between the caller's belief and the index reports an
// inconsistency without mutating.
func (zi *ZoneIndex) Remove(id int64, decl float64) error {
	expected := ZoneOf(decl, zi.zoneHeight)
	actual, ok := zi.byID[id]
	if !ok || actual != expected {
		return errors.Newf(errors.CodeIndexInconsistency,
			"source %d not indexed in zone %d", id, expected)
	}
	delete(zi.zones[actual], id)
	if len(zi.zones[actual]) == 0 {
		delete(zi.zones, actual)
	}
	delete(zi.byID, id)
	return nil
}

// Rebuild discards all contents and re-indexes the given entries.
func (zi *ZoneIndex) Rebuild(entries []ZoneEntry) {
	zi.zones = make(map[int32]map[int64]ZoneEntry)
	zi.byID = make(map[int64]int32, len(entries))
	for _, e := range entries {
		zi.Insert(e.ID, e.RA, e.Decl)
	}
}

// Query returns the IDs of every indexed source that could lie within theta
// degrees of (ra, decl), sorted ascending.  The result is a superset of the
// true neighbourhood: zone range and declination band are exact bounds, and
// the RA window is widened by the declination-dependent half-width so no true
// neighbour is cut off.  An invalid theta yields no candidates.
func (zi *ZoneIndex) Query(ra, decl, theta float64) []int64 {
	halfWidth, err := sky.RASearchHalfWidth(theta, decl)
	if err != nil {
		return nil
	}
	ra = sky.NormalizeRA(ra)

	loDecl, hiDecl := decl-theta, decl+theta
	loZone := ZoneOf(math.Max(loDecl, -90), zi.zoneHeight)
	hiZone := ZoneOf(math.Min(hiDecl, 90), zi.zoneHeight)

	var ids []int64
	for zone := loZone; zone <= hiZone; zone++ {
		for id, e := range zi.zones[zone] {
			if e.Decl < loDecl || e.Decl > hiDecl {
				continue
			}
			if halfWidth < sky.FullRAHalfWidth &&
				math.Abs(sky.MeridianDelta(e.RA, ra)) > halfWidth {
				continue
			}
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
