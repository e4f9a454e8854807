package czmil

import (
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// samplePointRecord builds a deterministic point record for shot
// ordinal n with returnCount returns on every channel (0 is valid and
// means "no returns on any channel"), and a bare-earth estimate on the
// shallow channels when returnCount > 0.
func samplePointRecord(n uint32, returnCount int) PointRecord {
	var rec PointRecord
	rec.Shot = Shot{
		Ordinal:   n,
		Timestamp: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(n) * time.Millisecond),
		ScanAngle: float32(n%40) - 20,
	}
	rec.ReferenceLat = 28.5 + float64(n)*0.0001
	rec.ReferenceLon = -80.5 - float64(n)*0.0001
	rec.WaterLevel = 0.3
	rec.LocalVerticalDatum = -0.1
	rec.UserData = uint8(n % 256)
	rec.ShotKd = 1.2
	rec.TriggerEnergy = 55.5
	rec.TriggerInterestPt = 4.0

	for c := 0; c < ChannelCount; c++ {
		returns := make([]Return, returnCount)
		for r := range returns {
			returns[r] = Return{
				Latitude:              rec.ReferenceLat + 0.00001*float64(r+1),
				Longitude:             rec.ReferenceLon - 0.00001*float64(r+1),
				Elevation:             -10.0 - float64(r),
				Reflectance:           float32(20 + r),
				HorizontalUncertainty: 0.05,
				VerticalUncertainty:   0.08,
				Status:                StatusNone,
				Classification:        uint8(r),
				InterestPoint:         float32(r) * 0.5,
				IPRank:                r%2 == 0,
				Probability:           0.9,
				FilterReason:          0,
				DetectionIndex:        float32(r),
			}
		}
		rec.Channels[c].Returns = returns
		rec.Channels[c].ProcessingMode = uint8(c)
		rec.Channels[c].CubeDetectionIdx = float32(c)
		if c < ShallowChannelCount && returnCount > 0 {
			rec.Channels[c].HasBareEarth = true
			rec.Channels[c].BareEarthLat = rec.ReferenceLat
			rec.Channels[c].BareEarthLon = rec.ReferenceLon
			rec.Channels[c].BareEarthElev = -12.0
		}
	}
	return rec
}

// TestEncodeDecodePointRecordRoundTrip verifies the full §4.5 field
// layout — including per-return status/classification/interest-point
// fields and per-shallow-channel bare earth — round-trips exactly
// (spec §8's "round-trip points" property).
func TestEncodeDecodePointRecordRoundTrip(t *testing.T) {
	rec := samplePointRecord(11, 3)
	fi := DefaultFormatInfo()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	payload, err := encodePointRecord(&rec, &fi, base)
	require.NoError(t, err)

	got, err := decodePointRecord(payload, &fi, base)
	require.NoError(t, err)

	require.True(t, rec.Shot.Timestamp.Equal(got.Shot.Timestamp))
	require.InDelta(t, rec.ReferenceLat, got.ReferenceLat, 1.0/LatLonDiffScale)
	require.InDelta(t, rec.ReferenceLon, got.ReferenceLon, 1.0/LatLonDiffScale)
	require.InDelta(t, rec.WaterLevel, got.WaterLevel, 1.0/ElevationScale)
	require.Equal(t, rec.UserData, got.UserData)

	for c := 0; c < ChannelCount; c++ {
		require.Len(t, got.Channels[c].Returns, len(rec.Channels[c].Returns))
		for r := range rec.Channels[c].Returns {
			want := rec.Channels[c].Returns[r]
			have := got.Channels[c].Returns[r]
			require.InDelta(t, want.Latitude, have.Latitude, 1.0/LatLonDiffScale, "chan %d ret %d", c, r)
			require.InDelta(t, want.Elevation, have.Elevation, 1.0/ElevationScale)
			require.Equal(t, want.Classification, have.Classification)
			require.Equal(t, want.IPRank, have.IPRank)
			require.Equal(t, want.Status, have.Status)
		}
		if c < ShallowChannelCount {
			require.Equal(t, rec.Channels[c].HasBareEarth, got.Channels[c].HasBareEarth)
			if rec.Channels[c].HasBareEarth {
				require.InDelta(t, rec.Channels[c].BareEarthElev, got.Channels[c].BareEarthElev, 1.0/ElevationScale)
			}
		}
	}
}

// TestPointRecordZeroReturnsOnEveryChannel covers the "no returns"
// boundary: a shot with zero returns on every channel must still
// round-trip its shot-level fields and decode empty return slices
// rather than erroring.
func TestPointRecordZeroReturnsOnEveryChannel(t *testing.T) {
	rec := samplePointRecord(1, 0)
	fi := DefaultFormatInfo()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	payload, err := encodePointRecord(&rec, &fi, base)
	require.NoError(t, err)
	got, err := decodePointRecord(payload, &fi, base)
	require.NoError(t, err)
	for c := 0; c < ChannelCount; c++ {
		require.Empty(t, got.Channels[c].Returns)
		require.False(t, got.Channels[c].HasBareEarth)
		if c < ShallowChannelCount {
			require.True(t, math.IsNaN(got.Channels[c].BareEarthLat) || got.Channels[c].BareEarthLat == 0)
		}
	}
}

// TestPointRecordMaxReturnsPerChannel covers the max-returns-per-channel
// boundary: DefaultFormatInfo().MaxReturns (8) returns on every
// channel, the configured per-channel maximum.
func TestPointRecordMaxReturnsPerChannel(t *testing.T) {
	fi := DefaultFormatInfo()
	maxReturns := int(fi.MaxReturns)
	rec := samplePointRecord(2, maxReturns)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	payload, err := encodePointRecord(&rec, &fi, base)
	require.NoError(t, err)
	got, err := decodePointRecord(payload, &fi, base)
	require.NoError(t, err)
	for c := 0; c < ChannelCount; c++ {
		require.Len(t, got.Channels[c].Returns, maxReturns)
	}
}

// TestPointFileCreateAppendRewriteInPlace verifies append semantics and
// the same-ordinal-same-length in-place rewrite path.
func TestPointFileCreateAppendRewriteInPlace(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "flight.czp")

	nowFunc = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	defer func() { nowFunc = time.Now }()

	ph, err := CreatePointFile(path, nil)
	require.NoError(t, err)

	rec := samplePointRecord(0, 2)
	require.NoError(t, ph.WriteRecord(0, rec))
	require.Equal(t, uint64(1), ph.RecordCount())

	// rewrite with identical shape (same return counts), so the encoded
	// length is unchanged and the in-place path is taken.
	rec2 := rec
	rec2.UserData = 200
	require.NoError(t, ph.WriteRecord(0, rec2))
	require.NoError(t, ph.Close())

	reopened, err := OpenPointFile(path, true)
	require.NoError(t, err)
	got, err := reopened.ReadRecord(0)
	require.NoError(t, err)
	require.Equal(t, uint8(200), got.UserData)
	require.NoError(t, reopened.Close())
}

// TestPointFileWriteRecordRejectsLengthChangeInPlace verifies a
// same-ordinal rewrite that changes the encoded record length (here,
// by changing the per-channel return counts) is rejected rather than
// corrupting the offset table.
func TestPointFileWriteRecordRejectsLengthChangeInPlace(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "flight.czp")

	nowFunc = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	defer func() { nowFunc = time.Now }()

	ph, err := CreatePointFile(path, nil)
	require.NoError(t, err)
	defer ph.Close()

	require.NoError(t, ph.WriteRecord(0, samplePointRecord(0, 1)))
	err = ph.WriteRecord(0, samplePointRecord(0, 3))
	require.Error(t, err)
	var cErr *Error
	require.ErrorAs(t, err, &cErr)
	require.Equal(t, ErrInvariantViolation, cErr.Code)
}

// TestUpdateReturnStatusIsolatesOtherFields verifies
// UpdateReturnStatus changes only the targeted return's status,
// classification and filter reason, plus shot-level user data, leaving
// every other return and field bit-identical (spec §8/§6).
func TestUpdateReturnStatusIsolatesOtherFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "flight.czp")

	nowFunc = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	defer func() { nowFunc = time.Now }()

	ph, err := CreatePointFile(path, nil)
	require.NoError(t, err)
	defer ph.Close()

	rec := samplePointRecord(0, 3)
	require.NoError(t, ph.WriteRecord(0, rec))

	before, err := ph.ReadRecord(0)
	require.NoError(t, err)

	require.NoError(t, ph.UpdateReturnStatus(0, 2, 1, StatusManuallyEdited, 7, 3, 9))

	after, err := ph.ReadRecord(0)
	require.NoError(t, err)

	require.Equal(t, StatusManuallyEdited, after.Channels[2].Returns[1].Status)
	require.Equal(t, uint8(7), after.Channels[2].Returns[1].Classification)
	require.Equal(t, uint8(3), after.Channels[2].Returns[1].FilterReason)
	require.Equal(t, uint8(9), after.UserData)

	for c := 0; c < ChannelCount; c++ {
		for r := range before.Channels[c].Returns {
			if c == 2 && r == 1 {
				continue
			}
			require.Equal(t, before.Channels[c].Returns[r].Status, after.Channels[c].Returns[r].Status, "chan %d ret %d", c, r)
			require.Equal(t, before.Channels[c].Returns[r].Classification, after.Channels[c].Returns[r].Classification, "chan %d ret %d", c, r)
			require.InDelta(t, before.Channels[c].Returns[r].Latitude, after.Channels[c].Returns[r].Latitude, 1.0/LatLonDiffScale, "chan %d ret %d", c, r)
		}
	}
}

// TestUpdateRecordOnlyTouchesModifiableFields verifies UpdateRecord
// changes processing mode, probability, filter reason and detection
// indices while geometric fields (lat/lon/elevation) are preserved
// unchanged.
func TestUpdateRecordOnlyTouchesModifiableFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "flight.czp")

	nowFunc = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	defer func() { nowFunc = time.Now }()

	ph, err := CreatePointFile(path, nil)
	require.NoError(t, err)
	defer ph.Close()

	rec := samplePointRecord(0, 2)
	require.NoError(t, ph.WriteRecord(0, rec))

	modifiable := rec
	modifiable.UserData = 77
	for c := 0; c < ChannelCount; c++ {
		modifiable.Channels[c].ProcessingMode = 9
		modifiable.Channels[c].CubeDetectionIdx = 3.5
		for r := range modifiable.Channels[c].Returns {
			modifiable.Channels[c].Returns[r].Probability = 0.42
			modifiable.Channels[c].Returns[r].FilterReason = 5
			modifiable.Channels[c].Returns[r].DetectionIndex = 1.0
		}
	}
	require.NoError(t, ph.UpdateRecord(0, modifiable))

	got, err := ph.ReadRecord(0)
	require.NoError(t, err)
	require.Equal(t, uint8(77), got.UserData)
	for c := 0; c < ChannelCount; c++ {
		require.Equal(t, uint8(9), got.Channels[c].ProcessingMode)
		for r := range got.Channels[c].Returns {
			require.InDelta(t, 0.42, got.Channels[c].Returns[r].Probability, 1.0/ProbabilityScale)
			require.InDelta(t, rec.Channels[c].Returns[r].Latitude, got.Channels[c].Returns[r].Latitude, 1.0/LatLonDiffScale)
		}
	}
}

// TestPointFileReadRecordArray verifies bulk ordinal-range reads.
func TestPointFileReadRecordArray(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "flight.czp")

	nowFunc = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	defer func() { nowFunc = time.Now }()

	ph, err := CreatePointFile(path, nil)
	require.NoError(t, err)
	defer ph.Close()

	for i := uint32(0); i < 5; i++ {
		require.NoError(t, ph.WriteRecord(i, samplePointRecord(i, 1)))
	}
	recs, err := ph.ReadRecordArray(1, 3)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	for i, rec := range recs {
		want := samplePointRecord(uint32(i+1), 1)
		require.True(t, want.Shot.Timestamp.Equal(rec.Shot.Timestamp))
	}
}
