package czmil

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// sampleWaveformRecord builds a deterministic, decodable waveform
// record for shot ordinal n, with one packet per channel and a mix of
// flat and varying sample patterns so scheme selection exercises more
// than one path across the suite.
func sampleWaveformRecord(n uint32) WaveformRecord {
	var rec WaveformRecord
	rec.Shot = Shot{
		Ordinal:   n,
		Timestamp: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(n) * time.Millisecond),
		ScanAngle: float32(n) - 10,
	}
	for c := 0; c < ChannelCount; c++ {
		var samples [SamplesPerPacket]uint16
		for i := range samples {
			samples[i] = uint16((100*c + i + int(n)) % 1024)
		}
		rec.Channels[c] = ChannelWaveform{Packets: []WaveformPacket{{Samples: samples, Index: 0, Range: float32(c) + 1.5}}}
	}
	for i := range rec.Trigger {
		rec.Trigger[i] = uint16((50 + i) % 1024)
	}
	return rec
}

// TestEncodeDecodeWaveformRecordRoundTrip verifies a full shot record,
// every channel plus the trigger, round-trips exactly through the bit
// layout (spec §8's "round-trip waveforms" property).
func TestEncodeDecodeWaveformRecordRoundTrip(t *testing.T) {
	rec := sampleWaveformRecord(7)
	fi := DefaultFormatInfo()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	buf, err := encodeWaveformRecord(&rec, &fi, base)
	require.NoError(t, err)
	got, err := decodeWaveformRecord(buf, &fi, base)
	require.NoError(t, err)

	require.Equal(t, rec.Shot.Ordinal, got.Shot.Ordinal)
	require.True(t, rec.Shot.Timestamp.Equal(got.Shot.Timestamp))
	require.InDelta(t, rec.Shot.ScanAngle, got.Shot.ScanAngle, 1.0/AngleScale)
	for c := 0; c < ChannelCount; c++ {
		require.Equal(t, rec.Channels[c].Packets[0].Samples, got.Channels[c].Packets[0].Samples, "channel %d", c)
	}
	require.Equal(t, rec.Trigger, got.Trigger)
}

// TestWaveformFileCreateWriteReopenReadRoundTrip exercises the handle
// API end to end: create, append several shots, close, reopen
// read-only, and read every record back.
func TestWaveformFileCreateWriteReopenReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "flight.czw")

	nowFunc = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	defer func() { nowFunc = time.Now }()

	wh, err := CreateWaveformFile(path, nil)
	require.NoError(t, err)

	var offs []int64
	var sizes []uint32
	for i := uint32(0); i < 4; i++ {
		offs = append(offs, wh.nextOff)
		rec := sampleWaveformRecord(i)
		require.NoError(t, wh.WriteRecord(rec))
		sizes = append(sizes, uint32(wh.nextOff-offs[i]))
	}
	require.Equal(t, uint64(4), wh.RecordCount())
	require.NoError(t, wh.Close())

	reopened, err := OpenWaveformFile(path, true)
	require.NoError(t, err)
	require.Equal(t, uint64(4), reopened.RecordCount())
	for i := uint32(0); i < 4; i++ {
		rec, err := reopened.ReadRecord(offs[i], sizes[i])
		require.NoError(t, err)
		require.Equal(t, i, rec.Shot.Ordinal)
	}
	require.NoError(t, reopened.Close())
}

// TestWaveformFileReadRecordArraySequentialScan verifies
// ReadRecordArray recovers every record and its implied W-half index
// entry by scanning the leading size fields.
func TestWaveformFileReadRecordArraySequentialScan(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "flight.czw")

	nowFunc = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	defer func() { nowFunc = time.Now }()

	wh, err := CreateWaveformFile(path, nil)
	require.NoError(t, err)
	for i := uint32(0); i < 3; i++ {
		require.NoError(t, wh.WriteRecord(sampleWaveformRecord(i)))
	}
	require.NoError(t, wh.Close())

	reopened, err := OpenWaveformFile(path, true)
	require.NoError(t, err)
	recs, idx, err := reopened.ReadRecordArray(int64(waveformHeaderSize))
	require.NoError(t, err)
	require.Len(t, recs, 3)
	require.Len(t, idx, 3)
	require.Less(t, idx[0].WOffset, idx[1].WOffset)
	require.Less(t, idx[1].WOffset, idx[2].WOffset)
	require.NoError(t, reopened.Close())
}

// TestWaveformTimestampsStrictlyMonotonic verifies the
// "strictly monotonic timestamps" property spec §8 requires: shots
// written in increasing timestamp order never trigger substitution.
func TestWaveformTimestampsStrictlyMonotonic(t *testing.T) {
	dir := t.TempDir()

	base := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	nowFunc = func() time.Time { return base }
	defer func() { nowFunc = time.Now }()

	wh, err := CreateWaveformFile(filepath.Join(dir, "flight.czw"), nil)
	require.NoError(t, err)

	var last time.Time
	for i := uint32(0); i < 5; i++ {
		rec := sampleWaveformRecord(i)
		rec.Shot.Timestamp = base.Add(time.Duration(i) * time.Second)
		require.NoError(t, wh.WriteRecord(rec))
		require.True(t, rec.Shot.Timestamp.After(last) || i == 0)
		last = rec.Shot.Timestamp
	}
	require.True(t, wh.lastTime.Equal(base.Add(4 * time.Second)))
	require.NoError(t, wh.Close())
}

// TestWaveformTimeRegressionSubstitutesNominalOffset verifies that a
// shot whose timestamp does not strictly increase over the previous
// shot has its timestamp replaced with lastTime+100us and every
// channel's validity flagged with ValidityTimeRegression, per spec §7.
func TestWaveformTimeRegressionSubstitutesNominalOffset(t *testing.T) {
	dir := t.TempDir()

	t0 := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	nowFunc = func() time.Time { return t0 }
	defer func() { nowFunc = time.Now }()

	wh, err := CreateWaveformFile(filepath.Join(dir, "flight.czw"), nil)
	require.NoError(t, err)

	first := sampleWaveformRecord(0)
	first.Shot.Timestamp = t0
	require.NoError(t, wh.WriteRecord(first))

	regressed := sampleWaveformRecord(1)
	regressed.Shot.Timestamp = t0.Add(-5 * time.Millisecond)
	require.NoError(t, wh.WriteRecord(regressed))

	require.Equal(t, t0.Add(100*time.Microsecond), wh.lastTime)
	require.NoError(t, wh.Close())

	reopened, err := OpenWaveformFile(filepath.Join(dir, "flight.czw"), true)
	require.NoError(t, err)
	recs, _, err := reopened.ReadRecordArray(int64(waveformHeaderSize))
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.True(t, recs[1].Shot.Timestamp.Equal(t0.Add(100 * time.Microsecond)))
	for c := 0; c < ChannelCount; c++ {
		require.NotZero(t, recs[1].Validity[c]&uint16(ValidityTimeRegression))
	}
	require.NoError(t, reopened.Close())
}

// TestExtractBits verifies a bit-0-aligned sub-buffer extraction
// matches a direct unpack at the source offset.
func TestExtractBits(t *testing.T) {
	src := make([]byte, 8)
	pack(src, 5, 20, 0xABCDE&((1<<20)-1))
	out := extractBits(src, 5, 20)
	require.Equal(t, unpack(src, 5, 20), unpack(out, 0, 20))
}
