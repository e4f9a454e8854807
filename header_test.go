package czmil

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestHeaderRenderParseRoundTrip verifies every metadata, bounds and
// format-info field survives a render/parse cycle.
func TestHeaderRenderParseRoundTrip(t *testing.T) {
	h := NewFileHeader(FileTypePoint, pointHeaderSize)
	h.RecordCount = 42
	h.FileSize = 123456
	h.Bounds = &BoundingBox{MinLat: 10, MaxLat: 20, MinLon: -80, MaxLon: -70, MinElev: -5, MaxElev: 5}
	h.BaseLat = 15
	h.BaseLon = -75
	h.Description = "single line description"
	require.NoError(t, h.AddField("OPERATOR", "NOAA"))

	buf, err := h.Render()
	require.NoError(t, err)
	require.Len(t, buf, pointHeaderSize)

	parsed, err := ParseHeader(bytes.NewReader(buf), pointHeaderSize)
	require.NoError(t, err)

	require.Equal(t, h.Type, parsed.Type)
	require.Equal(t, h.RecordCount, parsed.RecordCount)
	require.Equal(t, h.FileSize, parsed.FileSize)
	require.NotNil(t, parsed.Bounds)
	require.InDelta(t, h.Bounds.MinLat, parsed.Bounds.MinLat, 1e-9)
	require.InDelta(t, h.Bounds.MaxLon, parsed.Bounds.MaxLon, 1e-9)
	require.Equal(t, h.Description, parsed.Description)
	require.Equal(t, h.Format.ElevScale, parsed.Format.ElevScale)
	require.Equal(t, h.Format.MaxReturns, parsed.Format.MaxReturns)

	v, err := parsed.GetField("OPERATOR")
	require.NoError(t, err)
	require.Equal(t, "NOAA", v)
}

// TestHeaderMultilineDescriptionRoundTrip covers the {TAG = ... } block
// form used for any value containing embedded newlines, including a
// multi-line application-defined field.
func TestHeaderMultilineDescriptionRoundTrip(t *testing.T) {
	h := NewFileHeader(FileTypeWaveform, waveformHeaderSize)
	h.Description = "line one\nline two\nline three"
	require.NoError(t, h.AddField("NOTES", "first\nsecond"))

	buf, err := h.Render()
	require.NoError(t, err)

	parsed, err := ParseHeader(bytes.NewReader(buf), waveformHeaderSize)
	require.NoError(t, err)
	require.Equal(t, h.Description, parsed.Description)
	v, err := parsed.GetField("NOTES")
	require.NoError(t, err)
	require.Equal(t, "first\nsecond", v)
}

// TestHeaderNormalizesCRLF verifies CRLF and CR-only line endings in an
// application-defined field are normalized to LF on write.
func TestHeaderNormalizesCRLF(t *testing.T) {
	h := NewFileHeader(FileTypeWaveform, waveformHeaderSize)
	require.NoError(t, h.AddField("X", "a\r\nb\rc"))
	v, err := h.GetField("X")
	require.NoError(t, err)
	require.Equal(t, "a\nb\nc", v)
}

// TestHeaderOverflowOnExactAndOneByteOver verifies a header whose
// rendered text exactly fills HeaderSize succeeds, while one byte more
// fails with ErrHeaderOverflow — the fixed-size boundary from spec §8.
func TestHeaderOverflowOnExactAndOneByteOver(t *testing.T) {
	h := NewFileHeader(FileTypeWaveform, waveformHeaderSize)
	_, err := h.Render()
	require.NoError(t, err)

	base := *h
	base.HeaderSize = 0
	_, err = (&base).Render()
	require.Error(t, err)
	var cErr *Error
	require.ErrorAs(t, err, &cErr)
	require.Equal(t, ErrHeaderOverflow, cErr.Code)

	// The [HEADERSIZE] value is part of the text, so the probe is
	// rendered at a size with as many digits as the text length itself
	// (three); rendering at 4096 would yield a text one byte longer than
	// the header that the same fields render into at that length.
	h2 := NewFileHeader(FileTypeWaveform, 999)
	probe, err := h2.Render()
	require.NoError(t, err)
	text := strings.TrimRight(string(probe), " ")

	exact := NewFileHeader(FileTypeWaveform, len(text))
	_, err = exact.Render()
	require.NoError(t, err)

	oneShort := NewFileHeader(FileTypeWaveform, len(text)-1)
	_, err = oneShort.Render()
	require.Error(t, err)
}

// TestAddFieldRejectsDuplicate verifies the duplicate-key invariant
// from spec §4.8.
func TestAddFieldRejectsDuplicate(t *testing.T) {
	h := NewFileHeader(FileTypeWaveform, waveformHeaderSize)
	require.NoError(t, h.AddField("K", "v1"))
	err := h.AddField("K", "v2")
	require.Error(t, err)
	var cErr *Error
	require.ErrorAs(t, err, &cErr)
	require.Equal(t, ErrDuplicateField, cErr.Code)
}

// TestUpdateAndDeleteFieldLifecycle exercises add/update/get/delete and
// the not-found path afterward.
func TestUpdateAndDeleteFieldLifecycle(t *testing.T) {
	h := NewFileHeader(FileTypeWaveform, waveformHeaderSize)
	require.NoError(t, h.AddField("K", "v1"))

	require.NoError(t, h.UpdateField("K", "v2"))
	v, err := h.GetField("K")
	require.NoError(t, err)
	require.Equal(t, "v2", v)

	require.NoError(t, h.DeleteField("K"))
	_, err = h.GetField("K")
	require.Error(t, err)
	var cErr *Error
	require.ErrorAs(t, err, &cErr)
	require.Equal(t, ErrFieldNotFound, cErr.Code)

	err = h.UpdateField("K", "v3")
	require.Error(t, err)
	err = h.DeleteField("K")
	require.Error(t, err)
}

// TestTouchUpdatesModifiedTimestamp verifies that touch, the call the
// record-writing methods make, advances Modified.
func TestTouchUpdatesModifiedTimestamp(t *testing.T) {
	h := NewFileHeader(FileTypeWaveform, waveformHeaderSize)
	orig := h.Modified
	nowFunc = func() time.Time { return orig.Add(time.Hour) }
	defer func() { nowFunc = time.Now }()

	require.NoError(t, h.AddField("K", "v"))
	h.touch()
	require.True(t, h.Modified.After(orig))
}

// TestParseHeaderRejectsMalformedTagLine verifies a line that is
// neither a [TAG], a {BLOCK, nor blank is rejected.
func TestParseHeaderRejectsMalformedTagLine(t *testing.T) {
	text := "not a tag line\n" + headerSentinel + "\n"
	padded := make([]byte, 512)
	copy(padded, text)
	for i := len(text); i < len(padded); i++ {
		padded[i] = ' '
	}
	_, err := ParseHeader(bytes.NewReader(padded), 512)
	require.Error(t, err)
	var cErr *Error
	require.ErrorAs(t, err, &cErr)
	require.Equal(t, ErrHeaderParse, cErr.Code)
}

// TestRefTimeFormatParseRoundTrip verifies the yyyy/ddd hh:mm:ss
// reference-time codec round-trips to the second.
func TestRefTimeFormatParseRoundTrip(t *testing.T) {
	want := time.Date(2024, time.March, 15, 13, 45, 7, 0, time.UTC)
	s := formatRefTime(want)
	got, err := parseRefTime(s)
	require.NoError(t, err)
	require.True(t, want.Equal(got))
}
