package czmil

import (
	"math"
	"time"
)

// Scale/offset/width trios for the fields where original_source shows
// an independent scale per quantity (czmil_internals.h: CPF_ELEV_SCALE,
// CPF_UNCERT_SCALE, CWF_RANGE_SCALE, ...). These are the library
// defaults used when a FormatInfo does not override them; a file's own
// header always wins once parsed, per spec §3's "compact header
// documenting the scales and bit widths actually used".
const (
	LatLonAbsoluteScale = 200000.0 // 1/200,000 of a degree
	LatLonDiffScale     = 10000.0  // 1/10,000 of a degree

	ElevationScale    = 1000.0 // millimeters
	UncertaintyScale  = 1000.0 // millimeters
	ReflectanceScale  = 100.0
	InterestPointScale = 1000.0
	KdScale           = 100.0
	LaserEnergyScale  = 100.0
	ProbabilityScale  = 10000.0
	RangeScale        = 1000.0
	IntensityScale    = 100.0
	AngleScale        = 100.0
	AltitudeScale     = 1000.0

	WaveformSampleBits = 10 // 0..1023 per spec §3 WaveformPacket
)

// cosTable holds cos(latitude) for integer latitude degrees from -89
// to +89, consulted when scaling a longitude difference so that
// horizontal resolution stays uniform with latitude (spec §4.2).
var cosTable [179]float64

func init() {
	for i := range cosTable {
		deg := float64(i - 89)
		cosTable[i] = math.Cos(deg * math.Pi / 180.0)
	}
}

// cosLatitude returns cos(latDeg) using the precomputed 179-entry
// table, clamping to the table's [-89, 89] domain the way the
// original format does (flightlines never approach the poles).
func cosLatitude(latDeg float64) float64 {
	deg := int(math.Round(latDeg))
	if deg < -89 {
		deg = -89
	}
	if deg > 89 {
		deg = 89
	}
	return cosTable[deg+89]
}

// NullCode is the distinguished maximum code for a given bit width,
// used to signal a null/absent value (e.g. a null elevation).
func NullCode(width uint) uint32 {
	if width >= 32 {
		return math.MaxUint32
	}
	return (uint32(1) << width) - 1
}

// EncodeScaled implements spec §4.2's encode():
// round(x*scale) + offset, clamped to [0, 2^width-1], erroring if the
// rounded, offset value falls outside that range.
func EncodeScaled(x float64, scale float64, offset int64, width uint) (uint32, error) {
	max := int64(NullCode(width))
	coded := int64(math.Round(x*scale)) + offset
	if coded < 0 || coded > max {
		return 0, raise(wrapError(ErrValueOutOfRange, "scaled value out of range", nil).
			WithDetail("value", x).WithDetail("scale", scale).WithDetail("offset", offset).WithDetail("width", width))
	}
	return uint32(coded), nil
}

// DecodeScaled is the inverse of EncodeScaled.
func DecodeScaled(code uint32, scale float64, offset int64) float64 {
	return (float64(code) - float64(offset)) / scale
}

// EncodeScaledOrNull encodes x, but returns the null code for this
// width without error when x is NaN (the library's convention for "no
// value", e.g. a channel with no bare-earth elevation).
func EncodeScaledOrNull(x float64, scale float64, offset int64, width uint) (uint32, error) {
	if math.IsNaN(x) {
		return NullCode(width), nil
	}
	return EncodeScaled(x, scale, offset, width)
}

// DecodeScaledOrNull is the inverse of EncodeScaledOrNull: the null
// code decodes to NaN instead of a bogus scaled value.
func DecodeScaledOrNull(code uint32, scale float64, offset int64, width uint) float64 {
	if code == NullCode(width) {
		return math.NaN()
	}
	return DecodeScaled(code, scale, offset)
}

// EncodeLonDiff encodes a longitude difference (degrees, relative to a
// reference position) using the latitude-corrected scale from spec
// §4.2: the longitude component is additionally scaled by cos(lat) so
// that a fixed bit width yields uniform horizontal resolution at any
// latitude.
func EncodeLonDiff(lonDiffDeg float64, latDeg float64, scale float64, offset int64, width uint) (uint32, error) {
	return EncodeScaled(lonDiffDeg*cosLatitude(latDeg), scale, offset, width)
}

// DecodeLonDiff is the inverse of EncodeLonDiff.
func DecodeLonDiff(code uint32, latDeg float64, scale float64, offset int64) float64 {
	return DecodeScaled(code, scale, offset) / cosLatitude(latDeg)
}

// signedOffset returns the pre-agreed offset used to store a signed
// value in an unsigned field of the given width: half the value range
// the width implies, per spec §4.1.
func signedOffset(width uint) int64 {
	return int64(1) << (width - 1)
}

// encodeTimeOffset derives a shot's microsecond offset from the
// file's base (file-start) timestamp and checks it fits width bits,
// per spec §3's Shot invariant and §4.4/§4.5's "time offset from
// file-start timestamp" wire field.
func encodeTimeOffset(t, base time.Time, width uint) (uint32, error) {
	delta := t.Sub(base).Microseconds()
	if delta < 0 {
		return 0, raise(wrapError(ErrValueOutOfRange, "shot time precedes file-start timestamp", nil).
			WithDetail("shot", t).WithDetail("base", base))
	}
	if width < 32 && delta >= int64(1)<<width {
		return 0, raise(wrapError(ErrValueOutOfRange, "shot time offset exceeds time bit width", nil).
			WithDetail("offsetUs", delta).WithDetail("width", width))
	}
	return uint32(delta), nil
}

// decodeTimeOffset reconstructs an absolute shot timestamp from a
// file-start base and the microsecond offset stored on the wire.
func decodeTimeOffset(offsetUs uint32, base time.Time) time.Time {
	return base.Add(time.Duration(offsetUs) * time.Microsecond)
}
