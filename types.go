package czmil

import "time"

// ReturnStatus carries the per-return status bits recorded alongside
// each Return: water/land classification confidence, manual edits,
// and the handful of other flags spec §4.5 groups together as
// "status bits".
type ReturnStatus uint16

const (
	StatusNone ReturnStatus = 0
	// StatusManuallyEdited marks a return whose classification was
	// changed by an operator rather than the original processing run.
	StatusManuallyEdited ReturnStatus = 1 << iota
	// StatusWithheld marks a return excluded from downstream products
	// without deleting it from the record.
	StatusWithheld
	// StatusKeyPoint marks a return retained by thinning algorithms.
	StatusKeyPoint
	// StatusOverlap marks a return falling in a flight-line overlap
	// region.
	StatusOverlap
)

// Shot is one laser firing: the unit every other record type is keyed
// by (spec §3 Shot).
type Shot struct {
	Ordinal   uint32
	Timestamp time.Time
	ScanAngle float32
}

// Return is a single detected surface return within one channel of
// one shot (spec §3 Return).
//
// IPRank resolves the Open Question over the legacy "ip_rank" field:
// it is exposed as a single boolean meaning "this return is not a
// water-surface return", the one bit of the legacy field's meaning
// that downstream consumers actually used.
type Return struct {
	Latitude, Longitude   float64
	Elevation             float64
	Reflectance           float32
	HorizontalUncertainty float32
	VerticalUncertainty   float32
	Status                ReturnStatus
	Classification        uint8
	InterestPoint         float32
	IPRank                bool
	Probability           float32
	FilterReason          uint8
	DetectionIndex        float32
}

// ChannelReturns holds the 0..max-returns returns recorded for one
// channel of one shot, plus that channel's bare-earth estimate.
type ChannelReturns struct {
	Returns          []Return
	ProcessingMode   uint8
	BareEarthLat     float64
	BareEarthLon     float64
	BareEarthElev    float64
	HasBareEarth     bool
	CubeDetectionIdx float32
}

// PointRecord is the decoded, in-memory form of one shot's processed
// point data (spec §3 PointRecord).
type PointRecord struct {
	Shot Shot

	ReferenceLat float64
	ReferenceLon float64
	WaterLevel   float64

	// Channels holds the 7 shallow channels, the infrared channel,
	// and the deep channel in that fixed order (ChannelCount entries,
	// matching the waveform channel layout in waveform.go). Bare-earth
	// fields are only meaningful for the 7 shallow channels.
	Channels [ChannelCount]ChannelReturns

	ShotKd              float32
	TriggerEnergy       float32
	TriggerInterestPt   float32
	UserData            uint8
	LocalVerticalDatum  float32
}

// TrajectoryRecord is one shot's platform-position record (spec §3
// TrajectoryRecord): fixed-width, one per shot, no variable-length
// fields.
type TrajectoryRecord struct {
	Shot Shot

	PlatformLat float64
	PlatformLon float64
	Altitude    float64
	Roll        float32
	Pitch       float32
	Heading     float32

	// Range, RangeInWater, Intensity, IntensityInWater are indexed by
	// channel in the same fixed 9-channel order as WaveformRecord.
	Range            [ChannelCount]float32
	RangeInWater     [ChannelCount]float32
	Intensity        [ChannelCount]float32
	IntensityInWater [ChannelCount]float32
}

// IndexRecord is one entry of the side-index file: byte offsets and
// compressed sizes for a single shot's W and P records, enough to
// seek directly to either without scanning (spec §3 IndexRecord,
// §4.7).
type IndexRecord struct {
	WOffset int64
	POffset int64
	WSize   uint32
	PSize   uint32
}

// AuditRecord is one entry of the classification audit log (spec
// SPEC_FULL.md §4.11): a replayable record of an editing decision
// made against one channel of one shot.
type AuditRecord struct {
	Ordinal        uint32
	Channel        uint8
	ProcessingMode uint8
	InterestPoint  float32
	ReturnIndex    uint8
	ReturnCount    uint8
}
